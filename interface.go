package telemetry

import (
	"context"
)

// FrameReader is implemented by bus drivers delivering frames one at the time in arrival order.
type FrameReader interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Initialize() error
	Close() error
}

type FrameWriter interface {
	WriteFrame(Frame) error
	Close() error
}

type FrameReaderWriter interface {
	FrameReader
	FrameWriter
}

// FrameHandler consumes decoded frames. Called strictly from single goroutine.
type FrameHandler interface {
	OnFrame(frame Frame)
}
