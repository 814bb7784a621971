package test_test

import (
	"context"
	"io"
	"sync"

	telemetry "github.com/aldas/go-vehicle-telemetry"
)

// ScriptedReader returns given frames one by one and io.EOF after last frame.
type ScriptedReader struct {
	mu     sync.Mutex
	frames []telemetry.Frame
	next   int

	Initialized bool
	Closed      bool
}

func NewScriptedReader(frames ...telemetry.Frame) *ScriptedReader {
	return &ScriptedReader{frames: frames}
}

func (r *ScriptedReader) ReadFrame(ctx context.Context) (telemetry.Frame, error) {
	select {
	case <-ctx.Done():
		return telemetry.Frame{}, ctx.Err()
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= len(r.frames) {
		return telemetry.Frame{}, io.EOF
	}
	f := r.frames[r.next]
	r.next++
	return f, nil
}

func (r *ScriptedReader) Initialize() error {
	r.mu.Lock()
	r.Initialized = true
	r.mu.Unlock()
	return nil
}

func (r *ScriptedReader) Close() error {
	r.mu.Lock()
	r.Closed = true
	r.mu.Unlock()
	return nil
}
