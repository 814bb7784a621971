package decoder

import (
	"fmt"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/aldas/go-vehicle-telemetry/metric"
)

// textAssembly collects string chunks. Chunk k is copied to offset k*chunkSize, string is published when last chunk
// arrives and every chunk of the cycle has been received. Cycle is reset after last chunk in any case.
type textAssembly struct {
	handle       metric.Handle
	indexByte    uint8
	chunkSize    int
	length       int
	chunks       int
	cycleTimeout time.Duration

	buf          []byte
	receivedMask uint64
	expectedMask uint64
	cycleStarted time.Time
}

type textResult struct {
	value     string
	published bool
	// abandoned is set when partial cycle was discarded because chunk repeated or cycle timed out
	abandoned bool
	// incomplete is set when last chunk arrived before all other chunks of the cycle
	incomplete bool
}

func newTextAssembly(handle metric.Handle, t TextAssembly, cycleTimeout time.Duration) *textAssembly {
	chunks := (t.Length + t.ChunkSize - 1) / t.ChunkSize
	return &textAssembly{
		handle:       handle,
		indexByte:    t.IndexByte,
		chunkSize:    t.ChunkSize,
		length:       t.Length,
		chunks:       chunks,
		cycleTimeout: cycleTimeout,
		buf:          make([]byte, t.Length),
		expectedMask: ^(^uint64(0) << chunks),
	}
}

// append adds chunk to string. Chunk index already received in current cycle, or cycle older than cycle timeout,
// discards partial cycle and starts a new one with this chunk.
func (a *textAssembly) append(payload telemetry.Payload, now time.Time) (textResult, error) {
	result := textResult{}
	if len(payload) <= int(a.indexByte) {
		return result, fmt.Errorf("payload length %v, missing chunk index: %w", len(payload), ErrMalformedFrame)
	}
	index := int(payload[a.indexByte])
	if index >= a.chunks {
		return result, fmt.Errorf("chunk index %v of %v chunks: %w", index, a.chunks, ErrMalformedFrame)
	}
	start := index * a.chunkSize
	n := a.chunkSize
	if start+n > a.length {
		n = a.length - start
	}
	dataStart := int(a.indexByte) + 1
	if len(payload) < dataStart+n {
		return result, fmt.Errorf("payload length %v, required %v: %w", len(payload), dataStart+n, ErrMalformedFrame)
	}

	bit := uint64(1) << index
	if a.receivedMask != 0 {
		if a.receivedMask&bit != 0 || (a.cycleTimeout > 0 && now.Sub(a.cycleStarted) > a.cycleTimeout) {
			result.abandoned = true
			a.reset()
		}
	}
	if a.receivedMask == 0 {
		a.cycleStarted = now
	}
	copy(a.buf[start:start+n], payload[dataStart:dataStart+n])
	a.receivedMask |= bit

	if index != a.chunks-1 {
		return result, nil
	}
	complete := a.receivedMask == a.expectedMask
	s := telemetry.TrimPadding(a.buf)
	a.reset()
	if !complete {
		result.incomplete = true
		return result, nil
	}
	result.value = s
	result.published = true
	return result, nil
}

func (a *textAssembly) reset() {
	a.receivedMask = 0
	for i := range a.buf {
		a.buf[i] = 0
	}
}
