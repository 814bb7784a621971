package slcan

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	test_test "github.com/aldas/go-vehicle-telemetry/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSerial struct {
	reads   [][]byte
	written bytes.Buffer
	closed  bool
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.reads[0])
	f.reads[0] = f.reads[0][n:]
	if len(f.reads[0]) == 0 {
		f.reads = f.reads[1:]
	}
	return n, nil
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	return f.written.Write(p)
}

func (f *fakeSerial) Close() error {
	f.closed = true
	return nil
}

func TestDevice_ReadFrame(t *testing.T) {
	now := test_test.UTCTime(1665488842)
	serial := &fakeSerial{reads: [][]byte{
		[]byte("t3023000"),
		[]byte("410\r\rt1"),
		[]byte("00100\r"),
		[]byte("\a"),
		[]byte("garbage\r"),
		{}, // read timeout, no data
		[]byte("T18FEF1001FF\r"),
	}}
	dev := NewDevice(serial, Config{Bus: 2})
	dev.timeNow = func() time.Time {
		return now
	}

	var frames []telemetry.Frame
	for {
		f, err := dev.ReadFrame(context.Background())
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		frames = append(frames, f)
	}

	expect := []telemetry.Frame{
		{Time: now, Bus: 2, ID: 0x302, Length: 3, Data: [8]byte{0x00, 0x04, 0x10}},
		{Time: now, Bus: 2, ID: 0x100, Length: 1, Data: [8]byte{0x00}},
		{Time: now, Bus: 2, ID: 0x18FEF100, Extended: true, Length: 1, Data: [8]byte{0xFF}},
	}
	assert.Equal(t, expect, frames)
}

func TestDevice_ReadFrame_contextCancelled(t *testing.T) {
	dev := NewDevice(&fakeSerial{reads: [][]byte{[]byte("t30")}}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dev.ReadFrame(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDevice_ReadFrame_receiveDataTimeout(t *testing.T) {
	serial := &fakeSerial{reads: [][]byte{{}, {}, {}}}
	dev := NewDevice(serial, Config{ReceiveDataTimeout: time.Second})
	clock := test_test.NewClock(test_test.UTCTime(1665488842))
	dev.timeNow = func() time.Time {
		clock.Advance(600 * time.Millisecond)
		return clock.Now()
	}

	_, err := dev.ReadFrame(context.Background())

	assert.ErrorIs(t, err, ErrReceiveDataTimeout)
}

func TestDevice_Initialize(t *testing.T) {
	var testCases = []struct {
		name        string
		given       Config
		expect      string
		expectError string
	}{
		{
			name:   "ok, bitrate",
			given:  Config{Bitrate: 500_000},
			expect: "C\rS6\rO\r",
		},
		{
			name:   "ok, listen only without bitrate",
			given:  Config{ListenOnly: true},
			expect: "C\rL\r",
		},
		{
			name:        "nok, unsupported bitrate",
			given:       Config{Bitrate: 33_333},
			expectError: "unsupported SLCAN bitrate: 33333",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			serial := &fakeSerial{}
			dev := NewDevice(serial, tc.given)

			err := dev.Initialize()

			assert.Equal(t, tc.expect, serial.written.String())
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDevice_WriteFrameAndClose(t *testing.T) {
	serial := &fakeSerial{}
	dev := NewDevice(serial, Config{})

	require.NoError(t, dev.WriteFrame(telemetry.NewFrame(1, 0x302, []byte{0x00, 0x04, 0x10})))
	require.NoError(t, dev.Close())

	assert.Equal(t, "t3023000410\rC\r", serial.written.String())
	assert.True(t, serial.closed)
}
