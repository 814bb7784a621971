package socketcan

import (
	"encoding/binary"
	"testing"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/stretchr/testify/assert"
)

func rawFrame(canID uint32, data ...byte) [frameSize]byte {
	var f [frameSize]byte
	binary.NativeEndian.PutUint32(f[0:4], canID)
	f[4] = byte(len(data))
	copy(f[8:], data)
	return f
}

func TestUnmarshalFrame(t *testing.T) {
	var testCases = []struct {
		name        string
		given       [frameSize]byte
		expect      telemetry.Frame
		expectError string
	}{
		{
			name:   "ok, standard frame",
			given:  rawFrame(0x302, 0x00, 0x04, 0x10),
			expect: telemetry.NewFrame(0, 0x302, []byte{0x00, 0x04, 0x10}),
		},
		{
			name:   "ok, extended frame",
			given:  rawFrame(0x18FEF100|canIDEFFFlag, 1, 2, 3, 4, 5, 6, 7, 8),
			expect: telemetry.NewFrame(0, 0x18FEF100, []byte{1, 2, 3, 4, 5, 6, 7, 8}),
		},
		{
			name:  "ok, extended frame with small id",
			given: rawFrame(0x100|canIDEFFFlag, 1),
			expect: telemetry.Frame{
				ID:       0x100,
				Extended: true,
				Length:   1,
				Data:     [8]byte{1},
			},
		},
		{
			name:        "nok, remote frame",
			given:       rawFrame(0x302|canIDRTRFlag),
			expectError: "read CAN remote transmission request frame",
		},
		{
			name:        "nok, error frame",
			given:       rawFrame(0x004|canIDERRFlag, 0, 0, 0, 0, 0, 0, 0, 0),
			expectError: "read CAN error message frame",
		},
		{
			name:  "nok, invalid length",
			given: func() [frameSize]byte {
				f := rawFrame(0x302)
				f[4] = 9
				return f
			}(),
			expectError: "invalid frame length 9: invalid frame",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := unmarshalFrame(tc.given)

			assert.Equal(t, tc.expect, result)
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarshalFrame(t *testing.T) {
	var testCases = []struct {
		name        string
		given       telemetry.Frame
		expect      [frameSize]byte
		expectError string
	}{
		{
			name:   "ok, standard frame",
			given:  telemetry.NewFrame(1, 0x6f2, []byte{0x05, 0x10, 0x27}),
			expect: rawFrame(0x6f2, 0x05, 0x10, 0x27),
		},
		{
			name:   "ok, extended frame",
			given:  telemetry.NewFrame(1, 0x18FEF100, []byte{0xFF}),
			expect: rawFrame(0x18FEF100|canIDEFFFlag, 0xFF),
		},
		{
			name:        "nok, standard id too large",
			given:       telemetry.Frame{ID: 0x800, Length: 1},
			expectError: "invalid standard frame id 0x800: invalid frame",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := marshalFrame(tc.given)

			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expect, result)

			back, err := unmarshalFrame(result)
			assert.NoError(t, err)
			tc.given.Bus = 0
			assert.Equal(t, tc.given, back)
		})
	}
}
