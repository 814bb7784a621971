package telemetry

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestPayload_DecodeUint(t *testing.T) {
	// BMS brick voltage frame: index byte + 4 x 14 bit values packed over 7 bytes
	bms := Payload{0x00, 0x2C, 0x75, 0x18, 0x9E, 0x45, 0x9B, 0xD5}

	var testCases = []struct {
		name        string
		given       Payload
		whenOffset  uint16
		whenLength  uint16
		expect      uint64
		expectError string
	}{
		{
			name:       "ok, single byte",
			given:      Payload{0x12, 0x34},
			whenOffset: 8,
			whenLength: 8,
			expect:     0x34,
		},
		{
			name:       "ok, bits inside single byte",
			given:      Payload{0b1011_0100},
			whenOffset: 2,
			whenLength: 3,
			expect:     0b101,
		},
		{
			name:       "ok, 16 bit little-endian",
			given:      Payload{0x8C, 0x9C},
			whenOffset: 0,
			whenLength: 16,
			expect:     0x9C8C,
		},
		{
			name:       "ok, SOC 10 bits starting at bit 10",
			given:      Payload{0x00, 0x04, 0x10},
			whenOffset: 10,
			whenLength: 10,
			expect:     1, // (d1>>2) + ((d2&0x0F)<<6) = 1 + 0
		},
		{
			name:       "ok, first 14 bit sub-value",
			given:      bms,
			whenOffset: 8,
			whenLength: 14,
			expect:     uint64(bms[2]&0x3f)<<8 + uint64(bms[1]),
		},
		{
			name:       "ok, second 14 bit sub-value straddling 3 bytes",
			given:      bms,
			whenOffset: 22,
			whenLength: 14,
			expect:     uint64(bms[4]&0x0f)<<10 + uint64(bms[3])<<2 + uint64(bms[2]>>6),
		},
		{
			name:       "ok, third 14 bit sub-value",
			given:      bms,
			whenOffset: 36,
			whenLength: 14,
			expect:     uint64(bms[6]&0x03)<<12 + uint64(bms[5])<<4 + uint64(bms[4]>>4),
		},
		{
			name:       "ok, fourth 14 bit sub-value ending at last bit",
			given:      bms,
			whenOffset: 50,
			whenLength: 14,
			expect:     uint64(bms[7])<<6 + uint64(bms[6]>>2),
		},
		{
			name:       "ok, full 64 bits",
			given:      Payload{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
			whenOffset: 0,
			whenLength: 64,
			expect:     0x0807060504030201,
		},
		{
			name:        "nok, field past end of payload",
			given:       Payload{0x01, 0x02},
			whenOffset:  10,
			whenLength:  8,
			expectError: "bits 10-17 of 2 byte payload: field is out of bounds of payload",
		},
		{
			name:        "nok, zero length",
			given:       Payload{0x01},
			whenOffset:  0,
			whenLength:  0,
			expectError: "bit length 0: invalid field bit length",
		},
		{
			name:        "nok, too long",
			given:       make(Payload, 16),
			whenOffset:  0,
			whenLength:  65,
			expectError: "bit length 65: invalid field bit length",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := tc.given.DecodeUint(tc.whenOffset, tc.whenLength)

			assert.Equal(t, tc.expect, result)
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPayload_DecodeInt(t *testing.T) {
	var testCases = []struct {
		name       string
		given      Payload
		whenOffset uint16
		whenLength uint16
		expect     int64
	}{
		{
			name:       "ok, 13 bit all ones is -1",
			given:      Payload{0xFF, 0x1F},
			whenOffset: 0,
			whenLength: 13,
			expect:     -1,
		},
		{
			name:       "ok, 14 bit all ones is -1",
			given:      Payload{0x00, 0xFF, 0x3F},
			whenOffset: 8,
			whenLength: 14,
			expect:     -1,
		},
		{
			name:       "ok, 14 bit 0x1FFF is most positive",
			given:      Payload{0xFF, 0x1F},
			whenOffset: 0,
			whenLength: 14,
			expect:     8191,
		},
		{
			name:       "ok, 14 bit 0x2000 is most negative",
			given:      Payload{0x00, 0x20},
			whenOffset: 0,
			whenLength: 14,
			expect:     -8192,
		},
		{
			name:       "ok, 8 bit",
			given:      Payload{0x00, 0x80},
			whenOffset: 8,
			whenLength: 8,
			expect:     -128,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := tc.given.DecodeInt(tc.whenOffset, tc.whenLength)

			assert.NoError(t, err)
			assert.Equal(t, tc.expect, result)
		})
	}
}

func TestSignExtend(t *testing.T) {
	for _, bits := range []uint16{2, 8, 10, 13, 14, 16, 31} {
		half := uint64(1) << (bits - 1)
		assert.Equal(t, -int64(half), SignExtend(half, bits), "most negative for %v bits", bits)
		assert.Equal(t, int64(half-1), SignExtend(half-1, bits), "most positive for %v bits", bits)
	}

	// sign extension over 14 bits matches `(v & 0x1FFF) - (v & 0x2000)` for every raw value
	for v := int64(0); v <= 0x3FFF; v++ {
		if SignExtend(uint64(v), 14) != (v&0x1FFF)-(v&0x2000) {
			t.Fatalf("sign extension mismatch for raw value %#x", v)
		}
	}

	assert.Equal(t, int64(-1), SignExtend(0xFFFFFFFFFFFFFFFF, 64))
}

func TestPayload_EncodeDecodeRoundTrip(t *testing.T) {
	const bits = 13
	for _, offset := range []uint16{0, 3, 8, 22, 51} {
		p := make(Payload, 8)
		for v := uint64(0); v < 1<<bits; v++ {
			err := p.EncodeUint(offset, bits, v)
			if err != nil {
				t.Fatal(err)
			}
			result, err := p.DecodeUint(offset, bits)
			if err != nil {
				t.Fatal(err)
			}
			if result != v {
				t.Fatalf("round trip failed at offset %v: expected %v, got %v", offset, v, result)
			}
			signed, _ := p.DecodeInt(offset, bits)
			if uint64(signed)&(1<<bits-1) != v {
				t.Fatalf("signed round trip failed at offset %v: %v -> %v", offset, v, signed)
			}
		}
	}
}

func TestPayload_EncodeUintKeepsNeighbours(t *testing.T) {
	p := Payload{0xFF, 0xFF, 0xFF}

	err := p.EncodeUint(6, 6, 0)

	assert.NoError(t, err)
	assert.Equal(t, Payload{0x3F, 0xF0, 0xFF}, p)
}

func TestPayload_DecodeString(t *testing.T) {
	var testCases = []struct {
		name        string
		given       Payload
		whenOffset  int
		whenLength  int
		expect      string
		expectError string
	}{
		{
			name:       "ok",
			given:      Payload{0x01, 'A', 'B', 'C'},
			whenOffset: 1,
			whenLength: 3,
			expect:     "ABC",
		},
		{
			name:       "ok, trims NUL",
			given:      Payload{'A', 0x00, 'C'},
			whenOffset: 0,
			whenLength: 3,
			expect:     "A",
		},
		{
			name:       "ok, trims 0xFF and spaces",
			given:      Payload{'A', ' ', ' ', 0xFF},
			whenOffset: 0,
			whenLength: 4,
			expect:     "A",
		},
		{
			name:        "nok, out of bounds",
			given:       Payload{'A'},
			whenOffset:  0,
			whenLength:  2,
			expectError: "bytes 0-2 of 1 byte payload: field is out of bounds of payload",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := tc.given.DecodeString(tc.whenOffset, tc.whenLength)

			assert.Equal(t, tc.expect, result)
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
