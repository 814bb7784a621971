package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame indicates that frame identifier or length is out of limits
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrPayloadTooShort indicates that field does not fit into payload
	ErrPayloadTooShort = errors.New("field is out of bounds of payload")
	// ErrInvalidBitLength indicates that field bit length is 0 or larger than 64 bits
	ErrInvalidBitLength = errors.New("invalid field bit length")
)

// Payload is data bytes of a frame. Fields are addressed with bit offsets where bit 0 is the least significant bit
// of the first byte and multibyte fields are little-endian (bits continue from LSB of following byte).
type Payload []byte

// DecodeUint reads unsigned integer of bitLength bits starting at bitOffset. Field may start and end in the middle of
// a byte and span any number of bytes.
func (p Payload) DecodeUint(bitOffset uint16, bitLength uint16) (uint64, error) {
	if err := p.checkBounds(bitOffset, bitLength); err != nil {
		return 0, err
	}

	shift := bitOffset % 8
	read := uint16(0)
	var result uint64
	for i := int(bitOffset / 8); read < bitLength; i++ {
		// first byte may have leading bits that belong to previous field, following bytes are used from bit 0
		result |= uint64(p[i]>>shift) << read
		read += 8 - shift
		shift = 0
	}
	if bitLength < 64 {
		result &= (uint64(1) << bitLength) - 1
	}
	return result, nil
}

// DecodeInt reads bitLength bits starting at bitOffset as two's-complement signed integer.
func (p Payload) DecodeInt(bitOffset uint16, bitLength uint16) (int64, error) {
	raw, err := p.DecodeUint(bitOffset, bitLength)
	if err != nil {
		return 0, err
	}
	return SignExtend(raw, bitLength), nil
}

// EncodeUint writes lowest bitLength bits of value into payload starting at bitOffset. Bits outside the field are left
// untouched.
func (p Payload) EncodeUint(bitOffset uint16, bitLength uint16, value uint64) error {
	if err := p.checkBounds(bitOffset, bitLength); err != nil {
		return err
	}
	for i := uint16(0); i < bitLength; i++ {
		bit := bitOffset + i
		mask := byte(1) << (bit % 8)
		if (value>>i)&1 == 1 {
			p[bit/8] |= mask
		} else {
			p[bit/8] &^= mask
		}
	}
	return nil
}

// DecodeString reads length bytes starting at byteOffset and trims trailing padding (NUL, 0xFF and spaces).
func (p Payload) DecodeString(byteOffset int, length int) (string, error) {
	if byteOffset < 0 || length < 0 || byteOffset+length > len(p) {
		return "", fmt.Errorf("bytes %v-%v of %v byte payload: %w", byteOffset, byteOffset+length, len(p), ErrPayloadTooShort)
	}
	return TrimPadding(p[byteOffset : byteOffset+length]), nil
}

func (p Payload) checkBounds(bitOffset uint16, bitLength uint16) error {
	if bitLength == 0 || bitLength > 64 {
		return fmt.Errorf("bit length %v: %w", bitLength, ErrInvalidBitLength)
	}
	if int(bitOffset)+int(bitLength) > len(p)*8 {
		return fmt.Errorf("bits %v-%v of %v byte payload: %w", bitOffset, int(bitOffset)+int(bitLength)-1, len(p), ErrPayloadTooShort)
	}
	return nil
}

// SignExtend interprets lowest bitLength bits of raw as two's-complement number. For 14 bit field this is same as
// `(v & 0x1FFF) - (v & 0x2000)`.
func SignExtend(raw uint64, bitLength uint16) int64 {
	if bitLength == 0 || bitLength >= 64 {
		return int64(raw)
	}
	shift := 64 - bitLength
	return int64(raw<<shift) >> shift
}

// TrimPadding converts bytes to string stopping at first NUL or 0xFF byte and removing trailing spaces.
func TrimPadding(b []byte) string {
	length := 0
	for length < len(b) {
		c := b[length]
		if c == 0x0 || c == 0xFF {
			break
		}
		length++
	}
	for length > 0 && b[length-1] == ' ' {
		length--
	}
	return string(b[:length])
}
