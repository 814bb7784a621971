package telemetry

import (
	"fmt"
	"time"
)

// FrameMaxDataLength is maximum payload size of classical CAN frame.
const FrameMaxDataLength = 8

const (
	// MaxStandardID is largest 11-bit identifier
	MaxStandardID = 0x7FF
	// MaxExtendedID is largest 29-bit identifier
	MaxExtendedID = 0x1FFFFFFF
)

// Frame is single unit of bus traffic as received from bus driver.
type Frame struct {
	// Time is when frame was read from bus. Filled by bus driver.
	Time time.Time

	// Bus is number of the bus frame was received from. Vehicles have usually 1-3 buses, numbering starts from 1.
	// Value `0` means that bus is unknown.
	Bus uint8

	// ID is 11-bit (standard) or 29-bit (extended) identifier
	ID       uint32
	Extended bool

	Length uint8 // 0-8
	Data   [FrameMaxDataLength]byte
}

// NewFrame creates frame with given identifier and payload. Payloads longer than 8 bytes are truncated.
func NewFrame(bus uint8, id uint32, data []byte) Frame {
	f := Frame{
		Bus:      bus,
		ID:       id,
		Extended: id > MaxStandardID,
	}
	n := copy(f.Data[:], data)
	f.Length = uint8(n)
	return f
}

// Payload returns data bytes of the frame limited to frame length.
func (f Frame) Payload() Payload {
	l := f.Length
	if l > FrameMaxDataLength {
		l = FrameMaxDataLength
	}
	return Payload(f.Data[:l])
}

// Validate checks that identifier and length are within limits of classical CAN frame.
func (f Frame) Validate() error {
	if f.Length > FrameMaxDataLength {
		return fmt.Errorf("invalid frame length %v: %w", f.Length, ErrInvalidFrame)
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return fmt.Errorf("invalid extended frame id 0x%x: %w", f.ID, ErrInvalidFrame)
		}
	} else if f.ID > MaxStandardID {
		return fmt.Errorf("invalid standard frame id 0x%x: %w", f.ID, ErrInvalidFrame)
	}
	return nil
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%d:%08X#%X", f.Bus, f.ID, []byte(f.Payload()))
	}
	return fmt.Sprintf("%d:%03X#%X", f.Bus, f.ID, []byte(f.Payload()))
}
