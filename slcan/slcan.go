package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
)

/* SLCAN (Lawicel) ASCII protocol is used by serial CAN adapters (CANable, CANUSB, USBtin etc).

Every command and received frame is terminated with CR (0x0D). Adapter acknowledges commands with CR and signals
errors with BELL (0x07).

   tiiildd..<CR>        standard frame, iii = 11-bit id in hex, l = length 0-8, dd = data bytes in hex
   Tiiiiiiiildd..<CR>   extended frame, iiiiiiii = 29-bit id in hex
   riiil<CR>            standard remote transmission request
   Riiiiiiiil<CR>       extended remote transmission request

Received frames may have 4 hex digit timestamp (milliseconds 0-59999) appended before CR when timestamps are enabled.
*/

const (
	cr   = '\r'
	bell = 0x07
)

var (
	errUnsupportedLine = errors.New("line is not SLCAN frame")
	errRemoteFrame     = errors.New("remote transmission request frame")

	// ErrInvalidLine is returned when frame line can not be parsed
	ErrInvalidLine = errors.New("invalid SLCAN frame line")
)

// bitrateCommands maps bitrate to SLCAN `Sn` setup command
var bitrateCommands = map[int]string{
	10_000:    "S0",
	20_000:    "S1",
	50_000:    "S2",
	100_000:   "S3",
	125_000:   "S4",
	250_000:   "S5",
	500_000:   "S6",
	800_000:   "S7",
	1_000_000: "S8",
}

const hextable = "0123456789ABCDEF"

// MarshalFrame converts frame to SLCAN transmit command.
func MarshalFrame(frame telemetry.Frame) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	// example: `t3020300410\r` or `T18FEF10010102030405060708\r`
	b := make([]byte, 0, 1+8+1+16+1)
	if frame.Extended {
		b = append(b, 'T')
		b = append(b, fmt.Sprintf("%08X", frame.ID)...)
	} else {
		b = append(b, 't')
		b = append(b, fmt.Sprintf("%03X", frame.ID)...)
	}
	b = append(b, '0'+frame.Length)
	for _, v := range frame.Data[:frame.Length] {
		b = append(b, hextable[v>>4], hextable[v&0x0f])
	}
	return append(b, cr), nil
}

// parseFrame parses single line without CR terminator. Returns skip=true for lines that are valid but do not
// contain data frames (acknowledgements, remote frames etc).
func parseFrame(line []byte, now time.Time) (telemetry.Frame, bool, error) {
	if len(line) == 0 {
		return telemetry.Frame{}, true, errUnsupportedLine // command acknowledgement
	}

	idLength := 0
	extended := false
	switch line[0] {
	case 't':
		idLength = 3
	case 'T':
		idLength = 8
		extended = true
	case 'r', 'R':
		return telemetry.Frame{}, true, errRemoteFrame
	default:
		return telemetry.Frame{}, true, errUnsupportedLine
	}

	if len(line) < 1+idLength+1 {
		return telemetry.Frame{}, false, fmt.Errorf("line too short: %w", ErrInvalidLine)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLength]), 16, 32)
	if err != nil {
		return telemetry.Frame{}, false, fmt.Errorf("frame id: %w", ErrInvalidLine)
	}

	lengthChar := line[1+idLength]
	if lengthChar < '0' || lengthChar > '8' {
		return telemetry.Frame{}, false, fmt.Errorf("frame length %q: %w", lengthChar, ErrInvalidLine)
	}
	length := int(lengthChar - '0')

	dataStart := 1 + idLength + 1
	dataEnd := dataStart + length*2
	rest := len(line) - dataEnd
	if rest != 0 && rest != 4 { // optional 4 character timestamp
		return telemetry.Frame{}, false, fmt.Errorf("line length %v for %v data bytes: %w", len(line), length, ErrInvalidLine)
	}

	f := telemetry.Frame{
		Time:     now,
		ID:       uint32(id),
		Extended: extended,
		Length:   uint8(length),
	}
	if _, err := hex.Decode(f.Data[:length], line[dataStart:dataEnd]); err != nil {
		return telemetry.Frame{}, false, fmt.Errorf("frame data: %w", ErrInvalidLine)
	}
	if err := f.Validate(); err != nil {
		return telemetry.Frame{}, false, err
	}
	return f, false, nil
}
