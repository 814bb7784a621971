package candump

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
)

var (
	// ErrRemoteFrame is returned for remote transmission request lines (`123#R`)
	ErrRemoteFrame = errors.New("candump line is remote transmission request frame")
	// ErrUnsupportedFrame is returned for CAN FD lines (`123##1...`)
	ErrUnsupportedFrame = errors.New("candump line is CAN FD frame")
)

// Marshal converts frame to candump log line (`candump -l` format) without line ending.
func Marshal(frame telemetry.Frame, ifName string) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	// (1665488842.123456) can0 302#000410
	buf := new(bytes.Buffer)
	buf.WriteByte('(')
	buf.WriteString(strconv.FormatInt(frame.Time.Unix(), 10))
	buf.WriteByte('.')
	fmt.Fprintf(buf, "%06d", frame.Time.Nanosecond()/1000)
	buf.WriteString(") ")
	buf.WriteString(ifName)
	buf.WriteByte(' ')
	if frame.Extended {
		fmt.Fprintf(buf, "%08X", frame.ID)
	} else {
		fmt.Fprintf(buf, "%03X", frame.ID)
	}
	buf.WriteByte('#')
	fmt.Fprintf(buf, "%X", frame.Data[:frame.Length])
	return buf.Bytes(), nil
}

// Unmarshal parses candump log line. Interface name is mapped to bus number with busOf.
func Unmarshal(raw string, busOf func(ifName string) uint8) (telemetry.Frame, error) {
	// (1665488842.123456) can0 302#000410
	// (1665488842.123456) can1 18FEF100#0102030405060708
	// time                interface id#data
	parts := strings.Fields(raw)
	if len(parts) != 3 {
		return telemetry.Frame{}, errors.New("candump input has different number of components than expected")
	}

	ts := parts[0]
	if len(ts) < 3 || ts[0] != '(' || ts[len(ts)-1] != ')' {
		return telemetry.Frame{}, errors.New("candump input invalid time format")
	}
	t, err := parseTimestamp(ts[1 : len(ts)-1])
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("candump input invalid time format, err: %w", err)
	}

	idPart, dataPart, ok := strings.Cut(parts[2], "#")
	if !ok {
		return telemetry.Frame{}, errors.New("candump input missing id and data separator")
	}
	if strings.HasPrefix(dataPart, "#") {
		return telemetry.Frame{}, ErrUnsupportedFrame
	}
	if strings.HasPrefix(dataPart, "R") {
		return telemetry.Frame{}, ErrRemoteFrame
	}
	id, err := strconv.ParseUint(idPart, 16, 32)
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("candump input invalid frame id, err: %w", err)
	}
	data, err := hex.DecodeString(dataPart)
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("candump input failure to convert hex into bytes, err: %w", err)
	}
	if len(data) > telemetry.FrameMaxDataLength {
		return telemetry.Frame{}, fmt.Errorf("invalid frame length %v: %w", len(data), telemetry.ErrInvalidFrame)
	}

	var bus uint8
	if busOf != nil {
		bus = busOf(parts[1])
	}
	f := telemetry.NewFrame(bus, uint32(id), data)
	// candump writes extended ids always with 8 digits, even when id would fit into 11 bits
	f.Extended = len(idPart) == 8
	f.Time = t
	if err := f.Validate(); err != nil {
		return telemetry.Frame{}, err
	}
	return f, nil
}

func parseTimestamp(s string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		for i := len(fracPart); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	return time.Unix(sec, nsec).UTC(), nil
}
