package slcan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/aldas/go-vehicle-telemetry/internal/utils"
	"github.com/rs/zerolog"
)

// ErrReceiveDataTimeout is returned when device has not sent any data within configured receive data timeout
var ErrReceiveDataTimeout = errors.New("no data received from device within timeout")

// Config is configuration for SLCAN device
type Config struct {
	// Bus is bus number assigned to all frames read from this device
	Bus uint8

	// Bitrate is CAN bus bitrate in bits per second. `0` leaves adapter bitrate unchanged.
	Bitrate int
	// ListenOnly opens channel in listen only mode, adapter does not acknowledge frames on the bus
	ListenOnly bool

	// ReceiveDataTimeout is maximum duration reads from device can produce no data until we error out (idle).
	//
	// It is to limit amount of time reads can result no data. to timeout the connection when there is no
	// interaction in bus. This is different from for example serial device readTimeout which limits how much time Read
	// call blocks. We want to `Read` calls block small amount of time to be able to check if context was cancelled
	// during read but at the same time we want to be able to detect when there are no coming from bus for excessive
	// amount of time.
	ReceiveDataTimeout time.Duration

	// DebugLogRawFrameBytes instructs device to log all sent/received raw lines
	DebugLogRawFrameBytes bool

	Logger *zerolog.Logger
}

// Device is implementing SLCAN serial adapter. Underlying io.ReadWriter is usually serial port opened with read timeout
// so reads return periodically and context cancellation is noticed.
//
// Note: is not go-routine safe
type Device struct {
	device  io.ReadWriter
	timeNow func() time.Time
	logger  *zerolog.Logger

	readBuffer []byte

	config Config
}

// NewDevice creates new instance of SLCAN device
func NewDevice(device io.ReadWriter, config Config) *Device {
	logger := config.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Device{
		device:     device,
		timeNow:    time.Now,
		logger:     logger,
		readBuffer: make([]byte, 0, 128),
		config:     config,
	}
}

// Initialize closes channel, sets up bitrate and opens channel again.
func (d *Device) Initialize() error {
	commands := []string{"C"}
	if d.config.Bitrate != 0 {
		cmd, ok := bitrateCommands[d.config.Bitrate]
		if !ok {
			return fmt.Errorf("unsupported SLCAN bitrate: %v", d.config.Bitrate)
		}
		commands = append(commands, cmd)
	}
	if d.config.ListenOnly {
		commands = append(commands, "L")
	} else {
		commands = append(commands, "O")
	}

	for _, cmd := range commands {
		if err := d.write([]byte(cmd + "\r")); err != nil {
			return fmt.Errorf("failed to send SLCAN command %v: %w", cmd, err)
		}
	}
	return nil
}

// Close closes channel and underlying device
func (d *Device) Close() error {
	err := d.write([]byte("C\r"))
	if c, ok := d.device.(io.Closer); ok {
		return errors.Join(err, c.Close())
	}
	return err
}

func (d *Device) WriteFrame(frame telemetry.Frame) error {
	b, err := MarshalFrame(frame)
	if err != nil {
		return err
	}
	return d.write(b)
}

func (d *Device) write(b []byte) error {
	if d.config.DebugLogRawFrameBytes {
		d.logger.Debug().Str("bytes", utils.EscapeControl(b)).Msg("writing SLCAN bytes")
	}
	_, err := d.device.Write(b)
	return err
}

func (d *Device) ReadFrame(ctx context.Context) (telemetry.Frame, error) {
	// Example: 't3020300410\r'
	buf := make([]byte, 64)
	lastData := d.timeNow()

	for {
		if frame, ok := d.nextBufferedFrame(); ok {
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return telemetry.Frame{}, ctx.Err()
		default:
		}

		n, err := d.device.Read(buf)
		if n > 0 {
			d.readBuffer = append(d.readBuffer, buf[:n]...)
			lastData = d.timeNow()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if frame, ok := d.nextBufferedFrame(); ok {
					return frame, nil
				}
			}
			return telemetry.Frame{}, err
		}
		if n == 0 && d.config.ReceiveDataTimeout > 0 && d.timeNow().Sub(lastData) > d.config.ReceiveDataTimeout {
			return telemetry.Frame{}, ErrReceiveDataTimeout
		}
	}
}

// nextBufferedFrame parses complete lines from read buffer until first data frame is found.
func (d *Device) nextBufferedFrame() (telemetry.Frame, bool) {
	for {
		endIndex := bytes.IndexAny(d.readBuffer, "\r\n\a")
		if endIndex == -1 {
			if len(d.readBuffer) > 64 { // garbage without line ends, no valid line is that long
				d.readBuffer = d.readBuffer[:0]
			}
			return telemetry.Frame{}, false
		}
		line := append([]byte(nil), d.readBuffer[:endIndex]...)
		terminator := d.readBuffer[endIndex]

		var frame telemetry.Frame
		var skip bool
		var err error
		if terminator == bell {
			err = errors.New("adapter signalled error")
			skip = true
		} else {
			if d.config.DebugLogRawFrameBytes {
				d.logger.Debug().Str("bytes", utils.EscapeControl(d.readBuffer[:endIndex+1])).Msg("read SLCAN line")
			}
			frame, skip, err = parseFrame(line, d.timeNow())
		}
		// remove line from buffer, whatever is after terminator is start of next line
		d.readBuffer = append(d.readBuffer[:0], d.readBuffer[endIndex+1:]...)

		if err != nil {
			if !skip || !errors.Is(err, errUnsupportedLine) {
				d.logger.Debug().Err(err).Str("line", string(line)).Msg("skipped SLCAN line")
			}
			continue
		}
		if skip {
			continue
		}
		frame.Bus = d.config.Bus
		return frame, true
	}
}
