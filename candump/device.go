package candump

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/rs/zerolog"
)

// Config is configuration for candump log reader
type Config struct {
	// Buses maps interface names to bus numbers. Interfaces missing from map named like `can0`, `vcan1`, `slcan2` get
	// bus number from interface number + 1, other interfaces get bus 0.
	Buses map[string]uint8

	// Paced replays frames with same time gaps as they were recorded
	Paced bool

	// Logger logs skipped lines. Defaults to no-op logger.
	Logger *zerolog.Logger
}

// Reader reads frames from candump log file.
type Reader struct {
	reader  io.Reader
	scanner *bufio.Scanner
	config  Config
	logger  *zerolog.Logger

	previousFrameTime time.Time
	sleep             func(ctx context.Context, d time.Duration) error
}

func NewReader(reader io.Reader, config Config) *Reader {
	logger := config.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Reader{
		reader:  reader,
		scanner: bufio.NewScanner(reader),
		config:  config,
		logger:  logger,
		sleep:   sleepContext,
	}
}

func (d *Reader) Initialize() error {
	return nil // do nothing
}

// ReadFrame returns next frame from log. Comments, empty lines, remote and CAN FD frames are skipped. Returns io.EOF
// at the end of the log.
func (d *Reader) ReadFrame(ctx context.Context) (telemetry.Frame, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		frame, err := Unmarshal(line, d.busOf)
		if errors.Is(err, ErrRemoteFrame) || errors.Is(err, ErrUnsupportedFrame) {
			d.logger.Debug().Err(err).Str("line", line).Msg("skipped candump line")
			continue
		}
		if err != nil {
			return telemetry.Frame{}, err
		}
		if d.config.Paced {
			if !d.previousFrameTime.IsZero() && frame.Time.After(d.previousFrameTime) {
				if err := d.sleep(ctx, frame.Time.Sub(d.previousFrameTime)); err != nil {
					return telemetry.Frame{}, err
				}
			}
			d.previousFrameTime = frame.Time
		}
		return frame, nil
	}
	if err := d.scanner.Err(); err != nil {
		return telemetry.Frame{}, err
	}
	return telemetry.Frame{}, io.EOF
}

func (d *Reader) busOf(ifName string) uint8 {
	if bus, ok := d.config.Buses[ifName]; ok {
		return bus
	}
	for _, prefix := range []string{"vcan", "slcan", "can"} {
		n, ok := strings.CutPrefix(ifName, prefix)
		if !ok {
			continue
		}
		nr, err := strconv.ParseUint(n, 10, 8)
		if err != nil || nr >= 255 {
			return 0
		}
		return uint8(nr) + 1
	}
	return 0
}

func (d *Reader) Close() error {
	closer, ok := d.reader.(io.Closer)
	if ok {
		return closer.Close()
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Writer writes frames as candump log lines.
type Writer struct {
	writer io.Writer
	ifName func(bus uint8) string
}

// NewWriter creates candump log writer. Bus numbers are written as interface names `can<bus-1>`.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		writer: w,
		ifName: func(bus uint8) string {
			if bus == 0 {
				return "can"
			}
			return "can" + strconv.Itoa(int(bus)-1)
		},
	}
}

func (w *Writer) WriteFrame(frame telemetry.Frame) error {
	b, err := Marshal(frame, w.ifName(frame.Bus))
	if err != nil {
		return err
	}
	_, err = w.writer.Write(append(b, '\n'))
	return err
}

func (w *Writer) Close() error {
	if closer, ok := w.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
