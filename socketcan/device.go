package socketcan

import (
	"context"
	"errors"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/rs/zerolog"
)

// DeviceConfig is configuration for SocketCAN device
type DeviceConfig struct {
	// InterfaceName is SocketCAN interface name. For example: can0
	InterfaceName string

	// Bus is bus number assigned to all frames read from this interface
	Bus uint8

	// ReceiveDataTimeout limits amount of time reads can result no data. `0` disables timeout.
	ReceiveDataTimeout time.Duration

	// Logger logs skipped error and remote frames. Defaults to no-op logger.
	Logger *zerolog.Logger
}

type Device struct {
	conn *Connection

	config DeviceConfig

	// receiveDataTimeout is to limit amount of time reads can result no data. to timeout the connection when there is no
	// interaction in bus. This is different from for example serial device readTimeout which limits how much time Read
	// call blocks but we want to Reads block small amount of time to be able to check if context was cancelled during read
	// but at the same time we want to be able to detect when there are no coming from bus for excessive amount of time.
	receiveDataTimeout time.Duration

	logger  *zerolog.Logger
	timeNow func() time.Time
}

func NewDevice(config DeviceConfig) *Device {
	logger := config.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Device{
		conn: nil,

		config:             config,
		receiveDataTimeout: config.ReceiveDataTimeout,
		logger:             logger,
		timeNow:            time.Now,
	}
}

func (d *Device) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *Device) Initialize() error {
	conn, err := NewConnection(d.config.InterfaceName)
	if err != nil {
		return err
	}
	d.conn = conn

	return nil
}

func (d *Device) WriteFrame(frame telemetry.Frame) error {
	if err := d.conn.SetSendTimeout(50 * time.Millisecond); err != nil {
		return err
	}
	return d.conn.SendFrame(frame)
}

func (d *Device) ReadFrame(ctx context.Context) (telemetry.Frame, error) {
	start := d.timeNow()
	for {
		select {
		case <-ctx.Done():
			return telemetry.Frame{}, ctx.Err()
		default:
		}

		if err := d.conn.SetReadTimeout(50 * time.Millisecond); err != nil { // max 50ms block time for read per iteration
			return telemetry.Frame{}, err
		}
		frame, err := d.conn.ReadFrame()

		now := d.timeNow()
		// on read timeouts we do not return immediately, we set new deadline on next iteration and check context
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				if d.receiveDataTimeout > 0 && now.Sub(start) > d.receiveDataTimeout {
					return telemetry.Frame{}, err
				}
				continue
			}
			if errors.Is(err, ErrRemoteFrame) || errors.Is(err, ErrErrorFrame) {
				d.logger.Debug().Err(err).Str("interface", d.config.InterfaceName).Msg("skipped frame")
				continue
			}
			return telemetry.Frame{}, err
		}
		frame.Bus = d.config.Bus
		return frame, nil
	}
}
