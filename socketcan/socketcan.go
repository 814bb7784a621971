package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"golang.org/x/sys/unix"
)

const (
	canRaw = 1

	// frameSize is size of `struct can_frame` in bytes
	frameSize = 16

	// canIDEFFMask is bitmask to get 0-28bits belonging to extended CAN ID from socketCAN struct
	canIDEFFMask = uint32(0x1FFFFFFF)
	// canIDSFFMask is bitmask to get 0-10bits belonging to standard CAN ID from socketCAN struct
	canIDSFFMask = uint32(0x7FF)
	// canIDERRFlag is bit 29 in CAN ID and means ERR error message flag (0 = data frame, 1 = error message)
	canIDERRFlag = uint32(1 << 29)
	// canIDRTRFlag is bit 30 in CAN ID and means RTR remote transmission request (1 = rtr frame)
	canIDRTRFlag = uint32(1 << 30)
	// canIDEFFFlag is bit 31 in CAN ID and means EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	canIDEFFFlag = uint32(1 << 31)
)

var (
	errReadTimeout  = errors.New("read timeout")
	errWriteTimeout = errors.New("write timeout")

	// ErrRemoteFrame is returned when remote transmission request frame is read. These frames carry no data.
	ErrRemoteFrame = errors.New("read CAN remote transmission request frame")
	// ErrErrorFrame is returned when CAN error message frame is read
	ErrErrorFrame = errors.New("read CAN error message frame")
)

type Connection struct {
	socketFD int
	timeNow  func() time.Time
}

func NewConnection(ifName string) (*Connection, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("bad ifName: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("could not create CAN socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err = unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("could not bind CAN socket: %w", err)
	}

	return &Connection{
		socketFD: fd,
		timeNow:  time.Now,
	}, nil
}

func isContinuableSocketErr(err error) bool {
	// EWOULDBLOCK - If you set a timeout on the socket with SO_RCVTIMEO or SO_SNDTIMEO - in this case, a receive or
	// send will return with EWOULDBLOCK if the timeout elapses while no input data becomes available or the output
	// buffer remains full

	// EINTR - If a signal occurs during a blocking operation, then the operation will either (a) return partial
	// completion, or (b) return failure, do nothing, and set errno to EINTR.

	return err == syscall.EWOULDBLOCK || err == syscall.EINTR
}

func (i Connection) SetReadTimeout(timeout time.Duration) error {
	return i.setSocketTimeout(unix.SO_RCVTIMEO, timeout)
}

func (i Connection) SetSendTimeout(timeout time.Duration) error {
	return i.setSocketTimeout(unix.SO_SNDTIMEO, timeout)
}

func (i Connection) setSocketTimeout(opt int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.SetsockoptTimeval(i.socketFD, unix.SOL_SOCKET, opt, &tv)
}

func (i Connection) Close() error {
	return unix.Close(i.socketFD)
}

func (i Connection) SendFrame(frame telemetry.Frame) error {
	canFrame, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	_, err = unix.Write(i.socketFD, canFrame[:])
	if isContinuableSocketErr(err) {
		return errWriteTimeout
	}
	return err
}

// ReadFrame reads single frame from socket. Bus number is not known to connection and is left 0.
func (i Connection) ReadFrame() (telemetry.Frame, error) {
	var canFrame [frameSize]byte
	_, err := unix.Read(i.socketFD, canFrame[:])
	if err != nil {
		if isContinuableSocketErr(err) {
			return telemetry.Frame{}, errReadTimeout
		}
		return telemetry.Frame{}, err
	}
	f, err := unmarshalFrame(canFrame)
	if err != nil {
		return telemetry.Frame{}, err
	}
	f.Time = i.timeNow()
	return f, nil
}

// marshalFrame converts frame to `struct can_frame` layout.
// Can frame structure: https://github.com/linux-can/can-utils/blob/affdc1b79973c7497bb8607603c24734e11a91aa/include/linux/can.h#L107
func marshalFrame(frame telemetry.Frame) ([frameSize]byte, error) {
	var canFrame [frameSize]byte
	if err := frame.Validate(); err != nil {
		return canFrame, err
	}

	// bits 0-28 is CAN ID
	// bit 29 is ERR error message flag (0 = data frame, 1 = error message)
	// bit 30 is RTR remote transmission request (1 = rtr frame)
	// bit 31 is EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	canID := frame.ID
	if frame.Extended {
		canID |= canIDEFFFlag
	}
	binary.NativeEndian.PutUint32(canFrame[0:4], canID)

	// byte 4 is data length, bytes 5-7 are padding/reserved
	canFrame[4] = frame.Length
	copy(canFrame[8:], frame.Data[:frame.Length])
	return canFrame, nil
}

func unmarshalFrame(canFrame [frameSize]byte) (telemetry.Frame, error) {
	canID := binary.NativeEndian.Uint32(canFrame[0:4])
	if canID&canIDRTRFlag != 0 {
		return telemetry.Frame{}, ErrRemoteFrame
	} else if canID&canIDERRFlag != 0 {
		return telemetry.Frame{}, ErrErrorFrame
	}

	f := telemetry.Frame{
		Length: canFrame[4],
	}
	if f.Length > telemetry.FrameMaxDataLength {
		return telemetry.Frame{}, fmt.Errorf("invalid frame length %v: %w", f.Length, telemetry.ErrInvalidFrame)
	}
	if canID&canIDEFFFlag != 0 {
		f.Extended = true
		f.ID = canID & canIDEFFMask
	} else {
		f.ID = canID & canIDSFFMask
	}
	copy(f.Data[:], canFrame[8:8+f.Length])
	return f, nil
}
