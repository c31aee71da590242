//go:build linux

package driver

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	canMTU   = 16
	canfdMTU = 72

	// DefaultReadTimeout 读超时，到期后 ReadFrame 返回 ErrWouldBlock
	DefaultReadTimeout = 100 * time.Millisecond
)

// SocketCAN is a raw CAN_RAW socket transceiver.
type SocketCAN struct {
	fd          int
	fdFrames    bool
	readTimeout time.Duration

	bound  *atomic.Bool
	closed *atomic.Bool
}

// SocketCANOption configures a SocketCAN transceiver.
type SocketCANOption func(*SocketCAN)

// WithFDFrames enables CAN-FD frames on the socket.
func WithFDFrames() SocketCANOption {
	return func(s *SocketCAN) { s.fdFrames = true }
}

// WithReadTimeout overrides DefaultReadTimeout.
func WithReadTimeout(d time.Duration) SocketCANOption {
	return func(s *SocketCAN) { s.readTimeout = d }
}

// NewSocketCAN opens an unbound raw CAN socket.
func NewSocketCAN(opts ...SocketCANOption) (*SocketCAN, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, errors.Wrap(err, "open CAN_RAW socket")
	}
	s := &SocketCAN{
		fd:          fd,
		readTimeout: DefaultReadTimeout,
		bound:       atomic.NewBool(false),
		closed:      atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bind binds the socket to a CAN interface such as "can0" or "vcan0".
func (s *SocketCAN) Bind(device string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.bound.Load() {
		return errors.Errorf("socket already bound")
	}
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return errors.Wrapf(ErrNoSuchDevice, "bind %q: %v", device, err)
	}
	if s.fdFrames {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			return errors.Wrap(err, "enable CAN_RAW_FD_FRAMES")
		}
	}
	if s.readTimeout > 0 {
		tv := unix.NsecToTimeval(s.readTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return errors.Wrap(err, "set SO_RCVTIMEO")
		}
	}
	if err := unix.Bind(s.fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		return errors.Wrapf(err, "bind %q", device)
	}
	s.bound.Store(true)
	return nil
}

// SetReceiveOwnMessages toggles CAN_RAW_RECV_OWN_MSGS.
func (s *SocketCAN) SetReceiveOwnMessages(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v),
		"set CAN_RAW_RECV_OWN_MSGS")
}

// ReadFrame reads one frame. It returns ErrWouldBlock when the read timeout
// elapses without traffic.
func (s *SocketCAN) ReadFrame() (Frame, error) {
	if s.closed.Load() {
		return Frame{}, ErrClosed
	}
	var buf [canfdMTU]byte
	n, err := unix.Read(s.fd, buf[:])
	if err != nil {
		switch {
		case s.closed.Load():
			return Frame{}, ErrClosed
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return Frame{}, ErrWouldBlock
		case errors.Is(err, unix.EINTR):
			return Frame{}, ErrInterrupted
		}
		return Frame{}, errors.Wrap(err, "read CAN frame")
	}
	if n != canMTU && n != canfdMTU {
		return Frame{}, errors.Errorf("short CAN frame read: %d bytes", n)
	}
	return unmarshalFrame(buf[:n]), nil
}

// WriteFrame writes one frame.
func (s *SocketCAN) WriteFrame(f Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.bound.Load() {
		return ErrNotBound
	}
	buf := marshalFrame(f)
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return errors.Wrap(err, "write CAN frame")
	}
	if n != len(buf) {
		return errors.Errorf("short CAN frame write: %d of %d bytes", n, len(buf))
	}
	return nil
}

// Close releases the socket.
func (s *SocketCAN) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Wrap(unix.Close(s.fd), "close CAN socket")
}

// marshalFrame 按 struct can_frame / struct canfd_frame 布局编码
func marshalFrame(f Frame) []byte {
	size := canMTU
	if f.FD {
		size = canfdMTU
	}
	buf := make([]byte, size)
	id := f.ID
	if f.Extended {
		id = (id & unix.CAN_EFF_MASK) | unix.CAN_EFF_FLAG
	} else {
		id &= unix.CAN_SFF_MASK
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:], f.Payload())
	return buf
}

func unmarshalFrame(buf []byte) Frame {
	raw := binary.NativeEndian.Uint32(buf[0:4])
	f := Frame{
		Extended: raw&unix.CAN_EFF_FLAG != 0,
		FD:       len(buf) == canfdMTU,
		Len:      buf[4],
	}
	if f.Extended {
		f.ID = raw & unix.CAN_EFF_MASK
	} else {
		f.ID = raw & unix.CAN_SFF_MASK
	}
	if int(f.Len) > len(buf)-8 {
		f.Len = uint8(len(buf) - 8)
	}
	copy(f.Data[:], buf[8:8+int(f.Len)])
	return f
}
