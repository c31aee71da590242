//go:build !linux

package driver

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultReadTimeout 读超时，到期后 ReadFrame 返回 ErrWouldBlock
const DefaultReadTimeout = 100 * time.Millisecond

// SocketCAN is only available on Linux.
type SocketCAN struct{}

// SocketCANOption configures a SocketCAN transceiver.
type SocketCANOption func(*SocketCAN)

// WithFDFrames enables CAN-FD frames on the socket.
func WithFDFrames() SocketCANOption { return func(*SocketCAN) {} }

// WithReadTimeout overrides DefaultReadTimeout.
func WithReadTimeout(time.Duration) SocketCANOption { return func(*SocketCAN) {} }

// NewSocketCAN always fails outside Linux.
func NewSocketCAN(...SocketCANOption) (*SocketCAN, error) {
	return nil, errors.New("socketcan is only supported on linux")
}

func (s *SocketCAN) Bind(string) error                { return ErrNoSuchDevice }
func (s *SocketCAN) SetReceiveOwnMessages(bool) error { return ErrClosed }
func (s *SocketCAN) ReadFrame() (Frame, error)        { return Frame{}, ErrClosed }
func (s *SocketCAN) WriteFrame(Frame) error           { return ErrClosed }
func (s *SocketCAN) Close() error                     { return nil }
