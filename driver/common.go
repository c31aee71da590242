package driver

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ClassicMaxDataLength CAN 2.0 最大数据长度
	ClassicMaxDataLength = 8
	// FDMaxDataLength CAN-FD 最大数据长度
	FDMaxDataLength = 64

	sffMask = 0x7FF
	effMask = 0x1FFFFFFF
)

var (
	// ErrWouldBlock is returned by ReadFrame when no frame arrived within the read timeout.
	ErrWouldBlock = errors.New("driver: operation would block")
	// ErrInterrupted is returned when a read was interrupted by a signal.
	ErrInterrupted = errors.New("driver: interrupted")
	// ErrClosed is returned by any operation on a closed transceiver.
	ErrClosed = errors.New("driver: transceiver closed")
	// ErrNotBound is returned when frames are written before Bind.
	ErrNotBound = errors.New("driver: transceiver not bound")
	// ErrNoSuchDevice is returned by Bind for an unknown interface.
	ErrNoSuchDevice = errors.New("driver: no such device")
)

// IsTransient reports whether a read error may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted)
}

// Frame 是一个通用的 CAN/CAN-FD 报文，Data 使用64字节以兼容 CAN-FD。
type Frame struct {
	ID       uint32
	Extended bool
	FD       bool
	Len      uint8
	Data     [FDMaxDataLength]byte
}

// NewFrame builds a frame carrying payload. Payloads longer than 8 bytes
// produce a CAN-FD frame.
func NewFrame(id uint32, extended bool, payload []byte) (Frame, error) {
	if len(payload) > FDMaxDataLength {
		return Frame{}, errors.Errorf("driver: payload of %d bytes exceeds %d", len(payload), FDMaxDataLength)
	}
	mask := uint32(sffMask)
	if extended {
		mask = effMask
	}
	if id&^mask != 0 {
		return Frame{}, errors.Errorf("driver: id 0x%X exceeds identifier width", id)
	}
	f := Frame{
		ID:       id,
		Extended: extended,
		FD:       len(payload) > ClassicMaxDataLength,
		Len:      uint8(len(payload)),
	}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the valid data bytes of the frame.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// String 方法提供了 Frame 的字符串表示形式，格式与 candump 类似。
func (f Frame) String() string {
	var id string
	if f.Extended {
		id = fmt.Sprintf("%08X", f.ID)
	} else {
		id = fmt.Sprintf("%03X", f.ID)
	}
	sep := "#"
	if f.FD {
		sep = "##"
	}
	var b strings.Builder
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, "%02X", v)
	}
	return id + sep + b.String()
}

// Transceiver is the frame transport consumed by the ISO-TP broker. ReadFrame
// is only ever called from a single goroutine; WriteFrame calls are
// serialized by the caller.
type Transceiver interface {
	Bind(device string) error
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// OwnMessageReceiver is implemented by transceivers that can loop their own
// writes back to their reader.
type OwnMessageReceiver interface {
	SetReceiveOwnMessages(enabled bool) error
}
