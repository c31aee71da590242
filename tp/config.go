package tp

import (
	"fmt"
	"time"
)

// DefaultPaddingByte fills CAN-FD frames up to the next valid length when no
// padding byte is configured.
const DefaultPaddingByte byte = 0xCC

// ProtocolParameters defines timing and segmentation for a channel. Values are
// copied on use; the With* methods return modified copies.
type ProtocolParameters struct {
	// SeparationTime is the minimum gap between outgoing consecutive frames and
	// the STmin advertised in our flow control frames.
	SeparationTime time.Duration
	// BlockSize is advertised in our flow control frames. 0 means unlimited.
	BlockSize int

	FlowControlTimeout      time.Duration // N_Bs, 0 disables
	ConsecutiveFrameTimeout time.Duration // N_Cr, 0 disables

	// MaxWaitFrames (WFTmax) bounds consecutive WAIT flow control frames.
	MaxWaitFrames int

	// DataLength is the link-layer frame size: 8 for CAN 2.0, 12..64 for CAN-FD.
	DataLength int
	// Padding, if not nil, pads classic frames to 8 bytes and FD frames to
	// the next valid FD length (at least 8).
	Padding *byte

	// MaxMessageSize is the largest first frame length we accept.
	MaxMessageSize int
}

// DefaultProtocolParameters returns the standard ISO-15765-2 defaults.
func DefaultProtocolParameters() ProtocolParameters {
	return ProtocolParameters{
		SeparationTime: 0,
		BlockSize:      0, // BlockSize 0 means unlimited

		FlowControlTimeout:      1000 * time.Millisecond,
		ConsecutiveFrameTimeout: 1000 * time.Millisecond,

		MaxWaitFrames:  10,
		DataLength:     8,
		Padding:        nil, // No padding by default
		MaxMessageSize: 4095,
	}
}

func (p ProtocolParameters) WithSeparationTime(d time.Duration) ProtocolParameters {
	p.SeparationTime = d
	return p
}

func (p ProtocolParameters) WithBlockSize(n int) ProtocolParameters {
	p.BlockSize = n
	return p
}

func (p ProtocolParameters) WithFlowControlTimeout(d time.Duration) ProtocolParameters {
	p.FlowControlTimeout = d
	return p
}

func (p ProtocolParameters) WithConsecutiveFrameTimeout(d time.Duration) ProtocolParameters {
	p.ConsecutiveFrameTimeout = d
	return p
}

func (p ProtocolParameters) WithMaxWaitFrames(n int) ProtocolParameters {
	p.MaxWaitFrames = n
	return p
}

func (p ProtocolParameters) WithDataLength(n int) ProtocolParameters {
	p.DataLength = n
	return p
}

func (p ProtocolParameters) WithPadding(b byte) ProtocolParameters {
	p.Padding = &b
	return p
}

func (p ProtocolParameters) WithoutPadding() ProtocolParameters {
	p.Padding = nil
	return p
}

func (p ProtocolParameters) WithMaxMessageSize(n int) ProtocolParameters {
	p.MaxMessageSize = n
	return p
}

// Validate checks if the configuration parameters are valid.
func (p ProtocolParameters) Validate() error {
	switch {
	case p.SeparationTime < 0:
		return invalidConfig("separation time must not be negative: %s", p.SeparationTime)
	case p.SeparationTime > 127*time.Millisecond:
		return invalidConfig("separation time exceeds 127ms: %s", p.SeparationTime)
	case p.BlockSize < 0 || p.BlockSize > 0xFF:
		return invalidConfig("block size must be within 0..255: %d", p.BlockSize)
	case p.FlowControlTimeout < 0:
		return invalidConfig("flow control timeout must not be negative: %s", p.FlowControlTimeout)
	case p.ConsecutiveFrameTimeout < 0:
		return invalidConfig("consecutive frame timeout must not be negative: %s", p.ConsecutiveFrameTimeout)
	case p.MaxWaitFrames < 0:
		return invalidConfig("max wait frames must not be negative: %d", p.MaxWaitFrames)
	case !validDataLength(p.DataLength):
		return invalidConfig("invalid data length %d, must be 8, 12, 16, 20, 24, 32, 48 or 64", p.DataLength)
	case p.MaxMessageSize < 1 || int64(p.MaxMessageSize) > maxFirstFrameLength:
		return invalidConfig("max message size out of range: %d", p.MaxMessageSize)
	}
	return nil
}

// IsFD reports whether frames are sent as CAN-FD frames.
func (p ProtocolParameters) IsFD() bool {
	return p.DataLength > 8
}

func validDataLength(n int) bool {
	switch n {
	case 8, 12, 16, 20, 24, 32, 48, 64:
		return true
	}
	return false
}

// OverflowPolicy selects what Send does when a channel queue is full.
type OverflowPolicy int

const (
	// BlockCaller makes Send wait for queue space.
	BlockCaller OverflowPolicy = iota
	// RejectNewest fails the new send with QueueFullError.
	RejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case BlockCaller:
		return "block-caller"
	case RejectNewest:
		return "reject-newest"
	}
	return fmt.Sprintf("OverflowPolicy(%d)", int(p))
}

// QueueSettings bounds the per-channel pending send queue.
type QueueSettings struct {
	Capacity int
	Policy   OverflowPolicy
}

// DefaultQueueSettings 默认队列深度16，队列满时阻塞调用者
func DefaultQueueSettings() QueueSettings {
	return QueueSettings{Capacity: 16, Policy: BlockCaller}
}

func (q QueueSettings) Validate() error {
	if q.Capacity < 1 {
		return invalidConfig("queue capacity must be at least 1: %d", q.Capacity)
	}
	if q.Policy != BlockCaller && q.Policy != RejectNewest {
		return invalidConfig("unknown overflow policy %s", q.Policy)
	}
	return nil
}

func invalidConfig(format string, args ...interface{}) error {
	return InvalidConfigError{IsoTpError: NewIsoTpError(fmt.Sprintf(format, args...))}
}
