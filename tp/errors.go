package tp

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

// Configuration errors.

type InvalidAddressError struct {
	IsoTpError
}

func (e InvalidAddressError) Error() string {
	return messageOrDefault(e.msg, "address exceeds its identifier width")
}

type DuplicateAddressError struct {
	IsoTpError
}

func (e DuplicateAddressError) Error() string {
	return messageOrDefault(e.msg, "a channel already owns this address")
}

type PayloadTooLargeError struct {
	IsoTpError
}

func (e PayloadTooLargeError) Error() string {
	return messageOrDefault(e.msg, "payload too large for its length encoding")
}

type InvalidConfigError struct {
	IsoTpError
}

func (e InvalidConfigError) Error() string {
	return messageOrDefault(e.msg, "invalid configuration")
}

type QueueFullError struct {
	IsoTpError
}

func (e QueueFullError) Error() string {
	return messageOrDefault(e.msg, "send queue is full")
}

// Framing errors.

type MalformedFrameError struct {
	IsoTpError
}

func (e MalformedFrameError) Error() string {
	return messageOrDefault(e.msg, "malformed ISO-TP frame")
}

type UnexpectedFrameError struct {
	IsoTpError
}

func (e UnexpectedFrameError) Error() string {
	return messageOrDefault(e.msg, "unexpected consecutive frame received")
}

type UnroutedFrameError struct {
	IsoTpError
}

func (e UnroutedFrameError) Error() string {
	return messageOrDefault(e.msg, "frame matches no channel")
}

// Protocol timing and flow errors.

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

type FlowControlAbortedError struct {
	IsoTpError
}

func (e FlowControlAbortedError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

type PeerOverflowError struct {
	IsoTpError
}

func (e PeerOverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}

type SequenceError struct {
	IsoTpError
}

func (e SequenceError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

type ReceiveTimeoutError struct {
	IsoTpError
}

func (e ReceiveTimeoutError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame not received in time")
}

// Resource and transport errors carry the driver error that caused them.

type TransportFailureError struct {
	IsoTpError
	cause error
}

func (e TransportFailureError) Error() string {
	msg := messageOrDefault(e.msg, "transport failure")
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

func (e TransportFailureError) Unwrap() error { return e.cause }
func (e TransportFailureError) Cause() error  { return e.cause }

type BindError struct {
	IsoTpError
	cause error
}

func (e BindError) Error() string {
	msg := messageOrDefault(e.msg, "bind failed")
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

func (e BindError) Unwrap() error { return e.cause }
func (e BindError) Cause() error  { return e.cause }

// Lifecycle errors.

type ChannelClosedError struct {
	IsoTpError
}

func (e ChannelClosedError) Error() string {
	return messageOrDefault(e.msg, "channel closed")
}
