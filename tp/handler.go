package tp

import (
	"github.com/LoveWonYoung/isotpbroker/driver"
)

// MessageHandler receives fully reassembled messages. It runs on the broker's
// dispatch goroutine, so blocking in it stalls every channel of the broker.
type MessageHandler interface {
	HandleMessage(ch *Channel, sender Address, payload []byte)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ch *Channel, sender Address, payload []byte)

func (f MessageHandlerFunc) HandleMessage(ch *Channel, sender Address, payload []byte) {
	f(ch, sender, payload)
}

// FrameHandler sees every raw frame routed to a channel before reassembly.
type FrameHandler interface {
	HandleFrame(ch *Channel, frame driver.Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ch *Channel, frame driver.Frame)

func (f FrameHandlerFunc) HandleFrame(ch *Channel, frame driver.Frame) {
	f(ch, frame)
}

// ErrorHandler is told about non-fatal receive side failures: malformed and
// unexpected frames, sequence errors, receive timeouts and rejected first
// frames.
//
// The handlers of one channel never run concurrently. Receive timeouts fire
// on a timer goroutine but are serialized with the frames routed to the
// channel, so a handler needs no locking of its own for per-channel state.
type ErrorHandler interface {
	HandleError(ch *Channel, err error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(ch *Channel, err error)

func (f ErrorHandlerFunc) HandleError(ch *Channel, err error) {
	f(ch, err)
}

// ChannelOption customizes a single channel.
type ChannelOption func(*Channel)

// WithChannelParameters overrides the broker's protocol parameters.
func WithChannelParameters(p ProtocolParameters) ChannelOption {
	return func(c *Channel) { c.params = p }
}

// WithChannelQueue overrides the broker's queue settings.
func WithChannelQueue(q QueueSettings) ChannelOption {
	return func(c *Channel) { c.queue = q }
}

// WithFrameHandler installs a per-frame handler.
func WithFrameHandler(h FrameHandler) ChannelOption {
	return func(c *Channel) { c.frameHandler = h }
}

// WithErrorHandler installs a receive error handler.
func WithErrorHandler(h ErrorHandler) ChannelOption {
	return func(c *Channel) { c.errorHandler = h }
}
