package tp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/LoveWonYoung/isotpbroker/driver"
)

// ChannelState is the externally visible protocol state of a channel.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateSendingFirstFrame
	StateWaitingFlowControl
	StateSendingConsecutiveFrames
	StateReceivingConsecutiveFrames
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return stIdle
	case StateSendingFirstFrame:
		return stSendingFirstFrame
	case StateWaitingFlowControl:
		return stWaitingFlowControl
	case StateSendingConsecutiveFrames:
		return stSendingConsecutiveFrames
	case StateReceivingConsecutiveFrames:
		return stReceivingConsecutiveFrames
	case StateClosed:
		return stClosed
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

const (
	stIdle                       = "idle"
	stSendingFirstFrame          = "sending-first-frame"
	stWaitingFlowControl         = "waiting-flow-control"
	stSendingConsecutiveFrames   = "sending-consecutive-frames"
	stReceivingConsecutiveFrames = "receiving-consecutive-frames"
	stClosed                     = "closed"

	evFirstFrame       = "first-frame"
	evAwaitFlowControl = "await-flow-control"
	evClearToSend      = "clear-to-send"
	evFinish           = "finish"
	evStartReception   = "start-reception"
	evEndReception     = "end-reception"
	evClose            = "close"
)

// fcBufferSize 流控帧缓冲，满了直接丢弃
const fcBufferSize = 8

func newSendFSM() *fsm.FSM {
	return fsm.NewFSM(stIdle, fsm.Events{
		{Name: evFirstFrame, Src: []string{stIdle}, Dst: stSendingFirstFrame},
		{Name: evAwaitFlowControl, Src: []string{stSendingFirstFrame, stSendingConsecutiveFrames}, Dst: stWaitingFlowControl},
		{Name: evClearToSend, Src: []string{stWaitingFlowControl}, Dst: stSendingConsecutiveFrames},
		{Name: evFinish, Src: []string{stSendingFirstFrame, stWaitingFlowControl, stSendingConsecutiveFrames}, Dst: stIdle},
		{Name: evClose, Src: []string{stIdle, stSendingFirstFrame, stWaitingFlowControl, stSendingConsecutiveFrames}, Dst: stClosed},
	}, fsm.Callbacks{})
}

func newReceiveFSM() *fsm.FSM {
	return fsm.NewFSM(stIdle, fsm.Events{
		{Name: evStartReception, Src: []string{stIdle, stReceivingConsecutiveFrames}, Dst: stReceivingConsecutiveFrames},
		{Name: evEndReception, Src: []string{stReceivingConsecutiveFrames}, Dst: stIdle},
		{Name: evClose, Src: []string{stIdle, stReceivingConsecutiveFrames}, Dst: stClosed},
	}, fsm.Callbacks{})
}

type pendingSend struct {
	payload    []byte
	completion *Completion
}

type reassembly struct {
	sender     Address
	total      int
	buf        []byte
	nextSeq    uint8
	blockCount int
}

// Channel is one ISO-TP conversation over an address pair. Sends are queued
// and transmitted one at a time by the channel's sender goroutine; inbound
// frames are fed by the broker's dispatch goroutine.
type Channel struct {
	id     uuid.UUID
	broker *Broker
	pair   AddressPair
	params ProtocolParameters
	queue  QueueSettings
	log    logrus.FieldLogger

	handler      MessageHandler
	frameHandler FrameHandler
	errorHandler ErrorHandler

	tx *fsm.FSM
	rx *fsm.FSM

	sendMu   sync.RWMutex
	closed   bool
	sendq    chan *pendingSend
	fc       chan FlowControl
	expectFC *atomic.Bool

	closing    chan struct{}
	closeOnce  sync.Once
	closeErr   error
	senderDone chan struct{}

	// cbMu serializes frame processing and the receive timeout, and with them
	// every handler callback of this channel. Taken before mu.
	cbMu sync.Mutex

	// mu guards the reassembly state.
	mu      sync.Mutex
	reasm   *reassembly
	rxGen   uint64
	rxTimer *time.Timer
}

func newChannel(b *Broker, pair AddressPair, handler MessageHandler, opts ...ChannelOption) *Channel {
	c := &Channel{
		id:      uuid.New(),
		broker:  b,
		pair:    pair,
		params:  b.params,
		queue:   b.queue,
		handler: handler,

		tx: newSendFSM(),
		rx: newReceiveFSM(),

		fc:       make(chan FlowControl, fcBufferSize),
		expectFC: atomic.NewBool(false),

		closing:    make(chan struct{}),
		senderDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.queue.Capacity > 0 {
		c.sendq = make(chan *pendingSend, c.queue.Capacity)
	}
	c.log = b.log.WithFields(logrus.Fields{
		"channel": c.id.String(),
		"tx":      pair.Tx.String(),
		"rx":      pair.Rx.String(),
	})
	return c
}

func (c *Channel) start() {
	go c.sendLoop()
}

// ID identifies the channel in logs.
func (c *Channel) ID() uuid.UUID { return c.id }

// Addresses returns the channel's address pair.
func (c *Channel) Addresses() AddressPair { return c.pair }

// Parameters returns the protocol parameters in effect.
func (c *Channel) Parameters() ProtocolParameters { return c.params }

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.closing }

// State combines the send and receive state machines. An active send takes
// precedence over an active reception.
func (c *Channel) State() ChannelState {
	switch c.tx.Current() {
	case stClosed:
		return StateClosed
	case stSendingFirstFrame:
		return StateSendingFirstFrame
	case stWaitingFlowControl:
		return StateWaitingFlowControl
	case stSendingConsecutiveFrames:
		return StateSendingConsecutiveFrames
	}
	switch c.rx.Current() {
	case stClosed:
		return StateClosed
	case stReceivingConsecutiveFrames:
		return StateReceivingConsecutiveFrames
	}
	return StateIdle
}

func (c *Channel) fire(m *fsm.FSM, event string) {
	err := m.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	c.log.WithError(err).WithField("event", event).Debug("state transition rejected")
}

// Send queues payload for transmission. The returned completion resolves
// once the last frame was written or the send failed.
func (c *Channel) Send(payload []byte) *Completion {
	if int64(len(payload)) > maxFirstFrameLength {
		return failedCompletion(tooLarge("message length %d exceeds 32-bit first frame length", len(payload)))
	}
	p := &pendingSend{
		payload:    append([]byte(nil), payload...),
		completion: newCompletion(),
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return failedCompletion(c.closeErr)
	}
	if c.queue.Policy == RejectNewest {
		select {
		case c.sendq <- p:
			return p.completion
		default:
			return failedCompletion(QueueFullError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("send queue of %d messages is full", c.queue.Capacity))})
		}
	}
	select {
	case c.sendq <- p:
		return p.completion
	case <-c.closing:
		return failedCompletion(c.closeErr)
	}
}

// SendAndWait sends payload and waits for the result or ctx.
func (c *Channel) SendAndWait(ctx context.Context, payload []byte) error {
	return c.Send(payload).Wait(ctx)
}

// Close cancels the in-flight send, fails queued sends with
// ChannelClosedError, discards partial reassembly and unregisters the
// channel. It is idempotent.
func (c *Channel) Close() error {
	c.closeWith(ChannelClosedError{})
	return nil
}

func (c *Channel) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closing)

		c.sendMu.Lock()
		c.closed = true
		c.sendMu.Unlock()

		<-c.senderDone
	drain:
		for {
			select {
			case p := <-c.sendq:
				p.completion.resolve(err)
			default:
				break drain
			}
		}

		c.mu.Lock()
		c.reasm = nil
		c.rxGen++
		if c.rxTimer != nil {
			c.rxTimer.Stop()
		}
		c.fire(c.rx, evClose)
		c.mu.Unlock()
		c.fire(c.tx, evClose)

		c.broker.removeChannel(c)

		var closed ChannelClosedError
		if errors.As(err, &closed) {
			c.log.Info("channel closed")
		} else {
			c.log.WithError(err).Warn("channel closed")
		}
	})
}

func (c *Channel) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Channel) reportError(err error) {
	c.log.WithError(err).Warn("receive error")
	if c.errorHandler != nil {
		c.errorHandler.HandleError(c, err)
	}
}

// writeFrame pads data to the frame length and hands it to the broker.
func (c *Channel) writeFrame(data []byte) error {
	if c.isClosing() {
		return c.closeErr
	}
	return c.broker.write(c.buildFrame(data))
}

func (c *Channel) buildFrame(data []byte) driver.Frame {
	n := frameLength(len(data), c.params)
	f := driver.Frame{
		ID:       c.pair.Tx.ID,
		Extended: c.pair.Tx.Extended,
		FD:       c.params.IsFD(),
		Len:      uint8(n),
	}
	copy(f.Data[:], data)
	pad := DefaultPaddingByte
	if c.params.Padding != nil {
		pad = *c.params.Padding
	}
	for i := len(data); i < n; i++ {
		f.Data[i] = pad
	}
	return f
}
