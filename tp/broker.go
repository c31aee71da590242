package tp

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/LoveWonYoung/isotpbroker/driver"
	"github.com/LoveWonYoung/isotpbroker/metrics"
)

// wouldBlockBackoff 读超时返回后短暂让出，避免空转
const wouldBlockBackoff = time.Millisecond

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger. Channels derive their loggers from it.
func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Broker) { b.log = log }
}

// WithProtocolParameters sets the default parameters for new channels.
func WithProtocolParameters(p ProtocolParameters) Option {
	return func(b *Broker) { b.params = p }
}

// WithQueueSettings sets the default queue settings for new channels.
func WithQueueSettings(q QueueSettings) Option {
	return func(b *Broker) { b.queue = q }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(b *Broker) { b.recorder = m }
}

// Stats is a snapshot of broker counters.
type Stats struct {
	FramesRead       uint64
	FramesRouted     uint64
	FramesUnrouted   uint64
	FramesMalformed  uint64
	MessagesSent     uint64 // completed sends only
	SendFailures     uint64
	MessagesReceived uint64
	ReceiveFailures  uint64
}

// stats counts locally and forwards to the configured recorder.
type stats struct {
	next metrics.Recorder

	framesRead       *atomic.Uint64
	framesUnrouted   *atomic.Uint64
	framesMalformed  *atomic.Uint64
	messagesSent     *atomic.Uint64
	sendFailures     *atomic.Uint64
	messagesReceived *atomic.Uint64
	receiveFailures  *atomic.Uint64
}

func newStats(next metrics.Recorder) *stats {
	return &stats{
		next:             next,
		framesRead:       atomic.NewUint64(0),
		framesUnrouted:   atomic.NewUint64(0),
		framesMalformed:  atomic.NewUint64(0),
		messagesSent:     atomic.NewUint64(0),
		sendFailures:     atomic.NewUint64(0),
		messagesReceived: atomic.NewUint64(0),
		receiveFailures:  atomic.NewUint64(0),
	}
}

func (s *stats) FrameRead(routed bool) {
	s.framesRead.Inc()
	if !routed {
		s.framesUnrouted.Inc()
	}
	s.next.FrameRead(routed)
}

func (s *stats) FrameMalformed() {
	s.framesMalformed.Inc()
	s.next.FrameMalformed()
}

func (s *stats) MessageSent(size int, elapsed time.Duration, err error) {
	if err != nil {
		s.sendFailures.Inc()
	} else {
		s.messagesSent.Inc()
	}
	s.next.MessageSent(size, elapsed, err)
}

func (s *stats) MessageReceived(size int) {
	s.messagesReceived.Inc()
	s.next.MessageReceived(size)
}

func (s *stats) ReceiveFailed() {
	s.receiveFailures.Inc()
	s.next.ReceiveFailed()
}

func (s *stats) ChannelsOpen(n int) {
	s.next.ChannelsOpen(n)
}

func (s *stats) snapshot() Stats {
	unrouted := s.framesUnrouted.Load()
	read := s.framesRead.Load()
	return Stats{
		FramesRead:       read,
		FramesRouted:     read - unrouted,
		FramesUnrouted:   unrouted,
		FramesMalformed:  s.framesMalformed.Load(),
		MessagesSent:     s.messagesSent.Load(),
		SendFailures:     s.sendFailures.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		ReceiveFailures:  s.receiveFailures.Load(),
	}
}

// Broker owns a transceiver, reads it on a single dispatch goroutine and
// routes frames to channels by their receive address.
type Broker struct {
	tr       driver.Transceiver
	log      logrus.FieldLogger
	params   ProtocolParameters
	queue    QueueSettings
	recorder metrics.Recorder
	metrics  *stats

	mu       sync.RWMutex
	channels map[AddressPair]*Channel
	routes   map[Address]*Channel

	writeMu sync.Mutex

	bound     *atomic.Bool
	closed    *atomic.Bool
	failure   *atomic.Error
	closeOnce sync.Once
	failOnce  sync.Once
	loopDone  chan struct{}
	loopOnce  sync.Once
}

// NewBroker creates an unbound broker on tr.
func NewBroker(tr driver.Transceiver, opts ...Option) (*Broker, error) {
	if tr == nil {
		return nil, errors.New("transceiver cannot be nil")
	}
	b := &Broker{
		tr:       tr,
		log:      logrus.StandardLogger().WithField("component", "isotp-broker"),
		params:   DefaultProtocolParameters(),
		queue:    DefaultQueueSettings(),
		recorder: metrics.NewDummy(),

		channels: make(map[AddressPair]*Channel),
		routes:   make(map[Address]*Channel),

		bound:    atomic.NewBool(false),
		closed:   atomic.NewBool(false),
		failure:  atomic.NewError(nil),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.params.Validate(); err != nil {
		return nil, errors.Wrap(err, "protocol parameters")
	}
	if err := b.queue.Validate(); err != nil {
		return nil, errors.Wrap(err, "queue settings")
	}
	b.metrics = newStats(b.recorder)
	return b, nil
}

// Bind binds the transceiver to device and starts the dispatch goroutine.
// A broker binds at most once; a failed bind is fatal to the broker.
func (b *Broker) Bind(device string) error {
	if err := b.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ChannelClosedError{IsoTpError: NewIsoTpError("broker closed")}
	}
	if !b.bound.CompareAndSwap(false, true) {
		return BindError{IsoTpError: NewIsoTpError("broker already bound")}
	}
	if err := b.tr.Bind(device); err != nil {
		bindErr := BindError{IsoTpError: NewIsoTpError(fmt.Sprintf("bind %q", device)), cause: err}
		b.fail(bindErr)
		b.stopLoop()
		return bindErr
	}
	b.log.WithField("device", device).Info("broker bound")
	go b.serve()
	return nil
}

// SetReceiveOwnMessages asks the transceiver to loop our writes back to the
// dispatch loop.
func (b *Broker) SetReceiveOwnMessages(enabled bool) error {
	r, ok := b.tr.(driver.OwnMessageReceiver)
	if !ok {
		return errors.New("transceiver cannot receive its own messages")
	}
	return r.SetReceiveOwnMessages(enabled)
}

// CreateChannel registers a channel for pair. It fails with
// DuplicateAddressError if the pair, or its receive address, is taken.
func (b *Broker) CreateChannel(pair AddressPair, handler MessageHandler, opts ...ChannelOption) (*Channel, error) {
	if _, err := NewAddressPair(pair.Tx, pair.Rx); err != nil {
		return nil, err
	}
	c := newChannel(b, pair, handler, opts...)
	if err := c.params.Validate(); err != nil {
		return nil, err
	}
	if err := c.queue.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if err := b.Err(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ChannelClosedError{IsoTpError: NewIsoTpError("broker closed")}
	}
	if _, ok := b.channels[pair]; ok {
		b.mu.Unlock()
		return nil, DuplicateAddressError{IsoTpError: NewIsoTpError(fmt.Sprintf("channel %s already exists", pair))}
	}
	if other, ok := b.routes[pair.Rx]; ok {
		b.mu.Unlock()
		return nil, DuplicateAddressError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("receive address %s already routed to channel %s", pair.Rx, other.pair))}
	}
	b.channels[pair] = c
	b.routes[pair.Rx] = c
	n := len(b.channels)
	c.start()
	b.mu.Unlock()

	b.metrics.ChannelsOpen(n)
	c.log.Info("channel created")
	return c, nil
}

// CreateChannelFor creates a channel sending on target and receiving on its
// ReturnAddress.
func (b *Broker) CreateChannelFor(target Address, handler MessageHandler, opts ...ChannelOption) (*Channel, error) {
	rx, err := ReturnAddress(target)
	if err != nil {
		return nil, err
	}
	return b.CreateChannel(AddressPair{Tx: target, Rx: rx}, handler, opts...)
}

// Channel looks up the channel registered for pair.
func (b *Broker) Channel(pair AddressPair) (*Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.channels[pair]
	return c, ok
}

// ChannelCount returns the number of open channels.
func (b *Broker) ChannelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

func (b *Broker) removeChannel(c *Channel) {
	b.mu.Lock()
	if cur, ok := b.channels[c.pair]; ok && cur == c {
		delete(b.channels, c.pair)
	}
	if cur, ok := b.routes[c.pair.Rx]; ok && cur == c {
		delete(b.routes, c.pair.Rx)
	}
	n := len(b.channels)
	b.mu.Unlock()
	b.metrics.ChannelsOpen(n)
}

func (b *Broker) snapshot() []*Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Channel, 0, len(b.channels))
	for _, c := range b.channels {
		out = append(out, c)
	}
	return out
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	return b.metrics.snapshot()
}

// Err returns the fatal error that stopped the broker, if any.
func (b *Broker) Err() error {
	return b.failure.Load()
}

// Done is closed once the dispatch goroutine has exited.
func (b *Broker) Done() <-chan struct{} {
	return b.loopDone
}

func (b *Broker) stopLoop() {
	b.loopOnce.Do(func() { close(b.loopDone) })
}

// fail records a broker-fatal error and closes every channel with it.
func (b *Broker) fail(err error) {
	b.failOnce.Do(func() {
		b.mu.Lock()
		b.failure.Store(err)
		b.mu.Unlock()
		b.log.WithError(err).Error("broker failed")
		for _, c := range b.snapshot() {
			c.closeWith(err)
		}
	})
}

func (b *Broker) serve() {
	defer b.stopLoop()
	for !b.closed.Load() {
		frame, err := b.tr.ReadFrame()
		if err != nil {
			if b.closed.Load() {
				return
			}
			if driver.IsTransient(err) {
				if errors.Is(err, driver.ErrWouldBlock) {
					time.Sleep(wouldBlockBackoff)
				}
				continue
			}
			b.fail(TransportFailureError{IsoTpError: NewIsoTpError("read frame"), cause: err})
			return
		}
		b.dispatch(frame)
	}
}

func (b *Broker) dispatch(frame driver.Frame) {
	addr := Address{ID: frame.ID, Extended: frame.Extended}
	b.mu.RLock()
	c := b.routes[addr]
	b.mu.RUnlock()

	b.metrics.FrameRead(c != nil)
	if c == nil {
		b.log.WithError(UnroutedFrameError{IsoTpError: NewIsoTpError(fmt.Sprintf("no channel receives on %s", addr))}).
			WithField("frame", frame.String()).Debug("dropping frame")
		return
	}
	c.handleFrame(frame)
}

// write serializes frame writes from every channel.
func (b *Broker) write(f driver.Frame) error {
	if err := b.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ChannelClosedError{IsoTpError: NewIsoTpError("broker closed")}
	}
	b.writeMu.Lock()
	err := b.tr.WriteFrame(f)
	b.writeMu.Unlock()
	if err != nil {
		return TransportFailureError{IsoTpError: NewIsoTpError(fmt.Sprintf("write frame %s", f)), cause: err}
	}
	return nil
}

// Close closes every channel, then the transceiver, which ends the dispatch
// goroutine. It is idempotent.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		b.mu.Unlock()

		for _, c := range b.snapshot() {
			c.closeWith(ChannelClosedError{IsoTpError: NewIsoTpError("broker closed")})
		}
		if cerr := b.tr.Close(); cerr != nil {
			err = errors.Wrap(cerr, "close transceiver")
		}
		if !b.bound.Load() {
			b.stopLoop()
		}
		b.log.Info("broker closed")
	})
	return err
}
