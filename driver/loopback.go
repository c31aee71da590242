package driver

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// 缓冲区配置常量
const (
	RxBufferSize = 4096
)

// LoopbackBus is an in-memory CAN bus. Every frame written by one of its
// transceivers is delivered to every other bound transceiver.
type LoopbackBus struct {
	name string

	mu        sync.RWMutex
	endpoints map[*Loopback]struct{}
}

// NewLoopbackBus creates a virtual bus reachable under the given device name.
func NewLoopbackBus(name string) *LoopbackBus {
	return &LoopbackBus{
		name:      name,
		endpoints: make(map[*Loopback]struct{}),
	}
}

// Name returns the device name Bind expects.
func (b *LoopbackBus) Name() string { return b.name }

// NewTransceiver attaches a new, unbound endpoint to the bus.
func (b *LoopbackBus) NewTransceiver() *Loopback {
	return &Loopback{
		bus:  b,
		rx:   make(chan Frame, RxBufferSize),
		errs: make(chan error, 16),
		done: make(chan struct{}),

		bound:       atomic.NewBool(false),
		recvOwn:     atomic.NewBool(false),
		readTimeout: atomic.NewDuration(0),
		dropped:     atomic.NewUint64(0),
	}
}

func (b *LoopbackBus) deliver(from *Loopback, f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ep := range b.endpoints {
		if ep == from && !ep.recvOwn.Load() {
			continue
		}
		select {
		case ep.rx <- f:
		case <-ep.done:
		default:
			// 接收缓冲区已满，与真实控制器一样丢弃
			ep.dropped.Inc()
		}
	}
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Frame     Frame
	Timestamp time.Time
}

// Loopback is one endpoint of a LoopbackBus.
type Loopback struct {
	bus  *LoopbackBus
	rx   chan Frame
	errs chan error
	done chan struct{}

	closeOnce sync.Once

	bound       *atomic.Bool
	recvOwn     *atomic.Bool
	readTimeout *atomic.Duration
	dropped     *atomic.Uint64

	mu       sync.Mutex
	writeLog []WriteRecord
}

// Bind attaches the endpoint to the bus. The device must match the bus name.
func (l *Loopback) Bind(device string) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if device != l.bus.name {
		return errors.Wrapf(ErrNoSuchDevice, "bind %q", device)
	}
	if !l.bound.CompareAndSwap(false, true) {
		return errors.Errorf("loopback already bound to %q", l.bus.name)
	}
	l.bus.mu.Lock()
	l.bus.endpoints[l] = struct{}{}
	l.bus.mu.Unlock()
	return nil
}

// SetReceiveOwnMessages makes the endpoint read back its own writes.
func (l *Loopback) SetReceiveOwnMessages(enabled bool) error {
	l.recvOwn.Store(enabled)
	return nil
}

// SetReadTimeout bounds ReadFrame. A zero timeout blocks until a frame
// arrives or the endpoint is closed.
func (l *Loopback) SetReadTimeout(d time.Duration) {
	l.readTimeout.Store(d)
}

// ReadFrame returns the next frame from the bus.
func (l *Loopback) ReadFrame() (Frame, error) {
	var timeout <-chan time.Time
	if d := l.readTimeout.Load(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case err := <-l.errs:
		return Frame{}, err
	case f := <-l.rx:
		return f, nil
	case <-l.done:
		return Frame{}, ErrClosed
	case <-timeout:
		return Frame{}, ErrWouldBlock
	}
}

// WriteFrame puts f on the bus.
func (l *Loopback) WriteFrame(f Frame) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if !l.bound.Load() {
		return ErrNotBound
	}
	l.mu.Lock()
	l.writeLog = append(l.writeLog, WriteRecord{Frame: f, Timestamp: time.Now()})
	l.mu.Unlock()

	l.bus.deliver(l, f)
	return nil
}

// InjectFrame 向接收通道注入一条报文 (模拟接收)
func (l *Loopback) InjectFrame(f Frame) error {
	select {
	case l.rx <- f:
		return nil
	case <-l.done:
		return ErrClosed
	default:
		return errors.New("loopback receive buffer full")
	}
}

// FailRead makes the next ReadFrame return err.
func (l *Loopback) FailRead(err error) {
	l.errs <- err
}

// Writes returns a copy of every frame written through this endpoint.
func (l *Loopback) Writes() []WriteRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]WriteRecord{}, l.writeLog...)
}

// Dropped reports how many frames were lost to a full receive buffer.
func (l *Loopback) Dropped() uint64 { return l.dropped.Load() }

// Close detaches the endpoint from the bus and wakes a blocked reader.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.bus.mu.Lock()
		delete(l.bus.endpoints, l)
		l.bus.mu.Unlock()
	})
	return nil
}
