//go:build windows

package driver

import (
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/windows"
)

// 缓冲区和轮询配置常量
const (
	toomossMsgBufferSize = 1024
	toomossInitDelay     = 20 * time.Millisecond

	DefaultToomossPollInterval = time.Millisecond
	DefaultToomossNominalBps   = 500_000
	DefaultToomossDataBps      = 2_000_000
)

const (
	toomossFlagFDF = 0x04 // CANFD帧标志
	toomossFlagBRS = 0x01 // CANFD加速帧标志
	toomossIDE     = 0x80000000
	toomossIDMask  = 0x1FFFFFFF
)

// DLLs 目录与可执行文件同级，按架构区分
func toomossDLLDir() string {
	if runtime.GOARCH == "386" {
		return filepath.Join(".", "DLLs", "windows_x86")
	}
	return filepath.Join(".", "DLLs", "windows_x64")
}

var (
	usbDeviceDLL = windows.NewLazyDLL(filepath.Join(toomossDLLDir(), "USB2XXX.dll"))

	procScanDevice        = usbDeviceDLL.NewProc("USB_ScanDevice")
	procOpenDevice        = usbDeviceDLL.NewProc("USB_OpenDevice")
	procCloseDevice       = usbDeviceDLL.NewProc("USB_CloseDevice")
	procCANFDInit         = usbDeviceDLL.NewProc("CANFD_Init")
	procCANFDStartGetMsg  = usbDeviceDLL.NewProc("CANFD_StartGetMsg")
	procCANFDGetMsg       = usbDeviceDLL.NewProc("CANFD_GetMsg")
	procCANFDSendMsg      = usbDeviceDLL.NewProc("CANFD_SendMsg")
	procCANFDGetSpeedArgs = usbDeviceDLL.NewProc("CANFD_GetCANSpeedArg")
)

type canfdInitConfig struct {
	Mode         byte
	ISOCRCEnable byte
	RetrySend    byte
	ResEnable    byte
	NBT_BRP      byte
	NBT_SEG1     byte
	NBT_SEG2     byte
	NBT_SJW      byte
	DBT_BRP      byte
	DBT_SEG1     byte
	DBT_SEG2     byte
	DBT_SJW      byte
	_            [8]byte
}

type canfdMsg struct {
	ID        uint32
	DLC       byte
	Flags     byte
	_         [2]byte
	TimeStamp uint32
	Data      [FDMaxDataLength]byte
}

// ToomossOption configures a Toomoss transceiver.
type ToomossOption func(*Toomoss)

// WithToomossBitrate sets the nominal and data phase bitrates.
func WithToomossBitrate(nominal, data int) ToomossOption {
	return func(t *Toomoss) { t.nominalBps, t.dataBps = nominal, data }
}

// WithToomossPollInterval sets how often the adapter buffer is drained.
func WithToomossPollInterval(d time.Duration) ToomossOption {
	return func(t *Toomoss) { t.poll = d }
}

// WithToomossReadTimeout bounds ReadFrame.
func WithToomossReadTimeout(d time.Duration) ToomossOption {
	return func(t *Toomoss) { t.readTimeout = d }
}

// Toomoss drives a Toomoss USB2XXX CAN-FD adapter through USB2XXX.dll.
// Bind takes the adapter CAN channel index ("0" or "1").
type Toomoss struct {
	nominalBps  int
	dataBps     int
	poll        time.Duration
	readTimeout time.Duration

	handle  uintptr
	channel uintptr

	rx        chan Frame
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	bound     *atomic.Bool
	started   *atomic.Bool
	dropped   *atomic.Uint64
}

// NewToomoss creates an unbound adapter transceiver.
func NewToomoss(opts ...ToomossOption) (*Toomoss, error) {
	if err := usbDeviceDLL.Load(); err != nil {
		return nil, errors.Wrap(err, "load USB2XXX.dll")
	}
	return newToomoss(opts...), nil
}

func newToomoss(opts ...ToomossOption) *Toomoss {
	t := &Toomoss{
		nominalBps:  DefaultToomossNominalBps,
		dataBps:     DefaultToomossDataBps,
		poll:        DefaultToomossPollInterval,
		readTimeout: DefaultReadTimeout,

		rx:       make(chan Frame, RxBufferSize),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		bound:    atomic.NewBool(false),
		started:  atomic.NewBool(false),
		dropped:  atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Toomoss) Bind(device string) error {
	channel, err := strconv.Atoi(device)
	if err != nil || channel < 0 || channel > 1 {
		return errors.Wrapf(ErrNoSuchDevice, "toomoss channel %q", device)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if !t.bound.CompareAndSwap(false, true) {
		return errors.New("toomoss adapter already bound")
	}

	var handles [10]int32
	if n, _, _ := procScanDevice.Call(uintptr(unsafe.Pointer(&handles[0]))); int32(n) <= 0 {
		t.abortBind(false)
		return errors.Wrap(ErrNoSuchDevice, "no toomoss adapter found")
	}
	t.handle = uintptr(handles[0])
	t.channel = uintptr(channel)
	if ok, _, _ := procOpenDevice.Call(t.handle); int32(ok) < 1 {
		t.abortBind(true)
		return errors.New("toomoss: open device failed")
	}

	cfg := canfdInitConfig{
		RetrySend:    1,
		ISOCRCEnable: 1,
		ResEnable:    1,
	}
	speed, _, _ := procCANFDGetSpeedArgs.Call(t.handle, uintptr(unsafe.Pointer(&cfg)),
		uintptr(t.nominalBps), uintptr(t.dataBps))
	initRet, _, _ := procCANFDInit.Call(t.handle, t.channel, uintptr(unsafe.Pointer(&cfg)))
	startRet, _, _ := procCANFDStartGetMsg.Call(t.handle, t.channel)
	time.Sleep(toomossInitDelay)
	if speed != 0 || initRet != 0 || startRet != 0 {
		t.abortBind(true)
		return errors.Errorf("toomoss: CAN init failed (speed=%d init=%d start=%d)", speed, initRet, startRet)
	}

	t.started.Store(true)
	go t.readLoop()
	return nil
}

// abortBind undoes a failed Bind so the adapter can be bound again or
// closed without waiting for a reader that never started.
func (t *Toomoss) abortBind(closeDevice bool) {
	if closeDevice {
		procCloseDevice.Call(t.handle) // nolint: errcheck
	}
	t.handle = 0
	t.bound.Store(false)
}

func (t *Toomoss) readLoop() {
	defer close(t.loopDone)
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	var buf [toomossMsgBufferSize]canfdMsg
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		n, _, _ := procCANFDGetMsg.Call(t.handle, t.channel,
			uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
		for i := 0; i < int(int32(n)); i++ {
			f, ok := frameFromToomoss(buf[i])
			if !ok {
				continue
			}
			select {
			case t.rx <- f:
			default:
				// 接收缓冲区已满，消息被丢弃
				t.dropped.Inc()
			}
		}
	}
}

func frameFromToomoss(m canfdMsg) (Frame, bool) {
	n := int(m.DLC)
	if n == 0 || n > FDMaxDataLength {
		return Frame{}, false
	}
	f := Frame{
		ID:       m.ID & toomossIDMask,
		Extended: m.ID&toomossIDE != 0,
		FD:       m.Flags&toomossFlagFDF != 0,
		Len:      uint8(n),
		Data:     m.Data,
	}
	return f, true
}

func (t *Toomoss) ReadFrame() (Frame, error) {
	var timeout <-chan time.Time
	if t.readTimeout > 0 {
		timer := time.NewTimer(t.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case f := <-t.rx:
		return f, nil
	case <-t.done:
		return Frame{}, ErrClosed
	case <-timeout:
		return Frame{}, ErrWouldBlock
	}
}

func (t *Toomoss) WriteFrame(f Frame) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if !t.bound.Load() {
		return ErrNotBound
	}
	var msgs [1]canfdMsg
	msgs[0].ID = f.ID
	if f.Extended {
		msgs[0].ID |= toomossIDE
	}
	if f.FD {
		msgs[0].Flags = toomossFlagFDF | toomossFlagBRS
	}
	msgs[0].DLC = f.Len
	msgs[0].Data = f.Data
	sent, _, _ := procCANFDSendMsg.Call(t.handle, t.channel,
		uintptr(unsafe.Pointer(&msgs[0])), uintptr(len(msgs)))
	if int(int32(sent)) != len(msgs) {
		return errors.Errorf("toomoss: send %s failed", f)
	}
	return nil
}

// Dropped reports frames lost to a full receive buffer.
func (t *Toomoss) Dropped() uint64 { return t.dropped.Load() }

func (t *Toomoss) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.started.Load() {
			<-t.loopDone
			procCloseDevice.Call(t.handle) // nolint: errcheck
		}
	})
	return nil
}
