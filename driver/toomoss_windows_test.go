//go:build windows

package driver

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeWithin(t *testing.T, tr *Toomoss, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		tr.Close() // nolint: errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("Close blocked")
	}
}

func TestToomoss_CloseAfterFailedBind(t *testing.T) {
	tr := newToomoss(WithToomossReadTimeout(10 * time.Millisecond))

	// 设备已扫描到但初始化失败
	require.True(t, tr.bound.CompareAndSwap(false, true))
	tr.handle = 1
	tr.abortBind(false)

	assert.False(t, tr.bound.Load())
	assert.Zero(t, tr.handle)
	assert.True(t, errors.Is(tr.WriteFrame(Frame{ID: 0x7E0, Len: 1}), ErrNotBound))

	closeWithin(t, tr, time.Second)
	_, err := tr.ReadFrame()
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(tr.Bind("0"), ErrClosed))
}

func TestToomoss_CloseUnbound(t *testing.T) {
	tr := newToomoss()
	closeWithin(t, tr, time.Second)
	closeWithin(t, tr, time.Second)
}

func TestToomoss_BindRejectsChannel(t *testing.T) {
	tr := newToomoss()
	defer tr.Close() // nolint: errcheck
	for _, dev := range []string{"", "2", "-1", "can0"} {
		assert.True(t, errors.Is(tr.Bind(dev), ErrNoSuchDevice), dev)
	}
	assert.False(t, tr.bound.Load())
}

func TestFrameFromToomoss(t *testing.T) {
	var m canfdMsg
	m.ID = 0x18DA10F1 | toomossIDE
	m.DLC = 12
	m.Flags = toomossFlagFDF | toomossFlagBRS
	m.Data[0] = 0x10

	f, ok := frameFromToomoss(m)
	require.True(t, ok)
	assert.Equal(t, uint32(0x18DA10F1), f.ID)
	assert.True(t, f.Extended)
	assert.True(t, f.FD)
	assert.Equal(t, uint8(12), f.Len)

	m.DLC = 0
	_, ok = frameFromToomoss(m)
	assert.False(t, ok)
}
