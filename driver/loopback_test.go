package driver

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFrame(t *testing.T, id uint32, payload ...byte) Frame {
	t.Helper()
	f, err := NewFrame(id, false, payload)
	require.NoError(t, err)
	return f
}

func TestNewFrame(t *testing.T) {
	tests := []struct {
		name     string
		id       uint32
		extended bool
		payload  []byte
		fd       bool
		wantErr  bool
	}{
		{name: "classic", id: 0x7E0, payload: []byte{0x02, 0x10, 0x03}},
		{name: "fd", id: 0x7E0, payload: make([]byte, 12), fd: true},
		{name: "extended", id: 0x18DAF110, extended: true, payload: []byte{0x01}},
		{name: "sff id too wide", id: 0x800, wantErr: true},
		{name: "eff id too wide", id: 0x20000000, extended: true, wantErr: true},
		{name: "payload too long", id: 0x1, payload: make([]byte, 65), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewFrame(tc.id, tc.extended, tc.payload)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.fd, f.FD)
			assert.Equal(t, len(tc.payload), int(f.Len))
			assert.True(t, bytes.Equal(tc.payload, f.Payload()))
		})
	}
}

func TestFrameString(t *testing.T) {
	assert.Equal(t, "7E0#021003", mustFrame(t, 0x7E0, 0x02, 0x10, 0x03).String())

	f, err := NewFrame(0x18DAF110, true, []byte{0x3E, 0x00})
	require.NoError(t, err)
	assert.Equal(t, "18DAF110#3E00", f.String())
}

func TestLoopback_BindUnknownDevice(t *testing.T) {
	bus := NewLoopbackBus("vcan0")
	tr := bus.NewTransceiver()
	defer tr.Close()

	err := tr.Bind("can9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSuchDevice))

	require.NoError(t, tr.Bind("vcan0"))
	require.Error(t, tr.Bind("vcan0"), "second bind must fail")
}

func TestLoopback_Delivery(t *testing.T) {
	bus := NewLoopbackBus("vcan0")
	a, b := bus.NewTransceiver(), bus.NewTransceiver()
	defer a.Close()
	defer b.Close()
	require.NoError(t, a.Bind("vcan0"))
	require.NoError(t, b.Bind("vcan0"))
	a.SetReadTimeout(20 * time.Millisecond)
	b.SetReadTimeout(time.Second)

	f := mustFrame(t, 0x123, 0xAA, 0xBB)
	require.NoError(t, a.WriteFrame(f))

	got, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, f, got)

	// 默认不接收自己发送的报文
	_, err = a.ReadFrame()
	assert.True(t, errors.Is(err, ErrWouldBlock))

	require.NoError(t, a.SetReceiveOwnMessages(true))
	require.NoError(t, a.WriteFrame(f))
	got, err = a.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, f, got)

	assert.Len(t, a.Writes(), 2)
}

func TestLoopback_WriteBeforeBind(t *testing.T) {
	tr := NewLoopbackBus("vcan0").NewTransceiver()
	err := tr.WriteFrame(mustFrame(t, 0x1, 0x00))
	assert.True(t, errors.Is(err, ErrNotBound))
}

func TestLoopback_CloseWakesReader(t *testing.T) {
	tr := NewLoopbackBus("vcan0").NewTransceiver()
	require.NoError(t, tr.Bind("vcan0"))

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.ReadFrame()
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Close")
	}
	assert.True(t, errors.Is(tr.WriteFrame(mustFrame(t, 0x1)), ErrClosed))
}

func TestLoopback_FailRead(t *testing.T) {
	tr := NewLoopbackBus("vcan0").NewTransceiver()
	defer tr.Close()
	tr.FailRead(ErrInterrupted)

	_, err := tr.ReadFrame()
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(errors.New("bus off")))
}

func TestLoggedTransceiver(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	bus := NewLoopbackBus("vcan0")
	inner := bus.NewTransceiver()
	peer := bus.NewTransceiver()
	require.NoError(t, peer.Bind("vcan0"))
	peer.SetReadTimeout(time.Second)

	tr := NewLoggedTransceiverWithFilter(inner, logger, logrus.DebugLevel, LogWrite, func(f Frame) bool {
		return f.ID == 0x7E0
	})
	require.NoError(t, tr.Bind("vcan0"))
	require.NoError(t, tr.WriteFrame(mustFrame(t, 0x7E0, 0x01, 0x3E)))
	require.NoError(t, tr.WriteFrame(mustFrame(t, 0x7DF, 0x01, 0x3E)))

	var tx int
	for _, e := range hook.AllEntries() {
		if e.Message == "tx" {
			tx++
			assert.Equal(t, "7E0#013E", e.Data["frame"])
		}
	}
	assert.Equal(t, 1, tx)

	_, err := peer.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.Equal(t, "transceiver closed", hook.LastEntry().Message)
}

func TestLoggedTransceiver_ErrorsAlwaysLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	inner := NewLoopbackBus("vcan0").NewTransceiver()
	tr := NewLoggedTransceiver(inner, logger, logrus.DebugLevel, LogNone)
	defer tr.Close() // nolint: errcheck

	// 未绑定时写入失败
	err := tr.WriteFrame(mustFrame(t, 0x7E0, 0x01, 0x3E))
	require.True(t, errors.Is(err, ErrNotBound))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "transceiver write error", hook.LastEntry().Message)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	inner.FailRead(ErrInterrupted)
	_, err = tr.ReadFrame()
	require.True(t, IsTransient(err))
	assert.Len(t, hook.AllEntries(), 1)

	inner.FailRead(errors.New("bus off"))
	_, err = tr.ReadFrame()
	require.Error(t, err)
	assert.Equal(t, "transceiver read error", hook.LastEntry().Message)
	assert.Len(t, hook.AllEntries(), 2)
}
