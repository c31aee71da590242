package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusWith(reg, "isotp").(*prom)

	m.FrameRead(true)
	m.FrameRead(false)
	m.FrameMalformed()
	m.MessageSent(42, time.Millisecond, nil)
	m.MessageSent(42, time.Millisecond, errors.New("fc timeout"))
	m.MessageReceived(100)
	m.ReceiveFailed()
	m.ChannelsOpen(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesUnrouted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesMalformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendErrors))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.receivedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiveErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.channels))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDummyRecorder(t *testing.T) {
	m := NewDummy()
	m.FrameRead(false)
	m.MessageSent(1, 0, nil)
	m.ChannelsOpen(0)
}
