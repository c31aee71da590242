package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records broker and channel metrics.
type Recorder interface {
	FrameRead(routed bool)
	FrameMalformed()
	MessageSent(size int, elapsed time.Duration, err error)
	MessageReceived(size int)
	ReceiveFailed()
	ChannelsOpen(n int)
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) FrameRead(bool)                        {}
func (m *dummy) FrameMalformed()                       {}
func (m *dummy) MessageSent(int, time.Duration, error) {}
func (m *dummy) MessageReceived(int)                   {}
func (m *dummy) ReceiveFailed()                        {}
func (m *dummy) ChannelsOpen(int)                      {}

type prom struct {
	framesRead      prometheus.Counter
	framesUnrouted  prometheus.Counter
	framesMalformed prometheus.Counter
	sent            prometheus.Counter
	sendErrors      prometheus.Counter
	sendTime        prometheus.Summary
	received        prometheus.Counter
	receivedBytes   prometheus.Counter
	receiveErrors   prometheus.Counter
	channels        prometheus.Gauge
}

// NewPrometheus constructs a new Prometheus metrics recorder registered on
// the default registry.
func NewPrometheus(service string) Recorder {
	return NewPrometheusWith(prometheus.DefaultRegisterer, service)
}

// NewPrometheusWith registers the recorder's collectors on reg.
func NewPrometheusWith(reg prometheus.Registerer, service string) Recorder {
	f := promauto.With(reg)
	return &prom{
		framesRead: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_read_total",
			Help: "The total number of CAN frames read from the transceiver",
		}),
		framesUnrouted: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_unrouted_total",
			Help: "The total number of frames that matched no channel",
		}),
		framesMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_malformed_total",
			Help: "The total number of frames that failed to decode",
		}),
		sent: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_messages_sent_total",
			Help: "The total number of messages sent successfully",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_send_errors_total",
			Help: "The total number of failed sends",
		}),
		sendTime: f.NewSummary(prometheus.SummaryOpts{
			Name: service + "_send_time",
			Help: "Send times in seconds",
		}),
		received: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_messages_received_total",
			Help: "The total number of reassembled messages",
		}),
		receivedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_received_bytes_total",
			Help: "Payload bytes of reassembled messages",
		}),
		receiveErrors: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_receive_errors_total",
			Help: "The total number of aborted reassemblies",
		}),
		channels: f.NewGauge(prometheus.GaugeOpts{
			Name: service + "_channels",
			Help: "Open channels",
		}),
	}
}

func (m *prom) FrameRead(routed bool) {
	m.framesRead.Inc()
	if !routed {
		m.framesUnrouted.Inc()
	}
}

func (m *prom) FrameMalformed() {
	m.framesMalformed.Inc()
}

func (m *prom) MessageSent(size int, elapsed time.Duration, err error) {
	m.sendTime.Observe(elapsed.Seconds())
	if err != nil {
		m.sendErrors.Inc()
		return
	}
	m.sent.Inc()
}

func (m *prom) MessageReceived(size int) {
	m.received.Inc()
	m.receivedBytes.Add(float64(size))
}

func (m *prom) ReceiveFailed() {
	m.receiveErrors.Inc()
}

func (m *prom) ChannelsOpen(n int) {
	m.channels.Set(float64(n))
}
