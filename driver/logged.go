package driver

import (
	"github.com/sirupsen/logrus"
)

// LogOption selects which operations a logged transceiver reports.
type LogOption uint8

const (
	LogNone LogOption = 0
	LogRead LogOption = 1 << (iota - 1)
	LogWrite
	LogAll = LogRead | LogWrite
)

// FrameFilter decides whether a frame is worth logging.
type FrameFilter func(Frame) bool

type loggedTransceiver struct {
	inner  Transceiver
	log    logrus.FieldLogger
	level  logrus.Level
	opts   LogOption
	filter FrameFilter
}

// NewLoggedTransceiver wraps inner and logs the selected operations at level.
// Errors other than transient read errors are logged at error level whatever
// opts selects.
func NewLoggedTransceiver(inner Transceiver, log logrus.FieldLogger, level logrus.Level, opts LogOption) Transceiver {
	return NewLoggedTransceiverWithFilter(inner, log, level, opts, nil)
}

// NewLoggedTransceiverWithFilter is NewLoggedTransceiver limited to frames
// accepted by filter. A nil filter accepts every frame.
func NewLoggedTransceiverWithFilter(inner Transceiver, log logrus.FieldLogger, level logrus.Level, opts LogOption, filter FrameFilter) Transceiver {
	return &loggedTransceiver{inner: inner, log: log, level: level, opts: opts, filter: filter}
}

func (l *loggedTransceiver) accept(f Frame) bool {
	return l.filter == nil || l.filter(f)
}

func frameFields(f Frame) logrus.Fields {
	return logrus.Fields{
		"id":       f.ID,
		"extended": f.Extended,
		"fd":       f.FD,
		"len":      int(f.Len),
		"frame":    f.String(),
	}
}

func (l *loggedTransceiver) Bind(device string) error {
	err := l.inner.Bind(device)
	entry := l.log.WithField("device", device)
	if err != nil {
		entry.WithError(err).Error("transceiver bind failed")
		return err
	}
	entry.Info("transceiver bound")
	return nil
}

func (l *loggedTransceiver) ReadFrame() (Frame, error) {
	f, err := l.inner.ReadFrame()
	if err != nil {
		if !IsTransient(err) {
			l.log.WithError(err).Error("transceiver read error")
		}
		return f, err
	}
	if l.opts&LogRead != 0 && l.accept(f) {
		l.log.WithFields(frameFields(f)).Log(l.level, "rx")
	}
	return f, nil
}

func (l *loggedTransceiver) WriteFrame(f Frame) error {
	err := l.inner.WriteFrame(f)
	if err != nil {
		l.log.WithFields(frameFields(f)).WithError(err).Error("transceiver write error")
		return err
	}
	if l.opts&LogWrite != 0 && l.accept(f) {
		l.log.WithFields(frameFields(f)).Log(l.level, "tx")
	}
	return nil
}

// SetReceiveOwnMessages forwards to the wrapped transceiver when supported.
func (l *loggedTransceiver) SetReceiveOwnMessages(enabled bool) error {
	if r, ok := l.inner.(OwnMessageReceiver); ok {
		return r.SetReceiveOwnMessages(enabled)
	}
	return nil
}

func (l *loggedTransceiver) Close() error {
	err := l.inner.Close()
	if err != nil {
		l.log.WithError(err).Error("transceiver close failed")
	} else {
		l.log.Info("transceiver closed")
	}
	return err
}
