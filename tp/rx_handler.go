package tp

import (
	"fmt"
	"time"

	"github.com/LoveWonYoung/isotpbroker/driver"
)

// maxInitialBuffer caps the up-front allocation for a reassembly.
const maxInitialBuffer = 64 * 1024

// handleFrame is called by the broker's dispatch goroutine for every frame
// routed to this channel, in arrival order.
func (c *Channel) handleFrame(frame driver.Frame) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	if c.isClosing() {
		return
	}
	if c.frameHandler != nil {
		c.frameHandler.HandleFrame(c, frame)
	}

	pdu, err := DecodePDU(frame.Payload())
	if err != nil {
		c.broker.metrics.FrameMalformed()
		c.reportError(err)
		return
	}

	sender := Address{ID: frame.ID, Extended: frame.Extended}
	switch p := pdu.(type) {
	case SingleFrame:
		c.deliver(sender, append([]byte(nil), p.Data...))
	case FirstFrame:
		c.onFirstFrame(sender, p)
	case ConsecutiveFrame:
		c.onConsecutiveFrame(p)
	case FlowControl:
		c.onFlowControl(p)
	}
}

func (c *Channel) onFlowControl(fc FlowControl) {
	if !c.expectFC.Load() {
		c.log.WithField("status", fc.Status).Debug("ignoring flow control outside of a send")
		return
	}
	select {
	case c.fc <- fc:
	default:
		c.log.WithField("status", fc.Status).Debug("flow control buffer full, dropping")
	}
}

func (c *Channel) onFirstFrame(sender Address, ff FirstFrame) {
	c.mu.Lock()
	if int64(ff.Length) > int64(c.params.MaxMessageSize) {
		if c.reasm != nil {
			c.endReception()
		}
		c.mu.Unlock()
		c.writeFlowControl(FlowStatusOverflow)
		c.broker.metrics.ReceiveFailed()
		c.reportError(tooLarge("first frame length %d exceeds max message size %d", ff.Length, c.params.MaxMessageSize))
		return
	}

	if c.reasm != nil {
		// 新首帧优先，丢弃未完成的接收
		c.log.WithField("received", len(c.reasm.buf)).WithField("expected", c.reasm.total).
			Warn("new first frame discards unfinished reassembly")
	}
	total := int(ff.Length)
	capacity := total
	if capacity > maxInitialBuffer {
		capacity = maxInitialBuffer
	}
	r := &reassembly{
		sender:  sender,
		total:   total,
		buf:     make([]byte, 0, capacity),
		nextSeq: 1,
	}
	r.buf = append(r.buf, ff.Data...)
	c.reasm = r
	c.armReceiveTimer()
	c.fire(c.rx, evStartReception)
	c.mu.Unlock()

	c.writeFlowControl(FlowStatusContinueToSend)
}

func (c *Channel) onConsecutiveFrame(cf ConsecutiveFrame) {
	c.mu.Lock()
	r := c.reasm
	if r == nil {
		c.mu.Unlock()
		c.reportError(UnexpectedFrameError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("consecutive frame #%d while not receiving", cf.Sequence))})
		return
	}
	if cf.Sequence != r.nextSeq {
		c.endReception()
		c.mu.Unlock()
		c.broker.metrics.ReceiveFailed()
		c.reportError(SequenceError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("expected sequence number %d, got %d", r.nextSeq, cf.Sequence))})
		return
	}

	data := cf.Data
	if remaining := r.total - len(r.buf); len(data) > remaining {
		data = data[:remaining]
	}
	r.buf = append(r.buf, data...)
	r.nextSeq = (r.nextSeq + 1) & 0x0F

	if len(r.buf) == r.total {
		c.endReception()
		c.mu.Unlock()
		c.deliver(r.sender, r.buf)
		return
	}

	c.armReceiveTimer()
	r.blockCount++
	needFC := c.params.BlockSize > 0 && r.blockCount == c.params.BlockSize
	if needFC {
		r.blockCount = 0
	}
	c.mu.Unlock()

	if needFC {
		c.writeFlowControl(FlowStatusContinueToSend)
	}
}

func (c *Channel) writeFlowControl(status FlowStatus) {
	data := EncodeFlowControl(status, uint8(c.params.BlockSize), c.params.SeparationTime)
	if err := c.writeFrame(data); err != nil {
		c.log.WithError(err).WithField("status", status).Warn("failed to send flow control")
	}
}

// endReception drops the reassembly state. c.mu must be held.
func (c *Channel) endReception() {
	c.reasm = nil
	c.rxGen++
	if c.rxTimer != nil {
		c.rxTimer.Stop()
		c.rxTimer = nil
	}
	c.fire(c.rx, evEndReception)
}

// armReceiveTimer (re)starts the N_Cr timer. c.mu must be held.
func (c *Channel) armReceiveTimer() {
	c.rxGen++
	if c.rxTimer != nil {
		c.rxTimer.Stop()
		c.rxTimer = nil
	}
	timeout := c.params.ConsecutiveFrameTimeout
	if timeout <= 0 {
		return
	}
	gen := c.rxGen
	c.rxTimer = time.AfterFunc(timeout, func() { c.onReceiveTimeout(gen, timeout) })
}

func (c *Channel) onReceiveTimeout(gen uint64, timeout time.Duration) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	if gen != c.rxGen || c.reasm == nil {
		c.mu.Unlock()
		return
	}
	received, total := len(c.reasm.buf), c.reasm.total
	c.endReception()
	c.mu.Unlock()

	c.broker.metrics.ReceiveFailed()
	c.reportError(ReceiveTimeoutError{IsoTpError: NewIsoTpError(
		fmt.Sprintf("no consecutive frame within %s, %d of %d bytes received", timeout, received, total))})
}

func (c *Channel) deliver(sender Address, payload []byte) {
	if c.isClosing() {
		return
	}
	c.broker.metrics.MessageReceived(len(payload))
	if c.handler != nil {
		c.handler.HandleMessage(c, sender, payload)
	}
}
