package tp

import (
	"fmt"
	"time"
)

func (c *Channel) sendLoop() {
	defer close(c.senderDone)
	for {
		select {
		case <-c.closing:
			return
		case p := <-c.sendq:
			start := time.Now()
			err := c.transmit(p.payload)
			c.broker.metrics.MessageSent(len(p.payload), time.Since(start), err)
			if err != nil {
				c.log.WithError(err).WithField("size", len(p.payload)).Warn("send failed")
			} else {
				c.log.WithField("size", len(p.payload)).Debug("message sent")
			}
			p.completion.resolve(err)
		}
	}
}

// transmit writes one message, either as a single frame or as a first frame
// followed by flow controlled consecutive frames.
func (c *Channel) transmit(payload []byte) error {
	dl := c.params.DataLength
	if len(payload) <= MaxSingleFrameLength(dl) {
		data, err := EncodeSingleFrame(payload, dl)
		if err != nil {
			return err
		}
		return c.writeFrame(data)
	}

	c.fire(c.tx, evFirstFrame)
	defer c.fire(c.tx, evFinish)

	total := len(payload)
	offset := firstFrameChunk(total, dl)
	data, err := EncodeFirstFrame(total, payload[:offset])
	if err != nil {
		return err
	}
	c.armFlowControl()
	if err := c.writeFrame(data); err != nil {
		c.expectFC.Store(false)
		return err
	}

	chunk := dl - 1
	seq := uint8(1)
	for {
		c.fire(c.tx, evAwaitFlowControl)
		fc, err := c.awaitFlowControl()
		if err != nil {
			return err
		}
		c.fire(c.tx, evClearToSend)

		// 取本地配置与对端 STmin 中较大者
		st := c.params.SeparationTime
		if fc.SeparationTime > st {
			st = fc.SeparationTime
		}

		for sent := 0; offset < total; sent++ {
			if sent > 0 {
				if err := c.pause(st); err != nil {
					return err
				}
			}
			end := offset + chunk
			if end > total {
				end = total
			}
			blockDone := fc.BlockSize > 0 && sent+1 == int(fc.BlockSize) && end < total
			if blockDone {
				c.armFlowControl()
			}
			if err := c.writeFrame(EncodeConsecutiveFrame(seq, payload[offset:end])); err != nil {
				c.expectFC.Store(false)
				return err
			}
			offset = end
			seq = (seq + 1) & 0x0F
			if blockDone {
				break
			}
		}
		if offset >= total {
			return nil
		}
	}
}

// armFlowControl drops stale flow control frames and lets the dispatch loop
// forward new ones. It must be called before the frame that solicits them
// is written.
func (c *Channel) armFlowControl() {
drain:
	for {
		select {
		case <-c.fc:
		default:
			break drain
		}
	}
	c.expectFC.Store(true)
}

func (c *Channel) awaitFlowControl() (FlowControl, error) {
	defer c.expectFC.Store(false)

	timeout := c.params.FlowControlTimeout
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	waits := 0
	for {
		select {
		case fc := <-c.fc:
			switch fc.Status {
			case FlowStatusContinueToSend:
				return fc, nil
			case FlowStatusWait:
				waits++
				if waits > c.params.MaxWaitFrames {
					return FlowControl{}, FlowControlAbortedError{IsoTpError: NewIsoTpError(
						fmt.Sprintf("错误：等待帧(Wait Frame)数量超出最大限制 %d", c.params.MaxWaitFrames))}
				}
				if timer != nil {
					resetTimer(timer, timeout)
				}
			case FlowStatusOverflow:
				return FlowControl{}, PeerOverflowError{}
			}
		case <-expired:
			return FlowControl{}, FlowControlTimeoutError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("no flow control frame within %s", timeout))}
		case <-c.closing:
			return FlowControl{}, c.closeErr
		}
	}
}

// pause waits d between consecutive frames; closing the channel cuts it short.
func (c *Channel) pause(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.closing:
		return c.closeErr
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
