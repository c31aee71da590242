//go:build !windows

package driver

import (
	"time"

	"github.com/pkg/errors"
)

// Toomoss is only available on Windows.
type Toomoss struct{}

// ToomossOption configures a Toomoss transceiver.
type ToomossOption func(*Toomoss)

func WithToomossBitrate(int, int) ToomossOption           { return func(*Toomoss) {} }
func WithToomossPollInterval(time.Duration) ToomossOption { return func(*Toomoss) {} }
func WithToomossReadTimeout(time.Duration) ToomossOption  { return func(*Toomoss) {} }

// NewToomoss always fails outside Windows.
func NewToomoss(...ToomossOption) (*Toomoss, error) {
	return nil, errors.New("toomoss adapter requires windows")
}

func (t *Toomoss) Bind(string) error         { return ErrNoSuchDevice }
func (t *Toomoss) ReadFrame() (Frame, error) { return Frame{}, ErrClosed }
func (t *Toomoss) WriteFrame(Frame) error    { return ErrClosed }
func (t *Toomoss) Dropped() uint64           { return 0 }
func (t *Toomoss) Close() error              { return nil }
