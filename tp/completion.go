package tp

import (
	"context"
	"sync"
)

// Completion resolves exactly once when a send finished or failed.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func failedCompletion(err error) *Completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

func (c *Completion) resolve(err error) bool {
	resolved := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the send resolved.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the send result. It is nil until Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the send resolved or ctx is done. Cancelling ctx does not
// cancel the send.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
