package server

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when no inference slot frees up within the queue
// timeout.
var ErrBusy = errors.New("processing queue is full, retry later")

// limiter bounds concurrent inference with a counting semaphore.
type limiter struct {
	slots   chan struct{}
	timeout time.Duration
}

func newLimiter(n int, timeout time.Duration) *limiter {
	if n < 1 {
		n = 1
	}
	return &limiter{slots: make(chan struct{}, n), timeout: timeout}
}

// acquire waits for a slot and returns its release function.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrBusy
		}
		return nil, ctx.Err()
	}
}
