package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Pool bounds the number of in-flight synthesis runs. Request intake is
// unbounded, so without this cap load would queue without limit at the
// busiest model stage; instead callers wait a bounded time for a slot and
// then fail fast.
type Pool struct {
	slots chan struct{}
	wait  time.Duration
}

// NewPool creates a pool with the given slot capacity and admission wait.
func NewPool(capacity int, wait time.Duration) *Pool {
	if capacity < 1 {
		capacity = 1
	}

	return &Pool{
		slots: make(chan struct{}, capacity),
		wait:  wait,
	}
}

// Acquire blocks until a slot frees up, the admission wait elapses (ErrBusy),
// or the caller's context is cancelled.
func (p *Pool) Acquire(ctx context.Context) error {
	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return fmt.Errorf("admission interrupted: %w", ctx.Err())
	}
}

// Release frees a slot acquired with Acquire.
func (p *Pool) Release() {
	<-p.slots
}
