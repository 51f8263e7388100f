// Package coordinator serializes token refreshes so that concurrent callers
// needing a refresh share a single network round trip.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const flightKey = "refresh"

// Coordinator runs at most one refresh at a time. Callers arriving while a
// refresh is in flight wait for it and receive the same result or error.
type Coordinator[T any] struct {
	group    singleflight.Group
	inFlight atomic.Bool
	timeout  time.Duration
}

// New returns a Coordinator whose shared refresh is bounded by timeout.
// A zero timeout leaves the bound to the refresh function.
func New[T any](timeout time.Duration) *Coordinator[T] {
	return &Coordinator[T]{timeout: timeout}
}

// Do starts fn unless a refresh is already running, then waits for the
// outcome. fn runs on a context detached from the caller's cancellation: a
// caller that gives up stops waiting, but the refresh still completes and the
// next caller observes its effects.
func (c *Coordinator[T]) Do(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		c.inFlight.Store(true)
		defer c.inFlight.Store(false)

		runCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, c.timeout)
			defer cancel()
		}
		return fn(runCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("coordinator: unexpected result type %T", res.Val)
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// InFlight reports whether a refresh is currently running.
func (c *Coordinator[T]) InFlight() bool {
	return c.inFlight.Load()
}
