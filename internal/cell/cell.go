// Package cell implements one-shot, single-writer/multi-reader slots
// ("cells") — used to hand identity (an SSRC, a secret key, a spawned
// task's handle) from the goroutine that discovers it to whichever
// goroutines are waiting on it, without polling.
package cell

import (
	"context"
	"sync"
)

// Cell is a value that is written at most once and may be read by any
// number of goroutines, any number of times, each blocking until the value
// is available or its context is done.
type Cell[T any] struct {
	once  sync.Once
	ready chan struct{}
	val   T
}

// New returns an empty, unfilled cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{ready: make(chan struct{})}
}

// Fill sets the cell's value. Only the first call has any effect; later
// calls are silently ignored, matching the single-writer invariant.
func (c *Cell[T]) Fill(v T) {
	c.once.Do(func() {
		c.val = v
		close(c.ready)
	})
}

// Wait blocks until the cell is filled or ctx is done.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.ready:
		return c.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the current value and whether it has been filled, without
// blocking.
func (c *Cell[T]) Peek() (T, bool) {
	select {
	case <-c.ready:
		return c.val, true
	default:
		var zero T
		return zero, false
	}
}
