// Package syncutil holds the counting and ordering primitives that
// surround task execution: a notify/wait counting semaphore, a
// strict-priority variant, a sticky one-shot notification, and a
// goroutine group that tracks how many of its goroutines are still
// running. Grounded on the teacher's server/internal/internal/syncs
// package and on golang.org/x/sync/semaphore for the weighted counting
// core.
package syncutil

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
)

// unbounded is large enough that Notify never has to worry about
// exceeding a Weighted's configured capacity — Semaphore has no fixed
// capacity of its own, only a live count, so the cap just needs to be
// bigger than any count the engine will ever carry.
const unbounded = math.MaxInt64 / 2

// Semaphore is a counting primitive over a uint64-ish count: Notify(n)
// increases the count and wakes any waiters it can satisfy; Wait(n)
// blocks until the count is at least n, then atomically decrements it.
// It is built on golang.org/x/sync/semaphore.Weighted, which tracks the
// count as "available capacity" without requiring Notify to correspond
// to a prior Wait — exactly the producer/consumer shape spec.md
// describes for num_finished_ops.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore returns a Semaphore starting at count initial.
func NewSemaphore(initial uint64) *Semaphore {
	s := &Semaphore{w: semaphore.NewWeighted(unbounded)}
	// Acquire down from the full unbounded capacity so the "available"
	// count starts at exactly `initial`, including the initial == 0
	// case (acquire everything, leaving nothing available until the
	// first Notify).
	_ = s.w.Acquire(context.Background(), unbounded-int64(initial))
	return s
}

// Notify increases the count by n and releases any waiters it can now
// satisfy.
func (s *Semaphore) Notify(n uint64) {
	s.w.Release(int64(n))
}

// Wait blocks until the count is at least n, then decrements it by n.
func (s *Semaphore) Wait(n uint64) {
	_ = s.w.Acquire(context.Background(), int64(n))
}

// WaitContext is Wait but abortable; it returns ctx.Err() if ctx is
// canceled before the count reaches n.
func (s *Semaphore) WaitContext(ctx context.Context, n uint64) error {
	return s.w.Acquire(ctx, int64(n))
}

// TryWait attempts to decrement the count by n without blocking,
// reporting whether it succeeded.
func (s *Semaphore) TryWait(n uint64) bool {
	return s.w.TryAcquire(int64(n))
}
