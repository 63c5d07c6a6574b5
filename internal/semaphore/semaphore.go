// Package semaphore provides a bounded concurrency primitive with strict
// FIFO admission, dynamic resize, timeout-safe waiter cleanup, and
// wait-time telemetry.
//
// It differs from golang.org/x/sync/semaphore in three ways the dispatcher
// relies on: waiters are served in strict arrival order, capacity can be
// changed at runtime, and a release hands its permit directly to the head
// waiter instead of letting all waiters race.
package semaphore

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPermitOverflow is returned by Release when no permits are
// outstanding. This is a programmer error, not an operational condition.
var ErrPermitOverflow = errors.New("semaphore released without matching acquire")

// waiter is one caller blocked in Acquire, ordered by arrival.
type waiter struct {
	// ready is closed exactly once when the waiter is granted a permit.
	ready chan struct{}

	// granted and abandoned are guarded by the semaphore's mutex and
	// resolve the race between a grant and a timeout: a grant marks
	// granted before closing ready; a timed-out waiter that finds
	// granted set keeps the permit instead of leaking it.
	granted   bool
	abandoned bool

	enqueuedAt time.Time
}

// FairSemaphore bounds concurrent permit-holders to a runtime-adjustable
// capacity, serving blocked acquirers in strict FIFO order.
type FairSemaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  *list.List // of *waiter

	// metrics has its own lock so readers never contend with admission.
	metrics *waitMetrics

	nowFn func() time.Time
}

// New creates a semaphore with the given capacity. A negative capacity is
// treated as zero (all acquires block until a resize).
func New(capacity int) *FairSemaphore {
	if capacity < 0 {
		capacity = 0
	}
	return &FairSemaphore{
		capacity: capacity,
		waiters:  list.New(),
		metrics:  newWaitMetrics(defaultMetricsWindow),
		nowFn:    time.Now,
	}
}

// Acquire blocks until a permit is available, the timeout elapses, or ctx
// is cancelled. A zero timeout means no deadline. Returns true once a
// permit is held, false on timeout or cancellation.
//
// On timeout the waiter's queue entry is invalidated under the admission
// lock, so a later Release can never wake an abandoned waiter.
func (s *FairSemaphore) Acquire(ctx context.Context, timeout time.Duration) bool {
	start := s.nowFn()

	s.mu.Lock()
	// Fast path: a free permit and nobody queued ahead of us. The queue
	// check prevents barging past waiters during a resize transient.
	if s.inUse < s.capacity && s.waiters.Len() == 0 {
		s.inUse++
		s.mu.Unlock()
		s.metrics.record(0)
		return true
	}

	w := &waiter{ready: make(chan struct{}), enqueuedAt: start}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.ready:
		s.metrics.record(s.nowFn().Sub(start))
		return true
	case <-timeoutCh:
	case <-ctx.Done():
	}

	// Timed out or cancelled. A grant may have raced in before we took
	// the lock; if so the permit is ours after all.
	s.mu.Lock()
	if w.granted {
		s.mu.Unlock()
		s.metrics.record(s.nowFn().Sub(start))
		return true
	}
	w.abandoned = true
	s.waiters.Remove(elem)
	s.mu.Unlock()
	return false
}

// Release returns a permit to the pool, handing it directly to the
// head-of-queue active waiter if any. At most one waiter is woken per
// call. Returns ErrPermitOverflow if no permits are outstanding.
func (s *FairSemaphore) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse == 0 {
		return ErrPermitOverflow
	}
	s.inUse--
	s.grantLocked()
	return nil
}

// Resize changes the capacity. Growing immediately unblocks queued
// waiters up to the new capacity. Shrinking never revokes held permits;
// new grants stay blocked until in-use drains to the new capacity.
func (s *FairSemaphore) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
	s.grantLocked()
}

// grantLocked hands permits to queued waiters in arrival order while
// capacity allows, discarding entries abandoned by timed-out acquirers.
// Callers must hold s.mu.
func (s *FairSemaphore) grantLocked() {
	for s.inUse < s.capacity {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		s.waiters.Remove(front)
		w := front.Value.(*waiter)
		if w.abandoned {
			continue
		}
		w.granted = true
		close(w.ready)
		s.inUse++
	}
}

// InUse returns the number of permits currently held.
func (s *FairSemaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Capacity returns the current permit ceiling.
func (s *FairSemaphore) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Waiting returns the number of callers queued in Acquire.
func (s *FairSemaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// AverageWait returns the mean wait duration over the most recent
// completed acquisitions (bounded window). Safe to call concurrently with
// admission; the metrics window has its own lock.
func (s *FairSemaphore) AverageWait() time.Duration {
	return s.metrics.average()
}
