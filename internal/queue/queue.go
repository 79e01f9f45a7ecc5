// Package queue provides the bounded multi-producer/single-consumer FIFO
// used between pipeline stages.
//
// Contract:
//   - Push never blocks. It fails with ErrFull when the queue is at capacity
//     and ErrClosed after Close.
//   - WaitPop blocks for at most the given timeout. Returning ok=false on
//     timeout is normal steady-state polling, not an error; callers loop.
//   - Items are popped in push order. Only one goroutine should pop.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrFull   = errors.New("queue full")
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO of T.
type Queue[T any] struct {
	name string
	ch   chan T

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	pushed   atomic.Uint64
	popped   atomic.Uint64
	timeouts atomic.Uint64
}

// New creates a queue holding at most capacity items.
func New[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Name returns the queue's label.
func (q *Queue[T]) Name() string { return q.name }

// Push appends v.
func (q *Queue[T]) Push(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- v:
		q.pushed.Add(1)
		return nil
	default:
		return ErrFull
	}
}

// WaitPop returns the oldest item, waiting up to timeout. ok is false on
// timeout, on ctx cancellation, or when the queue is closed and empty.
func (q *Queue[T]) WaitPop(ctx context.Context, timeout time.Duration) (v T, ok bool) {
	// fast path
	select {
	case v = <-q.ch:
		q.popped.Add(1)
		return v, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v = <-q.ch:
		q.popped.Add(1)
		return v, true
	case <-timer.C:
		q.timeouts.Add(1)
		return v, false
	case <-ctx.Done():
		return v, false
	case <-q.done:
		// drain what is left before reporting closed
		select {
		case v = <-q.ch:
			q.popped.Add(1)
			return v, true
		default:
			return v, false
		}
	}
}

// TryPop returns the oldest item without waiting.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	select {
	case v = <-q.ch:
		q.popped.Add(1)
		return v, true
	default:
		return v, false
	}
}

// Drain removes and returns everything currently queued.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		v, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Close wakes any waiter and rejects further pushes. Queued items can still
// be popped or drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name     string
	Len      int
	Pushed   uint64
	Popped   uint64
	Timeouts uint64
}

// Stats returns the current counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Name:     q.name,
		Len:      q.Len(),
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Timeouts: q.timeouts.Load(),
	}
}
