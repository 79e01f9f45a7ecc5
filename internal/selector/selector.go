// Package selector keeps the most recent sensor outputs alive so that a
// capture request can reprocess the raw frame it was issued against.
package selector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/camhal/internal/camerr"
)

type entry[T any] struct {
	count uint32
	item  T
}

// Selector is a bounded hold list ordered by frame count. Pushing beyond
// capacity evicts the oldest item through the release func.
type Selector[T any] struct {
	capacity int
	release  func(T)

	mu    sync.Mutex
	items []entry[T]

	// Metrics
	pushes    atomic.Uint64
	evictions atomic.Uint64
	selects   atomic.Uint64
	misses    atomic.Uint64
}

// New creates a selector holding at most capacity items.
func New[T any](capacity int, release func(T)) *Selector[T] {
	if capacity <= 0 {
		capacity = 1
	}
	if release == nil {
		release = func(T) {}
	}
	return &Selector[T]{
		capacity: capacity,
		release:  release,
		items:    make([]entry[T], 0, capacity),
	}
}

// Push adds item under count. Items are expected in increasing count order.
func (s *Selector[T]) Push(count uint32, item T) {
	s.mu.Lock()
	var evicted []T
	s.items = append(s.items, entry[T]{count: count, item: item})
	for len(s.items) > s.capacity {
		evicted = append(evicted, s.items[0].item)
		s.items = s.items[1:]
	}
	s.mu.Unlock()

	s.pushes.Add(1)
	for _, it := range evicted {
		s.evictions.Add(1)
		s.release(it)
	}
}

// take removes the exact match for target or else the oldest item with a
// greater count.
func (s *Selector[T]) take(target uint32) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := -1
	for i, e := range s.items {
		if e.count == target {
			pick = i
			break
		}
		if e.count > target && pick < 0 {
			pick = i
		}
	}
	if pick < 0 {
		var zero T
		return zero, false
	}
	it := s.items[pick].item
	s.items = append(s.items[:pick], s.items[pick+1:]...)
	return it, true
}

// Select removes and returns the item for target, polling up to retries
// times at interval. Ownership passes to the caller.
func (s *Selector[T]) Select(ctx context.Context, target uint32, retries int, interval time.Duration) (T, error) {
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		if it, ok := s.take(target); ok {
			s.selects.Add(1)
			return it, nil
		}
		if i == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("select frame %d: %w", target, ctx.Err())
		case <-time.After(interval):
		}
	}
	s.misses.Add(1)
	var zero T
	return zero, camerr.New(camerr.KindSelectionFailed, "select",
		fmt.Errorf("no held frame at or after %d after %d tries", target, retries))
}

// Remove drops count from the hold list and releases it.
func (s *Selector[T]) Remove(count uint32) bool {
	s.mu.Lock()
	var (
		it    T
		found bool
	)
	for i, e := range s.items {
		if e.count == count {
			it, found = e.item, true
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.release(it)
	}
	return found
}

// ReleaseAll empties the hold list through the release func.
func (s *Selector[T]) ReleaseAll() int {
	s.mu.Lock()
	items := s.items
	s.items = make([]entry[T], 0, s.capacity)
	s.mu.Unlock()
	for _, e := range items {
		s.release(e.item)
	}
	return len(items)
}

// Len returns the number of held items.
func (s *Selector[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Counts returns held frame counts, oldest first.
func (s *Selector[T]) Counts() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.items))
	for i, e := range s.items {
		out[i] = e.count
	}
	return out
}

// Stats returns selector counters.
func (s *Selector[T]) Stats() map[string]interface{} {
	return map[string]interface{}{
		"held":      s.Len(),
		"capacity":  s.capacity,
		"pushes":    s.pushes.Load(),
		"evictions": s.evictions.Load(),
		"selects":   s.selects.Load(),
		"misses":    s.misses.Load(),
	}
}
