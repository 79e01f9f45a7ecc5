package frame

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Handle addresses a frame in a Table.
type Handle uint64

// Table is the arena owning every live frame. Goroutines pass Handles
// around and resolve them here.
type Table struct {
	mu     sync.RWMutex
	frames map[Handle]*Frame
	next   Handle

	count atomic.Uint32
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{frames: make(map[Handle]*Frame)}
}

// NextCount returns the next frame count. Counts start at 1.
func (t *Table) NextCount() uint32 {
	return t.count.Add(1)
}

// LastCount returns the most recently issued frame count.
func (t *Table) LastCount() uint32 {
	return t.count.Load()
}

// ResetCount restarts frame counting, used when the pipeline restarts.
func (t *Table) ResetCount() {
	t.count.Store(0)
}

// Insert adds f and assigns its handle.
func (t *Table) Insert(f *Frame) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	f.handle = t.next
	t.frames[f.handle] = f
	return f.handle
}

// Get resolves h.
func (t *Table) Get(h Handle) (*Frame, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.frames[h]
	return f, ok
}

// Remove drops h from the table and reports whether it was present.
func (t *Table) Remove(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frames[h]; !ok {
		return false
	}
	delete(t.frames, h)
	return true
}

// Len returns the number of live frames.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frames)
}

// All returns live frames ordered by handle.
func (t *Table) All() []*Frame {
	t.mu.RLock()
	out := make([]*Frame, 0, len(t.frames))
	for _, f := range t.frames {
		out = append(out, f)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}
