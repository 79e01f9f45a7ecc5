package request

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/metadata"
)

// Manager owns requests from Submit until their final status. Pending and
// running requests live under one mutex, independent of any mode lock.
type Manager struct {
	codec metadata.Codec

	mu      sync.Mutex
	pending []*Request
	running map[uint64]*Request
	lastKey uint64
	hasLast bool
	closed  bool

	notify chan struct{}

	// onAccept runs under mu for every accepted request, in key order.
	onAccept func(*Request)

	// Bumped by every published result; read by the watchdog.
	resultRenew atomic.Int64

	// Metrics
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewManager creates an empty manager.
func NewManager(codec metadata.Codec) *Manager {
	if codec == nil {
		codec = metadata.NewCodec()
	}
	return &Manager{
		codec:   codec,
		running: make(map[uint64]*Request),
		notify:  make(chan struct{}, 1),
	}
}

// OnAccept installs a hook called for each accepted request before it
// becomes visible to Pop. The hook must not call back into the manager.
func (m *Manager) OnAccept(fn func(*Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAccept = fn
}

// Submit decodes r's settings and appends it to the pending list. Keys must
// strictly increase across the manager's lifetime.
func (m *Manager) Submit(r *Request) error {
	if r == nil {
		return fmt.Errorf("submit: nil request")
	}
	if len(r.Streams) == 0 {
		return fmt.Errorf("submit request %d: no streams", r.Key)
	}
	for _, s := range r.Streams {
		if _, err := ParseStreamKind(string(s.Kind)); err != nil {
			return fmt.Errorf("submit request %d: %w", r.Key, err)
		}
	}
	settings, err := m.codec.Decode(r.Settings)
	if err != nil {
		return fmt.Errorf("submit request %d: %w", r.Key, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("submit request %d: %w", r.Key, camerr.ErrClosed)
	}
	if m.hasLast && r.Key <= m.lastKey {
		last := m.lastKey
		m.mu.Unlock()
		return fmt.Errorf("submit request %d: key must be greater than %d", r.Key, last)
	}
	r.settings = settings
	r.mu.Lock()
	r.status = StatusPending
	r.mu.Unlock()
	m.lastKey = r.Key
	m.hasLast = true
	if m.onAccept != nil {
		m.onAccept(r)
	}
	m.pending = append(m.pending, r)
	m.mu.Unlock()

	m.submitted.Add(1)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// WaitPending blocks until a request is pending, timeout elapses or ctx is
// done, and reports whether a request is pending.
func (m *Manager) WaitPending(ctx context.Context, timeout time.Duration) bool {
	if m.PendingLen() > 0 {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
	return m.PendingLen() > 0
}

// PendingLen returns the number of pending requests.
func (m *Manager) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Peek returns the head pending request without removing it.
func (m *Manager) Peek() (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, false
	}
	return m.pending[0], true
}

// Pop removes up to n requests from the head of the pending list and marks
// them running.
func (m *Manager) Pop(n int) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.pending) {
		n = len(m.pending)
	}
	out := make([]*Request, n)
	copy(out, m.pending[:n])
	m.pending = m.pending[n:]
	for _, r := range out {
		m.markRunningLocked(r)
	}
	return out
}

// MarkRunning records r as running.
func (m *Manager) MarkRunning(r *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markRunningLocked(r)
}

func (m *Manager) markRunningLocked(r *Request) {
	m.running[r.Key] = r
}

// Get returns a running request.
func (m *Manager) Get(key uint64) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.running[key]
	return r, ok
}

// Complete finalises a running request with status.
func (m *Manager) Complete(key uint64, status Status) (*Request, bool) {
	m.mu.Lock()
	r, ok := m.running[key]
	if ok {
		delete(m.running, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.SetStatus(status)
	if status == StatusError {
		m.failed.Add(1)
	} else {
		m.completed.Add(1)
	}
	return r, true
}

// Running returns running requests ordered by key.
func (m *Manager) Running() []*Request {
	m.mu.Lock()
	out := make([]*Request, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RunningLen returns the number of running requests.
func (m *Manager) RunningLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// FlushAll removes every pending and running request, marks them ERROR and
// returns them ordered by key.
func (m *Manager) FlushAll() []*Request {
	m.mu.Lock()
	out := make([]*Request, 0, len(m.pending)+len(m.running))
	out = append(out, m.pending...)
	for _, r := range m.running {
		out = append(out, r)
	}
	m.pending = nil
	m.running = make(map[uint64]*Request)
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	for _, r := range out {
		r.SetStatus(StatusError)
	}
	m.failed.Add(uint64(len(out)))
	return out
}

// Close rejects further submits.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *Manager) ResultRenew() int64 { return m.resultRenew.Load() }
func (m *Manager) IncResultRenew()    { m.resultRenew.Add(1) }
func (m *Manager) ResetResultRenew()  { m.resultRenew.Store(0) }

// Stats returns manager counters.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	pending, running := len(m.pending), len(m.running)
	m.mu.Unlock()
	return map[string]interface{}{
		"pending":      pending,
		"running":      running,
		"submitted":    m.submitted.Load(),
		"completed":    m.completed.Load(),
		"failed":       m.failed.Load(),
		"result_renew": m.resultRenew.Load(),
	}
}
