package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/metrics"
	"github.com/mikeyg42/camhal/internal/pipe"
)

var errPoolEmpty = errors.New("pool empty")

// pool holds the buffers of one stage tag.
type pool struct {
	tag     pipe.ID
	mu      sync.Mutex
	buffers []*Buffer
	free    []int // indexes into buffers, LIFO
}

func (p *pool) tryTake() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	b := p.buffers[idx]
	b.free = false
	return b, true
}

// SupplierOptions bound Acquire.
type SupplierOptions struct {
	AcquireTimeout time.Duration
	PollInterval   time.Duration
}

// Supplier owns every buffer in the system, grouped in one pool per stage.
// Buffers are handed out by Acquire and always come back to the pool of
// their own tag on Release.
type Supplier struct {
	opts      SupplierOptions
	allocator Allocator
	logger    camlog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	pools map[pipe.ID]*pool

	// Metrics
	acquires    atomic.Uint64
	releases    atomic.Uint64
	exhaustions atomic.Uint64
	retries     atomic.Uint64
}

// NewSupplier creates an empty supplier. Pools are created by Configure.
func NewSupplier(alloc Allocator, opts SupplierOptions) *Supplier {
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 300 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &Supplier{
		opts:      opts,
		allocator: alloc,
		logger:    camlog.L().Named("buffer-supplier"),
		pools:     make(map[pipe.ID]*pool),
	}
}

// SetLogger replaces the supplier's logger.
func (s *Supplier) SetLogger(l camlog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetMetrics wires prometheus collectors.
func (s *Supplier) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Configure (re)creates the pool for tag with count buffers of size bytes.
// It fails if the existing pool still has buffers out.
func (s *Supplier) Configure(tag pipe.ID, count, size int) error {
	if !tag.Valid() {
		return fmt.Errorf("configure: invalid tag %d", tag)
	}
	if count < 0 {
		return fmt.Errorf("configure %s: negative count %d", tag, count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.pools[tag]; ok {
		old.mu.Lock()
		outstanding := len(old.buffers) - len(old.free)
		old.mu.Unlock()
		if outstanding > 0 {
			return fmt.Errorf("configure %s: %d buffers still in use", tag, outstanding)
		}
		s.freePoolLocked(old)
	}

	p := &pool{
		tag:     tag,
		buffers: make([]*Buffer, 0, count),
		free:    make([]int, 0, count),
	}
	for i := 0; i < count; i++ {
		data, fd, err := s.allocator.Allocate(tag, size)
		if err != nil {
			s.freePoolLocked(p)
			return fmt.Errorf("configure %s: allocate buffer %d: %w", tag, i, err)
		}
		p.buffers = append(p.buffers, &Buffer{
			Handle: makeHandle(tag, i),
			Tag:    tag,
			Size:   size,
			FDs:    []int{fd},
			Data:   data,
			free:   true,
		})
		p.free = append(p.free, i)
	}
	s.pools[tag] = p
	s.observe(tag, count)

	s.logger.Debug("Configured buffer pool",
		camlog.Stringer("stage", tag),
		camlog.Int("count", count),
		camlog.Int("size", size),
		camlog.String("allocator", s.allocator.Name()))
	return nil
}

func (s *Supplier) freePoolLocked(p *pool) {
	for _, b := range p.buffers {
		fd := -1
		if len(b.FDs) > 0 {
			fd = b.FDs[0]
		}
		if err := s.allocator.Free(b.Data, fd); err != nil {
			s.logger.Warn("Failed to free buffer", camlog.Stringer("handle", b.Handle), camlog.Error(err))
		}
	}
	p.buffers = nil
	p.free = nil
}

func (s *Supplier) poolFor(tag pipe.ID) *pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pools[tag]
}

// Acquire takes a free buffer tagged tag. When the pool is empty it polls
// until AcquireTimeout elapses and then fails with a BufferExhaustion error.
// Cancelling ctx aborts the wait.
func (s *Supplier) Acquire(ctx context.Context, tag pipe.ID) (*Buffer, error) {
	p := s.poolFor(tag)
	if p == nil {
		return nil, camerr.New(camerr.KindBufferExhaustion, "acquire", fmt.Errorf("no pool configured")).WithStage(tag)
	}

	if b, ok := p.tryTake(); ok {
		s.acquires.Add(1)
		s.observe(tag, s.Free(tag))
		return b, nil
	}

	var got *Buffer
	attempts := uint64(s.opts.AcquireTimeout / s.opts.PollInterval)
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.PollInterval), attempts),
		ctx,
	)
	op := func() error {
		if buf, ok := p.tryTake(); ok {
			got = buf
			return nil
		}
		s.retries.Add(1)
		return errPoolEmpty
	}

	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("acquire %s: %w", tag, ctxErr)
		}
		s.exhaustions.Add(1)
		if s.metrics != nil {
			s.metrics.BufferAcquireFails.WithLabelValues(tag.String()).Inc()
		}
		s.logger.Warn("Buffer pool exhausted",
			camlog.Stringer("stage", tag),
			camlog.Duration("waited", s.opts.AcquireTimeout))
		return nil, camerr.New(camerr.KindBufferExhaustion, "acquire", err).WithStage(tag)
	}

	s.acquires.Add(1)
	s.observe(tag, s.Free(tag))
	return got, nil
}

// Release returns the buffer behind h to its own pool. The caller must have
// unbound it from its entity first.
func (s *Supplier) Release(h Handle) error {
	if !h.Valid() {
		return fmt.Errorf("release: invalid handle %s", h)
	}
	p := s.poolFor(h.Tag())
	if p == nil {
		return fmt.Errorf("release %s: no pool", h)
	}

	p.mu.Lock()
	idx := h.index()
	if idx >= len(p.buffers) || p.buffers[idx].Handle != h {
		p.mu.Unlock()
		return fmt.Errorf("release %s: unknown handle", h)
	}
	b := p.buffers[idx]
	if b.free {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", h, camerr.ErrDoubleRelease)
	}
	b.free = true
	p.free = append(p.free, idx)
	free := len(p.free)
	p.mu.Unlock()

	s.releases.Add(1)
	s.observe(h.Tag(), free)
	return nil
}

// Get returns the buffer behind h, or nil.
func (s *Supplier) Get(h Handle) *Buffer {
	if !h.Valid() {
		return nil
	}
	p := s.poolFor(h.Tag())
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := h.index()
	if idx >= len(p.buffers) {
		return nil
	}
	return p.buffers[idx]
}

// Free returns the number of free buffers for tag.
func (s *Supplier) Free(tag pipe.ID) int {
	p := s.poolFor(tag)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the configured buffer count for tag.
func (s *Supplier) Capacity(tag pipe.ID) int {
	p := s.poolFor(tag)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// InUse returns the number of buffers of tag currently handed out.
func (s *Supplier) InUse(tag pipe.ID) int {
	p := s.poolFor(tag)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers) - len(p.free)
}

// Snapshot returns free, in-use and capacity for tag read under one lock.
func (s *Supplier) Snapshot(tag pipe.ID) (free, inUse, capacity int) {
	p := s.poolFor(tag)
	if p == nil {
		return 0, 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	free = len(p.free)
	capacity = len(p.buffers)
	inUse = capacity - free
	return free, inUse, capacity
}

// Tags returns the configured pool tags.
func (s *Supplier) Tags() []pipe.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipe.ID, 0, len(s.pools))
	for _, id := range pipe.All() {
		if _, ok := s.pools[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Close frees every pool. Buffers still out are freed as well.
func (s *Supplier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, p := range s.pools {
		s.freePoolLocked(p)
		delete(s.pools, tag)
	}
	return nil
}

// Metrics returns supplier statistics.
func (s *Supplier) Metrics() map[string]interface{} {
	out := map[string]interface{}{
		"allocator":   s.allocator.Name(),
		"acquires":    s.acquires.Load(),
		"releases":    s.releases.Load(),
		"exhaustions": s.exhaustions.Load(),
		"retries":     s.retries.Load(),
	}
	for _, tag := range s.Tags() {
		out["free_"+tag.String()] = s.Free(tag)
	}
	return out
}

func (s *Supplier) observe(tag pipe.ID, free int) {
	if s.metrics != nil {
		s.metrics.BufferFree.WithLabelValues(tag.String()).Set(float64(free))
	}
}
