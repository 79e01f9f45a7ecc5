package result

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/metrics"
	"github.com/mikeyg42/camhal/internal/queue"
)

// tracker is the per-request delivery record.
type tracker struct {
	key     uint64
	streams map[int]uint64 // stream id -> caller handle

	shutter  bool
	partial  bool
	all      bool
	buffers  map[int]bool
	reqError bool
	failed   bool

	// discarding keeps only the request error; set by a flush.
	discarding bool

	held []Result
}

// lacks reports whether the request still owes a result that r's
// category (and stream) would satisfy.
func (t *tracker) lacks(c Category, stream int) bool {
	if t.reqError {
		return false
	}
	switch c {
	case CategoryShutter:
		return !t.shutter
	case CategoryPartialMeta:
		return !t.partial
	case CategoryAllMeta:
		return !t.all
	case CategoryBuffer:
		_, requested := t.streams[stream]
		return requested && !t.buffers[stream]
	}
	return false
}

func (t *tracker) accepts(r Result) bool {
	return !t.discarding || (r.Category == CategoryError && r.ErrorKind == ErrorRequest)
}

func (t *tracker) complete() bool {
	if t.reqError {
		return true
	}
	if !t.shutter || !t.partial || !t.all {
		return false
	}
	for id := range t.streams {
		if !t.buffers[id] {
			return false
		}
	}
	return true
}

// orderCategory maps a result to the category it is ordered against.
func orderCategory(r Result) Category {
	if r.Category != CategoryError {
		return r.Category
	}
	switch r.ErrorKind {
	case ErrorRequest:
		return CategoryShutter
	case ErrorBuffer:
		return CategoryBuffer
	case ErrorResult:
		return CategoryAllMeta
	}
	return CategoryError
}

// Options configure a Dispatcher.
type Options struct {
	QueueSize int
	// OnComplete is called exactly once per registered request.
	OnComplete func(key uint64, failed bool)
	// OnPublish is called after every result handed to the sink.
	OnPublish func(c Category)
	Logger    camlog.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher orders results across requests. For every category, and for
// every stream in the buffer category, a request's result is held until
// each smaller live request has received that category.
type Dispatcher struct {
	sink   Sink
	opts   Options
	logger camlog.Logger

	in *queue.Queue[Result]

	// deliverMu serialises sink calls.
	deliverMu sync.Mutex

	mu   sync.Mutex
	live map[uint64]*tracker
	keys []uint64

	// Metrics
	published atomic.Uint64
	dropped   atomic.Uint64
	completed atomic.Uint64
}

// NewDispatcher creates a dispatcher publishing to sink.
func NewDispatcher(sink Sink, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = camlog.L()
	}
	return &Dispatcher{
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.Named("result"),
		in:     queue.New[Result]("result", opts.QueueSize),
		live:   make(map[uint64]*tracker),
	}
}

// Register starts tracking key. Keys must be registered in increasing
// order.
func (d *Dispatcher) Register(key uint64, streams []StreamRef) {
	t := &tracker{
		key:     key,
		streams: make(map[int]uint64, len(streams)),
		buffers: make(map[int]bool, len(streams)),
	}
	for _, s := range streams {
		t.streams[s.ID] = s.Handle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[key]; ok {
		return
	}
	d.live[key] = t
	d.keys = append(d.keys, key)
	if n := len(d.keys); n > 1 && d.keys[n-2] > key {
		sort.Slice(d.keys, func(i, j int) bool { return d.keys[i] < d.keys[j] })
	}
}

// Push queues r for delivery. It never blocks; a full queue is processed
// inline.
func (d *Dispatcher) Push(r Result) {
	if err := d.in.Push(r); err != nil {
		d.process(r)
	}
}

// Run delivers queued results until ctx is done, then drains the queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		r, ok := d.in.WaitPop(ctx, 100*time.Millisecond)
		if ok {
			d.process(r)
			continue
		}
		if ctx.Err() != nil {
			d.Drain()
			return nil
		}
	}
}

// Drain processes every queued result synchronously.
func (d *Dispatcher) Drain() {
	for _, r := range d.in.Drain() {
		d.process(r)
	}
}

func (d *Dispatcher) process(r Result) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	var out []func()
	if r.Category == CategoryError && r.ErrorKind == ErrorDevice {
		out = d.deviceErrorLocked()
	} else if t, ok := d.live[r.Key]; ok && t.accepts(r) {
		t.held = append(t.held, r)
		out = d.pumpLocked()
	} else {
		d.dropped.Add(1)
		d.logger.Debug("Dropping result for unknown or flushed request", camlog.Stringer("result", r))
	}
	d.mu.Unlock()

	for _, fn := range out {
		fn()
	}
}

// pumpLocked delivers every held result that is no longer blocked by a
// smaller key and retires completed requests.
func (d *Dispatcher) pumpLocked() []func() {
	var out []func()
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(d.keys); i++ {
			t := d.live[d.keys[i]]
			kept := t.held[:0]
			for _, r := range t.held {
				if t.reqError {
					d.dropped.Add(1)
					continue
				}
				if d.blockedLocked(i, r) {
					kept = append(kept, r)
					continue
				}
				out = append(out, d.deliverLocked(t, r)...)
				progress = true
			}
			t.held = kept

			if t.complete() {
				out = append(out, d.retireLocked(i)...)
				i--
				progress = true
			}
		}
	}
	return out
}

func (d *Dispatcher) blockedLocked(idx int, r Result) bool {
	c := orderCategory(r)
	if c == CategoryError {
		return false
	}
	for _, k := range d.keys[:idx] {
		if d.live[k].lacks(c, r.StreamID) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliverLocked(t *tracker, r Result) []func() {
	sink := d.sink
	var out []func()
	publish := func(c Category, fn func()) {
		out = append(out, func() {
			fn()
			d.published.Add(1)
			if d.opts.Metrics != nil {
				d.opts.Metrics.Results.WithLabelValues(c.String()).Inc()
			}
			if d.opts.OnPublish != nil {
				d.opts.OnPublish(c)
			}
		})
	}

	switch r.Category {
	case CategoryShutter:
		if t.shutter {
			return nil
		}
		t.shutter = true
		key, ts := r.Key, r.Timestamp
		publish(CategoryShutter, func() { sink.Shutter(key, ts) })

	case CategoryPartialMeta:
		if t.partial || t.all {
			return nil
		}
		t.partial = true
		m := MetadataResult{Key: r.Key, Partial: true, Blob: r.Blob}
		publish(CategoryPartialMeta, func() { sink.Metadata(m) })

	case CategoryAllMeta:
		if t.all {
			return nil
		}
		t.all, t.partial = true, true
		m := MetadataResult{Key: r.Key, Blob: r.Blob}
		publish(CategoryAllMeta, func() { sink.Metadata(m) })

	case CategoryBuffer:
		if _, ok := t.streams[r.StreamID]; !ok || t.buffers[r.StreamID] {
			return nil
		}
		t.buffers[r.StreamID] = true
		if r.Status == BufferError {
			t.failed = true
		}
		b := BufferResult{Key: r.Key, StreamID: r.StreamID, Handle: r.Handle, Status: r.Status}
		publish(CategoryBuffer, func() { sink.Buffer(b) })

	case CategoryError:
		n := ErrorNotice{Kind: r.ErrorKind, Key: r.Key, StreamID: r.StreamID}
		switch r.ErrorKind {
		case ErrorRequest:
			t.reqError, t.failed = true, true
			publish(CategoryError, func() { sink.Error(n) })
		case ErrorResult:
			if t.all {
				return nil
			}
			t.all, t.partial, t.failed = true, true, true
			publish(CategoryError, func() { sink.Error(n) })
		case ErrorBuffer:
			handle, ok := t.streams[r.StreamID]
			if !ok || t.buffers[r.StreamID] {
				return nil
			}
			t.buffers[r.StreamID], t.failed = true, true
			b := BufferResult{Key: r.Key, StreamID: r.StreamID, Handle: handle, Status: BufferError}
			publish(CategoryError, func() { sink.Error(n) })
			publish(CategoryBuffer, func() { sink.Buffer(b) })
		}
	}
	return out
}

func (d *Dispatcher) retireLocked(idx int) []func() {
	key := d.keys[idx]
	t := d.live[key]
	delete(d.live, key)
	d.keys = append(d.keys[:idx], d.keys[idx+1:]...)
	d.dropped.Add(uint64(len(t.held)))
	d.completed.Add(1)

	failed := t.failed
	if d.opts.OnComplete == nil {
		return nil
	}
	return []func(){func() { d.opts.OnComplete(key, failed) }}
}

// deviceErrorLocked publishes a device error and retires every live
// request as failed. No further results are delivered for them.
func (d *Dispatcher) deviceErrorLocked() []func() {
	var out []func()
	n := ErrorNotice{Kind: ErrorDevice, StreamID: NoStream}
	sink := d.sink
	out = append(out, func() {
		sink.Error(n)
		d.published.Add(1)
		if d.opts.Metrics != nil {
			d.opts.Metrics.Results.WithLabelValues(CategoryError.String()).Inc()
		}
		if d.opts.OnPublish != nil {
			d.opts.OnPublish(CategoryError)
		}
	})
	retired := len(d.keys)
	for len(d.keys) > 0 {
		d.live[d.keys[0]].failed = true
		out = append(out, d.retireLocked(0)...)
	}
	d.logger.Error("Device error published", camlog.Int("retired", retired))
	return out
}

// Discard marks every live request as flushed. Their held results are
// dropped, and from now on only a request error is delivered for them, in
// key order as usual. It returns the number of requests marked.
func (d *Dispatcher) Discard() int {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, k := range d.keys {
		t := d.live[k]
		t.discarding = true
		kept := t.held[:0]
		for _, r := range t.held {
			if t.accepts(r) {
				kept = append(kept, r)
				continue
			}
			d.dropped.Add(1)
		}
		t.held = kept
	}
	return len(d.keys)
}

// Live returns the number of requests not yet complete.
func (d *Dispatcher) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

// IsLive reports whether key is registered and not complete.
func (d *Dispatcher) IsLive(key uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[key]
	return ok
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"live":      d.Live(),
		"queued":    d.in.Len(),
		"published": d.published.Load(),
		"dropped":   d.dropped.Load(),
		"completed": d.completed.Load(),
	}
}
