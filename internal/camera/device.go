// Package camera is the device orchestrator. It turns submitted requests
// into frames, drives them through the pipeline stages with one goroutine
// per stage, coordinates the dual-sensor mode machine, and hands ordered
// results to the caller's sink.
package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/config"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/dual"
	"github.com/mikeyg42/camhal/internal/factory"
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/metadata"
	"github.com/mikeyg42/camhal/internal/metrics"
	"github.com/mikeyg42/camhal/internal/pipe"
	"github.com/mikeyg42/camhal/internal/queue"
	"github.com/mikeyg42/camhal/internal/request"
	"github.com/mikeyg42/camhal/internal/result"
	"github.com/mikeyg42/camhal/internal/selector"
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the device logger. The default is camlog.L().
func WithLogger(l camlog.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// WithMetrics shares a collector set. By default each device owns one.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Device) { d.metrics = m }
}

// WithCodec replaces the settings/metadata codec.
func WithCodec(c metadata.Codec) Option {
	return func(d *Device) { d.codec = c }
}

// WithFrameObserver registers fn to be called when a frame is created and
// when it finishes. fn runs on pipeline goroutines and must not block.
func WithFrameObserver(fn func(FrameEvent)) Option {
	return func(d *Device) { d.observer = fn }
}

// pipeline is one START..FLUSH run of the worker goroutines.
type pipeline struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Device is one camera. Its methods are safe for concurrent use.
type Device struct {
	cfg      *config.Config
	id       string
	logger   camlog.Logger
	metrics  *metrics.Metrics
	codec    metadata.Codec
	observer func(FrameEvent)

	drv        driver.Driver
	supplier   *buffer.Supplier
	frames     *frame.Table
	factory    *factory.Factory
	requests   *request.Manager
	dual       *dual.Machine
	standby    *dual.Worker
	selector   *selector.Selector[heldRaw]
	dispatcher *result.Dispatcher
	state      *stateMachine

	stageQueues [pipe.Count]*queue.Queue[driver.Completion]
	dqBlocked   [pipe.Count]atomic.Int64
	captureJobs *queue.Queue[captureJob]

	flushing       atomic.Bool
	factoryStarted atomic.Bool

	// Owned by the scheduler goroutine.
	internalFrameCount int

	reqMu    sync.Mutex
	inflight map[uint64]*tracker

	holdMu   sync.Mutex
	pairs    map[uint32]*heldRaw
	borrowed map[frame.Handle][]frame.Handle

	streamsMu sync.RWMutex
	streams   map[int]request.StreamConfig

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	run    *pipeline

	flushMu   sync.Mutex
	closeOnce sync.Once
	warn      rate.Sometimes

	// Metrics
	created   atomic.Uint64
	finished  atomic.Uint64
	discarded atomic.Uint64
}

// New builds a device in state OPEN on top of drv.
func New(cfg *config.Config, drv driver.Driver, opts ...Option) (*Device, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if drv == nil {
		return nil, fmt.Errorf("nil driver")
	}

	d := &Device{
		cfg:      cfg,
		id:       uuid.New().String(),
		drv:      drv,
		frames:   frame.NewTable(),
		inflight: make(map[uint64]*tracker),
		pairs:    make(map[uint32]*heldRaw),
		borrowed: make(map[frame.Handle][]frame.Handle),
		streams:  make(map[int]request.StreamConfig),
		warn:     rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = camlog.L()
	}
	d.logger = d.logger.Named("camera").With(
		camlog.String("session", d.id),
		camlog.Int("camera_id", cfg.Device.CameraID))
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	if d.codec == nil {
		d.codec = metadata.NewCodec()
	}

	alloc, err := buffer.NewAllocator(cfg.Buffer.Allocator)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}
	d.supplier = buffer.NewSupplier(alloc, buffer.SupplierOptions{
		AcquireTimeout: cfg.Buffer.AcquireTimeout,
		PollInterval:   cfg.Buffer.PollInterval,
	})
	d.supplier.SetLogger(d.logger)
	d.supplier.SetMetrics(d.metrics)

	d.factory = factory.New(d.supplier, drv, d.frames, d.logger, d.metrics)
	d.requests = request.NewManager(d.codec)
	d.requests.OnAccept(d.register)

	d.dual = dual.NewMachine(cfg.Dual, d.logger, d.metrics)
	d.standby = dual.NewWorker(d.dual, drv, dual.WorkerOptions{
		PrepareFrameCount: cfg.Device.PrepareFrameCount,
		IsRunning:         func() bool { return d.state.get() == StateRun && !d.flushing.Load() },
		Prepare:           d.prepareTransition,
		Logger:            d.logger,
		Metrics:           d.metrics,
	})
	d.selector = selector.New[heldRaw](cfg.Selector.HoldCount, d.releaseHeld)

	for _, id := range pipe.All() {
		d.stageQueues[id] = queue.New[driver.Completion](id.String(), cfg.Queue.Capacity)
	}
	d.captureJobs = queue.New[captureJob]("capture", cfg.Queue.Capacity)

	d.state = newStateMachine(d.logger, d.metrics)
	drv.Attach(d.onCompletion)
	return d, nil
}

// ID returns the device session id.
func (d *Device) ID() string { return d.id }

// Metrics returns the device's collectors.
func (d *Device) Metrics() *metrics.Metrics { return d.metrics }

// State returns the device state.
func (d *Device) State() State { return d.state.get() }

// Initialize binds the result sink and starts the result dispatcher and
// the watchdog.
func (d *Device) Initialize(sink result.Sink) error {
	if sink == nil {
		return fmt.Errorf("initialize: nil sink")
	}
	if err := d.state.transit(StateInitialize); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	d.dispatcher = result.NewDispatcher(sink, result.Options{
		QueueSize:  d.cfg.Queue.Capacity * 4,
		OnComplete: d.onRequestComplete,
		OnPublish:  func(result.Category) { d.requests.IncResultRenew() },
		Logger:     d.logger,
		Metrics:    d.metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.dispatcher.Run(gctx) })
	if d.cfg.Watchdog.Enabled {
		g.Go(func() error { return d.runWatchdog(gctx) })
	}

	d.mu.Lock()
	d.ctx, d.cancel, d.group = ctx, cancel, g
	d.mu.Unlock()

	d.logger.Info("Device initialized",
		camlog.Bool("dual", d.cfg.Device.DualEnabled),
		camlog.String("allocator", d.cfg.Buffer.Allocator))
	return nil
}

// ConfigureStreams sets the output streams and sizes every stage pool.
// It is allowed after Initialize and again after a flush.
func (d *Device) ConfigureStreams(streams []request.StreamConfig) error {
	switch st := d.state.get(); st {
	case StateError:
		return camerr.ErrDeviceError
	case StateInitialize, StateConfigured:
	default:
		return camerr.New(camerr.KindInvalidState, "configure streams", fmt.Errorf("device is %s", st))
	}
	if len(streams) == 0 {
		return fmt.Errorf("configure streams: no streams")
	}

	byID := make(map[int]request.StreamConfig, len(streams))
	width, height := 0, 0
	for _, s := range streams {
		if _, err := request.ParseStreamKind(string(s.Kind)); err != nil {
			return fmt.Errorf("configure stream %d: %w", s.ID, err)
		}
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("configure stream %d: invalid size %dx%d", s.ID, s.Width, s.Height)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("configure stream %d: duplicate id", s.ID)
		}
		byID[s.ID] = s
		width, height = max(width, s.Width), max(height, s.Height)
	}

	counts := config.DefaultBufferCounts()
	for name, n := range d.cfg.Buffer.Counts {
		counts[name] = n
	}
	for _, id := range pipe.All() {
		n := counts[id.String()]
		if err := d.supplier.Configure(id, n, d.cfg.Buffer.BufferSize); err != nil {
			return fmt.Errorf("configure %s pool: %w", id, err)
		}
		if err := d.drv.Configure(id, driver.Format{Width: width, Height: height, BufferCount: n}); err != nil {
			return fmt.Errorf("configure %s: %w", id, err)
		}
	}

	d.streamsMu.Lock()
	d.streams = byID
	d.streamsMu.Unlock()

	if err := d.state.transit(StateConfigured); err != nil {
		return fmt.Errorf("configure streams: %w", err)
	}
	d.logger.Info("Streams configured",
		camlog.Int("streams", len(byID)),
		camlog.Int("width", width),
		camlog.Int("height", height))
	return nil
}

// SubmitRequest queues r. The first request after configuration starts the
// pipeline; the device moves START -> RUN in the background.
func (d *Device) SubmitRequest(r *request.Request) error {
	if r == nil {
		return fmt.Errorf("submit: nil request")
	}
	st := d.state.get()
	switch st {
	case StateError:
		return camerr.ErrDeviceError
	case StateConfigured, StateStart, StateRun:
	default:
		return camerr.New(camerr.KindInvalidState, "submit", fmt.Errorf("device is %s", st)).WithKey(r.Key)
	}
	if d.flushing.Load() {
		return camerr.New(camerr.KindInvalidState, "submit", fmt.Errorf("flush in progress")).WithKey(r.Key)
	}
	if err := d.checkStreams(r); err != nil {
		return err
	}
	if err := d.requests.Submit(r); err != nil {
		return err
	}

	if d.state.transitIf(StateConfigured, StateStart) {
		go d.startPipeline()
	}
	return nil
}

func (d *Device) checkStreams(r *request.Request) error {
	d.streamsMu.RLock()
	defer d.streamsMu.RUnlock()
	for _, s := range r.Streams {
		cfg, ok := d.streams[s.ID]
		if !ok {
			return fmt.Errorf("submit request %d: stream %d not configured", r.Key, s.ID)
		}
		if cfg.Kind != s.Kind {
			return fmt.Errorf("submit request %d: stream %d is %s, not %s", r.Key, s.ID, cfg.Kind, s.Kind)
		}
	}
	return nil
}

// register runs under the request manager's lock for each accepted
// request, so the dispatcher sees keys in submit order.
func (d *Device) register(r *request.Request) {
	refs := make([]result.StreamRef, len(r.Streams))
	for i, s := range r.Streams {
		refs[i] = result.StreamRef{ID: s.ID, Handle: s.Handle}
	}
	d.dispatcher.Register(r.Key, refs)
}

func (d *Device) onRequestComplete(key uint64, failed bool) {
	status := request.StatusComplete
	if failed {
		status = request.StatusError
	}
	d.requests.Complete(key, status)
	d.metrics.Requests.WithLabelValues(string(status)).Inc()

	d.reqMu.Lock()
	if t, ok := d.inflight[key]; ok && t.frames <= 0 {
		delete(d.inflight, key)
	}
	d.reqMu.Unlock()
}

// startPipeline brings the driver up and launches the worker goroutines.
func (d *Device) startPipeline() {
	d.mu.Lock()
	base := d.ctx
	d.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	start := time.Now()
	if err := d.drv.Start(ctx); err != nil {
		cancel()
		d.fail(camerr.New(camerr.KindDeviceFault, "start", err))
		return
	}

	d.internalFrameCount = 1
	d.factoryStarted.Store(false)
	for i := range d.dqBlocked {
		d.dqBlocked[i].Store(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range pipe.All() {
		g.Go(func() error { return d.runStage(gctx, id) })
	}
	g.Go(func() error { return d.runScheduler(gctx) })
	g.Go(func() error { return d.runCapture(gctx) })
	g.Go(func() error { return d.standby.Run(gctx) })

	d.mu.Lock()
	d.run = &pipeline{cancel: cancel, group: g}
	d.mu.Unlock()

	if err := d.state.transit(StateRun); err != nil {
		d.logger.Warn("Pipeline started but device cannot run", camlog.Error(err))
		d.stopPipeline()
		return
	}
	d.logger.Info("Pipeline running", camlog.Duration("startup", time.Since(start)))
}

// stopPipeline cancels the worker goroutines, waits for them and stops the
// driver. Jobs outstanding in the driver complete into the stage queues.
func (d *Device) stopPipeline() {
	d.mu.Lock()
	run := d.run
	d.run = nil
	d.mu.Unlock()

	if run != nil {
		run.cancel()
		if err := run.group.Wait(); err != nil {
			d.logger.Warn("Pipeline goroutine failed", camlog.Error(err))
		}
	}
	if err := d.drv.Stop(); err != nil {
		d.logger.Warn("Failed to stop driver", camlog.Error(err))
	}
}

// fail moves the device to sticky ERROR, notifies the caller once and
// retires every outstanding request.
func (d *Device) fail(err error) {
	if !d.state.toError() {
		return
	}
	d.logger.Error("Device error",
		camlog.Stringer("kind", camerr.KindOf(err)),
		camlog.Error(err))
	if d.dispatcher != nil {
		d.dispatcher.Push(result.Error(result.ErrorDevice, 0, result.NoStream))
	}
	d.stopPipeline()
	d.requests.FlushAll()
}

// Close stops everything and frees the buffers. The device cannot be used
// afterwards.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.requests.Close()
		d.flushing.Store(true)
		d.stopPipeline()
		d.drainStages()
		d.drainCaptureJobs()
		d.selector.ReleaseAll()
		d.clearPairs()
		d.sweepFrames()

		d.mu.Lock()
		cancel, g := d.cancel, d.group
		d.mu.Unlock()
		if cancel != nil {
			cancel()
			err = g.Wait()
		}
		if cerr := d.supplier.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.logger.Info("Device closed", camlog.Any("stats", d.Stats()))
	})
	return err
}

// Stats returns counters from every component.
func (d *Device) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"state":     d.state.get().String(),
		"frames":    d.frames.Len(),
		"created":   d.created.Load(),
		"finished":  d.finished.Load(),
		"discarded": d.discarded.Load(),
		"requests":  d.requests.Stats(),
		"factory":   d.factory.Stats(),
		"buffers":   d.supplier.Metrics(),
		"selector":  d.selector.Stats(),
		"standby":   d.standby.Stats(),
	}
	if d.cfg.Device.DualEnabled {
		out["dual"] = d.dual.Stats()
	}
	if d.dispatcher != nil {
		out["results"] = d.dispatcher.Stats()
	}
	return out
}
