package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/pipe"
)

// ErrStopped completes jobs still outstanding when the simulator stops.
var ErrStopped = errors.New("driver stopped")

// ErrInjected completes jobs failed by FailNext.
var ErrInjected = errors.New("injected stage fault")

// StandbyCall is one applied SensorStandby call.
type StandbyCall struct {
	Sensor  Sensor
	Standby bool
}

func (c StandbyCall) String() string {
	if c.Standby {
		return c.Sensor.String() + "-on"
	}
	return c.Sensor.String() + "-off"
}

// SimulatorOptions configure the simulator.
type SimulatorOptions struct {
	Latency time.Duration
	// StandbyDelay is how long a sensor keeps streaming after it was put
	// in standby.
	StandbyDelay time.Duration
	// StartDelay is how long Start takes to bring the stages up.
	StartDelay time.Duration
	QueueDepth int
	Logger     camlog.Logger
}

type stageWorker struct {
	jobs    chan Job
	stalled atomic.Bool
	unstall chan struct{}
	failN   atomic.Int32
}

// Simulator is an in-process Driver. Each stage runs on its own goroutine
// and completes jobs after a fixed latency.
type Simulator struct {
	opts   SimulatorOptions
	logger camlog.Logger

	mu      sync.Mutex
	sink    CompletionSink
	formats map[pipe.ID]Format
	standby map[Sensor]time.Time // sensor -> time standby takes effect
	log     []StandbyCall

	stages [pipe.Count]*stageWorker

	running atomic.Bool
	dtp     atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Metrics
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewSimulator creates a stopped simulator with every sensor streaming.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.Logger == nil {
		opts.Logger = camlog.L()
	}
	s := &Simulator{
		opts:    opts,
		logger:  opts.Logger.Named("driver-sim"),
		formats: make(map[pipe.ID]Format),
		standby: make(map[Sensor]time.Time),
	}
	for i := range s.stages {
		s.stages[i] = &stageWorker{
			jobs:    make(chan Job, opts.QueueDepth),
			unstall: make(chan struct{}),
		}
	}
	return s
}

func (s *Simulator) Attach(sink CompletionSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Simulator) Configure(stage pipe.ID, f Format) error {
	if !stage.Valid() {
		return fmt.Errorf("configure: invalid stage %d", int(stage))
	}
	if s.running.Load() {
		return fmt.Errorf("configure %s: %w", stage, camerr.New(camerr.KindInvalidState, "configure", errors.New("driver is streaming")))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formats[stage] = f
	return nil
}

// Start launches one goroutine per stage.
func (s *Simulator) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("simulator already started")
	}
	if s.opts.StartDelay > 0 {
		t := time.NewTimer(s.opts.StartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.running.Store(false)
			return fmt.Errorf("simulator start: %w", ctx.Err())
		case <-t.C:
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for i := range s.stages {
		s.wg.Add(1)
		go s.run(ctx, pipe.ID(i), s.stages[i])
	}
	s.logger.Info("Simulator started", camlog.Duration("latency", s.opts.Latency))
	return nil
}

// Stop halts the stage goroutines and completes every outstanding job with
// ErrStopped.
func (s *Simulator) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	for _, w := range s.stages {
		s.drain(w)
	}
	s.logger.Info("Simulator stopped")
	return nil
}

func (s *Simulator) drain(w *stageWorker) {
	for {
		select {
		case job := <-w.jobs:
			s.complete(job, ErrStopped)
		default:
			return
		}
	}
}

func (s *Simulator) Enqueue(stage pipe.ID, job Job) error {
	if !stage.Valid() {
		return fmt.Errorf("enqueue: invalid stage %d", int(stage))
	}
	job.Stage = stage
	select {
	case s.stages[stage].jobs <- job:
		s.enqueued.Add(1)
		return nil
	default:
		return fmt.Errorf("enqueue %s: queue full", stage)
	}
}

func (s *Simulator) run(ctx context.Context, stage pipe.ID, w *stageWorker) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			if !s.process(ctx, w, job) {
				s.complete(job, ErrStopped)
				return
			}
		}
	}
}

// process runs one job and reports false if ctx ended before it finished.
func (s *Simulator) process(ctx context.Context, w *stageWorker, job Job) bool {
	if s.opts.Latency > 0 {
		t := time.NewTimer(s.opts.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	for w.stalled.Load() {
		s.mu.Lock()
		ch := w.unstall
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}

	var err error
	if n := w.failN.Load(); n > 0 && w.failN.CompareAndSwap(n, n-1) {
		err = ErrInjected
	}
	s.complete(job, err)
	return true
}

func (s *Simulator) complete(job Job, err error) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if err != nil {
		s.failed.Add(1)
	} else {
		s.completed.Add(1)
	}
	if sink != nil {
		sink(Completion{Job: job, Timestamp: time.Now(), Err: err})
	}
}

// SensorStandby records the call. Entering standby takes effect after
// StandbyDelay; leaving it is immediate.
func (s *Simulator) SensorStandby(sensor Sensor, standby bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if standby {
		s.standby[sensor] = time.Now().Add(s.opts.StandbyDelay)
	} else {
		delete(s.standby, sensor)
	}
	s.log = append(s.log, StandbyCall{Sensor: sensor, Standby: standby})
	s.logger.Debug("Sensor standby",
		camlog.Stringer("sensor", sensor),
		camlog.Bool("standby", standby))
	return nil
}

func (s *Simulator) SensorStreaming(sensor Sensor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.standby[sensor]
	return !ok || time.Now().Before(at)
}

func (s *Simulator) Health() Health {
	return Health{DTPFault: s.dtp.Load()}
}

// ====================================================================
// Fault injection and inspection
// ====================================================================

// FailNext fails the next n jobs on stage.
func (s *Simulator) FailNext(stage pipe.ID, n int) {
	s.stages[stage].failN.Store(int32(n))
}

// Stall holds jobs on stage until Stall(stage, false).
func (s *Simulator) Stall(stage pipe.ID, stalled bool) {
	w := s.stages[stage]
	if stalled {
		s.mu.Lock()
		if !w.stalled.Load() {
			w.unstall = make(chan struct{})
		}
		s.mu.Unlock()
		w.stalled.Store(true)
		return
	}
	if w.stalled.CompareAndSwap(true, false) {
		s.mu.Lock()
		close(w.unstall)
		s.mu.Unlock()
	}
}

// SetDTPFault raises or clears the data-transfer-path fault.
func (s *Simulator) SetDTPFault(fault bool) {
	s.dtp.Store(fault)
}

// StandbyLog returns every applied standby call in order.
func (s *Simulator) StandbyLog() []StandbyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StandbyCall(nil), s.log...)
}

// Format returns the configured format for stage.
func (s *Simulator) Format(stage pipe.ID) (Format, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.formats[stage]
	return f, ok
}

// Pending returns the jobs queued on stage and not yet started.
func (s *Simulator) Pending(stage pipe.ID) int {
	return len(s.stages[stage].jobs)
}

// Stats returns simulator counters.
func (s *Simulator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running":   s.running.Load(),
		"enqueued":  s.enqueued.Load(),
		"completed": s.completed.Load(),
		"failed":    s.failed.Load(),
		"dtp_fault": s.dtp.Load(),
	}
}
