package dual

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/metrics"
)

var errStillStreaming = errors.New("sensor still streaming")

// WorkerOptions wire the worker to the device.
type WorkerOptions struct {
	PrepareFrameCount int
	// IsRunning reports whether the device is in RUN.
	IsRunning func() bool
	// Prepare creates one transition frame for a sensor that is about to
	// leave standby.
	Prepare     func(ctx context.Context, s driver.Sensor) error
	PollTimeout time.Duration
	Logger      camlog.Logger
	Metrics     *metrics.Metrics
}

// Worker drains the standby queue. A trigger is applied only after the
// previous one was acknowledged by the driver.
type Worker struct {
	machine *Machine
	drv     driver.Driver
	opts    WorkerOptions
	logger  camlog.Logger

	// Metrics
	applied atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWorker creates a worker for m's trigger queue.
func NewWorker(m *Machine, drv driver.Driver, opts WorkerOptions) *Worker {
	if opts.IsRunning == nil {
		opts.IsRunning = func() bool { return true }
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = camlog.L()
	}
	return &Worker{
		machine: m,
		drv:     drv,
		opts:    opts,
		logger:  opts.Logger.Named("dual-standby"),
	}
}

// Run applies triggers until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	q := w.machine.Triggers()
	for {
		t, ok := q.WaitPop(ctx, w.opts.PollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			continue
		}
		if err := w.Apply(ctx, t); err != nil && ctx.Err() == nil {
			w.logger.Warn("Standby trigger failed",
				camlog.Stringer("trigger", t),
				camlog.Error(err))
		}
	}
}

// Apply executes one trigger synchronously.
func (w *Worker) Apply(ctx context.Context, t Trigger) error {
	if !w.opts.IsRunning() {
		w.machine.Revert(t)
		w.dropped.Add(1)
		w.observe(t, "dropped")
		return camerr.New(camerr.KindInvalidState, "standby", fmt.Errorf("device not running, %s dropped", t))
	}

	s := t.Sensor()
	standby := t.Standby()

	if !standby {
		if err := w.waitStandbyFinished(ctx, s); err != nil {
			if ctx.Err() != nil {
				w.machine.Revert(t)
				return err
			}
			w.logger.Warn("Sensor did not reach standby before wake",
				camlog.Stringer("sensor", s),
				camlog.Error(err))
		}
		for i := 0; i < w.opts.PrepareFrameCount && w.opts.Prepare != nil; i++ {
			if err := w.opts.Prepare(ctx, s); err != nil {
				w.logger.Warn("Failed to create transition frame",
					camlog.Stringer("sensor", s),
					camlog.Int("index", i),
					camlog.Int("prepare_count", w.opts.PrepareFrameCount),
					camlog.Error(err))
			}
		}
	}

	if err := w.drv.SensorStandby(s, standby); err != nil {
		w.machine.Revert(t)
		w.failed.Add(1)
		w.observe(t, "failed")
		return fmt.Errorf("sensor standby %s: %w", t, err)
	}
	w.machine.Ack(t)
	w.applied.Add(1)
	w.observe(t, "applied")

	snap := w.machine.Snapshot()
	w.logger.Info("Standby trigger applied",
		camlog.Stringer("trigger", t),
		camlog.Stringer("master", snap.Master),
		camlog.Stringer("slave", snap.Slave),
		camlog.Int("queued", w.machine.Triggers().Len()))
	return nil
}

// waitStandbyFinished polls until a previous standby-on really stopped the
// sensor.
func (w *Worker) waitStandbyFinished(ctx context.Context, s driver.Sensor) error {
	retries := w.machine.cfg.StandbyWaitRetries
	interval := w.machine.cfg.StandbyWaitInterval
	if retries <= 0 || interval <= 0 {
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries)),
		ctx,
	)
	return backoff.Retry(func() error {
		if w.drv.SensorStreaming(s) {
			return errStillStreaming
		}
		return nil
	}, b)
}

func (w *Worker) observe(t Trigger, status string) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.StandbyTriggers.WithLabelValues(t.String(), status).Inc()
	}
}

// Stats returns worker counters.
func (w *Worker) Stats() map[string]interface{} {
	return map[string]interface{}{
		"applied": w.applied.Load(),
		"dropped": w.dropped.Load(),
		"failed":  w.failed.Load(),
	}
}
