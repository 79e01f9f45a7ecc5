package camera

import (
	"context"
	"fmt"

	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/dual"
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/request"
	"github.com/mikeyg42/camhal/internal/result"
)

// runScheduler turns pending requests into frames. While the sensor
// control delay is being filled, or when no request is ready, it creates
// internal frames so the sensor keeps streaming.
func (d *Device) runScheduler(ctx context.Context) error {
	for ctx.Err() == nil {
		if d.flushing.Load() {
			d.requests.WaitPending(ctx, d.cfg.Queue.RequestTimeout)
			continue
		}

		delay, batch := d.controls()
		if delay > 0 && d.internalFrameCount < delay+2 {
			d.internalFrameCount++
			d.createInternal(ctx)
			continue
		}
		d.factoryStarted.Store(true)

		if !d.requests.WaitPending(ctx, d.cfg.Queue.RequestTimeout) {
			if ctx.Err() == nil && !d.flushing.Load() {
				d.createInternal(ctx)
			}
			continue
		}
		if d.requests.PendingLen() < batch {
			d.createInternal(ctx)
			continue
		}
		for _, r := range d.requests.Pop(batch) {
			d.schedule(ctx, r)
		}
	}
	return nil
}

// controls returns the sensor control delay and batch size for the head
// request, falling back to the configured defaults.
func (d *Device) controls() (delay, batch int) {
	delay, batch = d.cfg.Device.SensorControlDelay, d.cfg.Device.BatchSize
	if r, ok := d.requests.Peek(); ok {
		s := r.DecodedSettings()
		delay, batch = s.DelayOr(delay), s.BatchOr(batch)
	}
	return delay, max(batch, 1)
}

func (d *Device) createInternal(ctx context.Context) {
	typ := frame.Internal
	if d.cfg.Device.DualEnabled && d.dual.Mode() == dual.ModeSlave {
		typ = frame.InternalSlave
	}
	fr, err := d.create(ctx, d.frames.NextCount(), typ, nil)
	if err != nil {
		d.logger.Warn("Failed to create internal frame", camlog.Error(err))
		return
	}
	d.startFrame(fr)
}

// schedule builds the preview-side frames for r and, for a capture, queues
// the reprocessing job.
func (d *Device) schedule(ctx context.Context, r *request.Request) {
	zoom := r.DecodedSettings().Zoom()
	mode := dual.ModeMaster
	if d.cfg.Device.DualEnabled {
		mode = d.dual.Check(zoom, true, false, d.factoryStarted.Load()).Mode
	}

	count := d.frames.NextCount()
	d.track(r, count, mode)

	var (
		frames []*frame.Frame
		ok     = true
	)
	add := func(fr *frame.Frame, created bool) {
		if created {
			frames = append(frames, fr)
		}
		ok = ok && created
	}
	switch mode {
	case dual.ModeSync:
		slave, err := d.create(ctx, count, frame.PreviewDualSlave, nil)
		if err != nil {
			d.logger.Warn("Failed to create slave sub-frame",
				camlog.Uint32("count", count),
				camlog.Error(err))
		} else {
			frames = append(frames, slave)
		}
		add(d.createFor(ctx, r, count, frame.PreviewDualMaster))
	case dual.ModeSlave:
		add(d.createFor(ctx, r, count, frame.PreviewSlave))
	default:
		typ := frame.Preview
		if visionOnly(r) {
			typ = frame.Vision
		}
		add(d.createFor(ctx, r, count, typ))
	}
	for _, fr := range frames {
		d.startFrame(fr)
	}

	if !ok || !r.IsCapture() {
		return
	}
	d.dual.BeginCapture()
	job := captureJob{req: r, count: count, zoom: zoom}
	if err := d.captureJobs.Push(job); err != nil {
		d.abortCapture(job, fmt.Errorf("queue capture: %w", err))
	}
}

// createFor builds the request's frame. A request whose frame cannot be
// built fails as a whole.
func (d *Device) createFor(ctx context.Context, r *request.Request, count uint32, typ frame.Type) (*frame.Frame, bool) {
	fr, err := d.create(ctx, count, typ, r)
	if err == nil {
		return fr, true
	}
	d.logger.Error("Failed to create request frame",
		camlog.Uint64("request", r.Key),
		camlog.Stringer("type", typ),
		camlog.Error(err))

	d.reqMu.Lock()
	t := d.inflight[r.Key]
	if t != nil && !t.reqErr {
		t.reqErr = true
		delete(d.inflight, r.Key)
	}
	d.reqMu.Unlock()
	if t != nil {
		d.push([]result.Result{result.Error(result.ErrorRequest, r.Key, result.NoStream)})
	}
	return nil, false
}

func (d *Device) create(ctx context.Context, count uint32, typ frame.Type, r *request.Request) (*frame.Frame, error) {
	return d.factory.CreateFrame(ctx, count, typ, r)
}

func visionOnly(r *request.Request) bool {
	if len(r.Streams) == 0 {
		return false
	}
	for _, s := range r.Streams {
		if s.Kind != request.StreamVision {
			return false
		}
	}
	return true
}

// prepareTransition creates one frame on a sensor that is about to leave
// standby.
func (d *Device) prepareTransition(ctx context.Context, s driver.Sensor) error {
	typ := frame.Transition
	if s == driver.Slave {
		typ = frame.TransitionSlave
	}
	fr, err := d.create(ctx, d.frames.NextCount(), typ, nil)
	if err != nil {
		return err
	}
	d.startFrame(fr)
	return nil
}
