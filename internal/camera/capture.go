package camera

import (
	"context"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/dual"
	"github.com/mikeyg42/camhal/internal/factory"
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/pipe"
	"github.com/mikeyg42/camhal/internal/request"
)

// captureJob is a capture request waiting for its raw frame.
type captureJob struct {
	req   *request.Request
	count uint32
	zoom  float64
}

// heldRaw is a sensor output kept for reprocessing. In SYNC both sides are
// set for the same frame count.
type heldRaw struct {
	master    *frame.Frame
	masterBuf buffer.Handle
	slave     *frame.Frame
	slaveBuf  buffer.Handle
}

func (h heldRaw) complete() bool {
	return h.master != nil && h.slave != nil
}

// ====================================================================
// Held raw frames
// ====================================================================

// holdRaw pins fr's sensor output and offers it to the capture selector.
// Dual preview halves are paired by frame count first.
func (d *Device) holdRaw(fr *frame.Frame, stage pipe.ID) {
	switch fr.Type() {
	case frame.Transition, frame.TransitionSlave:
		return
	}
	fr.Hold(stage)
	buf, ok := fr.HeldBuffer()
	if !ok {
		d.unhold(fr)
		return
	}

	slave := stage == pipe.FliteSlave
	switch fr.Type() {
	case frame.PreviewDualMaster, frame.PreviewDualSlave:
	default:
		h := heldRaw{}
		if slave {
			h.slave, h.slaveBuf = fr, buf
		} else {
			h.master, h.masterBuf = fr, buf
		}
		d.selector.Push(fr.Count(), h)
		return
	}

	count := fr.Count()
	d.holdMu.Lock()
	p := d.pairs[count]
	if p == nil {
		p = &heldRaw{}
		d.pairs[count] = p
	}
	if slave {
		p.slave, p.slaveBuf = fr, buf
	} else {
		p.master, p.masterBuf = fr, buf
	}
	done := p.complete()
	if done {
		delete(d.pairs, count)
	}
	d.holdMu.Unlock()

	if done {
		d.selector.Push(count, *p)
	}
}

// abandonPair drops a pair whose other half will never be held because fr
// finished without its sensor output.
func (d *Device) abandonPair(fr *frame.Frame) {
	if fr.Held() {
		return
	}
	count := fr.Count()
	d.holdMu.Lock()
	p := d.pairs[count]
	delete(d.pairs, count)
	d.holdMu.Unlock()
	if p != nil {
		d.releaseHeld(*p)
	}
}

// releaseHeld is the selector's release func: it drops the hold on both
// halves.
func (d *Device) releaseHeld(h heldRaw) {
	if h.master != nil {
		d.unhold(h.master)
	}
	if h.slave != nil {
		d.unhold(h.slave)
	}
}

func (d *Device) unhold(fr *frame.Frame) {
	if fr.Unhold() == 0 {
		d.recycle(fr)
	}
}

// clearPairs releases every half-built pair.
func (d *Device) clearPairs() {
	d.holdMu.Lock()
	pairs := d.pairs
	d.pairs = make(map[uint32]*heldRaw)
	d.holdMu.Unlock()
	for _, p := range pairs {
		d.releaseHeld(*p)
	}
}

// borrow records that fr reads the held outputs of owners.
func (d *Device) borrow(fr *frame.Frame, owners ...*frame.Frame) {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()
	for _, o := range owners {
		d.borrowed[fr.Handle()] = append(d.borrowed[fr.Handle()], o.Handle())
	}
}

func (d *Device) releaseBorrowed(fr *frame.Frame) {
	d.holdMu.Lock()
	owners := d.borrowed[fr.Handle()]
	delete(d.borrowed, fr.Handle())
	d.holdMu.Unlock()
	for _, h := range owners {
		if o, ok := d.frames.Get(h); ok {
			d.unhold(o)
		}
	}
}

// ====================================================================
// Capture worker
// ====================================================================

// runCapture builds reprocessing frames for capture requests, in request
// order, from the raw frames the selector holds.
func (d *Device) runCapture(ctx context.Context) error {
	for {
		job, ok := d.captureJobs.WaitPop(ctx, d.cfg.Queue.CaptureTimeout)
		if ctx.Err() != nil {
			if ok {
				d.dual.EndCapture()
			}
			return nil
		}
		if !ok {
			continue
		}
		if d.flushing.Load() {
			d.dual.EndCapture()
			continue
		}
		d.capture(ctx, job)
	}
}

func (d *Device) capture(ctx context.Context, job captureJob) {
	mode := dual.ModeMaster
	if d.cfg.Device.DualEnabled {
		mode = d.dual.Check(job.zoom, true, true, d.factoryStarted.Load()).Mode
	}

	held, err := d.selector.Select(ctx, job.count, d.cfg.Selector.Retries, d.cfg.Selector.RetryInterval)
	if err != nil {
		d.abortCapture(job, err)
		return
	}

	typ := frame.Reprocessing
	if job.req.Has(request.StreamJpeg) {
		typ = frame.JpegReprocessing
	}

	if mode == dual.ModeSync && held.complete() {
		d.captureSync(ctx, job, held)
		return
	}

	owner, src := held.master, held.masterBuf
	if owner == nil || (mode == dual.ModeSlave && held.slave != nil) {
		owner, src = held.slave, held.slaveBuf
	}
	if owner == held.master && held.slave != nil {
		d.unhold(held.slave)
	} else if owner == held.slave && held.master != nil {
		d.unhold(held.master)
	}

	fr, err := d.create(ctx, job.count, typ, job.req)
	if err != nil {
		d.unhold(owner)
		d.abortCapture(job, err)
		return
	}
	d.borrow(fr, owner)
	if err := fr.BindSrc(pipe.Reprocessing3AA, src, true); err != nil {
		fr.FailAll(err)
	}
	d.logger.Debug("Capture scheduled",
		camlog.Uint64("request", job.req.Key),
		camlog.Stringer("frame", fr),
		camlog.Uint32("raw", owner.Count()),
		camlog.Stringer("mode", mode))
	d.startFrame(fr)
}

// captureSync reprocesses both sensor outputs: the slave sub-frame feeds
// the fusion stage of the master frame.
func (d *Device) captureSync(ctx context.Context, job captureJob, held heldRaw) {
	slave, err := d.create(ctx, job.count, frame.ReprocessingDualSlave, nil)
	if err != nil {
		d.releaseHeld(held)
		d.abortCapture(job, err)
		return
	}
	d.borrow(slave, held.slave)
	if err := slave.BindSrc(pipe.Reprocessing3AASlave, held.slaveBuf, true); err != nil {
		slave.FailAll(err)
	}

	master, err := d.create(ctx, job.count, frame.ReprocessingDualMaster, job.req)
	if err != nil {
		d.discard(slave, err)
		d.unhold(held.master)
		d.abortCapture(job, err)
		return
	}
	d.borrow(master, held.master)
	if err := master.BindSrc(pipe.Reprocessing3AA, held.masterBuf, true); err != nil {
		master.FailAll(err)
	}

	d.startFrame(slave)
	d.startFrame(master)
}

// abortCapture settles a capture that never got a reprocessing frame: every
// stream the frame would have produced fails.
func (d *Device) abortCapture(job captureJob, cause error) {
	d.dual.EndCapture()
	if d.flushing.Load() {
		return
	}

	typ := frame.Reprocessing
	if job.req.Has(request.StreamJpeg) {
		typ = frame.JpegReprocessing
	}
	stages, err := factory.Stages(typ, factory.StreamsOf(job.req))
	if err != nil {
		stages = nil
	}
	d.logger.Warn("Capture aborted",
		camlog.Uint64("request", job.req.Key),
		camlog.Uint32("count", job.count),
		camlog.Error(cause))

	d.reqMu.Lock()
	t := d.inflight[job.req.Key]
	if t == nil {
		d.reqMu.Unlock()
		return
	}
	out := d.settleLocked(t, nil, typ, stages)
	d.reqMu.Unlock()
	d.push(out)
}

// drainCaptureJobs drops queued captures during a flush.
func (d *Device) drainCaptureJobs() int {
	jobs := d.captureJobs.Drain()
	for range jobs {
		d.dual.EndCapture()
	}
	return len(jobs)
}
