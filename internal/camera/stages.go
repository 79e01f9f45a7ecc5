package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/pipe"
)

var errFlushed = errors.New("flushed")

// ====================================================================
// Stage consumers
// ====================================================================

// onCompletion is the driver's completion sink. It runs on driver
// goroutines and only hands the completion to the stage's queue.
func (d *Device) onCompletion(c driver.Completion) {
	stage := c.Job.Stage
	if !stage.Valid() {
		d.logger.Warn("Completion for unknown stage", camlog.Int("stage", int(stage)))
		return
	}
	if err := d.stageQueues[stage].Push(c); err != nil {
		d.logger.Warn("Stage queue rejected completion, handling inline",
			camlog.Stringer("stage", stage),
			camlog.Error(err))
		d.handleCompletion(c)
	}
}

// runStage consumes one stage's completion queue until ctx is done. A
// wait timeout is normal; consecutive timeouts with jobs outstanding are
// counted for the watchdog.
func (d *Device) runStage(ctx context.Context, stage pipe.ID) error {
	q := d.stageQueues[stage]
	timeout := d.cfg.Queue.PreviewTimeout
	if stage.IsReprocessing() {
		timeout = d.cfg.Queue.CaptureTimeout
	}

	for {
		c, ok := q.WaitPop(ctx, timeout)
		if ok {
			d.dqBlocked[stage].Store(0)
			d.handleCompletion(c)
			d.metrics.StageQueueDepth.WithLabelValues(stage.String()).Set(float64(q.Len()))
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if d.factory.InFlight(stage) > 0 && !d.flushing.Load() {
			n := d.dqBlocked[stage].Add(1)
			d.metrics.StageWaitTimeouts.WithLabelValues(stage.String()).Inc()
			d.logger.Debug("Stage wait timed out",
				camlog.Stringer("stage", stage),
				camlog.Int64("blocked", n),
				camlog.Int("in_flight", d.factory.InFlight(stage)))
		}
	}
}

// handleCompletion validates the entity the job ran for, records the
// outcome, publishes what the stage produced and moves the frame on.
func (d *Device) handleCompletion(c driver.Completion) {
	stage := c.Job.Stage
	d.factory.Completed(stage)

	fr, ok := d.frames.Get(frame.Handle(c.Job.Frame))
	if !ok {
		d.logger.Warn("Completion for unknown frame",
			camlog.Stringer("stage", stage),
			camlog.Uint32("count", c.Job.Count))
		return
	}
	if d.flushing.Load() {
		d.discard(fr, errFlushed)
		return
	}

	e, ok := fr.Entity(stage)
	if !ok || e.State.Terminal() {
		d.logger.Warn("Unexpected completion",
			camlog.Stringer("frame", fr),
			camlog.Stringer("stage", stage),
			camlog.Bool("has_entity", ok),
			camlog.Stringer("state", e.State))
		return
	}

	switch {
	case e.State != frame.Processing || !dstBound(e.Dst):
		err := camerr.New(camerr.KindInvalidFrameState, "dequeue",
			fmt.Errorf("entity is %s with %d outputs", e.State, len(e.Dst))).WithStage(stage)
		d.logger.Error("Invalid entity state on dequeue",
			camlog.Stringer("frame", fr),
			camlog.Error(err))
		fr.Fail(stage, err)
		d.entityError(stage, err)

	case c.Err != nil:
		failed := fr.FailFrom(stage, c.Err)
		d.logger.Warn("Stage reported failure",
			camlog.Stringer("frame", fr),
			camlog.Stringer("stage", stage),
			camlog.Any("failed", failed),
			camlog.Error(c.Err))
		d.entityError(stage, c.Err)

	default:
		if err := fr.SetState(stage, frame.Complete); err != nil {
			fr.Fail(stage, err)
			d.entityError(stage, err)
			break
		}
		d.metrics.StageCompletions.WithLabelValues(stage.String(), "ok").Inc()
		d.publishStage(fr, stage, c.Timestamp)
	}

	if !d.factory.Advance(fr, stage) {
		d.finish(fr)
	}
}

func dstBound(dst []buffer.Handle) bool {
	if len(dst) == 0 {
		return false
	}
	for _, h := range dst {
		if h == buffer.Nil {
			return false
		}
	}
	return true
}

func (d *Device) entityError(stage pipe.ID, err error) {
	d.metrics.StageCompletions.WithLabelValues(stage.String(), "error").Inc()
	d.metrics.EntityErrors.WithLabelValues(stage.String(), camerr.KindOf(err).String()).Inc()
}

// ====================================================================
// Frame lifecycle
// ====================================================================

// startFrame records the new frame and pushes it into its first stage.
func (d *Device) startFrame(fr *frame.Frame) {
	d.created.Add(1)
	d.observe(FrameCreated, fr)
	if !d.factory.PushFrame(fr) {
		d.finish(fr)
	}
}

// finish is the end of a frame that ran to its last stage: its request
// gets what it is still owed, then the buffers go back to the supplier.
func (d *Device) finish(fr *frame.Frame) {
	if !fr.Finish() {
		d.recycle(fr)
		return
	}
	d.finished.Add(1)
	if key, ok := fr.Request(); ok {
		d.finishRequestFrame(fr, key)
	}
	d.observe(FrameFinished, fr)
	d.cleanup(fr)
}

// discard drops a frame without producing results.
func (d *Device) discard(fr *frame.Frame, cause error) {
	fr.FailAll(cause)
	if !fr.Finish() {
		d.recycle(fr)
		return
	}
	d.discarded.Add(1)
	d.observe(FrameDiscarded, fr)
	d.cleanup(fr)
}

func (d *Device) cleanup(fr *frame.Frame) {
	switch fr.Type() {
	case frame.PreviewDualMaster, frame.PreviewDualSlave:
		d.abandonPair(fr)
	case frame.Reprocessing, frame.JpegReprocessing, frame.ReprocessingDualMaster:
		if fr.HasRequest() {
			d.dual.EndCapture()
		}
	}
	d.releaseBorrowed(fr)
	d.recycle(fr)
}

// recycle returns a done frame's buffers and drops it from the table once
// nothing references it.
func (d *Device) recycle(fr *frame.Frame) {
	if !fr.Done() {
		return
	}
	if err := fr.ReleaseBuffers(d.supplier.Release); err != nil {
		d.logger.Error("Failed to release frame buffers",
			camlog.Stringer("frame", fr),
			camlog.Error(err))
	}
	if fr.Destroyable() && d.frames.Remove(fr.Handle()) {
		d.metrics.FramesDestroyed.Inc()
		d.metrics.FramesLive.Set(float64(d.frames.Len()))
	}
}

// drainStages discards every completion left in the stage queues.
func (d *Device) drainStages() {
	for _, id := range pipe.All() {
		for _, c := range d.stageQueues[id].Drain() {
			d.factory.Completed(id)
			if fr, ok := d.frames.Get(frame.Handle(c.Job.Frame)); ok {
				d.discard(fr, errFlushed)
			}
		}
		d.dqBlocked[id].Store(0)
	}
}

// sweepFrames discards every frame still in the table.
func (d *Device) sweepFrames() {
	for _, fr := range d.frames.All() {
		d.discard(fr, errFlushed)
	}
}
