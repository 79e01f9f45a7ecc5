package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/result"
)

// Flush drops all in-flight work. Every outstanding request gets a request
// error, every buffer returns to its pool, and the device goes back to
// CONFIGURED ready for new requests. A flush during START waits for the
// pipeline to come up first.
func (d *Device) Flush(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	switch st := d.state.get(); st {
	case StateError:
		return camerr.ErrDeviceError
	case StateOpen:
		return camerr.New(camerr.KindInvalidState, "flush", fmt.Errorf("device is %s", st))
	case StateInitialize:
		return nil
	}

	start := time.Now()
	d.flushing.Store(true)
	defer d.flushing.Store(false)

	if d.state.get() == StateStart {
		if err := d.state.waitFor(ctx, StateRun, d.cfg.Device.StartWaitRetries, d.cfg.Device.StartWaitInterval); err != nil {
			d.logger.Error("Pipeline did not start before flush", camlog.Error(err))
			return fmt.Errorf("flush: %w", err)
		}
	}
	if err := d.state.transit(StateFlush); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	// Outstanding requests get nothing but their request error from here.
	discarded := d.dispatcher.Discard()
	d.stopPipeline()
	d.drainStages()
	captures := d.drainCaptureJobs()

	flushed := d.requests.FlushAll()
	d.reqMu.Lock()
	d.inflight = make(map[uint64]*tracker)
	d.reqMu.Unlock()
	for _, r := range flushed {
		d.dispatcher.Push(result.Error(result.ErrorRequest, r.Key, result.NoStream))
	}

	held := d.selector.ReleaseAll()
	d.clearPairs()
	d.sweepFrames()
	d.dispatcher.Drain()

	d.frames.ResetCount()
	d.factoryStarted.Store(false)
	d.dual.Reset()
	d.requests.ResetResultRenew()

	d.flushing.Store(false)
	if err := d.state.transit(StateConfigured); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	d.logger.Info("Flush complete",
		camlog.Int("requests", len(flushed)),
		camlog.Int("discarded", discarded),
		camlog.Int("captures", captures),
		camlog.Int("held", held),
		camlog.Duration("elapsed", time.Since(start)))
	return nil
}
