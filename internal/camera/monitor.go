package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/pipe"
)

// runWatchdog checks pipeline health on every tick while the device runs.
func (d *Device) runWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Watchdog.Interval)
	defer ticker.Stop()

	stalls := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if d.state.get() != StateRun || d.flushing.Load() {
			stalls = 0
			d.requests.ResetResultRenew()
			continue
		}
		if err := d.checkHealth(&stalls); err != nil {
			d.fail(err)
		}
	}
}

// checkHealth reports a fatal condition: a sensor data path fault, a stage
// that stopped returning jobs, or requests that stopped producing results.
func (d *Device) checkHealth(stalls *int) error {
	if d.drv.Health().DTPFault {
		return camerr.New(camerr.KindDeviceFault, "watchdog", fmt.Errorf("sensor data path fault"))
	}

	limit := int64(d.cfg.Watchdog.DQBlockedCount)
	for _, id := range pipe.All() {
		n := d.dqBlocked[id].Load()
		if n == 0 || d.factory.InFlight(id) == 0 {
			continue
		}
		if n > limit {
			return camerr.New(camerr.KindStageTimeout, "watchdog",
				fmt.Errorf("no completion after %d waits", n)).WithStage(id)
		}
		d.warn.Do(func() {
			d.logger.Warn("Stage is slow to return jobs",
				camlog.Stringer("stage", id),
				camlog.Int64("blocked", n),
				camlog.Int("in_flight", d.factory.InFlight(id)))
		})
	}

	if d.requests.RunningLen() == 0 {
		*stalls = 0
		d.requests.ResetResultRenew()
		return nil
	}
	if d.requests.ResultRenew() == 0 {
		*stalls++
	} else {
		*stalls = 0
	}
	d.requests.ResetResultRenew()
	if *stalls > d.cfg.Watchdog.ResultDelayCount {
		return camerr.New(camerr.KindStageTimeout, "watchdog",
			fmt.Errorf("no result for %d checks with %d requests running", *stalls, d.requests.RunningLen()))
	}
	if *stalls > 0 {
		d.warn.Do(func() {
			d.logger.Warn("Results are delayed",
				camlog.Int("checks", *stalls),
				camlog.Int("running", d.requests.RunningLen()))
		})
	}
	return nil
}
