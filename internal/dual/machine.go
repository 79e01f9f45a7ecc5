package dual

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/config"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/metrics"
	"github.com/mikeyg42/camhal/internal/queue"
)

// Machine owns the operation mode, the transition and lock counters, and
// both sensors' standby states. Every field is read and written under mu.
type Machine struct {
	cfg     config.DualConfig
	logger  camlog.Logger
	metrics *metrics.Metrics

	mu              sync.Mutex
	mode            Mode
	reprocMode      Mode
	transitionCount int
	modeLock        int
	captureLock     int
	standby         [2]StandbyState

	captures atomic.Int32
	triggers *queue.Queue[Trigger]

	// Metrics
	checks    atomic.Uint64
	changes   atomic.Uint64
	deferrals atomic.Uint64
}

// NewMachine creates a machine in mode NONE with both sensors streaming.
func NewMachine(cfg config.DualConfig, logger camlog.Logger, m *metrics.Metrics) *Machine {
	if logger == nil {
		logger = camlog.L()
	}
	size := cfg.TriggerQueueSize
	if size < 4 {
		size = 4
	}
	return &Machine{
		cfg:      cfg,
		logger:   logger.Named("dual"),
		metrics:  m,
		triggers: queue.New[Trigger]("dual-standby", size),
	}
}

// Triggers is the standby queue drained by the Worker.
func (m *Machine) Triggers() *queue.Queue[Trigger] { return m.triggers }

// byZoom maps a preview zoom ratio to a mode. SYNC covers [min, max].
func byZoom(zoom, min, max float64) Mode {
	switch {
	case zoom < min:
		return ModeMaster
	case zoom > max:
		return ModeSlave
	default:
		return ModeSync
	}
}

// captureByZoom is byZoom for captures, where SYNC covers [min, max).
func captureByZoom(zoom, min, max float64) Mode {
	if zoom >= max {
		return ModeSlave
	}
	return byZoom(zoom, min, max)
}

// Check evaluates the mode for one request. needModeChange commits the
// decision; without it only early wake triggers for SYNC are issued.
// reprocessing evaluates the capture mode instead of the preview mode.
func (m *Machine) Check(zoom float64, needModeChange, reprocessing, factoryStarted bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks.Add(1)

	if reprocessing {
		return m.checkReprocessingLocked(zoom)
	}

	old := m.mode
	want := byZoom(zoom, m.cfg.PreviewSyncMinZoom, m.cfg.PreviewSyncMaxZoom)
	d := Decision{Prev: old, Mode: old, Wanted: want}

	if m.transitionCount > 0 {
		if old == ModeSync {
			m.transitionCount--
			d.Reason = "transition"
			return d
		}
		want = ModeSync
	}

	if want == old {
		if needModeChange {
			m.decrementLocksLocked()
		}
		return d
	}

	if (old == ModeMaster || old == ModeSlave) && want != ModeSync {
		want = ModeSync
	}
	d.Wanted = want

	switch {
	case needModeChange:
		lockStandby := m.captureLock > 0 || m.captures.Load() > 0 || m.modeLock > 0

		if want == ModeSync {
			m.transitionCount = m.cfg.TransitionFrameCount
		}
		if old != ModeNone && !lockStandby {
			d.Triggers = m.setTriggersLocked(factoryStarted, want, old, true)
		}

		next := want
		if old != ModeNone {
			needMaster := want.Uses(driver.Master)
			needSlave := want.Uses(driver.Slave)
			switch {
			case !factoryStarted:
				next, d.Reason = old, "factory not started"
			case needMaster && m.standby[driver.Master] != StandbyOff:
				next, d.Reason = old, "master standby not ready"
			case needSlave && m.standby[driver.Slave] != StandbyOff:
				next, d.Reason = old, "slave standby not ready"
			case lockStandby && old == ModeSync && (want == ModeMaster || want == ModeSlave):
				next, d.Reason = old, "capture in progress"
			case m.modeLock > 0:
				next, d.Reason = old, "mode locked"
			}
		}

		d.Mode = next
		if next != old {
			m.mode = next
			d.Changed = true
			m.changes.Add(1)
			m.logger.Info("Dual operation mode changed",
				camlog.Stringer("from", old),
				camlog.Stringer("to", next),
				camlog.Float64("zoom", zoom),
				camlog.Int("transition_count", m.transitionCount))
			if m.metrics != nil {
				m.metrics.DualMode.Set(float64(next))
				m.metrics.DualModeTransitions.WithLabelValues(old.String(), next.String()).Inc()
			}
		} else {
			d.Deferred = true
			m.deferrals.Add(1)
			m.logger.Debug("Dual operation mode deferred",
				camlog.Stringer("from", old),
				camlog.Stringer("wanted", want),
				camlog.String("reason", d.Reason),
				camlog.Stringer("kind", camerr.KindModeTransitionRace))
		}
		m.decrementLocksLocked()

	case want == ModeSync && old != ModeNone:
		// Wake the idle sensor ahead of the switch.
		d.Triggers = m.setTriggersLocked(factoryStarted, want, old, false)
	}

	return d
}

func (m *Machine) checkReprocessingLocked(zoom float64) Decision {
	old := m.reprocMode
	want := captureByZoom(zoom, m.cfg.CaptureSyncMinZoom, m.cfg.CaptureSyncMaxZoom)
	m.captureLock = m.cfg.CaptureLockCount

	preview := m.mode
	if preview == ModeNone {
		preview = ModeMaster
	}
	// A capture only runs on sensors the preview mode keeps streaming.
	if want == ModeSync && preview != ModeSync {
		want = preview
	}
	if !preview.Uses(sensorOf(want)) {
		want = preview
	}
	if m.modeLock > 0 && old != ModeNone && preview != ModeSync && want != preview {
		want = preview
	}
	m.reprocMode = want
	return Decision{Prev: old, Mode: want, Wanted: want, Changed: old != want}
}

func sensorOf(m Mode) driver.Sensor {
	if m == ModeSlave {
		return driver.Slave
	}
	return driver.Master
}

func (m *Machine) decrementLocksLocked() {
	if m.captureLock > 0 {
		m.captureLock--
	}
	if m.modeLock > 0 {
		m.modeLock--
	}
}

// setTriggersLocked queues the standby triggers moving from old to next.
// Wake triggers are always queued; sleep triggers only when the change
// commits.
func (m *Machine) setTriggersLocked(factoryStarted bool, next, old Mode, commit bool) []Trigger {
	if !factoryStarted {
		return nil
	}

	var target [2]bool
	switch {
	case old == ModeMaster && next == ModeSlave:
		target = [2]bool{true, false}
	case old == ModeSlave && next == ModeMaster:
		target = [2]bool{false, true}
	case next == ModeSync && (old == ModeMaster || old == ModeSlave):
		target = [2]bool{false, false}
	case old == ModeSync && next == ModeMaster:
		target = [2]bool{false, true}
	case old == ModeSync && next == ModeSlave:
		target = [2]bool{true, false}
	default:
		m.logger.Warn("Invalid dual mode transition for standby",
			camlog.Stringer("from", old),
			camlog.Stringer("to", next))
		return nil
	}

	supported := [2]bool{m.cfg.MasterStandby, m.cfg.SlaveStandby}
	var wanted []Trigger
	for _, s := range []driver.Sensor{driver.Master, driver.Slave} {
		if target[s] == m.standby[s].InStandby() {
			continue
		}
		if !supported[s] {
			if target[s] {
				m.standby[s] = StandbyOn
			} else {
				m.standby[s] = StandbyOff
			}
			continue
		}
		wanted = append(wanted, triggerFor(s, target[s]))
	}

	var queued []Trigger
	for _, t := range Order(wanted) {
		if t.Standby() && !commit {
			continue
		}
		prev := m.standby[t.Sensor()]
		if t.Standby() {
			m.standby[t.Sensor()] = StandbyOnReady
		} else {
			m.standby[t.Sensor()] = StandbyOffReady
		}
		if err := m.triggers.Push(t); err != nil {
			m.standby[t.Sensor()] = prev
			m.logger.Warn("Failed to queue standby trigger",
				camlog.Stringer("trigger", t),
				camlog.Error(err))
			continue
		}
		queued = append(queued, t)
	}
	if len(queued) > 0 {
		m.logger.Debug("Standby triggers queued",
			camlog.Stringer("from", old),
			camlog.Stringer("to", next),
			camlog.Any("triggers", queued))
	}
	return queued
}

// Order sorts triggers into master-off, slave-off, slave-on, master-on.
func Order(ts []Trigger) []Trigger {
	out := append([]Trigger(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ack records that the driver applied t.
func (m *Machine) Ack(t Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Standby() {
		m.standby[t.Sensor()] = StandbyOn
	} else {
		m.standby[t.Sensor()] = StandbyOff
	}
}

// Revert drops a trigger that was never applied, restoring the state it
// was queued from.
func (m *Machine) Revert(t Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := t.Sensor()
	switch m.standby[s] {
	case StandbyOffReady:
		m.standby[s] = StandbyOn
	case StandbyOnReady:
		m.standby[s] = StandbyOff
	}
}

// LockMode holds the current mode for the next n committing checks.
func (m *Machine) LockMode(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.modeLock {
		m.modeLock = n
	}
}

// BeginCapture and EndCapture bracket an in-flight reprocessing capture.
// While any capture runs, standby triggers are not issued.
func (m *Machine) BeginCapture() { m.captures.Add(1) }
func (m *Machine) EndCapture() {
	if m.captures.Add(-1) < 0 {
		m.captures.Store(0)
	}
}

// Mode returns the committed operation mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Standby returns sensor s's standby state.
func (m *Machine) Standby(s driver.Sensor) StandbyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.standby[s]
}

// SetStandby overrides sensor s's standby state, used when the device
// starts with a sensor already parked.
func (m *Machine) SetStandby(s driver.Sensor, st StandbyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.standby[s] = st
}

// Reset returns to mode NONE with both sensors streaming and drops queued
// triggers.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = ModeNone
	m.reprocMode = ModeNone
	m.transitionCount = 0
	m.modeLock = 0
	m.captureLock = 0
	m.standby = [2]StandbyState{}
	m.triggers.Drain()
	if m.metrics != nil {
		m.metrics.DualMode.Set(float64(ModeNone))
	}
}

// Snapshot is a consistent view of the machine's counters.
type Snapshot struct {
	Mode            Mode
	ReprocMode      Mode
	TransitionCount int
	ModeLock        int
	CaptureLock     int
	Captures        int
	Master          StandbyState
	Slave           StandbyState
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Mode:            m.mode,
		ReprocMode:      m.reprocMode,
		TransitionCount: m.transitionCount,
		ModeLock:        m.modeLock,
		CaptureLock:     m.captureLock,
		Captures:        int(m.captures.Load()),
		Master:          m.standby[driver.Master],
		Slave:           m.standby[driver.Slave],
	}
}

// Stats returns machine counters.
func (m *Machine) Stats() map[string]interface{} {
	s := m.Snapshot()
	return map[string]interface{}{
		"mode":             s.Mode.String(),
		"transition_count": s.TransitionCount,
		"master_standby":   s.Master.String(),
		"slave_standby":    s.Slave.String(),
		"checks":           m.checks.Load(),
		"changes":          m.changes.Load(),
		"deferrals":        m.deferrals.Load(),
	}
}
