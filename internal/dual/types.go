// Package dual runs the dual-sensor operation mode machine and sequences
// sensor standby transitions between the master and slave sensors.
package dual

import (
	"fmt"

	"github.com/mikeyg42/camhal/internal/driver"
)

// Mode is the dual operation mode.
type Mode int

const (
	ModeNone Mode = iota
	ModeMaster
	ModeSlave
	ModeSync
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeMaster:
		return "MASTER"
	case ModeSlave:
		return "SLAVE"
	case ModeSync:
		return "SYNC"
	default:
		return fmt.Sprintf("MODE(%d)", int(m))
	}
}

// Uses reports whether sensor s must stream in mode m.
func (m Mode) Uses(s driver.Sensor) bool {
	switch m {
	case ModeMaster:
		return s == driver.Master
	case ModeSlave:
		return s == driver.Slave
	case ModeSync:
		return true
	}
	return false
}

// StandbyState is a sensor's standby state. OFF means streaming.
type StandbyState int

const (
	StandbyOff StandbyState = iota
	StandbyOffReady
	StandbyOn
	StandbyOnReady
)

func (s StandbyState) String() string {
	switch s {
	case StandbyOff:
		return "OFF"
	case StandbyOffReady:
		return "OFF_READY"
	case StandbyOn:
		return "ON"
	case StandbyOnReady:
		return "ON_READY"
	default:
		return fmt.Sprintf("STANDBY(%d)", int(s))
	}
}

// InStandby reports whether the state counts as standby. A queued wake
// (OFF_READY) already counts as streaming.
func (s StandbyState) InStandby() bool {
	return s == StandbyOn || s == StandbyOnReady
}

// Trigger is one standby transition for one sensor. The declaration order
// is the order triggers are queued in when one decision issues several.
type Trigger int

const (
	TriggerMasterOff Trigger = iota
	TriggerSlaveOff
	TriggerSlaveOn
	TriggerMasterOn
)

func (t Trigger) String() string {
	switch t {
	case TriggerMasterOff:
		return "master-off"
	case TriggerSlaveOff:
		return "slave-off"
	case TriggerSlaveOn:
		return "slave-on"
	case TriggerMasterOn:
		return "master-on"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Sensor returns the sensor the trigger applies to.
func (t Trigger) Sensor() driver.Sensor {
	if t == TriggerSlaveOff || t == TriggerSlaveOn {
		return driver.Slave
	}
	return driver.Master
}

// Standby reports whether the trigger enters standby.
func (t Trigger) Standby() bool {
	return t == TriggerSlaveOn || t == TriggerMasterOn
}

func triggerFor(s driver.Sensor, standby bool) Trigger {
	switch {
	case s == driver.Master && !standby:
		return TriggerMasterOff
	case s == driver.Slave && !standby:
		return TriggerSlaveOff
	case s == driver.Slave:
		return TriggerSlaveOn
	default:
		return TriggerMasterOn
	}
}

// Decision is the outcome of one Check.
type Decision struct {
	Prev Mode
	Mode Mode
	// Wanted is the mode the inputs asked for before vetoes.
	Wanted   Mode
	Changed  bool
	Deferred bool
	Reason   string
	Triggers []Trigger
}
