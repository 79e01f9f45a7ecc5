// Package driver is the boundary to the hardware pipeline stages. The
// orchestrator only enqueues jobs and consumes completions; stage
// programming lives behind the Driver interface.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/pipe"
)

// Sensor names one of the two physical sensors.
type Sensor int

const (
	Master Sensor = iota
	Slave
)

func (s Sensor) String() string {
	switch s {
	case Master:
		return "master"
	case Slave:
		return "slave"
	default:
		return fmt.Sprintf("sensor(%d)", int(s))
	}
}

// SensorStage returns the capture stage fed by s.
func (s Sensor) SensorStage() pipe.ID {
	if s == Slave {
		return pipe.FliteSlave
	}
	return pipe.Flite
}

// Format configures a stage's output.
type Format struct {
	Width       int
	Height      int
	BufferCount int
}

// Job is one frame's work on one stage.
type Job struct {
	Frame uint64
	Count uint32
	Stage pipe.ID
	Src   buffer.Handle
	Dst   []buffer.Handle
}

// Completion reports a finished Job. Err is set when the stage failed the
// job or the driver was stopped with the job outstanding.
type Completion struct {
	Job       Job
	Timestamp time.Time
	Err       error
}

// CompletionSink receives completions from driver goroutines.
type CompletionSink func(Completion)

// Health is the driver's fault status.
type Health struct {
	// DTPFault is the sensor data-transfer-path fault. It is unrecoverable.
	DTPFault bool
}

// Driver programs pipeline stages. Every job passed to Enqueue produces
// exactly one Completion, including jobs outstanding at Stop.
type Driver interface {
	Attach(sink CompletionSink)
	Configure(stage pipe.ID, f Format) error
	Start(ctx context.Context) error
	Stop() error
	Enqueue(stage pipe.ID, job Job) error
	SensorStandby(sensor Sensor, standby bool) error
	SensorStreaming(sensor Sensor) bool
	Health() Health
}
