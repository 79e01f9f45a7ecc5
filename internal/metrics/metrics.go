// Package metrics holds the prometheus collectors exported by a device.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camhal"

// Metrics contains every collector the orchestrator updates.
type Metrics struct {
	registry *prometheus.Registry

	// Buffer supplier
	BufferFree         *prometheus.GaugeVec
	BufferAcquireFails *prometheus.CounterVec

	// Stages
	StageQueueDepth   *prometheus.GaugeVec
	StageCompletions  *prometheus.CounterVec
	StageWaitTimeouts *prometheus.CounterVec
	EntityErrors      *prometheus.CounterVec

	// Frames
	FramesCreated   *prometheus.CounterVec
	FramesDestroyed prometheus.Counter
	FramesLive      prometheus.Gauge

	// Dual
	DualMode            prometheus.Gauge
	DualModeTransitions *prometheus.CounterVec
	StandbyTriggers     *prometheus.CounterVec

	// Results
	Results *prometheus.CounterVec

	// Device
	DeviceState prometheus.Gauge
	Requests    *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BufferFree: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "buffer",
				Name:      "free",
				Help:      "Free buffers per stage pool",
			},
			[]string{"stage"},
		),
		BufferAcquireFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "buffer",
				Name:      "acquire_failures_total",
				Help:      "Acquire calls that gave up on an exhausted pool",
			},
			[]string{"stage"},
		),

		StageQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "queue_depth",
				Help:      "Completions waiting in each stage queue",
			},
			[]string{"stage"},
		),
		StageCompletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "completions_total",
				Help:      "Completions consumed per stage",
			},
			[]string{"stage", "status"},
		),
		StageWaitTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "wait_timeouts_total",
				Help:      "Completion queue waits that timed out",
			},
			[]string{"stage"},
		),
		EntityErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "entity_errors_total",
				Help:      "Entities that ended in ERROR",
			},
			[]string{"stage", "kind"},
		),

		FramesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "created_total",
				Help:      "Frames created by type",
			},
			[]string{"type"},
		),
		FramesDestroyed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "destroyed_total",
				Help:      "Frames destroyed after all buffers were released",
			},
		),
		FramesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "frame",
				Name:      "live",
				Help:      "Frames currently in the frame table",
			},
		),

		DualMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dual",
				Name:      "mode",
				Help:      "Dual operation mode (0=none, 1=master, 2=slave, 3=sync)",
			},
		),
		DualModeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dual",
				Name:      "mode_transitions_total",
				Help:      "Committed dual operation mode changes",
			},
			[]string{"from", "to"},
		),
		StandbyTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dual",
				Name:      "standby_triggers_total",
				Help:      "Standby triggers applied by the standby worker",
			},
			[]string{"trigger", "status"},
		),

		Results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "result",
				Name:      "published_total",
				Help:      "Results delivered to the caller by category",
			},
			[]string{"category"},
		),

		DeviceState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "state",
				Help:      "Device state (0=open .. 6=error)",
			},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "requests_total",
				Help:      "Requests by final status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.BufferFree, m.BufferAcquireFails,
		m.StageQueueDepth, m.StageCompletions, m.StageWaitTimeouts, m.EntityErrors,
		m.FramesCreated, m.FramesDestroyed, m.FramesLive,
		m.DualMode, m.DualModeTransitions, m.StandbyTriggers,
		m.Results,
		m.DeviceState, m.Requests,
	)
	return m
}

// Registry returns the prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
