package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/camhal/internal/pipe"
)

// Config holds all orchestrator configuration
type Config struct {
	Service  ServiceConfig  `yaml:"service" json:"service"`
	Device   DeviceConfig   `yaml:"device" json:"device"`
	Buffer   BufferConfig   `yaml:"buffer" json:"buffer"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Dual     DualConfig     `yaml:"dual" json:"dual"`
	Selector SelectorConfig `yaml:"selector" json:"selector"`
	Watchdog WatchdogConfig `yaml:"watchdog" json:"watchdog"`
	RPC      RPCConfig      `yaml:"rpc" json:"rpc"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// ServiceConfig contains process-level configuration
type ServiceConfig struct {
	Name            string        `yaml:"name" json:"name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DeviceConfig contains the static device description and lifecycle bounds
type DeviceConfig struct {
	CameraID      int  `yaml:"camera_id" json:"camera_id"`
	SlaveCameraID int  `yaml:"slave_camera_id" json:"slave_camera_id"`
	DualEnabled   bool `yaml:"dual_enabled" json:"dual_enabled"`

	// Defaults used when a request's settings do not carry them
	SensorControlDelay int `yaml:"sensor_control_delay" json:"sensor_control_delay"`
	BatchSize          int `yaml:"batch_size" json:"batch_size"`

	// Internal frames created after a sensor leaves standby
	PrepareFrameCount int `yaml:"prepare_frame_count" json:"prepare_frame_count"`

	// FLUSH requested during START waits this long for RUN
	StartWaitRetries  int           `yaml:"start_wait_retries" json:"start_wait_retries"`
	StartWaitInterval time.Duration `yaml:"start_wait_interval" json:"start_wait_interval"`

	// Simulated stage latency for the in-process driver
	SimulatedLatency time.Duration `yaml:"simulated_latency" json:"simulated_latency"`
}

// BufferConfig contains buffer supplier configuration
type BufferConfig struct {
	Allocator      string         `yaml:"allocator" json:"allocator"` // heap, memfd
	BufferSize     int            `yaml:"buffer_size" json:"buffer_size"`
	AcquireTimeout time.Duration  `yaml:"acquire_timeout" json:"acquire_timeout"`
	PollInterval   time.Duration  `yaml:"poll_interval" json:"poll_interval"`
	Counts         map[string]int `yaml:"counts" json:"counts"` // keyed by pipe name
}

// QueueConfig contains completion queue bounds
type QueueConfig struct {
	Capacity       int           `yaml:"capacity" json:"capacity"`
	PreviewTimeout time.Duration `yaml:"preview_timeout" json:"preview_timeout"`
	CaptureTimeout time.Duration `yaml:"capture_timeout" json:"capture_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DualConfig contains the dual-sensor operation mode tuning
type DualConfig struct {
	PreviewSyncMinZoom   float64       `yaml:"preview_sync_min_zoom" json:"preview_sync_min_zoom"`
	PreviewSyncMaxZoom   float64       `yaml:"preview_sync_max_zoom" json:"preview_sync_max_zoom"`
	CaptureSyncMinZoom   float64       `yaml:"capture_sync_min_zoom" json:"capture_sync_min_zoom"`
	CaptureSyncMaxZoom   float64       `yaml:"capture_sync_max_zoom" json:"capture_sync_max_zoom"`
	TransitionFrameCount int           `yaml:"transition_frame_count" json:"transition_frame_count"`
	CaptureLockCount     int           `yaml:"capture_lock_count" json:"capture_lock_count"`
	MasterStandby        bool          `yaml:"master_standby_supported" json:"master_standby_supported"`
	SlaveStandby         bool          `yaml:"slave_standby_supported" json:"slave_standby_supported"`
	StandbyWaitRetries   int           `yaml:"standby_wait_retries" json:"standby_wait_retries"`
	StandbyWaitInterval  time.Duration `yaml:"standby_wait_interval" json:"standby_wait_interval"`
	TriggerQueueSize     int           `yaml:"trigger_queue_size" json:"trigger_queue_size"`
}

// SelectorConfig contains capture selector bounds
type SelectorConfig struct {
	HoldCount     int           `yaml:"hold_count" json:"hold_count"`
	Retries       int           `yaml:"retries" json:"retries"`
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
}

// WatchdogConfig contains monitor thresholds
type WatchdogConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	DQBlockedCount   int           `yaml:"dq_blocked_count" json:"dq_blocked_count"`
	ResultDelayCount int           `yaml:"result_delay_count" json:"result_delay_count"`
}

// RPCConfig contains the remote control surface configuration
type RPCConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	ListenAddr        string  `yaml:"listen_addr" json:"listen_addr"`
	Path              string  `yaml:"path" json:"path"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json, console
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "camhal",
			ShutdownTimeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			CameraID:           0,
			SlaveCameraID:      2,
			DualEnabled:        false,
			SensorControlDelay: 1,
			BatchSize:          1,
			PrepareFrameCount:  3,
			StartWaitRetries:   30,
			StartWaitInterval:  100 * time.Millisecond,
			SimulatedLatency:   2 * time.Millisecond,
		},
		Buffer: BufferConfig{
			Allocator:      "heap",
			BufferSize:     4096,
			AcquireTimeout: 300 * time.Millisecond,
			PollInterval:   10 * time.Millisecond,
			Counts:         DefaultBufferCounts(),
		},
		Queue: QueueConfig{
			Capacity:       64,
			PreviewTimeout: 500 * time.Millisecond,
			CaptureTimeout: 2 * time.Second,
			RequestTimeout: 100 * time.Millisecond,
		},
		Dual: DualConfig{
			PreviewSyncMinZoom:   1.5,
			PreviewSyncMaxZoom:   4.0,
			CaptureSyncMinZoom:   1.5,
			CaptureSyncMaxZoom:   4.0,
			TransitionFrameCount: 30,
			CaptureLockCount:     10,
			MasterStandby:        true,
			SlaveStandby:         true,
			StandbyWaitRetries:   50,
			StandbyWaitInterval:  10 * time.Millisecond,
			TriggerQueueSize:     8,
		},
		Selector: SelectorConfig{
			HoldCount:     2,
			Retries:       50,
			RetryInterval: 10 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			Enabled:          true,
			Interval:         200 * time.Millisecond,
			DQBlockedCount:   10,
			ResultDelayCount: 50,
		},
		RPC: RPCConfig{
			Enabled:           true,
			ListenAddr:        "localhost:7000",
			Path:              "/camera",
			RequestsPerSecond: 100,
			Burst:             20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultBufferCounts returns the per-stage buffer counts used when the
// configuration does not override them.
func DefaultBufferCounts() map[string]int {
	counts := make(map[string]int, pipe.Count)
	for _, id := range pipe.All() {
		switch {
		case id.IsSensor():
			counts[id.String()] = 10
		case id.IsReprocessing():
			counts[id.String()] = 4
		default:
			counts[id.String()] = 8
		}
	}
	return counts
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BufferCount returns the configured count for stage id.
func (b BufferConfig) BufferCount(id pipe.ID) int {
	if n, ok := b.Counts[id.String()]; ok {
		return n
	}
	return DefaultBufferCounts()[id.String()]
}
