package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/mikeyg42/camhal/internal/pipe"
)

// -----------------------------------------------------------------------------
// Top-level validation
// -----------------------------------------------------------------------------

// Validator collects every problem instead of stopping at the first.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	v := &Validator{}

	validateServiceConfig(v, &c.Service)
	validateDeviceConfig(v, &c.Device)
	validateBufferConfig(v, &c.Buffer)
	validateQueueConfig(v, &c.Queue)
	validateDualConfig(v, &c.Dual)
	validateSelectorConfig(v, &c.Selector)
	validateWatchdogConfig(v, &c.Watchdog)
	validateRPCConfig(v, &c.RPC)
	validateMetricsConfig(v, &c.Metrics, &c.RPC)
	validateLogConfig(v, &c.Log)

	if v.HasErrors() {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateServiceConfig(v *Validator, cfg *ServiceConfig) {
	if !isAlphanumericWithDashes(cfg.Name) {
		v.AddError("service.name must be alphanumeric with dashes, got %q", cfg.Name)
	}
	if cfg.ShutdownTimeout <= 0 {
		v.AddError("service.shutdown_timeout must be positive")
	}
}

func validateDeviceConfig(v *Validator, cfg *DeviceConfig) {
	if cfg.SensorControlDelay < 0 {
		v.AddError("device.sensor_control_delay must be >= 0")
	}
	if cfg.BatchSize < 1 {
		v.AddError("device.batch_size must be >= 1")
	}
	if cfg.PrepareFrameCount < 0 {
		v.AddError("device.prepare_frame_count must be >= 0")
	}
	if cfg.StartWaitRetries < 1 || cfg.StartWaitInterval <= 0 {
		v.AddError("device.start_wait_retries and start_wait_interval must be positive")
	}
	if cfg.DualEnabled && cfg.SlaveCameraID == cfg.CameraID {
		v.AddError("device.slave_camera_id must differ from camera_id when dual is enabled")
	}
}

func validateBufferConfig(v *Validator, cfg *BufferConfig) {
	switch cfg.Allocator {
	case "heap", "memfd":
	default:
		v.AddError("buffer.allocator must be heap or memfd, got %q", cfg.Allocator)
	}
	if cfg.BufferSize <= 0 {
		v.AddError("buffer.buffer_size must be positive")
	}
	if cfg.AcquireTimeout <= 0 || cfg.PollInterval <= 0 {
		v.AddError("buffer.acquire_timeout and poll_interval must be positive")
	}
	for name, n := range cfg.Counts {
		if _, err := pipe.Parse(name); err != nil {
			v.AddError("buffer.counts: %v", err)
		}
		if n < 0 {
			v.AddError("buffer.counts[%s] must be >= 0", name)
		}
	}
}

func validateQueueConfig(v *Validator, cfg *QueueConfig) {
	if cfg.Capacity < 1 {
		v.AddError("queue.capacity must be >= 1")
	}
	if cfg.PreviewTimeout <= 0 || cfg.CaptureTimeout <= 0 || cfg.RequestTimeout <= 0 {
		v.AddError("queue timeouts must be positive")
	}
}

func validateDualConfig(v *Validator, cfg *DualConfig) {
	if cfg.PreviewSyncMinZoom >= cfg.PreviewSyncMaxZoom {
		v.AddError("dual.preview_sync_min_zoom must be below preview_sync_max_zoom")
	}
	if cfg.CaptureSyncMinZoom >= cfg.CaptureSyncMaxZoom {
		v.AddError("dual.capture_sync_min_zoom must be below capture_sync_max_zoom")
	}
	if cfg.TransitionFrameCount < 0 || cfg.CaptureLockCount < 0 {
		v.AddError("dual counts must be >= 0")
	}
	if cfg.TriggerQueueSize < 4 {
		v.AddError("dual.trigger_queue_size must be >= 4")
	}
}

func validateSelectorConfig(v *Validator, cfg *SelectorConfig) {
	if cfg.HoldCount < 1 || cfg.Retries < 1 {
		v.AddError("selector.hold_count and retries must be >= 1")
	}
}

func validateWatchdogConfig(v *Validator, cfg *WatchdogConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Interval <= 0 || cfg.DQBlockedCount < 1 || cfg.ResultDelayCount < 1 {
		v.AddError("watchdog thresholds must be positive")
	}
}

func validateRPCConfig(v *Validator, cfg *RPCConfig) {
	if !cfg.Enabled {
		return
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		v.AddError("rpc.path must start with /, got %q", cfg.Path)
	}
	if cfg.RequestsPerSecond <= 0 || cfg.Burst < 1 {
		v.AddError("rpc.requests_per_second and burst must be positive")
	}
	if cfg.ListenAddr == "" {
		v.AddError("rpc.listen_addr cannot be empty")
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		v.AddError("rpc.listen_addr must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in rpc.listen_addr: %s", host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		v.AddError("invalid port in rpc.listen_addr: %s", portStr)
	}
}

func validateMetricsConfig(v *Validator, cfg *MetricsConfig, rpc *RPCConfig) {
	if !cfg.Enabled {
		return
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		v.AddError("metrics.path must start with /, got %q", cfg.Path)
	}
	if rpc.Enabled && cfg.Path == rpc.Path {
		v.AddError("metrics.path and rpc.path must differ")
	}
}

func validateLogConfig(v *Validator, cfg *LogConfig) {
	switch cfg.Format {
	case "json", "console":
	default:
		v.AddError("log.format must be json or console")
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var (
	hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	dashedName    = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
)

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isAlphanumericWithDashes(s string) bool {
	return s != "" && dashedName.MatchString(s)
}
