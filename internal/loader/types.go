// Package loader - Configuration Types
//
// Defines the YAML configuration structure for xenfeedd: daemon runtime
// settings, sink selection, and the per-hypervisor host map.
package loader

import (
	"time"

	"github.com/xtxerr/xenfeed/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for xenfeedd.
type Config struct {
	// Listen is the metrics/health HTTP listen address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:9190"
	Listen string `yaml:"listen"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`

	// Poller configures the scheduler and worker pool.
	Poller PollerConfig `yaml:"poller"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Health configures the degraded-target detection.
	Health HealthConfig `yaml:"health"`

	// Cursor configures fetch cursor persistence.
	Cursor CursorConfig `yaml:"cursor"`

	// Sink selects and configures the sample sink.
	Sink SinkConfig `yaml:"sink"`

	// Hosts maps target names to hypervisor endpoints. At least one entry
	// is required.
	Hosts map[string]*HostConfig `yaml:"hosts"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: "info".
	Level string `yaml:"level"`

	// JSON switches the log output to JSON lines. Default: false.
	JSON bool `yaml:"json"`
}

// PollerConfig configures the scheduler worker pool.
type PollerConfig struct {
	// Workers is the number of concurrent cycle workers. Default: 4.
	Workers int `yaml:"workers"`

	// QueueSize is the cycle job queue capacity. Default: 256.
	QueueSize int `yaml:"queue_size"`

	// TickInterval is how often the scheduler checks for due cycles.
	// Default: 100ms.
	TickInterval Duration `yaml:"tick_interval"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	// DrainTimeout is how long to wait for in-flight cycles. Default: 30s.
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// HealthConfig configures health tracking.
type HealthConfig struct {
	// DegradedThreshold is the number of consecutive decode failures after
	// which a target is reported degraded. Default: 5.
	DegradedThreshold int `yaml:"degraded_threshold"`
}

// CursorConfig configures cursor persistence.
type CursorConfig struct {
	// SnapshotPath is where cursor positions are persisted across
	// restarts. Empty disables persistence.
	SnapshotPath string `yaml:"snapshot_path"`
}

// SinkConfig selects the sample sink.
type SinkConfig struct {
	// Kind is one of "log", "grpc", "websocket". Default: "log".
	Kind string `yaml:"kind"`

	// Address is the gRPC target or websocket URL.
	Address string `yaml:"address"`

	// Token is sent as a Bearer credential when set.
	Token string `yaml:"token"`

	// Method overrides the gRPC stream method.
	Method string `yaml:"method"`

	// Insecure disables TLS for the gRPC sink.
	Insecure bool `yaml:"insecure"`

	// WriteTimeout bounds one websocket write. Default: 5s.
	WriteTimeout Duration `yaml:"write_timeout"`
}

// =============================================================================
// Host Configuration
// =============================================================================

// HostConfig describes one hypervisor target.
type HostConfig struct {
	// Address is the base URL of the hypervisor, e.g. "https://10.0.0.100".
	Address string `yaml:"address"`

	// Username and Password are sent as HTTP basic auth when set.
	// Values support environment expansion: "${XEN_PASSWORD}".
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// SessionID is an opaque management-API session reference.
	SessionID string `yaml:"session_id"`

	// InsecureSkipVerify disables TLS certificate verification for this
	// host. Hypervisors commonly run with self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Interval is the collection interval. Default: 60s.
	Interval Duration `yaml:"interval"`

	// Timeout bounds one fetch. Must be shorter than Interval.
	// Default: 10s.
	Timeout Duration `yaml:"timeout"`

	// Consolidation is the requested consolidation function
	// (AVERAGE/MIN/MAX/LAST). Default: "AVERAGE".
	Consolidation string `yaml:"cf"`

	// FeedInterval is the requested seconds-per-sample of the feed.
	// Default: 10.
	FeedInterval int `yaml:"feed_interval"`

	// MaxFeedBytes caps the response body size. Default: 64MiB.
	MaxFeedBytes int64 `yaml:"max_feed_bytes"`

	// BootstrapLookback is how far back the first fetch reaches when no
	// cursor exists. Zero fetches everything the server retains.
	BootstrapLookback Duration `yaml:"bootstrap_lookback"`

	// GapToleranceSteps is how many whole feed steps the feed may lag the
	// cursor before the cycle is flagged as a gap. Default: 1.
	GapToleranceSteps int `yaml:"gap_tolerance_steps"`

	// Backoff bounds the failure backoff multiplier.
	Backoff BackoffConfig `yaml:"backoff"`

	// Metrics filters dispatched metrics by name.
	Metrics MetricsFilterConfig `yaml:"metrics"`
}

// BackoffConfig bounds the exponential failure backoff, in multiples of the
// collection interval.
type BackoffConfig struct {
	// BaseIntervals is the first failure's delay. Default: 1.
	BaseIntervals int64 `yaml:"base_intervals"`

	// CeilingIntervals caps the delay. Default: 8.
	CeilingIntervals int64 `yaml:"ceiling_intervals"`
}

// MetricsFilterConfig filters metric names with glob patterns. An empty
// include list admits everything; excludes win.
type MetricsFilterConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config populated with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: config.DefaultListenAddress,
		Log: LogConfig{
			Level: "info",
		},
		Poller: PollerConfig{
			Workers:      config.DefaultPollerWorkers,
			QueueSize:    config.DefaultPollerQueueSize,
			TickInterval: Duration(config.DefaultSchedulerTickInterval),
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: Duration(time.Duration(config.DefaultDrainTimeoutSec) * time.Second),
		},
		Health: HealthConfig{
			DegradedThreshold: config.DefaultDegradedThreshold,
		},
		Sink: SinkConfig{
			Kind:         "log",
			WriteTimeout: Duration(config.DefaultSinkWriteTimeout),
		},
	}
}

// applyHostDefaults fills zero-valued host fields with documented defaults.
func applyHostDefaults(h *HostConfig) {
	if h.Interval <= 0 {
		h.Interval = Duration(config.DefaultCollectionInterval)
	}
	if h.Timeout <= 0 {
		h.Timeout = Duration(config.DefaultFetchTimeout)
	}
	if h.Consolidation == "" {
		h.Consolidation = config.DefaultConsolidation
	}
	if h.FeedInterval <= 0 {
		h.FeedInterval = config.DefaultFeedInterval
	}
	if h.MaxFeedBytes <= 0 {
		h.MaxFeedBytes = config.DefaultMaxFeedBytes
	}
	if h.GapToleranceSteps <= 0 {
		h.GapToleranceSteps = config.DefaultGapToleranceSteps
	}
	if h.Backoff.BaseIntervals <= 0 {
		h.Backoff.BaseIntervals = config.DefaultBackoffBaseIntervals
	}
	if h.Backoff.CeilingIntervals <= 0 {
		h.Backoff.CeilingIntervals = config.DefaultBackoffCeilingIntervals
	}
}

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("90s", "2m") or a bare integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
