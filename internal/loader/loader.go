// Package loader handles configuration file loading, validation, and
// conversion into the runtime types the daemon wires together.
package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/xenfeed/internal/errors"
	"github.com/xtxerr/xenfeed/internal/rrd"
	"github.com/xtxerr/xenfeed/internal/transport"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from raw YAML. Environment variables in the
// document ("${XEN_PASSWORD}") are expanded before parsing.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for _, h := range cfg.Hosts {
		if h != nil {
			applyHostDefaults(h)
		}
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs.AddField("log.level", fmt.Sprintf("unknown level %q", cfg.Log.Level))
	}

	if cfg.Poller.Workers <= 0 {
		errs.AddField("poller.workers", "must be positive")
	}
	if cfg.Poller.QueueSize <= 0 {
		errs.AddField("poller.queue_size", "must be positive")
	}

	switch cfg.Sink.Kind {
	case "", "log":
	case "grpc", "websocket":
		if cfg.Sink.Address == "" {
			errs.AddMissing("sink.address")
		}
	default:
		errs.AddField("sink.kind", fmt.Sprintf("unknown kind %q", cfg.Sink.Kind))
	}

	if len(cfg.Hosts) == 0 {
		errs.AddField("hosts", "at least one host is required")
	}

	for name, h := range cfg.Hosts {
		field := func(f string) string { return fmt.Sprintf("hosts.%s.%s", name, f) }

		if h == nil {
			errs.AddField(field(""), "cannot be empty")
			continue
		}
		if h.Address == "" {
			errs.AddMissing(field("address"))
		}
		if _, err := rrd.ParseConsolidation(h.Consolidation); err != nil {
			errs.AddField(field("cf"), fmt.Sprintf("unknown consolidation %q", h.Consolidation))
		}
		if h.Interval.Duration() <= 0 {
			errs.AddField(field("interval"), "must be positive")
		}
		if h.Timeout.Duration() >= h.Interval.Duration() {
			errs.AddField(field("timeout"), "must be shorter than the collection interval")
		}
		if h.Backoff.CeilingIntervals < h.Backoff.BaseIntervals {
			errs.AddField(field("backoff.ceiling_intervals"), "must be >= base_intervals")
		}
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// TransportConfig converts a host entry into the fetch configuration used by
// the transport layer.
func (h *HostConfig) TransportConfig() transport.Config {
	return transport.Config{
		Address:         h.Address,
		Username:        h.Username,
		Password:        h.Password,
		SessionID:       h.SessionID,
		Consolidation:   h.Consolidation,
		FeedIntervalSec: h.FeedInterval,
		Timeout:         h.Timeout.Duration(),
		MaxFeedBytes:    h.MaxFeedBytes,
	}
}
