// Package config provides configuration defaults and utilities
// for the xenfeed application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default metrics/health listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:9190"

	// DefaultFetchTimeout bounds a single rrd_updates HTTP fetch. It must be
	// shorter than the collection interval so a stalled hypervisor cannot
	// starve future cycles.
	// Override via config: hosts.<name>.timeout
	DefaultFetchTimeout = 10 * time.Second

	// DefaultMaxFeedBytes limits the response body size to prevent OOM on a
	// misbehaving endpoint. A full-bootstrap feed for a busy host with many
	// VMs stays well under this.
	// Override via config: hosts.<name>.max_feed_bytes
	DefaultMaxFeedBytes = 64 * 1024 * 1024
)

// =============================================================================
// Collection Defaults
// =============================================================================

const (
	// DefaultCollectionInterval is how often each hypervisor target is polled.
	// Override via config: hosts.<name>.interval
	DefaultCollectionInterval = 60 * time.Second

	// DefaultConsolidation is the consolidation function requested from the
	// hypervisor (cf query parameter).
	// Override via config: hosts.<name>.cf
	DefaultConsolidation = "AVERAGE"

	// DefaultFeedInterval is the requested seconds-per-sample of the feed
	// (interval query parameter). The hypervisor rounds it to the nearest
	// archive step it keeps.
	// Override via config: hosts.<name>.feed_interval_sec
	DefaultFeedInterval = 10
)

// =============================================================================
// Cursor Defaults
// =============================================================================

const (
	// DefaultBootstrapLookback is how far back the first poll reaches when no
	// cursor state exists. Zero means "since epoch" (full-state bootstrap).
	// Override via config: hosts.<name>.bootstrap_lookback
	DefaultBootstrapLookback = 0 * time.Second

	// DefaultGapToleranceSteps is how many step intervals the feed start may
	// lie beyond the cursor before the gap is reported as data loss. The
	// hypervisor's exact skew behavior is not authoritatively documented, so
	// this is configurable rather than hard-coded.
	// Override via config: hosts.<name>.gap_tolerance_steps
	DefaultGapToleranceSteps = 1
)

// =============================================================================
// Backoff Defaults
// =============================================================================

const (
	// DefaultBackoffBaseIntervals is the backoff delay after the first
	// failure, expressed in collection intervals.
	// Override via config: hosts.<name>.backoff.base_intervals
	DefaultBackoffBaseIntervals = 1

	// DefaultBackoffCeilingIntervals caps the exponential backoff delay,
	// expressed in collection intervals.
	// Override via config: hosts.<name>.backoff.ceiling_intervals
	DefaultBackoffCeilingIntervals = 8
)

// =============================================================================
// Scheduler Defaults
// =============================================================================

const (
	// DefaultPollerWorkers is the number of concurrent cycle workers. Each
	// worker runs one target's cycle at a time; cycles for the same target
	// never overlap.
	// Override via config: poller.workers
	DefaultPollerWorkers = 4

	// DefaultPollerQueueSize is the job queue capacity.
	// When full, cycles are delayed (backpressure).
	// Override via config: poller.queue_size
	DefaultPollerQueueSize = 256

	// DefaultSchedulerTickInterval is how often the scheduler checks for due
	// cycles.
	// Override via config: poller.tick_interval
	DefaultSchedulerTickInterval = 100 * time.Millisecond
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for in-flight cycles during
	// shutdown. After this timeout, remaining cycles are abandoned; the
	// cursor is only advanced by completed cycles, so nothing is lost.
	// Override via config: shutdown.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)

// =============================================================================
// Health Defaults
// =============================================================================

const (
	// DefaultDegradedThreshold is the number of consecutive decode failures
	// after which a target is reported as degraded. Repeated structural
	// failures are a persistent health signal for the operator, not just
	// something to retry forever.
	// Override via config: health.degraded_threshold
	DefaultDegradedThreshold = 5

	// DefaultLatencyAccuracy is the DDSketch relative accuracy for cycle
	// latency percentiles (0.01 = 1% error).
	// Override via config: health.latency_accuracy
	DefaultLatencyAccuracy = 0.01
)

// =============================================================================
// Sink Defaults
// =============================================================================

const (
	// DefaultSinkDialTimeout bounds sink connection establishment.
	// Override via config: sink.dial_timeout
	DefaultSinkDialTimeout = 8 * time.Second

	// DefaultSinkWriteTimeout bounds a single sink submission.
	// Override via config: sink.write_timeout
	DefaultSinkWriteTimeout = 5 * time.Second
)
