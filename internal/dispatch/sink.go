// Package dispatch maps decoded feed rows into metric-identity-tagged
// samples and forwards them to the downstream sink.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/xtxerr/xenfeed/internal/logging"
	"github.com/xtxerr/xenfeed/internal/rrd"
)

// Identity is the downstream-facing name of a series.
type Identity struct {
	Kind     rrd.EntityKind
	EntityID string
	Metric   string
	Instance string
}

// String renders the identity in the form used by logs and the log sink:
// kind/uuid/metric[instance].
func (id Identity) String() string {
	s := id.Kind.String() + "/" + id.EntityID + "/" + id.Metric
	if id.Instance != "" {
		s += "[" + id.Instance + "]"
	}
	return s
}

// Sample is the fully resolved, dispatch-ready unit: one finite value for one
// series at one timestamp. Samples are handed to the sink and not retained.
type Sample struct {
	Identity      Identity
	Consolidation rrd.Consolidation

	// Timestamp is in epoch seconds, a multiple of the feed step.
	Timestamp int64

	// Value is finite; gap markers never become samples.
	Value float64

	// Interval is the feed step in seconds.
	Interval int64
}

// Sink accepts samples for downstream delivery. Submit returns per-call
// success or failure; implementations must not silently drop. Per-identity
// timestamps arrive monotonically increasing (the cursor guarantees it), and
// no further ordering is required.
type Sink interface {
	Submit(ctx context.Context, s Sample) error
	Close(ctx context.Context) error
}

// =============================================================================
// Log Sink
// =============================================================================

// LogSink writes each sample to the structured log. It is the default sink
// for smoke-testing a deployment before a real backend is configured.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{log: logging.Component("sink")}
}

// Submit logs the sample.
func (s *LogSink) Submit(_ context.Context, sample Sample) error {
	s.log.Info("sample",
		"series", sample.Identity.String(),
		"cf", sample.Consolidation.String(),
		"t", sample.Timestamp,
		"value", sample.Value,
		"interval", sample.Interval)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close(context.Context) error { return nil }
