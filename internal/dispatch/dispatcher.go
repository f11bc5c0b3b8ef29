package dispatch

import (
	"context"
	"math"
	"path"

	"github.com/xtxerr/xenfeed/internal/errors"
	"github.com/xtxerr/xenfeed/internal/logging"
	"github.com/xtxerr/xenfeed/internal/rrd"
)

// =============================================================================
// Metric Filter
// =============================================================================

// Filter selects metrics by name using glob patterns. An empty include list
// admits everything; excludes are applied afterwards and win.
type Filter struct {
	Include []string
	Exclude []string
}

// Admit reports whether a metric name passes the filter. Patterns use
// path.Match syntax ("vif_*", "cpu", "vbd_?_read"). A pattern that fails to
// compile never matches.
func (f *Filter) Admit(metric string) bool {
	if f == nil {
		return true
	}
	if len(f.Include) > 0 && !matchAny(f.Include, metric) {
		return false
	}
	return !matchAny(f.Exclude, metric)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher is the terminal fan-out of a poll cycle: it joins accepted rows
// with their column legends, applies the metric filter and presentation
// rules, and makes exactly one sink submission per resulting sample.
type Dispatcher struct {
	sink   Sink
	filter *Filter
}

// New creates a Dispatcher. filter may be nil to admit all metrics.
func New(sink Sink, filter *Filter) *Dispatcher {
	return &Dispatcher{sink: sink, filter: filter}
}

// Result summarizes one cycle's dispatch.
type Result struct {
	// Emitted is the number of samples submitted to the sink.
	Emitted int

	// Gaps is the number of row/column positions skipped because the value
	// was a gap marker.
	Gaps int

	// Filtered is the number of positions suppressed by the metric filter.
	Filtered int
}

// DispatchRows fans the accepted rows out to the sink in row order, columns
// in legend order within each row. Gap markers are skipped, never zeroed.
// The first sink failure aborts the cycle and is returned wrapped in ErrSink;
// the caller keeps the cursor where it was so the remaining samples are
// retried next cycle.
func (d *Dispatcher) DispatchRows(ctx context.Context, legends []rrd.LegendEntry, rows []rrd.Row, step int64) (Result, error) {
	var res Result

	// Resolve the filter per column once, not per row.
	admit := make([]bool, len(legends))
	for i, l := range legends {
		admit[i] = d.filter.Admit(l.Metric)
		if !admit[i] {
			res.Filtered += len(rows)
		}
	}

	for _, row := range rows {
		for col, l := range legends {
			if !admit[col] {
				continue
			}
			v := row.Values[col]
			if rrd.IsGap(v) || math.IsInf(v, 0) {
				res.Gaps++
				continue
			}

			sample := Sample{
				Identity: Identity{
					Kind:     l.Kind,
					EntityID: l.EntityID,
					Metric:   l.Metric,
					Instance: l.Instance,
				},
				Consolidation: l.Consolidation,
				Timestamp:     row.Timestamp,
				Value:         v,
				Interval:      step,
			}

			if err := d.sink.Submit(ctx, sample); err != nil {
				logging.WithContext(ctx).Warn("sink submission failed",
					"series", sample.Identity.String(),
					"t", sample.Timestamp,
					"error", err)
				return res, errors.Wrapf(errors.ErrSink, "submit %s: %v", sample.Identity, err)
			}
			res.Emitted++
		}
	}

	return res, nil
}

// Close closes the underlying sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.sink.Close(ctx)
}
