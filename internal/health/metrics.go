package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenfeed_cycles_total",
			Help: "Poll cycles by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	samplesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenfeed_samples_emitted_total",
			Help: "Samples submitted to the sink per target",
		},
		[]string{"target"},
	)

	gapValues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenfeed_gap_values_total",
			Help: "Row/column positions skipped because the feed carried a gap marker",
		},
		[]string{"target"},
	)

	filteredValues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenfeed_filtered_values_total",
			Help: "Values suppressed by the metric name filter",
		},
		[]string{"target"},
	)

	gapEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenfeed_cursor_gap_events_total",
			Help: "Cycles whose feed started later than the cursor expected",
		},
		[]string{"target"},
	)

	stepsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xenfeed_cursor_steps_lost_total",
			Help: "Feed steps lost to cursor gaps",
		},
		[]string{"target"},
	)

	cursorPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xenfeed_cursor_position_seconds",
			Help: "Last emitted timestamp per target, epoch seconds",
		},
		[]string{"target"},
	)

	backoffIntervals = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xenfeed_backoff_intervals",
			Help: "Current backoff multiplier per target, 0 when polling normally",
		},
		[]string{"target"},
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xenfeed_cycle_duration_seconds",
			Help:    "Full fetch-parse-dispatch cycle duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target"},
	)

	feedBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xenfeed_feed_bytes",
			Help:    "Size of fetched feed documents",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"target"},
	)
)
