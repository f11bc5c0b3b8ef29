// Package health tracks per-target cycle statistics: outcome counters,
// cycle-latency percentiles, and the degraded flag raised after repeated
// decode failures. It also owns the process Prometheus metrics.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/xenfeed/config"
)

// Outcome classifies one finished poll cycle.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeEmpty     Outcome = "empty"
	OutcomeTransport Outcome = "transport_error"
	OutcomeDecode    Outcome = "decode_error"
	OutcomeSink      Outcome = "sink_error"
	OutcomeCancelled Outcome = "cancelled"
)

// =============================================================================
// Per-Target Health
// =============================================================================

// TargetHealth tracks runtime statistics for one polling target.
//
// Counters use atomic operations for lock-free updates; the latency sketch
// is protected by a mutex. Safe for concurrent use.
type TargetHealth struct {
	Target string

	CyclesTotal     atomic.Int64
	CyclesSuccess   atomic.Int64
	CyclesEmpty     atomic.Int64
	TransportErrors atomic.Int64
	DecodeErrors    atomic.Int64
	SinkErrors      atomic.Int64
	SamplesEmitted  atomic.Int64
	GapValues       atomic.Int64
	GapEvents       atomic.Int64

	// consecutiveDecodeErrors drives the degraded flag. Any successful or
	// empty cycle resets it.
	consecutiveDecodeErrors atomic.Int64
	degradedThreshold       int64

	mu        sync.Mutex
	sketch    *ddsketch.DDSketch
	lastCycle time.Time
}

func newTargetHealth(target string, degradedThreshold int64) *TargetHealth {
	h := &TargetHealth{
		Target:            target,
		degradedThreshold: degradedThreshold,
	}
	sketch, err := ddsketch.NewDefaultDDSketch(config.DefaultLatencyAccuracy)
	if err == nil {
		h.sketch = sketch
	}
	return h
}

// RecordCycle records one finished cycle with its outcome and duration.
func (h *TargetHealth) RecordCycle(outcome Outcome, d time.Duration) {
	h.CyclesTotal.Add(1)

	switch outcome {
	case OutcomeSuccess:
		h.CyclesSuccess.Add(1)
		h.consecutiveDecodeErrors.Store(0)
	case OutcomeEmpty:
		h.CyclesEmpty.Add(1)
		h.consecutiveDecodeErrors.Store(0)
	case OutcomeTransport:
		h.TransportErrors.Add(1)
	case OutcomeDecode:
		h.DecodeErrors.Add(1)
		h.consecutiveDecodeErrors.Add(1)
	case OutcomeSink:
		h.SinkErrors.Add(1)
	}

	cyclesTotal.WithLabelValues(h.Target, string(outcome)).Inc()
	cycleDuration.WithLabelValues(h.Target).Observe(d.Seconds())

	h.mu.Lock()
	h.lastCycle = time.Now()
	if h.sketch != nil {
		_ = h.sketch.Add(float64(d.Milliseconds()))
	}
	h.mu.Unlock()
}

// RecordDispatch records the sample counts of one successful dispatch.
func (h *TargetHealth) RecordDispatch(emitted, gaps, filtered int) {
	h.SamplesEmitted.Add(int64(emitted))
	h.GapValues.Add(int64(gaps))

	samplesEmitted.WithLabelValues(h.Target).Add(float64(emitted))
	gapValues.WithLabelValues(h.Target).Add(float64(gaps))
	filteredValues.WithLabelValues(h.Target).Add(float64(filtered))
}

// RecordGapEvent records a cursor gap of the given number of lost steps.
func (h *TargetHealth) RecordGapEvent(missingSteps int64) {
	h.GapEvents.Add(1)
	gapEvents.WithLabelValues(h.Target).Inc()
	stepsLost.WithLabelValues(h.Target).Add(float64(missingSteps))
}

// RecordCursor publishes the cursor position.
func (h *TargetHealth) RecordCursor(lastEmitted int64) {
	cursorPosition.WithLabelValues(h.Target).Set(float64(lastEmitted))
}

// RecordBackoff publishes the current backoff multiplier, 0 when polling
// normally.
func (h *TargetHealth) RecordBackoff(intervals int64) {
	backoffIntervals.WithLabelValues(h.Target).Set(float64(intervals))
}

// RecordFeedSize records the byte size of one fetched feed.
func (h *TargetHealth) RecordFeedSize(n int) {
	feedBytes.WithLabelValues(h.Target).Observe(float64(n))
}

// Degraded reports whether the target has crossed the consecutive
// decode-failure threshold.
func (h *TargetHealth) Degraded() bool {
	return h.consecutiveDecodeErrors.Load() >= h.degradedThreshold
}

// LatencyPercentiles returns the p50/p95/p99 cycle latency in milliseconds.
// Zeros when no cycles have been recorded yet.
func (h *TargetHealth) LatencyPercentiles() (p50, p95, p99 float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sketch == nil || h.sketch.GetCount() == 0 {
		return 0, 0, 0
	}
	qs, err := h.sketch.GetValuesAtQuantiles([]float64{0.5, 0.95, 0.99})
	if err != nil || len(qs) != 3 {
		return 0, 0, 0
	}
	return qs[0], qs[1], qs[2]
}

// LastCycle returns when the target last finished a cycle.
func (h *TargetHealth) LastCycle() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCycle
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds health state for all targets.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu                sync.RWMutex
	targets           map[string]*TargetHealth
	degradedThreshold int64
}

// NewRegistry creates a Registry. degradedThreshold <= 0 uses the default.
func NewRegistry(degradedThreshold int) *Registry {
	if degradedThreshold <= 0 {
		degradedThreshold = config.DefaultDegradedThreshold
	}
	return &Registry{
		targets:           make(map[string]*TargetHealth),
		degradedThreshold: int64(degradedThreshold),
	}
}

// Target returns health state for a target, creating it if needed.
func (r *Registry) Target(name string) *TargetHealth {
	r.mu.RLock()
	h, ok := r.targets[name]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.targets[name]; ok {
		return h
	}
	h = newTargetHealth(name, r.degradedThreshold)
	r.targets[name] = h
	return h
}

// Healthy reports whether no target is degraded.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.targets {
		if h.Degraded() {
			return false
		}
	}
	return true
}

// TargetSnapshot is the externally visible state of one target.
type TargetSnapshot struct {
	Target          string    `json:"target"`
	Degraded        bool      `json:"degraded"`
	CyclesTotal     int64     `json:"cycles_total"`
	CyclesSuccess   int64     `json:"cycles_success"`
	CyclesEmpty     int64     `json:"cycles_empty"`
	TransportErrors int64     `json:"transport_errors"`
	DecodeErrors    int64     `json:"decode_errors"`
	SinkErrors      int64     `json:"sink_errors"`
	SamplesEmitted  int64     `json:"samples_emitted"`
	GapEvents       int64     `json:"gap_events"`
	LatencyP50Ms    float64   `json:"latency_p50_ms"`
	LatencyP95Ms    float64   `json:"latency_p95_ms"`
	LatencyP99Ms    float64   `json:"latency_p99_ms"`
	LastCycle       time.Time `json:"last_cycle"`
}

// Snapshot returns the state of all targets.
func (r *Registry) Snapshot() []TargetSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TargetSnapshot, 0, len(r.targets))
	for _, h := range r.targets {
		p50, p95, p99 := h.LatencyPercentiles()
		out = append(out, TargetSnapshot{
			Target:          h.Target,
			Degraded:        h.Degraded(),
			CyclesTotal:     h.CyclesTotal.Load(),
			CyclesSuccess:   h.CyclesSuccess.Load(),
			CyclesEmpty:     h.CyclesEmpty.Load(),
			TransportErrors: h.TransportErrors.Load(),
			DecodeErrors:    h.DecodeErrors.Load(),
			SinkErrors:      h.SinkErrors.Load(),
			SamplesEmitted:  h.SamplesEmitted.Load(),
			GapEvents:       h.GapEvents.Load(),
			LatencyP50Ms:    p50,
			LatencyP95Ms:    p95,
			LatencyP99Ms:    p99,
			LastCycle:       h.LastCycle(),
		})
	}
	return out
}
