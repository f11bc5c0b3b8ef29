// Package cursor tracks, per polled hypervisor target, the last successfully
// consumed feed timestamp. It decides the start parameter for the next fetch
// and deduplicates rows that were already emitted, which is what gives the
// pipeline gap-free, duplicate-free delivery across cycles and restarts.
package cursor

import (
	"sort"
	"time"

	"github.com/xtxerr/xenfeed/internal/rrd"
)

// State is the process-lifetime cursor for one polled target. It is owned
// exclusively by that target's poller; a single writer, so no locking here.
type State struct {
	// LastEmitted is the timestamp (epoch seconds) of the newest row whose
	// samples were confirmed dispatched. Monotonically non-decreasing; never
	// rewound except by Reset.
	LastEmitted int64

	// LastStep is the step of the most recently consumed feed, kept for gap
	// diagnostics.
	LastStep int64

	// BootstrapLookback is how far back the first fetch reaches when no rows
	// were ever emitted. Zero means fetch everything since epoch.
	BootstrapLookback time.Duration
}

// NextStart returns the start parameter for the next fetch: one second past
// the last emitted row, or the bootstrap position when nothing was emitted
// yet.
func (s *State) NextStart(now time.Time) int64 {
	if s.LastEmitted > 0 {
		return s.LastEmitted + 1
	}
	if s.BootstrapLookback > 0 {
		return now.Add(-s.BootstrapLookback).Unix()
	}
	return 0
}

// Pending filters rows down to those not yet emitted, in ascending timestamp
// order, without touching cursor state. The poller dispatches the pending
// rows first and only then confirms them via Accept, so a failed dispatch
// leaves the cursor where it was.
func (s *State) Pending(rows []rrd.Row) []rrd.Row {
	out := make([]rrd.Row, 0, len(rows))
	for _, r := range rows {
		if r.Timestamp > s.LastEmitted {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Accept filters out rows at or before the last emitted timestamp, advances
// the cursor to the maximum accepted timestamp, and returns the accepted rows
// in ascending order. Accepting the same input twice is idempotent: the
// second call returns an empty set. An empty filtered set is a no-op.
func (s *State) Accept(rows []rrd.Row) []rrd.Row {
	accepted := s.Pending(rows)
	if len(accepted) == 0 {
		return accepted
	}
	s.LastEmitted = accepted[len(accepted)-1].Timestamp
	return accepted
}

// ObserveStep records the step of the feed just consumed.
func (s *State) ObserveStep(step int64) {
	if step > 0 {
		s.LastStep = step
	}
}

// Gap reports whether a feed starting at feedStart leaves a hole after the
// cursor: feedStart beyond LastEmitted+1 by more than toleranceSteps step
// intervals. Such a gap means history was lost on the server side (clock
// skew, RRD wraparound); it is logged as a data-loss event and processing
// continues from the new data.
func (s *State) Gap(feedStart, step int64, toleranceSteps int) (missing int64, gapped bool) {
	if s.LastEmitted == 0 {
		return 0, false // bootstrap, nothing to miss
	}
	if step <= 0 {
		step = s.LastStep
	}
	if step <= 0 {
		return 0, false
	}
	tolerance := step * int64(toleranceSteps)
	if feedStart > s.LastEmitted+1+tolerance {
		return feedStart - s.LastEmitted - 1, true
	}
	return 0, false
}

// Reset rewinds the cursor to its initial state. Only used for explicit
// operator-driven resets; normal operation never rewinds.
func (s *State) Reset() {
	s.LastEmitted = 0
	s.LastStep = 0
}
