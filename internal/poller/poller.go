// Package poller runs the per-target fetch/parse/dispatch cycle against one
// hypervisor feed endpoint. One Poller owns one target; the scheduler
// guarantees cycles for the same target never overlap.
package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/xenfeed/config"
	"github.com/xtxerr/xenfeed/internal/cursor"
	"github.com/xtxerr/xenfeed/internal/dispatch"
	"github.com/xtxerr/xenfeed/internal/errors"
	"github.com/xtxerr/xenfeed/internal/health"
	"github.com/xtxerr/xenfeed/internal/logging"
	"github.com/xtxerr/xenfeed/internal/rrd"
	"github.com/xtxerr/xenfeed/internal/transport"
)

// =============================================================================
// Cycle State
// =============================================================================

// State is the poller's position in its cycle, exposed for diagnostics.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateParsing
	StateDispatching
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StateDispatching:
		return "dispatching"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// =============================================================================
// Poller
// =============================================================================

// Options configures one Poller.
type Options struct {
	Target     string
	Fetcher    transport.Fetcher
	Cursor     *cursor.State
	Dispatcher *dispatch.Dispatcher
	Health     *health.TargetHealth

	// Interval is the collection interval between cycles.
	Interval time.Duration

	// GapToleranceSteps is how many whole feed steps the feed start may lag
	// the cursor before the cycle is flagged as a gap.
	GapToleranceSteps int

	// BackoffBaseIntervals and BackoffCeilingIntervals bound the exponential
	// backoff multiplier applied after fetch or decode failures.
	BackoffBaseIntervals    int64
	BackoffCeilingIntervals int64
}

// Poller drives the cycle for one target. Not safe for concurrent RunCycle
// calls; the scheduler serializes them.
type Poller struct {
	target     string
	fetcher    transport.Fetcher
	cursor     *cursor.State
	dispatcher *dispatch.Dispatcher
	health     *health.TargetHealth
	log        *slog.Logger

	interval       time.Duration
	gapTolerance   int
	backoffBase    int64
	backoffCeiling int64

	state   atomic.Int32
	cycles  atomic.Uint64
	backoff int64 // current multiplier in intervals, 0 when polling normally

	// hostUUID pins the host column identity seen on the first decoded
	// cycle; a change is logged as a hypervisor identity problem.
	hostUUID string

	now func() time.Time
}

// New creates a Poller.
func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultCollectionInterval
	}
	if opts.GapToleranceSteps <= 0 {
		opts.GapToleranceSteps = config.DefaultGapToleranceSteps
	}
	if opts.BackoffBaseIntervals <= 0 {
		opts.BackoffBaseIntervals = config.DefaultBackoffBaseIntervals
	}
	if opts.BackoffCeilingIntervals <= 0 {
		opts.BackoffCeilingIntervals = config.DefaultBackoffCeilingIntervals
	}

	return &Poller{
		target:         opts.Target,
		fetcher:        opts.Fetcher,
		cursor:         opts.Cursor,
		dispatcher:     opts.Dispatcher,
		health:         opts.Health,
		log:            logging.Component("poller").With("target", opts.Target),
		interval:       opts.Interval,
		gapTolerance:   opts.GapToleranceSteps,
		backoffBase:    opts.BackoffBaseIntervals,
		backoffCeiling: opts.BackoffCeilingIntervals,
		now:            time.Now,
	}
}

// Target returns the poller's target name.
func (p *Poller) Target() string { return p.target }

// State returns the current cycle state.
func (p *Poller) State() State { return State(p.state.Load()) }

// Interval returns the configured collection interval.
func (p *Poller) Interval() time.Duration { return p.interval }

// RunCycle executes one full cycle and returns its outcome plus the delay
// until the next cycle (the collection interval, stretched by backoff after
// failures). Decode and transport errors never escape; they are logged and
// recorded in health.
func (p *Poller) RunCycle(ctx context.Context) (health.Outcome, time.Duration) {
	started := p.now()
	ctx = logging.ContextWithCycle(ctx, p.cycles.Add(1))

	outcome := p.cycle(ctx)

	if p.health != nil {
		p.health.RecordCycle(outcome, p.now().Sub(started))
		p.health.RecordCursor(p.cursor.LastEmitted)
		p.health.RecordBackoff(p.backoff)
	}

	return outcome, p.delay()
}

func (p *Poller) cycle(ctx context.Context) health.Outcome {
	p.state.Store(int32(StateFetching))
	defer func() {
		if p.backoff > 0 {
			p.state.Store(int32(StateBackoff))
		} else {
			p.state.Store(int32(StateIdle))
		}
	}()

	start := p.cursor.NextStart(p.now())
	raw, err := p.fetcher.Fetch(ctx, start)
	if err != nil {
		if ctx.Err() != nil {
			p.log.Debug("cycle cancelled", "start", start)
			return health.OutcomeCancelled
		}
		p.bumpBackoff()
		p.log.Warn("fetch failed",
			"start", start,
			"backoff_intervals", p.backoff,
			"error", err)
		return health.OutcomeTransport
	}
	if p.health != nil {
		p.health.RecordFeedSize(len(raw.Body))
	}

	p.state.Store(int32(StateParsing))
	feed, err := rrd.ParseFeed(raw.Body)
	if err != nil {
		if errors.Is(err, errors.ErrEmptyFeed) {
			p.resetBackoff()
			p.log.Debug("feed empty", "start", start)
			return health.OutcomeEmpty
		}
		p.bumpBackoff()
		p.log.Warn("feed discarded",
			"start", start,
			"backoff_intervals", p.backoff,
			"error", err)
		return health.OutcomeDecode
	}

	p.cursor.ObserveStep(feed.Meta.Step)
	p.checkGap(feed)
	p.checkHostUUID(feed)

	pending := p.cursor.Pending(feed.Rows)
	if len(pending) == 0 {
		p.resetBackoff()
		p.log.Debug("no rows newer than cursor",
			"start", start,
			"rows", len(feed.Rows),
			"cursor", p.cursor.LastEmitted)
		return health.OutcomeEmpty
	}

	p.state.Store(int32(StateDispatching))
	res, err := p.dispatcher.DispatchRows(ctx, feed.Legends, pending, feed.Meta.Step)
	if err != nil {
		// Cursor stays put: every pending row is retried next cycle, and
		// the sink sees each sample at most once per delivery attempt.
		p.resetBackoff()
		p.log.Warn("dispatch failed, cycle will be retried",
			"emitted_before_failure", res.Emitted,
			"cursor", p.cursor.LastEmitted,
			"error", err)
		return health.OutcomeSink
	}

	accepted := p.cursor.Accept(pending)
	p.resetBackoff()
	if p.health != nil {
		p.health.RecordDispatch(res.Emitted, res.Gaps, res.Filtered)
	}
	p.log.Info("cycle complete",
		"rows", len(accepted),
		"emitted", res.Emitted,
		"gaps", res.Gaps,
		"filtered", res.Filtered,
		"cursor", p.cursor.LastEmitted)
	return health.OutcomeSuccess
}

// checkGap flags feeds whose oldest row starts later than the cursor
// expected. Gaps are logged as data loss and recorded; they never block the
// cycle.
func (p *Poller) checkGap(feed *rrd.Feed) {
	missing, gapped := p.cursor.Gap(feed.Meta.Start, feed.Meta.Step, p.gapTolerance)
	if !gapped {
		return
	}
	p.log.Warn("feed starts past the cursor, samples lost",
		"cursor", p.cursor.LastEmitted,
		"feed_start", feed.Meta.Start,
		"steps_lost", missing)
	if p.health != nil {
		p.health.RecordGapEvent(missing)
	}
}

// checkHostUUID warns when the host column identity changes between cycles
// of the same target.
func (p *Poller) checkHostUUID(feed *rrd.Feed) {
	uuid := feed.HostUUID()
	if uuid == "" {
		return
	}
	if p.hostUUID == "" {
		p.hostUUID = uuid
		return
	}
	if uuid != p.hostUUID {
		p.log.Warn("host uuid changed between cycles",
			"was", p.hostUUID,
			"now", uuid)
		p.hostUUID = uuid
	}
}

func (p *Poller) bumpBackoff() {
	if p.backoff == 0 {
		p.backoff = p.backoffBase
		return
	}
	p.backoff *= 2
	if p.backoff > p.backoffCeiling {
		p.backoff = p.backoffCeiling
	}
}

func (p *Poller) resetBackoff() {
	p.backoff = 0
}

func (p *Poller) delay() time.Duration {
	if p.backoff <= 1 {
		return p.interval
	}
	return p.interval * time.Duration(p.backoff)
}
