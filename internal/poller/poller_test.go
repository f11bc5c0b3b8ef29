package poller

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/xenfeed/internal/cursor"
	"github.com/xtxerr/xenfeed/internal/dispatch"
	"github.com/xtxerr/xenfeed/internal/errors"
	"github.com/xtxerr/xenfeed/internal/health"
	"github.com/xtxerr/xenfeed/internal/rrd"
)

// fakeFetcher replays scripted responses, one per Fetch call.
type fakeFetcher struct {
	responses []fetchResponse
	calls     int
	starts    []int64
}

type fetchResponse struct {
	body string
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, start int64) (*rrd.RawFeed, error) {
	f.starts = append(f.starts, start)
	if f.calls >= len(f.responses) {
		return nil, fmt.Errorf("unexpected fetch #%d", f.calls)
	}
	r := f.responses[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &rrd.RawFeed{Body: []byte(r.body), ReceivedAt: time.Now(), Status: 200}, nil
}

// captureSink records samples and optionally fails after n accepted.
type captureSink struct {
	samples   []dispatch.Sample
	failAfter int
	failErr   error
}

func (s *captureSink) Submit(_ context.Context, sample dispatch.Sample) error {
	if s.failErr != nil && len(s.samples) >= s.failAfter {
		return s.failErr
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

// feedDoc builds an xport document. Rows are emitted newest-first, the way
// the server sends them.
func feedDoc(start, end, step int64, legends []string, rows map[int64][]string) string {
	var b strings.Builder
	b.WriteString("<xport><meta>")
	fmt.Fprintf(&b, "<start>%d</start><step>%d</step><end>%d</end>", start, step, end)
	fmt.Fprintf(&b, "<rows>%d</rows><columns>%d</columns>", len(rows), len(legends))
	b.WriteString("<legend>")
	for _, l := range legends {
		fmt.Fprintf(&b, "<entry>%s</entry>", l)
	}
	b.WriteString("</legend></meta><data>")
	var ts []int64
	for t := range rows {
		ts = append(ts, t)
	}
	for i := 0; i < len(ts); i++ {
		for j := i + 1; j < len(ts); j++ {
			if ts[j] > ts[i] {
				ts[i], ts[j] = ts[j], ts[i]
			}
		}
	}
	for _, t := range ts {
		fmt.Fprintf(&b, "<row><t>%d</t>", t)
		for _, v := range rows[t] {
			fmt.Fprintf(&b, "<v>%s</v>", v)
		}
		b.WriteString("</row>")
	}
	b.WriteString("</data></xport>")
	return b.String()
}

func emptyDoc() string {
	return feedDoc(0, 0, 5, []string{"AVERAGE:host:aa02:cpu_avg"}, nil)
}

func newTestPoller(f *fakeFetcher, sink dispatch.Sink, cur *cursor.State) (*Poller, *health.TargetHealth) {
	h := health.NewRegistry(5).Target("xen-test")
	p := New(Options{
		Target:                  "xen-test",
		Fetcher:                 f,
		Cursor:                  cur,
		Dispatcher:              dispatch.New(sink, nil),
		Health:                  h,
		Interval:                time.Minute,
		BackoffCeilingIntervals: 8,
	})
	return p, h
}

func TestRunCycleNormal(t *testing.T) {
	legends := []string{"AVERAGE:host:aa02:cpu_avg", "AVERAGE:vm:be01:memory"}
	body := feedDoc(105, 110, 5, legends, map[int64][]string{
		105: {"0.25", "1024"},
		110: {"0.50", "2048"},
	})
	f := &fakeFetcher{responses: []fetchResponse{{body: body}}}
	sink := &captureSink{}
	cur := &cursor.State{LastEmitted: 100}
	p, _ := newTestPoller(f, sink, cur)

	outcome, delay := p.RunCycle(context.Background())
	if outcome != health.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
	if delay != time.Minute {
		t.Errorf("delay = %v, want the interval", delay)
	}
	if f.starts[0] != 101 {
		t.Errorf("fetch start = %d, want cursor+1 = 101", f.starts[0])
	}
	if cur.LastEmitted != 110 {
		t.Errorf("cursor = %d, want 110", cur.LastEmitted)
	}
	if len(sink.samples) != 4 {
		t.Fatalf("sink received %d samples, want 4", len(sink.samples))
	}
	// Ascending row order regardless of wire order.
	if sink.samples[0].Timestamp != 105 || sink.samples[3].Timestamp != 110 {
		t.Errorf("samples out of order: %+v", sink.samples)
	}
	if p.State() != StateIdle {
		t.Errorf("state = %v, want idle", p.State())
	}
}

func TestRunCycleSingleColumn(t *testing.T) {
	body := feedDoc(100, 110, 5, []string{"AVERAGE:host:abc-1:cpu0"}, map[int64][]string{
		100: {"0.10"},
		105: {"0.20"},
		110: {"0.30"},
	})
	f := &fakeFetcher{responses: []fetchResponse{{body: body}}}
	sink := &captureSink{}
	cur := &cursor.State{LastEmitted: 100}
	p, _ := newTestPoller(f, sink, cur)

	outcome, _ := p.RunCycle(context.Background())
	if outcome != health.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
	if len(sink.samples) != 2 {
		t.Fatalf("sink received %d samples, want 2 (t=100 already emitted)", len(sink.samples))
	}
	if sink.samples[0].Timestamp != 105 || sink.samples[1].Timestamp != 110 {
		t.Errorf("timestamps = %d, %d, want 105, 110",
			sink.samples[0].Timestamp, sink.samples[1].Timestamp)
	}
	if got := sink.samples[0].Identity.String(); got != "host/abc-1/cpu[0]" {
		t.Errorf("identity = %q, want host/abc-1/cpu[0]", got)
	}
	if cur.LastEmitted != 110 {
		t.Errorf("cursor = %d, want 110", cur.LastEmitted)
	}
}

func TestRunCycleGapRowStillAdvancesCursor(t *testing.T) {
	body := feedDoc(100, 110, 5, []string{"AVERAGE:host:abc-1:cpu0"}, map[int64][]string{
		105: {"NaN"},
		110: {"0.30"},
	})
	f := &fakeFetcher{responses: []fetchResponse{{body: body}}}
	sink := &captureSink{}
	cur := &cursor.State{LastEmitted: 100}
	p, _ := newTestPoller(f, sink, cur)

	if outcome, _ := p.RunCycle(context.Background()); outcome != health.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
	if len(sink.samples) != 1 || sink.samples[0].Timestamp != 110 {
		t.Fatalf("samples = %+v, want only t=110", sink.samples)
	}
	// The gap row counts as consumed even though it produced no sample.
	if cur.LastEmitted != 110 {
		t.Errorf("cursor = %d, want 110", cur.LastEmitted)
	}
}

func TestRunCycleSkipsGapValues(t *testing.T) {
	legends := []string{"AVERAGE:host:aa02:cpu_avg", "AVERAGE:host:aa02:load_avg"}
	body := feedDoc(105, 110, 5, legends, map[int64][]string{
		105: {"NaN", "0.7"},
		110: {"0.5", ""},
	})
	f := &fakeFetcher{responses: []fetchResponse{{body: body}}}
	sink := &captureSink{}
	p, h := newTestPoller(f, sink, &cursor.State{LastEmitted: 100})

	outcome, _ := p.RunCycle(context.Background())
	if outcome != health.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
	if len(sink.samples) != 2 {
		t.Fatalf("sink received %d samples, want 2 (gaps skipped)", len(sink.samples))
	}
	if got := h.GapValues.Load(); got != 2 {
		t.Errorf("gap values = %d, want 2", got)
	}
}

func TestRunCycleEmptyFeedIsNotAnError(t *testing.T) {
	f := &fakeFetcher{responses: []fetchResponse{{body: emptyDoc()}}}
	sink := &captureSink{}
	cur := &cursor.State{LastEmitted: 100}
	p, h := newTestPoller(f, sink, cur)

	outcome, delay := p.RunCycle(context.Background())
	if outcome != health.OutcomeEmpty {
		t.Fatalf("outcome = %v, want empty", outcome)
	}
	if delay != time.Minute {
		t.Errorf("delay = %v, want the interval (no backoff)", delay)
	}
	if cur.LastEmitted != 100 {
		t.Errorf("cursor moved on an empty feed: %d", cur.LastEmitted)
	}
	if h.Degraded() {
		t.Error("empty feed marked target degraded")
	}
}

func TestRunCycleTransportBackoffGrowth(t *testing.T) {
	var responses []fetchResponse
	for i := 0; i < 6; i++ {
		responses = append(responses, fetchResponse{err: errors.Wrap(errors.ErrTransport, "dial failed")})
	}
	f := &fakeFetcher{responses: responses}
	p, _ := newTestPoller(f, &captureSink{}, &cursor.State{})

	want := []time.Duration{
		1 * time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		8 * time.Minute,
		8 * time.Minute,
	}
	for i, w := range want {
		outcome, delay := p.RunCycle(context.Background())
		if outcome != health.OutcomeTransport {
			t.Fatalf("cycle %d outcome = %v, want transport_error", i, outcome)
		}
		if delay != w {
			t.Errorf("cycle %d delay = %v, want %v", i, delay, w)
		}
	}
	if p.State() != StateBackoff {
		t.Errorf("state = %v, want backoff", p.State())
	}
}

func TestRunCycleBackoffResetsOnSuccess(t *testing.T) {
	legends := []string{"AVERAGE:host:aa02:cpu_avg"}
	good := feedDoc(105, 105, 5, legends, map[int64][]string{105: {"0.5"}})
	f := &fakeFetcher{responses: []fetchResponse{
		{err: errors.Wrap(errors.ErrTransport, "dial failed")},
		{err: errors.Wrap(errors.ErrTransport, "dial failed")},
		{body: good},
	}}
	p, _ := newTestPoller(f, &captureSink{}, &cursor.State{LastEmitted: 100})

	p.RunCycle(context.Background())
	_, delay := p.RunCycle(context.Background())
	if delay != 2*time.Minute {
		t.Fatalf("second failure delay = %v, want 2x interval", delay)
	}

	outcome, delay := p.RunCycle(context.Background())
	if outcome != health.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", outcome)
	}
	if delay != time.Minute {
		t.Errorf("delay after recovery = %v, want the interval", delay)
	}
}

func TestRunCycleMalformedLegendDiscardsCycle(t *testing.T) {
	body := feedDoc(105, 110, 5,
		[]string{"AVERAGE:host:aa02:cpu_avg", "AVERAGE:garbage"},
		map[int64][]string{
			105: {"0.25", "1"},
			110: {"0.50", "2"},
		})
	f := &fakeFetcher{responses: []fetchResponse{{body: body}}}
	sink := &captureSink{}
	cur := &cursor.State{LastEmitted: 100}
	p, _ := newTestPoller(f, sink, cur)

	outcome, _ := p.RunCycle(context.Background())
	if outcome != health.OutcomeDecode {
		t.Fatalf("outcome = %v, want decode_error", outcome)
	}
	if len(sink.samples) != 0 {
		t.Errorf("partial cycle reached the sink: %d samples", len(sink.samples))
	}
	if cur.LastEmitted != 100 {
		t.Errorf("cursor moved on a discarded cycle: %d", cur.LastEmitted)
	}
	if p.State() != StateBackoff {
		t.Errorf("state = %v, want backoff", p.State())
	}
}

func TestRunCycleRepeatedDecodeFailuresDegrade(t *testing.T) {
	var responses []fetchResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, fetchResponse{body: "not xml at all"})
	}
	f := &fakeFetcher{responses: responses}
	p, h := newTestPoller(f, &captureSink{}, &cursor.State{})

	for i := 0; i < 5; i++ {
		if outcome, _ := p.RunCycle(context.Background()); outcome != health.OutcomeDecode {
			t.Fatalf("cycle %d outcome = %v, want decode_error", i, outcome)
		}
	}
	if !h.Degraded() {
		t.Error("target not degraded after repeated decode failures")
	}
}

func TestRunCycleSinkFailureWithholdsCursor(t *testing.T) {
	legends := []string{"AVERAGE:vm:be01:cpu_avg"}
	body := feedDoc(105, 115, 5, legends, map[int64][]string{
		105: {"0.1"},
		110: {"0.2"},
		115: {"0.3"},
	})
	sinkErr := fmt.Errorf("backend unavailable")
	sink := &captureSink{failAfter: 2, failErr: sinkErr}
	f := &fakeFetcher{responses: []fetchResponse{{body: body}, {body: body}}}
	cur := &cursor.State{LastEmitted: 100}
	p, _ := newTestPoller(f, sink, cur)

	outcome, _ := p.RunCycle(context.Background())
	if outcome != health.OutcomeSink {
		t.Fatalf("outcome = %v, want sink_error", outcome)
	}
	if cur.LastEmitted != 100 {
		t.Fatalf("cursor advanced despite sink failure: %d", cur.LastEmitted)
	}

	// Backend recovers; every pending row is delivered on the retry.
	sink.failErr = nil
	outcome, _ = p.RunCycle(context.Background())
	if outcome != health.OutcomeSuccess {
		t.Fatalf("retry outcome = %v, want success", outcome)
	}
	if cur.LastEmitted != 115 {
		t.Errorf("cursor = %d, want 115 after retry", cur.LastEmitted)
	}
	seen := map[int64]int{}
	for _, s := range sink.samples {
		seen[s.Timestamp]++
	}
	// The two samples accepted before the failure are delivered again on
	// the retry; the cursor only dedupes across confirmed cycles.
	for _, ts := range []int64{105, 110, 115} {
		if seen[ts] == 0 {
			t.Errorf("timestamp %d never delivered", ts)
		}
	}
}

func TestRunCycleNoDuplicatesAcrossConfirmedCycles(t *testing.T) {
	legends := []string{"AVERAGE:host:aa02:cpu_avg"}
	first := feedDoc(105, 110, 5, legends, map[int64][]string{
		105: {"0.1"},
		110: {"0.2"},
	})
	// Second fetch overlaps the boundary row, as the server does.
	second := feedDoc(110, 115, 5, legends, map[int64][]string{
		110: {"0.2"},
		115: {"0.3"},
	})
	f := &fakeFetcher{responses: []fetchResponse{{body: first}, {body: second}}}
	sink := &captureSink{}
	cur := &cursor.State{LastEmitted: 100}
	p, _ := newTestPoller(f, sink, cur)

	p.RunCycle(context.Background())
	p.RunCycle(context.Background())

	seen := map[int64]int{}
	for _, s := range sink.samples {
		seen[s.Timestamp]++
	}
	for ts, n := range seen {
		if n != 1 {
			t.Errorf("timestamp %d delivered %d times", ts, n)
		}
	}
	if cur.LastEmitted != 115 {
		t.Errorf("cursor = %d, want 115", cur.LastEmitted)
	}
}

func TestRunCycleGapEventRecorded(t *testing.T) {
	legends := []string{"AVERAGE:host:aa02:cpu_avg"}
	// Cursor expects 101; the feed starts at 150, 8 lost steps past
	// tolerance.
	body := feedDoc(150, 155, 5, legends, map[int64][]string{
		150: {"0.1"},
		155: {"0.2"},
	})
	f := &fakeFetcher{responses: []fetchResponse{{body: body}}}
	cur := &cursor.State{LastEmitted: 100, LastStep: 5}
	p, h := newTestPoller(f, &captureSink{}, cur)

	outcome, _ := p.RunCycle(context.Background())
	if outcome != health.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success (gaps never block)", outcome)
	}
	if h.GapEvents.Load() != 1 {
		t.Errorf("gap events = %d, want 1", h.GapEvents.Load())
	}
	if cur.LastEmitted != 155 {
		t.Errorf("cursor = %d, want 155", cur.LastEmitted)
	}
}

func TestRunCycleCancelledLeavesCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeFetcher{responses: []fetchResponse{{err: ctx.Err()}}}
	cur := &cursor.State{LastEmitted: 100}
	p, _ := newTestPoller(f, &captureSink{}, cur)

	outcome, _ := p.RunCycle(ctx)
	if outcome != health.OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", outcome)
	}
	if cur.LastEmitted != 100 {
		t.Errorf("cursor moved on a cancelled cycle: %d", cur.LastEmitted)
	}
}

func TestRunCycleBootstrapFetchesFromZero(t *testing.T) {
	f := &fakeFetcher{responses: []fetchResponse{{body: emptyDoc()}}}
	p, _ := newTestPoller(f, &captureSink{}, &cursor.State{})

	p.RunCycle(context.Background())
	if f.starts[0] != 0 {
		t.Errorf("bootstrap start = %d, want 0", f.starts[0])
	}
}
