package dispatch

import (
	"context"
	"errors"
	"math"
	"testing"

	xferrors "github.com/xtxerr/xenfeed/internal/errors"
	"github.com/xtxerr/xenfeed/internal/rrd"
)

// captureSink records submitted samples and can be told to fail after a
// number of accepted submissions.
type captureSink struct {
	samples   []Sample
	failAfter int
	failErr   error
	closed    bool
}

func (s *captureSink) Submit(_ context.Context, sample Sample) error {
	if s.failErr != nil && len(s.samples) >= s.failAfter {
		return s.failErr
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.closed = true
	return nil
}

func legends(t *testing.T, tokens ...string) []rrd.LegendEntry {
	t.Helper()
	out := make([]rrd.LegendEntry, len(tokens))
	for i, tok := range tokens {
		entry, err := rrd.ParseLegend(tok)
		if err != nil {
			t.Fatalf("ParseLegend(%q): %v", tok, err)
		}
		out[i] = entry
	}
	return out
}

func TestDispatchRowsIdentityMapping(t *testing.T) {
	sink := &captureSink{}
	d := New(sink, nil)

	ls := legends(t,
		"AVERAGE:vm:be01:vif_0_tx",
		"MAX:host:aa02:cpu3",
	)
	rows := []rrd.Row{
		{Timestamp: 100, Values: []float64{1.5, 0.25}},
		{Timestamp: 110, Values: []float64{2.5, 0.5}},
	}

	res, err := d.DispatchRows(context.Background(), ls, rows, 10)
	if err != nil {
		t.Fatalf("DispatchRows: %v", err)
	}
	if res.Emitted != 4 || res.Gaps != 0 || res.Filtered != 0 {
		t.Fatalf("result = %+v, want 4 emitted", res)
	}

	first := sink.samples[0]
	if got := first.Identity.String(); got != "vm/be01/vif_tx[0]" {
		t.Errorf("identity = %q, want vm/be01/vif_tx[0]", got)
	}
	if first.Consolidation != rrd.ConsolidationAverage {
		t.Errorf("cf = %v, want AVERAGE", first.Consolidation)
	}
	if first.Timestamp != 100 || first.Value != 1.5 || first.Interval != 10 {
		t.Errorf("sample = %+v", first)
	}

	second := sink.samples[1]
	if got := second.Identity.String(); got != "host/aa02/cpu[3]" {
		t.Errorf("identity = %q, want host/aa02/cpu[3]", got)
	}

	// Row order outer, column order inner.
	if sink.samples[2].Timestamp != 110 || sink.samples[3].Timestamp != 110 {
		t.Errorf("rows dispatched out of order: %+v", sink.samples)
	}
}

func TestDispatchRowsSkipsGaps(t *testing.T) {
	sink := &captureSink{}
	d := New(sink, nil)

	ls := legends(t, "AVERAGE:host:aa02:memory_total_kib", "AVERAGE:host:aa02:load_avg")
	rows := []rrd.Row{
		{Timestamp: 100, Values: []float64{math.NaN(), 0.7}},
		{Timestamp: 110, Values: []float64{4096, math.Inf(1)}},
	}

	res, err := d.DispatchRows(context.Background(), ls, rows, 10)
	if err != nil {
		t.Fatalf("DispatchRows: %v", err)
	}
	if res.Emitted != 2 || res.Gaps != 2 {
		t.Fatalf("result = %+v, want 2 emitted 2 gaps", res)
	}
	for _, s := range sink.samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			t.Errorf("non-finite value reached the sink: %+v", s)
		}
	}
}

func TestDispatchRowsFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   *Filter
		metric   string
		admitted bool
	}{
		{"nil filter admits", nil, "cpu_avg", true},
		{"empty filter admits", &Filter{}, "cpu_avg", true},
		{"include match", &Filter{Include: []string{"vif_*"}}, "vif_rx", true},
		{"include miss", &Filter{Include: []string{"vif_*"}}, "cpu_avg", false},
		{"exclude wins", &Filter{Include: []string{"*"}, Exclude: []string{"vbd_*"}}, "vbd_read", false},
		{"exclude only", &Filter{Exclude: []string{"memory"}}, "memory", false},
		{"bad pattern never matches", &Filter{Include: []string{"["}}, "cpu", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Admit(tt.metric); got != tt.admitted {
				t.Errorf("Admit(%q) = %v, want %v", tt.metric, got, tt.admitted)
			}
		})
	}
}

func TestDispatchRowsFilteredCount(t *testing.T) {
	sink := &captureSink{}
	d := New(sink, &Filter{Exclude: []string{"cpu*"}})

	ls := legends(t, "AVERAGE:host:aa02:cpu0", "AVERAGE:host:aa02:load_avg")
	rows := []rrd.Row{
		{Timestamp: 100, Values: []float64{0.1, 0.7}},
		{Timestamp: 110, Values: []float64{0.2, 0.8}},
	}

	res, err := d.DispatchRows(context.Background(), ls, rows, 10)
	if err != nil {
		t.Fatalf("DispatchRows: %v", err)
	}
	if res.Emitted != 2 || res.Filtered != 2 {
		t.Fatalf("result = %+v, want 2 emitted 2 filtered", res)
	}
	for _, s := range sink.samples {
		if s.Identity.Metric != "load_avg" {
			t.Errorf("filtered metric reached the sink: %+v", s)
		}
	}
}

func TestDispatchRowsSinkErrorAborts(t *testing.T) {
	sinkErr := errors.New("backend unavailable")
	sink := &captureSink{failAfter: 3, failErr: sinkErr}
	d := New(sink, nil)

	ls := legends(t, "AVERAGE:vm:be01:cpu_avg", "AVERAGE:vm:be01:memory")
	rows := []rrd.Row{
		{Timestamp: 100, Values: []float64{0.1, 1}},
		{Timestamp: 110, Values: []float64{0.2, 2}},
	}

	res, err := d.DispatchRows(context.Background(), ls, rows, 10)
	if !xferrors.Is(err, xferrors.ErrSink) {
		t.Fatalf("err = %v, want ErrSink", err)
	}
	if res.Emitted != 3 {
		t.Errorf("emitted = %d, want 3 before the failure", res.Emitted)
	}
	if len(sink.samples) != 3 {
		t.Errorf("sink received %d samples, want 3", len(sink.samples))
	}
}

func TestNewSinkFactory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SinkConfig
		wantErr bool
	}{
		{"default is log", SinkConfig{}, false},
		{"log", SinkConfig{Kind: "log"}, false},
		{"grpc", SinkConfig{Kind: "grpc", Address: "backend:4317"}, false},
		{"grpc missing address", SinkConfig{Kind: "grpc"}, true},
		{"websocket", SinkConfig{Kind: "websocket", Address: "wss://backend/ingest"}, false},
		{"websocket missing address", SinkConfig{Kind: "websocket"}, true},
		{"unknown kind", SinkConfig{Kind: "kafka"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSink(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewSink(%+v): want error", tt.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSink(%+v): %v", tt.cfg, err)
			}
			if s == nil {
				t.Fatal("NewSink returned nil sink")
			}
		})
	}
}

func TestDispatcherClose(t *testing.T) {
	sink := &captureSink{}
	d := New(sink, nil)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.closed {
		t.Error("Close did not reach the sink")
	}
}
