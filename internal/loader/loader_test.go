package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/xenfeed/internal/errors"
)

const sampleConfig = `
listen: ":9191"
log:
  level: debug
  json: true
poller:
  workers: 8
  queue_size: 512
cursor:
  snapshot_path: /var/lib/xenfeed/cursors.json
sink:
  kind: grpc
  address: backend:4317
  token: secret
hosts:
  xen-a:
    address: https://10.0.0.100
    username: root
    password: hunter2
    interval: 90s
    cf: MAX
    feed_interval: 5
    bootstrap_lookback: 1000
    metrics:
      include: ["cpu*", "vif_*"]
      exclude: ["vif_lo_*"]
  xen-b:
    address: https://10.0.0.101
    insecure_skip_verify: true
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Listen != ":9191" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.JSON {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Poller.Workers != 8 || cfg.Poller.QueueSize != 512 {
		t.Errorf("poller = %+v", cfg.Poller)
	}
	if cfg.Sink.Kind != "grpc" || cfg.Sink.Address != "backend:4317" {
		t.Errorf("sink = %+v", cfg.Sink)
	}

	a := cfg.Hosts["xen-a"]
	if a == nil {
		t.Fatal("host xen-a missing")
	}
	if a.Interval.Duration() != 90*time.Second {
		t.Errorf("interval = %v, want 90s", a.Interval.Duration())
	}
	if a.Consolidation != "MAX" || a.FeedInterval != 5 {
		t.Errorf("host xen-a = %+v", a)
	}
	// Bare integer durations are seconds.
	if a.BootstrapLookback.Duration() != 1000*time.Second {
		t.Errorf("bootstrap_lookback = %v, want 1000s", a.BootstrapLookback.Duration())
	}
	if len(a.Metrics.Include) != 2 || len(a.Metrics.Exclude) != 1 {
		t.Errorf("metrics filter = %+v", a.Metrics)
	}

	// xen-b gets all defaults.
	b := cfg.Hosts["xen-b"]
	if b == nil {
		t.Fatal("host xen-b missing")
	}
	if b.Interval.Duration() != 60*time.Second {
		t.Errorf("default interval = %v, want 60s", b.Interval.Duration())
	}
	if b.Timeout.Duration() != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", b.Timeout.Duration())
	}
	if b.Consolidation != "AVERAGE" || b.FeedInterval != 10 {
		t.Errorf("host xen-b defaults = %+v", b)
	}
	if b.Backoff.BaseIntervals != 1 || b.Backoff.CeilingIntervals != 8 {
		t.Errorf("backoff defaults = %+v", b.Backoff)
	}
	if !b.InsecureSkipVerify {
		t.Error("insecure_skip_verify not parsed")
	}
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("XEN_TEST_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(`
hosts:
  xen-a:
    address: https://10.0.0.100
    username: root
    password: ${XEN_TEST_PASSWORD}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Hosts["xen-a"].Password; got != "s3cret" {
		t.Errorf("password = %q, want expanded value", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Hosts) != 2 {
		t.Errorf("hosts = %d, want 2", len(cfg.Hosts))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no hosts", `listen: ":9190"`},
		{"host without address", `
hosts:
  xen-a:
    username: root
`},
		{"bad consolidation", `
hosts:
  xen-a:
    address: https://10.0.0.100
    cf: MEDIAN
`},
		{"timeout longer than interval", `
hosts:
  xen-a:
    address: https://10.0.0.100
    interval: 5s
    timeout: 30s
`},
		{"unknown sink kind", `
sink:
  kind: kafka
hosts:
  xen-a:
    address: https://10.0.0.100
`},
		{"grpc sink without address", `
sink:
  kind: grpc
hosts:
  xen-a:
    address: https://10.0.0.100
`},
		{"bad log level", `
log:
  level: verbose
hosts:
  xen-a:
    address: https://10.0.0.100
`},
		{"backoff ceiling below base", `
hosts:
  xen-a:
    address: https://10.0.0.100
    backoff:
      base_intervals: 4
      ceiling_intervals: 2
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			err = Validate(cfg)
			if err == nil {
				t.Fatal("Validate passed, want error")
			}
			if !errors.IsValidation(err) {
				t.Errorf("error %v is not a validation error", err)
			}
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("hosts: [not a map")); err == nil {
		t.Fatal("Parse of malformed YAML succeeded")
	}
}

func TestTransportConfigConversion(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tc := cfg.Hosts["xen-a"].TransportConfig()
	if tc.Address != "https://10.0.0.100" || tc.Username != "root" || tc.Password != "hunter2" {
		t.Errorf("transport config = %+v", tc)
	}
	if tc.Consolidation != "MAX" || tc.FeedIntervalSec != 5 {
		t.Errorf("transport config = %+v", tc)
	}
	if tc.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want default 10s", tc.Timeout)
	}
}
