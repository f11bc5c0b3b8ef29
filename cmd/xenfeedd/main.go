// xenfeedd polls XenServer rrd_updates feeds and dispatches the decoded
// samples to a configured sink.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/xenfeed/internal/cursor"
	"github.com/xtxerr/xenfeed/internal/dispatch"
	"github.com/xtxerr/xenfeed/internal/health"
	"github.com/xtxerr/xenfeed/internal/loader"
	"github.com/xtxerr/xenfeed/internal/logging"
	"github.com/xtxerr/xenfeed/internal/poller"
	"github.com/xtxerr/xenfeed/internal/scheduler"
	"github.com/xtxerr/xenfeed/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "metrics listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "log in JSON lines (overrides config)")
	flag.Parse()

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "no config file at %s\n", *cfgPath)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logJSON {
		cfg.Log.JSON = true
	}

	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(parseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("xenfeedd starting", "version", Version, "hosts", len(cfg.Hosts))

	if err := run(cfg, log); err != nil {
		log.Error("xenfeedd failed", "error", err)
		os.Exit(1)
	}
	log.Info("xenfeedd stopped")
}

func run(cfg *loader.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Sink and cursor store
	// =========================================================================

	sink, err := dispatch.NewSink(dispatch.SinkConfig{
		Kind:         cfg.Sink.Kind,
		Address:      cfg.Sink.Address,
		Token:        cfg.Sink.Token,
		Method:       cfg.Sink.Method,
		Insecure:     cfg.Sink.Insecure,
		WriteTimeout: cfg.Sink.WriteTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}

	cursors := cursor.NewStore(cfg.Cursor.SnapshotPath)
	registry := health.NewRegistry(cfg.Health.DegradedThreshold)

	// =========================================================================
	// Per-target pollers
	// =========================================================================

	pollers := make(map[string]*poller.Poller, len(cfg.Hosts))
	for name, host := range cfg.Hosts {
		var client *http.Client
		if host.InsecureSkipVerify {
			client = &http.Client{
				Timeout: host.Timeout.Duration(),
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				},
			}
		}
		fetcher, err := transport.NewHTTPFetcher(host.TransportConfig(), client)
		if err != nil {
			return fmt.Errorf("host %s: %w", name, err)
		}

		cursors.SetBootstrapLookback(name, host.BootstrapLookback.Duration())

		pollers[name] = poller.New(poller.Options{
			Target:  name,
			Fetcher: fetcher,
			Cursor:  cursors.Get(name),
			Dispatcher: dispatch.New(sink, &dispatch.Filter{
				Include: host.Metrics.Include,
				Exclude: host.Metrics.Exclude,
			}),
			Health:                  registry.Target(name),
			Interval:                host.Interval.Duration(),
			GapToleranceSteps:       host.GapToleranceSteps,
			BackoffBaseIntervals:    host.Backoff.BaseIntervals,
			BackoffCeilingIntervals: host.Backoff.CeilingIntervals,
		})
	}

	// =========================================================================
	// Scheduler
	// =========================================================================

	sched := scheduler.New(&scheduler.Config{
		Workers:      cfg.Poller.Workers,
		QueueSize:    cfg.Poller.QueueSize,
		ResultsSize:  cfg.Poller.QueueSize,
		TickInterval: cfg.Poller.TickInterval.Duration(),
		DrainTimeout: cfg.Shutdown.DrainTimeout.Duration(),
	})
	sched.SetCycleFunc(func(ctx context.Context, target string) scheduler.CycleResult {
		p, ok := pollers[target]
		if !ok {
			return scheduler.CycleResult{Error: "unknown target"}
		}
		outcome, delay := p.RunCycle(logging.ContextWithTarget(ctx, target))
		return scheduler.CycleResult{Outcome: outcome, NextDelay: delay}
	})

	sched.Start()
	for name, p := range pollers {
		sched.Add(name, p.Interval())
	}

	// =========================================================================
	// HTTP surface: /metrics and /healthz
	// =========================================================================

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !registry.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(registry.Snapshot())
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Result consumer: drains the scheduler's results channel and keeps a
	// low-noise record of cycle outcomes.
	g.Go(func() error {
		for res := range sched.Results() {
			if res.Error != "" {
				log.Error("cycle error", "target", res.Target, "error", res.Error)
				continue
			}
			log.Debug("cycle finished",
				"target", res.Target,
				"outcome", res.Outcome,
				"duration", res.Duration)
		}
		return nil
	})

	// Shutdown sequencing: stop scheduling new cycles, drain in-flight
	// ones, flush cursors, then close the sink and HTTP server.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sched.Stop()

		if err := cursors.Flush(); err != nil {
			log.Warn("cursor snapshot flush failed", "error", err)
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Close(closeCtx); err != nil {
			log.Warn("sink close failed", "error", err)
		}
		return srv.Shutdown(closeCtx)
	})

	return g.Wait()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
