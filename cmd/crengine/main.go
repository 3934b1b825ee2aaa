// Command crengine runs one trial matrix to completion: it expands the
// configured scenario × constitution × model matrix, registers it in the
// trial ledger, drains the ledger through the three-stage pipeline, and
// writes the run manifest. Interrupting and re-running against the same
// database resumes where the previous process stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/artifact"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/manifest"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/matrix"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/metrics"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/pipeline"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/scheduler"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/store"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the run configuration file")
	metricsAddr := flag.String("metrics-addr", "", "listen address for Prometheus metrics (empty disables)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *metricsAddr, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("run_id", cfg.RunID))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(registry)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, registry, logger)
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	artifacts, err := artifact.NewFSStore(filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		return err
	}

	catalog, err := buildCatalog(cfg)
	if err != nil {
		return err
	}

	strategies, err := strategy.New(cfg.Strategies)
	if err != nil {
		return err
	}

	if err := registerMatrix(context.Background(), cfg, st, logger); err != nil {
		return err
	}

	executor := pipeline.NewExecutor(cfg, st, artifacts, catalog, strategies, collector, logger)
	sched := scheduler.New(cfg, st, executor, catalog, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(sched, cancel, logger)

	runErr := sched.Run(ctx)

	// The manifest is written even after an aborted or interrupted run:
	// partial progress is exactly what the next invocation resumes from.
	manifestPath := filepath.Join(cfg.DataDir, cfg.RunID+"-manifest.json")
	m, mErr := manifest.WriteFile(context.Background(), st, cfg.RunID, manifestPath)
	if mErr != nil {
		logger.Error("manifest write failed", zap.Error(mErr))
	} else {
		logger.Info("manifest written",
			zap.String("path", manifestPath),
			zap.Int64("total", m.TotalTrials),
			zap.Int64("completed", m.Completed),
			zap.Int64("failed", m.Failed),
			zap.Int64("pending", m.Pending),
			zap.Int("manual_review", len(m.ManualReview)),
		)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return mErr
}

// registerMatrix expands, selects, and registers the trial matrix. Forced
// reruns (failed/ids selection) push their subset back to pending before
// the scheduler starts.
func registerMatrix(ctx context.Context, cfg *config.Config, st store.TrialStore, logger *zap.Logger) error {
	full, err := matrix.Generate(cfg)
	if err != nil {
		return err
	}

	var failedIDs []int64
	if cfg.Selection.Mode == config.SelectFailed {
		failedIDs, err = st.FailedIDs(ctx)
		if err != nil {
			return err
		}
	}

	selected, err := matrix.Select(cfg, full, failedIDs)
	if err != nil {
		return err
	}
	if err := st.Register(ctx, selected); err != nil {
		return err
	}

	if cfg.Selection.Mode != config.SelectAll && cfg.Selection.Mode != "" {
		ids := make([]int64, len(selected))
		for i, spec := range selected {
			ids[i] = spec.ID
		}
		if err := st.Requeue(ctx, ids); err != nil {
			return err
		}
		logger.Info("requeued selection subset", zap.Int("trials", len(ids)))
	}

	logger.Info("matrix registered",
		zap.Int("full", len(full)),
		zap.Int("selected", len(selected)),
		zap.String("mode", string(cfg.Selection.Mode)),
	)
	return nil
}

// buildCatalog opens one client per configured provider, wrapped with that
// provider's local rate limit, and maps every model to its provider.
func buildCatalog(cfg *config.Config) (*llm.Catalog, error) {
	providerOf := make(map[string]string, len(cfg.Models))
	clients := make(map[string]llm.Client)

	for _, m := range cfg.Models {
		providerOf[m.ID] = m.Provider
		if _, ok := clients[m.Provider]; ok {
			continue
		}
		client, err := llm.Open(m.Provider, providerOpts(m.Provider))
		if err != nil {
			return nil, err
		}
		var limit *config.ProviderLimit
		if l, ok := cfg.Concurrency.Limits[m.Provider]; ok {
			limit = &l
		}
		clients[m.Provider] = llm.WithRateLimit(client, m.Provider, limit)
	}

	return llm.NewCatalog(providerOf, clients)
}

// providerOpts collects provider options from the environment, keyed
// CRENGINE_<PROVIDER>_<OPT>. Credentials stay out of the config file.
func providerOpts(provider string) map[string]string {
	prefix := fmt.Sprintf("CRENGINE_%s_", upperSnake(provider))
	opts := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key, val := kv[:i], kv[i+1:]
				if len(key) > len(prefix) && key[:len(prefix)] == prefix {
					opts[lowerSnake(key[len(prefix):])] = val
				}
				break
			}
		}
	}
	return opts
}

func upperSnake(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		case c == '-':
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

func lowerSnake(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// handleSignals maps the first interrupt to a graceful stop (in-flight
// trials settle) and the second to a hard cancel.
func handleSignals(sched *scheduler.Scheduler, cancel context.CancelFunc, logger *zap.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	<-sigs
	logger.Info("interrupt received: finishing in-flight trials, press again to force stop")
	sched.Stop()

	<-sigs
	logger.Warn("second interrupt: cancelling in-flight trials")
	cancel()
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
