// Command fabricd runs a task-resolution fabric daemon: it restores persisted
// state from the data directory, starts the monitoring loops and serves the
// monitoring HTTP API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	fabric "github.com/taskfabric/fabric"
	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/evolution"
	"github.com/taskfabric/fabric/monitoring"
	"github.com/taskfabric/fabric/orchestration"
	"github.com/taskfabric/fabric/registry"
	"github.com/taskfabric/fabric/resilience"
	"github.com/taskfabric/fabric/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config descriptor")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("fabricd %s (%s, built %s)\n", fabric.Version, fabric.GitCommit, fabric.BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger("fabricd")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Catalogs and their persistence.
	resolvers := registry.New(registry.WithLogger(logger))
	resolverStore, err := registry.NewFileStore(filepath.Join(cfg.DataDir, "registry"))
	if err != nil {
		return err
	}

	masteries := orchestration.NewMasteryRegistry(resolvers)
	masteryStore, err := registry.NewFileStore(filepath.Join(cfg.DataDir, "masteries"))
	if err != nil {
		return err
	}
	plans, err := masteries.LoadPlans(ctx, masteryStore)
	if err != nil {
		return err
	}

	// Monitoring.
	store, err := monitoring.OpenMetricsStore(
		filepath.Join(cfg.DataDir, "metrics.db"),
		monitoring.WithStoreLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	alerts, err := monitoring.NewAlertManager(store, monitoring.WithAlertLogger(logger))
	if err != nil {
		return err
	}
	collector := monitoring.NewSystemMetricsCollector(store,
		monitoring.WithCollectionInterval(cfg.CollectionInterval()),
		monitoring.WithCollectorLogger(logger))
	health := monitoring.NewComponentHealthChecker(resolvers, store,
		monitoring.WithHealthInterval(cfg.HealthInterval()),
		monitoring.WithHealthLogger(logger))

	// Evolution.
	evolver := evolution.NewEvolver(resolvers, cfg.Evolver,
		evolution.WithAlertSink(alerts),
		evolution.WithEvolverLogger(logger))
	evolverDir := filepath.Join(cfg.DataDir, "evolver")
	if err := evolver.LoadState(evolverDir); err != nil {
		logger.Warn("Evolver state not restored", map[string]interface{}{
			"operation": "fabricd_start",
			"error":     err.Error(),
		})
	}

	// Execution plumbing.
	history := orchestration.NewHistory(cfg.HistoryRingSize,
		orchestration.WithHistoryFile(filepath.Join(cfg.DataDir, "history", "executions.jsonl")))
	defer func() { _ = history.Close() }()

	var execStore orchestration.ExecutionStore
	if cfg.RedisURL != "" {
		redisStore, err := orchestration.NewRedisExecutionStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = redisStore.Close() }()
		execStore = redisStore
	} else {
		execStore = orchestration.NewInMemoryExecutionStore()
	}

	policy := resilience.PolicyFromConfig(cfg.DefaultRetry)
	policy.Logger = logger
	tel := telemetry.NewOTelProvider("fabricd")
	executor := orchestration.NewExecutor(masteries, resolvers,
		orchestration.WithRetryPolicy(policy),
		orchestration.WithFanOut(cfg.MaxConcurrency),
		orchestration.WithCancelGrace(cfg.CancelGrace()),
		orchestration.WithHistory(history),
		orchestration.WithPerformanceSink(store),
		orchestration.WithExecutionStore(execStore),
		orchestration.WithExecutorLogger(logger),
		orchestration.WithExecutorTelemetry(tel))

	fab := fabric.New(resolvers, masteries,
		fabric.WithRetryPolicy(policy),
		fabric.WithEvolver(evolver),
		fabric.WithMetricsStore(store),
		fabric.WithExecutor(executor),
		fabric.WithLogger(logger),
		fabric.WithTelemetry(tel))

	// Background loops.
	collector.Start(ctx)
	defer collector.Stop()
	health.Start(ctx)
	defer health.Stop()
	alerts.Start(ctx)
	defer alerts.Stop()
	go compactLoop(ctx, store, cfg.MetricsRetention(), logger)

	api := monitoring.NewAPI(store, alerts,
		monitoring.NewDashboardGenerator(store),
		collector, health,
		monitoring.WithAPILogger(logger))
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.APIPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	logger.Info("Fabric daemon started", map[string]interface{}{
		"operation": "fabricd_start",
		"addr":      srv.Addr,
		"data_dir":  cfg.DataDir,
		"resolvers": len(fab.Registry().List()),
		"plans":     plans,
	})

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	// Graceful shutdown: stop serving, then persist catalogs and state.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{
			"operation": "fabricd_stop",
			"error":     err.Error(),
		})
	}

	if err := evolver.SaveState(evolverDir); err != nil {
		logger.Error("Persisting evolver state failed", map[string]interface{}{
			"operation": "fabricd_stop",
			"error":     err.Error(),
		})
	}
	if err := masteries.SavePlans(masteryStore); err != nil {
		logger.Error("Persisting mastery plans failed", map[string]interface{}{
			"operation": "fabricd_stop",
			"error":     err.Error(),
		})
	}
	if err := registry.SaveEntries(resolverStore, resolvers.List()); err != nil {
		logger.Error("Persisting registry failed", map[string]interface{}{
			"operation": "fabricd_stop",
			"error":     err.Error(),
		})
	}

	logger.Info("Fabric daemon stopped", map[string]interface{}{
		"operation": "fabricd_stop",
	})
	return nil
}

// compactLoop trims samples past the retention window once an hour.
func compactLoop(ctx context.Context, store *monitoring.MetricsStore, retention time.Duration, logger core.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Compact(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("Metrics compaction failed", map[string]interface{}{
					"operation": "metrics_compact",
					"error":     err.Error(),
				})
				continue
			}
			if removed > 0 {
				logger.Info("Metrics compacted", map[string]interface{}{
					"operation": "metrics_compact",
					"removed":   removed,
				})
			}
		}
	}
}
