// Command latticed runs the lattice daemon: HTTP API, decision propagation,
// sensitivity sweeps, and variant management over a selectable store backend.
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"latticecore/internal/adapters/api"
	"latticecore/internal/core"
	"latticecore/internal/gray"
	"latticecore/internal/infra/blob"
	"latticecore/internal/infra/persistence/memory"
	"latticecore/internal/infra/persistence/postgres"
	"latticecore/internal/infra/persistence/sqlite"
	"latticecore/internal/propagation"
	"latticecore/internal/xlayer"
	"latticecore/pkg/domain"
	"latticecore/plugins/linear"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "latticed:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := core.NewRulesEngine()
	store, memStore, closeStore, err := openStore(cfg, engine)
	if err != nil {
		return err
	}
	defer closeStore()

	archive, err := blob.Open(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	reports := gray.NewReportStore(archive, logger)

	registry := prometheus.NewRegistry()
	promRecorder, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		return err
	}
	metrics := core.MultiMetricsRecorder{
		core.NewExpvarMetricsRecorder("lattice_service"),
		promRecorder,
	}

	svc := core.NewService(store, engine,
		core.WithLogger(logger),
		core.WithMetrics(metrics),
		core.WithReportSource(reports),
		core.WithFragilityThreshold(cfg.Gray.FragilityThreshold),
	)

	grayEngine := gray.NewEngine(store, svc.Evaluators(), reports, nil, gray.Config{
		Workers:            cfg.Gray.Workers,
		EvaluatorTimeout:   cfg.Gray.EvaluatorTimeout.Duration,
		DeltaFractions:     cfg.Gray.DeltaFractions,
		FragilityThreshold: cfg.Gray.FragilityThreshold,
	}, logger)
	scheduler := gray.NewScheduler(grayEngine,
		gray.WithSchedulerLogger(logger),
		gray.WithMinSweepInterval(cfg.Gray.MinSweepInterval.Duration),
	)
	svc.BindSweepRequester(scheduler)

	propOpts := []propagation.EngineOption{
		propagation.WithEngineLogger(logger),
		propagation.WithQueueSize(cfg.Propagation.QueueSize),
		propagation.WithRetryBudget(cfg.Propagation.RetryBudget.Duration),
	}
	if cfg.Propagation.AutoSupersede {
		propOpts = append(propOpts, propagation.WithSupersedePolicy(propagation.OverlapSupersedes))
	}
	propEngine := propagation.NewEngine(store, propOpts...)
	defer propEngine.Close()
	memStore.SetEventSink(propEngine.Dispatch)

	// Mutation traffic drives sweep cadence: structural and decision events
	// re-request sweeps for their source cells.
	_, err = propEngine.Subscribe(propagation.Subscription{
		ID: "gray-sweep-trigger",
		Filter: propagation.Filter{
			Types: []domain.EventType{domain.EventRelationshipAdded, domain.EventDecisionPublished},
		},
		Handler: propagation.SubscriberFunc(func(_ context.Context, event domain.Event) error {
			scheduler.RequestSweep(event.SourceCell)
			return nil
		}),
	})
	if err != nil {
		return err
	}

	variants := xlayer.NewManager(store, svc.Evaluators(), archive, xlayer.ManagerConfig{}, logger)

	if err := installPlugins(svc); err != nil {
		return err
	}

	go scheduler.Run(ctx)
	go reports.RunCollector(ctx, time.Hour, cfg.Gray.ReportRetention.Duration)

	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(svc, propEngine, scheduler, reports, variants))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("latticed listening", "addr", cfg.Listen, "backend", cfg.Store.Backend,
			"archive", string(cfg.Archive.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func installPlugins(svc *core.Service) error {
	if err := svc.InstallPlugin(linear.New(nil)); err != nil {
		return fmt.Errorf("install linear plugin: %w", err)
	}
	return nil
}

// openStore selects the configured backend. All backends share the in-memory
// engine; durable ones persist snapshots around it, so the memory store
// handle is always available for event sink wiring.
func openStore(cfg Config, engine *domain.RulesEngine) (domain.PersistentStore, *memory.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		store := memory.NewStore(engine)
		return store, store, func() {}, nil
	case "sqlite":
		store, err := sqlite.NewStore(cfg.Store.SQLitePath, engine)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Store, func() { _ = store.Close() }, nil
	case "postgres":
		store, err := postgres.NewStore(cfg.Store.PostgresDSN, engine)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store.Store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
