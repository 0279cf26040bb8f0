// Command controlplane runs the multi-agent control plane: agent registry,
// resource manager, message router and task orchestrator behind one HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cphttp "github.com/pulsedash/controlplane/internal/adapter/http"
	"github.com/pulsedash/controlplane/internal/adapter/inproc"
	"github.com/pulsedash/controlplane/internal/adapter/memstore"
	cpnats "github.com/pulsedash/controlplane/internal/adapter/nats"
	cpotel "github.com/pulsedash/controlplane/internal/adapter/otel"
	"github.com/pulsedash/controlplane/internal/adapter/postgres"
	"github.com/pulsedash/controlplane/internal/adapter/ristretto"
	"github.com/pulsedash/controlplane/internal/adapter/ws"
	"github.com/pulsedash/controlplane/internal/config"
	"github.com/pulsedash/controlplane/internal/logger"
	"github.com/pulsedash/controlplane/internal/port/eventstore"
	"github.com/pulsedash/controlplane/internal/port/transport"
	"github.com/pulsedash/controlplane/internal/resilience"
	"github.com/pulsedash/controlplane/internal/service"
)

const serviceName = "controlplane"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats", cfg.NATS.URL != "",
		"postgres", cfg.Postgres.DSN != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownTelemetry, err := cpotel.Setup(ctx, cfg.Telemetry, serviceName)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := cpotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Audit log ---
	var events eventstore.Store
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		events = postgres.NewEventStore(pool)
		slog.Info("postgres connected, migrations applied")
	} else {
		events = memstore.NewEventStore()
		slog.Info("using in-memory event store")
	}

	// --- Message router ---
	var router transport.Router
	if cfg.NATS.URL != "" {
		natsRouter, err := cpnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		router = natsRouter
	} else {
		router = inproc.NewRouter()
		slog.Info("using in-process message router")
	}
	defer func() { _ = router.Close() }()

	// --- Status cache ---
	statuses, err := ristretto.New(cfg.Cache.MaxSizeMB<<20, cfg.Cache.StatusTTL)
	if err != nil {
		return fmt.Errorf("status cache: %w", err)
	}
	defer statuses.Close()

	// --- Services ---
	hub := ws.NewHub()
	registry := service.NewRegistryService(cfg.Registry, hub, events)
	resources := service.NewResourceService(registry)
	breakers := resilience.NewBreakerSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	orch := service.NewOrchestratorService(
		cfg.Scheduler, cfg.Retry,
		registry, resources, router, hub, events, statuses, metrics, breakers,
	)
	if err := orch.Start(ctx, cfg.Registry.SweepInterval); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	if err := cpotel.RegisterAgentLoadGauge(func() map[string]int {
		records := registry.List()
		loads := make(map[string]int, len(records))
		for _, rec := range records {
			loads[rec.ID] = resources.CurrentLoad(rec.ID)
		}
		return loads
	}); err != nil {
		return fmt.Errorf("agent load gauge: %w", err)
	}

	// --- HTTP ---
	handlers := &cphttp.Handlers{
		Registry:     registry,
		Orchestrator: orch,
		Resources:    resources,
		Events:       events,
		Hub:          hub,
		Config:       *cfg,
		StartedAt:    time.Now(),
	}

	r := chi.NewRouter()
	r.Use(cphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cphttp.RequestID)
	r.Use(cphttp.Logger)
	r.Use(cphttp.SecurityHeaders)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cpotel.HTTPMiddleware(serviceName))
	cphttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
