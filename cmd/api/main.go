package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/phorium/credits/internal/admin"
	"github.com/phorium/credits/internal/auth"
	"github.com/phorium/credits/internal/cache"
	"github.com/phorium/credits/internal/config"
	"github.com/phorium/credits/internal/ledger"
	"github.com/phorium/credits/internal/middleware"
	"github.com/phorium/credits/internal/migration"
	"github.com/phorium/credits/internal/repository"
	"github.com/phorium/credits/internal/router"
	"github.com/phorium/credits/internal/services"
	"github.com/phorium/credits/internal/telemetry"
	"github.com/phorium/credits/internal/workers"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("credits service exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up", "error", err)
		return err
	}
	slog.Info("Connected to PostgreSQL")

	if err := migration.Run(pool); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return err
	}
	slog.Info("Migrations applied")

	// Redis is optional; without it every availability check reads Postgres.
	var balances *cache.BalanceCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		balances = cache.NewBalanceCache(rdb, cfg.BalanceCacheTTL, logger)
		if err := balances.Ping(ctx); err != nil {
			slog.Warn("Redis unreachable, balance cache will miss", "error", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	accountRepo := repository.NewAccountRepo(pool)
	ledgerRepo := repository.NewCreditLedgerRepo(pool)
	reservationRepo := repository.NewReservationRepo(pool)
	usageRepo := repository.NewUsageRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)

	sink := telemetry.NewSink(usageRepo, metrics, telemetry.SinkConfig{
		BufferSize:    cfg.TelemetryBufferSize,
		BatchSize:     cfg.TelemetryBatchSize,
		FlushInterval: cfg.TelemetryFlushInterval,
	}, logger)
	sink.Start()
	defer sink.Stop()

	writer := ledger.NewWriter(ledgerRepo, metrics, ledger.WriterConfig{
		MaxAttempts:     cfg.LedgerWriteMaxAttempts,
		InitialInterval: cfg.LedgerRetryInitial,
	}, logger)
	reconciler := ledger.NewReconciler(ledgerRepo, metrics, logger)

	catalog, err := services.NewCatalog()
	if err != nil {
		return err
	}

	credits := services.NewCreditService(services.Deps{
		Pool:         pool,
		Accounts:     accountRepo,
		Ledger:       ledgerRepo,
		Writer:       writer,
		Reservations: reservationRepo,
		Usage:        sink,
		Cache:        balances,
		Metrics:      metrics,
		Catalog:      catalog,
		Logger:       logger,
	}, services.Config{
		TokenTTL:      cfg.TokenTTL,
		AutoProvision: cfg.AutoProvisionAccounts,
		SignupCredits: cfg.DefaultSignupCredits,
	})

	ws := river.NewWorkers()
	workers.Register(ws, credits, reconciler, logger)
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      ws,
		PeriodicJobs: workers.PeriodicJobs(cfg.ExpirySweepInterval, cfg.ReconcileInterval),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	if err != nil {
		return err
	}
	if cfg.BootstrapAdminEmail != "" {
		created, err := auth.EnsureOperator(ctx, authSvc, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
		if err != nil {
			return err
		}
		if created {
			slog.Info("Bootstrap admin operator created", "email", cfg.BootstrapAdminEmail)
		}
	}
	authHandler := auth.NewHandler(authSvc, logger)
	adminHandler := admin.NewHandler(credits, accountRepo, usageRepo, apiKeyRepo, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	mux := http.NewServeMux()
	mux.Handle("/api/", router.New(authHandler, adminHandler, authSvc))
	RegisterV1Routes(mux, credits, apiKeyRepo, catalog, limiter, cfg.MaxCreditsPerCall, logger)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"database unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if err := balances.Ping(r.Context()); err != nil {
			slog.Warn("healthz: redis ping failed", "error", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(mux)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error {
		limiter.Cleanup(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		slog.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
