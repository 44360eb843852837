package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimbusforge/gpuorch/internal/adminauth"
	"github.com/nimbusforge/gpuorch/internal/cache/redisbackend"
	"github.com/nimbusforge/gpuorch/internal/cache/sqlitebackend"
	"github.com/nimbusforge/gpuorch/internal/client"
	"github.com/nimbusforge/gpuorch/internal/config"
	"github.com/nimbusforge/gpuorch/internal/health"
	"github.com/nimbusforge/gpuorch/internal/httpapi"
	"github.com/nimbusforge/gpuorch/internal/instance"
	"github.com/nimbusforge/gpuorch/internal/jobs"
	"github.com/nimbusforge/gpuorch/internal/logging"
	"github.com/nimbusforge/gpuorch/internal/migration"
	"github.com/nimbusforge/gpuorch/internal/provider"
	"github.com/nimbusforge/gpuorch/internal/selector"
	"github.com/nimbusforge/gpuorch/internal/webhook"
	"github.com/nimbusforge/gpuorch/internal/workflow"
	"github.com/nimbusforge/gpuorch/pkg/gpuinstance"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cachePersist cachePersistBackend
	switch {
	case cfg.RedisAddr != "":
		rb, err := redisbackend.New(cfg.RedisAddr)
		if err != nil {
			logger.Error("failed to connect to redis cache backend", "error", err)
			os.Exit(1)
		}
		defer rb.Close()
		cachePersist = rb
	case cfg.SQLiteCachePath != "":
		sb, err := sqlitebackend.Open(ctx, cfg.SQLiteCachePath)
		if err != nil {
			logger.Error("failed to open sqlite cache backend", "error", err)
			os.Exit(1)
		}
		defer sb.Close()
		cachePersist = sb
	}

	httpClient := client.New(client.Config{
		BaseURL:                 cfg.ProviderBaseURL,
		APIKey:                  cfg.ProviderAPIKey,
		RateLimit:               rate.Limit(10),
		RateBurst:               20,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.CircuitBreakerTimeout,
		MaxRetryAttempts:        cfg.MaxRetryAttempts,
	}, logger)

	providerSvc := provider.New(httpClient, cfg.CacheTTL, cfg.CacheMaxSize, cachePersist)

	store := instance.New()
	sel := selector.New(providerSvc)
	healthChecker := health.New(5 * time.Second)
	dispatcher := webhook.New(cfg.WebhookTimeout, cfg.WebhookSecret, logger)

	engine := jobs.New(cfg.MaxConcurrentJobs, logger)

	handlers := workflow.New(providerSvc, sel, healthChecker, store, engine, dispatcher, workflow.Config{
		PollInterval:   cfg.InstancePollInterval,
		StartupTimeout: cfg.InstanceStartupTimeout,
		HealthCheck: gpuinstance.HealthCheckConfig{
			TimeoutMs:    10_000,
			MaxRetries:   3,
			RetryDelayMs: 2_000,
		},
	}, logger)
	handlers.RegisterAll(engine)
	engine.Start(ctx)

	migrationScheduler := migration.New(store, engine, migration.Config{
		IntervalMinutes: cfg.MigrationIntervalMinutes,
		MaxConcurrent:   cfg.MigrationMaxConcurrent,
		DryRun:          cfg.MigrationDryRun,
	}, logger)
	if cfg.MigrationEnabled {
		if err := migrationScheduler.Start(ctx, cfg.MigrationIntervalMinutes); err != nil {
			logger.Error("failed to start migration scheduler", "error", err)
			os.Exit(1)
		}
		defer migrationScheduler.Stop()
	}

	admin := adminauth.New(cfg.AdminAPIKeyHash)
	server := httpapi.New(store, engine, providerSvc, migrationScheduler, admin, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting orchestrator", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	engine.Shutdown(30 * time.Second)
	logger.Info("shutdown complete")
}

// cachePersistBackend matches internal/cache.PersistBackend without
// importing internal/cache here just for the type name.
type cachePersistBackend interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
