// Package main is the entrypoint for the mailscope API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/ai/registry"
	"github.com/kiranshivaraju/mailscope/internal/api"
	"github.com/kiranshivaraju/mailscope/internal/api/handler"
	mw "github.com/kiranshivaraju/mailscope/internal/api/middleware"
	"github.com/kiranshivaraju/mailscope/internal/api/response"
	"github.com/kiranshivaraju/mailscope/internal/batch"
	"github.com/kiranshivaraju/mailscope/internal/cache"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/internal/pii"
	"github.com/kiranshivaraju/mailscope/internal/store"
	"github.com/kiranshivaraju/mailscope/internal/telemetry"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 30 * time.Second

var bootstrapScopes = []string{"read", "write", "admin"}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// .env is optional
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create AI providers
	providers, err := registry.FromConfig(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI providers: %w", err)
	}
	defer providers.Close()
	slog.Info("AI providers initialized", "default", providers.Default(), "providers", providers.Names())

	// 6. Telemetry
	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("trace provider shutdown failed", "error", err)
			}
		}()
		slog.Info("tracing enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// 7. Create store and orchestrator
	pgStore := store.NewPostgresStore(pool)

	orch := batch.NewOrchestrator(pgStore, providers, pii.NewRegistry(), cfg.Batch,
		batch.WithStatusMirror(redisCache, cache.JobTTL),
		batch.WithMetrics(metrics),
	)

	n, err := orch.ReconcileZombies(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted jobs: %w", err)
	}
	if n > 0 {
		slog.Warn("marked jobs from a previous run as interrupted", "count", n)
	}

	if err := bootstrapKey(ctx, pgStore, cfg.Auth.BootstrapAPIKey); err != nil {
		return fmt.Errorf("bootstrap api key: %w", err)
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Auth.RequestsPerMinute),
		Metrics:   metrics,

		HealthHandler:    healthHandler(pgStore, redisCache),
		StartJobHandler:  handler.NewStartJobHandler(orch),
		JobStatusHandler: handler.NewJobStatusHandler(orch),
		CancelJobHandler: handler.NewCancelJobHandler(orch),
		ResumeJobHandler: handler.NewResumeJobHandler(orch),
		ListJobsHandler:  handler.NewListJobsHandler(orch),
		SingleHandler:    handler.NewAnalyzeSingleHandler(orch),
		DefaultsHandler: handler.NewDefaultsHandler(handler.Defaults{
			Prompt:          ai.DefaultPromptTemplate,
			FilterKeywords:  ai.DefaultFilterKeywords,
			Concurrency:     cfg.Batch.DefaultConcurrency,
			MaxRetries:      cfg.Batch.DefaultMaxRetries,
			AnalysisTypes:   models.AnalysisTypes,
			DefaultProvider: providers.Default(),
			Providers:       providers.Names(),
		}),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if active := orch.ActiveJobs(); active > 0 {
		slog.Warn("batch jobs still running at shutdown; they will be marked interrupted on next start", "count", active)
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// bootstrapKey stores rawKey as an admin key unless it is empty or already present.
func bootstrapKey(ctx context.Context, keys store.KeyStore, rawKey string) error {
	if rawKey == "" {
		return nil
	}
	if len(rawKey) < mw.KeyPrefixLen {
		return fmt.Errorf("BOOTSTRAP_API_KEY must be at least %d characters", mw.KeyPrefixLen)
	}

	prefix := mw.KeyPrefix(rawKey)
	existing, err := keys.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("look up bootstrap key: %w", err)
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			return nil
		}
	}

	hash, err := mw.HashKey(rawKey)
	if err != nil {
		return err
	}
	id := uuid.New()
	key := &models.APIKey{
		ID:        id,
		Name:      "bootstrap-" + id.String()[:8],
		KeyHash:   hash,
		KeyPrefix: prefix,
		Scopes:    bootstrapScopes,
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return fmt.Errorf("create bootstrap key: %w", err)
	}
	slog.Info("bootstrap api key created", "key_prefix", prefix)
	return nil
}
