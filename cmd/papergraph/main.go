// Papergraph server — HTTP API, queue workers, and the paper-to-graph
// extraction pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/papergraph/papergraph/pkg/api"
	"github.com/papergraph/papergraph/pkg/cache"
	"github.com/papergraph/papergraph/pkg/cleanup"
	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/crypto"
	"github.com/papergraph/papergraph/pkg/ingest"
	"github.com/papergraph/papergraph/pkg/llm"
	"github.com/papergraph/papergraph/pkg/pipeline"
	"github.com/papergraph/papergraph/pkg/queue"
	"github.com/papergraph/papergraph/pkg/services"
	"github.com/papergraph/papergraph/pkg/store"
	"github.com/papergraph/papergraph/pkg/usage"
	"github.com/papergraph/papergraph/pkg/version"
)

const (
	callCacheSize    = 4096
	derivedCacheSize = 4096

	gracefulShutdownTimeout = 30 * time.Second
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting papergraph",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"pod_id", cfg.PodID)

	ctx := context.Background()

	// Database (runs migrations on open)
	db, err := store.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}()
	slog.Info("connected to PostgreSQL database")

	// One-time startup orphan cleanup for this pod
	if err := queue.CleanupStartupOrphans(ctx, db, cfg.PodID); err != nil {
		slog.Error("failed to cleanup startup orphans", "error", err)
		// Non-fatal, the periodic scan will catch them
	}

	// Caches and LLM stack
	callCache, err := cache.NewCallCache(callCacheSize)
	if err != nil {
		slog.Error("failed to create call cache", "error", err)
		os.Exit(1)
	}
	derivedCache, err := cache.NewDerivedCache(derivedCacheSize)
	if err != nil {
		slog.Error("failed to create derived cache", "error", err)
		os.Exit(1)
	}

	provider := llm.NewGeminiProvider(cfg.LLM.BaseURL)
	ledger := usage.NewLedger(db, nil)
	runner := llm.NewRunner(provider, callCache, ledger, cfg.LLM, nil)

	var embedder llm.Embedder
	if cfg.LLM.PlatformAPIKey != "" {
		genai, err := llm.NewGenAIEmbedder(ctx, cfg.LLM.PlatformAPIKey, cfg.LLM.EmbeddingModel)
		if err != nil {
			slog.Error("failed to initialize embedder", "error", err)
			os.Exit(1)
		}
		embedder = genai
	} else {
		slog.Warn("no platform API key, embeddings and semantic alias resolution disabled")
	}

	driver := pipeline.NewDriver(db, runner, embedder, derivedCache, cfg.Pipeline, cfg.LLM, nil)

	// Services
	var keys *crypto.KeyBox
	if cfg.EncryptionSecret != "" {
		keys, err = crypto.NewKeyBox(cfg.EncryptionSecret)
		if err != nil {
			slog.Error("failed to initialize key encryption", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no encryption secret, tenant byo_key mode disabled")
	}

	// No PDF parser is wired; PDF sources are rejected as unsupported.
	fetcher := ingest.NewFetcher(cfg.URLFetch, nil)
	settingsService := services.NewSettingsService(db, keys)
	limiter := usage.NewLimiter(db)
	jobService := services.NewJobService(db, settingsService, limiter, fetcher, cfg, nil)
	executor := services.NewPipelineExecutor(db, driver, settingsService, cfg.LLM.PlatformAPIKey, nil)

	// Worker pool (before the HTTP server, so health reflects it)
	pool := queue.NewWorkerPool(cfg.PodID, db, cfg.Queue, executor)
	if err := pool.Start(ctx); err != nil {
		slog.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// Retention loop
	cleanupService := cleanup.NewService(cfg.Retention, db)
	cleanupService.Start(ctx)

	// HTTP server
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(jobService, settingsService, pool)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("papergraph started", "pod_id", cfg.PodID, "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: drain workers first so running jobs finish and
	// write terminal status; anything that overruns is orphan-recovered.
	shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, incomplete jobs will be orphan-recovered")
	}

	cleanupService.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
