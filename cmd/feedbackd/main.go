// feedbackd — the feedback-intelligence pipeline service: ingests support
// messages, maintains cumulative per-thread state via an LLM provider, and
// emits work-item suggestions back to the system of record.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snirego/feedbackd/pkg/api"
	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/config"
	"github.com/snirego/feedbackd/pkg/database"
	"github.com/snirego/feedbackd/pkg/llm"
	"github.com/snirego/feedbackd/pkg/metrics"
	"github.com/snirego/feedbackd/pkg/pipeline"
	"github.com/snirego/feedbackd/pkg/services"
	"github.com/snirego/feedbackd/pkg/version"
	"github.com/snirego/feedbackd/pkg/workitem"
)

// Exit codes: 0 clean shutdown, 2 bad configuration, 3 dependency
// unreachable at startup after the grace period.
const (
	exitOK            = 0
	exitBadConfig     = 2
	exitDepUnreachable = 3
)

// startupGracePeriod is how long startup waits for Postgres and Redis
// before giving up.
const startupGracePeriod = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitBadConfig
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	logger.Info("Starting feedbackd",
		"version", version.Full(),
		"http_port", cfg.HTTP.Port,
		"workers", cfg.Queue.WorkerConcurrency,
		"llm_model", cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres, with startup grace.
	dbClient, err := connectDatabase(ctx, cfg)
	if err != nil {
		logger.Error("Database unreachable after grace period", "error", err)
		return exitDepUnreachable
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL, migrations applied")

	// Redis broker, with startup grace.
	brk, err := connectBroker(ctx, cfg, logger)
	if err != nil {
		logger.Error("Broker unreachable after grace period", "error", err)
		return exitDepUnreachable
	}
	defer func() {
		if err := brk.Close(); err != nil {
			logger.Error("Error closing broker", "error", err)
		}
	}()
	logger.Info("Connected to Redis broker")

	// Metrics registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// LLM client.
	llmClient := llm.NewClient(cfg.LLM, llm.WithLogger(logger), llm.WithMetrics(m))

	// Services.
	db := dbClient.DB()
	threadService := services.NewThreadService(db)
	messageService := services.NewMessageService(db)
	auditService := services.NewAuditService(db)
	ingestService := services.NewIngestService(threadService, messageService, auditService, brk, logger, m)
	logger.Info("Services initialized")

	// Pipeline.
	updater := pipeline.NewUpdater(threadService, messageService, auditService,
		&pipeline.LLMCompleter{Client: llmClient}, logger)
	emitter := workitem.NewQueueEmitter(brk)
	orchestrator := pipeline.NewOrchestrator(threadService, messageService, auditService,
		updater, emitter, pipeline.NewLeaseTable(), cfg.Queue, logger, m)

	pool := pipeline.NewWorkerPool(brk, cfg.Queue, orchestrator, logger, m)
	pool.Start(ctx)

	// HTTP API.
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	server := api.NewServer(&cfg.HTTP, db, brk, llmClient, pool, ingestService, metricsHandler, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "port", cfg.HTTP.Port)
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	pool.Stop()

	logger.Info("Shutdown complete")
	return exitOK
}

// connectDatabase retries the connection until the grace period lapses.
func connectDatabase(ctx context.Context, cfg *config.Config) (*database.Client, error) {
	deadline := time.Now().Add(startupGracePeriod)
	dbCfg := database.DefaultConfig(cfg.Database.URL)

	var lastErr error
	for time.Now().Before(deadline) {
		client, err := database.NewClient(ctx, dbCfg)
		if err == nil {
			return client, nil
		}
		lastErr = err
		slog.Warn("Database not ready, retrying", "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, lastErr
}

// connectBroker retries the broker ping until the grace period lapses.
func connectBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*broker.Broker, error) {
	brk, err := broker.New(cfg.Broker.URL, logger)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(startupGracePeriod)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := brk.Ping(ctx); err == nil {
			return brk, nil
		} else {
			lastErr = err
			logger.Warn("Broker not ready, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	_ = brk.Close()
	return nil, lastErr
}
