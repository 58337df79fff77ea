// Package api provides the HTTP surface of the service: liveness,
// readiness, metrics, and the message ingress.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/config"
	"github.com/snirego/feedbackd/pkg/pipeline"
	"github.com/snirego/feedbackd/pkg/services"
)

// Ingestor accepts messages from the system of record.
type Ingestor interface {
	Submit(ctx context.Context, input services.IngestInput) (*services.IngestResult, error)
}

// DBPinger is the database dependency of the readiness check.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// BrokerHealth is the broker dependency of the readiness check.
type BrokerHealth interface {
	Ping(ctx context.Context) error
	QueueStats(ctx context.Context, queue string) (broker.Stats, error)
}

// LLMHealth reports provider reachability. Readiness surfaces it but never
// fails on it: with the provider down the service degrades to queueing.
type LLMHealth interface {
	HealthProbe(ctx context.Context) bool
	BreakerState() string
}

// PoolReporter exposes worker pool health.
type PoolReporter interface {
	Health() *pipeline.PoolHealth
}

// llmProbeTTL bounds how often readiness actually probes the provider;
// within the window the cached verdict is served.
const llmProbeTTL = 30 * time.Second

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        *config.HTTPConfig
	db         DBPinger
	broker     BrokerHealth
	llm        LLMHealth
	pool       PoolReporter
	ingest     Ingestor
	metricsH   http.Handler
	logger     *slog.Logger
	startedAt  time.Time

	llmCacheMu      sync.Mutex
	llmCachedAt     time.Time
	llmCachedResult bool
}

// NewServer creates the API server and registers all routes. metricsHandler
// may be nil (no /metrics route); pool may be nil (worker stats omitted).
func NewServer(cfg *config.HTTPConfig, db DBPinger, b BrokerHealth, llmClient LLMHealth, pool PoolReporter, ingest Ingestor, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		cfg:       cfg,
		db:        db,
		broker:    b,
		llm:       llmClient,
		pool:      pool,
		ingest:    ingest,
		metricsH:  metricsHandler,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.engine.Use(s.requestLogger())

	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/ready", s.readyHandler)
	if s.metricsH != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metricsH))
	}

	ingest := s.engine.Group("/ingest")
	ingest.Use(s.bodyLimit(s.cfg.MaxBodyBytes))
	ingest.POST("/message", s.ingestMessageHandler)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server on the configured port (blocking).
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener (tests use a random
// OS-assigned port).
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// probeLLMCached serves the cached provider verdict inside the TTL window.
func (s *Server) probeLLMCached(ctx context.Context) bool {
	if s.llm == nil {
		return false
	}
	s.llmCacheMu.Lock()
	defer s.llmCacheMu.Unlock()
	if time.Since(s.llmCachedAt) < llmProbeTTL {
		return s.llmCachedResult
	}
	s.llmCachedResult = s.llm.HealthProbe(ctx)
	s.llmCachedAt = time.Now()
	return s.llmCachedResult
}
