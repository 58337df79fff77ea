package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/version"
)

// healthHandler handles GET /health. Always 200: the orchestrator restarts
// the process on liveness failure, so only "is the process serving" belongs
// here. Dependency state lives on /ready.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, &HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Version:   version.Full(),
	})
}

// readyHandler handles GET /ready: 200 when Postgres and Redis both
// answer, 503 otherwise. The body always carries per-dependency booleans
// and queue depths. LLM reachability is reported but does not gate
// readiness — with the provider down the service still accepts and queues
// work.
func (s *Server) readyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	dbOK := false
	if s.db != nil {
		dbOK = s.pingWithTimeout(ctx, s.db.PingContext) == nil
	}

	redisOK := false
	if s.broker != nil {
		redisOK = s.pingWithTimeout(ctx, s.broker.Ping) == nil
	}

	llmOK := s.probeLLMCached(ctx)

	resp := &ReadyResponse{
		Checks: ReadyChecks{Postgres: dbOK, Redis: redisOK, LLM: llmOK},
		Queues: map[string]QueueStats{},
		LLM:    LLMStatus{Reachable: llmOK},
	}
	if s.llm != nil {
		resp.LLM.CircuitState = s.llm.BreakerState()
	}

	if redisOK {
		for _, queue := range []string{broker.QueueIngest, broker.QueueWorkItem} {
			stats, err := s.broker.QueueStats(ctx, queue)
			if err != nil {
				s.logger.Warn("Queue stats read failed", "queue", queue, "error", err)
				continue
			}
			resp.Queues[queue] = queueStatsFrom(stats)
		}
	}

	if s.pool != nil {
		pool := s.pool.Health()
		resp.Workers = &WorkersSummary{Active: pool.ActiveWorkers, Total: pool.TotalWorkers}
	}

	if dbOK && redisOK {
		resp.Status = "ready"
		c.JSON(http.StatusOK, resp)
		return
	}
	resp.Status = "not_ready"
	c.JSON(http.StatusServiceUnavailable, resp)
}

// pingWithTimeout bounds each dependency probe.
func (s *Server) pingWithTimeout(parent context.Context, ping func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	return ping(ctx)
}
