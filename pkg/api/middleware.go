package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs one structured line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Health probes would drown the log at info level.
		level := s.logger.Info
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			level = s.logger.Debug
		}
		level("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// bodyLimit rejects oversized request bodies at the HTTP read level,
// before JSON deserialization.
func (s *Server) bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
