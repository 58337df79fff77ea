package api

import "github.com/snirego/feedbackd/pkg/broker"

// HealthResponse is the GET /health body. Liveness is unconditional: the
// process answering is the signal.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptimeSec"`
	Version   string `json:"version"`
}

// QueueStats is the per-queue depth pair surfaced on readiness.
type QueueStats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
}

// ReadyResponse is the GET /ready body. Postgres and Redis gate readiness;
// the LLM verdict is informational only.
type ReadyResponse struct {
	Status  string                `json:"status"`
	Checks  ReadyChecks           `json:"checks"`
	Queues  map[string]QueueStats `json:"queues"`
	Workers *WorkersSummary       `json:"workers,omitempty"`
	LLM     LLMStatus             `json:"llm"`
}

// ReadyChecks carries the per-dependency booleans.
type ReadyChecks struct {
	Postgres bool `json:"postgres"`
	Redis    bool `json:"redis"`
	LLM      bool `json:"llm"`
}

// LLMStatus adds the circuit state to the reachability flag.
type LLMStatus struct {
	Reachable    bool   `json:"reachable"`
	CircuitState string `json:"circuitState,omitempty"`
}

// WorkersSummary condenses pool health for operators.
type WorkersSummary struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// IngestAcceptedResponse is the 202 body for an accepted message.
type IngestAcceptedResponse struct {
	Status          string `json:"status"`
	ThreadPublicID  string `json:"threadPublicId"`
	MessagePublicID string `json:"messagePublicId"`
	JobID           string `json:"jobId"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// queueStatsFrom converts broker stats to the response shape.
func queueStatsFrom(s broker.Stats) QueueStats {
	return QueueStats{Waiting: s.Waiting, Active: s.Active}
}
