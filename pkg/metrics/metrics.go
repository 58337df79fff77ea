// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the service exports. Construct once at
// startup and share by reference; all collectors are safe for concurrent use.
type Metrics struct {
	// LLMCallDuration observes wall-clock seconds per completed LLM call,
	// labeled by outcome (ok | error | circuit_open).
	LLMCallDuration *prometheus.HistogramVec

	// LLMTokens counts tokens reported by the provider, labeled by kind
	// (prompt | completion).
	LLMTokens *prometheus.CounterVec

	// LLMRetries counts retry attempts beyond the first try.
	LLMRetries prometheus.Counter

	// QueueWaiting and QueueActive export broker depth per queue.
	QueueWaiting *prometheus.GaugeVec
	QueueActive  *prometheus.GaugeVec

	// JobsProcessed counts pipeline jobs by terminal outcome
	// (completed | requeued | dead_lettered | skipped_closed | failed).
	JobsProcessed *prometheus.CounterVec

	// WorkItemsEmitted counts successful work-item emissions.
	WorkItemsEmitted prometheus.Counter

	// MessagesIngested counts accepted ingress messages.
	MessagesIngested prometheus.Counter
}

// New registers all collectors on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedbackd",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of LLM chat-completion calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedbackd",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed as reported by the provider.",
		}, []string{"kind"}),
		LLMRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "feedbackd",
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "LLM call retry attempts beyond the first try.",
		}),
		QueueWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedbackd",
			Subsystem: "queue",
			Name:      "waiting",
			Help:      "Jobs waiting (ready + delayed) per queue.",
		}, []string{"queue"}),
		QueueActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedbackd",
			Subsystem: "queue",
			Name:      "active",
			Help:      "Jobs currently being processed per queue.",
		}, []string{"queue"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedbackd",
			Subsystem: "pipeline",
			Name:      "jobs_total",
			Help:      "Pipeline jobs by terminal outcome.",
		}, []string{"outcome"}),
		WorkItemsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "feedbackd",
			Subsystem: "pipeline",
			Name:      "workitems_emitted_total",
			Help:      "Successful work-item emissions.",
		}),
		MessagesIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "feedbackd",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Accepted ingress messages.",
		}),
	}
}

// NewUnregistered returns a bundle on a private registry, for tests and
// components that do not care about exposition.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
