// Package pipeline drives each conversation through the processing stages:
// full-context state update, gatekeeping, optional work-item emission, and
// the thread status transition. Jobs arrive from the broker keyed by thread;
// a per-thread lease table keeps same-thread jobs strictly ordered while
// different threads run in parallel.
package pipeline

import (
	"context"
	"time"

	"github.com/snirego/feedbackd/pkg/broker"
)

// JobPayload is the pipeline job body on the ingest queue.
type JobPayload struct {
	ThreadID        int64  `json:"threadId"`
	MessagePublicID string `json:"messagePublicId"`
}

// Outcome is the terminal disposition of one job execution.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeRequeued      Outcome = "requeued"
	OutcomeDeadLettered  Outcome = "dead_lettered"
	OutcomeSkippedClosed Outcome = "skipped_closed"
	OutcomeFailed        Outcome = "failed"
)

// ExecutionResult tells the worker what to do with the claimed job.
type ExecutionResult struct {
	Outcome Outcome

	// RequeueDelay applies when Outcome is OutcomeRequeued.
	RequeueDelay time.Duration

	// Reason annotates dead-letter entries and logs.
	Reason string

	// Err carries the failure for logging; nil on success.
	Err error
}

// JobExecutor processes one claimed job. The worker owns all broker
// bookkeeping (ack, requeue, dead-letter) based on the result.
type JobExecutor interface {
	Execute(ctx context.Context, env broker.Envelope) *ExecutionResult
}

// Stage deadlines. The updater budget covers the LLM call including its
// internal retries; the whole job stays under the queue's JobTimeout.
const (
	updaterTimeout  = 120 * time.Second
	emitTimeout     = 10 * time.Second
	conflictRequeue = 5 * time.Second
)
