package config

import (
	"fmt"
	"time"
)

// QueueConfig contains broker queue and worker pool configuration.
// These values control how pipeline jobs are polled, claimed, and retried.
type QueueConfig struct {
	// WorkerConcurrency is the number of pipeline worker goroutines.
	WorkerConcurrency int

	// PollTimeout is how long a worker blocks waiting for a job
	// before re-checking for shutdown.
	PollTimeout time.Duration

	// JobTimeout is the hard wall-clock deadline for a single pipeline
	// job including all in-job retries.
	JobTimeout time.Duration

	// MaxAttempts is the per-job retry ceiling; at or past it the job
	// moves to the dead-letter queue.
	MaxAttempts int

	// RetryBackoffBase is the delay for the first re-enqueue after a
	// provider outage; doubled per attempt up to RetryBackoffCap.
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// VisibilityTimeout is how long a claimed job may stay in-flight
	// before the reclaimer assumes the worker died and re-queues it.
	VisibilityTimeout time.Duration

	// ReclaimInterval is how often the stale-job reclaimer runs.
	ReclaimInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// jobs to finish during shutdown.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerConcurrency:       defaultWorkerConcurrency(),
		PollTimeout:             2 * time.Second,
		JobTimeout:              150 * time.Second,
		MaxAttempts:             6,
		RetryBackoffBase:        60 * time.Second,
		RetryBackoffCap:         10 * time.Minute,
		VisibilityTimeout:       5 * time.Minute,
		ReclaimInterval:         time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks queue configuration invariants.
func (c QueueConfig) Validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be at least 1")
	}
	if c.RetryBackoffBase <= 0 || c.RetryBackoffCap < c.RetryBackoffBase {
		return fmt.Errorf("queue retry backoff misconfigured: base=%v cap=%v",
			c.RetryBackoffBase, c.RetryBackoffCap)
	}
	if c.VisibilityTimeout < c.JobTimeout {
		return fmt.Errorf("visibility timeout (%v) must not be below job timeout (%v)",
			c.VisibilityTimeout, c.JobTimeout)
	}
	return nil
}
