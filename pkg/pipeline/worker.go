package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/config"
	"github.com/snirego/feedbackd/pkg/metrics"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// Worker is a single pipeline worker that polls the ingest queue and runs
// the executor on each claimed job.
type Worker struct {
	id       string
	broker   *broker.Broker
	queue    string
	executor JobExecutor
	cfg      config.QueueConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new pipeline worker.
func NewWorker(id string, b *broker.Broker, queue string, executor JobExecutor, cfg config.QueueConfig, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:           id,
		broker:       b,
		queue:        queue,
		executor:     executor,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := w.logger.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, broker.ErrNoJobs) {
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next job and drives it to a terminal
// disposition.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	d, err := w.broker.Dequeue(ctx, w.queue, w.cfg.PollTimeout)
	if err != nil {
		return err
	}

	log := w.logger.With("worker_id", w.id, "job_id", d.Envelope.ID, "attempt", d.Envelope.Attempt)
	log.Debug("Job claimed")

	w.setStatus(WorkerStatusWorking, d.Envelope.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	result := w.executor.Execute(jobCtx, d.Envelope)

	// Nil-guard: synthesize a safe result if the executor returned nil.
	if result == nil {
		switch {
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Outcome:      OutcomeRequeued,
				RequeueDelay: w.cfg.RetryBackoffBase,
				Reason:       "job deadline exceeded",
				Err:          jobCtx.Err(),
			}
		default:
			result = &ExecutionResult{
				Outcome: OutcomeFailed,
				Reason:  "executor returned nil result",
				Err:     errors.New("nil execution result"),
			}
		}
	}

	// Broker bookkeeping uses the background context — the job context
	// may already be past its deadline.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()

	switch result.Outcome {
	case OutcomeCompleted, OutcomeSkippedClosed:
		if err := w.broker.Ack(ackCtx, d); err != nil {
			return err
		}
	case OutcomeRequeued:
		if err := w.broker.Requeue(ackCtx, d, result.RequeueDelay); err != nil {
			return err
		}
	case OutcomeDeadLettered, OutcomeFailed:
		if err := w.broker.DeadLetter(ackCtx, d, result.Reason); err != nil {
			return err
		}
	}

	if w.metrics != nil {
		w.metrics.JobsProcessed.WithLabelValues(string(result.Outcome)).Inc()
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	if result.Err != nil {
		log.Warn("Job finished", "outcome", result.Outcome, "reason", result.Reason, "error", result.Err)
	} else {
		log.Info("Job finished", "outcome", result.Outcome)
	}
	return nil
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
