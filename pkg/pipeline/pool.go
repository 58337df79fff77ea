package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snirego/feedbackd/pkg/broker"
	"github.com/snirego/feedbackd/pkg/config"
	"github.com/snirego/feedbackd/pkg/metrics"
)

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerPool runs the pipeline workers plus the broker maintenance loop
// (delayed-job promotion, stale-claim reclaim) and the queue-depth metrics
// updater.
type WorkerPool struct {
	broker   *broker.Broker
	cfg      config.QueueConfig
	executor JobExecutor
	logger   *slog.Logger
	metrics  *metrics.Metrics

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(b *broker.Broker, cfg config.QueueConfig, executor JobExecutor, logger *slog.Logger, m *metrics.Metrics) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		broker:   b,
		cfg:      cfg,
		executor: executor,
		logger:   logger,
		metrics:  m,
		workers:  make([]*Worker, 0, cfg.WorkerConcurrency),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the worker goroutines and background loops. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	p.logger.Info("Starting worker pool", "worker_count", p.cfg.WorkerConcurrency)

	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		worker := NewWorker(workerID, p.broker, broker.QueueIngest, p.executor, p.cfg, p.logger, p.metrics)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		maintCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			<-p.stopCh
			cancel()
		}()
		p.broker.RunMaintenance(maintCtx,
			[]string{broker.QueueIngest, broker.QueueWorkItem},
			p.cfg.ReclaimInterval, p.cfg.VisibilityTimeout)
	}()

	if p.metrics != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runDepthGauges(ctx)
		}()
	}

	p.logger.Info("Worker pool started")
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs (graceful shutdown).
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.logger.Info("Worker pool stopped gracefully")
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		WorkerStats:   workerStats,
	}
}

// runDepthGauges periodically exports queue depth to Prometheus.
func (p *WorkerPool) runDepthGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, queue := range []string{broker.QueueIngest, broker.QueueWorkItem} {
				stats, err := p.broker.QueueStats(ctx, queue)
				if err != nil {
					p.logger.Warn("Queue depth read failed", "queue", queue, "error", err)
					continue
				}
				p.metrics.QueueWaiting.WithLabelValues(queue).Set(float64(stats.Waiting))
				p.metrics.QueueActive.WithLabelValues(queue).Set(float64(stats.Active))
			}
		}
	}
}
