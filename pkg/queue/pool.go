package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/store"
)

// WorkerPool manages a pool of queue workers plus the orphan detection
// loop.
type WorkerPool struct {
	podID    string
	store    store.GraphStore
	config   config.QueueConfig
	executor JobExecutor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	orphans orphanState
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(podID string, s store.GraphStore, cfg config.QueueConfig, executor JobExecutor) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		store:    s,
		config:   cfg,
		executor: executor,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.executor)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current jobs before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("stopping worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("worker pool stopped")
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	processing, dbErr := p.store.CountProcessingJobs(ctx)
	if dbErr != nil {
		slog.Error("failed to query processing jobs for health check",
			"pod_id", p.podID, "error", dbErr)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := dbErr == nil
	var dbError string
	if dbErr != nil {
		dbError = fmt.Sprintf("processing jobs query failed: %v", dbErr)
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && dbHealthy && processing <= p.config.MaxConcurrentJobs,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ProcessingJobs:   processing,
		MaxConcurrent:    p.config.MaxConcurrentJobs,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}
