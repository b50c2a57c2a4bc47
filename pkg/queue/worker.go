package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	podID    string
	store    store.GraphStore
	config   config.QueueConfig
	executor JobExecutor
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

// NewWorker creates a queue worker.
func NewWorker(id, podID string, s store.GraphStore, cfg config.QueueConfig, executor JobExecutor) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        s,
		config:       cfg,
		executor:     executor,
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

// Health returns the current worker health snapshot.
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

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing job", "error", err)
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

// pollAndProcess checks capacity, claims a job, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Capacity check is best-effort; racy with concurrent workers but
	// bounded by WorkerCount and mitigated by poll jitter.
	processing, err := w.store.CountProcessingJobs(ctx)
	if err != nil {
		return fmt.Errorf("checking processing jobs: %w", err)
	}
	if processing >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	job, err := w.store.ClaimNextPendingJob(ctx, w.podID)
	if err != nil {
		if errors.Is(err, store.ErrNoPendingJobs) {
			return ErrNoJobsAvailable
		}
		return fmt.Errorf("claiming job: %w", err)
	}

	log := slog.With("job_id", job.ID, "tenant_id", job.TenantID, "paper_id", job.PaperID, "worker_id", w.id)
	log.Info("job claimed")

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	result, execErr := w.executor.Execute(jobCtx, job)
	if execErr != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		execErr = fmt.Errorf("job timed out after %v", w.config.JobTimeout)
	}

	cancelHeartbeat()

	// Terminal status uses a background context: the job context may
	// already be cancelled.
	if err := w.writeTerminalStatus(context.Background(), job, result, execErr); err != nil {
		log.Error("failed to write terminal job status", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	if execErr != nil {
		log.Warn("job failed", "error", execErr)
	} else {
		log.Info("job completed")
	}
	return nil
}

// runHeartbeat periodically refreshes last_heartbeat_at for orphan
// detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatJob(ctx, jobID); err != nil {
				slog.Warn("heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// writeTerminalStatus records exactly one of completed or failed.
func (w *Worker) writeTerminalStatus(ctx context.Context, job *models.PipelineJob, result *models.JobResult, execErr error) error {
	now := time.Now()
	status := models.JobCompleted
	update := store.JobUpdate{
		Status:      &status,
		CompletedAt: &now,
		Result:      result,
	}
	if execErr != nil {
		status = models.JobFailed
		msg := execErr.Error()
		update.Error = &msg
	}
	return w.store.UpdatePipelineJob(ctx, job.TenantID, job.ID, update)
}

// pollInterval returns the poll duration with jitter, range
// [base-jitter, base+jitter].
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
