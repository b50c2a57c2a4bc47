package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned jobs. All pods run
// this independently; marking a job failed is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds processing jobs with stale heartbeats and
// marks them failed. Orphaned jobs are terminal: the pipeline has side
// effects, so a blind re-run is not safe.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	orphans, err := p.store.FindStaleProcessingJobs(ctx, threshold)
	if err != nil {
		return fmt.Errorf("querying orphaned jobs: %w", err)
	}

	recovered := 0
	if len(orphans) > 0 {
		slog.Warn("detected orphaned jobs", "count", len(orphans))
		for _, job := range orphans {
			lastHeartbeat := "unknown"
			if job.LastHeartbeatAt != nil {
				lastHeartbeat = job.LastHeartbeatAt.Format(time.RFC3339)
			}
			reason := fmt.Sprintf("orphaned: no heartbeat from pod %s since %s", job.PodID, lastHeartbeat)
			if err := markFailed(ctx, p.store, job, reason); err != nil {
				slog.Error("failed to recover orphaned job", "job_id", job.ID, "error", err)
				continue
			}
			slog.Warn("orphaned job marked failed", "job_id", job.ID, "last_heartbeat", lastHeartbeat)
			recovered++
		}
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// CleanupStartupOrphans fails jobs this pod left processing when it last
// crashed. Called once during startup, before the pool begins processing.
func CleanupStartupOrphans(ctx context.Context, s store.GraphStore, podID string) error {
	orphans, err := s.FindProcessingJobsByPod(ctx, podID)
	if err != nil {
		return fmt.Errorf("querying startup orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("found startup orphans from previous run", "pod_id", podID, "count", len(orphans))

	for _, job := range orphans {
		reason := fmt.Sprintf("orphaned: pod %s restarted while job was processing", podID)
		if err := markFailed(ctx, s, job, reason); err != nil {
			slog.Error("failed to mark startup orphan", "job_id", job.ID, "error", err)
			continue
		}
		slog.Info("startup orphan recovered", "job_id", job.ID)
	}
	return nil
}

// markFailed writes the terminal failed status, preserving whatever partial
// result the job accumulated.
func markFailed(ctx context.Context, s store.GraphStore, job models.PipelineJob, reason string) error {
	now := time.Now()
	status := models.JobFailed
	return s.UpdatePipelineJob(ctx, job.TenantID, job.ID, store.JobUpdate{
		Status:      &status,
		CompletedAt: &now,
		Error:       &reason,
		Result:      job.Result,
	})
}
