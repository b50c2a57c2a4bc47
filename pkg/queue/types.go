// Package queue runs the worker pool that drains pending pipeline jobs:
// polling with jitter, atomic claiming, heartbeats, job timeouts, and
// orphan recovery across pod restarts.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/papergraph/papergraph/pkg/models"
)

// Sentinel conditions a polling worker backs off on.
var (
	ErrNoJobsAvailable = errors.New("no pending jobs available")
	ErrAtCapacity      = errors.New("at max concurrent jobs")
)

// JobExecutor runs one claimed job to completion and returns its result.
// Implementations persist progress themselves; the worker only writes the
// terminal status.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.PipelineJob) (*models.JobResult, error)
}

// WorkerStatus is the current state of one worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// PoolHealth is the pool-level health snapshot served by the health
// endpoint.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ProcessingJobs   int            `json:"processing_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan,omitzero"`
	OrphansRecovered int            `json:"orphans_recovered"`
}
