package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	result   *models.JobResult
	err      error
	block    bool // block until the job context is done
}

func (e *fakeExecutor) Execute(ctx context.Context, job *models.PipelineJob) (*models.JobResult, error) {
	e.mu.Lock()
	e.executed = append(e.executed, job.ID)
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return e.result, e.err
}

func (e *fakeExecutor) executedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executed)
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		WorkerCount:       1,
		MaxConcurrentJobs: 2,
		PollInterval:      10 * time.Millisecond,
		PollJitter:        0,
		JobTimeout:        time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		OrphanScanEvery:   time.Minute,
		OrphanThreshold:   time.Minute,
	}
}

func createJob(t *testing.T, mem *store.Memory, id string) *models.PipelineJob {
	t.Helper()
	job := &models.PipelineJob{
		ID:       id,
		TenantID: "t1",
		PaperID:  "paper-" + id,
		Status:   models.JobPending,
		Input:    models.JobInput{PaperID: "paper-" + id, RawText: "text"},
	}
	require.NoError(t, mem.CreatePipelineJob(context.Background(), job))
	return job
}

func jobStatus(t *testing.T, mem *store.Memory, id string) *models.PipelineJob {
	t.Helper()
	job, err := mem.GetPipelineJob(context.Background(), "t1", id)
	require.NoError(t, err)
	return job
}

func TestWorker_ProcessesPendingJob(t *testing.T) {
	mem := store.NewMemory()
	createJob(t, mem, "job-1")
	executor := &fakeExecutor{result: &models.JobResult{
		Progress: models.JobProgress{Stage: models.StageCompleted},
		Stats:    models.PipelineStats{NodesCreated: 3},
	}}

	worker := NewWorker("pod-1-worker-0", "pod-1", mem, testQueueConfig(), executor)
	worker.Start(context.Background())
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		return jobStatus(t, mem, "job-1").Status == models.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	job := jobStatus(t, mem, "job-1")
	assert.Equal(t, "pod-1", job.PodID)
	require.NotNil(t, job.Result)
	assert.Equal(t, 3, job.Result.Stats.NodesCreated)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.Error)
}

func TestWorker_JobFailureWritesError(t *testing.T) {
	mem := store.NewMemory()
	createJob(t, mem, "job-1")
	executor := &fakeExecutor{err: errors.New("entity extraction: boom")}

	worker := NewWorker("pod-1-worker-0", "pod-1", mem, testQueueConfig(), executor)
	worker.Start(context.Background())
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		return jobStatus(t, mem, "job-1").Status == models.JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	job := jobStatus(t, mem, "job-1")
	assert.Contains(t, job.Error, "entity extraction: boom")
	assert.NotNil(t, job.CompletedAt)
}

func TestWorker_JobTimeoutFailsJob(t *testing.T) {
	mem := store.NewMemory()
	createJob(t, mem, "job-1")
	executor := &fakeExecutor{block: true}

	cfg := testQueueConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	worker := NewWorker("pod-1-worker-0", "pod-1", mem, cfg, executor)
	worker.Start(context.Background())
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		return jobStatus(t, mem, "job-1").Status == models.JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, jobStatus(t, mem, "job-1").Error, "timed out")
}

func TestWorker_AtCapacityDoesNotClaim(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	// Fill the capacity with jobs claimed by another pod.
	createJob(t, mem, "busy-1")
	createJob(t, mem, "busy-2")
	_, err := mem.ClaimNextPendingJob(ctx, "pod-other")
	require.NoError(t, err)
	_, err = mem.ClaimNextPendingJob(ctx, "pod-other")
	require.NoError(t, err)

	createJob(t, mem, "job-1")
	executor := &fakeExecutor{result: &models.JobResult{}}
	worker := NewWorker("pod-1-worker-0", "pod-1", mem, testQueueConfig(), executor)

	err = worker.pollAndProcess(ctx)
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Equal(t, 0, executor.executedCount())
	assert.Equal(t, models.JobPending, jobStatus(t, mem, "job-1").Status)
}

func TestPool_StartStopProcessesJobs(t *testing.T) {
	mem := store.NewMemory()
	createJob(t, mem, "job-1")
	createJob(t, mem, "job-2")
	executor := &fakeExecutor{result: &models.JobResult{}}

	cfg := testQueueConfig()
	cfg.WorkerCount = 2
	pool := NewWorkerPool("pod-1", mem, cfg, executor)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	assert.Eventually(t, func() bool {
		return jobStatus(t, mem, "job-1").Status == models.JobCompleted &&
			jobStatus(t, mem, "job-2").Status == models.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, 2, health.TotalWorkers)
}

func TestOrphanDetection_FailsStaleJobs(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	createJob(t, mem, "job-1")
	_, err := mem.ClaimNextPendingJob(ctx, "pod-dead")
	require.NoError(t, err)

	stale := time.Now().Add(-10 * time.Minute)
	require.NoError(t, mem.UpdatePipelineJob(ctx, "t1", "job-1", store.JobUpdate{Heartbeat: &stale}))

	pool := NewWorkerPool("pod-1", mem, testQueueConfig(), &fakeExecutor{})
	require.NoError(t, pool.detectAndRecoverOrphans(ctx))

	job := jobStatus(t, mem, "job-1")
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.Error, "no heartbeat from pod pod-dead")
}

func TestCleanupStartupOrphans(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	createJob(t, mem, "job-1")
	_, err := mem.ClaimNextPendingJob(ctx, "pod-1")
	require.NoError(t, err)
	createJob(t, mem, "job-2")
	_, err = mem.ClaimNextPendingJob(ctx, "pod-other")
	require.NoError(t, err)

	require.NoError(t, CleanupStartupOrphans(ctx, mem, "pod-1"))

	assert.Equal(t, models.JobFailed, jobStatus(t, mem, "job-1").Status)
	assert.Contains(t, jobStatus(t, mem, "job-1").Error, "restarted")
	// Other pods' jobs are untouched.
	assert.Equal(t, models.JobProcessing, jobStatus(t, mem, "job-2").Status)
}
