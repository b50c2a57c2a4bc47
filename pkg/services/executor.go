package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/pipeline"
	"github.com/papergraph/papergraph/pkg/store"
)

// PipelineExecutor adapts the pipeline driver to the queue's executor
// contract. It resolves the tenant's settings and API key per job and
// persists stage progress while the run is in flight; the worker writes
// the terminal status.
type PipelineExecutor struct {
	store       store.GraphStore
	driver      *pipeline.Driver
	settings    *SettingsService
	platformKey string
	logger      *slog.Logger
}

// NewPipelineExecutor creates a PipelineExecutor.
func NewPipelineExecutor(s store.GraphStore, driver *pipeline.Driver, settings *SettingsService, platformKey string, logger *slog.Logger) *PipelineExecutor {
	if s == nil {
		panic("store is required")
	}
	if driver == nil {
		panic("driver is required")
	}
	if settings == nil {
		panic("settings service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineExecutor{
		store:       s,
		driver:      driver,
		settings:    settings,
		platformKey: platformKey,
		logger:      logger.With("component", "pipeline_executor"),
	}
}

// Execute runs one claimed job through the pipeline.
func (e *PipelineExecutor) Execute(ctx context.Context, job *models.PipelineJob) (*models.JobResult, error) {
	log := e.logger.With("job_id", job.ID, "tenant_id", job.TenantID, "paper_id", job.PaperID)

	settings, err := e.settings.Get(ctx, job.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading settings for job: %w", err)
	}
	apiKey, err := e.settings.ResolveAPIKey(settings, e.platformKey)
	if err != nil {
		return nil, fmt.Errorf("resolving api key: %w", err)
	}

	progress := func(stage string) {
		update := store.JobUpdate{
			Result: &models.JobResult{Progress: models.JobProgress{Stage: stage}},
		}
		if err := e.store.UpdatePipelineJob(ctx, job.TenantID, job.ID, update); err != nil {
			log.Warn("failed to persist job progress", "stage", stage, "error", err)
		}
	}

	return e.driver.Run(ctx, pipeline.RunParams{
		TenantID: job.TenantID,
		JobID:    job.ID,
		Input:    job.Input,
		Settings: settings,
		APIKey:   apiKey,
		Progress: progress,
	})
}
