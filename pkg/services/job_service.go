package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/ingest"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
	"github.com/papergraph/papergraph/pkg/usage"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// SubmitJobInput is a pipeline job submission. Exactly one of RawText or
// SourceURL must be provided.
type SubmitJobInput struct {
	PaperID        string
	RawText        string
	Title          string
	SourceURL      string
	ForceReingest  bool
	ReasoningDepth int // 0 = use tenant setting
}

// JobService admits pipeline jobs and serves their status. Admission runs
// the demo block, the rolling rate window, and the usage ceilings before a
// pending row is written; execution is asynchronous via the worker pool.
type JobService struct {
	store    store.GraphStore
	settings *SettingsService
	limiter  *usage.Limiter
	fetcher  *ingest.Fetcher // nil disables URL submissions
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewJobService creates a JobService. fetcher may be nil.
func NewJobService(s store.GraphStore, settings *SettingsService, limiter *usage.Limiter, fetcher *ingest.Fetcher, cfg *config.Config, logger *slog.Logger) *JobService {
	if s == nil {
		panic("store is required")
	}
	if settings == nil {
		panic("settings service is required")
	}
	if limiter == nil {
		panic("limiter is required")
	}
	if cfg == nil {
		panic("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		store:    s,
		settings: settings,
		limiter:  limiter,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.With("component", "job_service"),
		now:      time.Now,
	}
}

// Submit admits a job and persists it as pending. The returned job carries
// the id the caller polls; limiter rejections never create a row.
func (s *JobService) Submit(ctx context.Context, tenantID string, input SubmitJobInput) (*models.PipelineJob, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if s.cfg.IsDemoTenant(tenantID) {
		return nil, ErrDemoBlocked
	}
	if err := validateSubmission(input); err != nil {
		return nil, err
	}

	window := s.cfg.Limits.RateLimitWindow
	recent, err := s.store.CountPipelineJobsSince(ctx, tenantID, s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("counting recent jobs: %w", err)
	}
	if recent >= s.cfg.Limits.RateLimitMax {
		return nil, fmt.Errorf("%w: %d submissions in the last %s", ErrRateLimited, recent, window)
	}

	settings, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	check, err := s.limiter.Evaluate(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("evaluating usage limits: %w", err)
	}
	if check.Blocked() {
		return nil, fmt.Errorf("%w: %s", ErrUsageLimitExceeded, strings.Join(check.Reasons, "; "))
	}
	if check.State == usage.StateWarning {
		s.logger.Warn("tenant approaching usage limits",
			"tenant_id", tenantID, "reasons", strings.Join(check.Reasons, "; "))
	}

	rawText := input.RawText
	resolvedURL := ""
	if input.SourceURL != "" {
		if s.fetcher == nil {
			return nil, NewValidationError("source_url", "url ingestion is not configured")
		}
		doc, err := s.fetcher.Fetch(ctx, input.SourceURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		if strings.TrimSpace(doc.Text) == "" {
			return nil, NewValidationError("source_url", "fetched document contains no text")
		}
		rawText = doc.Text
		resolvedURL = doc.ResolvedURL
	}

	job := &models.PipelineJob{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		PaperID:  input.PaperID,
		Status:   models.JobPending,
		Input: models.JobInput{
			PaperID:        input.PaperID,
			RawText:        rawText,
			Title:          input.Title,
			SourceURL:      input.SourceURL,
			ResolvedURL:    resolvedURL,
			ForceReingest:  input.ForceReingest,
			ReasoningDepth: input.ReasoningDepth,
		},
		CreatedAt: s.now(),
	}
	if err := s.store.CreatePipelineJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating pipeline job: %w", err)
	}

	s.logger.Info("job submitted",
		"job_id", job.ID, "tenant_id", tenantID, "paper_id", input.PaperID,
		"from_url", input.SourceURL != "")
	return job, nil
}

// Status returns the persisted job state verbatim; polling is the only
// status channel.
func (s *JobService) Status(ctx context.Context, tenantID, jobID string) (*models.PipelineJob, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if jobID == "" {
		return nil, NewValidationError("job_id", "is required")
	}
	job, err := s.store.GetPipelineJob(ctx, tenantID, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("loading job: %w", err)
	}
	return job, nil
}

// List returns the tenant's jobs, newest first, with an optional status
// filter.
func (s *JobService) List(ctx context.Context, tenantID string, page, limit int, status string) ([]models.PipelineJob, int, error) {
	if tenantID == "" {
		return nil, 0, ErrTenantRequired
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var statusFilter *models.JobStatus
	if status != "" {
		js := models.JobStatus(status)
		switch js {
		case models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed:
			statusFilter = &js
		default:
			return nil, 0, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
		}
	}

	jobs, total, err := s.store.ListPipelineJobs(ctx, tenantID, page, limit, statusFilter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, total, nil
}

// Usage reports the tenant's current position against its usage ceilings.
func (s *JobService) Usage(ctx context.Context, tenantID string) (*usage.Check, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	settings, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	check, err := s.limiter.Evaluate(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("evaluating usage: %w", err)
	}
	return check, nil
}

func validateSubmission(input SubmitJobInput) error {
	if strings.TrimSpace(input.PaperID) == "" {
		return NewValidationError("paper_id", "is required")
	}
	hasText := strings.TrimSpace(input.RawText) != ""
	hasURL := strings.TrimSpace(input.SourceURL) != ""
	if !hasText && !hasURL {
		return NewValidationError("raw_text", "either raw_text or source_url is required")
	}
	if hasText && hasURL {
		return NewValidationError("source_url", "provide raw_text or source_url, not both")
	}
	if input.ReasoningDepth != 0 &&
		(input.ReasoningDepth < models.MinReasoningDepth || input.ReasoningDepth > models.MaxReasoningDepth) {
		return NewValidationError("reasoning_depth",
			fmt.Sprintf("must be between %d and %d", models.MinReasoningDepth, models.MaxReasoningDepth))
	}
	return nil
}
