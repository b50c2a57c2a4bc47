package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
	"github.com/papergraph/papergraph/pkg/usage"
)

func testServiceConfig() *config.Config {
	return &config.Config{
		Limits: config.LimitsConfig{
			RateLimitMax:    3,
			RateLimitWindow: time.Minute,
			DemoTenants:     []string{"demo", "playground"},
		},
	}
}

func newTestJobService(mem *store.Memory) *JobService {
	settings := NewSettingsService(mem, nil)
	limiter := usage.NewLimiter(mem)
	return NewJobService(mem, settings, limiter, nil, testServiceConfig(), nil)
}

func submitInput(paperID string) SubmitJobInput {
	return SubmitJobInput{PaperID: paperID, RawText: "full paper text"}
}

func TestSubmit_CreatesPendingJob(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestJobService(mem)
	ctx := context.Background()

	input := submitInput("paper-1")
	input.Title = "Attention Is All You Need"
	input.ReasoningDepth = 3
	job, err := svc.Submit(ctx, "t1", input)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobPending, job.Status)

	stored, err := mem.GetPipelineJob(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "paper-1", stored.PaperID)
	assert.Equal(t, "full paper text", stored.Input.RawText)
	assert.Equal(t, "Attention Is All You Need", stored.Input.Title)
	assert.Equal(t, 3, stored.Input.ReasoningDepth)
}

func TestSubmit_TenantRequired(t *testing.T) {
	svc := newTestJobService(store.NewMemory())
	_, err := svc.Submit(context.Background(), "", submitInput("paper-1"))
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestSubmit_DemoTenantBlocked(t *testing.T) {
	svc := newTestJobService(store.NewMemory())
	_, err := svc.Submit(context.Background(), "demo", submitInput("paper-1"))
	assert.ErrorIs(t, err, ErrDemoBlocked)
}

func TestSubmit_InputValidation(t *testing.T) {
	svc := newTestJobService(store.NewMemory())
	ctx := context.Background()

	tests := []struct {
		name  string
		input SubmitJobInput
	}{
		{"missing paper id", SubmitJobInput{RawText: "text"}},
		{"no text or url", SubmitJobInput{PaperID: "p1"}},
		{"both text and url", SubmitJobInput{PaperID: "p1", RawText: "text", SourceURL: "https://example.com/p"}},
		{"depth too high", SubmitJobInput{PaperID: "p1", RawText: "text", ReasoningDepth: 21}},
		{"depth negative", SubmitJobInput{PaperID: "p1", RawText: "text", ReasoningDepth: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, "t1", tc.input)
			assert.True(t, IsValidationError(err), "expected validation error, got %v", err)
		})
	}
}

func TestSubmit_URLWithoutFetcherRejected(t *testing.T) {
	svc := newTestJobService(store.NewMemory())
	_, err := svc.Submit(context.Background(), "t1", SubmitJobInput{
		PaperID:   "p1",
		SourceURL: "https://arxiv.org/abs/1706.03762",
	})
	assert.True(t, IsValidationError(err))
}

func TestSubmit_RateLimited(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestJobService(mem)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, "t1", submitInput("paper-"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	_, err := svc.Submit(ctx, "t1", submitInput("paper-overflow"))
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other tenants keep their own window.
	_, err = svc.Submit(ctx, "t2", submitInput("paper-1"))
	assert.NoError(t, err)
}

func TestSubmit_UsageLimitExceeded(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestJobService(mem)
	ctx := context.Background()

	settings := models.DefaultTenantSettings("t1")
	settings.DailyCostLimitUSD = 1.0
	require.NoError(t, mem.UpdateTenantSettings(ctx, settings))
	require.NoError(t, mem.InsertUsageEvent(ctx, &models.UsageEvent{
		TenantID:         "t1",
		PipelineStage:    "entity_extraction",
		Model:            "gemini-2.5-flash",
		EstimatedCostUSD: 1.5,
		Timestamp:        time.Now().UTC(),
	}))

	_, err := svc.Submit(ctx, "t1", submitInput("paper-1"))
	require.ErrorIs(t, err, ErrUsageLimitExceeded)
	assert.Contains(t, err.Error(), "daily_cost")
}

func TestStatus_ReturnsPersistedState(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestJobService(mem)
	ctx := context.Background()

	job, err := svc.Submit(ctx, "t1", submitInput("paper-1"))
	require.NoError(t, err)

	got, err := svc.Status(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobPending, got.Status)

	_, err = svc.Status(ctx, "t1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// Jobs are invisible to other tenants.
	_, err = svc.Status(ctx, "t2", job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_FiltersByStatus(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestJobService(mem)
	ctx := context.Background()

	a, err := svc.Submit(ctx, "t1", submitInput("paper-a"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, "t1", submitInput("paper-b"))
	require.NoError(t, err)

	failed := models.JobFailed
	require.NoError(t, mem.UpdatePipelineJob(ctx, "t1", a.ID, store.JobUpdate{Status: &failed}))

	jobs, total, err := svc.List(ctx, "t1", 1, 20, "failed")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)

	jobs, total, err = svc.List(ctx, "t1", 1, 20, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)

	_, _, err = svc.List(ctx, "t1", 1, 20, "bogus")
	assert.True(t, IsValidationError(err))
}

func TestUsage_ReportsState(t *testing.T) {
	mem := store.NewMemory()
	svc := newTestJobService(mem)
	ctx := context.Background()

	check, err := svc.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, usage.StateOK, check.State)
}
