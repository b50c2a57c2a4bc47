package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papergraph/papergraph/pkg/cache"
	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/crypto"
	"github.com/papergraph/papergraph/pkg/llm"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/pipeline"
	"github.com/papergraph/papergraph/pkg/store"
)

// cannedProvider returns scripted JSON bodies in call order and records
// every request it sees.
type cannedProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
}

func (p *cannedProvider) Name() string { return "google" }

func (p *cannedProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.requests) > len(p.responses) {
		return nil, errors.New("no canned response left")
	}
	return &llm.Response{
		Text:         p.responses[len(p.requests)-1],
		InputTokens:  10,
		OutputTokens: 10,
		FinishReason: "STOP",
	}, nil
}

// A single-entity paper: the relationship, evidence, and reasoning stages
// all short-circuit, so a run makes exactly two model calls.
const (
	execIngestionJSON = `{"title": "Graph Survey", "year": 2020, "abstract": "About GNNs.", "authors": [],
		"sections": [{"section_type": "abstract", "content": "A survey of graph neural networks."}], "warnings": []}`
	execEntityJSON = `{"entities": [
		{"type": "concept", "name": "Graph Neural Network", "confidence": 0.8, "definition": "", "mentions": 2}
	]}`
)

func newTestExecutor(t *testing.T, mem *store.Memory, provider llm.Provider, keys *crypto.KeyBox, platformKey string) *PipelineExecutor {
	t.Helper()
	callCache, err := cache.NewCallCache(64)
	require.NoError(t, err)
	derived, err := cache.NewDerivedCache(64)
	require.NoError(t, err)

	llmCfg := config.LLMConfig{
		Model:          "gemini-2.5-flash",
		MaxConcurrent:  2,
		MaxRetries:     1,
		DefaultTimeout: 5 * time.Second,
	}
	pipeCfg := config.PipelineConfig{
		MaxInputChars:    60000,
		MaxEntities:      10,
		MaxRelationships: 12,
		MinRelationConf:  0.5,
	}
	runner := llm.NewRunner(provider, callCache, nil, llmCfg, nil)
	driver := pipeline.NewDriver(mem, runner, nil, derived, pipeCfg, llmCfg, nil)
	return NewPipelineExecutor(mem, driver, NewSettingsService(mem, keys), platformKey, nil)
}

func pendingJob(t *testing.T, mem *store.Memory, tenantID string) *models.PipelineJob {
	t.Helper()
	job := &models.PipelineJob{
		ID:       "job-1",
		TenantID: tenantID,
		PaperID:  "paper-1",
		Status:   models.JobPending,
		Input:    models.JobInput{PaperID: "paper-1", RawText: "survey text"},
	}
	require.NoError(t, mem.CreatePipelineJob(context.Background(), job))
	return job
}

func TestExecutor_RunsPipelineAndPersistsProgress(t *testing.T) {
	mem := store.NewMemory()
	provider := &cannedProvider{responses: []string{execIngestionJSON, execEntityJSON}}
	executor := newTestExecutor(t, mem, provider, nil, "platform-key")
	job := pendingJob(t, mem, "t1")

	result, err := executor.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, result.Progress.Stage)
	assert.Equal(t, 1, result.Stats.SectionsInserted)
	assert.Equal(t, 1, result.Stats.NodesCreated)

	// The platform key paid for the calls.
	require.NotEmpty(t, provider.requests)
	assert.Equal(t, "platform-key", provider.requests[0].APIKey)

	// Progress markers were persisted while the run was in flight.
	stored, err := mem.GetPipelineJob(context.Background(), "t1", job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Result)
	assert.Equal(t, models.StageCompleted, stored.Result.Progress.Stage)
}

func TestExecutor_BYOKeyDecryptedForCalls(t *testing.T) {
	mem := store.NewMemory()
	keys, err := crypto.NewKeyBox("test-secret")
	require.NoError(t, err)

	settingsSvc := NewSettingsService(mem, keys)
	_, err = settingsSvc.Update(context.Background(), "t1", UpdateSettingsInput{
		ExecutionMode: strPtr("byo_key"),
		APIKey:        strPtr("AIza-tenant-key"),
	})
	require.NoError(t, err)

	provider := &cannedProvider{responses: []string{execIngestionJSON, execEntityJSON}}
	executor := newTestExecutor(t, mem, provider, keys, "platform-key")
	job := pendingJob(t, mem, "t1")

	_, err = executor.Execute(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, provider.requests)
	assert.Equal(t, "AIza-tenant-key", provider.requests[0].APIKey)
}

func TestExecutor_MissingKeyFailsJob(t *testing.T) {
	mem := store.NewMemory()
	settings := models.DefaultTenantSettings("t1")
	settings.ExecutionMode = models.ModeBYOKey
	require.NoError(t, mem.UpdateTenantSettings(context.Background(), settings))

	executor := newTestExecutor(t, mem, &cannedProvider{}, nil, "platform-key")
	job := pendingJob(t, mem, "t1")

	_, err := executor.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}
