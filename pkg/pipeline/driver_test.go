package pipeline

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
	"github.com/papergraph/papergraph/pkg/llm"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// scriptedProvider returns canned JSON bodies in call order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "google" }

func (p *scriptedProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.requests) > len(p.responses) {
		return nil, errors.New("no scripted response left")
	}
	return &llm.Response{
		Text:         p.responses[len(p.requests)-1],
		InputTokens:  100,
		OutputTokens: 50,
		FinishReason: "STOP",
	}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// constEmbedder returns the same vector for every text.
type constEmbedder struct {
	vec []float32
}

func (e *constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, nil
}

func (e *constEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

const (
	ingestionJSON = `{
		"title": "Attention Is All You Need",
		"year": 2017,
		"abstract": "We propose the Transformer.",
		"authors": ["Vaswani"],
		"sections": [
			{"section_type": "abstract", "content": "We propose the Transformer, evaluated on WMT14."},
			{"section_type": "results", "content": "The Transformer improves BLEU on WMT14."}
		],
		"warnings": []
	}`
	entityJSON = `{"entities": [
		{"type": "model", "name": "Transformer", "confidence": 0.9, "definition": "attention-based architecture", "mentions": 5},
		{"type": "dataset", "name": "WMT14", "confidence": 0.8, "definition": "", "mentions": 2},
		{"type": "metric", "name": "BLEU", "confidence": 0.55, "definition": "", "mentions": 3}
	]}`
	relationshipJSON = `{"relationships": [
		{"source": "Transformer", "target": "WMT14", "relationship_type": "evaluated_on", "confidence": 0.85, "section_type": "results", "part_index": 1},
		{"source": "Transformer", "target": "BLEU", "relationship_type": "uses", "confidence": 0.55, "section_type": "results", "part_index": 1}
	]}`
	evidenceJSON = `{"evidence": [
		{"edge_key": "transformer::evaluated_on::wmt14", "evidence": "The Transformer improves BLEU on WMT14."},
		{"edge_key": "transformer::uses::bleu", "evidence": "The Transformer improves BLEU on WMT14."}
	]}`
	reasoningJSON = `{"insights": [
		{"insight_type": "cluster_analysis", "subject_entities": ["transformer", "wmt14"],
		 "steps": ["transformer is evaluated on wmt14", "both anchor the paper's results"], "confidence": 0.7}
	]}`
)

func testPipelineConfig(reasoning bool) config.PipelineConfig {
	return config.PipelineConfig{
		ReasoningEnabled: reasoning,
		ReasoningDepth:   2,
		MaxInputChars:    60000,
		MaxEntities:      10,
		MaxRelationships: 12,
		MinRelationConf:  0.5,
	}
}

func newTestDriver(t *testing.T, mem *store.Memory, provider llm.Provider, embedder llm.Embedder, reasoning bool) *Driver {
	t.Helper()
	callCache, err := cache.NewCallCache(64)
	require.NoError(t, err)
	derived, err := cache.NewDerivedCache(64)
	require.NoError(t, err)
	return newTestDriverWithCaches(t, mem, provider, embedder, reasoning, callCache, derived)
}

func newTestDriverWithCaches(t *testing.T, mem *store.Memory, provider llm.Provider, embedder llm.Embedder, reasoning bool, callCache *cache.CallCache, derived *cache.DerivedCache) *Driver {
	t.Helper()
	llmCfg := config.LLMConfig{
		Model:          "gemini-2.5-flash",
		MaxConcurrent:  2,
		MaxRetries:     2,
		DefaultTimeout: 5 * time.Second,
	}
	runner := llm.NewRunner(provider, callCache, nil, llmCfg, nil)
	return NewDriver(mem, runner, embedder, derived, testPipelineConfig(reasoning), llmCfg, nil)
}

func runParams(paperID string) RunParams {
	return RunParams{
		TenantID: "t1",
		JobID:    "job-1",
		Input:    models.JobInput{PaperID: paperID, RawText: "raw paper text"},
		Settings: models.DefaultTenantSettings("t1"),
		APIKey:   "key",
	}
}

func TestDriver_FullRun(t *testing.T) {
	mem := store.NewMemory()
	provider := &scriptedProvider{responses: []string{
		ingestionJSON, entityJSON, relationshipJSON, evidenceJSON, reasoningJSON,
	}}
	d := newTestDriver(t, mem, provider, nil, true)

	var stages []string
	p := runParams("paper-1")
	p.Progress = func(stage string) { stages = append(stages, stage) }

	result, err := d.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, result.Progress.Stage)
	assert.Equal(t, []string{
		models.StageIngestion, models.StageEntityExtraction, models.StageRelationshipExtraction,
		models.StageValidation, models.StagePersistEntitiesEdges, models.StageEvidence,
		models.StageReasoning, models.StageCompleted,
	}, stages)
	assert.Equal(t, 5, provider.callCount())

	assert.Equal(t, 2, result.Stats.SectionsInserted)
	assert.Equal(t, 3, result.Stats.EntitiesDecided)
	assert.Equal(t, 3, result.Stats.NodesCreated)
	assert.Equal(t, 3, result.Stats.MentionsRecorded)
	assert.Equal(t, 2, result.Stats.EdgesPersisted)
	assert.Equal(t, 2, result.Stats.EvidenceUpdated)
	assert.Equal(t, 1, result.Stats.InsightsCreated)
	require.NotEmpty(t, result.BatchID)

	ctx := context.Background()
	paper, err := mem.GetPapers(ctx, "t1", []string{"paper-1"})
	require.NoError(t, err)
	require.Len(t, paper, 1)
	assert.Equal(t, "Attention Is All You Need", paper[0].Title)
	assert.Equal(t, 2017, paper[0].Year)

	nodes, err := mem.GetNodesForPaper(ctx, "t1", "paper-1")
	require.NoError(t, err)
	byName := make(map[string]models.Node)
	for _, n := range nodes {
		byName[n.CanonicalName] = n
	}
	assert.Equal(t, models.ReviewApproved, byName["transformer"].ReviewStatus)
	assert.Equal(t, models.ReviewApproved, byName["wmt14"].ReviewStatus)
	// 0.55 is below the review threshold.
	assert.Equal(t, models.ReviewFlagged, byName["bleu"].ReviewStatus)

	edges, err := mem.GetEdgesForPaper(ctx, "t1", "paper-1")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.NotEmpty(t, e.Evidence)
		assert.Equal(t, "paper-1", e.Provenance.SourcePaperID)
	}

	insights := mem.InsightsForBatch("t1", result.BatchID)
	require.Len(t, insights, 1)
	assert.Equal(t, models.InsightClusterAnalysis, insights[0].Type)
	assert.Len(t, insights[0].SubjectNodes, 2)
	assert.NotEmpty(t, insights[0].Meta.GraphSnapshotHash)
}

func TestDriver_IdempotencyGateSkipsExistingPaper(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.UpsertPaper(ctx, "t1", &models.Paper{PaperID: "paper-1", TenantID: "t1", Title: "existing"}))

	provider := &scriptedProvider{}
	d := newTestDriver(t, mem, provider, nil, true)

	result, err := d.Run(ctx, runParams("paper-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, result.Progress.Stage)
	assert.Equal(t, models.PipelineStats{}, result.Stats)
	assert.Equal(t, 0, provider.callCount())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "already ingested")
}

func TestDriver_SecondRunServedFromCaches(t *testing.T) {
	mem := store.NewMemory()
	provider := &scriptedProvider{responses: []string{
		ingestionJSON, entityJSON, relationshipJSON, evidenceJSON,
	}}
	callCache, err := cache.NewCallCache(64)
	require.NoError(t, err)
	derived, err := cache.NewDerivedCache(64)
	require.NoError(t, err)
	d := newTestDriverWithCaches(t, mem, provider, nil, false, callCache, derived)

	ctx := context.Background()
	_, err = d.Run(ctx, runParams("paper-1"))
	require.NoError(t, err)
	require.Equal(t, 4, provider.callCount())

	nodesBefore, _, err := mem.GetGraphData(ctx, "t1")
	require.NoError(t, err)

	p := runParams("paper-1")
	p.Input.ForceReingest = true
	result, err := d.Run(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 4, provider.callCount(), "second run must be fully cache-served")
	assert.GreaterOrEqual(t, result.Stats.CacheHits, 3)

	// Node insertion converges; the rerun creates no additional nodes.
	nodesAfter, _, err := mem.GetGraphData(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, len(nodesBefore), len(nodesAfter))
}

func TestDriver_UnknownEndpointEdgeSkipped(t *testing.T) {
	mem := store.NewMemory()
	provider := &scriptedProvider{responses: []string{
		ingestionJSON,
		`{"entities": [
			{"type": "model", "name": "Transformer", "confidence": 0.9, "mentions": 5},
			{"type": "dataset", "name": "WMT14", "confidence": 0.8, "mentions": 2}
		]}`,
		`{"relationships": [
			{"source": "Transformer", "target": "Ghost", "relationship_type": "uses", "confidence": 0.9, "section_type": "results", "part_index": 1}
		]}`,
	}}
	d := newTestDriver(t, mem, provider, nil, true)

	result, err := d.Run(context.Background(), runParams("paper-1"))
	require.NoError(t, err)
	assert.Equal(t, 3, provider.callCount(), "no edges means no evidence or reasoning calls")
	assert.Equal(t, 0, result.Stats.EdgesPersisted)
	assert.Equal(t, 1, result.Stats.EdgesSkipped)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "unknown endpoint")
}

func TestDriver_SemanticResolutionMergesIntoHead(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	headID, err := mem.InsertNode(ctx, "t1", &models.Node{
		TenantID:           "t1",
		Type:               "model",
		CanonicalName:      "bert",
		OriginalConfidence: 0.9,
		AdjustedConfidence: 0.9,
		ReviewStatus:       models.ReviewApproved,
		EmbeddingIndex:     []float32{1, 0},
	})
	require.NoError(t, err)

	provider := &scriptedProvider{responses: []string{
		ingestionJSON,
		`{"entities": [
			{"type": "model", "name": "BERT-base", "confidence": 0.9, "definition": "pretrained encoder", "mentions": 4}
		]}`,
	}}
	embedder := &constEmbedder{vec: []float32{1, 0}}
	d := newTestDriver(t, mem, provider, embedder, false)

	result, err := d.Run(ctx, runParams("paper-2"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.NodesMatched)
	assert.Equal(t, 1, result.Stats.NodesCreated, "the alias surface still gets its own reviewable node")
	assert.Equal(t, 1, result.Stats.LinksCreated)
	assert.Equal(t, 1, result.Stats.AliasesRecorded)

	// Mentions land on the canonical head, so the head is the paper's node.
	nodes, err := mem.GetNodesForPaper(ctx, "t1", "paper-2")
	require.NoError(t, err)
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	assert.Contains(t, ids, headID)
}
