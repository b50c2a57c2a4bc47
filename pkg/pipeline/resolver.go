package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/papergraph/papergraph/pkg/llm"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// ResolutionKind is the outcome of semantic resolution for one new entity.
type ResolutionKind string

// Resolution outcomes. ResolutionNew means no candidate cleared the proposal
// band and the entity becomes a fresh node.
const (
	ResolutionNew         ResolutionKind = "new"
	ResolutionAutoApprove ResolutionKind = "auto_approve"
	ResolutionProposeLink ResolutionKind = "propose_link"
)

// proposalMargin widens the gating threshold downward for proposed links:
// candidates inside [threshold-margin, threshold) are proposed for human
// review instead of auto-approved.
const proposalMargin = 0.10

// ResolveRequest is one entity with no exact canonical match.
type ResolveRequest struct {
	Type          string
	CanonicalName string
	Definition    string
}

// Resolution is the semantic verdict for one ResolveRequest. Canonical is
// set unless Kind is ResolutionNew, and always points at the approved
// canonical head, never at an intermediate alias.
type Resolution struct {
	Kind       ResolutionKind
	Canonical  *models.Node
	Similarity float64
}

// AliasResolver matches new entity names against the tenant's existing
// nodes by embedding similarity.
type AliasResolver struct {
	store    store.GraphStore
	embedder llm.Embedder
	logger   *slog.Logger
}

// NewAliasResolver creates an AliasResolver.
func NewAliasResolver(s store.GraphStore, embedder llm.Embedder, logger *slog.Logger) *AliasResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AliasResolver{store: s, embedder: embedder, logger: logger.With("component", "alias_resolver")}
}

// ResolveBatch resolves all requests in one pass: one embedding batch and
// one candidate load. threshold is the tenant's semantic gating threshold.
func (r *AliasResolver) ResolveBatch(ctx context.Context, tenantID string, reqs []ResolveRequest, threshold float64) ([]Resolution, error) {
	out := make([]Resolution, len(reqs))
	for i := range out {
		out[i] = Resolution{Kind: ResolutionNew}
	}
	if len(reqs) == 0 || r.embedder == nil {
		return out, nil
	}

	texts := make([]string, len(reqs))
	for i, req := range reqs {
		texts[i] = embeddingText(req.CanonicalName, req.Definition)
	}
	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding new entities: %w", err)
	}

	nodes, _, err := r.store.GetGraphData(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading resolver candidates: %w", err)
	}
	byType := make(map[string][]models.Node)
	for _, n := range nodes {
		if len(n.EmbeddingIndex) == 0 || n.Type == models.NodeTypePaper {
			continue
		}
		byType[n.Type] = append(byType[n.Type], n)
	}

	for i, req := range reqs {
		best, sim := bestCandidate(vectors[i], byType[req.Type])
		if best == nil {
			continue
		}
		switch {
		case sim >= threshold:
			out[i] = Resolution{Kind: ResolutionAutoApprove, Canonical: best, Similarity: sim}
		case sim >= threshold-proposalMargin:
			out[i] = Resolution{Kind: ResolutionProposeLink, Canonical: best, Similarity: sim}
		}
	}

	if err := r.retarget(ctx, tenantID, out); err != nil {
		return nil, err
	}
	return out, nil
}

// retarget replaces any chosen canonical that is itself an approved alias
// with its canonical head, so links never form chains.
func (r *AliasResolver) retarget(ctx context.Context, tenantID string, resolutions []Resolution) error {
	var ids []int64
	for _, res := range resolutions {
		if res.Canonical != nil {
			ids = append(ids, res.Canonical.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	heads, err := r.store.GetApprovedAliasTargetsForNodes(ctx, tenantID, ids)
	if err != nil {
		return fmt.Errorf("loading alias targets: %w", err)
	}
	if len(heads) == 0 {
		return nil
	}

	var headIDs []int64
	for _, headID := range heads {
		headIDs = append(headIDs, headID)
	}
	headNodes, err := r.store.GetNodes(ctx, tenantID, headIDs)
	if err != nil {
		return fmt.Errorf("loading canonical heads: %w", err)
	}
	headByID := make(map[int64]models.Node, len(headNodes))
	for _, n := range headNodes {
		headByID[n.ID] = n
	}

	for i := range resolutions {
		res := &resolutions[i]
		if res.Canonical == nil {
			continue
		}
		headID, ok := heads[res.Canonical.ID]
		if !ok {
			continue
		}
		head, ok := headByID[headID]
		if !ok {
			continue
		}
		r.logger.Debug("retargeting alias to canonical head",
			"from", res.Canonical.CanonicalName, "to", head.CanonicalName)
		res.Canonical = &head
	}
	return nil
}

// embeddingText builds the text embedded for an entity. Definitions sharpen
// the match when present.
func embeddingText(name, definition string) string {
	if definition == "" {
		return name
	}
	return name + ": " + definition
}

func bestCandidate(vec []float32, candidates []models.Node) (*models.Node, float64) {
	var best *models.Node
	bestSim := -1.0
	for i := range candidates {
		sim := cosineSimilarity(vec, candidates[i].EmbeddingIndex)
		if sim > bestSim {
			bestSim = sim
			best = &candidates[i]
		}
	}
	return best, bestSim
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
