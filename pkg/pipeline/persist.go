package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/papergraph/papergraph/pkg/llm"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
	"github.com/papergraph/papergraph/pkg/validation"
)

// persister writes validated entities and edges to the graph: exact-match
// dedupe, semantic alias resolution, batched node insertion, mentions,
// aliases, and links.
type persister struct {
	store    store.GraphStore
	resolver *AliasResolver
	embedder llm.Embedder
	logger   *slog.Logger
}

// persistEntities stores every validated entity, including rejected ones,
// and returns the canonical-name to node-id map used to attach edges.
// Dedupe order: exact (tenant, canonical, type) match first, then semantic
// resolution for the remainder. Auto-approved aliases map straight to the
// canonical head so the new surface form merges instead of forking.
func (p *persister) persistEntities(ctx context.Context, tenantID string, paper *models.Paper, entities []validation.ValidatedEntity, threshold float64, stats *models.PipelineStats) (map[string]int64, []string, error) {
	entityIDs := make(map[string]int64, len(entities))
	var warnings []string
	if len(entities) == 0 {
		return entityIDs, nil, nil
	}
	stats.EntitiesDecided += len(entities)

	keys := make([]store.NodeKey, len(entities))
	for i, e := range entities {
		keys[i] = store.NodeKey{CanonicalName: e.CanonicalName, Type: e.Type}
	}
	existing, err := p.store.FindNodesByCanonicalNames(ctx, tenantID, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up canonical names: %w", err)
	}

	type aliasRecord struct {
		nodeID int64
		alias  string
	}
	type linkRecord struct {
		nodeIdx     int
		canonicalID int64
		confidence  float64
		status      models.LinkStatus
	}
	type pendingNew struct {
		entity  *validation.ValidatedEntity
		nodeIdx int
	}

	var newNodes []*models.Node
	var aliases []aliasRecord
	var links []linkRecord
	var unresolved []pendingNew
	var resolveReqs []ResolveRequest

	for i := range entities {
		e := &entities[i]
		if node, ok := existing[keys[i].MapKey()]; ok {
			entityIDs[e.CanonicalName] = node.ID
			stats.NodesMatched++
			if e.OriginalName != e.CanonicalName {
				aliases = append(aliases, aliasRecord{nodeID: node.ID, alias: e.OriginalName})
			}
			continue
		}
		if e.Decision != models.ReviewRejected {
			resolveReqs = append(resolveReqs, ResolveRequest{
				Type:          e.Type,
				CanonicalName: e.CanonicalName,
				Definition:    e.Definition,
			})
			unresolved = append(unresolved, pendingNew{entity: e})
			continue
		}
		// Rejected entities are persisted for review but never resolved
		// semantically.
		newNodes = append(newNodes, buildNode(tenantID, e))
		entityIDs[e.CanonicalName] = -1
		unresolved = append(unresolved, pendingNew{entity: e, nodeIdx: len(newNodes) - 1})
	}

	var resolutions []Resolution
	if len(resolveReqs) > 0 && p.resolver != nil {
		resolutions, err = p.resolver.ResolveBatch(ctx, tenantID, resolveReqs, threshold)
		if err != nil {
			// Resolution is an enrichment; losing it must not lose the paper.
			p.logger.Warn("semantic resolution failed, treating entities as new",
				"tenant_id", tenantID, "error", err)
			warnings = append(warnings, fmt.Sprintf("semantic resolution unavailable: %v", err))
			resolutions = nil
		}
	}

	reqIdx := 0
	for i := range unresolved {
		e := unresolved[i].entity
		if e.Decision == models.ReviewRejected {
			continue
		}
		var res Resolution
		if resolutions != nil {
			res = resolutions[reqIdx]
		} else {
			res = Resolution{Kind: ResolutionNew}
		}
		reqIdx++

		switch res.Kind {
		case ResolutionAutoApprove:
			// Merge into the canonical head: edges attach there, the new
			// surface form becomes an alias, and the link records the merge.
			entityIDs[e.CanonicalName] = res.Canonical.ID
			stats.NodesMatched++
			aliases = append(aliases, aliasRecord{nodeID: res.Canonical.ID, alias: e.OriginalName})
			newNodes = append(newNodes, buildNode(tenantID, e))
			unresolved[i].nodeIdx = len(newNodes) - 1
			links = append(links, linkRecord{nodeIdx: len(newNodes) - 1, canonicalID: res.Canonical.ID,
				confidence: res.Similarity, status: models.LinkApproved})
		case ResolutionProposeLink:
			newNodes = append(newNodes, buildNode(tenantID, e))
			unresolved[i].nodeIdx = len(newNodes) - 1
			entityIDs[e.CanonicalName] = -1
			links = append(links, linkRecord{nodeIdx: len(newNodes) - 1, canonicalID: res.Canonical.ID,
				confidence: res.Similarity, status: models.LinkProposed})
		default:
			newNodes = append(newNodes, buildNode(tenantID, e))
			unresolved[i].nodeIdx = len(newNodes) - 1
			entityIDs[e.CanonicalName] = -1
		}
	}

	p.attachEmbeddings(ctx, newNodes, &warnings)

	ids, err := p.store.InsertNodes(ctx, tenantID, newNodes)
	if err != nil {
		return nil, nil, fmt.Errorf("inserting nodes: %w", err)
	}
	stats.NodesCreated += len(ids)

	// Fill in the ids deferred until after the batch insert. Aliases are
	// recorded on whichever node the entity's edges attach to.
	for _, u := range unresolved {
		if entityIDs[u.entity.CanonicalName] == -1 {
			entityIDs[u.entity.CanonicalName] = ids[u.nodeIdx]
		}
		if entityIDs[u.entity.CanonicalName] == ids[u.nodeIdx] && u.entity.OriginalName != u.entity.CanonicalName {
			aliases = append(aliases, aliasRecord{nodeID: ids[u.nodeIdx], alias: u.entity.OriginalName})
		}
	}

	for _, l := range links {
		link := models.EntityLink{
			NodeID:          ids[l.nodeIdx],
			CanonicalNodeID: l.canonicalID,
			LinkType:        models.LinkTypeAliasOf,
			Confidence:      l.confidence,
			Status:          l.status,
		}
		if _, err := p.store.InsertEntityLink(ctx, tenantID, link); err != nil {
			return nil, nil, fmt.Errorf("inserting entity link: %w", err)
		}
		stats.LinksCreated++
	}

	for _, a := range aliases {
		err := p.store.InsertEntityAlias(ctx, tenantID, models.EntityAlias{
			NodeID:        a.nodeID,
			AliasName:     a.alias,
			SourcePaperID: paper.PaperID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("inserting alias: %w", err)
		}
		stats.AliasesRecorded++
	}

	// One mention row per node per paper; merged entities sum their counts.
	mentionCounts := make(map[int64]int)
	var mentionOrder []int64
	for i := range entities {
		e := &entities[i]
		id := entityIDs[e.CanonicalName]
		if _, ok := mentionCounts[id]; !ok {
			mentionOrder = append(mentionOrder, id)
		}
		mentionCounts[id] += e.MentionCount
	}
	mentions := make([]models.EntityMention, 0, len(mentionOrder))
	for _, id := range mentionOrder {
		mentions = append(mentions, models.EntityMention{
			NodeID:       id,
			PaperID:      paper.PaperID,
			MentionCount: mentionCounts[id],
		})
	}
	if err := p.store.InsertEntityMentions(ctx, tenantID, mentions); err != nil {
		return nil, nil, fmt.Errorf("inserting mentions: %w", err)
	}
	stats.MentionsRecorded += len(mentions)

	return entityIDs, warnings, nil
}

// attachEmbeddings fills EmbeddingRaw and EmbeddingIndex on new nodes.
// Embedding failures degrade to unembedded nodes; the resolver just skips
// them.
func (p *persister) attachEmbeddings(ctx context.Context, nodes []*models.Node, warnings *[]string) {
	if p.embedder == nil || len(nodes) == 0 {
		return
	}
	texts := make([]string, len(nodes))
	for i, n := range nodes {
		definition, _ := n.Metadata["definition"].(string)
		texts[i] = embeddingText(n.CanonicalName, definition)
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn("embedding new nodes failed", "count", len(nodes), "error", err)
		*warnings = append(*warnings, fmt.Sprintf("node embeddings unavailable: %v", err))
		return
	}
	for i, n := range nodes {
		n.EmbeddingRaw = vectors[i]
		n.EmbeddingIndex = vectors[i]
	}
}

// persistEdges stores validated edges in stable key order and returns the
// edge-key to edge-id map used by evidence enrichment. Edges whose endpoints
// did not persist, or that collapsed into self-loops after alias merging,
// are skipped with a warning.
func (p *persister) persistEdges(ctx context.Context, tenantID, paperID string, edges []validation.ValidatedEdge, entityIDs map[string]int64, stats *models.PipelineStats) (map[string]int64, []string, error) {
	edgeIDs := make(map[string]int64, len(edges))
	var warnings []string
	var rows []*models.Edge
	var rowKeys []string

	for i := range edges {
		e := &edges[i]
		sourceID, okS := entityIDs[e.SourceCanonical]
		targetID, okT := entityIDs[e.TargetCanonical]
		if !okS || !okT {
			stats.EdgesSkipped++
			warnings = append(warnings, fmt.Sprintf("edge %s skipped: unknown endpoint", e.Key()))
			continue
		}
		if sourceID == targetID {
			stats.EdgesSkipped++
			warnings = append(warnings, fmt.Sprintf("edge %s skipped: endpoints merged into one node", e.Key()))
			continue
		}
		rows = append(rows, &models.Edge{
			TenantID:         tenantID,
			SourceNodeID:     sourceID,
			TargetNodeID:     targetID,
			RelationshipType: e.RelationshipType,
			Confidence:       e.Confidence,
			Provenance: models.Provenance{
				SectionType:       e.SectionType,
				PartIndex:         e.PartIndex,
				SourcePaperID:     paperID,
				ValidationStatus:  e.Decision,
				ValidationReasons: e.Reasons,
			},
			ReviewStatus: e.Decision,
		})
		rowKeys = append(rowKeys, e.Key())
	}

	if len(rows) == 0 {
		return edgeIDs, warnings, nil
	}
	ids, err := p.store.InsertEdges(ctx, tenantID, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("inserting edges: %w", err)
	}
	for i, id := range ids {
		edgeIDs[rowKeys[i]] = id
	}
	stats.EdgesPersisted += len(ids)
	return edgeIDs, warnings, nil
}

func buildNode(tenantID string, e *validation.ValidatedEntity) *models.Node {
	metadata := map[string]any{"original_name": e.OriginalName}
	if e.Definition != "" {
		metadata["definition"] = e.Definition
	}
	return &models.Node{
		TenantID:           tenantID,
		Type:               e.Type,
		CanonicalName:      e.CanonicalName,
		Metadata:           metadata,
		OriginalConfidence: e.OriginalConfidence,
		AdjustedConfidence: e.AdjustedConfidence,
		ReviewStatus:       e.Decision,
		ReviewReasons:      e.ReviewReasons(),
	}
}
