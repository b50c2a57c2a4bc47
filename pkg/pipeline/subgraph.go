package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/papergraph/papergraph/pkg/cache"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// Subgraph is the bounded slice of the graph handed to the reasoning agent.
// TotalPapers is the tenant's corpus size, included so the model can judge
// how representative the slice is.
type Subgraph struct {
	Nodes       []models.Node
	Edges       []models.Edge
	Papers      []models.Paper
	TotalPapers int
	Scope       models.InsightScope
}

// NodeIDsByCanonical maps canonical names to node ids, used to resolve the
// subject entities named by reasoning output.
func (s *Subgraph) NodeIDsByCanonical() map[string]int64 {
	out := make(map[string]int64, len(s.Nodes))
	for _, n := range s.Nodes {
		out[n.CanonicalName] = n.ID
	}
	return out
}

// SnapshotHash fingerprints the subgraph contents so stored insights can be
// tied to the exact graph state they were derived from.
func (s *Subgraph) SnapshotHash() (string, error) {
	nodeIDs := make([]int64, len(s.Nodes))
	for i, n := range s.Nodes {
		nodeIDs[i] = n.ID
	}
	edgeKeys := make([]string, len(s.Edges))
	for i, e := range s.Edges {
		edgeKeys[i] = fmt.Sprintf("%d::%s::%d", e.SourceNodeID, e.RelationshipType, e.TargetNodeID)
	}
	return cache.HashContent(map[string]any{"nodes": nodeIDs, "edges": edgeKeys})
}

// SubgraphBuilder expands outward from a set of papers by breadth-first
// traversal over edges, one hop per depth level.
type SubgraphBuilder struct {
	store store.GraphStore
}

// NewSubgraphBuilder creates a SubgraphBuilder.
func NewSubgraphBuilder(s store.GraphStore) *SubgraphBuilder {
	return &SubgraphBuilder{store: s}
}

// Build assembles the subgraph for the given papers. Depth is clamped to
// [1,20]; depth 1 is the papers' own nodes and edges, each additional level
// follows edges one hop further. fullGraph ignores depth and returns the
// tenant's whole graph.
func (b *SubgraphBuilder) Build(ctx context.Context, tenantID string, paperIDs []string, depth int, fullGraph bool) (*Subgraph, error) {
	if depth < models.MinReasoningDepth {
		depth = models.MinReasoningDepth
	}
	if depth > models.MaxReasoningDepth {
		depth = models.MaxReasoningDepth
	}

	papers, err := b.store.GetPapers(ctx, tenantID, paperIDs)
	if err != nil {
		return nil, fmt.Errorf("loading papers: %w", err)
	}
	totalPapers, err := b.store.CountPapers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("counting papers: %w", err)
	}

	sg := &Subgraph{
		Papers:      papers,
		TotalPapers: totalPapers,
		Scope:       models.InsightScope{PaperIDs: paperIDs, Depth: depth},
	}

	if fullGraph {
		nodes, edges, err := b.store.GetGraphData(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("loading full graph: %w", err)
		}
		sg.Nodes = nodes
		sg.Edges = edges
		sortGraph(sg)
		return sg, nil
	}

	seenNodes := make(map[int64]models.Node)
	seenEdges := make(map[int64]models.Edge)
	var frontier []int64

	// Level 1: the papers' own nodes and edges, fetched in parallel per paper.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, paperID := range paperIDs {
		g.Go(func() error {
			nodes, err := b.store.GetNodesForPaper(gctx, tenantID, paperID)
			if err != nil {
				return fmt.Errorf("nodes for paper %s: %w", paperID, err)
			}
			edges, err := b.store.GetEdgesForPaper(gctx, tenantID, paperID)
			if err != nil {
				return fmt.Errorf("edges for paper %s: %w", paperID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, n := range nodes {
				if _, ok := seenNodes[n.ID]; !ok {
					seenNodes[n.ID] = n
					frontier = append(frontier, n.ID)
				}
			}
			for _, e := range edges {
				seenEdges[e.ID] = e
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for level := 1; level < depth && len(frontier) > 0; level++ {
		var outgoing, incoming []models.Edge
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			outgoing, err = b.store.GetEdgesBySourceNodes(gctx, tenantID, frontier)
			return err
		})
		g.Go(func() error {
			var err error
			incoming, err = b.store.GetEdgesByTargetNodes(gctx, tenantID, frontier)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("expanding level %d: %w", level+1, err)
		}

		var discovered []int64
		for _, e := range append(outgoing, incoming...) {
			if _, ok := seenEdges[e.ID]; ok {
				continue
			}
			seenEdges[e.ID] = e
			for _, id := range []int64{e.SourceNodeID, e.TargetNodeID} {
				if _, ok := seenNodes[id]; !ok {
					seenNodes[id] = models.Node{}
					discovered = append(discovered, id)
				}
			}
		}
		if len(discovered) > 0 {
			nodes, err := b.store.GetNodes(ctx, tenantID, discovered)
			if err != nil {
				return nil, fmt.Errorf("loading discovered nodes: %w", err)
			}
			for _, n := range nodes {
				seenNodes[n.ID] = n
			}
		}
		frontier = discovered
	}

	sg.Nodes = make([]models.Node, 0, len(seenNodes))
	for _, n := range seenNodes {
		sg.Nodes = append(sg.Nodes, n)
	}
	sg.Edges = make([]models.Edge, 0, len(seenEdges))
	for _, e := range seenEdges {
		sg.Edges = append(sg.Edges, e)
	}
	sortGraph(sg)
	return sg, nil
}

// sortGraph orders nodes and edges by id so the snapshot hash and the
// reasoning input are deterministic.
func sortGraph(sg *Subgraph) {
	sort.Slice(sg.Nodes, func(i, j int) bool { return sg.Nodes[i].ID < sg.Nodes[j].ID })
	sort.Slice(sg.Edges, func(i, j int) bool { return sg.Edges[i].ID < sg.Edges[j].ID })
}
