package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// seedChainGraph builds a four-node chain across two papers:
// a -> b (from p1, plus a reverse b -> a from p2), b -> c and c -> d
// (both from p2). Only a and b are mentioned in p1.
func seedChainGraph(t *testing.T, mem *store.Memory) (nodes map[string]int64, edges map[string]int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, mem.UpsertPaper(ctx, "t1", &models.Paper{PaperID: "p1", Title: "First"}))
	require.NoError(t, mem.UpsertPaper(ctx, "t1", &models.Paper{PaperID: "p2", Title: "Second"}))

	nodes = make(map[string]int64)
	for _, name := range []string{"a", "b", "c", "d"} {
		id, err := mem.InsertNode(ctx, "t1", &models.Node{
			Type: "method", CanonicalName: name, ReviewStatus: models.ReviewApproved,
		})
		require.NoError(t, err)
		nodes[name] = id
	}

	require.NoError(t, mem.InsertEntityMentions(ctx, "t1", []models.EntityMention{
		{NodeID: nodes["a"], PaperID: "p1", MentionCount: 1},
		{NodeID: nodes["b"], PaperID: "p1", MentionCount: 1},
	}))

	edges = make(map[string]int64)
	for _, e := range []struct {
		name, src, dst, paper string
	}{
		{"a-b", "a", "b", "p1"},
		{"b-a", "b", "a", "p2"},
		{"b-c", "b", "c", "p2"},
		{"c-d", "c", "d", "p2"},
	} {
		ids, err := mem.InsertEdges(ctx, "t1", []*models.Edge{{
			SourceNodeID: nodes[e.src], TargetNodeID: nodes[e.dst],
			RelationshipType: "builds_on", Confidence: 0.9,
			ReviewStatus: models.ReviewApproved,
			Provenance:   models.Provenance{SourcePaperID: e.paper, ValidationStatus: models.ReviewApproved},
		}})
		require.NoError(t, err)
		edges[e.name] = ids[0]
	}
	return nodes, edges
}

func subgraphNodeIDs(sg *Subgraph) []int64 {
	out := make([]int64, len(sg.Nodes))
	for i, n := range sg.Nodes {
		out[i] = n.ID
	}
	return out
}

func subgraphEdgeIDs(sg *Subgraph) []int64 {
	out := make([]int64, len(sg.Edges))
	for i, e := range sg.Edges {
		out[i] = e.ID
	}
	return out
}

func TestSubgraphBuilder_DepthOneIsPaperLocal(t *testing.T) {
	mem := store.NewMemory()
	nodes, edges := seedChainGraph(t, mem)
	b := NewSubgraphBuilder(mem)

	sg, err := b.Build(context.Background(), "t1", []string{"p1"}, 1, false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{nodes["a"], nodes["b"]}, subgraphNodeIDs(sg))
	assert.ElementsMatch(t, []int64{edges["a-b"]}, subgraphEdgeIDs(sg))
	assert.Equal(t, 2, sg.TotalPapers)
	assert.Equal(t, 1, sg.Scope.Depth)
	require.Len(t, sg.Papers, 1)
	assert.Equal(t, "p1", sg.Papers[0].PaperID)
}

func TestSubgraphBuilder_ExpandsOneHopPerLevel(t *testing.T) {
	mem := store.NewMemory()
	nodes, edges := seedChainGraph(t, mem)
	b := NewSubgraphBuilder(mem)

	sg, err := b.Build(context.Background(), "t1", []string{"p1"}, 2, false)
	require.NoError(t, err)

	// One hop out from {a, b} reaches c but not d. The a-b edge is seen
	// from both of its endpoints and must appear once.
	assert.ElementsMatch(t, []int64{nodes["a"], nodes["b"], nodes["c"]}, subgraphNodeIDs(sg))
	assert.ElementsMatch(t, []int64{edges["a-b"], edges["b-a"], edges["b-c"]}, subgraphEdgeIDs(sg))
}

func TestSubgraphBuilder_DepthClampAndFrontierStop(t *testing.T) {
	mem := store.NewMemory()
	nodes, edges := seedChainGraph(t, mem)
	b := NewSubgraphBuilder(mem)

	// Depth below the minimum clamps up to 1.
	shallow, err := b.Build(context.Background(), "t1", []string{"p1"}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, models.MinReasoningDepth, shallow.Scope.Depth)
	assert.ElementsMatch(t, []int64{nodes["a"], nodes["b"]}, subgraphNodeIDs(shallow))

	// Depth above the maximum clamps down, and expansion stops once the
	// frontier empties rather than looping to the clamped depth.
	deep, err := b.Build(context.Background(), "t1", []string{"p1"}, 99, false)
	require.NoError(t, err)
	assert.Equal(t, models.MaxReasoningDepth, deep.Scope.Depth)
	assert.ElementsMatch(t,
		[]int64{nodes["a"], nodes["b"], nodes["c"], nodes["d"]}, subgraphNodeIDs(deep))
	assert.ElementsMatch(t,
		[]int64{edges["a-b"], edges["b-a"], edges["b-c"], edges["c-d"]}, subgraphEdgeIDs(deep))

	// Output is id-ordered so the snapshot hash is deterministic.
	ids := subgraphNodeIDs(deep)
	assert.IsIncreasing(t, ids)
}

func TestSubgraphBuilder_FullGraphBypassesDepth(t *testing.T) {
	mem := store.NewMemory()
	nodes, edges := seedChainGraph(t, mem)
	ctx := context.Background()

	// A node with no mentions or edges is unreachable by traversal.
	isolated, err := mem.InsertNode(ctx, "t1", &models.Node{
		Type: "dataset", CanonicalName: "orphaned", ReviewStatus: models.ReviewApproved,
	})
	require.NoError(t, err)

	b := NewSubgraphBuilder(mem)
	sg, err := b.Build(ctx, "t1", []string{"p1"}, 1, true)
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]int64{nodes["a"], nodes["b"], nodes["c"], nodes["d"], isolated},
		subgraphNodeIDs(sg))
	assert.Len(t, sg.Edges, len(edges))
}
