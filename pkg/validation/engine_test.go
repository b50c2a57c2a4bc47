package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papergraph/papergraph/pkg/models"
)

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		"Neural Network",
		"  BERT  (base) ",
		"graph\tneural\nnetworks",
		"ImageNet.",
		"",
	}
	for _, in := range inputs {
		once := Canonicalize(in)
		assert.Equal(t, once, Canonicalize(once), "input %q", in)
	}
}

func TestCanonicalize_Normalization(t *testing.T) {
	assert.Equal(t, "neural network", Canonicalize("  Neural   Network "))
	assert.Equal(t, "imagenet", Canonicalize("ImageNet."))
	assert.Equal(t, "graph neural networks", Canonicalize("Graph\tNeural\nNetworks"))
}

func findEntity(t *testing.T, res *Result, canonical string) *ValidatedEntity {
	t.Helper()
	for i := range res.Entities {
		if res.Entities[i].CanonicalName == canonical {
			return &res.Entities[i]
		}
	}
	t.Fatalf("entity %q not found", canonical)
	return nil
}

func TestValidate_OrphanPenaltyApplied(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "method", Name: "BERT", Confidence: 0.4},
	}, nil)

	e := findEntity(t, res, "bert")
	assert.InDelta(t, 0.30, e.AdjustedConfidence, 1e-9)
	assert.Equal(t, models.ReviewFlagged, e.Decision)
	assert.Contains(t, e.ReviewReasons(), "orphan_entity:single_mention")
	assert.Contains(t, e.ReviewReasons(), "low_confidence:0.30")
}

func TestValidate_OrphanPenaltyClampedAtZero(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "concept", Name: "obscure idea", Confidence: 0.05},
	}, nil)

	e := findEntity(t, res, "obscure idea")
	assert.Equal(t, 0.0, e.AdjustedConfidence)
	assert.Equal(t, models.ReviewRejected, e.Decision)
}

func TestValidate_NoOrphanPenaltyForMultiMention(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "method", Name: "ResNet", Confidence: 0.9},
		{Type: "method", Name: "resnet", Confidence: 0.8},
	}, nil)

	// Identical canonical names collapse into one candidate with two mentions.
	require.Len(t, res.Entities, 1)
	e := &res.Entities[0]
	assert.Equal(t, 2, e.MentionCount)
	assert.Equal(t, 0.9, e.AdjustedConfidence)
	assert.Equal(t, models.ReviewApproved, e.Decision)
	assert.Equal(t, "ok", e.ReviewReasons())
}

func TestValidate_AdjustedNeverExceedsOriginal(t *testing.T) {
	engine := &Engine{}
	inputs := []EntityInput{
		{Type: "method", Name: "a-method", Confidence: 0.95},
		{Type: "dataset", Name: "b-dataset", Confidence: 0.10},
		{Type: "metric", Name: "c-metric", Confidence: 0.55, Mentions: 3},
	}
	res := engine.Validate(inputs, nil)
	for i := range res.Entities {
		e := &res.Entities[i]
		assert.LessOrEqual(t, e.AdjustedConfidence, e.OriginalConfidence)
		assert.GreaterOrEqual(t, e.AdjustedConfidence, 0.0)
		assert.LessOrEqual(t, e.AdjustedConfidence, 1.0)
	}
}

// Scenario: "Neural Network" vs "Neural Netw" share a bucket but sit at
// Levenshtein distance >= 3, so they must NOT be grouped as duplicates.
func TestValidate_NearMissNamesNotGrouped(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "method", Name: "Neural Network", Confidence: 0.9},
		{Type: "method", Name: "Neural Netw", Confidence: 0.85},
	}, nil)

	full := findEntity(t, res, "neural network")
	short := findEntity(t, res, "neural netw")

	assert.InDelta(t, 0.80, full.AdjustedConfidence, 1e-9)
	assert.InDelta(t, 0.75, short.AdjustedConfidence, 1e-9)
	assert.Equal(t, models.ReviewApproved, full.Decision)
	assert.Equal(t, models.ReviewApproved, short.Decision)
	assert.NotContains(t, full.ReviewReasons(), "duplicate")
	assert.NotContains(t, short.ReviewReasons(), "duplicate")
}

// Scenario: "transformer" vs "transformr" are distance 1 inside the "tra"
// bucket. The higher-adjusted name wins; both stay flagged for review.
func TestValidate_TrueDuplicatePair(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "method", Name: "transformer", Confidence: 0.9},
		{Type: "method", Name: "transformr", Confidence: 0.85},
	}, nil)

	winner := findEntity(t, res, "transformer")
	loser := findEntity(t, res, "transformr")

	assert.InDelta(t, 0.80, winner.AdjustedConfidence, 1e-9)
	assert.Equal(t, models.ReviewFlagged, winner.Decision)
	assert.Contains(t, winner.ReviewReasons(), "orphan_entity:single_mention")

	assert.Equal(t, models.ReviewFlagged, loser.Decision)
	assert.Contains(t, loser.ReviewReasons(), "duplicate_of:transform")
	assert.Contains(t, loser.ReviewReasons(), "duplicate_loser:flagged")
}

func TestValidate_DuplicateLoserRejectedWhenWinnerNotApproved(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "method", Name: "saplex", Confidence: 0.45, Mentions: 2},
		{Type: "method", Name: "saplez", Confidence: 0.40, Mentions: 2},
	}, nil)

	winner := findEntity(t, res, "saplex")
	loser := findEntity(t, res, "saplez")

	assert.Equal(t, models.ReviewFlagged, winner.Decision)
	assert.Equal(t, models.ReviewRejected, loser.Decision)
	assert.Contains(t, loser.ReviewReasons(), "duplicate_of:saplex")
	assert.Contains(t, loser.ReviewReasons(), "duplicate_loser:rejected")
}

func TestValidate_DuplicateTieBrokenLexicographically(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "dataset", Name: "cifart", Confidence: 0.9, Mentions: 2},
		{Type: "dataset", Name: "cifars", Confidence: 0.9, Mentions: 2},
	}, nil)

	winner := findEntity(t, res, "cifars")
	loser := findEntity(t, res, "cifart")
	assert.Equal(t, models.ReviewApproved, winner.Decision)
	assert.Contains(t, loser.ReviewReasons(), "duplicate_of:cifars")
}

func TestValidate_DuplicateGroupingIsPerType(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate([]EntityInput{
		{Type: "method", Name: "transformer", Confidence: 0.9, Mentions: 2},
		{Type: "task", Name: "transformer", Confidence: 0.9, Mentions: 2},
	}, nil)

	for i := range res.Entities {
		assert.NotContains(t, res.Entities[i].ReviewReasons(), "duplicate")
	}
}

func TestValidate_SelfEdgeRejected(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate(
		[]EntityInput{{Type: "method", Name: "A", Confidence: 0.9, Mentions: 2}},
		[]EdgeInput{{Source: "A", Target: "a", RelationshipType: "uses", Confidence: 0.9}},
	)

	require.Len(t, res.Edges, 1)
	assert.Equal(t, models.ReviewRejected, res.Edges[0].Decision)
	assert.Equal(t, "self_reference", res.Edges[0].ReviewReasons())
}

func TestValidate_UnknownEndpointRejected(t *testing.T) {
	engine := &Engine{}
	res := engine.Validate(
		[]EntityInput{{Type: "method", Name: "A", Confidence: 0.9, Mentions: 2}},
		[]EdgeInput{{Source: "A", Target: "B", RelationshipType: "uses", Confidence: 0.9}},
	)

	require.Len(t, res.Edges, 1)
	assert.Equal(t, models.ReviewRejected, res.Edges[0].Decision)
	assert.Contains(t, res.Edges[0].ReviewReasons(), "unknown_endpoint:target:b")
}

func TestValidate_EdgeConfidenceThresholds(t *testing.T) {
	engine := &Engine{}
	entities := []EntityInput{
		{Type: "method", Name: "alpha", Confidence: 0.9, Mentions: 2},
		{Type: "method", Name: "omega", Confidence: 0.9, Mentions: 2},
	}
	mkEdge := func(conf float64, rtype string) EdgeInput {
		return EdgeInput{Source: "alpha", Target: "omega", RelationshipType: rtype, Confidence: conf}
	}
	res := engine.Validate(entities, []EdgeInput{
		mkEdge(0.29, "r1"),
		mkEdge(0.30, "r2"),
		mkEdge(0.59, "r3"),
		mkEdge(0.60, "r4"),
	})
	require.Len(t, res.Edges, 4)

	byType := map[string]*ValidatedEdge{}
	for i := range res.Edges {
		byType[res.Edges[i].RelationshipType] = &res.Edges[i]
	}

	assert.Equal(t, models.ReviewRejected, byType["r1"].Decision)
	assert.Contains(t, byType["r1"].ReviewReasons(), "confidence_too_low:0.29")

	assert.Equal(t, models.ReviewFlagged, byType["r2"].Decision)
	assert.Contains(t, byType["r2"].ReviewReasons(), "low_confidence:0.30")

	assert.Equal(t, models.ReviewFlagged, byType["r3"].Decision)
	assert.Contains(t, byType["r3"].ReviewReasons(), "low_confidence:0.59")

	assert.Equal(t, models.ReviewApproved, byType["r4"].Decision)
	assert.Equal(t, "ok", byType["r4"].ReviewReasons())
}

func TestValidate_EdgesSortedByStableKey(t *testing.T) {
	engine := &Engine{}
	entities := []EntityInput{
		{Type: "method", Name: "b", Confidence: 0.9, Mentions: 2},
		{Type: "method", Name: "a", Confidence: 0.9, Mentions: 2},
		{Type: "method", Name: "c", Confidence: 0.9, Mentions: 2},
	}
	edges := []EdgeInput{
		{Source: "c", Target: "a", RelationshipType: "uses", Confidence: 0.9},
		{Source: "a", Target: "b", RelationshipType: "uses", Confidence: 0.9},
		{Source: "b", Target: "c", RelationshipType: "uses", Confidence: 0.9},
	}
	res := engine.Validate(entities, edges)
	require.Len(t, res.Edges, 3)
	assert.Equal(t, "a::uses::b", res.Edges[0].Key())
	assert.Equal(t, "b::uses::c", res.Edges[1].Key())
	assert.Equal(t, "c::uses::a", res.Edges[2].Key())
}

func TestValidate_Deterministic(t *testing.T) {
	engine := &Engine{}
	entities := []EntityInput{
		{Type: "method", Name: "transformer", Confidence: 0.9},
		{Type: "method", Name: "transformr", Confidence: 0.85},
		{Type: "dataset", Name: "ImageNet", Confidence: 0.7, Mentions: 2},
	}
	edges := []EdgeInput{
		{Source: "transformer", Target: "ImageNet", RelationshipType: "evaluated_on", Confidence: 0.8},
	}

	first := engine.Validate(entities, edges)
	for i := 0; i < 10; i++ {
		again := engine.Validate(entities, edges)
		assert.Equal(t, first, again)
	}
}
