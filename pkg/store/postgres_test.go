package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/papergraph/papergraph/pkg/models"
)

// newTestPostgres spins up a PostgreSQL testcontainer, or connects to the
// external database from CI_DATABASE_URL when set, and applies migrations.
func newTestPostgres(t *testing.T) *Postgres {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, runMigrations(db, "test"))

	store := &Postgres{db: db}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgres_NodeInsertConverges(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	first, err := s.InsertNode(ctx, "t1", &models.Node{
		Type: "method", CanonicalName: "transformer",
		OriginalConfidence: 0.9, AdjustedConfidence: 0.9,
		ReviewStatus: models.ReviewApproved,
	})
	require.NoError(t, err)

	second, err := s.InsertNode(ctx, "t1", &models.Node{
		Type: "method", CanonicalName: "transformer",
		ReviewStatus: models.ReviewFlagged,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second, "conflicting insert must return the existing id")

	other, err := s.InsertNode(ctx, "t2", &models.Node{
		Type: "method", CanonicalName: "transformer",
		ReviewStatus: models.ReviewApproved,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "node identity is tenant-scoped")

	node, err := s.FindNodeByCanonicalName(ctx, "t1", NodeKey{CanonicalName: "transformer", Type: "method"})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, node.ReviewStatus, "conflict never rewrites the stored row")
}

func TestPostgres_BatchNodeInsertAndLookup(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	ids, err := s.InsertNodes(ctx, "t1", []*models.Node{
		{Type: "method", CanonicalName: "bert", ReviewStatus: models.ReviewApproved},
		{Type: "dataset", CanonicalName: "squad", ReviewStatus: models.ReviewApproved},
		{Type: "method", CanonicalName: "gpt", ReviewStatus: models.ReviewFlagged},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	// A batch mixing an existing key with a new one returns ids in input
	// order, with the existing id for the conflicting row.
	again, err := s.InsertNodes(ctx, "t1", []*models.Node{
		{Type: "method", CanonicalName: "gpt", ReviewStatus: models.ReviewApproved},
		{Type: "task", CanonicalName: "question answering", ReviewStatus: models.ReviewApproved},
	})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, ids[2], again[0])
	assert.NotContains(t, ids, again[1])

	found, err := s.FindNodesByCanonicalNames(ctx, "t1", []NodeKey{
		{CanonicalName: "bert", Type: "method"},
		{CanonicalName: "squad", Type: "dataset"},
		{CanonicalName: "bert", Type: "dataset"},
		{CanonicalName: "missing", Type: "method"},
	})
	require.NoError(t, err)
	require.Len(t, found, 2, "type mismatches and unknown names yield no entry")
	assert.Equal(t, ids[0], found[NodeKey{CanonicalName: "bert", Type: "method"}.MapKey()].ID)
	assert.Equal(t, ids[1], found[NodeKey{CanonicalName: "squad", Type: "dataset"}.MapKey()].ID)

	other, err := s.FindNodesByCanonicalNames(ctx, "t2", []NodeKey{{CanonicalName: "bert", Type: "method"}})
	require.NoError(t, err)
	assert.Empty(t, other, "lookups are tenant-scoped")
}

func TestPostgres_MentionConflictAndAliasTargets(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPaper(ctx, "t1", &models.Paper{PaperID: "p1", Title: "A Paper"}))
	ids, err := s.InsertNodes(ctx, "t1", []*models.Node{
		{Type: "method", CanonicalName: "sgd", ReviewStatus: models.ReviewApproved},
		{Type: "method", CanonicalName: "stochastic gradient descent", ReviewStatus: models.ReviewApproved},
		{Type: "method", CanonicalName: "gradient descent", ReviewStatus: models.ReviewApproved},
	})
	require.NoError(t, err)

	mentions := []models.EntityMention{
		{NodeID: ids[0], PaperID: "p1", MentionCount: 3},
		{NodeID: ids[1], PaperID: "p1", MentionCount: 1},
	}
	require.NoError(t, s.InsertEntityMentions(ctx, "t1", mentions))
	// Replays hit the conflict target and stay idempotent.
	require.NoError(t, s.InsertEntityMentions(ctx, "t1", mentions))
	nodes, err := s.GetNodesForPaper(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	// The newest approved link wins; proposed links are invisible.
	_, err = s.InsertEntityLink(ctx, "t1", models.EntityLink{
		NodeID: ids[0], CanonicalNodeID: ids[2], LinkType: models.LinkTypeAliasOf,
		Confidence: 0.91, Status: models.LinkApproved,
	})
	require.NoError(t, err)
	_, err = s.InsertEntityLink(ctx, "t1", models.EntityLink{
		NodeID: ids[0], CanonicalNodeID: ids[1], LinkType: models.LinkTypeAliasOf,
		Confidence: 0.97, Status: models.LinkApproved,
	})
	require.NoError(t, err)
	_, err = s.InsertEntityLink(ctx, "t1", models.EntityLink{
		NodeID: ids[1], CanonicalNodeID: ids[2], LinkType: models.LinkTypeAliasOf,
		Confidence: 0.85, Status: models.LinkProposed,
	})
	require.NoError(t, err)

	targets, err := s.GetApprovedAliasTargetsForNodes(ctx, "t1", ids)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{ids[0]: ids[1]}, targets)
}

func TestPostgres_ClaimNextPendingJob(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePipelineJob(ctx, &models.PipelineJob{
		ID: "job-pg-1", TenantID: "t1", PaperID: "p1", Status: models.JobPending,
		Input: models.JobInput{PaperID: "p1", RawText: "body"},
	}))

	job, err := s.ClaimNextPendingJob(ctx, "pod-test")
	require.NoError(t, err)
	assert.Equal(t, "job-pg-1", job.ID)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, "pod-test", job.PodID)
	assert.Equal(t, "body", job.Input.RawText, "claim returns the persisted input")
	require.NotNil(t, job.StartedAt)

	_, err = s.ClaimNextPendingJob(ctx, "pod-test")
	assert.ErrorIs(t, err, ErrNoPendingJobs)
}

func TestPostgres_JobResultRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePipelineJob(ctx, &models.PipelineJob{
		ID: "job-pg-2", TenantID: "t1", PaperID: "p1", Status: models.JobPending,
	}))

	status := models.JobCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdatePipelineJob(ctx, "t1", "job-pg-2", JobUpdate{
		Status: &status,
		Result: &models.JobResult{
			Progress: models.JobProgress{Stage: models.StageCompleted},
			Stats:    models.PipelineStats{NodesCreated: 4, EdgesPersisted: 3},
			BatchID:  "batch-1",
		},
		CompletedAt: &now,
	}))

	job, err := s.GetPipelineJob(ctx, "t1", "job-pg-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 4, job.Result.Stats.NodesCreated)
	assert.Equal(t, "batch-1", job.Result.BatchID)

	_, err = s.GetPipelineJob(ctx, "t2", "job-pg-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_TenantSettingsUpsert(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	_, err := s.GetTenantSettings(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	settings := models.DefaultTenantSettings("t1")
	settings.EnabledRelationshipTypes = []string{"builds_on", "uses"}
	settings.MonthlyCostLimitUSD = 25
	require.NoError(t, s.UpdateTenantSettings(ctx, settings))

	got, err := s.GetTenantSettings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeHosted, got.ExecutionMode)
	assert.Equal(t, []string{"builds_on", "uses"}, got.EnabledRelationshipTypes)
	assert.InDelta(t, 25.0, got.MonthlyCostLimitUSD, 1e-9)

	settings.MaxReasoningDepth = 5
	require.NoError(t, s.UpdateTenantSettings(ctx, settings))
	got, err = s.GetTenantSettings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxReasoningDepth)
}

func TestPostgres_GraphRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPaper(ctx, "t1", &models.Paper{PaperID: "p1", Title: "A Paper"}))

	src, err := s.InsertNode(ctx, "t1", &models.Node{Type: "method", CanonicalName: "bert", ReviewStatus: models.ReviewApproved})
	require.NoError(t, err)
	dst, err := s.InsertNode(ctx, "t1", &models.Node{Type: "dataset", CanonicalName: "squad", ReviewStatus: models.ReviewApproved})
	require.NoError(t, err)

	require.NoError(t, s.InsertEntityMentions(ctx, "t1", []models.EntityMention{
		{NodeID: src, PaperID: "p1", MentionCount: 2},
		{NodeID: dst, PaperID: "p1", MentionCount: 1},
	}))

	edgeIDs, err := s.InsertEdges(ctx, "t1", []*models.Edge{{
		SourceNodeID: src, TargetNodeID: dst, RelationshipType: "evaluated_on",
		Confidence: 0.8, ReviewStatus: models.ReviewApproved,
		Provenance: models.Provenance{SourcePaperID: "p1", ValidationStatus: models.ReviewApproved},
	}})
	require.NoError(t, err)
	require.Len(t, edgeIDs, 1)

	require.NoError(t, s.UpdateEdgesEvidence(ctx, "t1", map[int64]string{edgeIDs[0]: "quoted span"}))

	nodes, err := s.GetNodesForPaper(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	edges, err := s.GetEdgesForPaper(ctx, "t1", "p1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "quoted span", edges[0].Evidence)
	assert.Equal(t, "p1", edges[0].Provenance.SourcePaperID)

	bySource, err := s.GetEdgesBySourceNodes(ctx, "t1", []int64{src})
	require.NoError(t, err)
	assert.Len(t, bySource, 1)

	byTarget, err := s.GetEdgesByTargetNodes(ctx, "t1", []int64{dst})
	require.NoError(t, err)
	assert.Len(t, byTarget, 1)

	_, otherEdges, err := s.GetGraphData(ctx, "t2")
	require.NoError(t, err)
	assert.Empty(t, otherEdges, "graph reads are tenant-scoped")
}
