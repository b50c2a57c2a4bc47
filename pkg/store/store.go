// Package store defines the tenant-scoped GraphStore contract and its two
// implementations: an in-memory store for tests and local runs, and a
// PostgreSQL store for production. Every read and write carries a tenant id;
// no query may ever return another tenant's rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/papergraph/papergraph/pkg/models"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a row does not exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrNoPendingJobs is returned by ClaimNextPendingJob when the queue
	// is empty.
	ErrNoPendingJobs = errors.New("no pending jobs")
)

// NodeKey identifies a node by its canonical name and type.
type NodeKey struct {
	CanonicalName string
	Type          string
}

// MapKey returns the "canonical|type" key used by batched lookups.
func (k NodeKey) MapKey() string { return k.CanonicalName + "|" + k.Type }

// JobUpdate is a partial update applied to a pipeline job row. Nil fields
// are left untouched.
type JobUpdate struct {
	Status      *models.JobStatus
	Result      *models.JobResult
	Error       *string
	PodID       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Heartbeat   *time.Time
}

// UsageTotals aggregates ledger rows inside one window.
type UsageTotals struct {
	TotalCostUSD float64            `json:"total_cost_usd"`
	TotalTokens  int64              `json:"total_tokens"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	CallCount    int                `json:"call_count"`
	CostByStage  map[string]float64 `json:"cost_by_stage"`
	CostByModel  map[string]float64 `json:"cost_by_model"`
}

// GraphStore is the persistent, tenant-scoped store for papers, graph rows,
// jobs, settings, and usage. Batch methods exist so the pipeline can stay
// batch-first; implementations must make node insertion converge under the
// (tenant, canonical_name, type) uniqueness constraint.
type GraphStore interface {
	// Papers
	PaperExists(ctx context.Context, tenantID, paperID string) (bool, error)
	UpsertPaper(ctx context.Context, tenantID string, paper *models.Paper) error
	InsertPaperSections(ctx context.Context, tenantID, paperID string, sections []models.Section) error
	UpsertPaperEmbedding(ctx context.Context, tenantID, paperID string, embedding []float32) error
	GetPapers(ctx context.Context, tenantID string, paperIDs []string) ([]models.Paper, error)
	CountPapers(ctx context.Context, tenantID string) (int, error)

	// Nodes
	FindNodeByCanonicalName(ctx context.Context, tenantID string, key NodeKey) (*models.Node, error)
	FindNodesByCanonicalNames(ctx context.Context, tenantID string, keys []NodeKey) (map[string]*models.Node, error)
	InsertNode(ctx context.Context, tenantID string, node *models.Node) (int64, error)
	InsertNodes(ctx context.Context, tenantID string, nodes []*models.Node) ([]int64, error)
	GetNodes(ctx context.Context, tenantID string, ids []int64) ([]models.Node, error)

	// Mentions, aliases, links
	InsertEntityMentions(ctx context.Context, tenantID string, mentions []models.EntityMention) error
	InsertEntityAlias(ctx context.Context, tenantID string, alias models.EntityAlias) error
	InsertEntityLink(ctx context.Context, tenantID string, link models.EntityLink) (int64, error)
	GetApprovedAliasTargetsForNodes(ctx context.Context, tenantID string, nodeIDs []int64) (map[int64]int64, error)

	// Edges
	InsertEdges(ctx context.Context, tenantID string, edges []*models.Edge) ([]int64, error)
	UpdateEdgesEvidence(ctx context.Context, tenantID string, evidence map[int64]string) error

	// Graph reads
	GetNodesForPaper(ctx context.Context, tenantID, paperID string) ([]models.Node, error)
	GetEdgesForPaper(ctx context.Context, tenantID, paperID string) ([]models.Edge, error)
	GetEdgesBySourceNodes(ctx context.Context, tenantID string, nodeIDs []int64) ([]models.Edge, error)
	GetEdgesByTargetNodes(ctx context.Context, tenantID string, nodeIDs []int64) ([]models.Edge, error)
	GetGraphData(ctx context.Context, tenantID string) ([]models.Node, []models.Edge, error)

	// Insights
	InsertInsights(ctx context.Context, tenantID string, insights []*models.InferredInsight) error

	// Jobs
	CreatePipelineJob(ctx context.Context, job *models.PipelineJob) error
	UpdatePipelineJob(ctx context.Context, tenantID, jobID string, update JobUpdate) error
	GetPipelineJob(ctx context.Context, tenantID, jobID string) (*models.PipelineJob, error)
	ListPipelineJobs(ctx context.Context, tenantID string, page, limit int, status *models.JobStatus) ([]models.PipelineJob, int, error)
	CountPipelineJobsSince(ctx context.Context, tenantID string, since time.Time) (int, error)

	// Worker coordination. ClaimNextPendingJob is cross-tenant by design:
	// the worker pool drains one shared queue.
	ClaimNextPendingJob(ctx context.Context, podID string) (*models.PipelineJob, error)
	CountProcessingJobs(ctx context.Context) (int, error)
	HeartbeatJob(ctx context.Context, jobID string) error
	FindStaleProcessingJobs(ctx context.Context, olderThan time.Time) ([]models.PipelineJob, error)
	FindProcessingJobsByPod(ctx context.Context, podID string) ([]models.PipelineJob, error)

	// Settings
	GetTenantSettings(ctx context.Context, tenantID string) (*models.TenantSettings, error)
	UpdateTenantSettings(ctx context.Context, settings *models.TenantSettings) error

	// Usage ledger
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error
	UsageTotalsSince(ctx context.Context, tenantID string, since time.Time) (*UsageTotals, error)

	// Retention
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteUsageEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
