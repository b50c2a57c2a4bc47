package models

import "time"

// JobStatus is the lifecycle state of a pipeline job.
// Lifecycle: pending → processing → exactly one of completed | failed.
type JobStatus string

// Job status constants.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Pipeline stage markers, persisted as result.progress.stage while a job runs.
const (
	StageIngestion              = "ingestion"
	StageEntityExtraction       = "entity_extraction"
	StageRelationshipExtraction = "relationship_extraction"
	StageValidation             = "validation"
	StagePersistEntitiesEdges   = "persist_entities_edges"
	StageEvidence               = "evidence"
	StageReasoning              = "reasoning"
	StageCompleted              = "completed"
)

// JobInput is the submission payload persisted with the job so the worker
// that claims it can run the pipeline without any in-memory handoff.
type JobInput struct {
	PaperID        string `json:"paper_id"`
	RawText        string `json:"raw_text"`
	Title          string `json:"title,omitempty"`
	SourceURL      string `json:"source_url,omitempty"`
	ResolvedURL    string `json:"resolved_url,omitempty"`
	ForceReingest  bool   `json:"force_reingest,omitempty"`
	ReasoningDepth int    `json:"reasoning_depth,omitempty"` // 0 = use tenant setting
}

// JobProgress holds the last stage marker a running job reported.
type JobProgress struct {
	Stage string `json:"stage"`
}

// PipelineStats are the totals a completed pipeline run reports.
type PipelineStats struct {
	SectionsInserted int `json:"sections_inserted"`
	EntitiesDecided  int `json:"entities_decided"`
	NodesCreated     int `json:"nodes_created"`
	NodesMatched     int `json:"nodes_matched"`
	EdgesPersisted   int `json:"edges_persisted"`
	EdgesSkipped     int `json:"edges_skipped"`
	MentionsRecorded int `json:"mentions_recorded"`
	AliasesRecorded  int `json:"aliases_recorded"`
	LinksCreated     int `json:"links_created"`
	EvidenceUpdated  int `json:"evidence_updated"`
	InsightsCreated  int `json:"insights_created"`
	CacheHits        int `json:"cache_hits"`
}

// JobResult is the freeform result bag persisted on the job row.
type JobResult struct {
	Progress JobProgress   `json:"progress"`
	Stats    PipelineStats `json:"stats"`
	Warnings []string      `json:"warnings,omitempty"`
	BatchID  string        `json:"batch_id,omitempty"`
}

// PipelineJob is one asynchronous per-paper run.
type PipelineJob struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	PaperID         string     `json:"paper_id"`
	Status          JobStatus  `json:"status"`
	Input           JobInput   `json:"-"`
	Result          *JobResult `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	PodID           string     `json:"pod_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// Terminal reports whether the job reached a final status.
func (j *PipelineJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
