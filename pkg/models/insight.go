package models

import "time"

// InsightType tags the kind of reasoning output.
type InsightType string

// Insight type constants.
const (
	InsightTransitiveRelationship InsightType = "transitive_relationship"
	InsightClusterAnalysis        InsightType = "cluster_analysis"
	InsightAnomalyDetection       InsightType = "anomaly_detection"
	InsightGapIdentification      InsightType = "gap_identification"
	InsightTrendAnalysis          InsightType = "trend_analysis"
)

// ValidInsightType reports whether t is one of the known insight types.
func ValidInsightType(t InsightType) bool {
	switch t {
	case InsightTransitiveRelationship, InsightClusterAnalysis,
		InsightAnomalyDetection, InsightGapIdentification, InsightTrendAnalysis:
		return true
	}
	return false
}

// InsightScope bounds the subgraph an insight was derived from.
type InsightScope struct {
	PaperIDs []string `json:"paper_ids"`
	Depth    int      `json:"depth"`
}

// InsightMeta ties an insight back to the reasoning batch that produced it.
type InsightMeta struct {
	BatchID           string       `json:"batch_id"`
	GraphSnapshotHash string       `json:"graph_snapshot_hash"`
	Scope             InsightScope `json:"scope"`
}

// InferredInsight is a reasoning output over a bounded subgraph.
type InferredInsight struct {
	ID             int64       `json:"id"`
	TenantID       string      `json:"tenant_id"`
	Type           InsightType `json:"insight_type"`
	SubjectNodes   []int64     `json:"subject_nodes"`
	ReasoningSteps []string    `json:"reasoning_path_steps"`
	Confidence     float64     `json:"confidence"`
	Meta           InsightMeta `json:"meta"`
	CreatedAt      time.Time   `json:"created_at"`
}
