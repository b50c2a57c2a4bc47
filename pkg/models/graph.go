package models

import "time"

// ReviewStatus is the durable validation decision on a node or edge.
// All decisions are persisted, including rejected, so they stay reviewable.
type ReviewStatus string

// Review status constants.
const (
	ReviewApproved ReviewStatus = "approved"
	ReviewFlagged  ReviewStatus = "flagged"
	ReviewRejected ReviewStatus = "rejected"
)

// Node is a graph entity. (CanonicalName, Type) is unique within a tenant.
type Node struct {
	ID                 int64          `json:"id"`
	TenantID           string         `json:"tenant_id"`
	Type               string         `json:"type"`
	CanonicalName      string         `json:"canonical_name"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	OriginalConfidence float64        `json:"original_confidence"`
	AdjustedConfidence float64        `json:"adjusted_confidence"`
	ReviewStatus       ReviewStatus   `json:"review_status"`
	ReviewReasons      string         `json:"review_reasons,omitempty"`
	EmbeddingRaw       []float32      `json:"-"`
	EmbeddingIndex     []float32      `json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
}

// NodeTypePaper is the node type used for paper nodes, which are approved
// by construction.
const NodeTypePaper = "paper"

// Provenance records where an edge came from and how validation decided on it.
type Provenance struct {
	SectionType       SectionType  `json:"section_type,omitempty"`
	PartIndex         int          `json:"part_index"`
	SectionID         string       `json:"section_id,omitempty"`
	SourcePaperID     string       `json:"source_paper_id"`
	ValidationStatus  ReviewStatus `json:"validation_status"`
	ValidationReasons []string     `json:"validation_reasons,omitempty"`
}

// Edge is a typed, evidence-bearing relationship between two nodes.
// Invariants: source != target; both endpoints exist in the same tenant.
type Edge struct {
	ID               int64        `json:"id"`
	TenantID         string       `json:"tenant_id"`
	SourceNodeID     int64        `json:"source_node_id"`
	TargetNodeID     int64        `json:"target_node_id"`
	RelationshipType string       `json:"relationship_type"`
	Confidence       float64      `json:"confidence"`
	Evidence         string       `json:"evidence,omitempty"`
	Provenance       Provenance   `json:"provenance"`
	ReviewStatus     ReviewStatus `json:"review_status"`
	CreatedAt        time.Time    `json:"created_at"`
}

// EntityMention counts how often a node is mentioned in a paper.
type EntityMention struct {
	NodeID       int64  `json:"node_id"`
	PaperID      string `json:"paper_id"`
	MentionCount int    `json:"mention_count"`
}

// EntityAlias is a non-canonical surface form observed for a node.
// Unique per (node_id, alias_name, source_paper_id).
type EntityAlias struct {
	NodeID        int64  `json:"node_id"`
	AliasName     string `json:"alias_name"`
	SourcePaperID string `json:"source_paper_id"`
}

// LinkStatus is the review state of an entity link.
type LinkStatus string

// Link status constants.
const (
	LinkProposed LinkStatus = "proposed"
	LinkApproved LinkStatus = "approved"
)

// LinkTypeAliasOf is the only link type produced by the semantic resolver.
const LinkTypeAliasOf = "alias_of"

// EntityLink proposes or records that a node is an alias of a canonical node.
// If the target is itself an alias, the link is retargeted to the approved
// canonical head before persistence.
type EntityLink struct {
	ID              int64      `json:"id"`
	NodeID          int64      `json:"node_id"`
	CanonicalNodeID int64      `json:"canonical_node_id"`
	LinkType        string     `json:"link_type"`
	Confidence      float64    `json:"confidence"`
	Status          LinkStatus `json:"status"`
	Evidence        string     `json:"evidence,omitempty"`
}
