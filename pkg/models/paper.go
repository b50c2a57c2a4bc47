// Package models defines the domain types shared across the pipeline,
// store, and API layers. All persisted types are tenant-scoped.
package models

import "time"

// SectionType classifies a paper section.
type SectionType string

// Section type constants.
const (
	SectionAbstract    SectionType = "abstract"
	SectionMethods     SectionType = "methods"
	SectionResults     SectionType = "results"
	SectionRelatedWork SectionType = "related_work"
	SectionConclusion  SectionType = "conclusion"
	SectionOther       SectionType = "other"
)

// NormalizeSectionType maps arbitrary section labels to a known SectionType.
func NormalizeSectionType(s string) SectionType {
	switch SectionType(s) {
	case SectionAbstract, SectionMethods, SectionResults, SectionRelatedWork, SectionConclusion:
		return SectionType(s)
	default:
		return SectionOther
	}
}

// Paper is an ingested research paper. PaperID is unique per tenant.
type Paper struct {
	PaperID   string         `json:"paper_id"`
	TenantID  string         `json:"tenant_id"`
	Title     string         `json:"title"`
	Year      int            `json:"year,omitempty"`
	Abstract  string         `json:"abstract,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Section is one typed chunk of a paper. PartIndex is 0-based and dense
// within a paper.
type Section struct {
	ID        string      `json:"id"`
	PaperID   string      `json:"paper_id"`
	Type      SectionType `json:"section_type"`
	Content   string      `json:"content"`
	WordCount int         `json:"word_count"`
	PartIndex int         `json:"part_index"`
}
