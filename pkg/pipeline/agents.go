package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/papergraph/papergraph/pkg/models"
)

// maxEvidenceChars bounds evidence sentences stored on edges.
const maxEvidenceChars = 300

// SectionOutput is one typed section produced by the ingestion agent.
type SectionOutput struct {
	Type    string `json:"section_type"`
	Content string `json:"content"`
}

// IngestionOutput is the ingestion agent's structured result.
type IngestionOutput struct {
	Title    string          `json:"title"`
	Year     int             `json:"year"`
	Abstract string          `json:"abstract"`
	Authors  []string        `json:"authors"`
	Sections []SectionOutput `json:"sections"`
	Warnings []string        `json:"warnings"`
}

// Validate checks the ingestion output's structural invariants.
func (o *IngestionOutput) Validate() error {
	if len(o.Sections) == 0 {
		return errors.New("sections must not be empty")
	}
	for i, s := range o.Sections {
		if strings.TrimSpace(s.Content) == "" {
			return fmt.Errorf("section %d has empty content", i)
		}
	}
	return nil
}

func ingestionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":    map[string]any{"type": "string"},
			"year":     map[string]any{"type": "integer"},
			"abstract": map[string]any{"type": "string"},
			"authors":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"sections": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"section_type": map[string]any{"type": "string"},
						"content":      map[string]any{"type": "string"},
					},
					"required": []string{"section_type", "content"},
				},
			},
			"warnings": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"title", "sections"},
	}
}

// ExtractedEntity is one entity from the entity extraction agent.
type ExtractedEntity struct {
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Definition string  `json:"definition"`
	Mentions   int     `json:"mentions"`
}

// EntityOutput is the entity extraction agent's structured result.
// An empty list is valid: some texts contain no extractable entities.
type EntityOutput struct {
	Entities []ExtractedEntity `json:"entities"`
}

// Validate checks each entity's fields.
func (o *EntityOutput) Validate() error {
	for i, e := range o.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("entity %d has empty name", i)
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("entity %q confidence %v outside [0,1]", e.Name, e.Confidence)
		}
	}
	return nil
}

func entitySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entities": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":       map[string]any{"type": "string"},
						"name":       map[string]any{"type": "string"},
						"confidence": map[string]any{"type": "number"},
						"definition": map[string]any{"type": "string"},
						"mentions":   map[string]any{"type": "integer"},
					},
					"required": []string{"type", "name", "confidence"},
				},
			},
		},
		"required": []string{"entities"},
	}
}

// ExtractedRelationship is one relationship from the relationship agent.
type ExtractedRelationship struct {
	Source           string  `json:"source"`
	Target           string  `json:"target"`
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	SectionType      string  `json:"section_type"`
	PartIndex        int     `json:"part_index"`
}

// RelationshipOutput is the relationship extraction agent's structured
// result. Compact and minimal prompt modes omit section fields; those
// default to zero values.
type RelationshipOutput struct {
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Validate checks each relationship's fields.
func (o *RelationshipOutput) Validate() error {
	for i, r := range o.Relationships {
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" {
			return fmt.Errorf("relationship %d has an empty endpoint", i)
		}
		if strings.TrimSpace(r.RelationshipType) == "" {
			return fmt.Errorf("relationship %d has empty relationship_type", i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("relationship %d confidence %v outside [0,1]", i, r.Confidence)
		}
	}
	return nil
}

func relationshipSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"relationships": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"source":            map[string]any{"type": "string"},
						"target":            map[string]any{"type": "string"},
						"relationship_type": map[string]any{"type": "string"},
						"confidence":        map[string]any{"type": "number"},
						"section_type":      map[string]any{"type": "string"},
						"part_index":        map[string]any{"type": "integer"},
					},
					"required": []string{"source", "target", "relationship_type", "confidence"},
				},
			},
		},
		"required": []string{"relationships"},
	}
}

// EdgeEvidence pairs an edge key with its supporting sentence.
type EdgeEvidence struct {
	EdgeKey  string `json:"edge_key"`
	Evidence string `json:"evidence"`
}

// EvidenceOutput is the evidence agent's structured result, one entry per
// edge the model found support for.
type EvidenceOutput struct {
	Evidence []EdgeEvidence `json:"evidence"`
}

// Validate checks evidence entries.
func (o *EvidenceOutput) Validate() error {
	for i, e := range o.Evidence {
		if strings.TrimSpace(e.EdgeKey) == "" {
			return fmt.Errorf("evidence %d has empty edge_key", i)
		}
		if strings.TrimSpace(e.Evidence) == "" {
			return fmt.Errorf("evidence for %q is empty", e.EdgeKey)
		}
	}
	return nil
}

func evidenceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"evidence": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"edge_key": map[string]any{"type": "string"},
						"evidence": map[string]any{"type": "string"},
					},
					"required": []string{"edge_key", "evidence"},
				},
			},
		},
		"required": []string{"evidence"},
	}
}

// RawInsight is one insight from the reasoning agent, keyed by canonical
// entity names. The driver maps names to node ids before persistence.
type RawInsight struct {
	Type            string   `json:"insight_type"`
	SubjectEntities []string `json:"subject_entities"`
	Steps           []string `json:"steps"`
	Confidence      float64  `json:"confidence"`
}

// ReasoningOutput is the reasoning agent's structured result.
type ReasoningOutput struct {
	Insights []RawInsight `json:"insights"`
}

// Validate checks each insight's type and fields.
func (o *ReasoningOutput) Validate() error {
	for i, in := range o.Insights {
		if !models.ValidInsightType(models.InsightType(in.Type)) {
			return fmt.Errorf("insight %d has unknown insight_type %q", i, in.Type)
		}
		if len(in.SubjectEntities) == 0 {
			return fmt.Errorf("insight %d has no subject_entities", i)
		}
		if len(in.Steps) == 0 {
			return fmt.Errorf("insight %d has no reasoning steps", i)
		}
		if in.Confidence < 0 || in.Confidence > 1 {
			return fmt.Errorf("insight %d confidence %v outside [0,1]", i, in.Confidence)
		}
	}
	return nil
}

func reasoningSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"insights": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"insight_type":     map[string]any{"type": "string"},
						"subject_entities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"steps":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"confidence":       map[string]any{"type": "number"},
					},
					"required": []string{"insight_type", "subject_entities", "steps", "confidence"},
				},
			},
		},
		"required": []string{"insights"},
	}
}

// truncateEvidence enforces the evidence length bound without splitting a
// UTF-8 rune.
func truncateEvidence(s string) string {
	if len(s) <= maxEvidenceChars {
		return s
	}
	runes := []rune(s)
	out := make([]rune, 0, len(runes))
	size := 0
	for _, r := range runes {
		size += len(string(r))
		if size > maxEvidenceChars {
			break
		}
		out = append(out, r)
	}
	return string(out)
}
