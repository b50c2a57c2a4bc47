// Package pipeline composes the staged extraction pipeline for one paper:
// ingestion, entity extraction, relationship extraction, deterministic
// validation, persistence with dedupe and alias resolution, evidence
// enrichment, and subgraph-bounded reasoning.
package pipeline

// Prompt and schema versions. Both are part of every cache key, so any text
// change below must bump the matching version or caches will serve stale
// artifacts.
const (
	IngestionPromptVersion    = "v2"
	IngestionSchemaVersion    = "v1"
	EntityPromptVersion       = "v3"
	EntitySchemaVersion       = "v2"
	RelationshipPromptVersion = "v3"
	RelationshipSchemaVersion = "v2"
	EvidencePromptVersion     = "v1"
	EvidenceSchemaVersion     = "v1"
	ReasoningPromptVersion    = "v2"
	ReasoningSchemaVersion    = "v1"
)

// Agent names double as the pipeline_stage recorded on usage events.
const (
	AgentIngestion    = "ingestion"
	AgentEntity       = "entity_extraction"
	AgentRelationship = "relationship_extraction"
	AgentEvidence     = "evidence"
	AgentReasoning    = "reasoning"
)

const ingestionPrompt = `You are a research paper ingestion agent. Given the raw text of a paper,
split it into typed sections and extract bibliographic metadata.

Rules:
- Section types are exactly: abstract, methods, results, related_work, conclusion, other.
- Preserve the original text of each section; do not summarize or rewrite.
- Assign part_index starting at 0 in reading order, with no gaps.
- Extract the title, publication year (0 if unknown), and author list.
- If the text is garbled, partial, or not a research paper, still produce your
  best-effort sections and record the problem in warnings.

Return JSON only.`

const entityPrompt = `You are an entity extraction agent for a research knowledge graph. Given the
sections of one paper, extract the most important entities.

Rules:
- Entity types are exactly: method, dataset, metric, concept, task, model.
- Extract at most 10 entities; prefer the ones central to the paper's
  contribution.
- name is the surface form as written in the paper.
- mentions is how many times the entity appears across all sections.
- confidence in [0,1] reflects how certain you are the entity is real and
  correctly typed. Use values below 0.6 for entities you are unsure about.
- definition is one sentence from the paper's usage, or empty.

Return JSON only.`

const relationshipPrompt = `You are a relationship extraction agent for a research knowledge graph. Given
the sections of one paper and the entities extracted from it, identify typed
relationships between those entities.

Rules:
- Use only entities from the provided list as source and target.
- relationship_type is a short snake_case verb phrase such as builds_on,
  uses, evaluated_on, outperforms, part_of, trained_on.
- Extract at most 12 relationships with confidence >= 0.5.
- confidence in [0,1] reflects textual support in the paper.
- section_type names the section the relationship is stated in.
- Never relate an entity to itself.

Return JSON only.`

// relationshipPromptCompact is the first downgrade when the model keeps
// truncating its output.
const relationshipPromptCompact = `Extract relationships between the provided entities as compact JSON.
Each relationship has only: source, target, relationship_type, confidence.
At most 12 relationships, confidence >= 0.5, snake_case relationship types,
no self-relations. Return JSON only.`

const relationshipPromptMinimal = `List at most 8 relationships between the provided entities.
Fields per relationship: source, target, relationship_type, confidence.
Return JSON only, nothing else.`

const evidencePrompt = `You are an evidence extraction agent. For each relationship key below, quote
the single sentence from the paper that best supports the relationship.

Rules:
- evidence must be a verbatim or near-verbatim sentence from the paper,
  at most 300 characters.
- edge_key values must be copied exactly from the input.
- If no supporting sentence exists, omit that relationship.

Return JSON only.`

const reasoningPrompt = `You are a graph reasoning agent. Given a subgraph of a research knowledge
graph (nodes, typed edges, and the papers they came from), derive higher-order
insights that are not stated by any single edge.

Insight types are exactly:
- transitive_relationship: A relates to C through B.
- cluster_analysis: a coherent group of related entities.
- anomaly_detection: an edge or node that contradicts the rest of the graph.
- gap_identification: an expected but missing relationship.
- trend_analysis: a pattern across papers or years.

Rules:
- subject_entities lists the canonical names of the nodes the insight is
  about; use only names present in the subgraph.
- steps spells out the reasoning chain, one hop per step.
- confidence in [0,1] reflects how strongly the subgraph supports the insight.
- Produce at most 5 insights; fewer is fine. Do not restate single edges.

Return JSON only.`
