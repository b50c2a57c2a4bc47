package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/papergraph/papergraph/pkg/cache"
	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/llm"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
	"github.com/papergraph/papergraph/pkg/validation"
)

// Driver runs the staged pipeline for one paper. Stages execute in strict
// order; each emits a progress marker through RunParams.Progress so the
// orchestrator can persist it on the job.
type Driver struct {
	store    store.GraphStore
	runner   *llm.Runner
	persist  *persister
	subgraph *SubgraphBuilder
	derived  *cache.DerivedCache
	engine   validation.Engine
	cfg      config.PipelineConfig
	llmCfg   config.LLMConfig
	logger   *slog.Logger
}

// NewDriver creates a Driver. embedder may be nil, which disables paper
// embeddings and semantic alias resolution.
func NewDriver(s store.GraphStore, runner *llm.Runner, embedder llm.Embedder, derived *cache.DerivedCache, cfg config.PipelineConfig, llmCfg config.LLMConfig, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline_driver")
	return &Driver{
		store:  s,
		runner: runner,
		persist: &persister{
			store:    s,
			resolver: NewAliasResolver(s, embedder, logger),
			embedder: embedder,
			logger:   logger,
		},
		subgraph: NewSubgraphBuilder(s),
		derived:  derived,
		engine:   validation.Engine{Debug: cfg.ValidationDebug},
		cfg:      cfg,
		llmCfg:   llmCfg,
		logger:   logger,
	}
}

// RunParams is everything one pipeline run needs. APIKey is already
// resolved: the tenant's decrypted key in byo_key mode, the platform key
// otherwise.
type RunParams struct {
	TenantID string
	JobID    string
	Input    models.JobInput
	Settings *models.TenantSettings
	APIKey   string
	Progress func(stage string)
}

// Run executes the pipeline end to end and returns the job result. On error
// the returned result carries the progress and stats accumulated so far;
// side effects of completed stages are retained for review.
func (d *Driver) Run(ctx context.Context, p RunParams) (*models.JobResult, error) {
	result := &models.JobResult{}
	progress := func(stage string) {
		result.Progress.Stage = stage
		if p.Progress != nil {
			p.Progress(stage)
		}
	}
	meta := llm.Meta{
		TenantID:      p.TenantID,
		JobID:         p.JobID,
		APIKey:        p.APIKey,
		ExecutionMode: p.Settings.ExecutionMode,
	}
	log := d.logger.With("tenant_id", p.TenantID, "job_id", p.JobID, "paper_id", p.Input.PaperID)

	progress(models.StageIngestion)
	if !p.Input.ForceReingest && !d.cfg.ForceReingest {
		exists, err := d.store.PaperExists(ctx, p.TenantID, p.Input.PaperID)
		if err != nil {
			return result, fmt.Errorf("ingestion: %w", err)
		}
		if exists {
			log.Info("paper already ingested, skipping")
			result.Warnings = append(result.Warnings, "paper already ingested; re-run with force_reingest to reprocess")
			progress(models.StageCompleted)
			return result, nil
		}
	}

	ing, err := d.runIngestion(ctx, meta, p, result)
	if err != nil {
		return result, fmt.Errorf("ingestion: %w", err)
	}
	paper, sections, err := d.persistPaper(ctx, p, ing, result)
	if err != nil {
		return result, fmt.Errorf("ingestion: %w", err)
	}

	progress(models.StageEntityExtraction)
	entities, err := d.runEntityExtraction(ctx, meta, sections, result)
	if err != nil {
		return result, fmt.Errorf("entity extraction: %w", err)
	}

	progress(models.StageRelationshipExtraction)
	relationships, err := d.runRelationshipExtraction(ctx, meta, p, sections, entities, result)
	if err != nil {
		return result, fmt.Errorf("relationship extraction: %w", err)
	}

	progress(models.StageValidation)
	validated := d.engine.Validate(toEntityInputs(entities), toEdgeInputs(relationships))

	progress(models.StagePersistEntitiesEdges)
	entityIDs, warnings, err := d.persist.persistEntities(ctx, p.TenantID, paper, validated.Entities, p.Settings.SemanticGatingThreshold, &result.Stats)
	if err != nil {
		return result, fmt.Errorf("persisting entities: %w", err)
	}
	result.Warnings = append(result.Warnings, warnings...)

	paperNodeID, err := d.ensurePaperNode(ctx, p.TenantID, paper)
	if err != nil {
		return result, fmt.Errorf("persisting paper node: %w", err)
	}
	entityIDs[validation.Canonicalize(paper.PaperID)] = paperNodeID

	edgeIDs, warnings, err := d.persist.persistEdges(ctx, p.TenantID, paper.PaperID, validated.Edges, entityIDs, &result.Stats)
	if err != nil {
		return result, fmt.Errorf("persisting edges: %w", err)
	}
	result.Warnings = append(result.Warnings, warnings...)

	progress(models.StageEvidence)
	d.runEvidence(ctx, meta, sections, validated.Edges, edgeIDs, result, log)

	progress(models.StageReasoning)
	if err := d.runReasoning(ctx, meta, p, result, log); err != nil {
		return result, fmt.Errorf("reasoning: %w", err)
	}

	d.auditConsistency(validated, result, log)

	progress(models.StageCompleted)
	log.Info("pipeline completed",
		"nodes_created", result.Stats.NodesCreated,
		"nodes_matched", result.Stats.NodesMatched,
		"edges_persisted", result.Stats.EdgesPersisted,
		"insights_created", result.Stats.InsightsCreated,
		"cache_hits", result.Stats.CacheHits)
	return result, nil
}

// runIngestion produces the typed sections and metadata for the raw text,
// memoized in the derived cache under the sections artifact.
func (d *Driver) runIngestion(ctx context.Context, meta llm.Meta, p RunParams, result *models.JobResult) (*IngestionOutput, error) {
	text := truncateChars(p.Input.RawText, d.cfg.MaxInputChars)

	key, err := d.derived.Key(cache.DerivedKey{
		ArtifactType:  cache.ArtifactSections,
		TenantID:      p.TenantID,
		PromptVersion: IngestionPromptVersion,
		SchemaVersion: IngestionSchemaVersion,
		Input:         map[string]any{"paper_id": p.Input.PaperID, "text": text},
	})
	if err != nil {
		return nil, err
	}
	if payload, ok := d.derived.Get(key); ok {
		var out IngestionOutput
		if json.Unmarshal(payload, &out) == nil && out.Validate() == nil {
			result.Stats.CacheHits++
			return &out, nil
		}
	}

	var out IngestionOutput
	meta.Stage = AgentIngestion
	res, err := d.runner.Execute(ctx, meta, llm.Call{
		Agent:         AgentIngestion,
		Prompts:       map[llm.PromptMode]string{llm.ModeNormal: ingestionPrompt},
		Input:         text,
		Schema:        ingestionSchema(),
		PromptVersion: IngestionPromptVersion,
		SchemaVersion: IngestionSchemaVersion,
		Timeout:       d.llmCfg.IngestionTimeout,
		Out:           &out,
	})
	if err != nil {
		return nil, err
	}
	if res.Cached {
		result.Stats.CacheHits++
	}
	if payload, err := json.Marshal(&out); err == nil {
		d.derived.Put(key, payload)
	}
	return &out, nil
}

// persistPaper upserts the paper row, its sections, and its best-effort
// embedding.
func (d *Driver) persistPaper(ctx context.Context, p RunParams, ing *IngestionOutput, result *models.JobResult) (*models.Paper, []models.Section, error) {
	title := strings.TrimSpace(ing.Title)
	if title == "" {
		title = p.Input.Title
	}
	if title == "" {
		title = p.Input.PaperID
	}

	metadata := map[string]any{}
	if len(ing.Authors) > 0 {
		metadata["authors"] = ing.Authors
	}
	if p.Input.SourceURL != "" {
		metadata["source_url"] = p.Input.SourceURL
	}
	paper := &models.Paper{
		PaperID:  p.Input.PaperID,
		TenantID: p.TenantID,
		Title:    title,
		Year:     ing.Year,
		Abstract: ing.Abstract,
		Metadata: metadata,
	}
	if err := d.store.UpsertPaper(ctx, p.TenantID, paper); err != nil {
		return nil, nil, err
	}
	result.Warnings = append(result.Warnings, ing.Warnings...)

	sections := make([]models.Section, len(ing.Sections))
	for i, s := range ing.Sections {
		sections[i] = models.Section{
			ID:        fmt.Sprintf("%s-%d", paper.PaperID, i),
			PaperID:   paper.PaperID,
			Type:      models.NormalizeSectionType(s.Type),
			Content:   s.Content,
			WordCount: len(strings.Fields(s.Content)),
			PartIndex: i,
		}
	}
	if err := d.store.InsertPaperSections(ctx, p.TenantID, paper.PaperID, sections); err != nil {
		return nil, nil, err
	}
	result.Stats.SectionsInserted += len(sections)

	if d.persist.embedder != nil {
		vec, err := d.persist.embedder.Embed(ctx, title+"\n"+ing.Abstract)
		if err == nil {
			err = d.store.UpsertPaperEmbedding(ctx, p.TenantID, paper.PaperID, vec)
		}
		if err != nil {
			d.logger.Warn("paper embedding failed", "paper_id", paper.PaperID, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("paper embedding unavailable: %v", err))
		}
	}
	return paper, sections, nil
}

func (d *Driver) runEntityExtraction(ctx context.Context, meta llm.Meta, sections []models.Section, result *models.JobResult) ([]ExtractedEntity, error) {
	var out EntityOutput
	meta.Stage = AgentEntity
	res, err := d.runner.Execute(ctx, meta, llm.Call{
		Agent:         AgentEntity,
		Prompts:       map[llm.PromptMode]string{llm.ModeNormal: entityPrompt},
		Input:         sectionsText(sections),
		Schema:        entitySchema(),
		PromptVersion: EntityPromptVersion,
		SchemaVersion: EntitySchemaVersion,
		Out:           &out,
	})
	if err != nil {
		return nil, err
	}
	if res.Cached {
		result.Stats.CacheHits++
	}

	entities := out.Entities
	if d.cfg.MaxEntities > 0 && len(entities) > d.cfg.MaxEntities {
		sort.SliceStable(entities, func(i, j int) bool { return entities[i].Confidence > entities[j].Confidence })
		entities = entities[:d.cfg.MaxEntities]
	}
	return entities, nil
}

// runRelationshipExtraction extracts, filters, and canonically orders the
// relationship candidates, memoized in the derived cache. The relationship
// agent is the only one with adaptive prompt downgrades.
func (d *Driver) runRelationshipExtraction(ctx context.Context, meta llm.Meta, p RunParams, sections []models.Section, entities []ExtractedEntity, result *models.JobResult) ([]ExtractedRelationship, error) {
	if len(entities) < 2 {
		return nil, nil
	}

	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	sortedNames := append([]string(nil), names...)
	sort.Strings(sortedNames)

	text := sectionsText(sections)
	key, err := d.derived.Key(cache.DerivedKey{
		ArtifactType:  cache.ArtifactRelationshipCandidates,
		TenantID:      p.TenantID,
		PromptVersion: RelationshipPromptVersion,
		SchemaVersion: RelationshipSchemaVersion,
		// The cached artifact is post-filter, so the filter settings are
		// part of the key.
		Input: map[string]any{
			"paper_id":          p.Input.PaperID,
			"entities":          sortedNames,
			"text":              text,
			"enabled_types":     p.Settings.EnabledRelationshipTypes,
			"allow_speculative": p.Settings.AllowSpeculativeEdges,
		},
	})
	if err != nil {
		return nil, err
	}
	if payload, ok := d.derived.Get(key); ok {
		var cached []ExtractedRelationship
		if json.Unmarshal(payload, &cached) == nil {
			result.Stats.CacheHits++
			return cached, nil
		}
	}

	var b strings.Builder
	b.WriteString("Entities:\n")
	for _, e := range entities {
		fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Type)
	}
	b.WriteString("\n")
	b.WriteString(text)

	var out RelationshipOutput
	meta.Stage = AgentRelationship
	res, err := d.runner.Execute(ctx, meta, llm.Call{
		Agent: AgentRelationship,
		Prompts: map[llm.PromptMode]string{
			llm.ModeNormal:  relationshipPrompt,
			llm.ModeCompact: relationshipPromptCompact,
			llm.ModeMinimal: relationshipPromptMinimal,
		},
		Input:         b.String(),
		Schema:        relationshipSchema(),
		PromptVersion: RelationshipPromptVersion,
		SchemaVersion: RelationshipSchemaVersion,
		Out:           &out,
	})
	if err != nil {
		return nil, err
	}
	if res.Cached {
		result.Stats.CacheHits++
	}

	relationships := d.filterRelationships(out.Relationships, p.Settings)

	// Stable canonical order keys both the derived artifact and the edge
	// insert order.
	sort.SliceStable(relationships, func(i, j int) bool {
		a, b := relationships[i], relationships[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.RelationshipType != b.RelationshipType {
			return a.RelationshipType < b.RelationshipType
		}
		return a.Target < b.Target
	})

	if res.Mode == llm.ModeNormal {
		if payload, err := json.Marshal(relationships); err == nil {
			d.derived.Put(key, payload)
		}
	}
	return relationships, nil
}

// filterRelationships applies the confidence floor, the tenant's enabled
// types, and the global cap. allow_speculative_edges keeps candidates below
// the floor instead of dropping them; validation still flags or rejects
// them.
func (d *Driver) filterRelationships(relationships []ExtractedRelationship, settings *models.TenantSettings) []ExtractedRelationship {
	kept := relationships[:0]
	for _, r := range relationships {
		if r.Confidence < d.cfg.MinRelationConf && !settings.AllowSpeculativeEdges {
			continue
		}
		if !settings.RelationshipTypeEnabled(r.RelationshipType) {
			continue
		}
		kept = append(kept, r)
	}
	if d.cfg.MaxRelationships > 0 && len(kept) > d.cfg.MaxRelationships {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Confidence > kept[j].Confidence })
		kept = kept[:d.cfg.MaxRelationships]
	}
	return kept
}

// ensurePaperNode inserts (or converges on) the approved paper node so the
// paper participates in the graph.
func (d *Driver) ensurePaperNode(ctx context.Context, tenantID string, paper *models.Paper) (int64, error) {
	return d.store.InsertNode(ctx, tenantID, &models.Node{
		TenantID:           tenantID,
		Type:               models.NodeTypePaper,
		CanonicalName:      validation.Canonicalize(paper.PaperID),
		Metadata:           map[string]any{"title": paper.Title, "paper_id": paper.PaperID, "year": paper.Year},
		OriginalConfidence: 1,
		AdjustedConfidence: 1,
		ReviewStatus:       models.ReviewApproved,
	})
}

// runEvidence requests one supporting sentence per approved or flagged edge
// in a single batched call. Evidence is an enrichment: failure logs a
// warning and the run continues.
func (d *Driver) runEvidence(ctx context.Context, meta llm.Meta, sections []models.Section, edges []validation.ValidatedEdge, edgeIDs map[string]int64, result *models.JobResult, log *slog.Logger) {
	eligible := make(map[string]int64)
	var keys []string
	for i := range edges {
		e := &edges[i]
		if e.Decision != models.ReviewApproved && e.Decision != models.ReviewFlagged {
			continue
		}
		id, ok := edgeIDs[e.Key()]
		if !ok {
			continue
		}
		eligible[e.Key()] = id
		keys = append(keys, e.Key())
	}
	if len(eligible) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("Relationships:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s\n", k)
	}
	b.WriteString("\n")
	b.WriteString(sectionsText(sections))

	var out EvidenceOutput
	meta.Stage = AgentEvidence
	res, err := d.runner.Execute(ctx, meta, llm.Call{
		Agent:         AgentEvidence,
		Prompts:       map[llm.PromptMode]string{llm.ModeNormal: evidencePrompt},
		Input:         b.String(),
		Schema:        evidenceSchema(),
		PromptVersion: EvidencePromptVersion,
		SchemaVersion: EvidenceSchemaVersion,
		Out:           &out,
	})
	if err != nil {
		log.Warn("evidence enrichment failed", "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("evidence enrichment unavailable: %v", err))
		return
	}
	if res.Cached {
		result.Stats.CacheHits++
	}

	updates := make(map[int64]string)
	for _, ev := range out.Evidence {
		id, ok := eligible[ev.EdgeKey]
		if !ok {
			continue
		}
		updates[id] = truncateEvidence(ev.Evidence)
	}
	if len(updates) == 0 {
		return
	}
	if err := d.store.UpdateEdgesEvidence(ctx, meta.TenantID, updates); err != nil {
		log.Warn("evidence update failed", "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("evidence update failed: %v", err))
		return
	}
	result.Stats.EvidenceUpdated += len(updates)
}

// runReasoning builds the bounded subgraph and persists the insights it
// yields. Depth resolution: job option, then tenant setting, then env.
func (d *Driver) runReasoning(ctx context.Context, meta llm.Meta, p RunParams, result *models.JobResult, log *slog.Logger) error {
	if !d.cfg.ReasoningEnabled {
		return nil
	}
	depth := p.Input.ReasoningDepth
	if depth == 0 {
		depth = p.Settings.MaxReasoningDepth
	}
	if depth == 0 {
		depth = d.cfg.ReasoningDepth
	}

	sg, err := d.subgraph.Build(ctx, p.TenantID, []string{p.Input.PaperID}, depth, d.cfg.ReasonFullGraph)
	if err != nil {
		return err
	}
	if len(sg.Edges) == 0 {
		log.Info("subgraph has no edges, skipping reasoning")
		return nil
	}
	snapshotHash, err := sg.SnapshotHash()
	if err != nil {
		return err
	}
	payload, err := reasoningPayload(sg)
	if err != nil {
		return err
	}

	var out ReasoningOutput
	meta.Stage = AgentReasoning
	res, err := d.runner.Execute(ctx, meta, llm.Call{
		Agent:         AgentReasoning,
		Prompts:       map[llm.PromptMode]string{llm.ModeNormal: reasoningPrompt},
		Input:         payload,
		Schema:        reasoningSchema(),
		PromptVersion: ReasoningPromptVersion,
		SchemaVersion: ReasoningSchemaVersion,
		Timeout:       d.llmCfg.ReasoningTimeout,
		Out:           &out,
	})
	if err != nil {
		return err
	}
	if res.Cached {
		result.Stats.CacheHits++
	}
	if len(out.Insights) == 0 {
		return nil
	}

	byCanonical := sg.NodeIDsByCanonical()
	batchID := uuid.NewString()
	var insights []*models.InferredInsight
	for _, raw := range out.Insights {
		var subjects []int64
		known := true
		for _, name := range raw.SubjectEntities {
			id, ok := byCanonical[validation.Canonicalize(name)]
			if !ok {
				known = false
				break
			}
			subjects = append(subjects, id)
		}
		if !known {
			result.Warnings = append(result.Warnings, fmt.Sprintf("insight dropped: subject outside subgraph (%s)", raw.Type))
			continue
		}
		insights = append(insights, &models.InferredInsight{
			TenantID:       p.TenantID,
			Type:           models.InsightType(raw.Type),
			SubjectNodes:   subjects,
			ReasoningSteps: raw.Steps,
			Confidence:     raw.Confidence,
			Meta: models.InsightMeta{
				BatchID:           batchID,
				GraphSnapshotHash: snapshotHash,
				Scope:             sg.Scope,
			},
		})
	}
	if len(insights) == 0 {
		return nil
	}
	if err := d.store.InsertInsights(ctx, p.TenantID, insights); err != nil {
		return err
	}
	result.Stats.InsightsCreated += len(insights)
	result.BatchID = batchID
	return nil
}

// auditConsistency checks that every approved edge references two approved
// entities. Violations warn but never abort.
func (d *Driver) auditConsistency(validated *validation.Result, result *models.JobResult, log *slog.Logger) {
	decisions := make(map[string]models.ReviewStatus, len(validated.Entities))
	for i := range validated.Entities {
		e := &validated.Entities[i]
		decisions[e.CanonicalName] = e.Decision
	}
	for i := range validated.Edges {
		e := &validated.Edges[i]
		if e.Decision != models.ReviewApproved {
			continue
		}
		for _, endpoint := range []string{e.SourceCanonical, e.TargetCanonical} {
			if decisions[endpoint] != models.ReviewApproved {
				log.Warn("approved edge references non-approved node",
					"edge", e.Key(), "endpoint", endpoint)
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("consistency: approved edge %s references non-approved node %s", e.Key(), endpoint))
			}
		}
	}
}

// reasoningPayload serializes the subgraph compactly, with edges keyed by
// canonical names rather than internal ids.
func reasoningPayload(sg *Subgraph) (string, error) {
	canonicalByID := make(map[int64]string, len(sg.Nodes))
	type nodeView struct {
		Name   string `json:"canonical_name"`
		Type   string `json:"type"`
		Status string `json:"review_status"`
	}
	nodes := make([]nodeView, len(sg.Nodes))
	for i, n := range sg.Nodes {
		canonicalByID[n.ID] = n.CanonicalName
		nodes[i] = nodeView{Name: n.CanonicalName, Type: n.Type, Status: string(n.ReviewStatus)}
	}

	type edgeView struct {
		Source     string  `json:"source"`
		Target     string  `json:"target"`
		Type       string  `json:"relationship_type"`
		Confidence float64 `json:"confidence"`
		Evidence   string  `json:"evidence,omitempty"`
	}
	edges := make([]edgeView, len(sg.Edges))
	for i, e := range sg.Edges {
		edges[i] = edgeView{
			Source:     canonicalByID[e.SourceNodeID],
			Target:     canonicalByID[e.TargetNodeID],
			Type:       e.RelationshipType,
			Confidence: e.Confidence,
			Evidence:   e.Evidence,
		}
	}

	type paperView struct {
		PaperID string `json:"paper_id"`
		Title   string `json:"title"`
		Year    int    `json:"year,omitempty"`
	}
	papers := make([]paperView, len(sg.Papers))
	for i, p := range sg.Papers {
		papers[i] = paperView{PaperID: p.PaperID, Title: p.Title, Year: p.Year}
	}

	out, err := json.Marshal(map[string]any{
		"nodes":                  nodes,
		"edges":                  edges,
		"papers":                 papers,
		"total_papers_in_corpus": sg.TotalPapers,
	})
	if err != nil {
		return "", fmt.Errorf("serializing subgraph: %w", err)
	}
	return string(out), nil
}

func toEntityInputs(entities []ExtractedEntity) []validation.EntityInput {
	out := make([]validation.EntityInput, len(entities))
	for i, e := range entities {
		out[i] = validation.EntityInput{
			Type:       e.Type,
			Name:       e.Name,
			Confidence: e.Confidence,
			Definition: e.Definition,
			Mentions:   e.Mentions,
		}
	}
	return out
}

func toEdgeInputs(relationships []ExtractedRelationship) []validation.EdgeInput {
	out := make([]validation.EdgeInput, len(relationships))
	for i, r := range relationships {
		out[i] = validation.EdgeInput{
			Source:           r.Source,
			Target:           r.Target,
			RelationshipType: r.RelationshipType,
			Confidence:       r.Confidence,
			SectionType:      models.NormalizeSectionType(r.SectionType),
			PartIndex:        r.PartIndex,
		}
	}
	return out
}

func sectionsText(sections []models.Section) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "[%s #%d]\n%s\n\n", s.Type, s.PartIndex, s.Content)
	}
	return b.String()
}

// truncateChars bounds the raw input by character count without splitting
// a rune.
func truncateChars(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
