package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/models"
)

// Postgres is the production GraphStore backed by PostgreSQL via the pgx
// stdlib driver. Schema migrations are applied on open.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a pooled connection, pings it, and applies pending
// migrations.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Postgres{db: db}, nil
}

// DB exposes the underlying pool for health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

// Close closes the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// --- Papers ---

func (p *Postgres) PaperExists(ctx context.Context, tenantID, paperID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM papers WHERE tenant_id = $1 AND paper_id = $2)`,
		tenantID, paperID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking paper existence: %w", err)
	}
	return exists, nil
}

func (p *Postgres) UpsertPaper(ctx context.Context, tenantID string, paper *models.Paper) error {
	metadata, err := marshalJSON(paper.Metadata)
	if err != nil {
		return err
	}
	embedding, err := marshalJSON(paper.Embedding)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO papers (tenant_id, paper_id, title, year, abstract, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, paper_id) DO UPDATE SET
			title = EXCLUDED.title,
			year = EXCLUDED.year,
			abstract = EXCLUDED.abstract,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		tenantID, paper.PaperID, paper.Title, paper.Year, paper.Abstract, metadata, embedding)
	if err != nil {
		return fmt.Errorf("upserting paper: %w", err)
	}
	return nil
}

func (p *Postgres) InsertPaperSections(ctx context.Context, tenantID, paperID string, sections []models.Section) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Re-ingestion replaces the section set wholesale.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM paper_sections WHERE tenant_id = $1 AND paper_id = $2`,
		tenantID, paperID); err != nil {
		return fmt.Errorf("clearing paper sections: %w", err)
	}

	for _, s := range sections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO paper_sections (tenant_id, paper_id, section_id, section_type, content, word_count, part_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			tenantID, paperID, s.ID, string(s.Type), s.Content, s.WordCount, s.PartIndex); err != nil {
			return fmt.Errorf("inserting paper section: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing paper sections: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertPaperEmbedding(ctx context.Context, tenantID, paperID string, embedding []float32) error {
	blob, err := marshalJSON(embedding)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE papers SET embedding = $3, updated_at = now() WHERE tenant_id = $1 AND paper_id = $2`,
		tenantID, paperID, blob)
	if err != nil {
		return fmt.Errorf("updating paper embedding: %w", err)
	}
	return requireRows(res)
}

func (p *Postgres) GetPapers(ctx context.Context, tenantID string, paperIDs []string) ([]models.Paper, error) {
	out := make([]models.Paper, 0, len(paperIDs))
	for _, id := range paperIDs {
		var (
			paper     models.Paper
			metadata  []byte
			embedding []byte
		)
		err := p.db.QueryRowContext(ctx, `
			SELECT tenant_id, paper_id, title, year, abstract, metadata, embedding, created_at, updated_at
			FROM papers WHERE tenant_id = $1 AND paper_id = $2`,
			tenantID, id).Scan(
			&paper.TenantID, &paper.PaperID, &paper.Title, &paper.Year, &paper.Abstract,
			&metadata, &embedding, &paper.CreatedAt, &paper.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("querying paper: %w", err)
		}
		if err := unmarshalJSON(metadata, &paper.Metadata); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(embedding, &paper.Embedding); err != nil {
			return nil, err
		}
		out = append(out, paper)
	}
	return out, nil
}

func (p *Postgres) CountPapers(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM papers WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting papers: %w", err)
	}
	return count, nil
}

// --- Nodes ---

const nodeColumns = `id, tenant_id, type, canonical_name, metadata, original_confidence,
	adjusted_confidence, review_status, review_reasons, embedding_raw, embedding_index, created_at`

func (p *Postgres) FindNodeByCanonicalName(ctx context.Context, tenantID string, key NodeKey) (*models.Node, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE tenant_id = $1 AND canonical_name = $2 AND type = $3`,
		tenantID, key.CanonicalName, key.Type)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Postgres) FindNodesByCanonicalNames(ctx context.Context, tenantID string, keys []NodeKey) (map[string]*models.Node, error) {
	out := make(map[string]*models.Node, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pairs := make([]map[string]string, len(keys))
	for i, key := range keys {
		pairs[i] = map[string]string{"canonical_name": key.CanonicalName, "type": key.Type}
	}
	blob, err := marshalJSON(pairs)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE tenant_id = $1 AND (canonical_name, type) IN (
			SELECT k->>'canonical_name', k->>'type' FROM jsonb_array_elements($2::jsonb) AS k)`,
		tenantID, blob)
	if err != nil {
		return nil, fmt.Errorf("querying nodes by canonical name: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		n := &nodes[i]
		out[NodeKey{CanonicalName: n.CanonicalName, Type: n.Type}.MapKey()] = n
	}
	return out, nil
}

func (p *Postgres) InsertNode(ctx context.Context, tenantID string, node *models.Node) (int64, error) {
	ids, err := p.InsertNodes(ctx, tenantID, []*models.Node{node})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (p *Postgres) InsertNodes(ctx context.Context, tenantID string, nodes []*models.Node) ([]int64, error) {
	ids := make([]int64, 0, len(nodes))
	if len(nodes) == 0 {
		return ids, nil
	}
	args := make([]any, 0, 1+len(nodes)*9)
	args = append(args, tenantID)
	values := make([]string, 0, len(nodes))
	for _, n := range nodes {
		metadata, err := marshalJSON(n.Metadata)
		if err != nil {
			return nil, err
		}
		embRaw, err := marshalJSON(n.EmbeddingRaw)
		if err != nil {
			return nil, err
		}
		embIdx, err := marshalJSON(n.EmbeddingIndex)
		if err != nil {
			return nil, err
		}
		base := len(args)
		values = append(values, fmt.Sprintf("($1, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, n.Type, n.CanonicalName, metadata, n.OriginalConfidence,
			n.AdjustedConfidence, string(n.ReviewStatus), n.ReviewReasons, embRaw, embIdx)
	}
	// RETURNING follows VALUES order, so ids line up with the input slice.
	// The no-op DO UPDATE makes RETURNING yield the existing id when a
	// concurrent job already created the node.
	rows, err := p.db.QueryContext(ctx, `
		INSERT INTO nodes (tenant_id, type, canonical_name, metadata, original_confidence,
			adjusted_confidence, review_status, review_reasons, embedding_raw, embedding_index)
		VALUES `+strings.Join(values, ", ")+`
		ON CONFLICT (tenant_id, canonical_name, type)
		DO UPDATE SET canonical_name = EXCLUDED.canonical_name
		RETURNING id`, args...)
	if err != nil {
		return nil, fmt.Errorf("inserting nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading node ids: %w", err)
	}
	if len(ids) != len(nodes) {
		return nil, fmt.Errorf("inserted %d nodes but got %d ids back", len(nodes), len(ids))
	}
	return ids, nil
}

func (p *Postgres) GetNodes(ctx context.Context, tenantID string, ids []int64) ([]models.Node, error) {
	out := make([]models.Node, 0, len(ids))
	for _, id := range ids {
		row := p.db.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		node, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *node)
	}
	return out, nil
}

// --- Mentions, aliases, links ---

func (p *Postgres) InsertEntityMentions(ctx context.Context, tenantID string, mentions []models.EntityMention) error {
	if len(mentions) == 0 {
		return nil
	}
	args := make([]any, 0, 1+len(mentions)*3)
	args = append(args, tenantID)
	values := make([]string, 0, len(mentions))
	for _, m := range mentions {
		base := len(args)
		values = append(values, fmt.Sprintf("($1, $%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, m.NodeID, m.PaperID, m.MentionCount)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO entity_mentions (tenant_id, node_id, paper_id, mention_count)
		VALUES `+strings.Join(values, ", ")+`
		ON CONFLICT (tenant_id, node_id, paper_id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("inserting entity mentions: %w", err)
	}
	return nil
}

func (p *Postgres) InsertEntityAlias(ctx context.Context, tenantID string, alias models.EntityAlias) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO entity_aliases (tenant_id, node_id, alias_name, source_paper_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		tenantID, alias.NodeID, alias.AliasName, alias.SourcePaperID)
	if err != nil {
		return fmt.Errorf("inserting entity alias: %w", err)
	}
	return nil
}

func (p *Postgres) InsertEntityLink(ctx context.Context, tenantID string, link models.EntityLink) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO entity_links (tenant_id, node_id, canonical_node_id, link_type, confidence, status, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		tenantID, link.NodeID, link.CanonicalNodeID, link.LinkType, link.Confidence,
		string(link.Status), link.Evidence).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting entity link: %w", err)
	}
	return id, nil
}

func (p *Postgres) GetApprovedAliasTargetsForNodes(ctx context.Context, tenantID string, nodeIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	if len(nodeIDs) == 0 {
		return out, nil
	}
	blob, err := marshalJSON(nodeIDs)
	if err != nil {
		return nil, err
	}
	// DISTINCT ON keeps the newest approved link per node.
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (node_id) node_id, canonical_node_id
		FROM entity_links
		WHERE tenant_id = $1 AND link_type = $2 AND status = $3
			AND node_id IN (SELECT value::bigint FROM jsonb_array_elements_text($4::jsonb))
		ORDER BY node_id, id DESC`,
		tenantID, models.LinkTypeAliasOf, string(models.LinkApproved), blob)
	if err != nil {
		return nil, fmt.Errorf("querying alias targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nodeID, target int64
		if err := rows.Scan(&nodeID, &target); err != nil {
			return nil, fmt.Errorf("scanning alias target: %w", err)
		}
		out[nodeID] = target
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading alias targets: %w", err)
	}
	return out, nil
}

// --- Edges ---

const edgeColumns = `id, tenant_id, source_node_id, target_node_id, relationship_type,
	confidence, evidence, provenance, review_status, created_at`

func (p *Postgres) InsertEdges(ctx context.Context, tenantID string, edges []*models.Edge) ([]int64, error) {
	ids := make([]int64, len(edges))
	for i, e := range edges {
		provenance, err := marshalJSON(e.Provenance)
		if err != nil {
			return nil, err
		}
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO edges (tenant_id, source_node_id, target_node_id, relationship_type,
				confidence, evidence, provenance, source_paper_id, review_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			tenantID, e.SourceNodeID, e.TargetNodeID, e.RelationshipType,
			e.Confidence, e.Evidence, provenance, e.Provenance.SourcePaperID,
			string(e.ReviewStatus)).Scan(&ids[i])
		if err != nil {
			return nil, fmt.Errorf("inserting edge: %w", err)
		}
	}
	return ids, nil
}

func (p *Postgres) UpdateEdgesEvidence(ctx context.Context, tenantID string, evidence map[int64]string) error {
	for id, text := range evidence {
		_, err := p.db.ExecContext(ctx,
			`UPDATE edges SET evidence = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, id, text)
		if err != nil {
			return fmt.Errorf("updating edge evidence: %w", err)
		}
	}
	return nil
}

// --- Graph reads ---

func (p *Postgres) GetNodesForPaper(ctx context.Context, tenantID, paperID string) ([]models.Node, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT n.id, n.tenant_id, n.type, n.canonical_name, n.metadata, n.original_confidence,
			n.adjusted_confidence, n.review_status, n.review_reasons, n.embedding_raw, n.embedding_index, n.created_at
		FROM nodes n
		JOIN entity_mentions m ON m.tenant_id = n.tenant_id AND m.node_id = n.id
		WHERE n.tenant_id = $1 AND m.paper_id = $2
		ORDER BY n.id`,
		tenantID, paperID)
	if err != nil {
		return nil, fmt.Errorf("querying paper nodes: %w", err)
	}
	return collectNodes(rows)
}

func (p *Postgres) GetEdgesForPaper(ctx context.Context, tenantID, paperID string) ([]models.Edge, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE tenant_id = $1 AND source_paper_id = $2 ORDER BY id`,
		tenantID, paperID)
	if err != nil {
		return nil, fmt.Errorf("querying paper edges: %w", err)
	}
	return collectEdges(rows)
}

func (p *Postgres) GetEdgesBySourceNodes(ctx context.Context, tenantID string, nodeIDs []int64) ([]models.Edge, error) {
	return p.edgesByEndpoint(ctx, tenantID, "source_node_id", nodeIDs)
}

func (p *Postgres) GetEdgesByTargetNodes(ctx context.Context, tenantID string, nodeIDs []int64) ([]models.Edge, error) {
	return p.edgesByEndpoint(ctx, tenantID, "target_node_id", nodeIDs)
}

func (p *Postgres) edgesByEndpoint(ctx context.Context, tenantID, column string, nodeIDs []int64) ([]models.Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	blob, err := marshalJSON(nodeIDs)
	if err != nil {
		return nil, err
	}
	// column is one of two compile-time constants, never user input.
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE tenant_id = $1 AND `+column+` IN (SELECT value::bigint FROM jsonb_array_elements_text($2::jsonb))
		 ORDER BY id`,
		tenantID, blob)
	if err != nil {
		return nil, fmt.Errorf("querying edges by endpoint: %w", err)
	}
	return collectEdges(rows)
}

func (p *Postgres) GetGraphData(ctx context.Context, tenantID string) ([]models.Node, []models.Edge, error) {
	nodeRows, err := p.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying graph nodes: %w", err)
	}
	nodes, err := collectNodes(nodeRows)
	if err != nil {
		return nil, nil, err
	}

	edgeRows, err := p.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying graph edges: %w", err)
	}
	edges, err := collectEdges(edgeRows)
	if err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

// --- Insights ---

func (p *Postgres) InsertInsights(ctx context.Context, tenantID string, insights []*models.InferredInsight) error {
	for _, in := range insights {
		subjects, err := marshalJSON(in.SubjectNodes)
		if err != nil {
			return err
		}
		steps, err := marshalJSON(in.ReasoningSteps)
		if err != nil {
			return err
		}
		meta, err := marshalJSON(in.Meta)
		if err != nil {
			return err
		}
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO inferred_insights (tenant_id, insight_type, subject_nodes, reasoning_steps, confidence, meta)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			tenantID, string(in.Type), subjects, steps, in.Confidence, meta)
		if err != nil {
			return fmt.Errorf("inserting insight: %w", err)
		}
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, tenant_id, paper_id, status, input, result, error, pod_id,
	created_at, started_at, completed_at, last_heartbeat_at`

func (p *Postgres) CreatePipelineJob(ctx context.Context, job *models.PipelineJob) error {
	input, err := marshalJSON(job.Input)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (id, tenant_id, paper_id, status, input)
		VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.TenantID, job.PaperID, string(job.Status), input)
	if err != nil {
		return fmt.Errorf("creating pipeline job: %w", err)
	}
	return nil
}

func (p *Postgres) UpdatePipelineJob(ctx context.Context, tenantID, jobID string, update JobUpdate) error {
	query := `UPDATE pipeline_jobs SET id = id`
	args := []any{tenantID, jobID}
	n := 2

	add := func(column string, value any) {
		n++
		query += fmt.Sprintf(", %s = $%d", column, n)
		args = append(args, value)
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Result != nil {
		blob, err := marshalJSON(update.Result)
		if err != nil {
			return err
		}
		add("result", blob)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.PodID != nil {
		add("pod_id", *update.PodID)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.Heartbeat != nil {
		add("last_heartbeat_at", *update.Heartbeat)
	}

	query += ` WHERE tenant_id = $1 AND id = $2`
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating pipeline job: %w", err)
	}
	return requireRows(res)
}

func (p *Postgres) GetPipelineJob(ctx context.Context, tenantID, jobID string) (*models.PipelineJob, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE tenant_id = $1 AND id = $2`,
		tenantID, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (p *Postgres) ListPipelineJobs(ctx context.Context, tenantID string, page, limit int, status *models.JobStatus) ([]models.PipelineJob, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != nil {
		where += ` AND status = $2`
		args = append(args, string(*status))
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting pipeline jobs: %w", err)
	}

	offset := (page - 1) * limit
	args = append(args, limit, offset)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM pipeline_jobs %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing pipeline jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.PipelineJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, total, rows.Err()
}

func (p *Postgres) CountPipelineJobsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_jobs WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recent jobs: %w", err)
	}
	return count, nil
}

// ClaimNextPendingJob atomically claims the oldest pending job using
// FOR UPDATE SKIP LOCKED so concurrent workers never claim the same row.
func (p *Postgres) ClaimNextPendingJob(ctx context.Context, podID string) (*models.PipelineJob, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE pipeline_jobs
		SET status = 'processing', pod_id = $1, started_at = now(), last_heartbeat_at = now()
		WHERE id = (
			SELECT id FROM pipeline_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		podID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingJobs
	}
	return job, err
}

func (p *Postgres) CountProcessingJobs(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_jobs WHERE status = 'processing'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting processing jobs: %w", err)
	}
	return count, nil
}

func (p *Postgres) HeartbeatJob(ctx context.Context, jobID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE pipeline_jobs SET last_heartbeat_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	return requireRows(res)
}

func (p *Postgres) FindStaleProcessingJobs(ctx context.Context, olderThan time.Time) ([]models.PipelineJob, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs
		 WHERE status = 'processing' AND last_heartbeat_at < $1`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("querying stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func (p *Postgres) FindProcessingJobsByPod(ctx context.Context, podID string) ([]models.PipelineJob, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE status = 'processing' AND pod_id = $1`,
		podID)
	if err != nil {
		return nil, fmt.Errorf("querying pod jobs: %w", err)
	}
	return collectJobs(rows)
}

// --- Settings ---

func (p *Postgres) GetTenantSettings(ctx context.Context, tenantID string) (*models.TenantSettings, error) {
	var (
		s     models.TenantSettings
		types []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT tenant_id, execution_mode, encrypted_api_key, max_reasoning_depth,
			semantic_gating_threshold, allow_speculative_edges, enabled_relationship_types,
			monthly_cost_limit_usd, monthly_token_limit, daily_cost_limit_usd, daily_token_limit
		FROM tenant_settings WHERE tenant_id = $1`,
		tenantID).Scan(
		&s.TenantID, &s.ExecutionMode, &s.EncryptedAPIKey, &s.MaxReasoningDepth,
		&s.SemanticGatingThreshold, &s.AllowSpeculativeEdges, &types,
		&s.MonthlyCostLimitUSD, &s.MonthlyTokenLimit, &s.DailyCostLimitUSD, &s.DailyTokenLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant settings: %w", err)
	}
	if err := unmarshalJSON(types, &s.EnabledRelationshipTypes); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) UpdateTenantSettings(ctx context.Context, settings *models.TenantSettings) error {
	types, err := marshalJSON(settings.EnabledRelationshipTypes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, execution_mode, encrypted_api_key, max_reasoning_depth,
			semantic_gating_threshold, allow_speculative_edges, enabled_relationship_types,
			monthly_cost_limit_usd, monthly_token_limit, daily_cost_limit_usd, daily_token_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id) DO UPDATE SET
			execution_mode = EXCLUDED.execution_mode,
			encrypted_api_key = EXCLUDED.encrypted_api_key,
			max_reasoning_depth = EXCLUDED.max_reasoning_depth,
			semantic_gating_threshold = EXCLUDED.semantic_gating_threshold,
			allow_speculative_edges = EXCLUDED.allow_speculative_edges,
			enabled_relationship_types = EXCLUDED.enabled_relationship_types,
			monthly_cost_limit_usd = EXCLUDED.monthly_cost_limit_usd,
			monthly_token_limit = EXCLUDED.monthly_token_limit,
			daily_cost_limit_usd = EXCLUDED.daily_cost_limit_usd,
			daily_token_limit = EXCLUDED.daily_token_limit,
			updated_at = now()`,
		settings.TenantID, string(settings.ExecutionMode), settings.EncryptedAPIKey,
		settings.MaxReasoningDepth, settings.SemanticGatingThreshold, settings.AllowSpeculativeEdges,
		types, settings.MonthlyCostLimitUSD, settings.MonthlyTokenLimit,
		settings.DailyCostLimitUSD, settings.DailyTokenLimit)
	if err != nil {
		return fmt.Errorf("updating tenant settings: %w", err)
	}
	return nil
}

// --- Usage ledger ---

func (p *Postgres) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	metadata, err := marshalJSON(event.Metadata)
	if err != nil {
		return err
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO usage_events (tenant_id, user_id, pipeline_stage, agent_name, model, provider,
			input_tokens, output_tokens, estimated_cost_usd, execution_mode, job_id, metadata, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		event.TenantID, event.UserID, event.PipelineStage, event.AgentName, event.Model,
		event.Provider, event.InputTokens, event.OutputTokens, event.EstimatedCostUSD,
		string(event.ExecutionMode), event.JobID, metadata, ts)
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

func (p *Postgres) UsageTotalsSince(ctx context.Context, tenantID string, since time.Time) (*UsageTotals, error) {
	totals := &UsageTotals{
		CostByStage: make(map[string]float64),
		CostByModel: make(map[string]float64),
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT pipeline_stage, model, input_tokens, output_tokens, estimated_cost_usd
		FROM usage_events WHERE tenant_id = $1 AND ts >= $2`,
		tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("querying usage events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stage, model string
			in, out      int
			cost         float64
		)
		if err := rows.Scan(&stage, &model, &in, &out, &cost); err != nil {
			return nil, fmt.Errorf("scanning usage event: %w", err)
		}
		totals.TotalCostUSD += cost
		totals.InputTokens += int64(in)
		totals.OutputTokens += int64(out)
		totals.TotalTokens += int64(in + out)
		totals.CallCount++
		totals.CostByStage[stage] += cost
		totals.CostByModel[model] += cost
	}
	return totals, rows.Err()
}

// --- Retention ---

func (p *Postgres) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM pipeline_jobs
		WHERE status IN ('completed', 'failed') AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) DeleteUsageEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM usage_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting usage events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		n        models.Node
		metadata []byte
		embRaw   []byte
		embIdx   []byte
	)
	err := row.Scan(&n.ID, &n.TenantID, &n.Type, &n.CanonicalName, &metadata,
		&n.OriginalConfidence, &n.AdjustedConfidence, &n.ReviewStatus, &n.ReviewReasons,
		&embRaw, &embIdx, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &n.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(embRaw, &n.EmbeddingRaw); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(embIdx, &n.EmbeddingIndex); err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNodes(rows *sql.Rows) ([]models.Node, error) {
	defer rows.Close()
	var out []models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func scanEdge(row rowScanner) (*models.Edge, error) {
	var (
		e          models.Edge
		provenance []byte
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationshipType,
		&e.Confidence, &e.Evidence, &provenance, &e.ReviewStatus, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(provenance, &e.Provenance); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEdges(rows *sql.Rows) ([]models.Edge, error) {
	defer rows.Close()
	var out []models.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*models.PipelineJob, error) {
	var (
		j      models.PipelineJob
		input  []byte
		result []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.PaperID, &j.Status, &input, &result, &j.Error,
		&j.PodID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LastHeartbeatAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(input, &j.Input); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		j.Result = &models.JobResult{}
		if err := unmarshalJSON(result, j.Result); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]models.PipelineJob, error) {
	defer rows.Close()
	var out []models.PipelineJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json column: %w", err)
	}
	return blob, nil
}

func unmarshalJSON(blob []byte, dest any) error {
	if len(blob) == 0 || string(blob) == "null" {
		return nil
	}
	if err := json.Unmarshal(blob, dest); err != nil {
		return fmt.Errorf("unmarshaling json column: %w", err)
	}
	return nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
