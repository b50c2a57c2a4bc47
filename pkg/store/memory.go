package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/papergraph/papergraph/pkg/models"
)

// Memory is a mutex-guarded in-memory GraphStore. It enforces the same
// uniqueness semantics as the PostgreSQL store (node identity, mention and
// alias dedupe, upsert convergence) so pipeline tests exercise the real
// contract.
type Memory struct {
	mu sync.Mutex

	tenants map[string]*tenantData
	jobs    map[string]*models.PipelineJob // job id → job (tenant checked on access)
	jobSeq  int64

	nodeSeq    int64
	edgeSeq    int64
	linkSeq    int64
	insightSeq int64
	usageSeq   int64

	now func() time.Time
}

type tenantData struct {
	papers   map[string]*models.Paper
	sections map[string][]models.Section // paper id → sections
	nodes    map[int64]*models.Node
	nodeByKey map[string]int64 // canonical|type → node id
	edges    map[int64]*models.Edge
	mentions map[string]*models.EntityMention // nodeID|paperID
	aliases  map[string]*models.EntityAlias   // nodeID|alias|paperID
	links    map[int64]*models.EntityLink
	insights map[int64]*models.InferredInsight
	settings *models.TenantSettings
	usage    []*models.UsageEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]*tenantData),
		jobs:    make(map[string]*models.PipelineJob),
		now:     time.Now,
	}
}

func (m *Memory) tenant(tenantID string) *tenantData {
	t, ok := m.tenants[tenantID]
	if !ok {
		t = &tenantData{
			papers:    make(map[string]*models.Paper),
			sections:  make(map[string][]models.Section),
			nodes:     make(map[int64]*models.Node),
			nodeByKey: make(map[string]int64),
			edges:     make(map[int64]*models.Edge),
			mentions:  make(map[string]*models.EntityMention),
			aliases:   make(map[string]*models.EntityAlias),
			links:     make(map[int64]*models.EntityLink),
			insights:  make(map[int64]*models.InferredInsight),
		}
		m.tenants[tenantID] = t
	}
	return t
}

// --- Papers ---

func (m *Memory) PaperExists(_ context.Context, tenantID, paperID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tenant(tenantID).papers[paperID]
	return ok, nil
}

func (m *Memory) UpsertPaper(_ context.Context, tenantID string, paper *models.Paper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	cp := *paper
	cp.TenantID = tenantID
	if existing, ok := t.papers[paper.PaperID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = m.now()
	}
	cp.UpdatedAt = m.now()
	t.papers[paper.PaperID] = &cp
	return nil
}

func (m *Memory) InsertPaperSections(_ context.Context, tenantID, paperID string, sections []models.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	copied := make([]models.Section, len(sections))
	copy(copied, sections)
	t.sections[paperID] = copied
	return nil
}

func (m *Memory) UpsertPaperEmbedding(_ context.Context, tenantID, paperID string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tenant(tenantID).papers[paperID]
	if !ok {
		return ErrNotFound
	}
	p.Embedding = append([]float32(nil), embedding...)
	return nil
}

func (m *Memory) GetPapers(_ context.Context, tenantID string, paperIDs []string) ([]models.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	out := make([]models.Paper, 0, len(paperIDs))
	for _, id := range paperIDs {
		if p, ok := t.papers[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) CountPapers(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tenant(tenantID).papers), nil
}

// --- Nodes ---

func (m *Memory) FindNodeByCanonicalName(_ context.Context, tenantID string, key NodeKey) (*models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	id, ok := t.nodeByKey[key.MapKey()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.nodes[id]
	return &cp, nil
}

func (m *Memory) FindNodesByCanonicalNames(_ context.Context, tenantID string, keys []NodeKey) (map[string]*models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	out := make(map[string]*models.Node)
	for _, k := range keys {
		if id, ok := t.nodeByKey[k.MapKey()]; ok {
			cp := *t.nodes[id]
			out[k.MapKey()] = &cp
		}
	}
	return out, nil
}

func (m *Memory) InsertNode(ctx context.Context, tenantID string, node *models.Node) (int64, error) {
	ids, err := m.InsertNodes(ctx, tenantID, []*models.Node{node})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertNodes converges on conflict: if a node with the same canonical name
// and type already exists for the tenant, its id is returned instead of
// creating a duplicate. This mirrors the upsert-on-conflict behavior racing
// jobs rely on.
func (m *Memory) InsertNodes(_ context.Context, tenantID string, nodes []*models.Node) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		key := NodeKey{CanonicalName: n.CanonicalName, Type: n.Type}.MapKey()
		if existing, ok := t.nodeByKey[key]; ok {
			ids[i] = existing
			continue
		}
		m.nodeSeq++
		cp := *n
		cp.ID = m.nodeSeq
		cp.TenantID = tenantID
		cp.CreatedAt = m.now()
		t.nodes[cp.ID] = &cp
		t.nodeByKey[key] = cp.ID
		ids[i] = cp.ID
	}
	return ids, nil
}

func (m *Memory) GetNodes(_ context.Context, tenantID string, ids []int64) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	out := make([]models.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := t.nodes[id]; ok {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Mentions, aliases, links ---

func (m *Memory) InsertEntityMentions(_ context.Context, tenantID string, mentions []models.EntityMention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	for _, mention := range mentions {
		key := mentionKey(mention.NodeID, mention.PaperID)
		if _, ok := t.mentions[key]; ok {
			continue // idempotent re-run
		}
		cp := mention
		t.mentions[key] = &cp
	}
	return nil
}

func (m *Memory) InsertEntityAlias(_ context.Context, tenantID string, alias models.EntityAlias) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	key := aliasKey(alias)
	if _, ok := t.aliases[key]; ok {
		return nil // duplicate aliases are ignored
	}
	t.aliases[key] = &alias
	return nil
}

func (m *Memory) InsertEntityLink(_ context.Context, tenantID string, link models.EntityLink) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	m.linkSeq++
	link.ID = m.linkSeq
	t.links[link.ID] = &link
	return link.ID, nil
}

func (m *Memory) GetApprovedAliasTargetsForNodes(_ context.Context, tenantID string, nodeIDs []int64) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	want := make(map[int64]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = struct{}{}
	}
	out := make(map[int64]int64)
	for _, l := range t.links {
		if l.Status != models.LinkApproved || l.LinkType != models.LinkTypeAliasOf {
			continue
		}
		if _, ok := want[l.NodeID]; ok {
			out[l.NodeID] = l.CanonicalNodeID
		}
	}
	return out, nil
}

// --- Edges ---

func (m *Memory) InsertEdges(_ context.Context, tenantID string, edges []*models.Edge) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	ids := make([]int64, len(edges))
	for i, e := range edges {
		m.edgeSeq++
		cp := *e
		cp.ID = m.edgeSeq
		cp.TenantID = tenantID
		cp.CreatedAt = m.now()
		t.edges[cp.ID] = &cp
		ids[i] = cp.ID
	}
	return ids, nil
}

func (m *Memory) UpdateEdgesEvidence(_ context.Context, tenantID string, evidence map[int64]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	for id, text := range evidence {
		if e, ok := t.edges[id]; ok {
			e.Evidence = text
		}
	}
	return nil
}

// --- Graph reads ---

func (m *Memory) GetNodesForPaper(_ context.Context, tenantID, paperID string) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	var out []models.Node
	for _, mention := range t.mentions {
		if mention.PaperID != paperID {
			continue
		}
		if n, ok := t.nodes[mention.NodeID]; ok {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetEdgesForPaper(_ context.Context, tenantID, paperID string) ([]models.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	var out []models.Edge
	for _, e := range t.edges {
		if e.Provenance.SourcePaperID == paperID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetEdgesBySourceNodes(_ context.Context, tenantID string, nodeIDs []int64) ([]models.Edge, error) {
	return m.edgesByEndpoint(tenantID, nodeIDs, true)
}

func (m *Memory) GetEdgesByTargetNodes(_ context.Context, tenantID string, nodeIDs []int64) ([]models.Edge, error) {
	return m.edgesByEndpoint(tenantID, nodeIDs, false)
}

func (m *Memory) edgesByEndpoint(tenantID string, nodeIDs []int64, source bool) ([]models.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	want := make(map[int64]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = struct{}{}
	}
	var out []models.Edge
	for _, e := range t.edges {
		endpoint := e.TargetNodeID
		if source {
			endpoint = e.SourceNodeID
		}
		if _, ok := want[endpoint]; ok {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetGraphData(_ context.Context, tenantID string) ([]models.Node, []models.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	nodes := make([]models.Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, *n)
	}
	edges := make([]models.Edge, 0, len(t.edges))
	for _, e := range t.edges {
		edges = append(edges, *e)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return nodes, edges, nil
}

// --- Insights ---

func (m *Memory) InsertInsights(_ context.Context, tenantID string, insights []*models.InferredInsight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	for _, in := range insights {
		m.insightSeq++
		cp := *in
		cp.ID = m.insightSeq
		cp.TenantID = tenantID
		cp.CreatedAt = m.now()
		t.insights[cp.ID] = &cp
	}
	return nil
}

// InsightsForBatch returns insights created under batchID. Test helper.
func (m *Memory) InsightsForBatch(tenantID, batchID string) []models.InferredInsight {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	var out []models.InferredInsight
	for _, in := range t.insights {
		if in.Meta.BatchID == batchID {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Jobs ---

func (m *Memory) CreatePipelineJob(_ context.Context, job *models.PipelineJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.jobSeq++
	m.jobs[cp.ID] = &cp
	return nil
}

func (m *Memory) UpdatePipelineJob(_ context.Context, tenantID, jobID string, update JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return ErrNotFound
	}
	applyJobUpdate(job, update)
	return nil
}

func (m *Memory) GetPipelineJob(_ context.Context, tenantID, jobID string) (*models.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) ListPipelineJobs(_ context.Context, tenantID string, page, limit int, status *models.JobStatus) ([]models.PipelineJob, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.PipelineJob
	for _, job := range m.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}
		all = append(all, *job)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *Memory) CountPipelineJobsSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if job.TenantID == tenantID && !job.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ClaimNextPendingJob(_ context.Context, podID string) (*models.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.PipelineJob
	for _, job := range m.jobs {
		if job.Status != models.JobPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, ErrNoPendingJobs
	}
	now := m.now()
	oldest.Status = models.JobProcessing
	oldest.PodID = podID
	oldest.StartedAt = &now
	oldest.LastHeartbeatAt = &now
	cp := *oldest
	return &cp, nil
}

func (m *Memory) CountProcessingJobs(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if job.Status == models.JobProcessing {
			count++
		}
	}
	return count, nil
}

func (m *Memory) HeartbeatJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	job.LastHeartbeatAt = &now
	return nil
}

func (m *Memory) FindStaleProcessingJobs(_ context.Context, olderThan time.Time) ([]models.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PipelineJob
	for _, job := range m.jobs {
		if job.Status != models.JobProcessing {
			continue
		}
		if job.LastHeartbeatAt != nil && job.LastHeartbeatAt.Before(olderThan) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *Memory) FindProcessingJobsByPod(_ context.Context, podID string) ([]models.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PipelineJob
	for _, job := range m.jobs {
		if job.Status == models.JobProcessing && job.PodID == podID {
			out = append(out, *job)
		}
	}
	return out, nil
}

// --- Settings ---

func (m *Memory) GetTenantSettings(_ context.Context, tenantID string) (*models.TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	if t.settings == nil {
		return nil, ErrNotFound
	}
	cp := *t.settings
	return &cp, nil
}

func (m *Memory) UpdateTenantSettings(_ context.Context, settings *models.TenantSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(settings.TenantID)
	cp := *settings
	t.settings = &cp
	return nil
}

// --- Usage ledger ---

func (m *Memory) InsertUsageEvent(_ context.Context, event *models.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(event.TenantID)
	m.usageSeq++
	cp := *event
	cp.ID = m.usageSeq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = m.now()
	}
	t.usage = append(t.usage, &cp)
	return nil
}

func (m *Memory) UsageTotalsSince(_ context.Context, tenantID string, since time.Time) (*UsageTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	totals := &UsageTotals{
		CostByStage: make(map[string]float64),
		CostByModel: make(map[string]float64),
	}
	for _, ev := range t.usage {
		if ev.Timestamp.Before(since) {
			continue
		}
		totals.TotalCostUSD += ev.EstimatedCostUSD
		totals.InputTokens += int64(ev.InputTokens)
		totals.OutputTokens += int64(ev.OutputTokens)
		totals.TotalTokens += int64(ev.InputTokens + ev.OutputTokens)
		totals.CallCount++
		totals.CostByStage[ev.PipelineStage] += ev.EstimatedCostUSD
		totals.CostByModel[ev.Model] += ev.EstimatedCostUSD
	}
	return totals, nil
}

// --- Retention ---

func (m *Memory) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, job := range m.jobs {
		if job.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) DeleteUsageEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, t := range m.tenants {
		kept := t.usage[:0]
		for _, ev := range t.usage {
			if ev.Timestamp.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, ev)
		}
		t.usage = kept
	}
	return deleted, nil
}

// --- helpers ---

func mentionKey(nodeID int64, paperID string) string {
	return strconv.FormatInt(nodeID, 10) + "|" + paperID
}

func aliasKey(a models.EntityAlias) string {
	return strconv.FormatInt(a.NodeID, 10) + "|" + a.AliasName + "|" + a.SourcePaperID
}

func applyJobUpdate(job *models.PipelineJob, update JobUpdate) {
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Result != nil {
		cp := *update.Result
		job.Result = &cp
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.PodID != nil {
		job.PodID = *update.PodID
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		job.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		job.CompletedAt = &t
	}
	if update.Heartbeat != nil {
		t := *update.Heartbeat
		job.LastHeartbeatAt = &t
	}
}
