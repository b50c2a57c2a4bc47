package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/papergraph/papergraph/pkg/models"
)

// Decision thresholds and penalties. Thresholds are strict at the lower
// bound: a confidence of exactly 0.3 is flagged, exactly 0.6 is approved.
const (
	ConfidenceReject = 0.3
	ConfidenceReview = 0.6
	OrphanPenalty    = 0.10

	// duplicateDistance is the exclusive Levenshtein bound for duplicate
	// grouping: distance < 3 groups, exactly 3 does not.
	duplicateDistance = 3
)

// EntityInput is one extracted entity candidate.
type EntityInput struct {
	Type       string
	Name       string
	Confidence float64
	Definition string
	Mentions   int // 0 is treated as 1
}

// EdgeInput is one extracted relationship candidate.
type EdgeInput struct {
	Source           string
	Target           string
	RelationshipType string
	Confidence       float64
	SectionType      models.SectionType
	PartIndex        int
}

// ValidatedEntity is an entity candidate after collapsing, penalty
// adjustment, duplicate resolution, and the confidence decision.
type ValidatedEntity struct {
	Type               string
	OriginalName       string
	CanonicalName      string
	Definition         string
	OriginalConfidence float64
	AdjustedConfidence float64
	MentionCount       int
	Decision           models.ReviewStatus
	Reasons            []string
}

// ReviewReasons returns the semicolon-joined reason codes, or "ok".
func (e *ValidatedEntity) ReviewReasons() string { return joinReasons(e.Reasons) }

// ValidatedEdge is an edge candidate after endpoint and confidence checks.
type ValidatedEdge struct {
	SourceCanonical  string
	TargetCanonical  string
	RelationshipType string
	Confidence       float64
	SectionType      models.SectionType
	PartIndex        int
	Decision         models.ReviewStatus
	Reasons          []string
}

// Key returns the stable edge key "source::rtype::target".
func (e *ValidatedEdge) Key() string {
	return EdgeKey(e.SourceCanonical, e.RelationshipType, e.TargetCanonical)
}

// ReviewReasons returns the semicolon-joined reason codes, or "ok".
func (e *ValidatedEdge) ReviewReasons() string { return joinReasons(e.Reasons) }

// Result is the full output of one Validate call.
type Result struct {
	Entities []ValidatedEntity
	Edges    []ValidatedEdge
}

// Engine applies the deterministic validation rules. The zero value is
// usable; Debug enables the distribution dump after each run.
type Engine struct {
	Debug bool
}

// Validate runs the entity pipeline then the edge pipeline. It is pure:
// no I/O, no randomness, and the output order is the stable canonical sort
// of the inputs.
func (v *Engine) Validate(entities []EntityInput, edges []EdgeInput) *Result {
	c := newCanonicalizer()

	validated := v.validateEntities(c, entities)

	known := make(map[string]struct{}, len(validated))
	for i := range validated {
		known[validated[i].CanonicalName] = struct{}{}
	}
	validatedEdges := v.validateEdges(c, known, edges)

	res := &Result{Entities: validated, Edges: validatedEdges}
	if v.Debug {
		v.dumpDistribution(res)
	}
	return res
}

// validateEntities: collapse → orphan penalty → duplicate groups → decision.
func (v *Engine) validateEntities(c *canonicalizer, inputs []EntityInput) []ValidatedEntity {
	// 1. Collapse identical canonical names, summing mention multiplicity.
	// Keep the highest original confidence and the first non-empty definition.
	byCanon := make(map[string]*ValidatedEntity)
	var order []string
	for _, in := range inputs {
		canon := c.canon(in.Name)
		if canon == "" {
			continue
		}
		mentions := in.Mentions
		if mentions <= 0 {
			mentions = 1
		}
		if existing, ok := byCanon[canon]; ok {
			existing.MentionCount += mentions
			if in.Confidence > existing.OriginalConfidence {
				existing.OriginalConfidence = in.Confidence
			}
			if existing.Definition == "" {
				existing.Definition = in.Definition
			}
			continue
		}
		byCanon[canon] = &ValidatedEntity{
			Type:               in.Type,
			OriginalName:       in.Name,
			CanonicalName:      canon,
			Definition:         in.Definition,
			OriginalConfidence: in.Confidence,
			MentionCount:       mentions,
		}
		order = append(order, canon)
	}
	sort.Strings(order)

	entities := make([]ValidatedEntity, 0, len(order))
	for _, canon := range order {
		entities = append(entities, *byCanon[canon])
	}

	// 2. Orphan penalty for single-mention entities, clamped at zero.
	for i := range entities {
		e := &entities[i]
		e.AdjustedConfidence = e.OriginalConfidence
		if e.MentionCount <= 1 {
			e.AdjustedConfidence = e.OriginalConfidence - OrphanPenalty
			if e.AdjustedConfidence < 0 {
				e.AdjustedConfidence = 0
			}
			e.Reasons = append(e.Reasons, "orphan_entity:single_mention")
		}
	}

	// 3+4. Duplicate groups and confidence decisions.
	v.resolveDuplicates(entities)
	return entities
}

// resolveDuplicates buckets entities per type by the first three lowercase
// characters of the canonical name, unions names within a bucket whose
// Levenshtein distance is below the bound, picks a deterministic winner,
// and applies the confidence decision to every entity.
func (v *Engine) resolveDuplicates(entities []ValidatedEntity) {
	type bucketKey struct{ typ, prefix string }
	buckets := make(map[bucketKey][]int)
	for i := range entities {
		name := entities[i].CanonicalName
		prefix := name
		if len(prefix) > 3 {
			prefix = prefix[:3]
		}
		k := bucketKey{entities[i].Type, prefix}
		buckets[k] = append(buckets[k], i)
	}

	// Union-find over bucket members. Buckets are small (shared 3-char
	// prefix within one type), so the pairwise scan is fine.
	parent := make([]int, len(entities))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra > rb {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	for _, members := range buckets {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				d := levenshtein.Distance(entities[a].CanonicalName, entities[b].CanonicalName, nil)
				if d < duplicateDistance {
					union(a, b)
				}
			}
		}
	}

	groups := make(map[int][]int)
	for i := range entities {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	// Deterministic iteration: roots sorted ascending; indices within a
	// group are already in canonical sort order because entities are.
	roots := make([]int, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Ints(roots)

	for _, root := range roots {
		members := groups[root]
		if len(members) == 1 {
			e := &entities[members[0]]
			e.Decision = confidenceDecision(e.AdjustedConfidence, &e.Reasons)
			continue
		}

		// Winner: highest adjusted confidence, ties broken by lexicographic
		// order of canonical name. Members are sorted by name, so the first
		// member at the max confidence wins ties.
		winner := members[0]
		for _, m := range members[1:] {
			if entities[m].AdjustedConfidence > entities[winner].AdjustedConfidence {
				winner = m
			}
		}

		w := &entities[winner]
		w.Decision = confidenceDecision(w.AdjustedConfidence, &w.Reasons)
		winnerApproved := w.Decision == models.ReviewApproved
		// A single-mention winner of a duplicate group stays reviewable:
		// the orphan penalty plus near-duplicate evidence caps it at flagged.
		if winnerApproved && w.MentionCount <= 1 {
			w.Decision = models.ReviewFlagged
		}

		for _, m := range members {
			if m == winner {
				continue
			}
			l := &entities[m]
			l.Decision = confidenceDecision(l.AdjustedConfidence, &l.Reasons)
			l.Reasons = append(l.Reasons, "duplicate_of:"+w.CanonicalName)
			if winnerApproved {
				l.Decision = models.ReviewFlagged
				l.Reasons = append(l.Reasons, "duplicate_loser:flagged")
			} else {
				l.Decision = models.ReviewRejected
				l.Reasons = append(l.Reasons, "duplicate_loser:rejected")
			}
		}
	}
}

// validateEdges applies the ordered edge rules: self-reference, unknown
// endpoints, then the confidence thresholds.
func (v *Engine) validateEdges(c *canonicalizer, known map[string]struct{}, inputs []EdgeInput) []ValidatedEdge {
	edges := make([]ValidatedEdge, 0, len(inputs))
	for _, in := range inputs {
		e := ValidatedEdge{
			SourceCanonical:  c.canon(in.Source),
			TargetCanonical:  c.canon(in.Target),
			RelationshipType: in.RelationshipType,
			Confidence:       in.Confidence,
			SectionType:      in.SectionType,
			PartIndex:        in.PartIndex,
		}

		if e.SourceCanonical == e.TargetCanonical {
			e.Decision = models.ReviewRejected
			e.Reasons = append(e.Reasons, "self_reference")
			edges = append(edges, e)
			continue
		}

		if _, ok := known[e.SourceCanonical]; !ok {
			e.Reasons = append(e.Reasons, "unknown_endpoint:source:"+e.SourceCanonical)
		}
		if _, ok := known[e.TargetCanonical]; !ok {
			e.Reasons = append(e.Reasons, "unknown_endpoint:target:"+e.TargetCanonical)
		}
		if len(e.Reasons) > 0 {
			e.Decision = models.ReviewRejected
			edges = append(edges, e)
			continue
		}

		e.Decision = confidenceDecision(e.Confidence, &e.Reasons)
		edges = append(edges, e)
	}

	// Stable canonical order so downstream hashing and edge-id alignment
	// are reproducible.
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Key() < edges[j].Key()
	})
	return edges
}

// confidenceDecision applies the shared thresholds and appends the
// corresponding reason code.
func confidenceDecision(conf float64, reasons *[]string) models.ReviewStatus {
	switch {
	case conf < ConfidenceReject:
		*reasons = append(*reasons, fmt.Sprintf("confidence_too_low:%.2f", conf))
		return models.ReviewRejected
	case conf < ConfidenceReview:
		*reasons = append(*reasons, fmt.Sprintf("low_confidence:%.2f", conf))
		return models.ReviewFlagged
	default:
		return models.ReviewApproved
	}
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "ok"
	}
	return strings.Join(reasons, ";")
}
