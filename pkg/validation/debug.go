package validation

import (
	"log/slog"
	"math"
	"sort"

	"github.com/papergraph/papergraph/pkg/models"
)

// dumpDistribution logs confidence distribution statistics and per-decision
// counts for one validation run. Only called when Debug is set.
func (v *Engine) dumpDistribution(res *Result) {
	original := make([]float64, 0, len(res.Entities))
	adjusted := make([]float64, 0, len(res.Entities))
	entityCounts := map[models.ReviewStatus]int{}
	for i := range res.Entities {
		original = append(original, res.Entities[i].OriginalConfidence)
		adjusted = append(adjusted, res.Entities[i].AdjustedConfidence)
		entityCounts[res.Entities[i].Decision]++
	}

	edgeCounts := map[models.ReviewStatus]int{}
	for i := range res.Edges {
		edgeCounts[res.Edges[i].Decision]++
	}

	slog.Debug("Validation confidence distribution",
		"original", distStats(original),
		"adjusted", distStats(adjusted),
		"entities_approved", entityCounts[models.ReviewApproved],
		"entities_flagged", entityCounts[models.ReviewFlagged],
		"entities_rejected", entityCounts[models.ReviewRejected],
		"edges_approved", edgeCounts[models.ReviewApproved],
		"edges_flagged", edgeCounts[models.ReviewFlagged],
		"edges_rejected", edgeCounts[models.ReviewRejected],
	)
}

type stats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
}

func distStats(values []float64) stats {
	if len(values) == 0 {
		return stats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return stats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / float64(len(sorted)),
		P50:  percentile(sorted, 0.50),
		P90:  percentile(sorted, 0.90),
	}
}

// percentile uses the nearest-rank method over a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
