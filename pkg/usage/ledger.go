// Package usage meters LLM spend per tenant and enforces cost and token
// ceilings before new work is admitted.
package usage

import (
	"context"
	"log/slog"

	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// Ledger appends usage events to the store. Recording is best effort: a
// failed write is logged but never fails the pipeline call that produced it.
type Ledger struct {
	store  store.GraphStore
	logger *slog.Logger
}

// NewLedger creates a Ledger.
func NewLedger(s store.GraphStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, logger: logger.With("component", "usage_ledger")}
}

// Record appends one usage event.
func (l *Ledger) Record(ctx context.Context, event *models.UsageEvent) {
	if err := l.store.InsertUsageEvent(ctx, event); err != nil {
		l.logger.Error("failed to record usage event",
			"tenant_id", event.TenantID,
			"agent", event.AgentName,
			"error", err)
	}
}
