package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// LimitState classifies a tenant's position against its usage ceilings.
type LimitState string

// Limit states. A tenant is warned at 80% of any ceiling and blocked at 100%.
const (
	StateOK       LimitState = "ok"
	StateWarning  LimitState = "warning"
	StateExceeded LimitState = "exceeded"
)

const warningRatio = 0.8

// Check is the outcome of evaluating a tenant against its configured limits.
type Check struct {
	State   LimitState
	Reasons []string

	DailyCostUSD   float64
	DailyTokens    int64
	MonthlyCostUSD float64
	MonthlyTokens  int64
}

// Blocked reports whether new jobs must be refused.
func (c *Check) Blocked() bool { return c.State == StateExceeded }

// Limiter evaluates tenant usage against the ceilings in tenant settings.
// Limits set to zero are unenforced.
type Limiter struct {
	store store.GraphStore
	now   func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(s store.GraphStore) *Limiter {
	return &Limiter{store: s, now: time.Now}
}

// Evaluate aggregates the tenant's spend for the current UTC day and month
// and grades it against the settings' ceilings.
func (l *Limiter) Evaluate(ctx context.Context, settings *models.TenantSettings) (*Check, error) {
	now := l.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := l.store.UsageTotalsSince(ctx, settings.TenantID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("aggregating daily usage: %w", err)
	}
	monthly, err := l.store.UsageTotalsSince(ctx, settings.TenantID, monthStart)
	if err != nil {
		return nil, fmt.Errorf("aggregating monthly usage: %w", err)
	}

	check := &Check{
		State:          StateOK,
		DailyCostUSD:   daily.TotalCostUSD,
		DailyTokens:    daily.TotalTokens,
		MonthlyCostUSD: monthly.TotalCostUSD,
		MonthlyTokens:  monthly.TotalTokens,
	}

	check.grade("daily_cost", daily.TotalCostUSD, settings.DailyCostLimitUSD)
	check.grade("daily_tokens", float64(daily.TotalTokens), float64(settings.DailyTokenLimit))
	check.grade("monthly_cost", monthly.TotalCostUSD, settings.MonthlyCostLimitUSD)
	check.grade("monthly_tokens", float64(monthly.TotalTokens), float64(settings.MonthlyTokenLimit))

	return check, nil
}

func (c *Check) grade(name string, used, limit float64) {
	if limit <= 0 {
		return
	}
	switch {
	case used >= limit:
		c.State = StateExceeded
		c.Reasons = append(c.Reasons, fmt.Sprintf("%s limit exceeded (%.2f of %.2f)", name, used, limit))
	case used >= limit*warningRatio:
		if c.State == StateOK {
			c.State = StateWarning
		}
		c.Reasons = append(c.Reasons, fmt.Sprintf("%s approaching limit (%.2f of %.2f)", name, used, limit))
	}
}
