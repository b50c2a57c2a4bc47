package models

// ExecutionMode selects whose API key pays for LLM calls.
type ExecutionMode string

// Execution mode constants.
const (
	ModeHosted ExecutionMode = "hosted"
	ModeBYOKey ExecutionMode = "byo_key"
)

// Reasoning depth bounds for tenant settings and job options.
const (
	MinReasoningDepth = 1
	MaxReasoningDepth = 20
)

// TenantSettings holds per-tenant pipeline configuration. Read once per job
// and cached for its duration.
type TenantSettings struct {
	TenantID                 string        `json:"tenant_id"`
	ExecutionMode            ExecutionMode `json:"execution_mode"`
	EncryptedAPIKey          string        `json:"-"`
	MaxReasoningDepth        int           `json:"max_reasoning_depth"`
	SemanticGatingThreshold  float64       `json:"semantic_gating_threshold"`
	AllowSpeculativeEdges    bool          `json:"allow_speculative_edges"`
	EnabledRelationshipTypes []string      `json:"enabled_relationship_types,omitempty"` // empty = all
	MonthlyCostLimitUSD      float64       `json:"monthly_cost_limit"`
	MonthlyTokenLimit        int64         `json:"monthly_token_limit"`
	DailyCostLimitUSD        float64       `json:"daily_cost_limit"`
	DailyTokenLimit          int64         `json:"daily_token_limit"`
}

// RelationshipTypeEnabled reports whether the tenant allows rtype.
// An empty enabled list means all types are allowed.
func (s *TenantSettings) RelationshipTypeEnabled(rtype string) bool {
	if len(s.EnabledRelationshipTypes) == 0 {
		return true
	}
	for _, t := range s.EnabledRelationshipTypes {
		if t == rtype {
			return true
		}
	}
	return false
}

// DefaultTenantSettings returns the settings applied to tenants that have
// never saved any.
func DefaultTenantSettings(tenantID string) *TenantSettings {
	return &TenantSettings{
		TenantID:                tenantID,
		ExecutionMode:           ModeHosted,
		MaxReasoningDepth:       2,
		SemanticGatingThreshold: 0.85,
	}
}
