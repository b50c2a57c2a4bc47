package models

import "time"

// UsageEvent is one metered LLM call, appended to the usage ledger.
type UsageEvent struct {
	ID               int64          `json:"id"`
	TenantID         string         `json:"tenant_id"`
	UserID           string         `json:"user_id,omitempty"`
	PipelineStage    string         `json:"pipeline_stage"`
	AgentName        string         `json:"agent_name,omitempty"`
	Model            string         `json:"model"`
	Provider         string         `json:"provider"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	ExecutionMode    ExecutionMode  `json:"execution_mode"`
	JobID            string         `json:"job_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}
