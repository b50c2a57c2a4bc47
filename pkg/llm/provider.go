package llm

import "context"

// Request is one structured generation call.
type Request struct {
	Model           string
	System          string
	User            string
	Schema          map[string]any
	MaxOutputTokens int
	APIKey          string
}

// Response carries the raw model output plus token accounting.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Truncated reports whether the model stopped because it ran out of output
// budget, which usually means the JSON is cut off mid-structure.
func (r *Response) Truncated() bool {
	return r.FinishReason == "MAX_TOKENS" || r.FinishReason == "LENGTH"
}

// Provider is a model backend capable of schema-constrained JSON generation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}
