// Package llm runs structured, schema-constrained LLM calls behind a global
// concurrency semaphore, with caching, retries, adaptive prompt downgrades,
// and usage metering.
package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoAPIKey is returned when neither a tenant key nor the platform key is
// available for a call.
var ErrNoAPIKey = errors.New("no API key available for LLM call")

// TimeoutError is returned when a call exceeds its stage timeout. The
// underlying request keeps running until the provider returns so the
// semaphore slot is released cleanly.
type TimeoutError struct {
	Agent   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %s", e.Agent, e.Timeout)
}

// SchemaValidationError is returned when the model output could not be
// parsed or failed domain validation after all retries and mode downgrades.
type SchemaValidationError struct {
	Agent  string
	Mode   PromptMode
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("agent %s produced invalid output (mode %s): %s", e.Agent, e.Mode, e.Reason)
}

// ProviderError wraps a non-OK HTTP response from the model API.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider request failed with status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the provider error is worth retrying.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
