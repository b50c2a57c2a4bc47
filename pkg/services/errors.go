// Package services implements the orchestrator surface: job admission
// with rate and usage limits, tenant settings, and the executor that
// bridges queue workers to the pipeline driver.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or resource does not exist for
	// the tenant.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when submission input fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTenantRequired is returned when no tenant id accompanies a request.
	ErrTenantRequired = errors.New("tenant id is required")

	// ErrDemoBlocked is returned when a demo account attempts to run the
	// pipeline.
	ErrDemoBlocked = errors.New("pipeline processing is disabled for demo accounts")

	// ErrRateLimited is returned when the per-tenant rolling submission
	// window is full.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUsageLimitExceeded is returned when a cost or token ceiling is
	// breached.
	ErrUsageLimitExceeded = errors.New("usage limit exceeded")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
