package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/papergraph/papergraph/pkg/crypto"
	"github.com/papergraph/papergraph/pkg/models"
	"github.com/papergraph/papergraph/pkg/store"
)

// SettingsService reads and updates per-tenant pipeline settings. API keys
// are encrypted before they touch the store and never returned in plaintext.
type SettingsService struct {
	store store.GraphStore
	keys  *crypto.KeyBox // nil disables byo_key storage
}

// NewSettingsService creates a SettingsService. keys may be nil when no
// encryption secret is configured; byo_key mode is then rejected.
func NewSettingsService(s store.GraphStore, keys *crypto.KeyBox) *SettingsService {
	if s == nil {
		panic("store is required")
	}
	return &SettingsService{store: s, keys: keys}
}

// Get returns the tenant's settings, falling back to defaults for tenants
// that never saved any.
func (s *SettingsService) Get(ctx context.Context, tenantID string) (*models.TenantSettings, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	settings, err := s.store.GetTenantSettings(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return models.DefaultTenantSettings(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading tenant settings: %w", err)
	}
	return settings, nil
}

// UpdateSettingsInput is a partial settings update. Nil fields keep their
// current value. APIKey is plaintext on input; an empty non-nil value
// clears the stored key.
type UpdateSettingsInput struct {
	ExecutionMode            *string
	APIKey                   *string
	MaxReasoningDepth        *int
	SemanticGatingThreshold  *float64
	AllowSpeculativeEdges    *bool
	EnabledRelationshipTypes []string
	MonthlyCostLimitUSD      *float64
	MonthlyTokenLimit        *int64
	DailyCostLimitUSD        *float64
	DailyTokenLimit          *int64
}

// Update validates and applies a partial settings update, returning the
// resulting settings.
func (s *SettingsService) Update(ctx context.Context, tenantID string, input UpdateSettingsInput) (*models.TenantSettings, error) {
	settings, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if input.ExecutionMode != nil {
		mode := models.ExecutionMode(*input.ExecutionMode)
		if mode != models.ModeHosted && mode != models.ModeBYOKey {
			return nil, NewValidationError("execution_mode", fmt.Sprintf("must be %q or %q", models.ModeHosted, models.ModeBYOKey))
		}
		settings.ExecutionMode = mode
	}
	if input.MaxReasoningDepth != nil {
		depth := *input.MaxReasoningDepth
		if depth < models.MinReasoningDepth || depth > models.MaxReasoningDepth {
			return nil, NewValidationError("max_reasoning_depth",
				fmt.Sprintf("must be between %d and %d", models.MinReasoningDepth, models.MaxReasoningDepth))
		}
		settings.MaxReasoningDepth = depth
	}
	if input.SemanticGatingThreshold != nil {
		threshold := *input.SemanticGatingThreshold
		if threshold < 0 || threshold > 1 {
			return nil, NewValidationError("semantic_gating_threshold", "must be between 0 and 1")
		}
		settings.SemanticGatingThreshold = threshold
	}
	if input.AllowSpeculativeEdges != nil {
		settings.AllowSpeculativeEdges = *input.AllowSpeculativeEdges
	}
	if input.EnabledRelationshipTypes != nil {
		settings.EnabledRelationshipTypes = input.EnabledRelationshipTypes
	}
	if err := applyLimit(&settings.MonthlyCostLimitUSD, input.MonthlyCostLimitUSD, "monthly_cost_limit"); err != nil {
		return nil, err
	}
	if err := applyLimit(&settings.DailyCostLimitUSD, input.DailyCostLimitUSD, "daily_cost_limit"); err != nil {
		return nil, err
	}
	if err := applyTokenLimit(&settings.MonthlyTokenLimit, input.MonthlyTokenLimit, "monthly_token_limit"); err != nil {
		return nil, err
	}
	if err := applyTokenLimit(&settings.DailyTokenLimit, input.DailyTokenLimit, "daily_token_limit"); err != nil {
		return nil, err
	}

	if input.APIKey != nil {
		if *input.APIKey == "" {
			settings.EncryptedAPIKey = ""
		} else {
			if s.keys == nil {
				return nil, NewValidationError("api_key", "api key storage is not configured")
			}
			encrypted, err := s.keys.Encrypt(*input.APIKey)
			if err != nil {
				return nil, fmt.Errorf("encrypting api key: %w", err)
			}
			settings.EncryptedAPIKey = encrypted
		}
	}

	if settings.ExecutionMode == models.ModeBYOKey && settings.EncryptedAPIKey == "" {
		return nil, NewValidationError("execution_mode", "byo_key mode requires a stored api key")
	}

	if err := s.store.UpdateTenantSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("saving tenant settings: %w", err)
	}
	return settings, nil
}

// ResolveAPIKey returns the key that pays for the tenant's LLM calls:
// the decrypted tenant key in byo_key mode, otherwise the platform key.
func (s *SettingsService) ResolveAPIKey(settings *models.TenantSettings, platformKey string) (string, error) {
	if settings.ExecutionMode == models.ModeBYOKey {
		if settings.EncryptedAPIKey == "" {
			return "", fmt.Errorf("tenant %s is in byo_key mode but has no stored api key", settings.TenantID)
		}
		if s.keys == nil {
			return "", fmt.Errorf("api key storage is not configured")
		}
		key, err := s.keys.Decrypt(settings.EncryptedAPIKey)
		if err != nil {
			return "", fmt.Errorf("decrypting tenant api key: %w", err)
		}
		return key, nil
	}
	if platformKey == "" {
		return "", fmt.Errorf("no platform api key configured for hosted execution")
	}
	return platformKey, nil
}

func applyLimit(dst *float64, src *float64, field string) error {
	if src == nil {
		return nil
	}
	if *src < 0 {
		return NewValidationError(field, "must be >= 0")
	}
	*dst = *src
	return nil
}

func applyTokenLimit(dst *int64, src *int64, field string) error {
	if src == nil {
		return nil
	}
	if *src < 0 {
		return NewValidationError(field, "must be >= 0")
	}
	*dst = *src
	return nil
}
