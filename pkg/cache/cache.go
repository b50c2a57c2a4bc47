package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CallKey identifies one LLM call. Canonical input JSON is hashed into the
// key; the tenant id keeps namespaces strictly separate.
type CallKey struct {
	Agent         string
	Model         string
	Provider      string
	PromptVersion string
	SchemaVersion string
	TenantID      string
	Input         any
}

// CallEntry is a cached LLM result plus call metadata.
type CallEntry struct {
	Payload       []byte `json:"payload"`
	PromptVersion string `json:"prompt_version"`
	SchemaVersion string `json:"schema_version"`
	DurationMS    int64  `json:"duration_ms"`
	FinishReason  string `json:"finish_reason"`
}

// CallCache memoizes raw LLM results. Writes are idempotent: the same key
// always maps to the same value, so concurrent writers are safe.
type CallCache struct {
	entries *lru.Cache[string, CallEntry]
}

// NewCallCache creates a call cache bounded to size entries.
func NewCallCache(size int) (*CallCache, error) {
	entries, err := lru.New[string, CallEntry](size)
	if err != nil {
		return nil, fmt.Errorf("call cache: %w", err)
	}
	return &CallCache{entries: entries}, nil
}

// Key derives the content-addressed cache key for k.
func (c *CallCache) Key(k CallKey) (string, error) {
	inputHash, err := HashContent(k.Input)
	if err != nil {
		return "", err
	}
	return HashContent([]any{
		k.Agent, k.Model, k.Provider, k.PromptVersion, k.SchemaVersion, inputHash, k.TenantID,
	})
}

// Get returns the cached entry for key, if present.
func (c *CallCache) Get(key string) (CallEntry, bool) {
	return c.entries.Get(key)
}

// Put stores entry under key.
func (c *CallCache) Put(key string, entry CallEntry) {
	c.entries.Add(key, entry)
}

// Len returns the number of cached entries.
func (c *CallCache) Len() int { return c.entries.Len() }

// Derived artifact types.
const (
	ArtifactSections               = "sections"
	ArtifactEntities               = "entities"
	ArtifactRelationshipCandidates = "relationship_candidates"
	ArtifactGraphSnapshot          = "graph_snapshot"
)

// DerivedKey identifies one derived artifact: the artifact type plus the
// content hash of its producing input and the versions that shaped it.
type DerivedKey struct {
	ArtifactType  string
	TenantID      string
	PromptVersion string
	SchemaVersion string
	Input         any
}

type derivedEntry struct {
	payload  []byte
	storedAt time.Time
}

// DerivedCache memoizes intermediate pipeline artifacts. A hit
// short-circuits the producing step entirely.
type DerivedCache struct {
	entries *lru.Cache[string, derivedEntry]
}

// NewDerivedCache creates a derived-artifact cache bounded to size entries.
func NewDerivedCache(size int) (*DerivedCache, error) {
	entries, err := lru.New[string, derivedEntry](size)
	if err != nil {
		return nil, fmt.Errorf("derived cache: %w", err)
	}
	return &DerivedCache{entries: entries}, nil
}

// Key derives the content-addressed cache key for k.
func (c *DerivedCache) Key(k DerivedKey) (string, error) {
	inputHash, err := HashContent(k.Input)
	if err != nil {
		return "", err
	}
	return HashContent([]any{
		k.ArtifactType, k.TenantID, k.PromptVersion, k.SchemaVersion, inputHash,
	})
}

// Get returns the cached artifact payload for key, if present.
func (c *DerivedCache) Get(key string) ([]byte, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return e.payload, true
}

// Put stores payload under key after the producing step completes.
func (c *DerivedCache) Put(key string, payload []byte) {
	c.entries.Add(key, derivedEntry{payload: payload, storedAt: time.Now()})
}
