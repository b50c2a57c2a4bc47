// Package cache provides the two server-owned memoization layers: the call
// cache for raw LLM results and the derived cache for intermediate pipeline
// artifacts. Every key is content-addressed and tenant-scoped; prompt and
// schema versions are part of the key so stale prompts can never resurface.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON marshals v into deterministic JSON: object keys sorted,
// no insignificant whitespace. Achieved by a marshal/unmarshal round trip,
// since encoding/json emits map keys in sorted order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return out, nil
}

// HashContent returns the hex SHA-256 of the canonical JSON of v.
func HashContent(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
