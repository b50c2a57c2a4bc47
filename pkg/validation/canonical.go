// Package validation implements the deterministic reconciliation rules that
// turn noisy LLM extraction output into review decisions. The engine is a
// pure function: same inputs always produce the same decisions and reasons.
package validation

import (
	"strings"
	"unicode"
)

// Canonicalize normalizes an entity name into its canonical form: lowercased,
// whitespace folded to single spaces, surrounding punctuation trimmed.
// It is idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(name string) string {
	s := strings.ToLower(name)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return s
}

// canonicalizer caches Canonicalize results for the duration of one
// Validate call. Extraction output repeats the same surface forms across
// entities and edge endpoints, so the cache is cheap and hit often.
type canonicalizer struct {
	cache map[string]string
}

func newCanonicalizer() *canonicalizer {
	return &canonicalizer{cache: make(map[string]string)}
}

func (c *canonicalizer) canon(name string) string {
	if v, ok := c.cache[name]; ok {
		return v
	}
	v := Canonicalize(name)
	c.cache[name] = v
	return v
}

// EdgeKey builds the stable identity string for an edge between two
// canonical names: "source::rtype::target". It aligns validation decisions,
// edge rows, and evidence updates.
func EdgeKey(sourceCanonical, rtype, targetCanonical string) string {
	return sourceCanonical + "::" + rtype + "::" + targetCanonical
}
