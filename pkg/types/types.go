// Package types defines the core data structures shared by the memvault
// service, its backends and its callers: memory records, backend
// descriptors and the error taxonomy.
package types

import "fmt"

// Capability is a query feature a backend advertises.
type Capability string

// Backend capability constants
const (
	// CapSemanticSearch ranks records by embedding similarity
	CapSemanticSearch Capability = "semantic-search"

	// CapFullText ranks records by lexical text match
	CapFullText Capability = "full-text"

	// CapKeyValue supports id lookups and unranked scoped listing
	CapKeyValue Capability = "key-value"

	// CapExpiry means the backend may expire records on its own
	CapExpiry Capability = "expiry"
)

// SearchCapabilities are the capabilities able to serve a text query.
var SearchCapabilities = []Capability{CapSemanticSearch, CapFullText}

// ParseCapability validates a capability name from configuration.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(s); c {
	case CapSemanticSearch, CapFullText, CapKeyValue, CapExpiry:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown capability %q", ErrValidationFailed, s)
}

// BackendDescriptor is the static registration of one backend.
// Rank is the default fallback preference: lower ranks are tried first.
type BackendDescriptor struct {
	Name         string       `json:"name" yaml:"name"`
	Type         string       `json:"type" yaml:"type"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
	Rank         int          `json:"rank" yaml:"rank"`
}

// Has reports whether the descriptor advertises capability c.
func (d BackendDescriptor) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// FirstMatch returns the first capability in anyOf the backend advertises.
// An empty anyOf matches every backend and returns "".
func (d BackendDescriptor) FirstMatch(anyOf []Capability) (Capability, bool) {
	if len(anyOf) == 0 {
		return "", true
	}
	for _, c := range anyOf {
		if d.Has(c) {
			return c, true
		}
	}
	return "", false
}
