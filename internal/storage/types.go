package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/memvault/pkg/types"
)

// QueryOptions selects records for Backend.Query.
type QueryOptions struct {
	// ProjectScope is mandatory; records outside it are never returned.
	ProjectScope string

	// Category filters by category. Empty means any category.
	Category types.Category

	// Text is the free-text query. Empty means an unranked listing.
	Text string

	// Metadata filters by exact match on every key.
	Metadata types.Metadata

	// Limit is the maximum number of results (default: 10, max: 100).
	Limit int

	// Mode is the search capability the router selected for this backend
	// (CapSemanticSearch or CapFullText). Adapters supporting both use it
	// to pick a ranking; empty lets the adapter choose.
	Mode types.Capability
}

// Normalize applies defaults and validates the QueryOptions.
func (o *QueryOptions) Normalize() error {
	o.ProjectScope = strings.TrimSpace(o.ProjectScope)
	o.Text = strings.TrimSpace(o.Text)

	if o.ProjectScope == "" {
		return fmt.Errorf("%w: project scope is required", types.ErrValidationFailed)
	}

	if o.Category != "" && !o.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", types.ErrValidationFailed, o.Category)
	}

	if err := types.ValidateMetadata(o.Metadata); err != nil {
		return err
	}

	if o.Limit < 1 {
		o.Limit = 10 // Default limit
	}

	if o.Limit > 100 {
		o.Limit = 100 // Max limit
	}

	return nil
}

// Matches reports whether r satisfies the scope, category and metadata
// filters. Text relevance is left to the adapter.
func (o *QueryOptions) Matches(r *types.Record) bool {
	if r.ProjectScope != o.ProjectScope {
		return false
	}
	if o.Category != "" && r.Category != o.Category {
		return false
	}
	return r.Metadata.Matches(o.Metadata)
}

// HealthStatus is the outcome of one health check.
type HealthStatus struct {
	OK      bool
	Latency time.Duration
	Err     error
}

// TimeCheck times fn and converts its error into a HealthStatus. A check that
// outlives ctx is reported as failed even if fn later returns nil.
func TimeCheck(ctx context.Context, fn func(ctx context.Context) error) HealthStatus {
	start := time.Now()
	err := fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	return HealthStatus{OK: err == nil, Latency: time.Since(start), Err: err}
}

// SortRecent orders records by UpdatedAt descending, then ID ascending.
// This is the documented ordering for unranked listings on every adapter.
func SortRecent(records []types.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// Unavailable wraps a driver error as ErrBackendUnavailable, keeping
// context errors visible to errors.Is.
func Unavailable(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrValidationFailed) || errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", types.ErrBackendUnavailable, backend, op, err)
}

// NotFound builds the ErrNotFound error for id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", types.ErrNotFound, id)
}

// ValidateID rejects empty ids before they reach a driver.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", types.ErrValidationFailed)
	}
	return nil
}
