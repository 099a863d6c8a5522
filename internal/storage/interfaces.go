// Package storage defines the contract every memvault backend implements.
//
// A backend wraps one physical storage engine (SQLite, PostgreSQL, an
// embedded vector store, Redis) behind a uniform set of operations. The
// router treats every backend identically; differences in query power are
// declared through capability tags rather than discovered at runtime.
package storage

import (
	"context"

	"github.com/scrypster/memvault/pkg/types"
)

// Backend is the adapter contract. Implementations must be safe for
// concurrent use and must own their connection pool.
//
// Errors returned from any method wrap one of the sentinels in pkg/types:
// ErrValidationFailed for malformed input, ErrNotFound for a missing id and
// ErrBackendUnavailable for everything the engine itself failed to do.
type Backend interface {
	// Name returns the registered backend name.
	Name() string

	// Capabilities returns the query features this backend supports.
	Capabilities() []types.Capability

	// Write persists the record and returns its id. The id is assigned by
	// the caller. Writing an id that already exists leaves the stored record
	// untouched and succeeds, so a replayed write never rewrites it.
	Write(ctx context.Context, record *types.Record) (string, error)

	// Read returns the record with the given id.
	// Returns ErrNotFound if the record doesn't exist.
	Read(ctx context.Context, id string) (*types.Record, error)

	// Query returns records in the project scope matching the options.
	// Ordering is adapter-defined, documented per adapter, and stable for
	// identical input.
	Query(ctx context.Context, opts QueryOptions) ([]types.Record, error)

	// Update applies the patch and returns the resulting record.
	// Returns ErrNotFound if the record doesn't exist.
	Update(ctx context.Context, id string, patch types.Patch) (*types.Record, error)

	// Delete permanently removes the record.
	// Returns ErrNotFound if the record doesn't exist.
	Delete(ctx context.Context, id string) error

	// HealthCheck checks the engine. It must return once ctx is done; a
	// check that runs out of time reports OK=false.
	HealthCheck(ctx context.Context) HealthStatus

	// Close releases the connection pool.
	Close() error
}
