// Package sqlite implements the memvault backend contract on SQLite with an
// FTS5 full-text index.
//
// Query ordering: with text, FTS5 bm25 rank (best first), then updated_at
// descending, then id; without text, updated_at descending, then id.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// Type is the backend type name used in configuration.
const Type = "sqlite"

// MemoryStore implements storage.Backend using SQLite.
type MemoryStore struct {
	name string
	db   *sql.DB
}

var _ storage.Backend = (*MemoryStore)(nil)

// NewMemoryStore opens a SQLite database, configures WAL mode, and creates
// the schema. Use ":memory:" for a throwaway database.
func NewMemoryStore(name, dsn string) (*MemoryStore, error) {
	if name == "" {
		name = Type
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; it is
	// also what keeps a ":memory:" database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &MemoryStore{name: name, db: db}, nil
}

// Name implements storage.Backend.
func (s *MemoryStore) Name() string { return s.name }

// Capabilities implements storage.Backend.
func (s *MemoryStore) Capabilities() []types.Capability {
	return []types.Capability{types.CapFullText, types.CapKeyValue}
}

// Write upserts the record.
func (s *MemoryStore) Write(ctx context.Context, record *types.Record) (string, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}

	meta, err := marshalMetadata(record.Metadata)
	if err != nil {
		return "", err
	}

	const q = `
		INSERT INTO records (id, project_scope, category, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, q,
		record.ID, record.ProjectScope, string(record.Category), record.Content, meta,
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return "", storage.Unavailable(s.name, "write", err)
	}
	return record.ID, nil
}

// Read returns the record with the given id.
func (s *MemoryStore) Read(ctx context.Context, id string) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	r, err := getRecord(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.NotFound(id)
		}
		return nil, storage.Unavailable(s.name, "read", err)
	}
	return r, nil
}

// Update applies the patch inside a transaction so concurrent updates to
// the same id serialise.
func (s *MemoryStore) Update(ctx context.Context, id string, patch types.Patch) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Unavailable(s.name, "update", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := getRecord(ctx, tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.NotFound(id)
		}
		return nil, storage.Unavailable(s.name, "update", err)
	}

	patch.Apply(r, types.Now())
	meta, err := marshalMetadata(r.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE records SET content = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		r.Content, meta, r.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, storage.Unavailable(s.name, "update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.Unavailable(s.name, "update", err)
	}
	return r, nil
}

// Delete permanently removes the record.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return storage.Unavailable(s.name, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Unavailable(s.name, "delete", err)
	}
	if n == 0 {
		return storage.NotFound(id)
	}
	return nil
}

// HealthCheck pings the database and runs a trivial query.
func (s *MemoryStore) HealthCheck(ctx context.Context) storage.HealthStatus {
	return storage.TimeCheck(ctx, func(ctx context.Context) error {
		var one int
		return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// Close flushes the WAL into the main database file and releases resources.
func (s *MemoryStore) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}

	return s.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, project_scope, category, content, metadata, created_at, updated_at`

func getRecord(ctx context.Context, q queryer, id string) (*types.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*types.Record, error) {
	var (
		r                  types.Record
		category, meta     string
		createdAt, updated int64
	)
	if err := sc.Scan(&r.ID, &r.ProjectScope, &category, &r.Content, &meta, &createdAt, &updated); err != nil {
		return nil, err
	}
	r.Category = types.Category(category)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: decode metadata for %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func marshalMetadata(m types.Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", types.ErrValidationFailed, err)
	}
	return string(b), nil
}

// filterClause builds the WHERE conditions shared by listing and search.
// prefix qualifies column names when the records table is aliased.
func filterClause(opts storage.QueryOptions, prefix string) (string, []any) {
	conds := []string{prefix + "project_scope = ?"}
	args := []any{opts.ProjectScope}

	if opts.Category != "" {
		conds = append(conds, prefix+"category = ?")
		args = append(args, string(opts.Category))
	}

	for k, v := range opts.Metadata {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(%smetadata) WHERE json_each.key = ? AND json_each.value = ?)", prefix))
		args = append(args, k, v)
	}

	return strings.Join(conds, " AND "), args
}
