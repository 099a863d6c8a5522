package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// Query lists or searches records in one project scope. With text, Mode
// selects semantic search when pgvector is available and full-text
// otherwise.
func (s *MemoryStore) Query(ctx context.Context, opts storage.QueryOptions) ([]types.Record, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	where, args, err := filterClause(opts)
	if err != nil {
		return nil, err
	}

	switch {
	case opts.Text == "":
		q := fmt.Sprintf(`SELECT %s FROM memvault_records WHERE %s ORDER BY updated_at DESC, id ASC LIMIT $%d`,
			recordColumns, where, len(args)+1)
		return s.queryRecords(ctx, q, append(args, opts.Limit)...)

	case opts.Mode == types.CapSemanticSearch && s.semantic():
		vec, err := s.embed(ctx, opts.Text)
		if err != nil {
			return nil, err
		}
		// Cosine distance below 1 means positive similarity.
		n := len(args)
		q := fmt.Sprintf(`
			SELECT %s FROM memvault_records
			WHERE %s AND embedding IS NOT NULL AND (embedding <=> $%d) < 1
			ORDER BY embedding <=> $%d ASC, id ASC
			LIMIT $%d`, recordColumns, where, n+1, n+1, n+2)
		return s.queryRecords(ctx, q, append(args, vec, opts.Limit)...)

	default:
		n := len(args)
		q := fmt.Sprintf(`
			SELECT %s FROM memvault_records
			WHERE %s AND content_tsv @@ plainto_tsquery('english', $%d)
			ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $%d)) DESC, updated_at DESC, id ASC
			LIMIT $%d`, recordColumns, where, n+1, n+1, n+2)
		return s.queryRecords(ctx, q, append(args, opts.Text, opts.Limit)...)
	}
}

func (s *MemoryStore) queryRecords(ctx context.Context, q string, args ...any) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storage.Unavailable(s.name, "query", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanRecordRows(rows)
	if err != nil {
		return nil, storage.Unavailable(s.name, "query", err)
	}
	return records, nil
}

func scanRecordRows(rows *sql.Rows) ([]types.Record, error) {
	records := []types.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// filterClause builds the WHERE conditions for scope, category and
// metadata. Metadata uses JSONB containment, which is exact match on every
// key for string values.
func filterClause(opts storage.QueryOptions) (string, []any, error) {
	conds := []string{"project_scope = $1"}
	args := []any{opts.ProjectScope}

	if opts.Category != "" {
		args = append(args, string(opts.Category))
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}

	if len(opts.Metadata) > 0 {
		meta, err := marshalMetadata(opts.Metadata)
		if err != nil {
			return "", nil, err
		}
		args = append(args, meta)
		conds = append(conds, fmt.Sprintf("metadata @> $%d::jsonb", len(args)))
	}

	return strings.Join(conds, " AND "), args, nil
}
