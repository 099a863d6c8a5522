package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// Query lists or searches records in one project scope.
//
// FTS5 bm25 values are negative (more negative == better match), so
// ordering by bm25 ASC gives the best results first.
func (s *MemoryStore) Query(ctx context.Context, opts storage.QueryOptions) ([]types.Record, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	if opts.Text == "" {
		where, args := filterClause(opts, "")
		q := `SELECT ` + recordColumns + ` FROM records WHERE ` + where +
			` ORDER BY updated_at DESC, id ASC LIMIT ?`
		return s.queryRecords(ctx, q, append(args, opts.Limit)...)
	}

	ftsQuery := sanitiseFTSQuery(opts.Text)
	if ftsQuery == "" {
		return []types.Record{}, nil
	}

	where, args := filterClause(opts, "r.")
	q := `
		SELECT r.id, r.project_scope, r.category, r.content, r.metadata, r.created_at, r.updated_at
		FROM records_fts
		JOIN records r ON r.rowid = records_fts.rowid
		WHERE records_fts MATCH ? AND ` + where + `
		ORDER BY bm25(records_fts) ASC, r.updated_at DESC, r.id ASC
		LIMIT ?`
	args = append([]any{ftsQuery}, args...)
	return s.queryRecords(ctx, q, append(args, opts.Limit)...)
}

func (s *MemoryStore) queryRecords(ctx context.Context, q string, args ...any) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storage.Unavailable(s.name, "query", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, storage.Unavailable(s.name, "query", err)
	}
	return records, nil
}

func scanRecords(rows *sql.Rows) ([]types.Record, error) {
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

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "with": true, "from": true, "as": true,
	"what": true, "how": true, "when": true, "where": true, "why": true,
	"who": true, "which": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "not": true, "but": true, "if": true,
	"s": true, "t": true,
}

// sanitiseFTSQuery converts a free-form query into a safe FTS5 MATCH
// expression: punctuation is dropped, stop words are removed, and each
// remaining word becomes a prefix term joined with OR.
//
// Example: "How do I retry?" → "retry*"
// Example: "retry with backoff" → "retry* OR backoff*"
//
// When every word is a stop word the words are used as-is. An empty result
// means nothing searchable was left.
func sanitiseFTSQuery(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var terms []string
	for _, w := range words {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}

	if len(terms) == 0 {
		for _, w := range words {
			terms = append(terms, w+"*")
		}
	}

	return strings.Join(terms, " OR ")
}
