// Package postgres provides a PostgreSQL implementation of the memvault
// backend contract.
package postgres

import "fmt"

// Schema creates the records table. content_tsv is a generated tsvector so
// the full-text index never drifts from content.
const Schema = `
CREATE TABLE IF NOT EXISTS memvault_records (
    id            TEXT PRIMARY KEY,
    project_scope TEXT NOT NULL,
    category      TEXT NOT NULL,
    content       TEXT NOT NULL,
    metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    content_tsv   tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
);

CREATE INDEX IF NOT EXISTS idx_memvault_records_scope_updated
    ON memvault_records (project_scope, updated_at DESC, id);

CREATE INDEX IF NOT EXISTS idx_memvault_records_tsv
    ON memvault_records USING GIN (content_tsv);

CREATE INDEX IF NOT EXISTS idx_memvault_records_metadata
    ON memvault_records USING GIN (metadata jsonb_path_ops);
`

// migrationPgvector adds the embedding column and an HNSW cosine index.
// It is only applied when the vector extension is available.
func migrationPgvector(dims int) string {
	return fmt.Sprintf(`
ALTER TABLE memvault_records ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_memvault_records_embedding
    ON memvault_records USING hnsw (embedding vector_cosine_ops);
`, dims)
}
