package sqlite

// Schema creates the records table and its FTS5 index. Timestamps are
// stored as unix nanoseconds so ordering is a plain integer comparison.
// The FTS table uses external content and is kept in sync by triggers.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	project_scope TEXT NOT NULL,
	category      TEXT NOT NULL,
	content       TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_scope_updated
	ON records(project_scope, updated_at DESC, id);

CREATE INDEX IF NOT EXISTS idx_records_scope_category
	ON records(project_scope, category);

CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
	content,
	content='records',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
	INSERT INTO records_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
	INSERT INTO records_fts(records_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON records BEGIN
	INSERT INTO records_fts(records_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO records_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`
