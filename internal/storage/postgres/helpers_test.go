// Package postgres provides a PostgreSQL implementation of the memvault
// backend contract. This file contains test helpers only available during
// testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the records table. It is exported
// so the postgres_test package can call it.
func (s *MemoryStore) TruncateForTest(ctx context.Context) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE memvault_records")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate records: %w", err)
	}
	return nil
}
