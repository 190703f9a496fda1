// Package sqlite - database migrations
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a single idempotent schema upgrade, run in order on
// every open. Recorded in metadata so reruns are cheap no-ops.
type migration struct {
	Name string
	Func func(ctx context.Context, db *sql.DB) error
}

var migrationsList = []migration{
	{"processing_logs_session_index", migrateProcessingLogsIndex},
	{"change_queue_processed_index", migrateProcessedIndex},
}

func (s *SQLiteStorage) runMigrations(ctx context.Context) error {
	for _, m := range migrationsList {
		key := "migration:" + m.Name
		var done string
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM metadata WHERE key = ?`, key).Scan(&done)
		if err == nil && done == "done" {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
		}

		if err := m.Func(ctx, s.db); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO metadata (key, value) VALUES (?, 'done')
			ON CONFLICT (key) DO UPDATE SET value = 'done'
		`, key); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
	}
	return nil
}

// migrateProcessingLogsIndex backfills the audit listing index for
// databases created before it was part of the base schema.
func migrateProcessingLogsIndex(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_logs_session_created
		ON fifo_processing_logs(session_id, created_at)
	`)
	return err
}

// migrateProcessedIndex adds the retention-sweep index.
func migrateProcessedIndex(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_fcq_processed_at
		ON field_change_queue(is_processed, processed_at)
	`)
	return err
}
