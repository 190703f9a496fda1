package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/untoldecay/FormQueue/internal/storage"
	"github.com/untoldecay/FormQueue/internal/types"
)

// AppendAuditEntry writes one flush record. Append-only: entries are
// never updated, only purged by retention cleanup.
func (s *SQLiteStorage) AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error {
	changesJSON, err := json.Marshal(entry.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode audit changes: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fifo_processing_logs (
			session_id, step_number, event, change_count, field_count, changes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.SessionID, entry.StepNumber, entry.Event,
		entry.ChangeCount, entry.FieldCount, string(changesJSON), createdAt)
	if err != nil {
		return wrapUnavailable(err, "append audit entry")
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	entry.CreatedAt = createdAt
	return nil
}

// AuditEntries returns the most recent flush records for a session.
func (s *SQLiteStorage) AuditEntries(ctx context.Context, sessionID string, limit int) ([]*types.AuditEntry, error) {
	query := `
		SELECT id, session_id, step_number, event, change_count, field_count, changes, created_at
		FROM fifo_processing_logs
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
	`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapUnavailable(err, "query audit entries")
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.AuditEntry
	for rows.Next() {
		var entry types.AuditEntry
		var changesJSON string
		if err := rows.Scan(
			&entry.ID, &entry.SessionID, &entry.StepNumber, &entry.Event,
			&entry.ChangeCount, &entry.FieldCount, &changesJSON, &entry.CreatedAt,
		); err != nil {
			return nil, wrapUnavailable(err, "scan audit entry")
		}
		if err := json.Unmarshal([]byte(changesJSON), &entry.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode audit changes: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err, "iterate audit entries")
	}
	return entries, nil
}

// SessionStats aggregates queue counters for one session.
func (s *SQLiteStorage) SessionStats(ctx context.Context, sessionID string) (*types.SessionStats, error) {
	stats := &types.SessionStats{SessionID: sessionID}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN is_processed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_processed = 0 THEN 1 ELSE 0 END), 0)
		FROM field_change_queue
		WHERE session_id = ?
	`, sessionID).Scan(&stats.TotalChanges, &stats.ProcessedChanges, &stats.PendingChanges)
	if err != nil {
		return nil, wrapUnavailable(err, "change counts")
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN resolved_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolved_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM field_conflicts
		WHERE session_id = ?
	`, sessionID).Scan(&stats.OpenConflicts, &stats.ResolvedConflicts)
	if err != nil {
		return nil, wrapUnavailable(err, "conflict counts")
	}

	return stats, nil
}

// Cleanup purges processed changes and audit logs older than the
// cutoff. Pending changes and conflict records are never touched.
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) (storage.CleanupResult, error) {
	var result storage.CleanupResult

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM field_change_queue
		WHERE is_processed = 1 AND processed_at < ?
	`, olderThan)
	if err != nil {
		return result, wrapUnavailable(err, "cleanup changes")
	}
	if n, err := res.RowsAffected(); err == nil {
		result.ChangesRemoved = n
	}

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM fifo_processing_logs
		WHERE created_at < ?
	`, olderThan)
	if err != nil {
		return result, wrapUnavailable(err, "cleanup logs")
	}
	if n, err := res.RowsAffected(); err == nil {
		result.LogsRemoved = n
	}

	return result, nil
}
