package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

const changeColumns = `change_id, session_id, step_number, field_path,
	old_value, new_value, user_id, user_name, ts,
	is_processed, conflict_detected, processed_at, created_at`

// isUniqueConstraintError checks if error is a UNIQUE constraint violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// AppendChange durably persists a new change, rejecting duplicates.
func (s *SQLiteStorage) AppendChange(ctx context.Context, change *types.FieldChange) error {
	oldValue, err := encodeOptionalValue(change.OldValue)
	if err != nil {
		return fmt.Errorf("failed to encode old_value: %w", err)
	}
	newValue, err := change.NewValue.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode new_value: %w", err)
	}

	createdAt := change.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO field_change_queue (
			change_id, session_id, step_number, field_path,
			old_value, new_value, user_id, user_name, ts,
			is_processed, conflict_detected, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`,
		change.ChangeID, change.SessionID, change.StepNumber, change.FieldPath,
		oldValue, string(newValue), change.UserID, change.UserName, change.Timestamp,
		createdAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", types.ErrDuplicateChange, change.ChangeID)
		}
		return wrapUnavailable(err, "append change")
	}
	change.CreatedAt = createdAt
	return nil
}

// GetChange loads one change by id; nil when absent.
func (s *SQLiteStorage) GetChange(ctx context.Context, changeID string) (*types.FieldChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+changeColumns+`
		FROM field_change_queue
		WHERE change_id = ?
	`, changeID)

	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable(err, "get change")
	}
	return change, nil
}

// PendingChanges returns unprocessed changes for a step in FIFO order.
func (s *SQLiteStorage) PendingChanges(ctx context.Context, sessionID string, step int) ([]*types.FieldChange, error) {
	return s.queryChanges(ctx, `
		SELECT `+changeColumns+`
		FROM field_change_queue
		WHERE session_id = ? AND step_number = ? AND is_processed = 0
		ORDER BY ts ASC, change_id ASC
	`, sessionID, step)
}

// PendingChangesForField restricts the pending set to one field path.
func (s *SQLiteStorage) PendingChangesForField(ctx context.Context, sessionID string, step int, fieldPath string) ([]*types.FieldChange, error) {
	return s.queryChanges(ctx, `
		SELECT `+changeColumns+`
		FROM field_change_queue
		WHERE session_id = ? AND step_number = ? AND field_path = ? AND is_processed = 0
		ORDER BY ts ASC, change_id ASC
	`, sessionID, step, fieldPath)
}

// ChangeHistory returns the full ordered history for a field.
func (s *SQLiteStorage) ChangeHistory(ctx context.Context, sessionID, fieldPath string) ([]*types.FieldChange, error) {
	return s.queryChanges(ctx, `
		SELECT `+changeColumns+`
		FROM field_change_queue
		WHERE session_id = ? AND field_path = ?
		ORDER BY ts ASC, change_id ASC
	`, sessionID, fieldPath)
}

// MarkProcessed flips the set to processed. Already-processed entries
// are skipped, so retries are harmless.
func (s *SQLiteStorage) MarkProcessed(ctx context.Context, changeIDs []string, processedAt time.Time) error {
	if len(changeIDs) == 0 {
		return nil
	}
	query := `
		UPDATE field_change_queue
		SET is_processed = 1, processed_at = ?
		WHERE change_id IN (` + placeholders(len(changeIDs)) + `) AND is_processed = 0
	`
	args := make([]interface{}, 0, len(changeIDs)+1)
	args = append(args, processedAt)
	for _, id := range changeIDs {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapUnavailable(err, "mark processed")
	}
	return nil
}

// MarkConflictDetected flags the member changes of a conflict.
func (s *SQLiteStorage) MarkConflictDetected(ctx context.Context, changeIDs []string) error {
	if len(changeIDs) == 0 {
		return nil
	}
	query := `
		UPDATE field_change_queue
		SET conflict_detected = 1
		WHERE change_id IN (` + placeholders(len(changeIDs)) + `)
	`
	args := make([]interface{}, 0, len(changeIDs))
	for _, id := range changeIDs {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapUnavailable(err, "mark conflict detected")
	}
	return nil
}

func (s *SQLiteStorage) queryChanges(ctx context.Context, query string, args ...interface{}) ([]*types.FieldChange, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapUnavailable(err, "query changes")
	}
	defer func() { _ = rows.Close() }()

	var changes []*types.FieldChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, wrapUnavailable(err, "scan change")
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err, "iterate changes")
	}
	return changes, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChange(row rowScanner) (*types.FieldChange, error) {
	var change types.FieldChange
	var oldValue sql.NullString
	var newValue string
	var isProcessed, conflictDetected int
	var processedAt sql.NullTime

	err := row.Scan(
		&change.ChangeID, &change.SessionID, &change.StepNumber, &change.FieldPath,
		&oldValue, &newValue, &change.UserID, &change.UserName, &change.Timestamp,
		&isProcessed, &conflictDetected, &processedAt, &change.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if oldValue.Valid {
		v, err := docvalue.FromJSON([]byte(oldValue.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode old_value of %s: %w", change.ChangeID, err)
		}
		change.OldValue = &v
	}
	v, err := docvalue.FromJSON([]byte(newValue))
	if err != nil {
		return nil, fmt.Errorf("failed to decode new_value of %s: %w", change.ChangeID, err)
	}
	change.NewValue = v

	change.IsProcessed = isProcessed == 1
	change.ConflictDetected = conflictDetected == 1
	if processedAt.Valid {
		t := processedAt.Time
		change.ProcessedAt = &t
	}
	return &change, nil
}

func encodeOptionalValue(v *docvalue.Value) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
