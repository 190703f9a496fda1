package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/untoldecay/FormQueue/internal/types"
)

// PutSession installs or replaces a session document.
func (s *SQLiteStorage) PutSession(ctx context.Context, session *types.WorkflowSession) error {
	stepsJSON, err := json.Marshal(session.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	now := time.Now().UTC()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_sessions (session_id, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET steps = excluded.steps, updated_at = excluded.updated_at
	`, session.SessionID, string(stepsJSON), createdAt, now)
	if err != nil {
		return wrapUnavailable(err, "put session")
	}
	return nil
}

// GetSession loads a session document.
func (s *SQLiteStorage) GetSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, steps, created_at, updated_at
		FROM workflow_sessions
		WHERE session_id = ?
	`, sessionID)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, wrapUnavailable(err, "get session")
	}
	return session, nil
}

// UpdateStepData applies fn to the target step's nested data inside a
// transaction and commits the whole session document in one UPDATE.
// If fn fails nothing is written, so a failed batch never leaves a
// half-applied document behind.
func (s *SQLiteStorage) UpdateStepData(ctx context.Context, sessionID string, step int, fn func(data map[string]any) error, modifiedBy string, now time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT session_id, steps, created_at, updated_at
			FROM workflow_sessions
			WHERE session_id = ?
		`, sessionID)

		session, err := scanSession(row)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return err
		}

		target := session.Step(step)
		if target == nil {
			return fmt.Errorf("%w: session %s step %d", types.ErrStepNotFound, sessionID, step)
		}
		if target.Data == nil {
			target.Data = map[string]any{}
		}

		if err := fn(target.Data); err != nil {
			return err
		}

		target.LastModified = &now
		target.ModifiedBy = modifiedBy

		stepsJSON, err := json.Marshal(session.Steps)
		if err != nil {
			return fmt.Errorf("failed to encode steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_sessions SET steps = ?, updated_at = ?
			WHERE session_id = ?
		`, string(stepsJSON), now, sessionID); err != nil {
			return err
		}
		return nil
	})
	return wrapUnavailable(err, "update step data")
}

func scanSession(row rowScanner) (*types.WorkflowSession, error) {
	var session types.WorkflowSession
	var stepsJSON string

	err := row.Scan(&session.SessionID, &stepsJSON, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &session.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of %s: %w", session.SessionID, err)
	}
	return &session, nil
}
