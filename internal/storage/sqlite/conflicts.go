package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

const conflictColumns = `conflict_id, session_id, step_number, field_path,
	conflicting_changes, detected_at, resolution_strategy,
	resolved_at, resolved_by, final_value`

const conflictIDPrefix = "fc-"

func newConflictID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate conflict id: %w", err)
	}
	return conflictIDPrefix + hex.EncodeToString(b[:]), nil
}

// OpenConflict creates an open conflict or extends the existing open
// one for the same (session, step, field_path) by unioning member ids.
func (s *SQLiteStorage) OpenConflict(ctx context.Context, conflict *types.FieldConflict) (*types.FieldConflict, error) {
	var result *types.FieldConflict
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+conflictColumns+`
			FROM field_conflicts
			WHERE session_id = ? AND step_number = ? AND field_path = ? AND resolved_at IS NULL
		`, conflict.SessionID, conflict.StepNumber, conflict.FieldPath)

		existing, err := scanConflict(row)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if err == sql.ErrNoRows {
			id := conflict.ConflictID
			if id == "" {
				id, err = newConflictID()
				if err != nil {
					return err
				}
			}
			members := unionIDs(nil, conflict.ConflictingChanges)
			membersJSON, err := json.Marshal(members)
			if err != nil {
				return fmt.Errorf("failed to encode members: %w", err)
			}
			detectedAt := conflict.DetectedAt
			if detectedAt.IsZero() {
				detectedAt = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO field_conflicts (
					conflict_id, session_id, step_number, field_path,
					conflicting_changes, detected_at, resolution_strategy
				) VALUES (?, ?, ?, ?, ?, ?, ?)
			`, id, conflict.SessionID, conflict.StepNumber, conflict.FieldPath,
				string(membersJSON), detectedAt, string(conflict.ResolutionStrategy)); err != nil {
				return err
			}
			result = &types.FieldConflict{
				ConflictID:         id,
				SessionID:          conflict.SessionID,
				StepNumber:         conflict.StepNumber,
				FieldPath:          conflict.FieldPath,
				ConflictingChanges: members,
				DetectedAt:         detectedAt,
				ResolutionStrategy: conflict.ResolutionStrategy,
			}
			return nil
		}

		// Existing open conflict: union the member sets.
		members := unionIDs(existing.ConflictingChanges, conflict.ConflictingChanges)
		membersJSON, err := json.Marshal(members)
		if err != nil {
			return fmt.Errorf("failed to encode members: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE field_conflicts SET conflicting_changes = ?
			WHERE conflict_id = ? AND resolved_at IS NULL
		`, string(membersJSON), existing.ConflictID); err != nil {
			return err
		}
		existing.ConflictingChanges = members
		result = existing
		return nil
	})
	if err != nil {
		return nil, wrapUnavailable(err, "open conflict")
	}
	return result, nil
}

// OpenConflictFor returns the open conflict on a field path, or nil.
func (s *SQLiteStorage) OpenConflictFor(ctx context.Context, sessionID string, step int, fieldPath string) (*types.FieldConflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM field_conflicts
		WHERE session_id = ? AND step_number = ? AND field_path = ? AND resolved_at IS NULL
	`, sessionID, step, fieldPath)

	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable(err, "open conflict lookup")
	}
	return conflict, nil
}

// ResolvedConflictForChange finds the latest resolved conflict on the
// field path whose membership includes changeID, or nil.
func (s *SQLiteStorage) ResolvedConflictForChange(ctx context.Context, sessionID string, step int, fieldPath, changeID string) (*types.FieldConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM field_conflicts
		WHERE session_id = ? AND step_number = ? AND field_path = ? AND resolved_at IS NOT NULL
		ORDER BY resolved_at DESC, conflict_id DESC
	`, sessionID, step, fieldPath)
	if err != nil {
		return nil, wrapUnavailable(err, "resolved conflict lookup")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, wrapUnavailable(err, "scan conflict")
		}
		for _, id := range conflict.ConflictingChanges {
			if id == changeID {
				return conflict, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err, "iterate conflicts")
	}
	return nil, nil
}

// CloseConflict transitions a conflict to resolved exactly once.
func (s *SQLiteStorage) CloseConflict(ctx context.Context, conflictID, resolvedBy string, finalValue docvalue.Value, resolvedAt time.Time) error {
	valueJSON, err := finalValue.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode final value: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var resolved sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT resolved_at FROM field_conflicts WHERE conflict_id = ?
		`, conflictID).Scan(&resolved)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", types.ErrConflictNotFound, conflictID)
		}
		if err != nil {
			return wrapUnavailable(err, "close conflict lookup")
		}
		if resolved.Valid {
			return fmt.Errorf("%w: %s", types.ErrAlreadyResolved, conflictID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE field_conflicts
			SET resolved_at = ?, resolved_by = ?, final_value = ?
			WHERE conflict_id = ? AND resolved_at IS NULL
		`, resolvedAt, resolvedBy, string(valueJSON), conflictID)
		if err != nil {
			return wrapUnavailable(err, "close conflict")
		}
		return nil
	})
}

// OpenConflicts lists open conflicts for operator tooling.
func (s *SQLiteStorage) OpenConflicts(ctx context.Context, sessionID string, step *int) ([]*types.FieldConflict, error) {
	query := `
		SELECT ` + conflictColumns + `
		FROM field_conflicts
		WHERE session_id = ? AND resolved_at IS NULL
	`
	args := []interface{}{sessionID}
	if step != nil {
		query += ` AND step_number = ?`
		args = append(args, *step)
	}
	query += ` ORDER BY detected_at ASC, conflict_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapUnavailable(err, "list conflicts")
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*types.FieldConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, wrapUnavailable(err, "scan conflict")
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err, "iterate conflicts")
	}
	return conflicts, nil
}

func scanConflict(row rowScanner) (*types.FieldConflict, error) {
	var conflict types.FieldConflict
	var members, strategy string
	var resolvedAt sql.NullTime
	var resolvedBy sql.NullString
	var finalValue sql.NullString

	err := row.Scan(
		&conflict.ConflictID, &conflict.SessionID, &conflict.StepNumber, &conflict.FieldPath,
		&members, &conflict.DetectedAt, &strategy,
		&resolvedAt, &resolvedBy, &finalValue,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(members), &conflict.ConflictingChanges); err != nil {
		return nil, fmt.Errorf("failed to decode members of %s: %w", conflict.ConflictID, err)
	}
	conflict.ResolutionStrategy = types.ResolutionStrategy(strategy)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		conflict.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		conflict.ResolvedBy = resolvedBy.String
	}
	if finalValue.Valid {
		v, err := docvalue.FromJSON([]byte(finalValue.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode final value of %s: %w", conflict.ConflictID, err)
		}
		conflict.FinalValue = &v
	}
	return &conflict, nil
}

func unionIDs(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	var out []string
	for _, id := range existing {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range added {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
