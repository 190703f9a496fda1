// Package storage defines the interface the change manager requires
// from its persistence backend. Any store with atomic single-document
// updates and indexable collections satisfies it; the repository ships
// a SQLite backend and an in-memory backend for tests.
package storage

import (
	"context"
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

// CleanupResult counts what a retention sweep removed.
type CleanupResult struct {
	ChangesRemoved int64 `json:"changes_removed"`
	LogsRemoved    int64 `json:"logs_removed"`
}

// Storage is the persistence contract for the FIFO change queue.
//
// Every mutation is idempotent: appends are keyed by unique change_id,
// MarkProcessed is a set-true-if-false transition, the audit log is
// append-only. A caller that sees types.ErrUnavailable may therefore
// retry any operation safely.
type Storage interface {
	// Change queue (field_change_queue collection).

	// AppendChange durably persists a new change. Returns
	// types.ErrDuplicateChange when the change_id already exists.
	AppendChange(ctx context.Context, change *types.FieldChange) error

	// GetChange loads one change by id; nil when absent.
	GetChange(ctx context.Context, changeID string) (*types.FieldChange, error)

	// PendingChanges returns all unprocessed changes for a step,
	// sorted by timestamp ascending, ties by change_id.
	PendingChanges(ctx context.Context, sessionID string, step int) ([]*types.FieldChange, error)

	// PendingChangesForField restricts PendingChanges to one field
	// path. Used by conflict detection on every enqueue.
	PendingChangesForField(ctx context.Context, sessionID string, step int, fieldPath string) ([]*types.FieldChange, error)

	// MarkProcessed flips the set to is_processed=true atomically.
	// Already-processed ids are left untouched without error.
	MarkProcessed(ctx context.Context, changeIDs []string, processedAt time.Time) error

	// MarkConflictDetected flags the set as members of a conflict.
	MarkConflictDetected(ctx context.Context, changeIDs []string) error

	// ChangeHistory returns the full ordered history for a field,
	// processed and unprocessed.
	ChangeHistory(ctx context.Context, sessionID, fieldPath string) ([]*types.FieldChange, error)

	// Conflicts (field_conflicts collection).

	// OpenConflict creates an open conflict or extends the existing
	// open one for the same (session, step, field_path): member ids
	// are unioned. Returns the record as stored.
	OpenConflict(ctx context.Context, conflict *types.FieldConflict) (*types.FieldConflict, error)

	// OpenConflictFor returns the open conflict for a field path, or
	// nil when none exists.
	OpenConflictFor(ctx context.Context, sessionID string, step int, fieldPath string) (*types.FieldConflict, error)

	// ResolvedConflictForChange returns the most recently resolved
	// conflict on the field path whose membership includes changeID,
	// or nil. The reducer uses this to honor offline resolutions.
	ResolvedConflictForChange(ctx context.Context, sessionID string, step int, fieldPath, changeID string) (*types.FieldConflict, error)

	// CloseConflict transitions a conflict to resolved. Returns
	// types.ErrAlreadyResolved when it was closed before, or
	// types.ErrConflictNotFound for an unknown id.
	CloseConflict(ctx context.Context, conflictID, resolvedBy string, finalValue docvalue.Value, resolvedAt time.Time) error

	// OpenConflicts lists open conflicts for operator tooling. A nil
	// step lists the whole session.
	OpenConflicts(ctx context.Context, sessionID string, step *int) ([]*types.FieldConflict, error)

	// Sessions (workflow_sessions collection; externally owned, the
	// core writes one sub-path per flush).

	// PutSession installs or replaces a session document. Production
	// sessions are minted elsewhere; this exists for fixtures and
	// operator tooling.
	PutSession(ctx context.Context, session *types.WorkflowSession) error

	// GetSession loads a session. Returns types.ErrSessionNotFound
	// when absent.
	GetSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error)

	// UpdateStepData applies fn to the target step's nested data and
	// commits the session document atomically, stamping last_modified
	// and the writer identity. If fn returns an error nothing is
	// written. Returns types.ErrSessionNotFound / ErrStepNotFound for
	// a missing target.
	UpdateStepData(ctx context.Context, sessionID string, step int, fn func(data map[string]any) error, modifiedBy string, now time.Time) error

	// Audit (fifo_processing_logs collection, append-only).

	AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error
	AuditEntries(ctx context.Context, sessionID string, limit int) ([]*types.AuditEntry, error)

	// Statistics & retention.

	SessionStats(ctx context.Context, sessionID string) (*types.SessionStats, error)

	// Cleanup removes processed changes and audit entries older than
	// the cutoff. Open conflicts and pending changes are never
	// touched.
	Cleanup(ctx context.Context, olderThan time.Time) (CleanupResult, error)

	// Lifecycle.

	Close() error

	// Path returns the backing database path (empty for memory).
	Path() string
}

// Config holds database configuration.
type Config struct {
	Backend string // "sqlite" or "memory"
	Path    string // database file path for sqlite
}
