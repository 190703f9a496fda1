// Package types defines the core data model for the FIFO field-level
// change queue: field changes, conflicts, sessions, audit entries and
// the closed set of error kinds surfaced by public operations.
package types

import (
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
)

// ResolutionStrategy decides which queued change wins a field conflict.
type ResolutionStrategy string

const (
	// StrategyFIFOWins picks the member with the earliest timestamp.
	StrategyFIFOWins ResolutionStrategy = "fifo_wins"
	// StrategyLatestWins picks the member with the latest timestamp.
	StrategyLatestWins ResolutionStrategy = "latest_wins"
	// StrategyMerge recursively merges object values, later timestamps
	// overriding overlapping leaf keys. Non-object members degrade to
	// latest_wins.
	StrategyMerge ResolutionStrategy = "merge"
	// StrategyManual defers the decision to an operator; the conflict
	// stays open and its members stay pending.
	StrategyManual ResolutionStrategy = "manual"
)

// ValidStrategy reports whether s is one of the known strategies.
func ValidStrategy(s ResolutionStrategy) bool {
	switch s {
	case StrategyFIFOWins, StrategyLatestWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// FieldChange is the unit of work: one field-scoped edit to a step's
// nested document. Immutable once enqueued, except for the
// IsProcessed and ConflictDetected flags.
type FieldChange struct {
	ChangeID   string `json:"change_id"`
	SessionID  string `json:"session_id"`
	StepNumber int    `json:"step_number"`
	FieldPath  string `json:"field_path"`

	// OldValue is the snapshot the client observed before editing.
	// Advisory only: never consulted for ordering or concurrency checks.
	OldValue *docvalue.Value `json:"old_value,omitempty"`
	NewValue docvalue.Value  `json:"new_value"`

	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`

	// Timestamp is the monotonic ordering key assigned at enqueue.
	// Strictly increasing within a (session_id, step_number).
	Timestamp int64 `json:"timestamp"`

	IsProcessed      bool       `json:"is_processed"`
	ConflictDetected bool       `json:"conflict_detected"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// FieldConflict records >=2 pending writes targeting the same field
// path within a (session, step). At most one open conflict exists per
// (session, step, field_path); once resolved the record is immutable.
type FieldConflict struct {
	ConflictID         string             `json:"conflict_id"`
	SessionID          string             `json:"session_id"`
	StepNumber         int                `json:"step_number"`
	FieldPath          string             `json:"field_path"`
	ConflictingChanges []string           `json:"conflicting_changes"`
	DetectedAt         time.Time          `json:"detected_at"`
	ResolutionStrategy ResolutionStrategy `json:"resolution_strategy"`

	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	FinalValue *docvalue.Value `json:"final_value,omitempty"`
}

// Open reports whether the conflict has not been resolved yet.
func (c *FieldConflict) Open() bool {
	return c.ResolvedAt == nil
}

// WorkflowStep is one step of a session. Data is the opaque nested
// document that the dot-path applier edits.
type WorkflowStep struct {
	StepNumber   int            `json:"step_number"`
	Data         map[string]any `json:"data"`
	LastModified *time.Time     `json:"last_modified,omitempty"`
	ModifiedBy   string         `json:"modified_by,omitempty"`
}

// WorkflowSession owns an ordered array of steps. The core never mints
// sessions; it only writes into a step's Data via the applier.
type WorkflowSession struct {
	SessionID string         `json:"session_id"`
	Steps     []WorkflowStep `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Step returns the step with the given number, or nil.
func (s *WorkflowSession) Step(n int) *WorkflowStep {
	for i := range s.Steps {
		if s.Steps[i].StepNumber == n {
			return &s.Steps[i]
		}
	}
	return nil
}

// Disposition classifies what a flush did with one queued change.
type Disposition string

const (
	DispositionApplied  Disposition = "applied"
	DispositionShadowed Disposition = "shadowed_by_conflict_loss"
	DispositionDeferred Disposition = "deferred_manual"
)

// ChangeLogEntry is the per-change line of a flush audit record.
type ChangeLogEntry struct {
	ChangeID    string      `json:"change_id"`
	FieldPath   string      `json:"field_path"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
}

// AuditEntry is one append-only record of a processing batch.
type AuditEntry struct {
	ID          int64            `json:"id,omitempty"`
	SessionID   string           `json:"session_id"`
	StepNumber  int              `json:"step_number"`
	Event       string           `json:"event"`
	ChangeCount int              `json:"change_count"`
	FieldCount  int              `json:"field_count"`
	Changes     []ChangeLogEntry `json:"changes,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// EventFlush is the audit event name written by every flush.
const EventFlush = "fifo_flush"

// SessionStats aggregates queue counters for one session.
type SessionStats struct {
	SessionID         string `json:"session_id"`
	TotalChanges      int    `json:"total_changes"`
	ProcessedChanges  int    `json:"processed_changes"`
	PendingChanges    int    `json:"pending_changes"`
	OpenConflicts     int    `json:"open_conflicts"`
	ResolvedConflicts int    `json:"resolved_conflicts"`
}
