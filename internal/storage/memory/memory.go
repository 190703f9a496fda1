// Package memory implements the storage interface with in-process
// maps. It backs manager and rpc tests, and doubles as the reference
// implementation of the store contract: any backend with the same
// observable behavior satisfies the core.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/resolve"
	"github.com/untoldecay/FormQueue/internal/storage"
	"github.com/untoldecay/FormQueue/internal/types"
)

// MemoryStorage implements storage.Storage with maps and a mutex.
type MemoryStorage struct {
	mu        sync.RWMutex
	changes   map[string]*types.FieldChange
	conflicts map[string]*types.FieldConflict
	sessions  map[string]*types.WorkflowSession
	audit     []*types.AuditEntry
	nextAudit int64
}

// New returns an empty in-memory store.
func New() *MemoryStorage {
	return &MemoryStorage{
		changes:   make(map[string]*types.FieldChange),
		conflicts: make(map[string]*types.FieldConflict),
		sessions:  make(map[string]*types.WorkflowSession),
	}
}

// AppendChange persists a new change, rejecting duplicate ids.
func (m *MemoryStorage) AppendChange(_ context.Context, change *types.FieldChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.changes[change.ChangeID]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateChange, change.ChangeID)
	}
	stored := *change
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.changes[change.ChangeID] = &stored
	change.CreatedAt = stored.CreatedAt
	return nil
}

// GetChange loads one change by id; nil when absent.
func (m *MemoryStorage) GetChange(_ context.Context, changeID string) (*types.FieldChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	change, ok := m.changes[changeID]
	if !ok {
		return nil, nil
	}
	copied := *change
	return &copied, nil
}

// PendingChanges returns unprocessed changes for a step in FIFO order.
func (m *MemoryStorage) PendingChanges(_ context.Context, sessionID string, step int) ([]*types.FieldChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectChanges(func(c *types.FieldChange) bool {
		return c.SessionID == sessionID && c.StepNumber == step && !c.IsProcessed
	}), nil
}

// PendingChangesForField restricts the pending set to one field path.
func (m *MemoryStorage) PendingChangesForField(_ context.Context, sessionID string, step int, fieldPath string) ([]*types.FieldChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectChanges(func(c *types.FieldChange) bool {
		return c.SessionID == sessionID && c.StepNumber == step &&
			c.FieldPath == fieldPath && !c.IsProcessed
	}), nil
}

// ChangeHistory returns the full ordered history for a field.
func (m *MemoryStorage) ChangeHistory(_ context.Context, sessionID, fieldPath string) ([]*types.FieldChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectChanges(func(c *types.FieldChange) bool {
		return c.SessionID == sessionID && c.FieldPath == fieldPath
	}), nil
}

func (m *MemoryStorage) selectChanges(keep func(*types.FieldChange) bool) []*types.FieldChange {
	var out []*types.FieldChange
	for _, c := range m.changes {
		if keep(c) {
			copied := *c
			out = append(out, &copied)
		}
	}
	resolve.SortChanges(out)
	return out
}

// MarkProcessed flips the set to processed; reruns are no-ops.
func (m *MemoryStorage) MarkProcessed(_ context.Context, changeIDs []string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range changeIDs {
		change, ok := m.changes[id]
		if !ok || change.IsProcessed {
			continue
		}
		change.IsProcessed = true
		t := processedAt
		change.ProcessedAt = &t
	}
	return nil
}

// MarkConflictDetected flags the member changes of a conflict.
func (m *MemoryStorage) MarkConflictDetected(_ context.Context, changeIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range changeIDs {
		if change, ok := m.changes[id]; ok {
			change.ConflictDetected = true
		}
	}
	return nil
}

// OpenConflict creates or extends the open conflict for a field path.
func (m *MemoryStorage) OpenConflict(_ context.Context, conflict *types.FieldConflict) (*types.FieldConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.conflicts {
		if existing.SessionID == conflict.SessionID &&
			existing.StepNumber == conflict.StepNumber &&
			existing.FieldPath == conflict.FieldPath &&
			existing.Open() {
			existing.ConflictingChanges = unionIDs(existing.ConflictingChanges, conflict.ConflictingChanges)
			copied := *existing
			return &copied, nil
		}
	}

	id := conflict.ConflictID
	if id == "" {
		var b [6]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("failed to generate conflict id: %w", err)
		}
		id = "fc-" + hex.EncodeToString(b[:])
	}
	detectedAt := conflict.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	stored := &types.FieldConflict{
		ConflictID:         id,
		SessionID:          conflict.SessionID,
		StepNumber:         conflict.StepNumber,
		FieldPath:          conflict.FieldPath,
		ConflictingChanges: unionIDs(nil, conflict.ConflictingChanges),
		DetectedAt:         detectedAt,
		ResolutionStrategy: conflict.ResolutionStrategy,
	}
	m.conflicts[id] = stored
	copied := *stored
	return &copied, nil
}

// OpenConflictFor returns the open conflict on a field path, or nil.
func (m *MemoryStorage) OpenConflictFor(_ context.Context, sessionID string, step int, fieldPath string) (*types.FieldConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conflicts {
		if c.SessionID == sessionID && c.StepNumber == step && c.FieldPath == fieldPath && c.Open() {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

// ResolvedConflictForChange finds the latest resolved conflict on the
// field path whose membership includes changeID.
func (m *MemoryStorage) ResolvedConflictForChange(_ context.Context, sessionID string, step int, fieldPath, changeID string) (*types.FieldConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *types.FieldConflict
	for _, c := range m.conflicts {
		if c.SessionID != sessionID || c.StepNumber != step || c.FieldPath != fieldPath || c.Open() {
			continue
		}
		member := false
		for _, id := range c.ConflictingChanges {
			if id == changeID {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		if latest == nil || c.ResolvedAt.After(*latest.ResolvedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

// CloseConflict transitions a conflict to resolved exactly once.
func (m *MemoryStorage) CloseConflict(_ context.Context, conflictID, resolvedBy string, finalValue docvalue.Value, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflict, ok := m.conflicts[conflictID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrConflictNotFound, conflictID)
	}
	if !conflict.Open() {
		return fmt.Errorf("%w: %s", types.ErrAlreadyResolved, conflictID)
	}
	t := resolvedAt
	conflict.ResolvedAt = &t
	conflict.ResolvedBy = resolvedBy
	v := finalValue
	conflict.FinalValue = &v
	return nil
}

// OpenConflicts lists open conflicts, ordered by detection time.
func (m *MemoryStorage) OpenConflicts(_ context.Context, sessionID string, step *int) ([]*types.FieldConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.FieldConflict
	for _, c := range m.conflicts {
		if c.SessionID != sessionID || !c.Open() {
			continue
		}
		if step != nil && c.StepNumber != *step {
			continue
		}
		copied := *c
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ConflictID < out[j].ConflictID
	})
	return out, nil
}

// PutSession installs or replaces a session document.
func (m *MemoryStorage) PutSession(_ context.Context, session *types.WorkflowSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied, err := copySession(session)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now
	m.sessions[session.SessionID] = copied
	return nil
}

// GetSession loads a session document.
func (m *MemoryStorage) GetSession(_ context.Context, sessionID string) (*types.WorkflowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	return copySession(session)
}

// UpdateStepData applies fn to a copy of the step data and swaps the
// session document in atomically; a failed fn leaves the stored
// document untouched.
func (m *MemoryStorage) UpdateStepData(_ context.Context, sessionID string, step int, fn func(data map[string]any) error, modifiedBy string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	working, err := copySession(session)
	if err != nil {
		return err
	}

	target := working.Step(step)
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
	working.UpdatedAt = now
	m.sessions[sessionID] = working
	return nil
}

// AppendAuditEntry records one flush batch.
func (m *MemoryStorage) AppendAuditEntry(_ context.Context, entry *types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAudit++
	stored := *entry
	stored.ID = m.nextAudit
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, &stored)
	entry.ID = stored.ID
	entry.CreatedAt = stored.CreatedAt
	return nil
}

// AuditEntries returns the most recent flush records for a session.
func (m *MemoryStorage) AuditEntries(_ context.Context, sessionID string, limit int) ([]*types.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].SessionID != sessionID {
			continue
		}
		copied := *m.audit[i]
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SessionStats aggregates queue counters for one session.
func (m *MemoryStorage) SessionStats(_ context.Context, sessionID string) (*types.SessionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &types.SessionStats{SessionID: sessionID}
	for _, c := range m.changes {
		if c.SessionID != sessionID {
			continue
		}
		stats.TotalChanges++
		if c.IsProcessed {
			stats.ProcessedChanges++
		} else {
			stats.PendingChanges++
		}
	}
	for _, c := range m.conflicts {
		if c.SessionID != sessionID {
			continue
		}
		if c.Open() {
			stats.OpenConflicts++
		} else {
			stats.ResolvedConflicts++
		}
	}
	return stats, nil
}

// Cleanup purges processed changes and audit logs older than cutoff.
func (m *MemoryStorage) Cleanup(_ context.Context, olderThan time.Time) (storage.CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result storage.CleanupResult
	for id, c := range m.changes {
		if c.IsProcessed && c.ProcessedAt != nil && c.ProcessedAt.Before(olderThan) {
			delete(m.changes, id)
			result.ChangesRemoved++
		}
	}
	var kept []*types.AuditEntry
	for _, e := range m.audit {
		if e.CreatedAt.Before(olderThan) {
			result.LogsRemoved++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return result, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryStorage) Close() error { return nil }

// Path returns "" because there is no backing file.
func (m *MemoryStorage) Path() string { return "" }

// copySession deep-copies through JSON so callers can never alias the
// stored nested data maps.
func copySession(session *types.WorkflowSession) (*types.WorkflowSession, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to copy session: %w", err)
	}
	var out types.WorkflowSession
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy session: %w", err)
	}
	return &out, nil
}

func unionIDs(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	var out []string
	for _, id := range append(append([]string{}, existing...), added...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
