// Package manager coordinates the FIFO change queue: it stamps and
// appends incoming changes, detects conflicts on enqueue, and owns the
// per-session serialization that makes flushes deterministic.
package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/untoldecay/FormQueue/internal/clock"
	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/fieldpath"
	"github.com/untoldecay/FormQueue/internal/resolve"
	"github.com/untoldecay/FormQueue/internal/storage"
	"github.com/untoldecay/FormQueue/internal/types"
)

// DefaultActor is the writer identity stamped on documents updated by
// a flush batch.
const DefaultActor = "fifo-batch"

const changeIDPrefix = "chg-"

// NewChangeID generates a client-side change id for callers that do
// not bring their own (CLI, tests).
func NewChangeID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate change id: %w", err)
	}
	return changeIDPrefix + hex.EncodeToString(b[:]), nil
}

// Options configures a ChangeManager.
type Options struct {
	// DefaultStrategy is applied to conflicts opened by detection.
	// Empty means fifo_wins.
	DefaultStrategy types.ResolutionStrategy

	// Actor is the writer identity for document stamps. Empty means
	// DefaultActor.
	Actor string

	// Logf receives background-flush errors. Nil means discard.
	Logf func(format string, args ...any)
}

// ChangeManager is the facade over clock, stores, detector, resolver,
// reducer and applier. Construct one per process and inject it; there
// is no package-global instance.
type ChangeManager struct {
	store storage.Storage
	clock *clock.Clock
	actor string
	logf  func(format string, args ...any)

	strategyMu      sync.RWMutex
	defaultStrategy types.ResolutionStrategy

	sessionMu sync.Mutex
	sessions  map[string]*sessionState

	flushMu     sync.Mutex
	flushStates map[flushKey]*flushState
}

// sessionState carries the per-session lock. All mutations for one
// session run under it, which gives the flush its consistent snapshot.
type sessionState struct {
	mu sync.Mutex
}

// New constructs a ChangeManager over the given store.
func New(store storage.Storage, opts Options) *ChangeManager {
	strategy := opts.DefaultStrategy
	if strategy == "" {
		strategy = types.StrategyFIFOWins
	}
	actor := opts.Actor
	if actor == "" {
		actor = DefaultActor
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &ChangeManager{
		store:           store,
		clock:           clock.New(),
		actor:           actor,
		logf:            logf,
		defaultStrategy: strategy,
		sessions:        make(map[string]*sessionState),
		flushStates:     make(map[flushKey]*flushState),
	}
}

// DefaultStrategy returns the strategy applied to newly opened
// conflicts.
func (m *ChangeManager) DefaultStrategy() types.ResolutionStrategy {
	m.strategyMu.RLock()
	defer m.strategyMu.RUnlock()
	return m.defaultStrategy
}

// SetDefaultStrategy swaps the default strategy at runtime (config
// hot-reload). Invalid strategies are ignored.
func (m *ChangeManager) SetDefaultStrategy(s types.ResolutionStrategy) {
	if !types.ValidStrategy(s) {
		return
	}
	m.strategyMu.Lock()
	m.defaultStrategy = s
	m.strategyMu.Unlock()
}

func (m *ChangeManager) session(sessionID string) *sessionState {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		m.sessions[sessionID] = st
	}
	return st
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	ChangeID         string `json:"change_id"`
	Accepted         bool   `json:"accepted"`
	Reason           string `json:"reason,omitempty"`
	ConflictDetected bool   `json:"conflict_detected"`
}

// Enqueue validates, stamps and appends a change, then runs conflict
// detection over the pending set for its field. It returns without
// flushing; a duplicate change_id is reported as accepted=false with
// no error so client retries stay idempotent.
func (m *ChangeManager) Enqueue(ctx context.Context, change *types.FieldChange) (*EnqueueResult, error) {
	if change.ChangeID == "" {
		return nil, fmt.Errorf("change_id is required")
	}
	if change.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := fieldpath.Validate(change.FieldPath); err != nil {
		return nil, err
	}

	st := m.session(change.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	change.Timestamp = m.clock.Next()
	change.IsProcessed = false
	change.ConflictDetected = false

	if err := m.store.AppendChange(ctx, change); err != nil {
		if errors.Is(err, types.ErrDuplicateChange) {
			return &EnqueueResult{ChangeID: change.ChangeID, Accepted: false, Reason: "duplicate"}, nil
		}
		return nil, err
	}

	detected, err := m.detectConflict(ctx, change)
	if err != nil {
		// The change is durably queued; detection will rerun on the
		// next enqueue for this field. Surface the store error.
		return nil, err
	}

	return &EnqueueResult{
		ChangeID:         change.ChangeID,
		Accepted:         true,
		ConflictDetected: detected,
	}, nil
}

// detectConflict opens or extends a conflict when the just-appended
// change is not alone on its field path. Single-writer fields never
// touch the conflict store.
func (m *ChangeManager) detectConflict(ctx context.Context, change *types.FieldChange) (bool, error) {
	pending, err := m.store.PendingChangesForField(ctx, change.SessionID, change.StepNumber, change.FieldPath)
	if err != nil {
		return false, err
	}
	if len(pending) < 2 {
		return false, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ChangeID
	}

	if _, err := m.store.OpenConflict(ctx, &types.FieldConflict{
		SessionID:          change.SessionID,
		StepNumber:         change.StepNumber,
		FieldPath:          change.FieldPath,
		ConflictingChanges: ids,
		ResolutionStrategy: m.DefaultStrategy(),
	}); err != nil {
		return false, err
	}
	if err := m.store.MarkConflictDetected(ctx, ids); err != nil {
		return false, err
	}
	change.ConflictDetected = true
	return true, nil
}

// ResolveManual closes an open conflict from operator tooling. Either
// a concrete strategy (fifo_wins, latest_wins, merge) or an explicit
// final value must be supplied; the decision is recorded on the
// conflict record and honored by the next flush, which then marks all
// member changes processed.
func (m *ChangeManager) ResolveManual(ctx context.Context, sessionID string, step int, fieldPath string, strategy types.ResolutionStrategy, finalValue *docvalue.Value, resolvedBy string) error {
	st := m.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	conflict, err := m.store.OpenConflictFor(ctx, sessionID, step, fieldPath)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("%w: %s step %d field %s", types.ErrConflictNotFound, sessionID, step, fieldPath)
	}

	now := time.Now().UTC()

	if finalValue != nil {
		return m.store.CloseConflict(ctx, conflict.ConflictID, resolvedBy, *finalValue, now)
	}

	if strategy == "" || strategy == types.StrategyManual {
		return fmt.Errorf("manual resolution requires a concrete strategy or an explicit final value")
	}
	if !types.ValidStrategy(strategy) {
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	members, err := m.loadMembers(ctx, conflict)
	if err != nil {
		return err
	}
	decision, err := resolve.Decide(strategy, members)
	if err != nil {
		return err
	}
	return m.store.CloseConflict(ctx, conflict.ConflictID, decision.WinningChangeID, decision.FinalValue, now)
}

func (m *ChangeManager) loadMembers(ctx context.Context, conflict *types.FieldConflict) ([]*types.FieldChange, error) {
	var members []*types.FieldChange
	for _, id := range conflict.ConflictingChanges {
		change, err := m.store.GetChange(ctx, id)
		if err != nil {
			return nil, err
		}
		if change == nil || change.IsProcessed {
			continue
		}
		members = append(members, change)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("conflict %s has no pending members", conflict.ConflictID)
	}
	return members, nil
}

// Stats returns queue counters for one session.
func (m *ChangeManager) Stats(ctx context.Context, sessionID string) (*types.SessionStats, error) {
	return m.store.SessionStats(ctx, sessionID)
}

// History passes through to the change store's full audit view.
func (m *ChangeManager) History(ctx context.Context, sessionID, fieldPath string) ([]*types.FieldChange, error) {
	if err := fieldpath.Validate(fieldPath); err != nil {
		return nil, err
	}
	return m.store.ChangeHistory(ctx, sessionID, fieldPath)
}

// Conflicts lists open conflicts for operator tooling.
func (m *ChangeManager) Conflicts(ctx context.Context, sessionID string, step *int) ([]*types.FieldConflict, error) {
	return m.store.OpenConflicts(ctx, sessionID, step)
}

// AuditEntries returns recent flush records for a session.
func (m *ChangeManager) AuditEntries(ctx context.Context, sessionID string, limit int) ([]*types.AuditEntry, error) {
	return m.store.AuditEntries(ctx, sessionID, limit)
}

// Cleanup purges processed changes and audit logs older than cutoff.
func (m *ChangeManager) Cleanup(ctx context.Context, olderThan time.Time) (storage.CleanupResult, error) {
	return m.store.Cleanup(ctx, olderThan)
}

// Store exposes the underlying storage for operator tooling (session
// fixtures, health probes).
func (m *ChangeManager) Store() storage.Storage {
	return m.store
}
