package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/fieldpath"
	"github.com/untoldecay/FormQueue/internal/resolve"
	"github.com/untoldecay/FormQueue/internal/types"
)

// FlushResult summarizes one flush batch.
type FlushResult struct {
	SessionID           string                    `json:"session_id"`
	StepNumber          int                       `json:"step_number"`
	ChangesQueued       int                       `json:"changes_queued"`
	ChangesApplied      int                       `json:"changes_applied"`
	ConflictsUnresolved int                       `json:"conflicts_unresolved"`
	FinalValues         map[string]docvalue.Value `json:"final_values"`
}

// fieldOutcome is the reducer's per-path state: the value that will be
// written, who won it, and which member changes it settles.
type fieldOutcome struct {
	value    docvalue.Value
	winnerID string
	memberOf map[string]bool
	strategy types.ResolutionStrategy
	deferred bool
}

// Flush drains the pending queue for one (session, step): it walks the
// queue in FIFO order, resolves detected conflicts with their recorded
// strategy, reduces the survivors to one value per field path, applies
// them to the step document in a single transaction and writes one
// audit record. Changes belonging to a manual conflict stay pending.
func (m *ChangeManager) Flush(ctx context.Context, sessionID string, step int) (*FlushResult, error) {
	st := m.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	result := &FlushResult{
		SessionID:   sessionID,
		StepNumber:  step,
		FinalValues: map[string]docvalue.Value{},
	}

	pending, err := m.store.PendingChanges(ctx, sessionID, step)
	if err != nil {
		return nil, err
	}
	result.ChangesQueued = len(pending)
	if len(pending) == 0 {
		return result, nil
	}

	now := time.Now().UTC()
	byID := make(map[string]*types.FieldChange, len(pending))
	for _, c := range pending {
		byID[c.ChangeID] = c
	}

	outcomes := map[string]*fieldOutcome{}
	for _, change := range pending {
		if out, ok := outcomes[change.FieldPath]; ok && out.memberOf[change.ChangeID] {
			continue
		}
		out, err := m.settleField(ctx, change, byID, now)
		if err != nil {
			return nil, err
		}
		if prev, ok := outcomes[change.FieldPath]; ok && !prev.deferred && !out.deferred {
			// A resolved group and a later lone write on the same
			// path in one batch: FIFO order, the later value wins.
			for id := range prev.memberOf {
				out.memberOf[id] = true
			}
		}
		outcomes[change.FieldPath] = out
	}

	var processed []string
	for path, out := range outcomes {
		if out.deferred {
			result.ConflictsUnresolved++
			continue
		}
		result.FinalValues[path] = out.value
		for id := range out.memberOf {
			processed = append(processed, id)
		}
	}

	if len(result.FinalValues) > 0 {
		err := m.store.UpdateStepData(ctx, sessionID, step, func(data map[string]any) error {
			return fieldpath.Apply(data, result.FinalValues)
		}, m.actor, now)
		if err != nil {
			return nil, err
		}
	}

	if len(processed) > 0 {
		if err := m.store.MarkProcessed(ctx, processed, now); err != nil {
			return nil, err
		}
	}
	result.ChangesApplied = len(processed)

	entry := m.auditEntry(sessionID, step, pending, outcomes, now)
	if err := m.store.AppendAuditEntry(ctx, entry); err != nil {
		return nil, err
	}

	return result, nil
}

// settleField decides the final value for one field path starting from
// the first pending change seen on it.
func (m *ChangeManager) settleField(ctx context.Context, change *types.FieldChange, byID map[string]*types.FieldChange, now time.Time) (*fieldOutcome, error) {
	if !change.ConflictDetected {
		return &fieldOutcome{
			value:    change.NewValue,
			winnerID: change.ChangeID,
			memberOf: map[string]bool{change.ChangeID: true},
		}, nil
	}

	open, err := m.store.OpenConflictFor(ctx, change.SessionID, change.StepNumber, change.FieldPath)
	if err != nil {
		return nil, err
	}

	if open != nil {
		if open.ResolutionStrategy == types.StrategyManual {
			members := map[string]bool{}
			for _, id := range open.ConflictingChanges {
				members[id] = true
			}
			return &fieldOutcome{
				memberOf: members,
				strategy: types.StrategyManual,
				deferred: true,
			}, nil
		}

		var members []*types.FieldChange
		memberSet := map[string]bool{}
		for _, id := range open.ConflictingChanges {
			if c, ok := byID[id]; ok {
				members = append(members, c)
				memberSet[id] = true
			}
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("conflict %s has no pending members", open.ConflictID)
		}
		decision, err := resolve.Decide(open.ResolutionStrategy, members)
		if err != nil {
			return nil, err
		}
		if err := m.store.CloseConflict(ctx, open.ConflictID, decision.WinningChangeID, decision.FinalValue, now); err != nil {
			return nil, err
		}
		return &fieldOutcome{
			value:    decision.FinalValue,
			winnerID: decision.WinningChangeID,
			memberOf: memberSet,
			strategy: open.ResolutionStrategy,
		}, nil
	}

	// Flagged but no open conflict: it was resolved out of band. Honor
	// the recorded decision so the flush applies the operator's value.
	resolved, err := m.store.ResolvedConflictForChange(ctx, change.SessionID, change.StepNumber, change.FieldPath, change.ChangeID)
	if err != nil {
		return nil, err
	}
	if resolved != nil && resolved.FinalValue != nil {
		memberSet := map[string]bool{}
		for _, id := range resolved.ConflictingChanges {
			if _, ok := byID[id]; ok {
				memberSet[id] = true
			}
		}
		memberSet[change.ChangeID] = true
		return &fieldOutcome{
			value:    *resolved.FinalValue,
			winnerID: resolved.ResolvedBy,
			memberOf: memberSet,
			strategy: resolved.ResolutionStrategy,
		}, nil
	}

	// Stale flag with no conflict record either way. Treat as a lone
	// write rather than wedging the queue.
	return &fieldOutcome{
		value:    change.NewValue,
		winnerID: change.ChangeID,
		memberOf: map[string]bool{change.ChangeID: true},
	}, nil
}

// auditEntry builds the per-flush record with one disposition line per
// pending change.
func (m *ChangeManager) auditEntry(sessionID string, step int, pending []*types.FieldChange, outcomes map[string]*fieldOutcome, now time.Time) *types.AuditEntry {
	entry := &types.AuditEntry{
		SessionID:   sessionID,
		StepNumber:  step,
		Event:       types.EventFlush,
		ChangeCount: len(pending),
		CreatedAt:   now,
	}
	for _, change := range pending {
		out := outcomes[change.FieldPath]
		line := types.ChangeLogEntry{
			ChangeID:  change.ChangeID,
			FieldPath: change.FieldPath,
		}
		switch {
		case out == nil || !out.memberOf[change.ChangeID]:
			// Settled by a different group on the same path.
			line.Disposition = types.DispositionShadowed
			line.Reason = "superseded within batch"
		case out.deferred:
			line.Disposition = types.DispositionDeferred
			line.Reason = "awaiting manual resolution"
		case out.winnerID == change.ChangeID:
			line.Disposition = types.DispositionApplied
		case out.strategy == types.StrategyMerge:
			line.Disposition = types.DispositionApplied
			line.Reason = "merged"
		default:
			line.Disposition = types.DispositionShadowed
			if out.strategy != "" {
				line.Reason = fmt.Sprintf("lost %s to %s", out.strategy, out.winnerID)
			}
		}
		entry.Changes = append(entry.Changes, line)
	}
	for _, out := range outcomes {
		if !out.deferred {
			entry.FieldCount++
		}
	}
	return entry
}

type flushKey struct {
	sessionID string
	step      int
}

type flushState struct {
	running bool
	queued  bool
}

// ScheduleFlush coalesces background flush requests for one
// (session, step): at most one flush runs at a time and at most one
// more is queued behind it, so a burst of enqueues collapses into two
// flushes. Errors are logged, not returned.
func (m *ChangeManager) ScheduleFlush(sessionID string, step int) {
	key := flushKey{sessionID: sessionID, step: step}

	m.flushMu.Lock()
	st, ok := m.flushStates[key]
	if !ok {
		st = &flushState{}
		m.flushStates[key] = st
	}
	if st.running {
		st.queued = true
		m.flushMu.Unlock()
		return
	}
	st.running = true
	m.flushMu.Unlock()

	go m.runScheduledFlush(key, st)
}

func (m *ChangeManager) runScheduledFlush(key flushKey, st *flushState) {
	for {
		if _, err := m.Flush(context.Background(), key.sessionID, key.step); err != nil {
			m.logf("background flush %s step %d: %v", key.sessionID, key.step, err)
		}

		m.flushMu.Lock()
		if st.queued {
			st.queued = false
			m.flushMu.Unlock()
			continue
		}
		st.running = false
		m.flushMu.Unlock()
		return
	}
}
