package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/untoldecay/FormQueue/internal/manager"
	"github.com/untoldecay/FormQueue/internal/types"
)

func (s *Server) handleEnqueue(req *Request) Response {
	var args EnqueueArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	newValue, err := decodeValue(args.NewValue)
	if err != nil {
		return argsError(fmt.Errorf("new_value: %w", err))
	}
	if newValue == nil {
		return argsError(fmt.Errorf("new_value is required"))
	}
	oldValue, err := decodeValue(args.OldValue)
	if err != nil {
		return argsError(fmt.Errorf("old_value: %w", err))
	}

	changeID := args.ChangeID
	if changeID == "" {
		changeID, err = manager.NewChangeID()
		if err != nil {
			return errResponse(err)
		}
	}

	change := &types.FieldChange{
		ChangeID:   changeID,
		SessionID:  args.SessionID,
		StepNumber: args.StepNumber,
		FieldPath:  args.FieldPath,
		OldValue:   oldValue,
		NewValue:   *newValue,
		UserID:     args.UserID,
		UserName:   args.UserName,
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	result, err := s.manager.Enqueue(ctx, change)
	if err != nil {
		return errResponse(err)
	}

	if args.AutoFlush && result.Accepted {
		s.manager.ScheduleFlush(args.SessionID, args.StepNumber)
	}
	return okResponse(result)
}

func (s *Server) handleFlush(req *Request) Response {
	var args FlushArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	result, err := s.manager.Flush(ctx, args.SessionID, args.StepNumber)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(result)
}

func (s *Server) handleResolve(req *Request) Response {
	var args ResolveArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	finalValue, err := decodeValue(args.FinalValue)
	if err != nil {
		return argsError(fmt.Errorf("final_value: %w", err))
	}

	resolvedBy := args.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = req.Actor
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	err = s.manager.ResolveManual(ctx, args.SessionID, args.StepNumber, args.FieldPath,
		types.ResolutionStrategy(args.Strategy), finalValue, resolvedBy)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]string{"status": "resolved"})
}

func (s *Server) handleConflicts(req *Request) Response {
	var args ConflictsArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	conflicts, err := s.manager.Conflicts(ctx, args.SessionID, args.StepNumber)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(conflicts)
}

func (s *Server) handleHistory(req *Request) Response {
	var args HistoryArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	changes, err := s.manager.History(ctx, args.SessionID, args.FieldPath)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(changes)
}

func (s *Server) handleStats(req *Request) Response {
	var args StatsArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	stats, err := s.manager.Stats(ctx, args.SessionID)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(stats)
}

func (s *Server) handleAudit(req *Request) Response {
	var args AuditArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	entries, err := s.manager.AuditEntries(ctx, args.SessionID, args.Limit)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(entries)
}

func (s *Server) handleCleanup(req *Request) Response {
	var args CleanupArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	cutoff, err := time.Parse(time.RFC3339, args.OlderThan)
	if err != nil {
		return argsError(fmt.Errorf("older_than: %w", err))
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	result, err := s.manager.Cleanup(ctx, cutoff)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(CleanupResponse{
		ChangesRemoved: result.ChangesRemoved,
		LogsRemoved:    result.LogsRemoved,
	})
}

func (s *Server) handleSessionPut(req *Request) Response {
	var args SessionPutArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	var session types.WorkflowSession
	if err := json.Unmarshal(args.Session, &session); err != nil {
		return argsError(fmt.Errorf("session: %w", err))
	}
	if session.SessionID == "" {
		return argsError(fmt.Errorf("session_id is required"))
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	if err := s.manager.Store().PutSession(ctx, &session); err != nil {
		return errResponse(err)
	}
	return okResponse(map[string]string{"session_id": session.SessionID})
}

func (s *Server) handleSessionShow(req *Request) Response {
	var args SessionShowArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return argsError(err)
	}

	ctx, cancel := s.reqCtx()
	defer cancel()
	session, err := s.manager.Store().GetSession(ctx, args.SessionID)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(session)
}
