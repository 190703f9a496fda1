package rpc

import (
	"encoding/json"

	"github.com/untoldecay/FormQueue/internal/docvalue"
)

// Operation constants for all fq commands
const (
	OpPing     = "ping"
	OpStatus   = "status"
	OpHealth   = "health"
	OpShutdown = "shutdown"

	OpEnqueue   = "enqueue"
	OpFlush     = "flush"
	OpResolve   = "resolve"
	OpConflicts = "conflicts"
	OpHistory   = "history"
	OpStats     = "stats"
	OpAudit     = "audit"
	OpCleanup   = "cleanup"

	OpSessionPut  = "session_put"
	OpSessionShow = "session_show"
)

// Request represents an RPC request from client to daemon
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args"`
	Actor         string          `json:"actor,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
	ExpectedDB    string          `json:"expected_db,omitempty"` // Expected database path for validation
}

// Response represents an RPC response from daemon to client
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EnqueueArgs represents arguments for the enqueue operation
type EnqueueArgs struct {
	ChangeID   string          `json:"change_id,omitempty"` // Generated server-side when empty
	SessionID  string          `json:"session_id"`
	StepNumber int             `json:"step_number"`
	FieldPath  string          `json:"field_path"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value"`
	UserID     string          `json:"user_id"`
	UserName   string          `json:"user_name,omitempty"`
	AutoFlush  bool            `json:"auto_flush,omitempty"` // Schedule a coalesced background flush
}

// FlushArgs represents arguments for the flush operation
type FlushArgs struct {
	SessionID  string `json:"session_id"`
	StepNumber int    `json:"step_number"`
}

// ResolveArgs represents arguments for the resolve operation
type ResolveArgs struct {
	SessionID  string          `json:"session_id"`
	StepNumber int             `json:"step_number"`
	FieldPath  string          `json:"field_path"`
	Strategy   string          `json:"strategy,omitempty"`
	FinalValue json.RawMessage `json:"final_value,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
}

// ConflictsArgs represents arguments for the conflicts operation
type ConflictsArgs struct {
	SessionID  string `json:"session_id"`
	StepNumber *int   `json:"step_number,omitempty"`
}

// HistoryArgs represents arguments for the history operation
type HistoryArgs struct {
	SessionID string `json:"session_id"`
	FieldPath string `json:"field_path"`
}

// StatsArgs represents arguments for the stats operation
type StatsArgs struct {
	SessionID string `json:"session_id"`
}

// AuditArgs represents arguments for the audit operation
type AuditArgs struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

// CleanupArgs represents arguments for the cleanup operation
type CleanupArgs struct {
	OlderThan string `json:"older_than"` // RFC 3339 cutoff
}

// SessionPutArgs represents arguments for installing a session fixture
type SessionPutArgs struct {
	Session json.RawMessage `json:"session"`
}

// SessionShowArgs represents arguments for the session_show operation
type SessionShowArgs struct {
	SessionID string `json:"session_id"`
}

// PingResponse is the response for a ping operation
type PingResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// StatusResponse represents the daemon status metadata
type StatusResponse struct {
	Version          string  `json:"version"`
	DatabasePath     string  `json:"database_path"`
	SocketPath       string  `json:"socket_path"`
	PID              int     `json:"pid"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LastActivityTime string  `json:"last_activity_time"`
	DefaultStrategy  string  `json:"default_strategy"`
}

// HealthResponse is the response for a health check operation
type HealthResponse struct {
	Status         string  `json:"status"` // "healthy", "degraded", "unhealthy"
	Version        string  `json:"version"`
	ClientVersion  string  `json:"client_version,omitempty"`
	Compatible     bool    `json:"compatible"`
	Uptime         float64 `json:"uptime_seconds"`
	DBResponseTime float64 `json:"db_response_ms"`
	ActiveConns    int32   `json:"active_connections"`
	MaxConns       int     `json:"max_connections"`
	Error          string  `json:"error,omitempty"`
}

// CleanupResponse reports how many rows a cleanup removed
type CleanupResponse struct {
	ChangesRemoved int64 `json:"changes_removed"`
	LogsRemoved    int64 `json:"logs_removed"`
}

// decodeValue converts a raw JSON argument into a document value.
func decodeValue(raw json.RawMessage) (*docvalue.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := docvalue.FromJSON(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
