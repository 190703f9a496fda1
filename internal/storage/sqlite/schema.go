package sqlite

const schema = `
-- Field change queue
CREATE TABLE IF NOT EXISTS field_change_queue (
    change_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    step_number INTEGER NOT NULL,
    field_path TEXT NOT NULL,
    old_value TEXT,                 -- JSON; NULL when the client sent no snapshot
    new_value TEXT NOT NULL,        -- JSON
    user_id TEXT NOT NULL DEFAULT '',
    user_name TEXT NOT NULL DEFAULT '',
    ts INTEGER NOT NULL,            -- monotonic ordering key, ns since epoch
    is_processed INTEGER NOT NULL DEFAULT 0,
    conflict_detected INTEGER NOT NULL DEFAULT 0,
    processed_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CHECK (
        (is_processed = 0 AND processed_at IS NULL) OR
        (is_processed = 1 AND processed_at IS NOT NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_fcq_session_step_ts
    ON field_change_queue(session_id, step_number, ts);
CREATE INDEX IF NOT EXISTS idx_fcq_session_step_field_pending
    ON field_change_queue(session_id, step_number, field_path, is_processed);
CREATE INDEX IF NOT EXISTS idx_fcq_session_field_ts
    ON field_change_queue(session_id, field_path, ts);
CREATE INDEX IF NOT EXISTS idx_fcq_processed_at
    ON field_change_queue(is_processed, processed_at);

-- Field conflicts
CREATE TABLE IF NOT EXISTS field_conflicts (
    conflict_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    step_number INTEGER NOT NULL,
    field_path TEXT NOT NULL,
    conflicting_changes TEXT NOT NULL DEFAULT '[]',  -- JSON array of change ids
    detected_at DATETIME NOT NULL,
    resolution_strategy TEXT NOT NULL DEFAULT 'fifo_wins',
    resolved_at DATETIME,
    resolved_by TEXT NOT NULL DEFAULT '',
    final_value TEXT                -- JSON; NULL until resolved
);

CREATE INDEX IF NOT EXISTS idx_conflicts_lookup
    ON field_conflicts(session_id, step_number, field_path, resolved_at);
-- Invariant: at most one open conflict per (session, step, field_path).
CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_single_open
    ON field_conflicts(session_id, step_number, field_path)
    WHERE resolved_at IS NULL;

-- Workflow sessions (externally owned; the core writes one step's data)
CREATE TABLE IF NOT EXISTS workflow_sessions (
    session_id TEXT PRIMARY KEY,
    steps TEXT NOT NULL DEFAULT '[]',  -- JSON array of {step_number, data, last_modified, modified_by}
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Append-only flush audit
CREATE TABLE IF NOT EXISTS fifo_processing_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    step_number INTEGER NOT NULL,
    event TEXT NOT NULL,
    change_count INTEGER NOT NULL DEFAULT 0,
    field_count INTEGER NOT NULL DEFAULT 0,
    changes TEXT NOT NULL DEFAULT '[]',  -- JSON per-change dispositions
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_logs_session_created
    ON fifo_processing_logs(session_id, created_at);

-- Metadata table (internal state such as schema markers)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
