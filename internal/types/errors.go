package types

import "errors"

// The closed enumeration of error kinds surfaced by public operations.
// Callers discriminate with errors.Is; everything else is an internal
// failure wrapped with context.
var (
	// ErrInvalidFieldPath rejects an empty path or a path with an empty
	// segment at Enqueue.
	ErrInvalidFieldPath = errors.New("invalid field path")

	// ErrDuplicateChange means the change_id already exists. Enqueue
	// treats this as an idempotent client retry, not a failure.
	ErrDuplicateChange = errors.New("duplicate change id")

	// ErrUnavailable wraps storage timeouts and transient errors. All
	// operations are safe to retry: unique ids, set-true transitions,
	// append-only audit.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrPathConflict means the stored document has a non-object value
	// where a field path segment must traverse. The whole batch fails;
	// nothing is applied or marked processed.
	ErrPathConflict = errors.New("path conflict")

	// ErrConflictNotFound means no open conflict exists for the
	// requested (session, step, field_path).
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrAlreadyResolved rejects closing a conflict twice.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrSessionNotFound means the target workflow session does not
	// exist in the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStepNotFound means the session exists but has no step with
	// the requested number.
	ErrStepNotFound = errors.New("step not found")
)
