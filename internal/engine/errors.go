package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions callers branch on. Mutating operations
// return exactly one of these (possibly wrapped) or a *BackendError.
var (
	// ErrNotFound reports that no active node (or mount) exists at the
	// requested location.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports that an active node occupies the target path.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidPath reports a malformed path or a missing/invalid parent.
	ErrInvalidPath = errors.New("invalid path")

	// ErrBackendUnavailable reports that the mount is disabled.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotEmpty reports a non-recursive delete of a directory with
	// active children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrVersionConflict reports a guarded update that lost a race.
	ErrVersionConflict = errors.New("version conflict")

	// ErrKeyReused reports a submission whose idempotency key matches an
	// existing entry with different parameters.
	ErrKeyReused = errors.New("idempotency key reused with different parameters")

	// ErrInFlight reports that another execution holds the idempotency key
	// and has not reached a terminal status; the caller should poll or
	// resubmit later rather than assume an outcome.
	ErrInFlight = errors.New("operation still in flight")

	// ErrDuplicateKey is the store-level signal for a journal insert that
	// hit the idempotency uniqueness constraint. The journal translates it
	// into a replay of the existing entry; it never reaches callers.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// IsDuplicateKey reports whether err is the duplicate-idempotency-key signal.
func IsDuplicateKey(err error) bool { return errors.Is(err, ErrDuplicateKey) }

// BackendError wraps a failure from a backend driver. These are the only
// transient errors in the system: the journal entry is marked failed but the
// caller may resubmit the identical idempotency key, since no tree mutation
// happened.
type BackendError struct {
	Op   string // Driver operation: "write", "ensure_directory", "remove", "move_or_copy"
	Path string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// InternalError reports a ledger/tree inconsistency. Fatal for the request
// and logged for operator investigation, never silently swallowed.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal: %s: %v", e.Msg, e.Err)
	}
	return "internal: " + e.Msg
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed execution may be retried by
// resubmitting the same idempotency key. Only backend I/O failures qualify;
// validation and conflict errors are terminal for their key.
func IsRetryable(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// Error kinds persisted on terminal journal entries so a replayed submission
// can reproduce the original outcome.
const (
	errKindNotFound      = "not_found"
	errKindAlreadyExists = "already_exists"
	errKindInvalidPath   = "invalid_path"
	errKindUnavailable   = "backend_unavailable"
	errKindNotEmpty      = "not_empty"
	errKindConflict      = "version_conflict"
	errKindBackendIO     = "backend_io"
	errKindInternal      = "internal"
)

// errorKind maps an error to its persisted kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return errKindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return errKindAlreadyExists
	case errors.Is(err, ErrInvalidPath):
		return errKindInvalidPath
	case errors.Is(err, ErrBackendUnavailable):
		return errKindUnavailable
	case errors.Is(err, ErrNotEmpty):
		return errKindNotEmpty
	case errors.Is(err, ErrVersionConflict):
		return errKindConflict
	case IsRetryable(err):
		return errKindBackendIO
	default:
		return errKindInternal
	}
}

// errorFromKind reconstructs a terminal error recorded on a journal entry.
// Replaying a failed key yields the same error class as the original attempt.
func errorFromKind(kind, msg string) error {
	switch kind {
	case errKindNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case errKindAlreadyExists:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
	case errKindInvalidPath:
		return fmt.Errorf("%w: %s", ErrInvalidPath, msg)
	case errKindUnavailable:
		return fmt.Errorf("%w: %s", ErrBackendUnavailable, msg)
	case errKindNotEmpty:
		return fmt.Errorf("%w: %s", ErrNotEmpty, msg)
	case errKindConflict:
		return fmt.Errorf("%w: %s", ErrVersionConflict, msg)
	default:
		return &InternalError{Msg: msg}
	}
}
