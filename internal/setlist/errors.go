package setlist

import (
	"errors"
	"fmt"
)

// ConflictError rejects a mutation whose base version lost the race. It is
// an expected steady-state outcome of concurrent editing: the caller
// refetches the current state and resubmits.
type ConflictError struct {
	CurrentVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version-conflict: current version is %d", e.CurrentVersion)
}

// ValidationError rejects a malformed operation before any persistence
// attempt.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid mutation: " + e.Detail
}

// PersistenceError wraps a storage failure unrelated to versioning. The
// transaction it interrupted left no partial state; retry policy belongs to
// the caller.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrNotFound marks a setlist that does not exist or is soft-deleted.
var ErrNotFound = errors.New("setlist not found")
