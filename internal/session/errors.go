package session

import (
	"errors"
	"fmt"
	"time"

	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

var (
	// ErrExecutionNotFound is returned when an execution id is not tracked.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionExists is returned by AddExecution when the id is already tracked.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrLeaseNotFound is returned when no lease row exists for an execution id.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrWrongHolder is returned by Extend when the caller's lease id does not
	// match the current holder.
	ErrWrongHolder = errors.New("lease held by a different lease id")

	// ErrSessionNotFound is returned when no state row exists for a session id.
	ErrSessionNotFound = errors.New("session not found")
)

// AlreadyHeldError reports a TryAcquire attempt against a live lease. The
// caller treats it as a duplicate delivery and drops the request.
type AlreadyHeldError struct {
	ExecutionID string
	Holder      string
	ExpiresAt   time.Time
}

func (e *AlreadyHeldError) Error() string {
	return fmt.Sprintf("lease for execution %s already held by %s until %s",
		e.ExecutionID, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// AlreadyActiveError reports a SetActiveExecution attempt while the session's
// slot holds a different execution id.
type AlreadyActiveError struct {
	SessionID         string
	ActiveExecutionID string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("session %s already has active execution %s",
		e.SessionID, e.ActiveExecutionID)
}

// InvalidTransitionError reports a status update that the transition table
// forbids. The stored status is left untouched.
type InvalidTransitionError struct {
	ExecutionID string
	From        v1.ExecutionStatus
	To          v1.ExecutionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for execution %s: %s -> %s",
		e.ExecutionID, e.From, e.To)
}

// StorageError wraps a raw database fault, naming the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
