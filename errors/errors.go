// Package errors provides error handling for loom.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Sentinel errors for the job execution engine
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrVersionConflict) {
//	    // re-read authoritative state and reconcile
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the execution engine. Use these with errors.Is() and
// wrap them with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrVersionConflict indicates a persisted write carried a stale version
	// token: another node changed the record since it was last read.
	ErrVersionConflict = New("version conflict")

	// ErrShutdown indicates the component has been shut down and is a dead end
	ErrShutdown = New("component shut down")

	// ErrQueueFull indicates the task queue's waiting container is at its limit
	ErrQueueFull = New("task queue full")

	// ErrHandlerNotFound indicates no handler is registered for a job definition.
	// This is a configuration error, not a transient failure.
	ErrHandlerNotFound = New("handler not found")

	// ErrLockNotAcquired indicates the distributed lease is held elsewhere:
	// another execution of the same recurring schedule is in flight.
	ErrLockNotAcquired = New("lock not acquired")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsVersionConflict checks if an error is or wraps ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return err != nil && Is(err, ErrVersionConflict)
}
