// Package errors provides error handling for cadence.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Markers that survive wrapping, used for the scheduler error taxonomy
//
// Usage:
//
//	// Wrap with context
//	if err := store.Create(ctx, job); err != nil {
//	    return errors.Wrap(err, "failed to create job")
//	}
//
//	// Classify
//	return errors.NewValidationError("cron_expr is required for recurring jobs")
//
//	// Check
//	if errors.IsNotFoundError(err) {
//	    // 404
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
	Mark         = crdb.Mark
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
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors for the scheduler error taxonomy.
// Errors are classified by marking them with one of these, so errors.Is
// keeps working after any number of Wrap calls.
var (
	// ErrValidation marks malformed schedule fields, rejected before persistence
	ErrValidation = New("validation failed")

	// ErrNotFound indicates the requested job, log or notification does not exist for this owner
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a concurrent modification (stale version)
	ErrConflict = New("resource conflict")

	// ErrTransient marks a handler failure that may be retried
	ErrTransient = New("transient execution error")

	// ErrFatalConfig marks a configuration problem that retrying cannot fix
	// (unknown command, unparseable cron or date)
	ErrFatalConfig = New("fatal configuration error")

	// ErrOrphanedSchedule marks a queue entry whose job no longer exists
	ErrOrphanedSchedule = New("orphaned schedule")

	// ErrPermanent marks a delivery that can never succeed for the job's current state
	ErrPermanent = New("permanent failure")

	// ErrDeferred marks a delivery that could not start yet and should be
	// redelivered later without using up an attempt
	ErrDeferred = New("delivery deferred")
)

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// Transient marks err as retryable. Returns nil for a nil error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransient)
}

// Fatal marks err as a non-retryable configuration error. Returns nil for a nil error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrFatalConfig)
}

// Permanent marks err as non-retryable without classifying it further.
// Returns nil for a nil error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrPermanent)
}

// Deferred marks err as a postponed delivery. Returns nil for a nil error.
func Deferred(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrDeferred)
}

// Orphaned creates an orphaned-schedule error for the given job id
func Orphaned(jobID string) error {
	err := Mark(Newf("job %s no longer exists", jobID), ErrOrphanedSchedule)
	return WithDetail(err, "Job ID: "+jobID)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsOrphanedSchedule checks if an error is or wraps ErrOrphanedSchedule
func IsOrphanedSchedule(err error) bool {
	return err != nil && Is(err, ErrOrphanedSchedule)
}

// IsDeferred checks if an error is or wraps ErrDeferred
func IsDeferred(err error) bool {
	return err != nil && Is(err, ErrDeferred)
}

// IsRetryable reports whether the queue should schedule another attempt for err.
// Validation, fatal configuration, orphaned-schedule and permanent errors are never retried;
// everything else, including unmarked errors, is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAny(err, ErrValidation, ErrFatalConfig, ErrOrphanedSchedule, ErrNotFound, ErrPermanent) {
		return false
	}
	return true
}
