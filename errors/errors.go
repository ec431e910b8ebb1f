// Package errors provides error handling for doce.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints that survive wrapping
//
// Usage:
//
//	if err := store.Insert(ctx, job); err != nil {
//	    return errors.Wrap(err, "failed to enqueue job")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
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
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Common sentinel errors for use across doce.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
