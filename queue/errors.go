package queue

import (
	"github.com/pablopunk/doce.dev-sub004/errors"
)

var (
	// ErrDuplicateActiveJob means another non-terminal job holds the same dedupe key.
	ErrDuplicateActiveJob = errors.Mark(errors.New("duplicate active job"), errors.ErrConflict)

	// ErrInvalidTransition means the job is in a state the operation does not accept.
	ErrInvalidTransition = errors.Mark(errors.New("invalid job state transition"), errors.ErrInvalidRequest)

	// ErrUnknownJobType means no handler is registered for the job's type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidPayload means the payload could not be decoded for its type.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrLeaseLost means the worker no longer holds the job's lease.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrCancelRequested is the context cause when a running job is cancelled.
	ErrCancelRequested = errors.New("job cancellation requested")
)

// permanentError marks a handler error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the job without scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried. Unknown types and
// undecodable payloads are always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.IsAny(err, ErrUnknownJobType, ErrInvalidPayload)
}

// IsConflict reports a dedupe collision.
func IsConflict(err error) bool {
	return err != nil && errors.Is(err, ErrDuplicateActiveJob)
}
