package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// Payload is implemented by every job payload struct. JobType is the tag stored in
// the type column and must be stable across releases. Implement it on the value
// receiver so the zero value can report its tag.
type Payload interface {
	JobType() string
}

// HandlerFunc executes one job with a decoded payload.
//
// Context cancellation: the worker cancels ctx with cause ErrCancelRequested when a
// cancel is requested, or ErrLeaseLost when the lease is gone. Long handlers should
// watch ctx.Done() and call run.Fence before irreversible side effects.
type HandlerFunc[P Payload] func(ctx context.Context, run *Run, payload P) error

// entry is the type-erased form stored in the registry.
type entry struct {
	jobType string
	invoke  func(ctx context.Context, run *Run, raw json.RawMessage) error
}

// HandlerRegistry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]entry
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]entry),
	}
}

// Register binds the payload type P to fn. The tag comes from P's JobType.
// Panics if a handler is already registered for that tag.
func Register[P Payload](r *HandlerRegistry, fn HandlerFunc[P]) {
	var zero P
	jobType := zero.JobType()
	if jobType == "" {
		panic("job type must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = entry{
		jobType: jobType,
		invoke: func(ctx context.Context, run *Run, raw json.RawMessage) error {
			var payload P
			if err := json.Unmarshal(raw, &payload); err != nil {
				return errors.Wrapf(ErrInvalidPayload, "decode %s: %v", jobType, err)
			}
			return fn(ctx, run, payload)
		},
	}
}

// Has checks if a handler is registered for a job type.
func (r *HandlerRegistry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns all registered job types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch decodes the job's payload and runs its handler.
// Unknown types and undecodable payloads are permanent errors.
func (r *HandlerRegistry) Dispatch(ctx context.Context, run *Run) error {
	job := run.Job()

	r.mu.RLock()
	e, ok := r.handlers[job.Type]
	r.mu.RUnlock()

	if !ok {
		return errors.Wrapf(ErrUnknownJobType, "no handler for %q", job.Type)
	}
	return e.invoke(ctx, run, job.Payload)
}

// EncodePayload marshals p for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, errors.Wrap(ErrInvalidPayload, "payload is nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidPayload, "encode %s: %v", p.JobType(), err)
	}
	return raw, nil
}

// DecodePayload unmarshals a job's payload into P, checking the tag matches.
func DecodePayload[P Payload](job *Job) (P, error) {
	var payload P
	if job.Type != payload.JobType() {
		return payload, errors.Wrapf(ErrInvalidPayload, "job type %q is not %q", job.Type, payload.JobType())
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, errors.Wrapf(ErrInvalidPayload, "decode %s: %v", job.Type, err)
	}
	return payload, nil
}
