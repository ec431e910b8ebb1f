// Package queue provides a durable SQLite job queue with leased claiming,
// per-project mutual exclusion, retries, cancellation and dedup.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// JobState represents the current state of a job
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled}

// IsValidState returns true if the string is a valid JobState
func IsValidState(s string) bool {
	switch JobState(s) {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal is true for states a job never leaves without an admin retry.
func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// DefaultMaxAttempts is used when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 3

// DefaultDedupeActive is the marker stored for non-terminal jobs that carry a dedupe key.
const DefaultDedupeActive = "active"

// Job is one durable unit of work.
//
// Payload is opaque to the queue and immutable after insert. Handlers decode it
// through the registry using Type as the tag.
type Job struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	State             JobState        `json:"state"`
	ProjectID         *string         `json:"projectId,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int             `json:"priority"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"maxAttempts"`
	RunAt             time.Time       `json:"runAt"`
	LockedAt          *time.Time      `json:"lockedAt,omitempty"`
	LockExpiresAt     *time.Time      `json:"lockExpiresAt,omitempty"`
	LockedBy          *string         `json:"lockedBy,omitempty"`
	DedupeKey         *string         `json:"dedupeKey,omitempty"`
	DedupeActive      *string         `json:"dedupeActive,omitempty"`
	CancelRequestedAt *time.Time      `json:"cancelRequestedAt,omitempty"`
	CancelledAt       *time.Time      `json:"cancelledAt,omitempty"`
	LastError         *string         `json:"lastError,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// NewJob builds a queued job for payload. The id is a fresh UUID and RunAt
// defaults to now; callers adjust the remaining fields before Insert.
func NewJob(jobType string, payload json.RawMessage, now time.Time) (*Job, error) {
	if jobType == "" {
		return nil, errors.NewInvalidRequestError("job type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, errors.Wrapf(ErrInvalidPayload, "payload for %s is not valid JSON", jobType)
	}

	now = now.UTC()
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		State:       StateQueued,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Project returns the project id or "" for jobs not bound to a project.
func (j *Job) Project() string {
	if j.ProjectID == nil {
		return ""
	}
	return *j.ProjectID
}

// Lease returns the fencing token for the current claim. Only meaningful
// while the job is running.
func (j *Job) Lease() Lease {
	l := Lease{JobID: j.ID, Attempt: j.Attempts}
	if j.LockedBy != nil {
		l.WorkerID = *j.LockedBy
	}
	if j.LockExpiresAt != nil {
		l.ExpiresAt = *j.LockExpiresAt
	}
	return l
}

// AttemptsLeft reports whether another claim is allowed.
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// Lease identifies one claim of one job. A claim increments Attempts, so
// (WorkerID, Attempt) is unique per lease generation and acts as a fencing token.
type Lease struct {
	JobID     string    `json:"jobId"`
	WorkerID  string    `json:"workerId"`
	Attempt   int       `json:"attempt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
