package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pablopunk/doce.dev-sub004/db"
	"github.com/pablopunk/doce.dev-sub004/errors"
)

// MaxPageSize bounds list queries.
const MaxPageSize = 200

// DefaultPageSize is used when a list query does not set a limit.
const DefaultPageSize = 50

// Store handles persistence of queue jobs and settings.
// Every state change is a single autocommit statement so the row itself is the lock.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a job store over a migrated database.
func NewStore(conn *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: conn, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Insert creates a queued job. A dedupe collision returns an error matching ErrDuplicateActiveJob.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.NewInvalidRequestError("job is nil")
	}
	if job.MaxAttempts < 1 {
		return errors.NewInvalidRequestError("max attempts must be >= 1, got %d", job.MaxAttempts)
	}
	if job.State == "" {
		job.State = StateQueued
	}
	if job.State != StateQueued {
		return errors.Wrapf(ErrInvalidTransition, "new jobs must be queued, got %s", job.State)
	}
	if job.DedupeKey != nil && job.DedupeActive == nil {
		active := DefaultDedupeActive
		job.DedupeActive = &active
	}

	now := s.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (
			id, type, state, project_id, payload, priority, attempts, max_attempts,
			run_at, dedupe_key, dedupe_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Type,
		job.State,
		nullStr(job.ProjectID),
		string(job.Payload),
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		toMillis(job.RunAt),
		nullStr(job.DedupeKey),
		nullStr(job.DedupeActive),
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.WithDetail(
				errors.Wrapf(ErrDuplicateActiveJob, "dedupe key %q", deref(job.DedupeKey)),
				fmt.Sprintf("Job type: %s", job.Type),
			)
		}
		return errors.WithDetail(errors.Wrap(err, "failed to insert job"), fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

// ClaimNext atomically leases the best claimable job for workerID, or returns nil when
// nothing is claimable. Ordering is priority DESC, runAt ASC, createdAt ASC, insertion order.
//
// A job is claimable when the queue is not paused, it has attempts left, and nothing
// else in its project is running. It must also be either queued and due, or running
// with an expired lease. The second case is the lease reclaim.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, errors.NewInvalidRequestError("worker id is required")
	}
	if lease <= 0 {
		return nil, errors.NewInvalidRequestError("lease duration must be positive, got %s", lease)
	}

	now := s.Now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET state = 'running',
		    locked_at = ?1,
		    lock_expires_at = ?2,
		    locked_by = ?3,
		    attempts = attempts + 1,
		    updated_at = ?1
		WHERE id = (
			SELECT j.id FROM queue_jobs j
			WHERE NOT EXISTS (SELECT 1 FROM queue_settings WHERE id = 1 AND paused = 1)
			  AND j.attempts < j.max_attempts
			  AND j.cancel_requested_at IS NULL
			  AND (
			        (j.state = 'queued'
			         AND j.run_at <= ?1
			         AND (j.lock_expires_at IS NULL OR j.lock_expires_at < ?1))
			     OR (j.state = 'running' AND j.lock_expires_at < ?1)
			  )
			  AND (j.project_id IS NULL OR NOT EXISTS (
			        SELECT 1 FROM queue_jobs r
			        WHERE r.project_id = j.project_id
			          AND r.state = 'running'
			          AND r.id <> j.id))
			ORDER BY j.priority DESC, j.run_at ASC, j.created_at ASC, j.rowid ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		toMillis(now), toMillis(now.Add(lease)), workerID,
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to claim job"), fmt.Sprintf("Worker ID: %s", workerID))
	}
	return job, nil
}

// HeartbeatResult reports what a lease extension observed.
type HeartbeatResult struct {
	Held            bool
	CancelRequested bool
	ExpiresAt       time.Time
}

// Heartbeat extends the lease while the fencing token still matches.
// Held is false when another worker reclaimed the job or an admin unlocked it.
func (s *Store) Heartbeat(ctx context.Context, l Lease, lease time.Duration) (HeartbeatResult, error) {
	now := s.Now()
	expires := now.Add(lease)

	var cancelRequested sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running' AND locked_by = ? AND attempts = ?
		RETURNING cancel_requested_at`,
		toMillis(expires), toMillis(now), l.JobID, l.WorkerID, l.Attempt,
	).Scan(&cancelRequested)
	if err == sql.ErrNoRows {
		return HeartbeatResult{}, nil
	}
	if err != nil {
		return HeartbeatResult{}, errors.WithDetail(errors.Wrap(err, "failed to extend lease"), fmt.Sprintf("Job ID: %s", l.JobID))
	}
	return HeartbeatResult{Held: true, CancelRequested: cancelRequested.Valid, ExpiresAt: expires}, nil
}

// OutcomeKind is how a run ended.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeRetry     OutcomeKind = "retry"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the result a worker settles a lease with.
type Outcome struct {
	Kind  OutcomeKind
	Err   error
	RunAt time.Time
	// Refund gives the claimed attempt back on a retry.
	Refund bool
}

// Succeeded settles a job as done.
func Succeeded() Outcome { return Outcome{Kind: OutcomeSucceeded} }

// Failed settles a job as terminally failed.
func Failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

// Retry puts a job back in the queue to run no earlier than runAt.
func Retry(err error, runAt time.Time) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err, RunAt: runAt}
}

// Requeue is a Retry that does not count the interrupted run as an attempt.
func Requeue(err error, runAt time.Time) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err, RunAt: runAt, Refund: true}
}

// Cancelled settles a job as cancelled.
func Cancelled() Outcome { return Outcome{Kind: OutcomeCancelled} }

// Settle records the outcome of a lease. It returns false when the fencing token no
// longer matches, in which case nothing changed.
func (s *Store) Settle(ctx context.Context, l Lease, o Outcome) (bool, error) {
	now := toMillis(s.Now())

	var (
		query string
		args  []interface{}
	)
	switch o.Kind {
	case OutcomeSucceeded:
		query = `UPDATE queue_jobs
			SET state = 'succeeded', dedupe_active = NULL,
			    locked_at = NULL, lock_expires_at = NULL, locked_by = NULL, updated_at = ?`
		args = []interface{}{now}
	case OutcomeFailed:
		query = `UPDATE queue_jobs
			SET state = 'failed', last_error = ?, dedupe_active = NULL,
			    locked_at = NULL, lock_expires_at = NULL, locked_by = NULL, updated_at = ?`
		args = []interface{}{errorText(o.Err), now}
	case OutcomeRetry:
		query = `UPDATE queue_jobs
			SET state = 'queued', last_error = ?, run_at = ?,
			    attempts = CASE WHEN ? THEN MAX(attempts - 1, 0) ELSE attempts END,
			    locked_at = NULL, lock_expires_at = NULL, locked_by = NULL, updated_at = ?`
		args = []interface{}{errorText(o.Err), toMillis(o.RunAt), o.Refund, now}
	case OutcomeCancelled:
		query = `UPDATE queue_jobs
			SET state = 'cancelled', cancelled_at = ?, dedupe_active = NULL,
			    cancel_requested_at = COALESCE(cancel_requested_at, ?),
			    locked_at = NULL, lock_expires_at = NULL, locked_by = NULL, updated_at = ?`
		args = []interface{}{now, now, now}
	default:
		return false, errors.NewInvalidRequestError("unknown outcome %q", o.Kind)
	}

	query += ` WHERE id = ? AND state = 'running' AND locked_by = ? AND attempts = ?`
	args = append(args, l.JobID, l.WorkerID, l.Attempt)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.WithDetail(
			errors.Wrapf(err, "failed to settle job as %s", o.Kind),
			fmt.Sprintf("Job ID: %s", l.JobID),
		)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read settle result")
	}
	return n == 1, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to get job"), fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// CancelRequested reports whether a cancel flag is set on the job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested_at FROM queue_jobs WHERE id = ?`, id).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read cancel flag")
	}
	return requested.Valid, nil
}

// Page selects a window of a list query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListFilter restricts List. Empty fields match everything.
type ListFilter struct {
	ProjectID string
	State     JobState
	Type      string
	Page
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	page := f.Page.normalize()

	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE 1 = 1`
	var args []interface{}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan jobs")
	}
	return jobs, nil
}

// ListByProject returns a project's jobs newest first.
func (s *Store) ListByProject(ctx context.Context, projectID string, page Page) ([]*Job, error) {
	if projectID == "" {
		return nil, errors.NewInvalidRequestError("project id is required")
	}
	return s.List(ctx, ListFilter{ProjectID: projectID, Page: page})
}

// ListByState returns jobs in state newest first.
func (s *Store) ListByState(ctx context.Context, state JobState, page Page) ([]*Job, error) {
	if !IsValidState(string(state)) {
		return nil, errors.NewInvalidRequestError("invalid job state %q", state)
	}
	return s.List(ctx, ListFilter{State: state, Page: page})
}

// CountByState returns the number of jobs per state. Every state is present.
func (s *Store) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobState]int, len(AllStates))
	for _, st := range AllStates {
		counts[st] = 0
	}
	for rows.Next() {
		var st JobState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// FindActiveByDedupeKey returns the non-terminal job holding (key, active), or nil.
func (s *Store) FindActiveByDedupeKey(ctx context.Context, key, active string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE dedupe_key = ? AND dedupe_active = ?`,
		key, active,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up dedupe key %q", key)
	}
	return job, nil
}

// ForceUnlock clears the lease of a running or lease-holding queued job regardless of
// expiry. Running jobs go back to queued with the interrupted attempt given back, so a
// job on its last attempt stays claimable. A running job with a pending cancel request
// becomes cancelled instead, since nothing will claim it again.
func (s *Store) ForceUnlock(ctx context.Context, id string) (*Job, error) {
	now := toMillis(s.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET state = CASE WHEN cancel_requested_at IS NOT NULL THEN 'cancelled' ELSE 'queued' END,
		    cancelled_at = CASE WHEN cancel_requested_at IS NOT NULL THEN ?1 ELSE cancelled_at END,
		    dedupe_active = CASE WHEN cancel_requested_at IS NOT NULL THEN NULL ELSE dedupe_active END,
		    attempts = CASE WHEN state = 'running' AND cancel_requested_at IS NULL
		                    THEN MAX(attempts - 1, 0) ELSE attempts END,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    locked_by = NULL,
		    updated_at = ?1
		WHERE id = ?2 AND state IN ('queued', 'running')
		RETURNING `+jobColumns,
		now, id,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, s.transitionError(ctx, id, "unlock")
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to unlock job"), fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// Cancel requests cancellation. Queued jobs have nothing executing them and move to
// cancelled at once. Running jobs only get the flag; the handler observes it and the
// worker settles the job as cancelled.
func (s *Store) Cancel(ctx context.Context, id string) (*Job, error) {
	now := toMillis(s.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET cancel_requested_at = COALESCE(cancel_requested_at, ?1),
		    state = CASE WHEN state = 'queued' THEN 'cancelled' ELSE state END,
		    cancelled_at = CASE WHEN state = 'queued' THEN ?1 ELSE cancelled_at END,
		    dedupe_active = CASE WHEN state = 'queued' THEN NULL ELSE dedupe_active END,
		    locked_at = CASE WHEN state = 'queued' THEN NULL ELSE locked_at END,
		    lock_expires_at = CASE WHEN state = 'queued' THEN NULL ELSE lock_expires_at END,
		    locked_by = CASE WHEN state = 'queued' THEN NULL ELSE locked_by END,
		    updated_at = ?1
		WHERE id = ?2 AND state IN ('queued', 'running')
		RETURNING `+jobColumns,
		now, id,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, s.transitionError(ctx, id, "cancel")
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to cancel job"), fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// Retry re-queues a failed or cancelled job with a fresh attempt budget.
// The dedupe marker is restored, so a newer active job with the same key makes this
// return ErrDuplicateActiveJob.
func (s *Store) Retry(ctx context.Context, id string) (*Job, error) {
	now := toMillis(s.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE queue_jobs
		SET state = 'queued',
		    attempts = 0,
		    run_at = ?1,
		    cancel_requested_at = NULL,
		    cancelled_at = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    locked_by = NULL,
		    dedupe_active = CASE WHEN dedupe_key IS NOT NULL THEN ?3 ELSE NULL END,
		    updated_at = ?1
		WHERE id = ?2 AND state IN ('failed', 'cancelled')
		RETURNING `+jobColumns,
		now, id, DefaultDedupeActive,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, s.transitionError(ctx, id, "retry")
	}
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errors.WithDetail(
				errors.Wrap(ErrDuplicateActiveJob, "another active job holds this dedupe key"),
				fmt.Sprintf("Job ID: %s", id),
			)
		}
		return nil, errors.WithDetail(errors.Wrap(err, "failed to retry job"), fmt.Sprintf("Job ID: %s", id))
	}
	return job, nil
}

// DeleteByState removes every job in a terminal state and returns how many were removed.
func (s *Store) DeleteByState(ctx context.Context, state JobState) (int, error) {
	if !state.IsTerminal() {
		return 0, errors.Wrapf(ErrInvalidTransition, "only terminal states can be purged, got %q", state)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE state = ?`, state)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete %s jobs", state)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read delete result")
	}
	return int(n), nil
}

// LeaseExpiredMessage is recorded on jobs whose final lease ran out.
const LeaseExpiredMessage = "lease expired after final attempt"

// RecoverExpired settles expired leases that can never be reclaimed: jobs that used
// their last attempt become failed, and jobs with a pending cancel become cancelled.
// Expired leases with attempts left are reclaimed by ClaimNext instead.
func (s *Store) RecoverExpired(ctx context.Context) ([]*Job, error) {
	now := toMillis(s.Now())
	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET state = CASE WHEN cancel_requested_at IS NOT NULL THEN 'cancelled' ELSE 'failed' END,
		    cancelled_at = CASE WHEN cancel_requested_at IS NOT NULL THEN ?1 ELSE cancelled_at END,
		    last_error = CASE WHEN cancel_requested_at IS NOT NULL THEN last_error ELSE ?2 END,
		    dedupe_active = NULL,
		    locked_at = NULL,
		    lock_expires_at = NULL,
		    locked_by = NULL,
		    updated_at = ?1
		WHERE state = 'running'
		  AND lock_expires_at < ?1
		  AND (attempts >= max_attempts OR cancel_requested_at IS NOT NULL)
		RETURNING `+jobColumns,
		now, LeaseExpiredMessage,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover expired leases")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan recovered jobs")
	}
	return jobs, nil
}

// transitionError explains why a conditional update matched no row.
func (s *Store) transitionError(ctx context.Context, id, op string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.WithDetail(
		errors.Wrapf(ErrInvalidTransition, "cannot %s job in state %s", op, job.State),
		fmt.Sprintf("Job ID: %s", id),
	)
}

func errorText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// HoldsLease reports whether l is still the live lease on its job: same owner, same
// attempt, and not yet expired.
func (s *Store) HoldsLease(ctx context.Context, l Lease) (bool, error) {
	var held bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM queue_jobs
			WHERE id = ? AND state = 'running' AND locked_by = ? AND attempts = ?
			  AND lock_expires_at >= ?)`,
		l.JobID, l.WorkerID, l.Attempt, toMillis(s.Now()),
	).Scan(&held)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to check lease"), fmt.Sprintf("Job ID: %s", l.JobID))
	}
	return held, nil
}
