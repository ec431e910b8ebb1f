package queue

import (
	"database/sql"
	"time"
)

// jobColumns is the column order every job SELECT and RETURNING clause uses.
const jobColumns = `id, type, state, project_id, payload, priority, attempts, max_attempts,
	run_at, locked_at, lock_expires_at, locked_by, dedupe_key, dedupe_active,
	cancel_requested_at, cancelled_at, last_error, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jobScanArgs holds the nullable intermediates for one row.
type jobScanArgs struct {
	ProjectID         sql.NullString
	Payload           sql.NullString
	RunAt             int64
	LockedAt          sql.NullInt64
	LockExpiresAt     sql.NullInt64
	LockedBy          sql.NullString
	DedupeKey         sql.NullString
	DedupeActive      sql.NullString
	CancelRequestedAt sql.NullInt64
	CancelledAt       sql.NullInt64
	LastError         sql.NullString
	CreatedAt         int64
	UpdatedAt         int64
}

func (a *jobScanArgs) targets(job *Job) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&job.State,
		&a.ProjectID,
		&a.Payload,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&a.RunAt,
		&a.LockedAt,
		&a.LockExpiresAt,
		&a.LockedBy,
		&a.DedupeKey,
		&a.DedupeActive,
		&a.CancelRequestedAt,
		&a.CancelledAt,
		&a.LastError,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
}

func (a *jobScanArgs) apply(job *Job) {
	job.ProjectID = nullString(a.ProjectID)
	if a.Payload.Valid {
		job.Payload = []byte(a.Payload.String)
	}
	job.RunAt = fromMillis(a.RunAt)
	job.LockedAt = nullTime(a.LockedAt)
	job.LockExpiresAt = nullTime(a.LockExpiresAt)
	job.LockedBy = nullString(a.LockedBy)
	job.DedupeKey = nullString(a.DedupeKey)
	job.DedupeActive = nullString(a.DedupeActive)
	job.CancelRequestedAt = nullTime(a.CancelRequestedAt)
	job.CancelledAt = nullTime(a.CancelledAt)
	job.LastError = nullString(a.LastError)
	job.CreatedAt = fromMillis(a.CreatedAt)
	job.UpdatedAt = fromMillis(a.UpdatedAt)
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(args.targets(&job)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
