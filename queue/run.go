package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
)

// Run is what a handler sees of the job it is executing.
type Run struct {
	job      *Job
	lease    Lease
	store    *Store
	queue    *Queue
	log      *zap.SugaredLogger
	duration time.Duration

	mu       sync.Mutex
	signal   func(cause error)
	lost     bool
	canceled bool
}

func newRun(job *Job, q *Queue, leaseDuration time.Duration, log *zap.SugaredLogger) *Run {
	return &Run{
		job:      job,
		lease:    job.Lease(),
		store:    q.Store(),
		queue:    q,
		duration: leaseDuration,
		log: log.With(
			logger.FieldJobID, job.ID,
			logger.FieldJobType, job.Type,
			logger.FieldProjectID, job.Project(),
			logger.FieldAttempt, job.Attempts,
		),
		signal: func(error) {},
	}
}

// Job returns the claimed job as it was at claim time.
func (r *Run) Job() *Job {
	return r.job
}

// Lease returns the fencing token of this run.
func (r *Run) Lease() Lease {
	return r.lease
}

// Log returns a logger scoped to the job.
func (r *Run) Log() *zap.SugaredLogger {
	return r.log
}

// Attempt is the 1-based attempt number of this run.
func (r *Run) Attempt() int {
	return r.currentLease().Attempt
}

// CancelRequested reads the job's cancel flag from the store.
func (r *Run) CancelRequested(ctx context.Context) (bool, error) {
	requested, err := r.store.CancelRequested(ctx, r.job.ID)
	if err != nil {
		return false, err
	}
	if requested {
		r.markCancelled()
	}
	return requested, nil
}

// Heartbeat extends the lease now. It returns ErrLeaseLost when the lease is gone
// and ErrCancelRequested when a cancel has been requested; both also cancel the
// handler's context.
func (r *Run) Heartbeat(ctx context.Context) error {
	res, err := r.store.Heartbeat(ctx, r.currentLease(), r.duration)
	if err != nil {
		return err
	}
	if !res.Held {
		r.markLost()
		return ErrLeaseLost
	}
	r.mu.Lock()
	r.lease.ExpiresAt = res.ExpiresAt
	r.mu.Unlock()
	if res.CancelRequested {
		r.markCancelled()
		return ErrCancelRequested
	}
	return nil
}

// Fence checks that this run still owns a live lease. Call it right before a side
// effect that must not happen twice.
func (r *Run) Fence(ctx context.Context) error {
	if r.Lost() {
		return ErrLeaseLost
	}
	held, err := r.store.HoldsLease(ctx, r.currentLease())
	if err != nil {
		return err
	}
	if !held {
		r.markLost()
		return errors.WithDetailf(ErrLeaseLost, "Job ID: %s", r.job.ID)
	}
	return nil
}

// Enqueue adds a follow-up job. It inherits this job's project unless opts sets one.
func (r *Run) Enqueue(ctx context.Context, p Payload, opts EnqueueOptions) (EnqueueResult, error) {
	if opts.ProjectID == "" {
		opts.ProjectID = r.job.Project()
	}
	return r.queue.Enqueue(ctx, p, opts)
}

// Lost reports whether the lease was observed as lost.
func (r *Run) Lost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// CancelObserved reports whether a cancel request was observed.
func (r *Run) CancelObserved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

func (r *Run) markLost() {
	r.mu.Lock()
	first := !r.lost
	r.lost = true
	signal := r.signal
	r.mu.Unlock()
	if first {
		signal(ErrLeaseLost)
	}
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	first := !r.canceled
	r.canceled = true
	signal := r.signal
	r.mu.Unlock()
	if first {
		signal(ErrCancelRequested)
	}
}

func (r *Run) setSignal(fn func(cause error)) {
	r.mu.Lock()
	r.signal = fn
	r.mu.Unlock()
}

func (r *Run) currentLease() Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}
