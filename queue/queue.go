package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
	"github.com/pablopunk/doce.dev-sub004/stream"
)

// Event types published on the hub.
const (
	EventEnqueued   = "job.enqueued"
	EventClaimed    = "job.claimed"
	EventSucceeded  = "job.succeeded"
	EventFailed     = "job.failed"
	EventRetrying   = "job.retrying"
	EventCancelled  = "job.cancelled"
	EventCancelFlag = "job.cancel_requested"
	EventUnlocked   = "job.unlocked"
	EventRequeued   = "job.requeued"
	EventRecovered  = "job.recovered"
	EventSettings   = "queue.settings"
	EventPurged     = "queue.purged"
)

// SettingsTopic carries settings changes.
const SettingsTopic = "queue"

// Queue is the application-facing side of the job store. It adds enqueue
// defaults, idempotent dedup, event publishing and metrics.
type Queue struct {
	store   *Store
	hub     *stream.Hub
	metrics *Metrics
	logger  *zap.SugaredLogger
}

// Option configures a Queue.
type Option func(*Queue)

// WithHub publishes job events on hub.
func WithHub(hub *stream.Hub) Option {
	return func(q *Queue) { q.hub = hub }
}

// WithMetrics records counters on m.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the queue's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(q *Queue) { q.logger = logger }
}

// NewQueue wraps store.
func NewQueue(store *Store, opts ...Option) *Queue {
	q := &Queue{store: store, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("queue")
	return q
}

// Store returns the underlying store.
func (q *Queue) Store() *Store {
	return q.store
}

// Hub returns the event hub, or nil.
func (q *Queue) Hub() *stream.Hub {
	return q.hub
}

// EnqueueOptions are the per-job knobs of Enqueue. Zero values pick defaults.
type EnqueueOptions struct {
	ProjectID   string
	Priority    int
	MaxAttempts int           // default DefaultMaxAttempts
	RunAt       time.Time     // default now
	Delay       time.Duration // added to RunAt
	DedupeKey   string
	// DedupeActive defaults to DefaultDedupeActive when DedupeKey is set.
	DedupeActive string
}

// EnqueueResult reports the job that now represents the request.
// Created is false when an active job with the same dedupe key already existed.
type EnqueueResult struct {
	Job     *Job `json:"job"`
	Created bool `json:"created"`
}

// Enqueue inserts a job for payload. A dedupe collision is not an error: the
// existing active job is returned with Created=false.
func (q *Queue) Enqueue(ctx context.Context, p Payload, opts EnqueueOptions) (EnqueueResult, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return EnqueueResult{}, err
	}
	return q.EnqueueRaw(ctx, p.JobType(), raw, opts)
}

// EnqueueRaw is Enqueue for callers that already hold an encoded payload.
func (q *Queue) EnqueueRaw(ctx context.Context, jobType string, raw json.RawMessage, opts EnqueueOptions) (EnqueueResult, error) {
	job, err := NewJob(jobType, raw, q.store.Now())
	if err != nil {
		return EnqueueResult{}, err
	}

	job.ProjectID = strPtr(opts.ProjectID)
	job.Priority = opts.Priority
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	} else if opts.MaxAttempts < 0 {
		return EnqueueResult{}, errors.NewInvalidRequestError("max attempts must be >= 1, got %d", opts.MaxAttempts)
	}
	if !opts.RunAt.IsZero() {
		job.RunAt = opts.RunAt.UTC()
	}
	if opts.Delay > 0 {
		job.RunAt = job.RunAt.Add(opts.Delay)
	}
	if opts.DedupeKey != "" {
		job.DedupeKey = strPtr(opts.DedupeKey)
		active := opts.DedupeActive
		if active == "" {
			active = DefaultDedupeActive
		}
		job.DedupeActive = &active
	}

	err = q.store.Insert(ctx, job)
	if IsConflict(err) {
		existing, findErr := q.store.FindActiveByDedupeKey(ctx, *job.DedupeKey, *job.DedupeActive)
		if findErr != nil {
			return EnqueueResult{}, findErr
		}
		if existing == nil {
			// The holder went terminal between the insert and the lookup.
			return q.EnqueueRaw(ctx, jobType, raw, opts)
		}
		q.logger.Debugw("Enqueue deduplicated",
			"job_type", jobType,
			"dedupe_key", opts.DedupeKey,
			"existing_job_id", existing.ID,
		)
		q.metrics.recordEnqueued(jobType, false)
		return EnqueueResult{Job: existing, Created: false}, nil
	}
	if err != nil {
		return EnqueueResult{}, errors.Wrapf(err, "failed to enqueue %s", jobType)
	}

	q.logger.Infow("Job enqueued",
		"job_id", job.ID,
		"job_type", job.Type,
		"project_id", job.Project(),
		logger.FieldPriority, job.Priority,
		logger.FieldRunAt, job.RunAt,
	)
	q.metrics.recordEnqueued(jobType, true)
	q.publish(EventEnqueued, job)
	return EnqueueResult{Job: job, Created: true}, nil
}

// Get retrieves a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// List returns jobs matching f.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	return q.store.List(ctx, f)
}

// Cancel requests cancellation of a queued or running job.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Cancel(ctx, id)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	if job.State == StateCancelled {
		q.logger.Infow("Job cancelled", "job_id", id)
		q.publish(EventCancelled, job)
	} else {
		q.logger.Infow("Cancel requested for running job", "job_id", id, logger.FieldWorkerID, deref(job.LockedBy))
		q.publish(EventCancelFlag, job)
	}
	return job, nil
}

// Retry re-queues a failed or cancelled job.
func (q *Queue) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Retry(ctx, id)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	q.logger.Infow("Job re-queued by admin", "job_id", id)
	q.publish(EventRequeued, job)
	return job, nil
}

// ForceUnlock clears a job's lease.
func (q *Queue) ForceUnlock(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.ForceUnlock(ctx, id)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	q.logger.Warnw("Job lease force-unlocked", logger.FieldJobID, id, logger.FieldState, job.State)
	q.publish(EventUnlocked, job)
	return job, nil
}

// DeleteByState purges terminal jobs.
func (q *Queue) DeleteByState(ctx context.Context, state JobState) (int, error) {
	n, err := q.store.DeleteByState(ctx, state)
	if err != nil {
		return 0, err
	}
	q.logger.Infow("Purged jobs", logger.FieldState, state, logger.FieldCount, n)
	q.publishTopic(stream.AllTopic, EventPurged, map[string]interface{}{"state": state, "count": n})
	return n, nil
}

// Settings reads the queue settings.
func (q *Queue) Settings(ctx context.Context) (Settings, error) {
	return q.store.GetSettings(ctx)
}

// Pause stops claiming.
func (q *Queue) Pause(ctx context.Context) (Settings, error) {
	return q.changeSettings(q.store.SetPaused(ctx, true))
}

// Resume restarts claiming.
func (q *Queue) Resume(ctx context.Context) (Settings, error) {
	return q.changeSettings(q.store.SetPaused(ctx, false))
}

// SetConcurrency changes the worker slot target.
func (q *Queue) SetConcurrency(ctx context.Context, n int) (Settings, error) {
	return q.changeSettings(q.store.SetConcurrency(ctx, n))
}

func (q *Queue) changeSettings(s Settings, err error) (Settings, error) {
	if err != nil {
		return Settings{}, err
	}
	q.logger.Infow("Queue settings changed", "paused", s.Paused, "concurrency", s.Concurrency)
	q.publishTopic(SettingsTopic, EventSettings, s)
	return s, nil
}

// Stats summarizes the queue.
type Stats struct {
	Counts   map[JobState]int `json:"counts"`
	Total    int              `json:"total"`
	Settings Settings         `json:"settings"`
}

// Stats reads per-state counts and the settings row.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	settings, err := q.store.GetSettings(ctx)
	if err != nil {
		return Stats{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	q.metrics.recordStateCounts(counts)
	return Stats{Counts: counts, Total: total, Settings: settings}, nil
}

// publish sends evtType for job on its job, project and global topics.
func (q *Queue) publish(evtType string, job *Job) {
	if q.hub == nil || job == nil {
		return
	}
	at := q.store.Now()
	q.hub.Publish(stream.Event{Type: evtType, Topic: stream.JobTopic(job.ID), Data: job, At: at})
	if p := job.Project(); p != "" {
		q.hub.Publish(stream.Event{Type: evtType, Topic: stream.ProjectTopic(p), Data: job, At: at})
	}
	q.hub.Publish(stream.Event{Type: evtType, Topic: stream.AllTopic, Data: job, At: at})
}

func (q *Queue) publishTopic(topic, evtType string, data interface{}) {
	if q.hub == nil {
		return
	}
	q.hub.Publish(stream.Event{Type: evtType, Topic: topic, Data: data, At: q.store.Now()})
}
