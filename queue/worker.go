package queue

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/db"
	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
)

// ErrWorkerStopped is the context cause when the worker is stopped hard.
var ErrWorkerStopped = errors.New("worker stopped")

// outcomeLeaseLost labels runs that ended without being settled.
const outcomeLeaseLost OutcomeKind = "lease_lost"

// settleTimeout bounds the store write that records a run's outcome.
const settleTimeout = 10 * time.Second

// WorkerConfig contains configuration for the worker loop
type WorkerConfig struct {
	ID                string        `json:"id"`                 // Prefix of every slot's worker id
	PollInterval      time.Duration `json:"poll_interval"`      // Idle sleep and settings refresh period
	Lease             time.Duration `json:"lease"`              // Lease length granted per claim and heartbeat
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // Default Lease/2
	Backoff           BackoffPolicy `json:"backoff"`
	MaxSlots          int           `json:"max_slots"` // Upper bound on concurrency regardless of settings
}

// DefaultWorkerConfig returns sensible defaults
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ID:           defaultWorkerID(),
		PollInterval: time.Second,
		Lease:        30 * time.Second,
		Backoff:      DefaultBackoffPolicy(),
		MaxSlots:     8,
	}
}

func (c WorkerConfig) normalize() WorkerConfig {
	def := DefaultWorkerConfig()
	if c.ID == "" {
		c.ID = def.ID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.Lease {
		c.HeartbeatInterval = c.Lease / 2
	}
	if c.MaxSlots <= 0 {
		c.MaxSlots = def.MaxSlots
	}
	c.Backoff = c.Backoff.normalize()
	return c
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// WorkerDeps are the collaborators a worker needs.
type WorkerDeps struct {
	Queue    *Queue
	Registry *HandlerRegistry
	Metrics  *Metrics
	Logger   *zap.SugaredLogger
}

// WorkerHandle controls a running worker. It is created by StartWorker and owned
// by the caller; there is no package-level worker state.
type WorkerHandle struct {
	queue    *Queue
	store    *Store
	registry *HandlerRegistry
	metrics  *Metrics
	cfg      WorkerConfig
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	slots    map[int]*slot
	slotsWG  sync.WaitGroup
	err      error
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type slot struct {
	id       int
	workerID string
	quit     chan struct{}
	once     sync.Once
	retired  bool
}

func (s *slot) retire() {
	s.once.Do(func() { close(s.quit) })
}

// StartWorker starts the supervisor loop and returns its handle.
// Cancelling ctx stops the worker hard, like Stop with an expired context.
func StartWorker(ctx context.Context, deps WorkerDeps, cfg WorkerConfig) (*WorkerHandle, error) {
	if deps.Queue == nil {
		return nil, errors.NewInvalidRequestError("worker needs a queue")
	}
	if deps.Registry == nil {
		return nil, errors.NewInvalidRequestError("worker needs a handler registry")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg = cfg.normalize()

	wctx, cancel := context.WithCancelCause(ctx)
	h := &WorkerHandle{
		queue:    deps.Queue,
		store:    deps.Queue.Store(),
		registry: deps.Registry,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   log.Named("worker"),
		ctx:      wctx,
		cancel:   cancel,
		slots:    make(map[int]*slot),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if warning := checkMemoryPressure(cfg.MaxSlots); warning != "" {
		h.logger.Warnw(warning, "max_slots", cfg.MaxSlots)
	}

	h.logger.Infow("Worker starting",
		logger.FieldWorkerID, cfg.ID,
		"poll_interval", cfg.PollInterval,
		"lease", cfg.Lease,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"max_slots", cfg.MaxSlots,
		"job_types", h.registry.Types(),
	)

	go h.supervise()
	return h, nil
}

// Config returns the effective configuration.
func (h *WorkerHandle) Config() WorkerConfig {
	return h.cfg
}

// Done is closed once the supervisor and every slot have exited.
func (h *WorkerHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the fatal error that stopped the worker, if any.
func (h *WorkerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Slots reports how many slots are currently alive.
func (h *WorkerHandle) Slots() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// Stop stops claiming and waits for in-flight jobs to finish. When ctx ends first,
// running handlers are cancelled and Stop returns ctx's error without waiting further.
// Safe to call more than once.
func (h *WorkerHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.logger.Infow("Worker stopping", logger.FieldWorkerID, h.cfg.ID)
		close(h.stopping)
	})

	select {
	case <-h.done:
		h.cancel(ErrWorkerStopped)
		h.logger.Infow("Worker stopped cleanly", logger.FieldWorkerID, h.cfg.ID)
		return h.Err()
	case <-ctx.Done():
		h.cancel(ErrWorkerStopped)
		h.logger.Warnw("Worker stop deadline reached, cancelled running jobs", logger.FieldWorkerID, h.cfg.ID)
		return ctx.Err()
	}
}

func (h *WorkerHandle) fail(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	h.logger.Errorw("Worker stopping on store error", "error", err)
	h.cancel(err)
}

func (h *WorkerHandle) supervise() {
	defer close(h.done)
	defer func() {
		h.retireAll()
		h.slotsWG.Wait()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.stopping:
			return
		case <-timer.C:
		}

		if err := h.cycle(); err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.fail(err)
			return
		}
		timer.Reset(h.cfg.PollInterval)
	}
}

// cycle reaps dead leases, reads settings and resizes the slot set.
func (h *WorkerHandle) cycle() error {
	recovered, err := h.store.RecoverExpired(h.ctx)
	if err != nil {
		return errors.Wrap(err, "recover expired leases")
	}
	for _, job := range recovered {
		h.logger.Warnw("Settled expired lease",
			logger.FieldJobID, job.ID,
			logger.FieldJobType, job.Type,
			logger.FieldState, job.State,
			logger.FieldAttempt, job.Attempts,
		)
		h.queue.publish(EventRecovered, job)
	}
	h.metrics.recordRecovered(len(recovered))

	settings, err := h.store.GetSettings(h.ctx)
	if err != nil {
		return errors.Wrap(err, "read queue settings")
	}

	h.resize(min(settings.Concurrency, h.cfg.MaxSlots))
	return nil
}

// resize moves the slot count toward target. Retired slots finish their current job
// first and keep counting toward the total until they exit, so the number of jobs
// executing never exceeds target.
func (h *WorkerHandle) resize(target int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var live []int
	for id, s := range h.slots {
		if !s.retired {
			live = append(live, id)
		}
	}
	sort.Ints(live)

	for i := len(live) - 1; i >= target; i-- {
		s := h.slots[live[i]]
		s.retired = true
		s.retire()
		h.logger.Debugw("Retiring slot", logger.FieldWorkerID, s.workerID)
	}

	for id := 0; len(h.slots) < target; id++ {
		if _, exists := h.slots[id]; exists {
			continue
		}
		s := &slot{
			id:       id,
			workerID: fmt.Sprintf("%s/%d", h.cfg.ID, id),
			quit:     make(chan struct{}),
		}
		h.slots[id] = s
		h.slotsWG.Add(1)
		go h.runSlot(s)
		h.logger.Debugw("Started slot", logger.FieldWorkerID, s.workerID)
	}
}

func (h *WorkerHandle) retireAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.slots {
		s.retired = true
		s.retire()
	}
}

// runSlot is one sequential idle -> claiming -> executing -> settling loop.
func (h *WorkerHandle) runSlot(s *slot) {
	defer h.slotsWG.Done()
	defer func() {
		h.mu.Lock()
		delete(h.slots, s.id)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-s.quit:
			return
		default:
		}

		job, err := h.store.ClaimNext(h.ctx, s.workerID, h.cfg.Lease)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.metrics.recordClaimError()
			if !db.IsBusy(err) {
				h.fail(errors.WithDetail(err, fmt.Sprintf("Worker ID: %s", s.workerID)))
				return
			}
			// Another process held the write lock past the busy timeout.
			h.logger.Warnw("Claim skipped, database busy", logger.FieldWorkerID, s.workerID, logger.FieldError, err)
		}

		if job == nil {
			select {
			case <-h.ctx.Done():
				return
			case <-s.quit:
				return
			case <-time.After(h.cfg.PollInterval):
			}
			continue
		}

		if err := h.execute(job); err != nil {
			h.fail(err)
			return
		}
	}
}

// execute runs one claimed job and settles it. It only returns store errors.
func (h *WorkerHandle) execute(job *Job) error {
	h.metrics.incInFlight()
	defer h.metrics.decInFlight()

	run := newRun(job, h.queue, h.cfg.Lease, h.logger)
	log := run.Log()
	log.Infow("Job claimed", logger.FieldWorkerID, deref(job.LockedBy), logger.FieldMaxAttempts, job.MaxAttempts)
	h.queue.publish(EventClaimed, job)

	jobCtx, cancelJob := context.WithCancelCause(logger.WithJobID(h.ctx, job.ID))
	defer cancelJob(nil)
	run.setSignal(cancelJob)

	hbCtx, stopHeartbeat := context.WithCancel(h.ctx)
	hbDone := make(chan struct{})
	go h.heartbeat(hbCtx, run, hbDone)

	started := time.Now()
	handlerErr := h.invoke(jobCtx, run)
	stopHeartbeat()
	<-hbDone

	if run.Lost() {
		log.Warnw("Lease lost during execution, leaving job to its new owner", "error", handlerErr)
		h.metrics.recordProcessed(job.Type, outcomeLeaseLost)
		return nil
	}

	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(h.ctx), settleTimeout)
	defer cancelSettle()

	outcome, err := h.decide(settleCtx, run, context.Cause(jobCtx), handlerErr)
	if err != nil {
		return err
	}

	settled, err := h.store.Settle(settleCtx, run.currentLease(), outcome)
	if err != nil {
		return errors.Wrap(err, "settle job")
	}
	if !settled {
		log.Warnw("Lease lost before settle, outcome discarded", "outcome", outcome.Kind)
		h.metrics.recordProcessed(job.Type, outcomeLeaseLost)
		return nil
	}

	h.metrics.recordProcessed(job.Type, outcome.Kind)
	fields := []interface{}{"outcome", outcome.Kind, "duration_ms", time.Since(started).Milliseconds()}
	switch outcome.Kind {
	case OutcomeSucceeded:
		log.Infow("Job succeeded", fields...)
	case OutcomeCancelled:
		log.Infow("Job cancelled", fields...)
	case OutcomeRetry:
		log.Warnw("Job failed, retry scheduled", append(fields, "error", outcome.Err, logger.FieldRunAt, outcome.RunAt)...)
	case OutcomeFailed:
		log.Errorw("Job failed", append(fields, "error", outcome.Err)...)
	}

	h.publishSettled(settleCtx, job.ID, outcome.Kind)
	return nil
}

// decide maps a handler result onto an outcome. A handler that returns nil
// succeeded, even if a cancel was requested while it ran.
func (h *WorkerHandle) decide(ctx context.Context, run *Run, cause, handlerErr error) (Outcome, error) {
	job := run.Job()

	if handlerErr == nil {
		return Succeeded(), nil
	}

	cancelled := run.CancelObserved() ||
		errors.Is(handlerErr, ErrCancelRequested) ||
		errors.Is(cause, ErrCancelRequested)
	if !cancelled {
		// A retried job with the cancel flag set would never be claimed again.
		requested, err := h.store.CancelRequested(ctx, job.ID)
		if err != nil {
			return Outcome{}, errors.Wrap(err, "read cancel flag")
		}
		cancelled = requested
	}
	if cancelled {
		return Cancelled(), nil
	}

	if h.ctx.Err() != nil {
		// Interrupted by shutdown: the run did not fail, so its attempt is given back.
		return Requeue(handlerErr, h.store.Now()), nil
	}

	if IsPermanent(handlerErr) || !job.AttemptsLeft() {
		return Failed(handlerErr), nil
	}
	return Retry(handlerErr, h.store.Now().Add(h.cfg.Backoff.Delay(job.Attempts))), nil
}

// invoke runs the handler, turning a panic into an error.
func (h *WorkerHandle) invoke(ctx context.Context, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panicked: %v", r)
		}
	}()
	return h.registry.Dispatch(ctx, run)
}

// heartbeat extends the lease until ctx ends. A lost lease or a cancel request
// cancels the handler's context through the run's signal.
func (h *WorkerHandle) heartbeat(ctx context.Context, run *Run, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := run.Heartbeat(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				return
			case errors.Is(err, ErrCancelRequested):
				run.Log().Infow("Cancel requested, signalling handler")
			case ctx.Err() != nil:
				return
			default:
				// Transient store error: the lease still expires on its own if this keeps failing.
				run.Log().Warnw("Heartbeat failed", "error", err)
			}
		}
	}
}

func (h *WorkerHandle) publishSettled(ctx context.Context, jobID string, kind OutcomeKind) {
	if h.queue.Hub() == nil {
		return
	}
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		h.logger.Debugw("Could not reload settled job for publishing", "job_id", jobID, "error", err)
		return
	}
	evt := map[OutcomeKind]string{
		OutcomeSucceeded: EventSucceeded,
		OutcomeFailed:    EventFailed,
		OutcomeRetry:     EventRetrying,
		OutcomeCancelled: EventCancelled,
	}[kind]
	h.queue.publish(evt, job)
}
