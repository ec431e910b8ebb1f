package lifecycle

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/queue"
)

// Options tunes the workflow.
type Options struct {
	ReadyTimeout  time.Duration // per wait-ready attempt, default 2m
	ProbeInterval time.Duration // default 1s
	Priority      int           // priority of every enqueued step
	MaxAttempts   int           // 0 = queue default
}

// Workflow holds the collaborators the step handlers call.
type Workflow struct {
	runtime Runtime
	prober  Prober
	agent   Agent
	opts    Options
}

// New creates a workflow.
func New(runtime Runtime, prober Prober, agent Agent, opts Options) *Workflow {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	return &Workflow{runtime: runtime, prober: prober, agent: agent, opts: opts}
}

// Register installs the step handlers.
func (w *Workflow) Register(reg *queue.HandlerRegistry) {
	queue.Register(reg, w.createProject)
	queue.Register(reg, w.composeUp)
	queue.Register(reg, w.waitReady)
	queue.Register(reg, w.sessionInit)
	queue.Register(reg, w.promptSend)
}

// Start enqueues the first step for a new project. Repeating it while the
// project's create step is still active returns that job.
func (w *Workflow) Start(ctx context.Context, q *queue.Queue, p CreateProject) (queue.EnqueueResult, error) {
	if err := ValidateProjectID(p.ProjectID); err != nil {
		return queue.EnqueueResult{}, err
	}
	return q.Enqueue(ctx, p, w.stepOptions(p.JobType(), p.ProjectID))
}

func (w *Workflow) stepOptions(jobType, projectID string) queue.EnqueueOptions {
	return queue.EnqueueOptions{
		ProjectID:   projectID,
		Priority:    w.opts.Priority,
		MaxAttempts: w.opts.MaxAttempts,
		DedupeKey:   DedupeKey(jobType, projectID),
	}
}

// next enqueues the following step of the chain.
func (w *Workflow) next(ctx context.Context, run *queue.Run, p queue.Payload, projectID string) error {
	res, err := run.Enqueue(ctx, p, w.stepOptions(p.JobType(), projectID))
	if err != nil {
		return errors.Wrapf(err, "enqueue %s", p.JobType())
	}
	run.Log().Infow("Next step enqueued",
		"next_type", p.JobType(),
		"next_job_id", res.Job.ID,
		"created", res.Created,
	)
	return nil
}

func (w *Workflow) createProject(ctx context.Context, run *queue.Run, p CreateProject) error {
	if err := ValidateProjectID(p.ProjectID); err != nil {
		return queue.Permanent(err)
	}
	if err := run.Fence(ctx); err != nil {
		return err
	}
	dir, err := w.runtime.CreateProject(ctx, p.ProjectID, p.Name)
	if err != nil {
		return err
	}
	run.Log().Infow("Project created", "dir", dir)
	return w.next(ctx, run, ComposeUp{ProjectID: p.ProjectID, Prompt: p.Prompt}, p.ProjectID)
}

func (w *Workflow) composeUp(ctx context.Context, run *queue.Run, p ComposeUp) error {
	if err := run.Fence(ctx); err != nil {
		return err
	}
	if err := w.runtime.ComposeUp(ctx, p.ProjectID); err != nil {
		return err
	}
	previewURL, err := w.runtime.PreviewURL(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	return w.next(ctx, run, WaitReady{ProjectID: p.ProjectID, URL: previewURL, Prompt: p.Prompt}, p.ProjectID)
}

// waitReady probes the preview at a steady pace, extending the lease between probes.
// Running out of time is a retryable failure.
func (w *Workflow) waitReady(ctx context.Context, run *queue.Run, p WaitReady) error {
	timeout := w.opts.ReadyTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(w.opts.ProbeInterval), 1)
	probes := 0
	for {
		if err := limiter.Wait(probeCtx); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return errors.Wrapf(errors.ErrTimeout, "preview %s not ready after %s (%d probes)", p.URL, timeout, probes)
		}

		probes++
		ready, err := w.prober.Ready(probeCtx, p.URL)
		if err != nil {
			return queue.Permanent(err)
		}
		if ready {
			run.Log().Infow("Preview ready", "url", p.URL, "probes", probes)
			return w.next(ctx, run, SessionInit{ProjectID: p.ProjectID, Prompt: p.Prompt}, p.ProjectID)
		}

		if err := run.Heartbeat(ctx); err != nil {
			return err
		}
	}
}

func (w *Workflow) sessionInit(ctx context.Context, run *queue.Run, p SessionInit) error {
	if err := run.Fence(ctx); err != nil {
		return err
	}
	sessionID, err := w.agent.CreateSession(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	run.Log().Infow("Agent session created", "session_id", sessionID)
	if p.Prompt == "" {
		return nil
	}
	return w.next(ctx, run, PromptSend{ProjectID: p.ProjectID, SessionID: sessionID, Prompt: p.Prompt}, p.ProjectID)
}

func (w *Workflow) promptSend(ctx context.Context, run *queue.Run, p PromptSend) error {
	if p.SessionID == "" {
		return queue.Permanent(errors.NewInvalidRequestError("prompt send without a session id"))
	}
	if err := run.Fence(ctx); err != nil {
		return err
	}
	if err := w.agent.SendPrompt(ctx, p.ProjectID, p.SessionID, p.Prompt); err != nil {
		return err
	}
	run.Log().Infow("Prompt sent", "session_id", p.SessionID, "prompt_chars", len(p.Prompt))
	return nil
}
