package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/queue"
)

// maxOffset bounds the offset query parameter.
const maxOffset = 1 << 30

// EnqueueRequest is the body of POST /api/jobs.
type EnqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	ProjectID   string          `json:"projectId,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
	DelayMS     int64           `json:"delayMs,omitempty"`
}

// JobListResponse is the body of GET /api/jobs.
type JobListResponse struct {
	Jobs   []*queue.Job `json:"jobs"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// DeleteJobsResponse is the body of DELETE /api/jobs.
type DeleteJobsResponse struct {
	State   queue.JobState `json:"state"`
	Deleted int            `json:"deleted"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state, err := parseStateParam(r, false)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	limit := parseIntQueryParam(r, "limit", queue.DefaultPageSize, 1, queue.MaxPageSize)
	offset := parseIntQueryParam(r, "offset", 0, 0, maxOffset)
	filter := queue.ListFilter{
		ProjectID: r.URL.Query().Get("project"),
		State:     state,
		Type:      r.URL.Query().Get("type"),
		Page:      queue.Page{Limit: limit, Offset: offset},
	}

	jobs, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}

	writeJSON(w, http.StatusOK, JobListResponse{
		Jobs:   jobs,
		Count:  len(jobs),
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if s.registry == nil || !s.registry.Has(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown job type: "+req.Type)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if req.DelayMS < 0 {
		writeError(w, http.StatusBadRequest, "delayMs must be >= 0")
		return
	}

	res, err := s.queue.EnqueueRaw(r.Context(), req.Type, req.Payload, queue.EnqueueOptions{
		ProjectID:   req.ProjectID,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		DedupeKey:   req.DedupeKey,
		Delay:       time.Duration(req.DelayMS) * time.Millisecond,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, "cancel", s.queue.Cancel)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, "retry", s.queue.Retry)
}

func (s *Server) handleUnlockJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, "unlock", s.queue.ForceUnlock)
}

type jobOp func(ctx context.Context, id string) (*queue.Job, error)

// jobTransition runs an admin operation on the job named in the path.
func (s *Server) jobTransition(w http.ResponseWriter, r *http.Request, op string, fn jobOp) {
	id := r.PathValue("id")
	job, err := fn(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Infow("Job "+op+" via API", "job_id", id, "state", job.State, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJobs(w http.ResponseWriter, r *http.Request) {
	state, err := parseStateParam(r, true)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !state.IsTerminal() {
		s.writeServiceError(w, r, errors.NewInvalidRequestError("only terminal states can be purged, got %q", state))
		return
	}

	n, err := s.queue.DeleteByState(r.Context(), state)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteJobsResponse{State: state, Deleted: n})
}
