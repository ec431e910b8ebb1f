package server

import (
	"net/http"

	"github.com/pablopunk/doce.dev-sub004/queue"
	"github.com/pablopunk/doce.dev-sub004/stream"
)

// SettingsUpdate is the body of PUT /api/queue/settings. Omitted fields are left unchanged.
type SettingsUpdate struct {
	Paused      *bool `json:"paused,omitempty"`
	Concurrency *int  `json:"concurrency,omitempty"`
}

// StatsResponse is the body of GET /api/queue/stats.
type StatsResponse struct {
	queue.Stats
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"droppedEvents"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.queue.Settings(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsUpdate
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Paused == nil && req.Concurrency == nil {
		writeError(w, http.StatusBadRequest, "nothing to update: set paused or concurrency")
		return
	}

	ctx := r.Context()
	var (
		settings queue.Settings
		err      error
	)
	// Concurrency first so an invalid value leaves the paused flag untouched.
	if req.Concurrency != nil {
		if settings, err = s.queue.SetConcurrency(ctx, *req.Concurrency); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	if req.Paused != nil {
		if *req.Paused {
			settings, err = s.queue.Pause(ctx)
		} else {
			settings, err = s.queue.Resume(ctx)
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	s.logger.Infow("Queue settings updated via API",
		"paused", settings.Paused,
		"concurrency", settings.Concurrency,
		"remote", r.RemoteAddr,
	)
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := StatsResponse{Stats: stats}
	if s.hub != nil {
		resp.Subscribers = s.hub.Subscribers(stream.AllTopic)
		resp.Dropped = s.hub.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}
