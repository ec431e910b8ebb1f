package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/queue"
	"github.com/pablopunk/doce.dev-sub004/stream"
)

// sseKeepAlive is how often an idle event stream gets a comment line.
const sseKeepAlive = 15 * time.Second

// parseTopics reads the repeated "topic" query parameter. With none given the
// stream carries every job event.
func parseTopics(r *http.Request) ([]string, error) {
	raw := r.URL.Query()["topic"]
	if len(raw) == 0 {
		return []string{stream.AllTopic}, nil
	}

	topics := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if !validTopic(t) {
			return nil, errors.NewInvalidRequestError("invalid topic %q", t)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	return topics, nil
}

func validTopic(t string) bool {
	switch {
	case t == stream.AllTopic, t == queue.SettingsTopic:
		return true
	case strings.HasPrefix(t, "job:"):
		return len(t) > len("job:")
	case strings.HasPrefix(t, "project:"):
		return len(t) > len("project:")
	default:
		return false
	}
}

// handleEvents streams hub events as server-sent events until the client
// disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream not available")
		return
	}
	topics, err := parseTopics(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	s.streams.Add(1)
	defer s.streams.Done()

	sub := s.hub.Subscribe(topics...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", strings.Join(topics, ","))
	flusher.Flush()

	s.logger.Debugw("SSE client connected", "topics", topics, "remote", r.RemoteAddr)
	defer s.logger.Debugw("SSE client disconnected", "topics", topics, "remote", r.RemoteAddr)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				s.logger.Debugw("SSE write error", "error", err, "remote", r.RemoteAddr)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one event frame. The event name is the hub event type.
func writeSSE(w http.ResponseWriter, evt stream.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}
