package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
	"github.com/pablopunk/doce.dev-sub004/queue"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps err to a status code and writes it.
// Unexpected errors are logged and their text is not sent to the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.With(logger.FieldsFromContext(r.Context())...).Errorw("Request failed",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldError, err,
			"details", errors.FlattenDetails(err),
		)
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}

// statusForError returns the HTTP status for a queue or domain error.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case queue.IsConflict(err), errors.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidTransition), errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// parseIntQueryParam parses an integer query parameter, clamped to [min, max].
func parseIntQueryParam(r *http.Request, name string, defaultValue, min, max int) int {
	valueStr := r.URL.Query().Get(name)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	if value < min {
		return min
	}
	if value > max {
		return max
	}

	return value
}

// parseStateParam reads the "state" query parameter. An empty value is allowed
// unless required is set.
func parseStateParam(r *http.Request, required bool) (queue.JobState, error) {
	raw := r.URL.Query().Get("state")
	if raw == "" {
		if required {
			return "", errors.NewInvalidRequestError("state query parameter is required")
		}
		return "", nil
	}
	if !queue.IsValidState(raw) {
		return "", errors.NewInvalidRequestError("unknown job state %q", raw)
	}
	return queue.JobState(raw), nil
}
