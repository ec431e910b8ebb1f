package logger

import "context"

// Standard field names for consistent structured logging across doce.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldJobType   = "job_type"
	FieldProjectID = "project_id"
	FieldWorkerID  = "worker_id"
	FieldRequestID = "request_id"

	// Queue bookkeeping
	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldState       = "state"
	FieldPriority    = "priority"
	FieldRunAt       = "run_at"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Network
	FieldAddress = "address"
	FieldPath    = "path"
	FieldMethod  = "method"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}
