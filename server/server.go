// Package server exposes the job queue over HTTP: job inspection and control,
// queue settings, prometheus metrics and live status streams over SSE and WebSocket.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
	"github.com/pablopunk/doce.dev-sub004/queue"
	"github.com/pablopunk/doce.dev-sub004/stream"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// Registry restricts POST /api/jobs to registered job types. Nil accepts none.
	Registry *queue.HandlerRegistry
	// Gatherer backs /metrics. Nil uses the prometheus default gatherer.
	Gatherer prometheus.Gatherer
	// AllowedOrigins are origin prefixes accepted for CORS and WebSocket upgrades.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server serves the queue API.
type Server struct {
	queue    *queue.Queue
	hub      *stream.Hub
	registry *queue.HandlerRegistry
	gatherer prometheus.Gatherer
	origins  []string
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	streams sync.WaitGroup
	done    chan struct{}
}

// New creates a server for q. Live streams need q to carry a hub.
func New(q *queue.Queue, opts Options) (*Server, error) {
	if q == nil {
		return nil, errors.NewInvalidRequestError("server requires a queue")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		queue:    q,
		hub:      q.Hub(),
		registry: opts.Registry,
		gatherer: gatherer,
		origins:  opts.AllowedOrigins,
		logger:   log.Named("server"),
		done:     make(chan struct{}),
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)                 // List jobs (?project=&state=&type=&limit=&offset=)
	mux.HandleFunc("POST /api/jobs", s.handleEnqueue)                 // Enqueue a job
	mux.HandleFunc("DELETE /api/jobs", s.handleDeleteJobs)            // Purge terminal jobs (?state=)
	mux.HandleFunc("GET /api/jobs/events", s.handleEvents)            // Server-sent events (?topic=)
	mux.HandleFunc("GET /api/jobs/ws", s.handleWebSocket)             // WebSocket events (?topic=)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)              // Job details
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)   // Cancel a queued or running job
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)     // Requeue a failed or cancelled job
	mux.HandleFunc("POST /api/jobs/{id}/unlock", s.handleUnlockJob)   // Release a running job's lease
	mux.HandleFunc("GET /api/queue/settings", s.handleGetSettings)    // Paused flag and concurrency
	mux.HandleFunc("PUT /api/queue/settings", s.handleUpdateSettings) // Change paused flag or concurrency
	mux.HandleFunc("GET /api/queue/stats", s.handleStats)             // Per-state counts
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.corsMiddleware(s.logMiddleware(mux))
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
// Open event streams are closed before in-flight requests are drained.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.closeStreams()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server failed")
	case <-ctx.Done():
	}

	s.logger.Infow("HTTP server shutting down")
	s.closeStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown")
	}
	s.streams.Wait()
	return nil
}

// closeStreams ends every open SSE and WebSocket stream.
func (s *Server) closeStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// requestIDHeader carries the request id in both directions.
const requestIDHeader = "X-Request-ID"

// logMiddleware tags each request with an id and logs it at debug level.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(logger.WithRequestID(r.Context(), id))

		next.ServeHTTP(w, r)
		s.logger.Debugw("HTTP request",
			logger.FieldRequestID, id,
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			"remote", r.RemoteAddr,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkOrigin validates a request origin against the configured prefixes.
// With no prefixes configured only localhost origins pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.origins
	if len(allowed) == 0 {
		allowed = localOrigins
	}
	for _, a := range allowed {
		if originMatches(origin, a) {
			return true
		}
	}
	return false
}

var localOrigins = []string{"http://localhost", "http://127.0.0.1"}

// originMatches accepts the configured origin itself or that origin with any port.
func originMatches(origin, allowed string) bool {
	allowed = strings.TrimSuffix(allowed, "/")
	return origin == allowed || strings.HasPrefix(origin, allowed+":")
}
