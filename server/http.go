// Package server provides the HTTP server for the mirror: artifact delivery
// at the root, read-only admin views and sync triggers under /-/, plus health
// and metrics endpoints.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/artifact-mirror/cache"
	"github.com/wolfeidau/artifact-mirror/job"
	"github.com/wolfeidau/artifact-mirror/monitor"
	"github.com/wolfeidau/artifact-mirror/telemetry"
)

// Trigger starts and cancels sync jobs.
type Trigger interface {
	Enqueue(ctx context.Context, mirrorType string, force bool) (uint64, error)
	Cancel(ctx context.Context, id uint64) error
}

// Monitor exposes samples and health.
type Monitor interface {
	Latest(ctx context.Context) (monitor.Sample, error)
	History(d time.Duration) []monitor.Sample
	Health(ctx context.Context) (monitor.Health, error)
}

// Config holds server configuration and the components it serves.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout time.Duration
	// WriteTimeout bounds a whole response. Zero allows slow downloads of
	// large artifacts to run to completion.
	WriteTimeout time.Duration

	// Delivery serves the content root.
	Delivery http.Handler

	Jobs    job.Store
	Trigger Trigger
	Cache   *cache.Store
	// Monitor is optional. The monitor endpoints return 503 without it.
	Monitor Monitor

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the mirror.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Delivery == nil {
		return nil, errors.New("server: delivery handler is required")
	}
	if cfg.Jobs == nil || cfg.Trigger == nil || cfg.Cache == nil {
		return nil, errors.New("server: job store, trigger and cache are required")
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "http"),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with logging and metrics applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /-/jobs", s.admin("jobs.list", s.handleListJobs))
	mux.HandleFunc("POST /-/jobs", s.admin("jobs.create", s.handleCreateJob))
	mux.HandleFunc("GET /-/jobs/{id}", s.admin("jobs.get", s.handleGetJob))
	mux.HandleFunc("POST /-/jobs/{id}/cancel", s.admin("jobs.cancel", s.handleCancelJob))
	mux.HandleFunc("GET /-/cache/stats", s.admin("cache.stats", s.handleCacheStats))
	mux.HandleFunc("GET /-/monitor/latest", s.admin("monitor.latest", s.handleMonitorLatest))
	mux.HandleFunc("GET /-/monitor/history", s.admin("monitor.history", s.handleMonitorHistory))
	mux.HandleFunc("GET /-/monitor/health", s.admin("monitor.health", s.handleMonitorHealth))

	// Everything else is the content tree. The delivery handler answers
	// non-GET methods with 405 itself.
	mux.Handle("/", s.config.Delivery)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetArea(r, telemetry.AreaHealth)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set area, result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Area != "" {
			attrs = append(attrs, "area", tags.Area)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Result != telemetry.ResultNone {
			attrs = append(attrs, "result", string(tags.Result))
		}
		if tags.Mirror != "" {
			attrs = append(attrs, "mirror", tags.Mirror)
		}
		if rng := r.Header.Get("Range"); rng != "" {
			attrs = append(attrs, "range", rng)
		}

		level := slog.LevelInfo
		if wrapped.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
