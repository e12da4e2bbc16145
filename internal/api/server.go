// Package api serves the exam upsert contract over HTTP: idempotent draft
// upserts, deduplicated exam events, batch sync, progress reads and a
// WebSocket stream of save notices.
package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/clawinfra/examsync/internal/security"
	"github.com/clawinfra/examsync/internal/store"
	"github.com/clawinfra/examsync/internal/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// EventSink receives accepted exam events and batch summaries for
// analytics. Sink failures never fail the request.
type EventSink interface {
	EventAccepted(ctx context.Context, e types.AcceptedEvent) error
	BatchSynced(ctx context.Context, s types.BatchSummary) error
}

// Hub fans save notices out to watchers of an attempt.
type Hub interface {
	Publish(n types.SavedNotice)
	Subscribe(attemptID string) (<-chan types.SavedNotice, func())
}

// Option configures a Server.
type Option func(*Server)

// WithEventSink forwards accepted events to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithHub publishes save notices to hub and enables the watch endpoint.
func WithHub(hub Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithJWTSecret sets the token secret. A nil secret runs in dev mode.
func WithJWTSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// Server is the HTTP API server
type Server struct {
	port       int
	store      *store.Store
	sink       EventSink
	hub        Hub
	secret     []byte
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server
func NewServer(port int, st *store.Store, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		port:      port,
		store:     st,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full HTTP handler: health without auth, every other
// route behind JWT auth and the role table.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("PUT /api/attempts/{attemptId}/draft", s.handleDraft)
	api.HandleFunc("POST /api/attempts/{attemptId}/events", s.handleEvent)
	api.HandleFunc("GET /api/attempts/{attemptId}/events", s.handleListEvents)
	api.HandleFunc("POST /api/attempts/{attemptId}/submit", s.handleSubmit)
	api.HandleFunc("GET /api/attempts/{attemptId}/watch", s.handleWatch)
	api.HandleFunc("GET /api/attempts/{attemptId}", s.handleGetAttempt)
	api.HandleFunc("POST /api/attempts", s.handleStartAttempt)
	api.HandleFunc("POST /api/offline/sync", s.handleSync)
	api.HandleFunc("GET /api/progress", s.handleProgress)

	authed := security.AuthMiddleware(s.secret)(security.PermissionMiddleware(api))

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", s.handleHealth)
	root.Handle("/", authed)

	return s.corsMiddleware(s.loggingMiddleware(root))
}

// Start starts the HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.secret == nil {
		s.logger.Warn("JWT auth disabled (dev mode), all requests run as " + security.DevUserID)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth reports liveness and database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// statusWriter records the response status for request logs. Hijack is
// forwarded so WebSocket upgrades keep working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
