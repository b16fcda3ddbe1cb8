// Package api serves the operator surface: runtime control, lanes,
// dispatches, effects and the live event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/runlane/internal/auth"
	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/lane"
	"github.com/mattjoyce/runlane/internal/metrics"
	"github.com/mattjoyce/runlane/internal/outbox"
)

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Deps are the stores the API reads and drives.
type Deps struct {
	Control    *control.Store
	Lanes      *lane.Store
	Dispatches *dispatch.Store
	Effects    *outbox.Store
	Events     *events.Hub
	Metrics    *metrics.Metrics
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the routed handler; tests serve it with httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes("control:ro")).Get("/control", s.handleGetControl)
		r.With(s.requireScopes("control:rw")).Post("/control/pause", s.handlePause)
		r.With(s.requireScopes("control:rw")).Post("/control/resume", s.handleResume)
		r.With(s.requireScopes("control:rw")).Put("/control/concurrency", s.handleConcurrency)

		r.With(s.requireScopes("lanes:ro")).Get("/lanes", s.handleListLanes)
		r.With(s.requireScopes("lanes:rw")).Post("/lanes/messages", s.handleEnqueue)
		r.With(s.requireScopes("lanes:ro")).Get("/lanes/{key}", s.handleGetLane)
		r.With(s.requireScopes("lanes:rw")).Post("/lanes/{key}/pause", s.handlePauseLane)
		r.With(s.requireScopes("lanes:rw")).Post("/lanes/{key}/resume", s.handleResumeLane)
		r.With(s.requireScopes("lanes:rw")).Put("/lanes/{key}/mode", s.handleSetLaneMode)

		r.With(s.requireScopes("dispatch:ro")).Get("/dispatches", s.handleListDispatches)
		r.With(s.requireScopes("dispatch:ro")).Get("/dispatches/{id}", s.handleGetDispatch)
		r.With(s.requireScopes("dispatch:rw")).Post("/dispatches/{id}/cancel", s.handleCancelDispatch)
		r.With(s.requireScopes("dispatch:rw")).Post("/dispatches/{id}/pause", s.handlePauseDispatch)
		r.With(s.requireScopes("dispatch:rw")).Post("/dispatches/{id}/resume", s.handleResumeDispatch)
		r.With(s.requireScopes("dispatch:rw")).Post("/dispatches/{id}/replay", s.handleReplayDispatch)
		r.With(s.requireScopes("dispatch:rw")).Post("/dispatches/{id}/merge", s.handleMergeDispatch)

		r.With(s.requireScopes("outbox:ro")).Get("/effects", s.handleListEffects)
		r.With(s.requireScopes("outbox:ro")).Get("/effects/{id}", s.handleGetEffect)
		r.With(s.requireScopes("outbox:rw")).Post("/effects/{id}/release", s.handleReleaseEffect)

		r.With(s.requireScopes("events:ro")).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
