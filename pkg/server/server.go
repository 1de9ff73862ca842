// Package server exposes a running HealLoop session over HTTP.
//
// Routes:
//
//	GET  /healthz                        liveness and store health
//	GET  /v1/session                     sandbox manager snapshot
//	PUT  /v1/session/generating          raise or clear the generating flag
//	GET  /v1/signals                     recent pain signals of the session
//	POST /v1/executions                  run an agent task, NDJSON progress
//	GET  /v1/executions/{id}/attempts    stored attempts of an execution
//	GET  /v1/sessions                    stored sessions
//	GET  /v1/sessions/{id}               one stored session
//	GET  /v1/sessions/{id}/signals       stored pain signals
//	GET  /v1/sessions/{id}/heals         stored heal requests
//	GET  /v1/events                      stored audit events
//	GET  /metrics                        Prometheus metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/sandbox"
	"github.com/healloop/healloop/pkg/stores"
	"github.com/healloop/healloop/pkg/telemetry"
)

// DefaultShutdownTimeout bounds graceful shutdown in Run.
const DefaultShutdownTimeout = 10 * time.Second

// Options wires the server to the session components. Every field is
// optional; routes whose backing component is missing answer 503.
type Options struct {
	Manager   *sandbox.Manager
	Engine    *execution.Engine
	Store     stores.Store
	Telemetry *telemetry.Telemetry

	// Quiet disables per-request logging.
	Quiet bool
}

// Server serves the HealLoop HTTP API.
type Server struct {
	manager *sandbox.Manager
	engine  *execution.Engine
	store   stores.Store
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	router  chi.Router
}

// New builds the router for opts.
func New(opts Options) *Server {
	tel := telemetry.OrNop(opts.Telemetry)
	s := &Server{
		manager: opts.Manager,
		engine:  opts.Engine,
		store:   opts.Store,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("server"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if !opts.Quiet {
		r.Use(s.requestLogger)
	}
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", tel.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.require("session", s.manager != nil))
			r.Get("/session", s.handleSession)
			r.Put("/session/generating", s.handleGenerating)
			r.Get("/signals", s.handleSignals)
		})

		r.With(s.require("execution engine", s.engine != nil)).
			Post("/executions", s.handleExecute)

		r.Group(func(r chi.Router) {
			r.Use(s.require("store", s.store != nil))
			r.Get("/executions/{id}/attempts", s.handleAttempts)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Get("/sessions/{id}/signals", s.handleSessionSignals)
			r.Get("/sessions/{id}/heals", s.handleSessionHeals)
			r.Get("/events", s.handleEvents)
		})
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr until ctx is canceled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// require answers 503 when a route's backing component is not configured.
func (s *Server) require(name string, available bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !available {
				errorWithCode(w, http.StatusServiceUnavailable, name+" not available")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
