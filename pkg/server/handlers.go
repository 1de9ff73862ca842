package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/stores"
)

// healthResponse is the body of /healthz.
type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Store  string `json:"store,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	if s.manager != nil {
		resp.State = string(s.manager.State())
	}
	if s.store != nil {
		resp.Store = "ok"
		if err := s.store.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	okJSON(w, s.manager.Snapshot())
}

type generatingRequest struct {
	Generating bool `json:"generating"`
}

func (s *Server) handleGenerating(w http.ResponseWriter, r *http.Request) {
	var req generatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorWithCode(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.manager.SetGenerating(req.Generating)
	okJSON(w, s.manager.Snapshot())
}

// handleSignals returns the session's recent signals, newest last. The
// optional limit keeps only the newest entries.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	signals := s.manager.RecentSignals()
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(signals) {
		signals = signals[len(signals)-limit:]
	}
	okJSON(w, signals)
}

// handleExecute runs the request through the execution engine and streams
// progress as NDJSON. Failures after the stream has started are reported
// in the stream as a single error event.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req execution.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorWithCode(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		errorWithCode(w, http.StatusBadRequest, "task is required")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := execution.NewStream(w)
	result, err := s.engine.Execute(r.Context(), req, stream)
	if err != nil {
		s.logger.WithError(err).
			WithField("kind", string(execution.KindOf(err))).
			Warn("execution failed")
		return
	}
	s.logger.WithExecutionID(result.ExecutionID).
		WithField("attempts", len(result.Attempts)).
		Debug("execution finished")
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.store.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalError(w, err)
		return
	}
	okJSON(w, attempts)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		internalError(w, err)
		return
	}
	okJSON(w, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	okJSON(w, session)
}

func (s *Server) handleSessionSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.store.ListPainSignals(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 0))
	if err != nil {
		internalError(w, err)
		return
	}
	okJSON(w, signals)
}

func (s *Server) handleSessionHeals(w http.ResponseWriter, r *http.Request) {
	heals, err := s.store.ListHealRequests(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 0))
	if err != nil {
		internalError(w, err)
		return
	}
	okJSON(w, heals)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.store.ListEvents(r.Context(), stores.EventQuery{
		SessionID:   q.Get("session"),
		ExecutionID: q.Get("execution"),
		Type:        q.Get("type"),
		Limit:       queryInt(r, "limit", 0),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		internalError(w, err)
		return
	}
	okJSON(w, events)
}

// queryInt returns a query parameter as int with a default value.
func queryInt(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	if i, err := strconv.Atoi(val); err == nil && i >= 0 {
		return i
	}
	return defaultVal
}

// errorResponse is the standard error body.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func okJSON(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorWithCode(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Code: code, Message: message})
}

func internalError(w http.ResponseWriter, err error) {
	errorWithCode(w, http.StatusInternalServerError, err.Error())
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, stores.ErrNotFound) {
		errorWithCode(w, http.StatusNotFound, err.Error())
		return
	}
	internalError(w, err)
}
