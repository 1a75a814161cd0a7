// Package api exposes the daemon's REST, WebSocket and SSE surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/joescharf/crew/internal/events"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/reconcile"
	"github.com/joescharf/crew/internal/relay"
	"github.com/joescharf/crew/internal/sessions"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/supervisor"
)

// Error codes carried in the API error body. The CLI maps these back to
// typed errors and exit codes.
const (
	CodeNotFound          = "not_found"
	CodeAlreadyRunning    = "already_running"
	CodeSpawnError        = "spawn_error"
	CodeNotResumable      = "not_resumable"
	CodeInvalidTransition = "invalid_transition"
	CodeDegraded          = "degraded"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

// Server provides the REST API handlers.
type Server struct {
	engine   *reconcile.Engine
	sessions *sessions.Manager
	relay    *relay.Registry
	bus      *events.Bus
	logger   *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(engine *reconcile.Engine, mgr *sessions.Manager, r *relay.Registry, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		sessions: mgr,
		relay:    r,
		bus:      bus,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The daemon binds to localhost; the dashboard dev server
			// runs on a different origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/kill", s.killSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/entities", s.linkEntity)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/entities", s.unlinkEntity)
	mux.HandleFunc("GET /api/v1/sessions/{id}/attach", s.attachSession)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)
	mux.HandleFunc("GET /api/v1/health", s.health)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeDomainError maps the subsystem error taxonomy onto HTTP.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, CodeAlreadyRunning, err.Error())
	case errors.Is(err, sessions.ErrNotResumable):
		writeError(w, http.StatusConflict, CodeNotResumable, err.Error())
	case errors.As(err, &spawnErr):
		writeError(w, http.StatusBadGateway, CodeSpawnError, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		// Programming error: should never be user-visible.
		s.logger.Error("invalid status transition surfaced to API", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInvalidTransition, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

// sessionPayload wraps a session with the staleness flag set when
// reconciliation degraded and the status may be out of date.
type sessionPayload struct {
	*models.Session
	Stale bool `json:"stale,omitempty"`
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionListFilter{}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = models.SessionStatus(st)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	list, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]sessionPayload, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionPayload{Session: sess})
	}
	writeJSON(w, http.StatusOK, out)
}

// StartSessionRequest is the body of POST /api/v1/sessions.
type StartSessionRequest struct {
	Entity     *models.EntityRef `json:"entity,omitempty"`
	ResumeFrom string            `json:"resume_from,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON")
		return
	}
	if req.Entity != nil {
		if err := validateEntity(*req.Entity); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
	}

	sess, err := s.sessions.Start(r.Context(), sessions.StartOptions{
		Entity:     req.Entity,
		ResumeFrom: req.ResumeFrom,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload{Session: sess})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, reconcile.ErrDegraded) {
		// Last-good status plus an explicit staleness marker beats a
		// confident wrong answer.
		writeJSON(w, http.StatusOK, sessionPayload{Session: sess, Stale: true})
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload{Session: sess})
}

func (s *Server) killSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Kill(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Entity linkage ---

func validateEntity(e models.EntityRef) error {
	if e.Kind != models.EntityKindIssue && e.Kind != models.EntityKindPR {
		return fmt.Errorf("unknown entity kind: %q", e.Kind)
	}
	if e.Number <= 0 {
		return fmt.Errorf("entity number must be positive")
	}
	return nil
}

func (s *Server) linkEntity(w http.ResponseWriter, r *http.Request) {
	var e models.EntityRef
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON")
		return
	}
	if err := validateEntity(e); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err := s.sessions.LinkEntity(r.Context(), r.PathValue("id"), e); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) unlinkEntity(w http.ResponseWriter, r *http.Request) {
	var e models.EntityRef
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON")
		return
	}
	if err := s.sessions.UnlinkEntity(r.Context(), r.PathValue("id"), e); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Events ---

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
