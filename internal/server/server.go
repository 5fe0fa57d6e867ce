// Package server owns the HTTP surface: the browser WebSocket route
// behind the platform proxy, the control plane's agent endpoints, and
// a health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/perchhq/perch/internal/acp"
	"github.com/perchhq/perch/internal/gateway"
	"github.com/perchhq/perch/internal/session"
)

// Identity headers injected by the platform proxy. Requests reaching
// the browser-facing routes without them are rejected: the node never
// trusts client-supplied identity.
const (
	HeaderWorkspaceID = "X-Perch-Workspace-Id"
	HeaderUserID      = "X-Perch-User-Id"
)

type Server struct {
	httpSrv     *http.Server
	logger      *slog.Logger
	workspaceID string
	registry    *session.Registry
}

func New(addr, workspaceID string, registry *session.Registry, gw *gateway.Gateway, agents *acp.Gateway, logger *slog.Logger) *Server {
	s := &Server{
		logger:      logger,
		workspaceID: workspaceID,
		registry:    registry,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.requireIdentity(func(w http.ResponseWriter, r *http.Request) {
		gw.HandleWS(w, r, s.workspaceID)
	}))
	mux.HandleFunc("GET /api/v1/sessions", s.requireIdentity(s.handleListSessions))
	mux.HandleFunc("PATCH /api/v1/sessions/{id}", s.requireIdentity(s.handleUpdateSession))
	mux.HandleFunc("POST /api/v1/agent/sessions", func(w http.ResponseWriter, r *http.Request) {
		agents.HandleStart(w, r, s.workspaceID)
	})
	mux.HandleFunc("POST /api/v1/agent/sessions/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		agents.HandleStop(w, r, r.PathValue("id"))
	})

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.List(s.workspaceID))
}

type updateSessionRequest struct {
	SortOrder             *int    `json:"sortOrder,omitempty"`
	ExternalSessionHandle *string `json:"externalSessionHandle,omitempty"`
	LastPrompt            *string `json:"lastPrompt,omitempty"`
}

// handleUpdateSession patches tab metadata that has no place in the
// interactive stream: tab ordering, the agent-protocol resume handle,
// the last prompt shown in the tab strip.
func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	apply := func(err error) bool {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return false
		}
		if err != nil {
			s.logger.Error("session update failed", "id", id, "err", err)
			http.Error(w, "update failed", http.StatusInternalServerError)
			return false
		}
		return true
	}
	if req.SortOrder != nil && !apply(s.registry.SetSortOrder(id, *req.SortOrder)) {
		return
	}
	if req.ExternalSessionHandle != nil && !apply(s.registry.SetExternalSessionHandle(id, *req.ExternalSessionHandle)) {
		return
	}
	if req.LastPrompt != nil && !apply(s.registry.SetLastPrompt(id, *req.LastPrompt)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireIdentity gates browser-facing routes on the proxy-injected
// identity headers. A request carrying a foreign workspace id reached
// the wrong node and is refused outright.
func (s *Server) requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspace := r.Header.Get(HeaderWorkspaceID)
		user := r.Header.Get(HeaderUserID)
		if workspace == "" || user == "" {
			s.logger.Warn("request missing identity headers", "path", r.URL.Path)
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		if workspace != s.workspaceID {
			s.logger.Warn("workspace mismatch", "got", workspace, "want", s.workspaceID)
			http.Error(w, "workspace mismatch", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
