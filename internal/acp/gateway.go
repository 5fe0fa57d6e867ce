package acp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/perchhq/perch/internal/controlplane"
	"github.com/perchhq/perch/internal/session"
)

// Gateway handles control-plane-initiated agent sessions: spawn an
// agent subprocess with its credential injected, hand it to the session
// registry, and report the session id so a browser can attach later.
type Gateway struct {
	registry *session.Registry
	cp       *controlplane.Client
	logger   *slog.Logger
	catalog  map[string]AgentSpec
}

func New(registry *session.Registry, cp *controlplane.Client, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		cp:       cp,
		logger:   logger,
		catalog:  DefaultCatalog(),
	}
}

type startRequest struct {
	AgentType      string `json:"agentType"`
	InitialPrompt  string `json:"initialPrompt"`
	Dir            string `json:"dir,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// HandleStart serves POST /api/v1/agent/sessions. The caller is the
// control plane, authenticated by a token signed with the shared node
// secret. Replies 202: the agent is starting, not yet ready.
func (g *Gateway) HandleStart(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if !g.authorize(w, r) {
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	spec, ok := g.catalog[req.AgentType]
	if !ok {
		httpError(w, http.StatusBadRequest, (&ErrUnknownAgent{AgentType: req.AgentType}).Error())
		return
	}

	key, err := g.cp.FetchAgentKey(r.Context(), req.AgentType)
	if err != nil {
		g.logger.Error("agent key fetch failed", "agentType", req.AgentType, "err", err)
		httpError(w, http.StatusBadGateway, "could not obtain agent credential")
		return
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = req.Dir
	// The credential reaches the agent through its environment only;
	// it is never written to disk or logged.
	cmd.Env = append(os.Environ(), spec.EnvKey+"="+key)

	s, err := g.registry.Create(session.CreateParams{
		WorkspaceID:    workspaceID,
		Kind:           session.KindChat,
		Label:          req.AgentType,
		Dir:            req.Dir,
		IdempotencyKey: req.IdempotencyKey,
		Command:        cmd,
	})
	if err != nil {
		if errors.Is(err, session.ErrLimitReached) {
			httpError(w, http.StatusTooManyRequests, "session limit reached")
			return
		}
		g.logger.Error("agent session create failed", "agentType", req.AgentType, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to start agent")
		return
	}
	if req.InitialPrompt != "" {
		if err := g.registry.SetLastPrompt(s.ID, req.InitialPrompt); err != nil {
			g.logger.Warn("persist initial prompt failed", "id", s.ID, "err", err)
		}
	}

	g.logger.Info("agent session starting", "id", s.ID, "agentType", req.AgentType)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "starting",
		"sessionId": s.ID,
	})
}

// HandleStop serves POST /api/v1/agent/sessions/{id}/stop. Stopping is
// immediate and permanent: process terminated, tab removed. An
// attached browser learns about it through a session stopped event
// before its stream ends.
func (g *Gateway) HandleStop(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !g.authorize(w, r) {
		return
	}

	if err := g.registry.Close(sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Error("agent session stop failed", "id", sessionID, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to stop agent")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		httpError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	if _, err := g.cp.VerifyToken(token); err != nil {
		httpError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
