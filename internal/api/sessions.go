package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentorch/agentorch/internal/coordinator"
	"github.com/agentorch/agentorch/internal/pool"
	"github.com/agentorch/agentorch/internal/runnerbackend"
	"github.com/agentorch/agentorch/internal/session"
)

type createSessionRequest struct {
	TenantID  string          `json:"tenantId"`
	AgentName string          `json:"agentName"`
	Config    json.RawMessage `json:"config"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "tenantId and agentName are required")
		return
	}

	sess, err := g.Sessions.Create(r.Context(), req.TenantID, req.AgentName, req.Config)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type sendMessageRequest struct {
	Prompt  string          `json:"prompt"`
	Options json.RawMessage `json:"options,omitempty"`
}

// handleSendMessage streams the sandbox's reply back as SSE, enforcing
// the write-backpressure contract in sse.go (spec.md §4.8, §5).
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	events, err := g.Sessions.SendMessage(r.Context(), sessionID, req.Prompt, req.Options)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	streamSSE(w, r, events)
}

func (g *Gateway) handlePause(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := g.Sessions.Pause(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := g.Sessions.Resume(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	drift, err := g.Sessions.AgentVersionDrift(sessionID)
	if err != nil {
		log.Printf("api: agent version drift check for %s: %v", sessionID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "active", "agentVersionDrift": drift})
}

func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := g.Sessions.Stop(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleFork(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	child, err := g.Sessions.Fork(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := g.Sessions.End(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeoutMs"`
}

func (g *Gateway) handleExec(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	events, err := g.Sessions.Exec(r.Context(), sessionID, req.Command, req.TimeoutMs)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	streamSSE(w, r, events)
}

// writeSessionError maps the SessionManager error taxonomy (spec.md §7)
// onto HTTP status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.AgentDirectoryMissing):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrSessionNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoBackend):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pool.CapacityExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, coordinator.NoCapacity):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, runnerbackend.ErrSandboxNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
