package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/agentorch/agentorch/internal/runnerbackend"
)

// These handlers expose this process's LocalBackend over HTTP so a
// coordinator's RemoteRunnerBackend can reach sandboxes hosted here
// (spec.md §6.1 "runner-side" endpoints). A process with no embedded
// runner (LocalBackend nil) answers 503 to all of them.

func (g *Gateway) handleRunnerCreateSandbox(w http.ResponseWriter, r *http.Request) {
	if g.LocalBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "this process has no embedded runner")
		return
	}

	var req runnerbackend.CreateSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := g.LocalBackend.CreateSandbox(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (g *Gateway) handleRunnerDestroySandbox(w http.ResponseWriter, r *http.Request) {
	if g.LocalBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "this process has no embedded runner")
		return
	}
	sandboxID := chi.URLParam(r, "id")
	if err := g.LocalBackend.DestroySandbox(r.Context(), sandboxID); err != nil {
		writeRunnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleRunnerInterrupt(w http.ResponseWriter, r *http.Request) {
	if g.LocalBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "this process has no embedded runner")
		return
	}
	sandboxID := chi.URLParam(r, "id")
	if err := g.LocalBackend.Interrupt(r.Context(), sandboxID); err != nil {
		writeRunnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markSandboxRequest struct {
	State string `json:"state"`
}

func (g *Gateway) handleRunnerMark(w http.ResponseWriter, r *http.Request) {
	if g.LocalBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "this process has no embedded runner")
		return
	}
	sandboxID := chi.URLParam(r, "id")

	var req markSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch req.State {
	case "running":
		err = g.LocalBackend.MarkRunning(r.Context(), sandboxID)
	case "waiting":
		err = g.LocalBackend.MarkWaiting(r.Context(), sandboxID)
	default:
		writeError(w, http.StatusBadRequest, "state must be \"running\" or \"waiting\"")
		return
	}
	if err != nil {
		writeRunnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type persistSandboxRequest struct {
	SessionID    string `json:"sessionId"`
	WorkspaceDir string `json:"workspaceDir"`
	AgentName    string `json:"agentName"`
}

func (g *Gateway) handleRunnerPersist(w http.ResponseWriter, r *http.Request) {
	if g.LocalBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "this process has no embedded runner")
		return
	}
	sandboxID := chi.URLParam(r, "id")

	var req persistSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := g.LocalBackend.PersistState(r.Context(), sandboxID, req.SessionID, req.WorkspaceDir, req.AgentName); err != nil {
		writeRunnerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunnerStream is the endpoint RemoteRunnerBackend.Stream dials:
// it upgrades to a websocket, reads exactly one StreamCommand as the
// first text message, then relays every bridge.Event produced by the
// local sandbox as its own text message until a terminal event, and
// closes. A persistent socket avoids paying a full HTTP round trip per
// bridge line on a remote runner (SPEC_FULL.md §4.6).
func (g *Gateway) handleRunnerStream(w http.ResponseWriter, r *http.Request) {
	if g.LocalBackend == nil {
		writeError(w, http.StatusServiceUnavailable, "this process has no embedded runner")
		return
	}
	sandboxID := chi.URLParam(r, "id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("runner stream: accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		log.Printf("runner stream: read command: %v", err)
		return
	}
	var cmd runnerbackend.StreamCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "malformed command")
		return
	}

	events, err := g.LocalBackend.Stream(ctx, sandboxID, cmd)
	if err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			log.Printf("runner stream: write event: %v", err)
			return
		}
		if ev.IsTerminal() {
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		}
	}
}

func writeRunnerError(w http.ResponseWriter, err error) {
	if err == runnerbackend.ErrSandboxNotFound {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
