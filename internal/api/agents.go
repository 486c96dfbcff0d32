package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Explicitly out of scope per spec.md §1: CRUD for agents/files/
// credentials/attachments/queue/usage is thin glue over the database,
// implemented here only as the minimal surface needed to exercise the
// hot endpoints end-to-end.

type createAgentRequest struct {
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}

	agent, err := g.Store.RedeployAgent(req.TenantID, req.Name, req.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	agents, err := g.Store.ListAgents(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tenantID := r.URL.Query().Get("tenantId")
	if err := g.Store.DeleteAgent(tenantID, name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
