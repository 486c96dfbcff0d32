package api

import (
	"encoding/json"
	"net/http"
)

type registerRunnerRequest struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

func (g *Gateway) handleRunnerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "id and host are required")
		return
	}
	if err := g.Coordinator.RegisterRunner(req.ID, req.Host, req.Port, req.MaxSandboxes); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRunnerRequest struct {
	ID         string  `json:"id"`
	Active     int     `json:"active"`
	Warming    int     `json:"warming"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
}

func (g *Gateway) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := g.Coordinator.Heartbeat(req.ID, req.Active, req.Warming, req.CPUPercent, req.MemPercent); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deregisterRunnerRequest struct {
	ID string `json:"id"`
}

func (g *Gateway) handleRunnerDeregister(w http.ResponseWriter, r *http.Request) {
	var req deregisterRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := g.Coordinator.DeregisterRunner(req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
