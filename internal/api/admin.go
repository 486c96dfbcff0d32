package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Credentials, attachments, queue items, and a session's message
// transcript are peripheral entities (spec.md §1 explicitly scopes
// their CRUD out of the core). These handlers are thin glue directly
// over the Store, no business logic beyond request validation.

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	messages, err := g.Store.ListMessages(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type createCredentialRequest struct {
	TenantID  string `json:"tenantId"`
	AgentName string `json:"agentName"`
	Label     string `json:"label"`
	Secret    string `json:"secret"`
}

func (g *Gateway) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Label == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "label and secret are required")
		return
	}

	id := uuid.NewString()
	if err := g.Store.CreateCredential(id, req.TenantID, req.AgentName, req.Label, req.Secret); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (g *Gateway) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := g.Store.DeleteCredential(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createAttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

func (g *Gateway) handleCreateAttachment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req createAttachmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	attachment, err := g.Store.CreateAttachment(uuid.NewString(), sessionID, req.Filename, req.ContentType, req.SizeBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

func (g *Gateway) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	attachments, err := g.Store.ListAttachments(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attachments)
}

func (g *Gateway) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "attachmentID")
	if err := g.Store.DeleteAttachment(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enqueueRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (g *Gateway) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := uuid.NewString()
	if err := g.Store.EnqueueItem(id, sessionID, req.Payload); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleClaimQueueItem lets an out-of-process worker atomically claim
// the oldest pending item (spec.md §4.1's peripheral atomic-claim
// queue). Returns 204 when nothing is pending.
func (g *Gateway) handleClaimQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := g.Store.ClaimQueueItem()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
