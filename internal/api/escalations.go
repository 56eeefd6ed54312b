package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/escalate"
	"github.com/halcyonworks/warden/internal/store"
)

type EscalationsHandler struct {
	queue    *escalate.Queue
	executor *actions.Executor
}

func NewEscalationsHandler(q *escalate.Queue, exec *actions.Executor) *EscalationsHandler {
	return &EscalationsHandler{queue: q, executor: exec}
}

func (h *EscalationsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.EscalationFilter{
		AgentID: r.URL.Query().Get("agent"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := store.EscalationStatus(s)
		filter.Status = &status
	}
	escalations, err := h.queue.List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if escalations == nil {
		escalations = []*store.Escalation{}
	}
	writeJSON(w, http.StatusOK, escalations)
}

func (h *EscalationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid escalation id"})
		return
	}
	esc, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if esc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "escalation not found"})
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type ReviewRequest struct {
	Reviewer string                 `json:"reviewer"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

type ApproveResponse struct {
	Escalation *store.Escalation `json:"escalation"`
	Result     *actions.Result   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Approve marks the escalation approved and dispatches its proposed
// action. Params from the review body override the captured context.
func (h *EscalationsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid escalation id"})
		return
	}
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Reviewer == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reviewer required"})
		return
	}

	esc, err := h.queue.Approve(r.Context(), id, req.Reviewer)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	params := make(map[string]interface{}, len(esc.Context)+len(req.Params))
	for k, v := range esc.Context {
		params[k] = v
	}
	for k, v := range req.Params {
		params[k] = v
	}

	resp := ApproveResponse{Escalation: esc}
	res, err := h.executor.Execute(r.Context(), actions.Request{
		Kind:      actions.Kind(esc.ProposedAction),
		AgentID:   esc.AgentID,
		SandboxID: esc.SandboxID,
		Params:    params,
	})
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = res
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *EscalationsHandler) Deny(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid escalation id"})
		return
	}
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Reviewer == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reviewer required"})
		return
	}
	esc, err := h.queue.Deny(r.Context(), id, req.Reviewer)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, esc)
}
