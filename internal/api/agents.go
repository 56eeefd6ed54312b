package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/assign"
	"github.com/halcyonworks/warden/internal/costs"
	"github.com/halcyonworks/warden/internal/store"
)

// OutputReader exposes the console tail for operator inspection.
type OutputReader interface {
	GetRecentOutput(agentID string, n int) string
}

type AgentsHandler struct {
	store    store.Store
	broker   *assign.Broker
	executor *actions.Executor
	costs    *costs.Recorder
	output   OutputReader
}

func NewAgentsHandler(s store.Store, b *assign.Broker, exec *actions.Executor, rec *costs.Recorder, output OutputReader) *AgentsHandler {
	return &AgentsHandler{store: s, broker: b, executor: exec, costs: rec, output: output}
}

type RegisterAgentRequest struct {
	ID                 string   `json:"agent_id"`
	Name               string   `json:"name"`
	Provider           string   `json:"provider,omitempty"`
	Model              string   `json:"model,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	CostPerInputToken  float64  `json:"cost_per_input_token,omitempty"`
	CostPerOutputToken float64  `json:"cost_per_output_token,omitempty"`
	SandboxID          string   `json:"sandbox_id,omitempty"`
}

func (h *AgentsHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id and name required"})
		return
	}

	agent := &store.AgentProfile{
		ID:                 req.ID,
		Name:               req.Name,
		Provider:           req.Provider,
		Model:              req.Model,
		Capabilities:       req.Capabilities,
		CostPerInputToken:  req.CostPerInputToken,
		CostPerOutputToken: req.CostPerOutputToken,
		Status:             store.AgentIdle,
		SandboxID:          req.SandboxID,
	}
	if err := h.store.CreateAgent(r.Context(), agent); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *AgentsHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if agents == nil {
		agents = []*store.AgentProfile{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if agent == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentsHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RecordHeartbeat(r.Context(), id, time.Now()); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AgentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.broker.HandleAgentStopped(r.Context(), id)
	if err := h.store.DeleteAgent(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *AgentsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.executeFor(w, r, actions.ActionPauseAgent, nil)
}

func (h *AgentsHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.executeFor(w, r, actions.ActionRestartAgent, nil)
}

type PromptAgentRequest struct {
	Message string `json:"message"`
}

func (h *AgentsHandler) Prompt(w http.ResponseWriter, r *http.Request) {
	var req PromptAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	h.executeFor(w, r, actions.ActionPromptAgent, map[string]interface{}{"message": req.Message})
}

func (h *AgentsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if agent == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	if agent.Status != store.AgentBlocked {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "agent is not paused"})
		return
	}
	if err := h.store.UpdateAgentStatus(r.Context(), id, store.AgentIdle); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *AgentsHandler) Drain(w http.ResponseWriter, r *http.Request) {
	h.broker.DrainAgent(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (h *AgentsHandler) Undrain(w http.ResponseWriter, r *http.Request) {
	h.broker.UndrainAgent(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *AgentsHandler) Output(w http.ResponseWriter, r *http.Request) {
	n := 100
	if q := r.URL.Query().Get("lines"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid lines"})
			return
		}
		n = v
	}
	out := h.output.GetRecentOutput(chi.URLParam(r, "id"), n)
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

type ReportUsageRequest struct {
	TaskID       string `json:"task_id,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ContextLimit int64  `json:"context_limit,omitempty"`
}

func (h *AgentsHandler) ReportUsage(w http.ResponseWriter, r *http.Request) {
	var req ReportUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	usage := costs.Usage{
		AgentID:      chi.URLParam(r, "id"),
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		ContextLimit: req.ContextLimit,
	}
	if req.TaskID != "" {
		id, err := uuid.Parse(req.TaskID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task_id"})
			return
		}
		usage.TaskID = &id
	}
	event, err := h.costs.Record(r.Context(), usage)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *AgentsHandler) Usage(w http.ResponseWriter, r *http.Request) {
	total, err := h.costs.TotalTokens(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total_tokens": total})
}

func (h *AgentsHandler) executeFor(w http.ResponseWriter, r *http.Request, kind actions.Kind, params map[string]interface{}) {
	res, err := h.executor.Execute(r.Context(), actions.Request{
		Kind:    kind,
		AgentID: chi.URLParam(r, "id"),
		Params:  params,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
