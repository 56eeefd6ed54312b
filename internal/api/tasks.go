package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/store"
)

type TasksHandler struct {
	store    store.Store
	executor *actions.Executor
}

func NewTasksHandler(s store.Store, exec *actions.Executor) *TasksHandler {
	return &TasksHandler{store: s, executor: exec}
}

type CreateTaskRequest struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
}

func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title required"})
		return
	}

	task := &store.Task{
		ID:          uuid.New(),
		Title:       req.Title,
		Description: req.Description,
		Priority:    store.TaskPriority(req.Priority),
		Status:      store.StatusPending,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		MaxRetries:  req.MaxRetries,
	}
	if task.Priority == "" {
		task.Priority = store.PriorityMedium
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 1
	}
	for _, dep := range req.DependsOn {
		id, err := uuid.Parse(dep)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid depends_on id"})
			return
		}
		task.DependsOn = append(task.DependsOn, id)
	}

	if err := h.store.CreateTask(r.Context(), task); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		Assignee: r.URL.Query().Get("assignee"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := store.TaskStatus(s)
		filter.Status = &status
	}

	tasks, err := h.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus routes status changes through the action executor so the
// transition is validated, audited, and emits a task event.
func (h *TasksHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	var req UpdateTaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := h.executor.Execute(r.Context(), actions.Request{
		Kind:    actions.ActionUpdateTaskStatus,
		AgentID: r.Header.Get("X-Agent-ID"),
		TaskID:  &id,
		Params:  map[string]interface{}{"status": req.Status},
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *TasksHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	res, err := h.executor.Execute(r.Context(), actions.Request{
		Kind:    actions.ActionRetryTask,
		AgentID: r.Header.Get("X-Agent-ID"),
		TaskID:  &id,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *TasksHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	res, err := h.executor.Execute(r.Context(), actions.Request{
		Kind:    actions.ActionReassignTask,
		AgentID: r.Header.Get("X-Agent-ID"),
		TaskID:  &id,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *TasksHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	events, err := h.store.GetTaskEvents(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if events == nil {
		events = []*store.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
