// Package actions executes remediation against the sandbox runtime and
// the task store. Handlers are idempotent and report expected failures
// as structured results, not errors.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/locks"
	"github.com/halcyonworks/warden/internal/sandbox"
	"github.com/halcyonworks/warden/internal/store"
)

type Kind string

const (
	ActionPromptAgent            Kind = "prompt_agent"
	ActionRestartAgent           Kind = "restart_agent"
	ActionReassignTask           Kind = "reassign_task"
	ActionRetryTask              Kind = "retry_task"
	ActionPauseAgent             Kind = "pause_agent"
	ActionReleaseLock            Kind = "release_lock"
	ActionUpdateTaskStatus       Kind = "update_task_status"
	ActionSaveCheckpointAndPause Kind = "save_checkpoint_and_pause"
)

// Known reports whether k names a registered handler.
func Known(k Kind) bool {
	switch k {
	case ActionPromptAgent, ActionRestartAgent, ActionReassignTask, ActionRetryTask,
		ActionPauseAgent, ActionReleaseLock, ActionUpdateTaskStatus, ActionSaveCheckpointAndPause:
		return true
	}
	return false
}

type Request struct {
	Kind      Kind                   `json:"kind"`
	AgentID   string                 `json:"agent_id"`
	SandboxID string                 `json:"sandbox_id,omitempty"`
	TaskID    *uuid.UUID             `json:"task_id,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// Result is the structured outcome of one action. OK false covers
// expected failure modes such as "agent already offline".
type Result struct {
	Kind     Kind          `json:"kind"`
	AgentID  string        `json:"agent_id"`
	OK       bool          `json:"ok"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OutputSource supplies recent console output for checkpointing. The
// console watcher satisfies it.
type OutputSource interface {
	GetRecentOutput(agentID string, n int) string
}

const checkpointLines = 200

type Executor struct {
	store   store.Store
	sandbox sandbox.Client
	locks   *locks.Detector
	output  OutputSource
	logger  *slog.Logger
	now     func() time.Time
}

func NewExecutor(st store.Store, sb sandbox.Client, ld *locks.Detector, output OutputSource, logger *slog.Logger) *Executor {
	return &Executor{store: st, sandbox: sb, locks: ld, output: output, logger: logger, now: time.Now}
}

// Execute runs one action. Validation problems (unknown kind, missing
// required field) return an error; runtime failures come back as a
// Result with OK false.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if !Known(req.Kind) {
		return nil, fmt.Errorf("unknown action kind %q", req.Kind)
	}
	if req.AgentID == "" && req.TaskID == nil {
		return nil, fmt.Errorf("action %s: agent id or task id is required", req.Kind)
	}

	start := e.now()
	var res *Result
	var err error
	switch req.Kind {
	case ActionPromptAgent:
		res, err = e.promptAgent(ctx, req)
	case ActionRestartAgent:
		res, err = e.restartAgent(ctx, req)
	case ActionReassignTask:
		res, err = e.reassignTask(ctx, req)
	case ActionRetryTask:
		res, err = e.retryTask(ctx, req)
	case ActionPauseAgent:
		res, err = e.pauseAgent(ctx, req)
	case ActionReleaseLock:
		res, err = e.releaseLock(ctx, req)
	case ActionUpdateTaskStatus:
		res, err = e.updateTaskStatus(ctx, req)
	case ActionSaveCheckpointAndPause:
		res, err = e.saveCheckpointAndPause(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	res.Kind = req.Kind
	res.AgentID = req.AgentID
	res.Duration = e.now().Sub(start)
	e.logger.Info("action executed",
		"action", req.Kind,
		"agent_id", req.AgentID,
		"ok", res.OK,
		"message", res.Message,
	)
	return res, nil
}

func (e *Executor) sandboxFor(ctx context.Context, req Request) (string, error) {
	if req.SandboxID != "" {
		return req.SandboxID, nil
	}
	agent, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return "", err
	}
	if agent == nil || agent.SandboxID == "" {
		return "", nil
	}
	return agent.SandboxID, nil
}

func (e *Executor) promptAgent(ctx context.Context, req Request) (*Result, error) {
	message, _ := req.Params["message"].(string)
	if message == "" {
		return nil, fmt.Errorf("prompt_agent: message is required")
	}
	sandboxID, err := e.sandboxFor(ctx, req)
	if err != nil {
		return nil, err
	}
	if sandboxID == "" {
		return &Result{OK: false, Message: "agent has no sandbox"}, nil
	}
	if err := e.sandbox.Prompt(ctx, sandboxID, message); err != nil {
		return &Result{OK: false, Message: err.Error()}, nil
	}
	return &Result{OK: true, Message: "prompt delivered"}, nil
}

func (e *Executor) restartAgent(ctx context.Context, req Request) (*Result, error) {
	sandboxID, err := e.sandboxFor(ctx, req)
	if err != nil {
		return nil, err
	}
	if sandboxID == "" {
		return &Result{OK: false, Message: "agent has no sandbox"}, nil
	}
	if err := e.sandbox.Restart(ctx, sandboxID); err != nil {
		return &Result{OK: false, Message: err.Error()}, nil
	}
	if err := e.store.UpdateAgentStatus(ctx, req.AgentID, store.AgentIdle); err != nil {
		return nil, err
	}
	return &Result{OK: true, Message: "sandbox restarted"}, nil
}

func (e *Executor) reassignTask(ctx context.Context, req Request) (*Result, error) {
	if req.TaskID == nil {
		return nil, fmt.Errorf("reassign_task: task id is required")
	}
	task, err := e.store.GetTask(ctx, *req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &Result{OK: false, Message: "task not found"}, nil
	}
	previous := task.AssignedTo
	task.AssignedTo = ""
	task.Status = store.StatusPending
	task.AssignedAt = nil
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	_ = e.store.CreateTaskEvent(ctx, &store.TaskEvent{
		TaskID:  task.ID,
		Event:   "reassigned",
		AgentID: previous,
		Payload: map[string]interface{}{"reason": req.Params["reason"]},
	})
	return &Result{OK: true, Message: "task returned to the backlog"}, nil
}

func (e *Executor) retryTask(ctx context.Context, req Request) (*Result, error) {
	if req.TaskID == nil {
		return nil, fmt.Errorf("retry_task: task id is required")
	}
	task, err := e.store.GetTask(ctx, *req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &Result{OK: false, Message: "task not found"}, nil
	}
	if task.MaxRetries > 0 && task.RetryCount >= task.MaxRetries {
		return &Result{OK: false, Message: "retry budget exhausted"}, nil
	}
	task.RetryCount++
	task.Status = store.StatusPending
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.Error = ""
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	_ = e.store.CreateTaskEvent(ctx, &store.TaskEvent{
		TaskID:  task.ID,
		Event:   "retried",
		Payload: map[string]interface{}{"retry_count": task.RetryCount},
	})
	return &Result{OK: true, Message: fmt.Sprintf("retry %d scheduled", task.RetryCount)}, nil
}

func (e *Executor) pauseAgent(ctx context.Context, req Request) (*Result, error) {
	agent, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return &Result{OK: false, Message: "agent not found"}, nil
	}
	if agent.Status == store.AgentBlocked {
		return &Result{OK: true, Message: "agent already paused"}, nil
	}
	if err := e.store.UpdateAgentStatus(ctx, req.AgentID, store.AgentBlocked); err != nil {
		return nil, err
	}
	if agent.SandboxID != "" {
		if err := e.sandbox.Stop(ctx, agent.SandboxID); err != nil {
			return &Result{OK: false, Message: "status updated but sandbox stop failed: " + err.Error()}, nil
		}
	}
	return &Result{OK: true, Message: "agent paused"}, nil
}

func (e *Executor) releaseLock(ctx context.Context, req Request) (*Result, error) {
	project, _ := req.Params["project"].(string)
	path, _ := req.Params["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("release_lock: path is required")
	}
	removed, err := e.locks.ReleaseLock(ctx, project, path, req.AgentID, true)
	if err != nil {
		return nil, err
	}
	if !removed {
		return &Result{OK: true, Message: "no lock held"}, nil
	}
	return &Result{OK: true, Message: "lock released"}, nil
}

func (e *Executor) updateTaskStatus(ctx context.Context, req Request) (*Result, error) {
	if req.TaskID == nil {
		return nil, fmt.Errorf("update_task_status: task id is required")
	}
	raw, _ := req.Params["status"].(string)
	status := store.TaskStatus(raw)
	switch status {
	case store.StatusPending, store.StatusInProgress, store.StatusBlocked,
		store.StatusCompleted, store.StatusCancelled, store.StatusFailed:
	default:
		return nil, fmt.Errorf("update_task_status: invalid status %q", raw)
	}
	task, err := e.store.GetTask(ctx, *req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &Result{OK: false, Message: "task not found"}, nil
	}
	if task.Status == status {
		return &Result{OK: true, Message: "status unchanged"}, nil
	}
	task.Status = status
	if status == store.StatusCompleted {
		now := e.now()
		task.CompletedAt = &now
	}
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	_ = e.store.CreateTaskEvent(ctx, &store.TaskEvent{
		TaskID:  task.ID,
		Event:   "status_changed",
		AgentID: req.AgentID,
		Payload: map[string]interface{}{"status": string(status)},
	})
	return &Result{OK: true, Message: "status updated to " + raw}, nil
}

// saveCheckpointAndPause persists the agent's recent console output on
// its active tasks before pausing, so a human can resume the work.
func (e *Executor) saveCheckpointAndPause(ctx context.Context, req Request) (*Result, error) {
	var snapshot string
	if e.output != nil {
		snapshot = e.output.GetRecentOutput(req.AgentID, checkpointLines)
	}
	active, err := e.store.GetActiveTasksForAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	for _, task := range active {
		_ = e.store.CreateTaskEvent(ctx, &store.TaskEvent{
			TaskID:  task.ID,
			Event:   "checkpoint",
			AgentID: req.AgentID,
			Payload: map[string]interface{}{"console_output": snapshot},
		})
	}

	pause, err := e.pauseAgent(ctx, req)
	if err != nil {
		return nil, err
	}
	if !pause.OK {
		return pause, nil
	}
	return &Result{OK: true, Message: fmt.Sprintf("checkpointed %d tasks and paused", len(active))}, nil
}
