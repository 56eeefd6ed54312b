package events

import "time"

// SandboxOutputEvent is one chunk of console output from a sandbox.
type SandboxOutputEvent struct {
	SandboxID string    `json:"sandbox_id"`
	Chunk     string    `json:"chunk"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatEvent struct {
	AgentID   string    `json:"agent_id"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type DetectionPayload struct {
	AgentID   string                 `json:"agent_id"`
	SandboxID string                 `json:"sandbox_id,omitempty"`
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

type DecisionPayload struct {
	AgentID   string `json:"agent_id"`
	EventKind string `json:"event_kind"`
	State     string `json:"state"`
	Action    string `json:"action,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

type EscalationPayload struct {
	EscalationID   string `json:"escalation_id"`
	AgentID        string `json:"agent_id"`
	EventKind      string `json:"event_kind"`
	ProposedAction string `json:"proposed_action"`
	Status         string `json:"status"`
	Reviewer       string `json:"reviewer,omitempty"`
}

type ActionResultPayload struct {
	AgentID string `json:"agent_id"`
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type ConflictPayload struct {
	ConflictID string   `json:"conflict_id"`
	Project    string   `json:"project"`
	Path       string   `json:"path"`
	AgentIDs   []string `json:"agent_ids"`
}

type TaskAssignedPayload struct {
	TaskID  string  `json:"task_id"`
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}
