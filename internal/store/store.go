package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentOffline AgentStatus = "offline"
)

// AgentProfile describes one registered coding agent.
type AgentProfile struct {
	ID           string   `json:"agent_id"`
	Name         string   `json:"name"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Capabilities []string `json:"capabilities"`

	// Cost per token in USD, used for tie-breaking during assignment
	// and for cost-event accounting.
	CostPerInputToken  float64 `json:"cost_per_input_token"`
	CostPerOutputToken float64 `json:"cost_per_output_token"`

	Status    AgentStatus `json:"status"`
	SandboxID string      `json:"sandbox_id,omitempty"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TotalCostPerToken is the assignment tie-breaker: cheaper wins among
// equally qualified agents.
func (a *AgentProfile) TotalCostPerToken() float64 {
	return a.CostPerInputToken + a.CostPerOutputToken
}

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusFailed     TaskStatus = "failed"
)

type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// PriorityRank orders priorities for assignment, highest first.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

type Task struct {
	ID          uuid.UUID    `json:"task_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    TaskPriority `json:"priority"`

	Status     TaskStatus `json:"status"`
	AssignedTo string     `json:"assigned_to,omitempty"`

	// DependsOn lists tasks that must be completed first. BlockedBy holds
	// free-form blocker notes; a non-empty list blocks the task outright.
	DependsOn []uuid.UUID `json:"depends_on,omitempty"`
	BlockedBy []string    `json:"blocked_by,omitempty"`

	// Tags may encode capability requirements as "requires:<capability>".
	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type TaskFilter struct {
	Status   *TaskStatus
	Assignee string
	Limit    int
	Offset   int
}

type TaskEvent struct {
	ID        uuid.UUID              `json:"id"`
	TaskID    uuid.UUID              `json:"task_id"`
	Event     string                 `json:"event"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// --- Zones ---

type ZonePolicy string

const (
	PolicyAllow ZonePolicy = "allow"
	PolicyDeny  ZonePolicy = "deny"
)

// Zone is a glob-matched region of the file tree with an ownership policy.
type Zone struct {
	Pattern string   `json:"pattern"`
	Owners  []string `json:"owners,omitempty"`
	Shared  bool     `json:"shared"`
}

type ZoneConfig struct {
	Project       string     `json:"project"`
	Zones         []Zone     `json:"zones"`
	DefaultPolicy ZonePolicy `json:"default_policy"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// --- Locks and conflicts ---

type FileLock struct {
	Project    string    `json:"project"`
	Path       string    `json:"path"`
	AgentID    string    `json:"agent_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock is past its expiry. Expired locks are
// treated as absent by every read path.
func (l *FileLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type ConflictStrategy string

const (
	StrategyAcceptFirst  ConflictStrategy = "accept_first"
	StrategyAcceptSecond ConflictStrategy = "accept_second"
	StrategyMerge        ConflictStrategy = "merge"
	StrategyDefer        ConflictStrategy = "defer"
)

type Conflict struct {
	ID         uuid.UUID        `json:"id"`
	Project    string           `json:"project"`
	Path       string           `json:"path"`
	AgentIDs   []string         `json:"agent_ids"`
	Strategy   ConflictStrategy `json:"strategy,omitempty"`
	Resolution string           `json:"resolution,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

func (c *Conflict) Resolved() bool { return c.ResolvedAt != nil }

// --- Escalations ---

type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationDenied   EscalationStatus = "denied"
	EscalationExpired  EscalationStatus = "expired"
)

// Escalation is a decision deferred to a human reviewer.
type Escalation struct {
	ID             uuid.UUID              `json:"id"`
	AgentID        string                 `json:"agent_id"`
	SandboxID      string                 `json:"sandbox_id,omitempty"`
	EventKind      string                 `json:"event_kind"`
	Severity       string                 `json:"severity,omitempty"`
	ProposedAction string                 `json:"proposed_action"`
	Rationale      string                 `json:"rationale,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`

	Status   EscalationStatus `json:"status"`
	Reviewer string           `json:"reviewer,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type EscalationFilter struct {
	Status  *EscalationStatus
	AgentID string
	Limit   int
}

// --- Audit and cost ---

// ActionLog is one append-only audit record of a decision-engine transition.
type ActionLog struct {
	ID         uuid.UUID `json:"id"`
	AgentID    string    `json:"agent_id"`
	EventKind  string    `json:"event_kind"`
	Action     string    `json:"action,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Autonomous bool      `json:"autonomous"`
	CreatedAt  time.Time `json:"created_at"`
}

type CostEvent struct {
	ID           uuid.UUID  `json:"id"`
	AgentID      string     `json:"agent_id"`
	TaskID       *uuid.UUID `json:"task_id,omitempty"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Stats struct {
	AgentsOnline        int     `json:"agents_online"`
	TasksPending        int     `json:"tasks_pending"`
	TasksInProgress     int     `json:"tasks_in_progress"`
	TasksCompleted      int     `json:"tasks_completed"`
	TasksFailed         int     `json:"tasks_failed"`
	EscalationsPending  int     `json:"escalations_pending"`
	ConflictsUnresolved int     `json:"conflicts_unresolved"`
	AvgCompletionMs     float64 `json:"avg_completion_ms"`
}

// Store is the repository contract for all control-plane state. Two
// implementations exist (Postgres and in-memory); one is selected at
// startup from configuration.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *AgentProfile) error
	GetAgent(ctx context.Context, id string) (*AgentProfile, error)
	ListAgents(ctx context.Context) ([]*AgentProfile, error)
	UpdateAgent(ctx context.Context, a *AgentProfile) error
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	RecordHeartbeat(ctx context.Context, id string, at time.Time) error
	DeleteAgent(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	GetPendingTasks(ctx context.Context) ([]*Task, error)
	GetActiveTasksForAgent(ctx context.Context, agentID string) ([]*Task, error)
	GetCompletedTaskIDs(ctx context.Context) (map[uuid.UUID]bool, error)

	CreateTaskEvent(ctx context.Context, e *TaskEvent) error
	GetTaskEvents(ctx context.Context, taskID uuid.UUID) ([]*TaskEvent, error)

	// Zones
	GetZoneConfig(ctx context.Context, project string) (*ZoneConfig, error)
	SaveZoneConfig(ctx context.Context, cfg *ZoneConfig) error

	// Locks. TryAcquireLock is compare-and-set: it succeeds only when no
	// live lock exists for (project, path) or the live lock is already
	// held by the requesting agent. On refusal it returns the holder.
	TryAcquireLock(ctx context.Context, lock *FileLock) (bool, *FileLock, error)
	GetLock(ctx context.Context, project, path string) (*FileLock, error)
	ListLocks(ctx context.Context, project string) ([]*FileLock, error)
	ReleaseLock(ctx context.Context, project, path, agentID string, force bool) (bool, error)
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error)

	// Conflicts
	CreateConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, id uuid.UUID) (*Conflict, error)
	ListConflicts(ctx context.Context, project string, unresolvedOnly bool) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id uuid.UUID, strategy ConflictStrategy, resolution string) (*Conflict, error)

	// Escalations
	CreateEscalation(ctx context.Context, e *Escalation) error
	GetEscalation(ctx context.Context, id uuid.UUID) (*Escalation, error)
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]*Escalation, error)
	SetEscalationStatus(ctx context.Context, id uuid.UUID, status EscalationStatus, reviewer string) (*Escalation, error)
	ExpireEscalations(ctx context.Context, cutoff time.Time) (int, error)

	// Audit and cost
	CreateActionLog(ctx context.Context, l *ActionLog) error
	ListActionLogs(ctx context.Context, agentID string, limit int) ([]*ActionLog, error)
	CreateCostEvent(ctx context.Context, e *CostEvent) error
	GetAgentTokenUsage(ctx context.Context, agentID string) (int64, error)

	GetStats(ctx context.Context) (*Stats, error)

	Close() error
}
