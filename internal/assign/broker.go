// Package assign runs the periodic task-assignment loop: pending,
// unblocked tasks are matched to the best-scoring agent, and agents
// missing heartbeats are taken out of rotation.
package assign

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/config"
	"github.com/halcyonworks/warden/internal/events"
	"github.com/halcyonworks/warden/internal/metrics"
	"github.com/halcyonworks/warden/internal/scoring"
	"github.com/halcyonworks/warden/internal/store"
)

type Broker struct {
	store   store.Store
	events  events.Client
	metrics *metrics.Metrics
	cfg     *config.Config
	logger  *slog.Logger

	drainedMu sync.RWMutex
	drained   map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

func New(s store.Store, ev events.Client, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Broker {
	return &Broker{
		store:   s,
		events:  ev,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
		drained: make(map[string]bool),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

func (b *Broker) Start(ctx context.Context) {
	b.wg.Add(2)
	go b.assignmentLoop(ctx)
	go b.heartbeatLoop(ctx)
}

func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// DrainAgent excludes an agent from new assignments without changing
// its status; running tasks are untouched.
func (b *Broker) DrainAgent(agentID string) {
	b.drainedMu.Lock()
	b.drained[agentID] = true
	b.drainedMu.Unlock()
}

func (b *Broker) UndrainAgent(agentID string) {
	b.drainedMu.Lock()
	delete(b.drained, agentID)
	b.drainedMu.Unlock()
}

func (b *Broker) IsDrained(agentID string) bool {
	b.drainedMu.RLock()
	defer b.drainedMu.RUnlock()
	return b.drained[agentID]
}

func (b *Broker) assignmentLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ProcessPendingTasks(ctx)
		}
	}
}

// ProcessPendingTasks runs one assignment pass. Exported so admin
// endpoints can force a pass outside the tick.
func (b *Broker) ProcessPendingTasks(ctx context.Context) {
	start := b.now()
	tasks, err := b.store.GetPendingTasks(ctx)
	if err != nil {
		b.logger.Error("failed to get pending tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	completed, err := b.store.GetCompletedTaskIDs(ctx)
	if err != nil {
		b.logger.Error("failed to get completed task ids", "error", err)
		return
	}

	// Highest priority first, then oldest.
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := store.PriorityRank(tasks[i].Priority), store.PriorityRank(tasks[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	for _, task := range tasks {
		if blocked(task, completed) {
			continue
		}
		if err := b.assignTask(ctx, task); err != nil {
			b.logger.Warn("failed to assign task", "task_id", task.ID, "error", err)
		}
	}
	if b.metrics != nil {
		b.metrics.AssignmentDuration.Observe(b.now().Sub(start).Seconds())
	}
}

// blocked mirrors the task data model: a non-empty blockedBy list or an
// incomplete dependency keeps the task out of assignment.
func blocked(task *store.Task, completed map[uuid.UUID]bool) bool {
	if len(task.BlockedBy) > 0 {
		return true
	}
	for _, dep := range task.DependsOn {
		if !completed[dep] {
			return true
		}
	}
	return false
}

func (b *Broker) assignTask(ctx context.Context, task *store.Task) error {
	required := scoring.RequiredForTask(task)

	agents, err := b.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	var exclude []string
	for _, a := range agents {
		if b.IsDrained(a.ID) {
			exclude = append(exclude, a.ID)
			continue
		}
		if b.cfg.Assignment.MaxConcurrentPerAgent > 0 {
			active, err := b.store.GetActiveTasksForAgent(ctx, a.ID)
			if err != nil {
				return err
			}
			if len(active) >= b.cfg.Assignment.MaxConcurrentPerAgent {
				exclude = append(exclude, a.ID)
			}
		}
	}

	winner, score := scoring.FindBestAgent(agents, required, scoring.Options{
		ExcludeIDs: exclude,
		MinScore:   b.cfg.Assignment.MinScore,
	})
	if winner == nil {
		b.logger.Info("no eligible agent for task", "task_id", task.ID, "required", required)
		_ = b.store.CreateTaskEvent(ctx, &store.TaskEvent{TaskID: task.ID, Event: "unmatched"})
		if b.events != nil {
			_ = b.events.Publish(events.SubjectTaskUnmatched(task.ID.String()), map[string]interface{}{
				"task_id":  task.ID.String(),
				"required": required,
			})
		}
		return nil
	}

	now := b.now()
	task.Status = store.StatusInProgress
	task.AssignedTo = winner.ID
	task.AssignedAt = &now
	if err := b.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	if winner.Status == store.AgentIdle {
		if err := b.store.UpdateAgentStatus(ctx, winner.ID, store.AgentWorking); err != nil {
			b.logger.Warn("failed to mark agent working", "agent_id", winner.ID, "error", err)
		}
	}

	_ = b.store.CreateTaskEvent(ctx, &store.TaskEvent{
		TaskID:  task.ID,
		Event:   "assigned",
		AgentID: winner.ID,
		Payload: map[string]interface{}{"score": score.Value, "matched": score.Matched},
	})
	if b.events != nil {
		_ = b.events.Publish(events.SubjectTaskAssigned(task.ID.String()), events.TaskAssignedPayload{
			TaskID:  task.ID.String(),
			AgentID: winner.ID,
			Score:   score.Value,
		})
	}

	b.logger.Info("task assigned",
		"task_id", task.ID,
		"agent_id", winner.ID,
		"score", score.Value,
		"missing", score.Missing,
	)
	return nil
}

func (b *Broker) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CheckHeartbeats(ctx)
		}
	}
}

// CheckHeartbeats transitions agents silent past the timeout to offline
// and returns their tasks to the backlog.
func (b *Broker) CheckHeartbeats(ctx context.Context) {
	timeout := b.cfg.HeartbeatTimeout()
	if timeout <= 0 {
		return
	}
	agents, err := b.store.ListAgents(ctx)
	if err != nil {
		b.logger.Error("failed to list agents for heartbeat check", "error", err)
		return
	}

	now := b.now()
	for _, a := range agents {
		if a.Status == store.AgentOffline {
			continue
		}
		if a.LastHeartbeatAt == nil || now.Sub(*a.LastHeartbeatAt) <= timeout {
			continue
		}
		b.logger.Warn("agent missed heartbeats, marking offline",
			"agent_id", a.ID,
			"last_heartbeat_at", a.LastHeartbeatAt,
		)
		if err := b.store.UpdateAgentStatus(ctx, a.ID, store.AgentOffline); err != nil {
			b.logger.Error("failed to mark agent offline", "agent_id", a.ID, "error", err)
			continue
		}
		b.HandleAgentStopped(ctx, a.ID)
	}
}

// HandleAgentStopped returns an agent's active tasks to pending so the
// next assignment pass can re-place them.
func (b *Broker) HandleAgentStopped(ctx context.Context, agentID string) {
	tasks, err := b.store.GetActiveTasksForAgent(ctx, agentID)
	if err != nil {
		b.logger.Error("failed to get tasks for stopped agent", "agent_id", agentID, "error", err)
		return
	}
	for _, task := range tasks {
		task.Status = store.StatusPending
		task.AssignedTo = ""
		task.AssignedAt = nil
		if err := b.store.UpdateTask(ctx, task); err != nil {
			b.logger.Error("failed to reset task", "task_id", task.ID, "error", err)
			continue
		}
		_ = b.store.CreateTaskEvent(ctx, &store.TaskEvent{
			TaskID:  task.ID,
			Event:   "reassigned",
			AgentID: agentID,
			Payload: map[string]interface{}{"reason": "agent_stopped"},
		})
		if b.events != nil {
			_ = b.events.Publish(events.SubjectTaskReassigned(task.ID.String()), map[string]interface{}{
				"task_id": task.ID.String(),
				"reason":  "agent_stopped",
				"agent":   agentID,
			})
		}
	}
}
