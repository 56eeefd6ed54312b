package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAgentLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.CreateAgent(ctx, &AgentProfile{ID: "a1", Name: "One", Capabilities: []string{"go"}})
	require.NoError(t, err)

	// Duplicate registration is refused.
	err = s.CreateAgent(ctx, &AgentProfile{ID: "a1", Name: "Dup"})
	assert.Error(t, err)

	agent, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, AgentIdle, agent.Status)
	assert.False(t, agent.CreatedAt.IsZero())

	require.NoError(t, s.UpdateAgentStatus(ctx, "a1", AgentWorking))
	agent, _ = s.GetAgent(ctx, "a1")
	assert.Equal(t, AgentWorking, agent.Status)

	at := time.Now()
	require.NoError(t, s.RecordHeartbeat(ctx, "a1", at))
	agent, _ = s.GetAgent(ctx, "a1")
	require.NotNil(t, agent.LastHeartbeatAt)
	assert.True(t, agent.LastHeartbeatAt.Equal(at))

	assert.Error(t, s.UpdateAgentStatus(ctx, "ghost", AgentIdle))
	assert.Error(t, s.RecordHeartbeat(ctx, "ghost", at))

	require.NoError(t, s.DeleteAgent(ctx, "a1"))
	agent, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, agent)
}

func TestMemoryGetAgentReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &AgentProfile{ID: "a1", Name: "One"}))

	a, _ := s.GetAgent(ctx, "a1")
	a.Name = "Mutated"

	fresh, _ := s.GetAgent(ctx, "a1")
	assert.Equal(t, "One", fresh.Name)
}

func TestMemoryTaskOrderingAndFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	low := &Task{Title: "low", Priority: PriorityLow}
	require.NoError(t, s.CreateTask(ctx, low))
	crit := &Task{Title: "crit", Priority: PriorityCritical}
	require.NoError(t, s.CreateTask(ctx, crit))
	high := &Task{Title: "high", Priority: PriorityHigh, Status: StatusInProgress, AssignedTo: "a1"}
	require.NoError(t, s.CreateTask(ctx, high))

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "crit", all[0].Title)
	assert.Equal(t, "high", all[1].Title)
	assert.Equal(t, "low", all[2].Title)

	pending, err := s.GetPendingTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	status := StatusInProgress
	got, err := s.ListTasks(ctx, TaskFilter{Status: &status, Assignee: "a1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high", got[0].Title)

	active, err := s.GetActiveTasksForAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestMemoryCompletedTaskIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	done := &Task{Title: "done", Status: StatusCompleted}
	require.NoError(t, s.CreateTask(ctx, done))
	open := &Task{Title: "open"}
	require.NoError(t, s.CreateTask(ctx, open))

	completed, err := s.GetCompletedTaskIDs(ctx)
	require.NoError(t, err)
	assert.True(t, completed[done.ID])
	assert.False(t, completed[open.ID])
}

func TestMemoryTaskEventsOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := &Task{Title: "t"}
	require.NoError(t, s.CreateTask(ctx, task))

	for _, name := range []string{"assigned", "retried", "status_changed"} {
		require.NoError(t, s.CreateTaskEvent(ctx, &TaskEvent{TaskID: task.ID, Event: name}))
	}
	events, err := s.GetTaskEvents(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "assigned", events[0].Event)
	assert.Equal(t, "status_changed", events[2].Event)
}

func TestMemoryLockCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	expiry := time.Now().Add(time.Minute)

	ok, holder, err := s.TryAcquireLock(ctx, &FileLock{Project: "p", Path: "a.go", AgentID: "a1", ExpiresAt: expiry})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, holder)

	// Contender is refused and told who holds it.
	ok, holder, err = s.TryAcquireLock(ctx, &FileLock{Project: "p", Path: "a.go", AgentID: "a2", ExpiresAt: expiry})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, holder)
	assert.Equal(t, "a1", holder.AgentID)

	// Holder refresh is re-entrant.
	later := time.Now().Add(time.Hour)
	ok, _, err = s.TryAcquireLock(ctx, &FileLock{Project: "p", Path: "a.go", AgentID: "a1", ExpiresAt: later})
	require.NoError(t, err)
	assert.True(t, ok)
	lock, _ := s.GetLock(ctx, "p", "a.go")
	require.NotNil(t, lock)
	assert.True(t, lock.ExpiresAt.Equal(later))
}

func TestMemoryExpiredLockIsAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	ok, _, err := s.TryAcquireLock(ctx, &FileLock{Project: "p", Path: "a.go", AgentID: "a1", ExpiresAt: past})
	require.NoError(t, err)
	require.True(t, ok)

	lock, err := s.GetLock(ctx, "p", "a.go")
	require.NoError(t, err)
	assert.Nil(t, lock)

	held, err := s.ListLocks(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, held)

	// A new contender wins over the dead row.
	ok, _, err = s.TryAcquireLock(ctx, &FileLock{Project: "p", Path: "a.go", AgentID: "a2", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.DeleteExpiredLocks(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryReleaseLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	expiry := time.Now().Add(time.Minute)

	_, _, err := s.TryAcquireLock(ctx, &FileLock{Project: "p", Path: "a.go", AgentID: "a1", ExpiresAt: expiry})
	require.NoError(t, err)

	// Non-holder without force is refused, not an error; the lock stays.
	released, err := s.ReleaseLock(ctx, "p", "a.go", "a2", false)
	require.NoError(t, err)
	assert.False(t, released)
	held, err := s.GetLock(ctx, "p", "a.go")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "a1", held.AgentID)

	// Force release succeeds regardless of holder.
	released, err = s.ReleaseLock(ctx, "p", "a.go", "a2", true)
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing an absent lock is a no-op, not an error.
	released, err = s.ReleaseLock(ctx, "p", "a.go", "a1", false)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestMemoryEscalationTerminalStates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := &Escalation{AgentID: "a1", EventKind: "error", ProposedAction: "restart_agent"}
	require.NoError(t, s.CreateEscalation(ctx, e))
	assert.Equal(t, EscalationPending, e.Status)

	resolved, err := s.SetEscalationStatus(ctx, e.ID, EscalationApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, EscalationApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.Reviewer)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = s.SetEscalationStatus(ctx, e.ID, EscalationDenied, "bob")
	assert.Error(t, err)

	_, err = s.SetEscalationStatus(ctx, uuid.New(), EscalationApproved, "alice")
	assert.Error(t, err)
}

func TestMemoryExpireEscalations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stale := &Escalation{AgentID: "a1", EventKind: "error", ProposedAction: "restart_agent",
		CreatedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, s.CreateEscalation(ctx, stale))
	fresh := &Escalation{AgentID: "a2", EventKind: "error", ProposedAction: "prompt_agent"}
	require.NoError(t, s.CreateEscalation(ctx, fresh))

	n, err := s.ExpireEscalations(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.GetEscalation(ctx, stale.ID)
	assert.Equal(t, EscalationExpired, got.Status)
	got, _ = s.GetEscalation(ctx, fresh.ID)
	assert.Equal(t, EscalationPending, got.Status)
}

func TestMemoryEscalationFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := &Escalation{AgentID: "a1", EventKind: "error", ProposedAction: "restart_agent",
		CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, s.CreateEscalation(ctx, old))
	recent := &Escalation{AgentID: "a2", EventKind: "error", ProposedAction: "prompt_agent"}
	require.NoError(t, s.CreateEscalation(ctx, recent))

	pending := EscalationPending
	got, err := s.ListEscalations(ctx, EscalationFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, old.ID, got[0].ID)
	assert.Equal(t, recent.ID, got[1].ID)
}

func TestMemoryActionLogsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, outcome := range []string{"classified", "autonomous_action", "action_ok"} {
		l := &ActionLog{AgentID: "a1", EventKind: "error", Outcome: outcome}
		require.NoError(t, s.CreateActionLog(ctx, l))
	}
	require.NoError(t, s.CreateActionLog(ctx, &ActionLog{AgentID: "a2", EventKind: "stuck", Outcome: "escalated"}))

	logs, err := s.ListActionLogs(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "action_ok", logs[0].Outcome)
	assert.Equal(t, "autonomous_action", logs[1].Outcome)
}

func TestMemoryStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &AgentProfile{ID: "a1", Name: "One"}))
	require.NoError(t, s.CreateAgent(ctx, &AgentProfile{ID: "a2", Name: "Two", Status: AgentOffline}))

	assigned := time.Now().Add(-time.Minute)
	completed := time.Now()
	require.NoError(t, s.CreateTask(ctx, &Task{Title: "done", Status: StatusCompleted,
		AssignedAt: &assigned, CompletedAt: &completed}))
	require.NoError(t, s.CreateTask(ctx, &Task{Title: "open"}))
	require.NoError(t, s.CreateEscalation(ctx, &Escalation{AgentID: "a1", EventKind: "error", ProposedAction: "restart_agent"}))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AgentsOnline)
	assert.Equal(t, 1, stats.TasksPending)
	assert.Equal(t, 1, stats.TasksCompleted)
	assert.Equal(t, 1, stats.EscalationsPending)
	assert.InDelta(t, 60000, stats.AvgCompletionMs, 1000)
}
