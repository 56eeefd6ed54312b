package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory Store implementation. It backs tests and
// single-node deployments where Postgres is not configured.
type MemoryStore struct {
	mu sync.RWMutex

	agents      map[string]*AgentProfile
	tasks       map[uuid.UUID]*Task
	taskEvents  []*TaskEvent
	zoneConfigs map[string]*ZoneConfig
	locks       map[string]*FileLock // key project + "\x00" + path
	conflicts   map[uuid.UUID]*Conflict
	escalations map[uuid.UUID]*Escalation
	actionLogs  []*ActionLog
	costEvents  []*CostEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*AgentProfile),
		tasks:       make(map[uuid.UUID]*Task),
		zoneConfigs: make(map[string]*ZoneConfig),
		locks:       make(map[string]*FileLock),
		conflicts:   make(map[uuid.UUID]*Conflict),
		escalations: make(map[uuid.UUID]*Escalation),
	}
}

func lockKey(project, path string) string { return project + "\x00" + path }

func (s *MemoryStore) Close() error { return nil }

// --- Agents ---

func (s *MemoryStore) CreateAgent(_ context.Context, a *AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already registered", a.ID)
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = AgentIdle
	}
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AgentProfile, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateAgent(_ context.Context, a *AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return fmt.Errorf("agent %s not found", a.ID)
	}
	a.UpdatedAt = time.Now()
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateAgentStatus(_ context.Context, id string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordHeartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	a.LastHeartbeatAt = &at
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Assignee != "" && t.AssignedTo != filter.Assignee {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := PriorityRank(out[i].Priority), PriorityRank(out[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s not found", t.ID)
	}
	t.UpdatedAt = time.Now()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPendingTasks(_ context.Context) ([]*Task, error) {
	status := StatusPending
	return s.ListTasks(context.Background(), TaskFilter{Status: &status})
}

func (s *MemoryStore) GetActiveTasksForAgent(_ context.Context, agentID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.AssignedTo == agentID && t.Status == StatusInProgress {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetCompletedTaskIDs(_ context.Context) (map[uuid.UUID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	done := make(map[uuid.UUID]bool)
	for id, t := range s.tasks {
		if t.Status == StatusCompleted {
			done[id] = true
		}
	}
	return done, nil
}

func (s *MemoryStore) CreateTaskEvent(_ context.Context, e *TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	s.taskEvents = append(s.taskEvents, &cp)
	return nil
}

func (s *MemoryStore) GetTaskEvents(_ context.Context, taskID uuid.UUID) ([]*TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskEvent
	for _, e := range s.taskEvents {
		if e.TaskID == taskID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Zones ---

func (s *MemoryStore) GetZoneConfig(_ context.Context, project string) (*ZoneConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.zoneConfigs[project]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	cp.Zones = append([]Zone(nil), cfg.Zones...)
	return &cp, nil
}

func (s *MemoryStore) SaveZoneConfig(_ context.Context, cfg *ZoneConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	cp := *cfg
	cp.Zones = append([]Zone(nil), cfg.Zones...)
	s.zoneConfigs[cfg.Project] = &cp
	return nil
}

// --- Locks ---

func (s *MemoryStore) TryAcquireLock(_ context.Context, lock *FileLock) (bool, *FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	key := lockKey(lock.Project, lock.Path)
	if existing, ok := s.locks[key]; ok && !existing.Expired(now) {
		if existing.AgentID != lock.AgentID {
			cp := *existing
			return false, &cp, nil
		}
		// Re-entrant: refresh expiry for the current holder.
		existing.ExpiresAt = lock.ExpiresAt
		cp := *existing
		*lock = cp
		return true, nil, nil
	}
	lock.AcquiredAt = now
	cp := *lock
	s.locks[key] = &cp
	return true, nil, nil
}

func (s *MemoryStore) GetLock(_ context.Context, project, path string) (*FileLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[lockKey(project, path)]
	if !ok || l.Expired(time.Now()) {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLocks(_ context.Context, project string) ([]*FileLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*FileLock
	for _, l := range s.locks {
		if l.Project != project || l.Expired(now) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, project, path, agentID string, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey(project, path)
	l, ok := s.locks[key]
	if !ok || l.Expired(time.Now()) {
		return false, nil
	}
	if !force && l.AgentID != agentID {
		// Holder mismatch is expected contention, not a storage fault.
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *MemoryStore) DeleteExpiredLocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, l := range s.locks {
		if l.Expired(now) {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}

// --- Conflicts ---

func (s *MemoryStore) CreateConflict(_ context.Context, c *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	cp := *c
	cp.AgentIDs = append([]string(nil), c.AgentIDs...)
	s.conflicts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConflict(_ context.Context, id uuid.UUID) (*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, project string, unresolvedOnly bool) ([]*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conflict
	for _, c := range s.conflicts {
		if project != "" && c.Project != project {
			continue
		}
		if unresolvedOnly && c.Resolved() {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveConflict(_ context.Context, id uuid.UUID, strategy ConflictStrategy, resolution string) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, fmt.Errorf("conflict %s not found", id)
	}
	if c.Resolved() {
		return nil, fmt.Errorf("conflict %s already resolved", id)
	}
	now := time.Now()
	c.Strategy = strategy
	c.Resolution = resolution
	c.ResolvedAt = &now
	cp := *c
	return &cp, nil
}

// --- Escalations ---

func (s *MemoryStore) CreateEscalation(_ context.Context, e *Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = EscalationPending
	}
	cp := *e
	s.escalations[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEscalation(_ context.Context, id uuid.UUID) (*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escalations[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListEscalations(_ context.Context, filter EscalationFilter) ([]*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escalation
	for _, e := range s.escalations {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	// FIFO: oldest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SetEscalationStatus(_ context.Context, id uuid.UUID, status EscalationStatus, reviewer string) (*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation %s not found", id)
	}
	if e.Status != EscalationPending {
		return nil, fmt.Errorf("escalation %s is %s, no further transition allowed", id, e.Status)
	}
	now := time.Now()
	e.Status = status
	e.Reviewer = reviewer
	e.ResolvedAt = &now
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ExpireEscalations(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.escalations {
		if e.Status == EscalationPending && e.CreatedAt.Before(cutoff) {
			now := time.Now()
			e.Status = EscalationExpired
			e.ResolvedAt = &now
			n++
		}
	}
	return n, nil
}

// --- Audit and cost ---

func (s *MemoryStore) CreateActionLog(_ context.Context, l *ActionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = uuid.New()
	l.CreatedAt = time.Now()
	cp := *l
	s.actionLogs = append(s.actionLogs, &cp)
	return nil
}

func (s *MemoryStore) ListActionLogs(_ context.Context, agentID string, limit int) ([]*ActionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ActionLog
	for i := len(s.actionLogs) - 1; i >= 0; i-- {
		l := s.actionLogs[i]
		if agentID != "" && l.AgentID != agentID {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateCostEvent(_ context.Context, e *CostEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	s.costEvents = append(s.costEvents, &cp)
	return nil
}

func (s *MemoryStore) GetAgentTokenUsage(_ context.Context, agentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.costEvents {
		if e.AgentID == agentID {
			total += e.InputTokens + e.OutputTokens
		}
	}
	return total, nil
}

func (s *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{}
	for _, a := range s.agents {
		if a.Status != AgentOffline {
			stats.AgentsOnline++
		}
	}
	var totalMs float64
	var completed int
	for _, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			stats.TasksPending++
		case StatusInProgress:
			stats.TasksInProgress++
		case StatusCompleted:
			stats.TasksCompleted++
			if t.AssignedAt != nil && t.CompletedAt != nil {
				totalMs += float64(t.CompletedAt.Sub(*t.AssignedAt).Milliseconds())
				completed++
			}
		case StatusFailed:
			stats.TasksFailed++
		}
	}
	if completed > 0 {
		stats.AvgCompletionMs = totalMs / float64(completed)
	}
	for _, e := range s.escalations {
		if e.Status == EscalationPending {
			stats.EscalationsPending++
		}
	}
	for _, c := range s.conflicts {
		if !c.Resolved() {
			stats.ConflictsUnresolved++
		}
	}
	return stats, nil
}
