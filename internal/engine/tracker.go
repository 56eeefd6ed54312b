package engine

import (
	"sync"
	"time"

	"github.com/halcyonworks/warden/internal/console"
	"github.com/halcyonworks/warden/internal/detect"
)

const defaultHistorySize = 50

// agentState is the rolling view of one agent used for classification.
type agentState struct {
	recent      *console.RingBuffer[*detect.Event]
	consecutive map[detect.Kind]int
	lastKind    detect.Kind

	tokenCount int64
	tokenLimit int64

	lastDecision   map[detect.Kind]time.Time
	actionInFlight bool
}

// Tracker maintains per-agent rolling state: recent event history,
// consecutive counts per kind, token usage and dispatch bookkeeping.
type Tracker struct {
	mu         sync.Mutex
	agents     map[string]*agentState
	historyCap int
	now        func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		agents:     make(map[string]*agentState),
		historyCap: defaultHistorySize,
		now:        time.Now,
	}
}

func (t *Tracker) state(agentID string) *agentState {
	s, ok := t.agents[agentID]
	if !ok {
		ring, _ := console.NewRingBuffer[*detect.Event](t.historyCap)
		s = &agentState{
			recent:       ring,
			consecutive:  make(map[detect.Kind]int),
			lastDecision: make(map[detect.Kind]time.Time),
		}
		t.agents[agentID] = s
	}
	return s
}

// Observe records an event and returns the updated consecutive count
// for its kind. A different kind arriving resets the previous streak.
func (t *Tracker) Observe(ev *detect.Event) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(ev.AgentID)
	s.recent.Push(ev)
	if s.lastKind != ev.Kind {
		s.consecutive = make(map[detect.Kind]int)
		s.lastKind = ev.Kind
	}
	s.consecutive[ev.Kind]++
	return s.consecutive[ev.Kind]
}

// RecentEvents returns up to n most recent events, oldest first.
func (t *Tracker) RecentEvents(agentID string, n int) []*detect.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.agents[agentID]
	if !ok {
		return nil
	}
	return s.recent.GetLast(n)
}

// SetTokenUsage records authoritative token numbers from agent state,
// used to enrich context-exhaustion events.
func (t *Tracker) SetTokenUsage(agentID string, count, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(agentID)
	s.tokenCount = count
	if limit > 0 {
		s.tokenLimit = limit
	}
}

func (t *Tracker) TokenUsage(agentID string) (count, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.agents[agentID]
	if !ok {
		return 0, 0
	}
	return s.tokenCount, s.tokenLimit
}

// InCooldown reports whether a decision for (agent, kind) happened
// within the window.
func (t *Tracker) InCooldown(agentID string, kind detect.Kind, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.agents[agentID]
	if !ok {
		return false
	}
	at, ok := s.lastDecision[kind]
	return ok && t.now().Sub(at) < window
}

// MarkDecision stamps the cooldown clock for (agent, kind).
func (t *Tracker) MarkDecision(agentID string, kind detect.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(agentID).lastDecision[kind] = t.now()
}

// TryBeginAction claims the agent's single action slot. It returns
// false while a previous action is still outstanding.
func (t *Tracker) TryBeginAction(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(agentID)
	if s.actionInFlight {
		return false
	}
	s.actionInFlight = true
	return true
}

// EndAction releases the agent's action slot.
func (t *Tracker) EndAction(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.agents[agentID]; ok {
		s.actionInFlight = false
	}
}

// Forget drops all tracked state for an agent.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, agentID)
}
