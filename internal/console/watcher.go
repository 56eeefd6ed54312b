package console

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultBufferCapacity is the per-agent line buffer size used when the
// watcher is constructed with a non-positive capacity.
const DefaultBufferCapacity = 1000

// OutputChunk is republished for every raw chunk received, unclassified.
// Pattern matching happens downstream.
type OutputChunk struct {
	AgentID   string
	SandboxID string
	Chunk     string
	Timestamp time.Time
}

type agentEntry struct {
	sandboxID       string
	buffer          *RingBuffer[string]
	lastOutputAt    time.Time
	lastHeartbeatAt time.Time
}

// Watcher buffers recent console output per watched agent and tracks two
// independent liveness signals: output recency and heartbeats. An agent can
// be silent on stdout and still alive per heartbeat.
type Watcher struct {
	mu       sync.RWMutex
	agents   map[string]*agentEntry // agent id -> entry
	capacity int
	logger   *slog.Logger

	outMu sync.RWMutex
	subs  []func(OutputChunk)

	now func() time.Time
}

func NewWatcher(capacity int, logger *slog.Logger) *Watcher {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Watcher{
		agents:   make(map[string]*agentEntry),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
}

// OnOutput registers a subscriber for raw output chunks.
func (w *Watcher) OnOutput(fn func(OutputChunk)) {
	w.outMu.Lock()
	w.subs = append(w.subs, fn)
	w.outMu.Unlock()
}

// Watch starts buffering output for an agent, overwriting any prior state
// for that agent id.
func (w *Watcher) Watch(sandboxID, agentID string) {
	buf, _ := NewRingBuffer[string](w.capacity)
	now := w.now()
	w.mu.Lock()
	w.agents[agentID] = &agentEntry{
		sandboxID:       sandboxID,
		buffer:          buf,
		lastOutputAt:    now,
		lastHeartbeatAt: now,
	}
	w.mu.Unlock()
	w.logger.Debug("watching agent", "agent", agentID, "sandbox", sandboxID)
}

// Unwatch removes the watch entry for the agent attached to the sandbox.
func (w *Watcher) Unwatch(sandboxID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for agentID, e := range w.agents {
		if e.sandboxID == sandboxID {
			delete(w.agents, agentID)
			return
		}
	}
}

// AgentForSandbox reverse-maps a sandbox id to the watched agent id.
func (w *Watcher) AgentForSandbox(sandboxID string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for agentID, e := range w.agents {
		if e.sandboxID == sandboxID {
			return agentID, true
		}
	}
	return "", false
}

// ProcessChunk splits a raw output chunk into lines, buffers the non-empty
// ones, refreshes the output timestamp and republishes the chunk verbatim.
// It does no classification of its own.
func (w *Watcher) ProcessChunk(agentID, chunk string) {
	w.mu.Lock()
	e, ok := w.agents[agentID]
	if !ok {
		w.mu.Unlock()
		return
	}
	for _, line := range strings.Split(chunk, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e.buffer.Push(line)
	}
	e.lastOutputAt = w.now()
	sandboxID := e.sandboxID
	w.mu.Unlock()

	out := OutputChunk{AgentID: agentID, SandboxID: sandboxID, Chunk: chunk, Timestamp: w.now()}
	w.outMu.RLock()
	subs := w.subs
	w.outMu.RUnlock()
	for _, fn := range subs {
		fn(out)
	}
}

// GetRecentOutput returns the last n buffered lines, newline-joined.
func (w *Watcher) GetRecentOutput(agentID string, n int) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.agents[agentID]
	if !ok {
		return ""
	}
	return strings.Join(e.buffer.GetLast(n), "\n")
}

// UpdateHeartbeat refreshes the heartbeat liveness signal, independent of
// console output.
func (w *Watcher) UpdateHeartbeat(agentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.agents[agentID]; ok {
		e.lastHeartbeatAt = w.now()
	}
}

func (w *Watcher) LastOutputAt(agentID string) (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.agents[agentID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastOutputAt, true
}

func (w *Watcher) LastHeartbeatAt(agentID string) (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.agents[agentID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastHeartbeatAt, true
}

// WatchedAgents returns the ids of all currently watched agents.
func (w *Watcher) WatchedAgents() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.agents))
	for id := range w.agents {
		out = append(out, id)
	}
	return out
}
