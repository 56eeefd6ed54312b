package detect

import (
	"sync"
	"time"
)

// Detector classifies single console lines into detection events. Process
// returns nil when disabled or when the line carries nothing of interest;
// a match yields exactly one event. Malformed or empty input is never an
// error, just no event.
type Detector interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	Process(agentID, sandboxID, line string) *Event
}

// toggle provides the idempotent enable/disable shared by all detectors.
type toggle struct {
	mu      sync.RWMutex
	enabled bool
}

func newToggle() toggle { return toggle{enabled: true} }

func (t *toggle) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *toggle) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func newEvent(kind Kind, agentID, sandboxID string) Event {
	return Event{
		Kind:      kind,
		AgentID:   agentID,
		SandboxID: sandboxID,
		Timestamp: time.Now(),
	}
}
