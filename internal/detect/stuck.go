package detect

import (
	"sync"
	"time"
)

// DefaultStuckThreshold is the silence duration after which a tracked
// agent is considered stuck.
const DefaultStuckThreshold = 5 * time.Minute

type trackedAgent struct {
	sandboxID    string
	lastActivity time.Time
}

// StuckDetector is time-driven rather than line-driven: Check is invoked
// on a periodic scheduler tick and compares elapsed silence against the
// threshold. Untracked or disabled agents never fire.
type StuckDetector struct {
	toggle
	mu        sync.Mutex
	threshold time.Duration
	tracked   map[string]*trackedAgent

	now func() time.Time
}

func NewStuckDetector(threshold time.Duration) *StuckDetector {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	return &StuckDetector{
		toggle:    newToggle(),
		threshold: threshold,
		tracked:   make(map[string]*trackedAgent),
		now:       time.Now,
	}
}

func (d *StuckDetector) Name() string { return "stuck" }

// Process satisfies the Detector contract but the stuck detector is not
// line-driven; a line arriving counts as activity.
func (d *StuckDetector) Process(agentID, _, _ string) *Event {
	if !d.Enabled() {
		return nil
	}
	d.RecordActivity(agentID)
	return nil
}

// TrackAgent starts the liveness clock for an agent.
func (d *StuckDetector) TrackAgent(agentID, sandboxID string) {
	d.mu.Lock()
	d.tracked[agentID] = &trackedAgent{sandboxID: sandboxID, lastActivity: d.now()}
	d.mu.Unlock()
}

// UntrackAgent stops watching an agent.
func (d *StuckDetector) UntrackAgent(agentID string) {
	d.mu.Lock()
	delete(d.tracked, agentID)
	d.mu.Unlock()
}

// RecordActivity resets the silence clock.
func (d *StuckDetector) RecordActivity(agentID string) {
	d.mu.Lock()
	if t, ok := d.tracked[agentID]; ok {
		t.lastActivity = d.now()
	}
	d.mu.Unlock()
}

// Check evaluates every tracked agent and returns a stuck event for each
// whose silence has met or exceeded the threshold, carrying the exact
// elapsed silence. Disabled detectors check nothing; re-enabling and
// calling Check re-evaluates immediately from current elapsed time.
func (d *StuckDetector) Check() []*Event {
	if !d.Enabled() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var events []*Event
	for agentID, t := range d.tracked {
		silent := now.Sub(t.lastActivity)
		if silent < d.threshold {
			continue
		}
		ev := newEvent(KindStuck, agentID, t.sandboxID)
		ev.Timestamp = now
		ev.Stuck = &StuckPayload{SilentDurationMs: silent.Milliseconds()}
		events = append(events, &ev)
	}
	return events
}
