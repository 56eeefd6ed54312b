package detect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Matcher fans every output line out to all enabled detectors and
// republishes their events on one stream, in line order. Subscribers
// registered at emission time receive every event.
type Matcher struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	subs      []func(*Event)
	disposed  bool
}

// NewMatcher constructs a matcher with the default detector set. The stuck
// detector is not registered here: it is timer-driven and owned by the
// engine's check loop.
func NewMatcher() *Matcher {
	m := &Matcher{detectors: make(map[string]Detector)}
	m.Register(NewErrorDetector())
	m.Register(NewAuthDetector())
	m.Register(NewTestDetector())
	m.Register(NewContextExhaustionDetector())
	return m
}

// NewEmptyMatcher constructs a matcher with no detectors registered.
func NewEmptyMatcher() *Matcher {
	return &Matcher{detectors: make(map[string]Detector)}
}

func (m *Matcher) Register(d Detector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.detectors[d.Name()] = d
}

// Subscribe registers a consumer for detection events.
func (m *Matcher) Subscribe(fn func(*Event)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// ProcessLine feeds one line to every enabled detector and republishes any
// resulting events. Absence of a match is not an error.
func (m *Matcher) ProcessLine(agentID, sandboxID, line string) {
	m.mu.RLock()
	if m.disposed {
		m.mu.RUnlock()
		return
	}
	names := make([]string, 0, len(m.detectors))
	for name := range m.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	detectors := make([]Detector, 0, len(names))
	for _, name := range names {
		detectors = append(detectors, m.detectors[name])
	}
	subs := m.subs
	m.mu.RUnlock()

	for _, d := range detectors {
		if !d.Enabled() {
			continue
		}
		if ev := d.Process(agentID, sandboxID, line); ev != nil {
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}

// ProcessOutput splits multi-line text on newlines, skips blank lines and
// feeds the rest through ProcessLine in original order.
func (m *Matcher) ProcessOutput(agentID, sandboxID, output string) {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m.ProcessLine(agentID, sandboxID, line)
	}
}

func (m *Matcher) EnableDetector(name string) error {
	return m.setEnabled(name, true)
}

func (m *Matcher) DisableDetector(name string) error {
	return m.setEnabled(name, false)
}

func (m *Matcher) setEnabled(name string, enabled bool) error {
	m.mu.RLock()
	d, ok := m.detectors[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown detector %q", name)
	}
	d.SetEnabled(enabled)
	return nil
}

// ListDetectors returns the registered detector names, sorted.
func (m *Matcher) ListDetectors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.detectors))
	for name := range m.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispose deterministically detaches every detector and subscriber. After
// disposal no further events are emitted and the detector list is empty.
func (m *Matcher) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	m.detectors = make(map[string]Detector)
	m.subs = nil
}
