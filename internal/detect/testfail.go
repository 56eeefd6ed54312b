package detect

import (
	"regexp"
	"strconv"
)

type testSignature struct {
	name string
	re   *regexp.Regexp
	// countGroup is the capture group holding the failed count, 0 when the
	// signature carries no count (failedTests defaults to 1).
	countGroup int
}

// testSignatures are framework-specific failure markers, checked in
// priority order.
var testSignatures = []testSignature{
	{name: "go", re: regexp.MustCompile(`^(--- )?FAIL\b`)},
	{name: "jest", re: regexp.MustCompile(`Tests:\s+(\d+)\s+failed`), countGroup: 1},
	{name: "pytest", re: regexp.MustCompile(`=+\s.*?(\d+)\s+failed`), countGroup: 1},
	{name: "generic-count", re: regexp.MustCompile(`(?i)\b(\d+)\s+tests?\s+failed\b`), countGroup: 1},
	{name: "generic", re: regexp.MustCompile(`(?i)\btests?\s+failed\b`)},
}

// TestDetector recognizes test-runner failure output.
type TestDetector struct {
	toggle
}

func NewTestDetector() *TestDetector {
	return &TestDetector{toggle: newToggle()}
}

func (d *TestDetector) Name() string { return "test" }

func (d *TestDetector) Process(agentID, sandboxID, line string) *Event {
	if !d.Enabled() || line == "" {
		return nil
	}
	for _, sig := range testSignatures {
		m := sig.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		failed := 1
		if sig.countGroup > 0 {
			if n, err := strconv.Atoi(m[sig.countGroup]); err == nil {
				failed = n
			}
		}
		ev := newEvent(KindTestFailure, agentID, sandboxID)
		ev.TestFailure = &TestFailurePayload{FailedTests: failed, Output: line}
		return &ev
	}
	return nil
}
