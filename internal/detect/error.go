package detect

import "regexp"

type severityPattern struct {
	re       *regexp.Regexp
	severity Severity
}

// errorPatterns are checked in order; the first match wins.
var errorPatterns = []severityPattern{
	{regexp.MustCompile(`\bFATAL\b`), SeverityFatal},
	{regexp.MustCompile(`^panic:`), SeverityFatal},
	{regexp.MustCompile(`(?i)\bsegmentation fault\b`), SeverityFatal},
	{regexp.MustCompile(`(?i)^error:`), SeverityError},
	{regexp.MustCompile(`\bError:`), SeverityError},
	{regexp.MustCompile(`\bERROR\b`), SeverityError},
	{regexp.MustCompile(`\bUnhandled exception\b|\bTraceback \(most recent call last\)`), SeverityError},
	{regexp.MustCompile(`\bWARN(ING)?\b`), SeverityWarning},
}

// ErrorDetector matches explicit error markers and severity keywords.
type ErrorDetector struct {
	toggle
}

func NewErrorDetector() *ErrorDetector {
	return &ErrorDetector{toggle: newToggle()}
}

func (d *ErrorDetector) Name() string { return "error" }

func (d *ErrorDetector) Process(agentID, sandboxID, line string) *Event {
	if !d.Enabled() || line == "" {
		return nil
	}
	for _, p := range errorPatterns {
		if p.re.MatchString(line) {
			ev := newEvent(KindError, agentID, sandboxID)
			ev.Error = &ErrorPayload{Message: line, Severity: p.severity}
			return &ev
		}
	}
	return nil
}
