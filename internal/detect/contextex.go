package detect

import "regexp"

// contextPatterns cover the exhaustion phrases providers print, including
// JSON error codes.
var contextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context[ _]length[ _]exceeded`),
	regexp.MustCompile(`(?i)maximum context length`),
	regexp.MustCompile(`(?i)context window (?:is )?(?:full|exceeded)`),
	regexp.MustCompile(`(?i)token limit (?:reached|exceeded)`),
	regexp.MustCompile(`(?i)prompt is too long`),
	regexp.MustCompile(`(?i)input is too long for requested model`),
}

// ContextExhaustionDetector fires on context/token-limit exhaustion
// messages. A console signal means exhaustion already happened, so
// usagePercent is always 100; exact token counts come later from
// authoritative agent state, not from the line.
type ContextExhaustionDetector struct {
	toggle
}

func NewContextExhaustionDetector() *ContextExhaustionDetector {
	return &ContextExhaustionDetector{toggle: newToggle()}
}

func (d *ContextExhaustionDetector) Name() string { return "context_exhaustion" }

func (d *ContextExhaustionDetector) Process(agentID, sandboxID, line string) *Event {
	if !d.Enabled() || line == "" {
		return nil
	}
	for _, re := range contextPatterns {
		if re.MatchString(line) {
			ev := newEvent(KindContextExhaustion, agentID, sandboxID)
			ev.ContextExhaustion = &ContextExhaustionPayload{UsagePercent: 100}
			return &ev
		}
	}
	return nil
}
