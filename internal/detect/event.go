package detect

import "time"

type Kind string

const (
	KindError             Kind = "error"
	KindAuthRequired      Kind = "auth_required"
	KindTestFailure       Kind = "test_failure"
	KindContextExhaustion Kind = "context_exhaustion"
	KindStuck             Kind = "stuck"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Event is the tagged union emitted by detectors. Kind discriminates which
// payload pointer is set; exactly one is non-nil. Events are immutable once
// emitted.
type Event struct {
	Kind      Kind      `json:"kind"`
	AgentID   string    `json:"agent_id"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Error             *ErrorPayload             `json:"error,omitempty"`
	Auth              *AuthPayload              `json:"auth,omitempty"`
	TestFailure       *TestFailurePayload       `json:"test_failure,omitempty"`
	ContextExhaustion *ContextExhaustionPayload `json:"context_exhaustion,omitempty"`
	Stuck             *StuckPayload             `json:"stuck,omitempty"`
}

type ErrorPayload struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

type AuthPayload struct {
	Provider string `json:"provider"`
	AuthURL  string `json:"auth_url,omitempty"`
}

type TestFailurePayload struct {
	FailedTests int    `json:"failed_tests"`
	Output      string `json:"output"`
}

type ContextExhaustionPayload struct {
	TokenCount   int64   `json:"token_count"`
	TokenLimit   int64   `json:"token_limit"`
	UsagePercent float64 `json:"usage_percent"`
}

type StuckPayload struct {
	SilentDurationMs int64 `json:"silent_duration_ms"`
}

// Fields flattens the kind-specific payload into a generic map, used when
// publishing detection events on the wire.
func (e *Event) Fields() map[string]interface{} {
	switch e.Kind {
	case KindError:
		return map[string]interface{}{"message": e.Error.Message, "severity": string(e.Error.Severity)}
	case KindAuthRequired:
		return map[string]interface{}{"provider": e.Auth.Provider, "auth_url": e.Auth.AuthURL}
	case KindTestFailure:
		return map[string]interface{}{"failed_tests": e.TestFailure.FailedTests, "output": e.TestFailure.Output}
	case KindContextExhaustion:
		return map[string]interface{}{
			"token_count":   e.ContextExhaustion.TokenCount,
			"token_limit":   e.ContextExhaustion.TokenLimit,
			"usage_percent": e.ContextExhaustion.UsagePercent,
		}
	case KindStuck:
		return map[string]interface{}{"silent_duration_ms": e.Stuck.SilentDurationMs}
	}
	return nil
}
