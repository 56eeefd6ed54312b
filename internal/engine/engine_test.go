package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/detect"
	"github.com/halcyonworks/warden/internal/escalate"
	"github.com/halcyonworks/warden/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockExecutor struct {
	mu       sync.Mutex
	requests []actions.Request
	block    chan struct{}
}

func (m *mockExecutor) Execute(_ context.Context, req actions.Request) (*actions.Result, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return &actions.Result{Kind: req.Kind, AgentID: req.AgentID, OK: true}, nil
}

func (m *mockExecutor) executed() []actions.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]actions.Request(nil), m.requests...)
}

func newTestEngine(t *testing.T, level AutonomyLevel, cooldown time.Duration) (*Engine, *store.MemoryStore, *mockExecutor) {
	t.Helper()
	st := store.NewMemoryStore()
	exec := &mockExecutor{}
	queue := escalate.NewQueue(st, nil, discardLogger())
	e := New(st, nil, exec, queue, nil, Options{Level: level, Cooldown: cooldown}, discardLogger())
	return e, st, exec
}

func errorEvent(agentID string, severity detect.Severity) *detect.Event {
	return &detect.Event{
		Kind:      detect.KindError,
		AgentID:   agentID,
		SandboxID: "sb-" + agentID,
		Timestamp: time.Now(),
		Error:     &detect.ErrorPayload{Message: "boom", Severity: severity},
	}
}

func stuckEvent(agentID string) *detect.Event {
	return &detect.Event{
		Kind:      detect.KindStuck,
		AgentID:   agentID,
		Timestamp: time.Now(),
		Stuck:     &detect.StuckPayload{SilentDurationMs: 300000},
	}
}

func TestAuthAlwaysEscalates(t *testing.T) {
	e, st, exec := newTestEngine(t, AutonomyFull, 0)

	d := e.HandleEvent(context.Background(), &detect.Event{
		Kind:    detect.KindAuthRequired,
		AgentID: "agent-1",
		Auth:    &detect.AuthPayload{Provider: "anthropic", AuthURL: "https://console.anthropic.com/login"},
	})
	e.Wait()

	assert.Equal(t, StateEscalated, d.State)
	require.NotNil(t, d.EscalationID)
	assert.Empty(t, exec.executed())

	pending, err := st.ListEscalations(context.Background(), store.EscalationFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "auth_required", pending[0].EventKind)
	assert.Equal(t, "anthropic", pending[0].Context["provider"])
}

func TestContextExhaustionCheckpointsAndPauses(t *testing.T) {
	e, _, exec := newTestEngine(t, AutonomySupervised, 0)
	e.Tracker().SetTokenUsage("agent-1", 198000, 200000)

	ev := &detect.Event{
		Kind:              detect.KindContextExhaustion,
		AgentID:           "agent-1",
		ContextExhaustion: &detect.ContextExhaustionPayload{UsagePercent: 100},
	}
	d := e.HandleEvent(context.Background(), ev)
	e.Wait()

	assert.Equal(t, StateAutonomousAction, d.State)
	assert.Equal(t, actions.ActionSaveCheckpointAndPause, d.Action)
	assert.Equal(t, int64(198000), ev.ContextExhaustion.TokenCount)
	assert.Equal(t, int64(200000), ev.ContextExhaustion.TokenLimit)
	require.Len(t, exec.executed(), 1)
}

func TestThirdConsecutiveStuckRestarts(t *testing.T) {
	e, _, exec := newTestEngine(t, AutonomyFull, 0)
	ctx := context.Background()

	d := e.HandleEvent(ctx, stuckEvent("agent-1"))
	e.Wait()
	assert.Equal(t, StateAutonomousAction, d.State)
	assert.Equal(t, actions.ActionPromptAgent, d.Action)

	d = e.HandleEvent(ctx, stuckEvent("agent-1"))
	e.Wait()
	assert.Equal(t, actions.ActionPromptAgent, d.Action)

	d = e.HandleEvent(ctx, stuckEvent("agent-1"))
	e.Wait()
	assert.Equal(t, actions.ActionRestartAgent, d.Action)

	got := exec.executed()
	require.Len(t, got, 3)
	assert.Equal(t, actions.ActionRestartAgent, got[2].Kind)
}

func TestRestartEscalatesUnderSupervised(t *testing.T) {
	e, st, exec := newTestEngine(t, AutonomySupervised, 0)
	ctx := context.Background()

	// Fatal errors classify to restart_agent, which needs full autonomy.
	d := e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityFatal))
	e.Wait()

	assert.Equal(t, StateEscalated, d.State)
	assert.Equal(t, actions.ActionRestartAgent, d.Action)
	assert.Empty(t, exec.executed())

	pending, err := st.ListEscalations(ctx, store.EscalationFilter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "restart_agent", pending[0].ProposedAction)
}

func TestAutonomyNoneEscalatesEverything(t *testing.T) {
	e, _, exec := newTestEngine(t, AutonomyNone, 0)
	d := e.HandleEvent(context.Background(), stuckEvent("agent-1"))
	e.Wait()
	assert.Equal(t, StateEscalated, d.State)
	assert.Empty(t, exec.executed())
}

func TestErrorStreakBelowThresholdOnlyObserved(t *testing.T) {
	e, _, exec := newTestEngine(t, AutonomyFull, 0)
	ctx := context.Background()

	d := e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityError))
	assert.Equal(t, StateObserved, d.State)
	d = e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityError))
	assert.Equal(t, StateObserved, d.State)
	d = e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityError))
	e.Wait()
	assert.Equal(t, StateAutonomousAction, d.State)
	assert.Equal(t, actions.ActionPromptAgent, d.Action)
	require.Len(t, exec.executed(), 1)
}

func TestStreakResetsOnKindChange(t *testing.T) {
	e, _, _ := newTestEngine(t, AutonomyFull, 0)
	ctx := context.Background()

	e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityError))
	e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityError))
	e.HandleEvent(ctx, stuckEvent("agent-1"))
	e.Wait()

	// The error streak restarted; a third error is only the first of a
	// fresh streak.
	d := e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityError))
	e.Wait()
	assert.Equal(t, StateObserved, d.State)
}

func TestCooldownSuppression(t *testing.T) {
	e, _, exec := newTestEngine(t, AutonomyFull, time.Hour)
	ctx := context.Background()

	d := e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityFatal))
	e.Wait()
	assert.Equal(t, StateAutonomousAction, d.State)

	d = e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityFatal))
	e.Wait()
	assert.Equal(t, StateSuppressed, d.State)
	assert.Len(t, exec.executed(), 1)

	// A different agent is unaffected by the cooldown.
	d = e.HandleEvent(ctx, errorEvent("agent-2", detect.SeverityFatal))
	e.Wait()
	assert.Equal(t, StateAutonomousAction, d.State)
}

func TestSingleInFlightActionPerAgent(t *testing.T) {
	e, _, exec := newTestEngine(t, AutonomyFull, 0)
	exec.block = make(chan struct{})
	ctx := context.Background()

	d := e.HandleEvent(ctx, errorEvent("agent-1", detect.SeverityFatal))
	assert.Equal(t, StateAutonomousAction, d.State)

	d = e.HandleEvent(ctx, stuckEvent("agent-1"))
	assert.Equal(t, StateSuppressed, d.State)

	close(exec.block)
	e.Wait()
	assert.Len(t, exec.executed(), 1)
}

func TestAuditTrail(t *testing.T) {
	e, st, _ := newTestEngine(t, AutonomyFull, 0)
	e.HandleEvent(context.Background(), errorEvent("agent-1", detect.SeverityFatal))
	e.Wait()

	logs, err := st.ListActionLogs(context.Background(), "agent-1", 10)
	require.NoError(t, err)
	outcomes := make(map[string]bool)
	for _, l := range logs {
		outcomes[l.Outcome] = true
	}
	assert.True(t, outcomes[StateClassified])
	assert.True(t, outcomes[StateAutonomousAction])
	assert.True(t, outcomes["action_ok"])
}

func TestMergeThresholds(t *testing.T) {
	base := DefaultThresholds()
	merged := MergeThresholds(base, Thresholds{
		"error": {"max_consecutive": 5},
		"latency": {"p99_ms": 250},
	})

	assert.Equal(t, 5, merged.intKnob("error", "max_consecutive", 0))
	// Untouched leaves survive the merge.
	assert.False(t, merged.boolKnob("error", "escalate_on_fatal", true))
	assert.Equal(t, 2, merged.intKnob("test_failure", "max_consecutive", 0))
	// New kinds are added wholesale.
	assert.Equal(t, 250, merged.intKnob("latency", "p99_ms", 0))
	// Base is untouched.
	assert.Equal(t, 3, base.intKnob("error", "max_consecutive", 0))
}

func TestCanActAutonomously(t *testing.T) {
	assert.False(t, CanActAutonomously(actions.ActionRestartAgent, AutonomySupervised))
	assert.True(t, CanActAutonomously(actions.ActionRestartAgent, AutonomyFull))
	assert.True(t, CanActAutonomously(actions.ActionPromptAgent, AutonomySupervised))
	assert.False(t, CanActAutonomously(actions.ActionPromptAgent, AutonomyNone))
	assert.False(t, CanActAutonomously("unknown_action", AutonomyFull))
}

func TestParseAutonomyLevel(t *testing.T) {
	for s, want := range map[string]AutonomyLevel{"none": AutonomyNone, "supervised": AutonomySupervised, "full": AutonomyFull} {
		got, err := ParseAutonomyLevel(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseAutonomyLevel("totally")
	assert.Error(t, err)
}
