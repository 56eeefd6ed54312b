package escalate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonworks/warden/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewQueue(st, nil, discardLogger()), st
}

func escalation(agentID, action string) *store.Escalation {
	return &store.Escalation{
		AgentID:        agentID,
		EventKind:      "stuck",
		ProposedAction: action,
		Rationale:      "third consecutive stuck event",
	}
}

func TestCreateAndPendingFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := escalation("agent-1", "restart_agent")
	first.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, q.Create(ctx, first))
	second := escalation("agent-2", "pause_agent")
	require.NoError(t, q.Create(ctx, second))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "agent-1", pending[0].AgentID)
	assert.Equal(t, "agent-2", pending[1].AgentID)
	assert.Equal(t, store.EscalationPending, pending[0].Status)
}

func TestCreateReusesOpenRequest(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := escalation("agent-1", "restart_agent")
	require.NoError(t, q.Create(ctx, first))

	// Same agent and kind while the first is still pending: no new row.
	dup := escalation("agent-1", "restart_agent")
	require.NoError(t, q.Create(ctx, dup))
	assert.Equal(t, first.ID, dup.ID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// A different kind for the same agent is a separate request.
	other := escalation("agent-1", "pause_agent")
	other.EventKind = "error"
	require.NoError(t, q.Create(ctx, other))
	assert.NotEqual(t, first.ID, other.ID)

	// Once resolved, the same (agent, kind) may escalate again.
	_, err = q.Approve(ctx, first.ID, "alice")
	require.NoError(t, err)
	again := escalation("agent-1", "restart_agent")
	require.NoError(t, q.Create(ctx, again))
	assert.NotEqual(t, first.ID, again.ID)
}

func TestCreateValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Error(t, q.Create(context.Background(), &store.Escalation{AgentID: "a"}))
	assert.Error(t, q.Create(context.Background(), &store.Escalation{ProposedAction: "pause_agent"}))
}

func TestListByAgent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Create(ctx, escalation("agent-1", "restart_agent")))
	require.NoError(t, q.Create(ctx, escalation("agent-2", "restart_agent")))

	got, err := q.List(ctx, store.EscalationFilter{AgentID: "agent-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agent-2", got[0].AgentID)
}

func TestApproveIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	e := escalation("agent-1", "restart_agent")
	require.NoError(t, q.Create(ctx, e))

	approved, err := q.Approve(ctx, e.ID, "oncall")
	require.NoError(t, err)
	assert.Equal(t, store.EscalationApproved, approved.Status)
	assert.Equal(t, "oncall", approved.Reviewer)
	assert.NotNil(t, approved.ResolvedAt)

	// No transition out of approved.
	_, err = q.Deny(ctx, e.ID, "oncall")
	assert.Error(t, err)
	_, err = q.Approve(ctx, e.ID, "oncall")
	assert.Error(t, err)
}

func TestDenyIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	e := escalation("agent-1", "restart_agent")
	require.NoError(t, q.Create(ctx, e))

	denied, err := q.Deny(ctx, e.ID, "oncall")
	require.NoError(t, err)
	assert.Equal(t, store.EscalationDenied, denied.Status)

	_, err = q.Approve(ctx, e.ID, "oncall")
	assert.Error(t, err)
}

func TestExpireOldRequests(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	old := escalation("agent-1", "restart_agent")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, q.Create(ctx, old))
	fresh := escalation("agent-2", "pause_agent")
	require.NoError(t, q.Create(ctx, fresh))

	n, err := q.ExpireOldRequests(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EscalationExpired, got.Status)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "agent-2", pending[0].AgentID)

	// Expired is a dead end too.
	_, err = q.Approve(ctx, old.ID, "oncall")
	assert.Error(t, err)

	_, err = q.ExpireOldRequests(ctx, 0)
	assert.Error(t, err)
}
