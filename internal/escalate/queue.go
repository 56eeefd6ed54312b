// Package escalate manages the queue of decisions awaiting human
// review.
package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/events"
	"github.com/halcyonworks/warden/internal/store"
)

// Queue is a thin coordinator over the store: FIFO pending retrieval,
// terminal approve/deny transitions and TTL expiry. Pending items block
// nothing; the queue is purely additive until resolved.
type Queue struct {
	store  store.Store
	events events.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewQueue(st store.Store, ev events.Client, logger *slog.Logger) *Queue {
	return &Queue{store: st, events: ev, logger: logger, now: time.Now}
}

// Create persists a new pending escalation and announces it. An open
// request for the same (agent, kind) is reused instead of stacking a
// duplicate; the caller's escalation is overwritten with the open one.
func (q *Queue) Create(ctx context.Context, e *store.Escalation) error {
	if e.AgentID == "" || e.ProposedAction == "" {
		return fmt.Errorf("escalation requires agent id and proposed action")
	}

	pending := store.EscalationPending
	open, err := q.store.ListEscalations(ctx, store.EscalationFilter{Status: &pending, AgentID: e.AgentID})
	if err != nil {
		return err
	}
	for _, existing := range open {
		if existing.EventKind == e.EventKind {
			q.logger.Debug("escalation already pending",
				"escalation_id", existing.ID,
				"agent_id", e.AgentID,
				"event_kind", e.EventKind,
			)
			*e = *existing
			return nil
		}
	}

	e.Status = store.EscalationPending
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.now()
	}
	if err := q.store.CreateEscalation(ctx, e); err != nil {
		return err
	}

	q.logger.Info("escalation created",
		"escalation_id", e.ID,
		"agent_id", e.AgentID,
		"event_kind", e.EventKind,
		"proposed_action", e.ProposedAction,
	)
	if q.events != nil {
		_ = q.events.Publish(events.SubjectEscalationCreated(e.ID.String()), events.EscalationPayload{
			EscalationID:   e.ID.String(),
			AgentID:        e.AgentID,
			EventKind:      e.EventKind,
			ProposedAction: e.ProposedAction,
			Status:         string(e.Status),
		})
	}
	return nil
}

// Pending returns unresolved escalations oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*store.Escalation, error) {
	status := store.EscalationPending
	return q.store.ListEscalations(ctx, store.EscalationFilter{Status: &status})
}

func (q *Queue) List(ctx context.Context, filter store.EscalationFilter) ([]*store.Escalation, error) {
	return q.store.ListEscalations(ctx, filter)
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*store.Escalation, error) {
	return q.store.GetEscalation(ctx, id)
}

// Approve moves a pending escalation to approved. The transition is
// terminal; approving anything but a pending item fails.
func (q *Queue) Approve(ctx context.Context, id uuid.UUID, reviewer string) (*store.Escalation, error) {
	return q.resolve(ctx, id, store.EscalationApproved, reviewer)
}

// Deny moves a pending escalation to denied, terminally.
func (q *Queue) Deny(ctx context.Context, id uuid.UUID, reviewer string) (*store.Escalation, error) {
	return q.resolve(ctx, id, store.EscalationDenied, reviewer)
}

func (q *Queue) resolve(ctx context.Context, id uuid.UUID, status store.EscalationStatus, reviewer string) (*store.Escalation, error) {
	e, err := q.store.SetEscalationStatus(ctx, id, status, reviewer)
	if err != nil {
		return nil, err
	}

	q.logger.Info("escalation resolved",
		"escalation_id", e.ID,
		"status", e.Status,
		"reviewer", reviewer,
	)
	if q.events != nil {
		_ = q.events.Publish(events.SubjectEscalationResolved(e.ID.String()), events.EscalationPayload{
			EscalationID:   e.ID.String(),
			AgentID:        e.AgentID,
			EventKind:      e.EventKind,
			ProposedAction: e.ProposedAction,
			Status:         string(e.Status),
			Reviewer:       reviewer,
		})
	}
	return e, nil
}

// ExpireOldRequests transitions pending escalations created before the
// TTL window to expired and returns how many moved.
func (q *Queue) ExpireOldRequests(ctx context.Context, olderThanHours int) (int, error) {
	if olderThanHours <= 0 {
		return 0, fmt.Errorf("olderThanHours must be positive")
	}
	cutoff := q.now().Add(-time.Duration(olderThanHours) * time.Hour)
	n, err := q.store.ExpireEscalations(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("escalations expired", "count", n, "older_than_hours", olderThanHours)
	}
	return n, nil
}
