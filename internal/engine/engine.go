// Package engine turns detection events into remediation decisions
// under the configured autonomy policy.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/detect"
	"github.com/halcyonworks/warden/internal/escalate"
	"github.com/halcyonworks/warden/internal/events"
	"github.com/halcyonworks/warden/internal/metrics"
	"github.com/halcyonworks/warden/internal/store"
)

// Decision states. Every event is observed and classified; the terminal
// state is one of the last three.
const (
	StateObserved         = "observed"
	StateClassified       = "classified"
	StateAutonomousAction = "autonomous_action"
	StateEscalated        = "escalated"
	StateSuppressed       = "suppressed"
)

type Decision struct {
	State        string       `json:"state"`
	Action       actions.Kind `json:"action,omitempty"`
	Rationale    string       `json:"rationale"`
	EscalationID *uuid.UUID   `json:"escalation_id,omitempty"`
}

// Executor runs one remediation action. *actions.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, req actions.Request) (*actions.Result, error)
}

const dispatchTimeout = 2 * time.Minute

// Engine consumes detection events plus tracked agent state and decides
// between acting autonomously, escalating to a human, or suppressing.
// Classification is synchronous; action dispatch runs in the background
// so a slow sandbox call never stalls event ingestion.
type Engine struct {
	tracker    *Tracker
	store      store.Store
	events     events.Client
	executor   Executor
	queue      *escalate.Queue
	metrics    *metrics.Metrics
	logger     *slog.Logger
	level      AutonomyLevel
	cooldown   time.Duration
	thresholds Thresholds

	wg  sync.WaitGroup
	now func() time.Time
}

type Options struct {
	Level      AutonomyLevel
	Cooldown   time.Duration
	Thresholds Thresholds
}

func New(st store.Store, ev events.Client, exec Executor, queue *escalate.Queue, m *metrics.Metrics, opts Options, logger *slog.Logger) *Engine {
	th := opts.Thresholds
	if th == nil {
		th = DefaultThresholds()
	}
	return &Engine{
		tracker:    NewTracker(),
		store:      st,
		events:     ev,
		executor:   exec,
		queue:      queue,
		metrics:    m,
		logger:     logger,
		level:      opts.Level,
		cooldown:   opts.Cooldown,
		thresholds: th,
		now:        time.Now,
	}
}

// Tracker exposes the engine's state tracker for liveness and token
// accounting updates from the watcher and connectors.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// HandleEvent runs one event through observed, classified and a
// terminal state, returning the decision. Dispatch of an autonomous
// action happens asynchronously after return.
func (e *Engine) HandleEvent(ctx context.Context, ev *detect.Event) *Decision {
	if e.metrics != nil {
		e.metrics.DetectionsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	if e.events != nil {
		_ = e.events.Publish(events.SubjectDetection(ev.AgentID, string(ev.Kind)), events.DetectionPayload{
			AgentID:   ev.AgentID,
			SandboxID: ev.SandboxID,
			Kind:      string(ev.Kind),
			Timestamp: ev.Timestamp,
			Fields:    ev.Fields(),
		})
	}

	streak := e.tracker.Observe(ev)
	e.enrich(ev)

	candidate, rationale, forceEscalate := e.classify(ev, streak)
	e.audit(ctx, ev, candidate, StateClassified, rationale, false)
	if candidate == "" {
		return e.finish(ctx, ev, &Decision{State: StateObserved, Rationale: rationale})
	}

	if e.tracker.InCooldown(ev.AgentID, ev.Kind, e.cooldown) {
		return e.finish(ctx, ev, &Decision{
			State:     StateSuppressed,
			Action:    candidate,
			Rationale: fmt.Sprintf("identical %s decision within cooldown window", ev.Kind),
		})
	}

	if forceEscalate || !CanActAutonomously(candidate, e.level) {
		return e.escalateDecision(ctx, ev, candidate, rationale)
	}

	if !e.tracker.TryBeginAction(ev.AgentID) {
		return e.finish(ctx, ev, &Decision{
			State:     StateSuppressed,
			Action:    candidate,
			Rationale: "an action for this agent is already in flight",
		})
	}

	e.tracker.MarkDecision(ev.AgentID, ev.Kind)
	req := e.buildRequest(ev, candidate)
	e.wg.Add(1)
	go e.dispatch(ev, req)

	return e.finish(ctx, ev, &Decision{State: StateAutonomousAction, Action: candidate, Rationale: rationale})
}

// enrich fills context-exhaustion token numbers from tracked agent
// state; the detector cannot know them from the console line.
func (e *Engine) enrich(ev *detect.Event) {
	if ev.Kind != detect.KindContextExhaustion || ev.ContextExhaustion == nil {
		return
	}
	count, limit := e.tracker.TokenUsage(ev.AgentID)
	if ev.ContextExhaustion.TokenCount == 0 {
		ev.ContextExhaustion.TokenCount = count
	}
	if ev.ContextExhaustion.TokenLimit == 0 {
		ev.ContextExhaustion.TokenLimit = limit
	}
}

func (e *Engine) classify(ev *detect.Event, streak int) (candidate actions.Kind, rationale string, forceEscalate bool) {
	switch ev.Kind {
	case detect.KindAuthRequired:
		// Credentials need a human regardless of autonomy level.
		return actions.ActionPromptAgent, "authentication requires a human credential step", true

	case detect.KindContextExhaustion:
		return actions.ActionSaveCheckpointAndPause, "context window exhausted, preserving work before pause", false

	case detect.KindStuck:
		restartAfter := e.thresholds.intKnob("stuck", "restart_after", 3)
		if streak >= restartAfter {
			return actions.ActionRestartAgent, fmt.Sprintf("%d consecutive stuck checks", streak), false
		}
		return actions.ActionPromptAgent, fmt.Sprintf("agent silent, nudge %d of %d", streak, restartAfter-1), false

	case detect.KindError:
		if ev.Error != nil && ev.Error.Severity == detect.SeverityFatal {
			if e.thresholds.boolKnob("error", "escalate_on_fatal", false) {
				return actions.ActionRestartAgent, "fatal error in console output", true
			}
			return actions.ActionRestartAgent, "fatal error in console output", false
		}
		maxConsecutive := e.thresholds.intKnob("error", "max_consecutive", 3)
		if streak >= maxConsecutive {
			return actions.ActionPromptAgent, fmt.Sprintf("%d consecutive error lines", streak), false
		}
		return "", fmt.Sprintf("error streak %d below threshold %d", streak, maxConsecutive), false

	case detect.KindTestFailure:
		maxConsecutive := e.thresholds.intKnob("test_failure", "max_consecutive", 2)
		if streak >= maxConsecutive {
			return actions.ActionPromptAgent, fmt.Sprintf("%d consecutive test failures", streak), false
		}
		return "", fmt.Sprintf("test failure streak %d below threshold %d", streak, maxConsecutive), false
	}
	return "", "unrecognized event kind", false
}

func (e *Engine) buildRequest(ev *detect.Event, candidate actions.Kind) actions.Request {
	req := actions.Request{
		Kind:      candidate,
		AgentID:   ev.AgentID,
		SandboxID: ev.SandboxID,
	}
	if candidate == actions.ActionPromptAgent {
		req.Params = map[string]interface{}{"message": promptFor(ev)}
	}
	return req
}

func promptFor(ev *detect.Event) string {
	switch ev.Kind {
	case detect.KindStuck:
		return "You have produced no output for a while. Summarize where you are and continue, or report what is blocking you."
	case detect.KindError:
		return "Console output shows repeated errors. Stop, read the most recent error carefully, and fix the root cause before continuing."
	case detect.KindTestFailure:
		return "Tests are failing repeatedly. Run the failing tests, read the output, and fix them before moving on."
	default:
		return "An operator flagged your recent output. Review it and correct course."
	}
}

func (e *Engine) escalateDecision(ctx context.Context, ev *detect.Event, candidate actions.Kind, rationale string) *Decision {
	severity := ""
	if ev.Error != nil {
		severity = string(ev.Error.Severity)
	}
	esc := &store.Escalation{
		AgentID:        ev.AgentID,
		SandboxID:      ev.SandboxID,
		EventKind:      string(ev.Kind),
		Severity:       severity,
		ProposedAction: string(candidate),
		Rationale:      rationale,
		Context:        ev.Fields(),
	}
	if err := e.queue.Create(ctx, esc); err != nil {
		e.logger.Error("failed to create escalation", "agent_id", ev.AgentID, "error", err)
		return e.finish(ctx, ev, &Decision{State: StateSuppressed, Action: candidate, Rationale: "escalation write failed: " + err.Error()})
	}
	e.tracker.MarkDecision(ev.AgentID, ev.Kind)
	if e.metrics != nil {
		e.metrics.EscalationsTotal.WithLabelValues(string(store.EscalationPending)).Inc()
	}
	return e.finish(ctx, ev, &Decision{
		State:        StateEscalated,
		Action:       candidate,
		Rationale:    rationale,
		EscalationID: &esc.ID,
	})
}

// dispatch runs the action outside the ingestion path. The agent's
// single action slot is held until the call returns.
func (e *Engine) dispatch(ev *detect.Event, req actions.Request) {
	defer e.wg.Done()
	defer e.tracker.EndAction(ev.AgentID)

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	res, err := e.executor.Execute(ctx, req)
	outcome := "ok"
	detail := ""
	switch {
	case err != nil:
		outcome = "error"
		detail = err.Error()
	case !res.OK:
		outcome = "failed"
		detail = res.Message
	default:
		detail = res.Message
	}

	if e.metrics != nil {
		e.metrics.ActionsTotal.WithLabelValues(string(req.Kind), outcome).Inc()
	}
	e.audit(ctx, ev, req.Kind, "action_"+outcome, detail, true)

	if e.events != nil {
		subject := events.SubjectActionExecuted(ev.AgentID)
		if outcome != "ok" {
			subject = events.SubjectActionFailed(ev.AgentID)
		}
		_ = e.events.Publish(subject, events.ActionResultPayload{
			AgentID: ev.AgentID,
			Action:  string(req.Kind),
			OK:      outcome == "ok",
			Message: detail,
		})
	}
	if outcome != "ok" {
		e.logger.Warn("action dispatch failed",
			"agent_id", ev.AgentID,
			"action", req.Kind,
			"detail", detail,
		)
	}
}

func (e *Engine) finish(ctx context.Context, ev *detect.Event, d *Decision) *Decision {
	e.audit(ctx, ev, d.Action, d.State, d.Rationale, d.State == StateAutonomousAction)
	if e.metrics != nil {
		e.metrics.DecisionsTotal.WithLabelValues(d.State).Inc()
	}
	if e.events != nil {
		subject := events.SubjectDecision(ev.AgentID)
		if d.State == StateSuppressed {
			subject = events.SubjectSuppressed(ev.AgentID)
		}
		_ = e.events.Publish(subject, events.DecisionPayload{
			AgentID:   ev.AgentID,
			EventKind: string(ev.Kind),
			State:     d.State,
			Action:    string(d.Action),
			Rationale: d.Rationale,
		})
	}
	return d
}

// audit appends one append-only log row per state transition.
func (e *Engine) audit(ctx context.Context, ev *detect.Event, action actions.Kind, outcome, detail string, autonomous bool) {
	err := e.store.CreateActionLog(ctx, &store.ActionLog{
		AgentID:    ev.AgentID,
		EventKind:  string(ev.Kind),
		Action:     string(action),
		Outcome:    outcome,
		Detail:     detail,
		Autonomous: autonomous,
	})
	if err != nil {
		e.logger.Error("failed to write action log", "agent_id", ev.AgentID, "error", err)
	}
}

// Wait blocks until all in-flight action dispatches complete. Called on
// shutdown.
func (e *Engine) Wait() { e.wg.Wait() }
