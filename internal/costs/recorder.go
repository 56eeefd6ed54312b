// Package costs aggregates per-agent token spend. Usage reports arrive
// from agents after each completion round-trip; each report becomes a
// cost event priced by the agent's provider connector.
package costs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/connector"
	"github.com/halcyonworks/warden/internal/store"
)

// UsageSink receives the running token totals so context-exhaustion
// decisions can be enriched with actual usage.
type UsageSink interface {
	SetTokenUsage(agentID string, count, limit int64)
}

type Recorder struct {
	store      store.Store
	connectors map[string]connector.Connector // provider -> connector
	sink       UsageSink
	logger     *slog.Logger

	now func() time.Time
}

func NewRecorder(st store.Store, connectors map[string]connector.Connector, sink UsageSink, logger *slog.Logger) *Recorder {
	if connectors == nil {
		connectors = make(map[string]connector.Connector)
	}
	return &Recorder{
		store:      st,
		connectors: connectors,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

type Usage struct {
	AgentID      string
	TaskID       *uuid.UUID
	InputTokens  int64
	OutputTokens int64

	// ContextLimit is the agent's context window size. Zero means
	// unknown, leaving any previously reported limit in place.
	ContextLimit int64
}

// Record prices the reported usage, appends a cost event, and pushes the
// new running total to the sink. Pricing prefers the provider connector;
// agents without one fall back to their registered per-token rates.
func (r *Recorder) Record(ctx context.Context, u Usage) (*store.CostEvent, error) {
	if u.AgentID == "" {
		return nil, fmt.Errorf("agent id required")
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return nil, fmt.Errorf("token counts must be non-negative")
	}

	agent, err := r.store.GetAgent(ctx, u.AgentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s not found", u.AgentID)
	}

	var cost float64
	if conn, ok := r.connectors[agent.Provider]; ok {
		cost = conn.GetCostEstimate(u.InputTokens, u.OutputTokens)
	} else {
		cost = float64(u.InputTokens)*agent.CostPerInputToken + float64(u.OutputTokens)*agent.CostPerOutputToken
	}

	event := &store.CostEvent{
		ID:           uuid.New(),
		AgentID:      u.AgentID,
		TaskID:       u.TaskID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		CreatedAt:    r.now(),
	}
	if err := r.store.CreateCostEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("create cost event: %w", err)
	}

	total, err := r.store.GetAgentTokenUsage(ctx, u.AgentID)
	if err != nil {
		r.logger.Warn("failed to aggregate token usage", "agent", u.AgentID, "error", err)
		return event, nil
	}
	if r.sink != nil {
		r.sink.SetTokenUsage(u.AgentID, total, u.ContextLimit)
	}

	r.logger.Info("recorded usage",
		"agent", u.AgentID,
		"input_tokens", u.InputTokens,
		"output_tokens", u.OutputTokens,
		"cost_usd", cost,
	)
	return event, nil
}

// TotalTokens returns the agent's aggregate token count across all
// recorded events.
func (r *Recorder) TotalTokens(ctx context.Context, agentID string) (int64, error) {
	return r.store.GetAgentTokenUsage(ctx, agentID)
}
