package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Agents ---

const agentColumns = `agent_id, name, provider, model, capabilities,
	cost_per_input_token, cost_per_output_token,
	status, sandbox_id, last_heartbeat_at, created_at, updated_at`

func (s *PostgresStore) CreateAgent(ctx context.Context, a *AgentProfile) error {
	if a.Status == "" {
		a.Status = AgentIdle
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_agents (agent_id, name, provider, model, capabilities,
			cost_per_input_token, cost_per_output_token, status, sandbox_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		a.ID, a.Name, a.Provider, a.Model, a.Capabilities,
		a.CostPerInputToken, a.CostPerOutputToken, a.Status, a.SandboxID,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*AgentProfile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM warden_agents WHERE agent_id = $1`, id)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*AgentProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM warden_agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *AgentProfile) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE warden_agents SET
			name = $2, provider = $3, model = $4, capabilities = $5,
			cost_per_input_token = $6, cost_per_output_token = $7,
			status = $8, sandbox_id = $9, updated_at = now()
		WHERE agent_id = $1`,
		a.ID, a.Name, a.Provider, a.Model, a.Capabilities,
		a.CostPerInputToken, a.CostPerOutputToken, a.Status, a.SandboxID,
	)
	return err
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE warden_agents SET status = $2, updated_at = now() WHERE agent_id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s not found", id)
	}
	return nil
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE warden_agents SET last_heartbeat_at = $2, updated_at = now() WHERE agent_id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s not found", id)
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM warden_agents WHERE agent_id = $1`, id)
	return err
}

func scanAgent(row pgx.Row) (*AgentProfile, error) {
	a := &AgentProfile{}
	var sandboxID sql.NullString
	if err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &a.Model, &a.Capabilities,
		&a.CostPerInputToken, &a.CostPerOutputToken,
		&a.Status, &sandboxID, &a.LastHeartbeatAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if sandboxID.Valid {
		a.SandboxID = sandboxID.String
	}
	return a, nil
}

// --- Tasks ---

const taskColumns = `task_id, title, description, priority,
	status, assigned_to,
	depends_on, blocked_by, tags, metadata,
	result, error,
	retry_count, max_retries,
	created_at, assigned_at, completed_at, updated_at`

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	metadataJSON, _ := json.Marshal(t.Metadata)
	resultJSON, _ := json.Marshal(t.Result)

	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_tasks (title, description, priority, status,
			depends_on, blocked_by, tags, metadata, result, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING task_id, created_at, updated_at`,
		t.Title, t.Description, t.Priority, t.Status,
		t.DependsOn, t.BlockedBy, t.Tags, metadataJSON, resultJSON, t.MaxRetries,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM warden_tasks WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM warden_tasks WHERE 1=1`
	args := []interface{}{}
	n := 0

	if filter.Status != nil {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*filter.Status))
	}
	if filter.Assignee != "" {
		n++
		query += fmt.Sprintf(" AND assigned_to = $%d", n)
		args = append(args, filter.Assignee)
	}

	query += ` ORDER BY CASE priority
		WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0
	END DESC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)

	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	metadataJSON, _ := json.Marshal(t.Metadata)
	resultJSON, _ := json.Marshal(t.Result)

	_, err := s.pool.Exec(ctx, `
		UPDATE warden_tasks SET
			title = $2, description = $3, priority = $4,
			status = $5, assigned_to = $6,
			depends_on = $7, blocked_by = $8, tags = $9, metadata = $10,
			result = $11, error = $12,
			retry_count = $13, max_retries = $14,
			assigned_at = $15, completed_at = $16, updated_at = now()
		WHERE task_id = $1`,
		t.ID, t.Title, t.Description, t.Priority,
		t.Status, t.AssignedTo,
		t.DependsOn, t.BlockedBy, t.Tags, metadataJSON,
		resultJSON, t.Error,
		t.RetryCount, t.MaxRetries,
		t.AssignedAt, t.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetPendingTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM warden_tasks WHERE status = 'pending'
		ORDER BY CASE priority
			WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0
		END DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) GetActiveTasksForAgent(ctx context.Context, agentID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM warden_tasks WHERE assigned_to = $1 AND status = 'in_progress'`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) GetCompletedTaskIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_id FROM warden_tasks WHERE status = 'completed'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		done[id] = true
	}
	return done, rows.Err()
}

func (s *PostgresStore) CreateTaskEvent(ctx context.Context, event *TaskEvent) error {
	payloadJSON, _ := json.Marshal(event.Payload)
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_task_events (task_id, event, agent_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		event.TaskID, event.Event, event.AgentID, payloadJSON,
	).Scan(&event.ID, &event.CreatedAt)
}

func (s *PostgresStore) GetTaskEvents(ctx context.Context, taskID uuid.UUID) ([]*TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, event, agent_id, payload, created_at
		FROM warden_task_events WHERE task_id = $1
		ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*TaskEvent
	for rows.Next() {
		e := &TaskEvent{}
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Event, &e.AgentID, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payloadJSON != nil {
			_ = json.Unmarshal(payloadJSON, &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - assigned_at)) * 1000) FILTER (WHERE status = 'completed' AND completed_at IS NOT NULL AND assigned_at IS NOT NULL), 0)
		FROM warden_tasks`,
	).Scan(&stats.TasksPending, &stats.TasksInProgress, &stats.TasksCompleted, &stats.TasksFailed, &stats.AvgCompletionMs)
	if err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM warden_agents WHERE status != 'offline'`).Scan(&stats.AgentsOnline)
	if err != nil {
		return nil, err
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM warden_escalations WHERE status = 'pending'`).Scan(&stats.EscalationsPending)
	if err != nil {
		return nil, err
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM warden_conflicts WHERE resolved_at IS NULL`).Scan(&stats.ConflictsUnresolved)
	return stats, err
}

func scanTask(row pgx.Row) (*Task, error) {
	t := &Task{}
	var metadataJSON, resultJSON []byte
	var assignedTo, taskError sql.NullString
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Priority,
		&t.Status, &assignedTo,
		&t.DependsOn, &t.BlockedBy, &t.Tags, &metadataJSON,
		&resultJSON, &taskError,
		&t.RetryCount, &t.MaxRetries,
		&t.CreatedAt, &t.AssignedAt, &t.CompletedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if assignedTo.Valid {
		t.AssignedTo = assignedTo.String
	}
	if taskError.Valid {
		t.Error = taskError.String
	}
	if metadataJSON != nil {
		_ = json.Unmarshal(metadataJSON, &t.Metadata)
	}
	if resultJSON != nil {
		_ = json.Unmarshal(resultJSON, &t.Result)
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
