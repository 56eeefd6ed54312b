package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// --- Zones ---

func (s *PostgresStore) GetZoneConfig(ctx context.Context, project string) (*ZoneConfig, error) {
	cfg := &ZoneConfig{Project: project}
	var zonesJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT zones, default_policy, updated_at
		FROM warden_zone_configs WHERE project = $1`, project,
	).Scan(&zonesJSON, &cfg.DefaultPolicy, &cfg.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if zonesJSON != nil {
		_ = json.Unmarshal(zonesJSON, &cfg.Zones)
	}
	return cfg, nil
}

func (s *PostgresStore) SaveZoneConfig(ctx context.Context, cfg *ZoneConfig) error {
	zonesJSON, _ := json.Marshal(cfg.Zones)
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_zone_configs (project, zones, default_policy)
		VALUES ($1, $2, $3)
		ON CONFLICT (project) DO UPDATE
		SET zones = EXCLUDED.zones, default_policy = EXCLUDED.default_policy, updated_at = now()
		RETURNING updated_at`,
		cfg.Project, zonesJSON, cfg.DefaultPolicy,
	).Scan(&cfg.UpdatedAt)
}

// --- Locks ---

// TryAcquireLock is a single-statement compare-and-set: the upsert only
// wins when no row exists, the existing lock has expired, or the holder is
// the requesting agent (re-entrant refresh). Two agents racing for the
// same path cannot both succeed.
func (s *PostgresStore) TryAcquireLock(ctx context.Context, lock *FileLock) (bool, *FileLock, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO warden_file_locks (project, path, agent_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (project, path) DO UPDATE
		SET agent_id = EXCLUDED.agent_id,
			acquired_at = CASE
				WHEN warden_file_locks.agent_id = EXCLUDED.agent_id AND warden_file_locks.expires_at > now()
				THEN warden_file_locks.acquired_at ELSE now() END,
			expires_at = EXCLUDED.expires_at
		WHERE warden_file_locks.agent_id = EXCLUDED.agent_id
			OR warden_file_locks.expires_at <= now()
		RETURNING acquired_at, expires_at`,
		lock.Project, lock.Path, lock.AgentID, lock.ExpiresAt,
	).Scan(&lock.AcquiredAt, &lock.ExpiresAt)
	if err == nil {
		return true, nil, nil
	}
	if err != pgx.ErrNoRows {
		return false, nil, err
	}

	holder, err := s.GetLock(ctx, lock.Project, lock.Path)
	if err != nil {
		return false, nil, err
	}
	return false, holder, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, project, path string) (*FileLock, error) {
	l := &FileLock{}
	err := s.pool.QueryRow(ctx, `
		SELECT project, path, agent_id, acquired_at, expires_at
		FROM warden_file_locks
		WHERE project = $1 AND path = $2 AND expires_at > now()`, project, path,
	).Scan(&l.Project, &l.Path, &l.AgentID, &l.AcquiredAt, &l.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) ListLocks(ctx context.Context, project string) ([]*FileLock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project, path, agent_id, acquired_at, expires_at
		FROM warden_file_locks
		WHERE project = $1 AND expires_at > now()
		ORDER BY path`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*FileLock
	for rows.Next() {
		l := &FileLock{}
		if err := rows.Scan(&l.Project, &l.Path, &l.AgentID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, project, path, agentID string, force bool) (bool, error) {
	if force {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM warden_file_locks
			WHERE project = $1 AND path = $2 AND expires_at > now()`, project, path)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM warden_file_locks
		WHERE project = $1 AND path = $2 AND agent_id = $3 AND expires_at > now()`,
		project, path, agentID)
	if err != nil {
		return false, err
	}
	// Zero rows means the lock is absent, expired, or held by someone
	// else. All of those are expected contention, not storage faults.
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM warden_file_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Conflicts ---

func (s *PostgresStore) CreateConflict(ctx context.Context, c *Conflict) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_conflicts (project, path, agent_ids, strategy, resolution)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		c.Project, c.Path, c.AgentIDs, c.Strategy, c.Resolution,
	).Scan(&c.ID, &c.CreatedAt)
}

func (s *PostgresStore) GetConflict(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project, path, agent_ids, strategy, resolution, created_at, resolved_at
		FROM warden_conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ListConflicts(ctx context.Context, project string, unresolvedOnly bool) ([]*Conflict, error) {
	query := `SELECT id, project, path, agent_ids, strategy, resolution, created_at, resolved_at
		FROM warden_conflicts WHERE 1=1`
	args := []interface{}{}
	if project != "" {
		args = append(args, project)
		query += fmt.Sprintf(" AND project = $%d", len(args))
	}
	if unresolvedOnly {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, id uuid.UUID, strategy ConflictStrategy, resolution string) (*Conflict, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE warden_conflicts
		SET strategy = $2, resolution = $3, resolved_at = now()
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING id, project, path, agent_ids, strategy, resolution, created_at, resolved_at`,
		id, strategy, resolution)
	c, err := scanConflict(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("conflict %s not found or already resolved", id)
	}
	return c, err
}

func scanConflict(row pgx.Row) (*Conflict, error) {
	c := &Conflict{}
	var strategy, resolution sql.NullString
	if err := row.Scan(&c.ID, &c.Project, &c.Path, &c.AgentIDs, &strategy, &resolution, &c.CreatedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	if strategy.Valid {
		c.Strategy = ConflictStrategy(strategy.String)
	}
	if resolution.Valid {
		c.Resolution = resolution.String
	}
	return c, nil
}

// --- Escalations ---

const escalationColumns = `id, agent_id, sandbox_id, event_kind, severity,
	proposed_action, rationale, context, status, reviewer, created_at, resolved_at`

func (s *PostgresStore) CreateEscalation(ctx context.Context, e *Escalation) error {
	if e.Status == "" {
		e.Status = EscalationPending
	}
	contextJSON, _ := json.Marshal(e.Context)
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_escalations (agent_id, sandbox_id, event_kind, severity,
			proposed_action, rationale, context, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		e.AgentID, e.SandboxID, e.EventKind, e.Severity,
		e.ProposedAction, e.Rationale, contextJSON, e.Status,
	).Scan(&e.ID, &e.CreatedAt)
}

func (s *PostgresStore) GetEscalation(ctx context.Context, id uuid.UUID) (*Escalation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escalationColumns+` FROM warden_escalations WHERE id = $1`, id)
	e, err := scanEscalation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) ListEscalations(ctx context.Context, filter EscalationFilter) ([]*Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM warden_escalations WHERE 1=1`
	args := []interface{}{}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	// FIFO retrieval: oldest first
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escalations []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}

// SetEscalationStatus moves a pending escalation to a terminal state.
// Approved, denied and expired are dead ends: the WHERE clause refuses any
// further transition.
func (s *PostgresStore) SetEscalationStatus(ctx context.Context, id uuid.UUID, status EscalationStatus, reviewer string) (*Escalation, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE warden_escalations
		SET status = $2, reviewer = $3, resolved_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+escalationColumns, id, status, reviewer)
	e, err := scanEscalation(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("escalation %s not found or not pending", id)
	}
	return e, err
}

func (s *PostgresStore) ExpireEscalations(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE warden_escalations
		SET status = 'expired', resolved_at = now()
		WHERE status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanEscalation(row pgx.Row) (*Escalation, error) {
	e := &Escalation{}
	var sandboxID, severity, rationale, reviewer sql.NullString
	var contextJSON []byte
	if err := row.Scan(
		&e.ID, &e.AgentID, &sandboxID, &e.EventKind, &severity,
		&e.ProposedAction, &rationale, &contextJSON, &e.Status, &reviewer,
		&e.CreatedAt, &e.ResolvedAt,
	); err != nil {
		return nil, err
	}
	if sandboxID.Valid {
		e.SandboxID = sandboxID.String
	}
	if severity.Valid {
		e.Severity = severity.String
	}
	if rationale.Valid {
		e.Rationale = rationale.String
	}
	if reviewer.Valid {
		e.Reviewer = reviewer.String
	}
	if contextJSON != nil {
		_ = json.Unmarshal(contextJSON, &e.Context)
	}
	return e, nil
}

// --- Audit and cost ---

func (s *PostgresStore) CreateActionLog(ctx context.Context, l *ActionLog) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_action_logs (agent_id, event_kind, action, outcome, detail, autonomous)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		l.AgentID, l.EventKind, l.Action, l.Outcome, l.Detail, l.Autonomous,
	).Scan(&l.ID, &l.CreatedAt)
}

func (s *PostgresStore) ListActionLogs(ctx context.Context, agentID string, limit int) ([]*ActionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, agent_id, event_kind, action, outcome, detail, autonomous, created_at
		FROM warden_action_logs`
	args := []interface{}{}
	if agentID != "" {
		args = append(args, agentID)
		query += " WHERE agent_id = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ActionLog
	for rows.Next() {
		l := &ActionLog{}
		var action, detail sql.NullString
		if err := rows.Scan(&l.ID, &l.AgentID, &l.EventKind, &action, &l.Outcome, &detail, &l.Autonomous, &l.CreatedAt); err != nil {
			return nil, err
		}
		if action.Valid {
			l.Action = action.String
		}
		if detail.Valid {
			l.Detail = detail.String
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) CreateCostEvent(ctx context.Context, e *CostEvent) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO warden_cost_events (agent_id, task_id, input_tokens, output_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.AgentID, e.TaskID, e.InputTokens, e.OutputTokens, e.CostUSD,
	).Scan(&e.ID, &e.CreatedAt)
}

func (s *PostgresStore) GetAgentTokenUsage(ctx context.Context, agentID string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM warden_cost_events WHERE agent_id = $1`, agentID,
	).Scan(&total)
	return total, err
}
