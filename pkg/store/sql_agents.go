package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/tx"
)

const agentColumns = `agent_id, COALESCE(team_id, ''), model, task, state,
	retry_count, max_retries, version, COALESCE(worktree_path, ''),
	COALESCE(session_id, ''), COALESCE(result, ''), COALESCE(last_error, ''),
	budget_consumed, spawned_at, completed_at, created_at, updated_at, deleted_at`

// SQLAgents is the PostgreSQL AgentStore. Single-row mutations run on the
// pool; batch mutations go through the transaction manager so the whole
// batch commits or rolls back together.
type SQLAgents struct {
	db  *sql.DB
	txm *tx.Manager
}

// NewSQLAgents creates the agent store over the shared transaction manager.
func NewSQLAgents(txm *tx.Manager) *SQLAgents { return &SQLAgents{db: txm.DB(), txm: txm} }

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	a := &models.Agent{}
	err := row.Scan(&a.ID, &a.TeamID, &a.Model, &a.Task, &a.State,
		&a.RetryCount, &a.MaxRetries, &a.Version, &a.WorktreePath,
		&a.SessionID, &a.Result, &a.LastError,
		&a.BudgetConsumed, &a.SpawnedAt, &a.CompletedAt,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLAgents) Create(ctx context.Context, agent *models.Agent) error {
	return s.insert(ctx, s.db, agent)
}

func (s *SQLAgents) insert(ctx context.Context, q execer, agent *models.Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.Version = 0
	_, err := q.ExecContext(ctx,
		`INSERT INTO agents (agent_id, team_id, model, task, state, retry_count,
			max_retries, version, worktree_path, session_id, budget_consumed,
			created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, 0, NULLIF($8, ''),
			NULLIF($9, ''), $10, $11, $11)`,
		agent.ID, agent.TeamID, agent.Model, agent.Task, agent.State,
		agent.RetryCount, agent.MaxRetries, agent.WorktreePath,
		agent.SessionID, agent.BudgetConsumed, now)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// CreateMany inserts the batch inside one transaction.
func (s *SQLAgents) CreateMany(ctx context.Context, agents []*models.Agent) error {
	if len(agents) == 0 {
		return nil
	}
	return s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context, sqlTx *sql.Tx) error {
		for _, a := range agents {
			if err := s.insert(ctx, sqlTx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLAgents) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 AND deleted_at IS NULL`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (s *SQLAgents) Update(ctx context.Context, agent *models.Agent) error {
	return s.updateRow(ctx, s.db, agent)
}

// UpdateMany applies every update in one transaction, optimistic lock per
// row. The first stale row aborts and rolls back the whole batch.
func (s *SQLAgents) UpdateMany(ctx context.Context, agents []*models.Agent) error {
	if len(agents) == 0 {
		return nil
	}
	// Snapshot expected versions so a serialization retry replays the
	// batch against the originals, not the bumped in-memory copies.
	expected := make([]int64, len(agents))
	for i, a := range agents {
		expected[i] = a.Version
	}
	return s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context, sqlTx *sql.Tx) error {
		for i, a := range agents {
			a.Version = expected[i]
			if err := s.updateRow(ctx, sqlTx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLAgents) updateRow(ctx context.Context, q execer, agent *models.Agent) error {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx,
		`UPDATE agents SET team_id = NULLIF($1, ''), model = $2, task = $3,
			state = $4, retry_count = $5, max_retries = $6,
			worktree_path = NULLIF($7, ''), session_id = NULLIF($8, ''),
			result = NULLIF($9, ''), last_error = NULLIF($10, ''),
			budget_consumed = $11, spawned_at = $12, completed_at = $13,
			version = version + 1, updated_at = $14
		 WHERE agent_id = $15 AND version = $16 AND deleted_at IS NULL`,
		agent.TeamID, agent.Model, agent.Task, agent.State,
		agent.RetryCount, agent.MaxRetries, agent.WorktreePath,
		agent.SessionID, agent.Result, agent.LastError,
		agent.BudgetConsumed, agent.SpawnedAt, agent.CompletedAt,
		now, agent.ID, agent.Version)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE agent_id = $1 AND deleted_at IS NULL)`,
			agent.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	agent.Version++
	agent.UpdatedAt = now
	return nil
}

func (s *SQLAgents) List(ctx context.Context, filter AgentFilter) ([]*models.Agent, error) {
	var conds []string
	var args []any
	conds = append(conds, "deleted_at IS NULL")
	if filter.TeamID != "" {
		args = append(args, filter.TeamID)
		conds = append(conds, fmt.Sprintf("team_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.AfterID != "" {
		args = append(args, filter.AfterID)
		conds = append(conds, fmt.Sprintf(
			"(created_at, agent_id) > (SELECT created_at, agent_id FROM agents WHERE agent_id = $%d)",
			len(args)))
	}
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at, agent_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddUsage routes through the transaction manager's atomic increment.
func (s *SQLAgents) AddUsage(ctx context.Context, id string, cost float64) (float64, error) {
	total, err := s.txm.AtomicIncrement(ctx, "agents", id, "budget_consumed", cost)
	if errors.Is(err, tx.ErrRowNotFound) {
		return 0, ErrNotFound
	}
	return total, err
}

// ClaimPending uses FOR UPDATE SKIP LOCKED so competing spawn workers on
// different nodes never claim the same agent.
func (s *SQLAgents) ClaimPending(ctx context.Context, limit int) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE agents SET state = $1, version = version + 1, updated_at = now()
		 WHERE agent_id IN (
			SELECT agent_id FROM agents
			WHERE state = $2 AND deleted_at IS NULL
			ORDER BY created_at, agent_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+agentColumns,
		models.AgentStateInitializing, models.AgentStatePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLAgents) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = $1 WHERE agent_id = $2 AND deleted_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLAgents) CountByState(ctx context.Context) (map[models.AgentLifecycleState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM agents WHERE deleted_at IS NULL GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	defer rows.Close()

	out := make(map[models.AgentLifecycleState]int)
	for rows.Next() {
		var st models.AgentLifecycleState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *SQLAgents) PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = now()
		 WHERE deleted_at IS NULL AND state IN ($1, $2) AND completed_at < $3`,
		models.AgentStateCompleted, models.AgentStateKilled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge agents: %w", err)
	}
	return res.RowsAffected()
}
