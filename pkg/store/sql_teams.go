package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
)

const teamColumns = `team_id, name, COALESCE(description, ''), strategy, status,
	agent_ids, max_agents, COALESCE(budget_allocated, 0), budget_consumed,
	metadata, version, created_at, updated_at, deleted_at`

// SQLTeams is the PostgreSQL TeamStore.
type SQLTeams struct {
	db *sql.DB
}

// NewSQLTeams creates the team store over the shared pool.
func NewSQLTeams(db *sql.DB) *SQLTeams { return &SQLTeams{db: db} }

func scanTeam(row interface{ Scan(...any) error }) (*models.Team, error) {
	t := &models.Team{}
	var agentIDs, metadata []byte
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Strategy, &t.Status,
		&agentIDs, &t.MaxAgents, &t.BudgetAllocated, &t.BudgetConsumed,
		&metadata, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(agentIDs, &t.AgentIDs); err != nil {
		return nil, fmt.Errorf("failed to decode agent_ids: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return t, nil
}

func (s *SQLTeams) Create(ctx context.Context, team *models.Team) error {
	now := time.Now().UTC()
	team.CreatedAt = now
	team.UpdatedAt = now
	team.Version = 0
	if team.AgentIDs == nil {
		team.AgentIDs = []string{}
	}
	agentIDs, err := json.Marshal(team.AgentIDs)
	if err != nil {
		return fmt.Errorf("failed to encode agent_ids: %w", err)
	}
	metadata, err := marshalOrNil(team.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO teams (team_id, name, description, strategy, status, agent_ids,
			max_agents, budget_allocated, budget_consumed, metadata, version,
			created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)`,
		team.ID, team.Name, team.Description, team.Strategy, team.Status,
		agentIDs, team.MaxAgents, team.BudgetAllocated, team.BudgetConsumed,
		metadata, now)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert team: %w", err)
	}
	return nil
}

func (s *SQLTeams) Get(ctx context.Context, id string) (*models.Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE team_id = $1 AND deleted_at IS NULL`, id)
	t, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return t, nil
}

func (s *SQLTeams) Update(ctx context.Context, team *models.Team) error {
	agentIDs, err := json.Marshal(team.AgentIDs)
	if err != nil {
		return fmt.Errorf("failed to encode agent_ids: %w", err)
	}
	metadata, err := marshalOrNil(team.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE teams SET name = $1, description = NULLIF($2, ''), strategy = $3,
			status = $4, agent_ids = $5, max_agents = $6, budget_allocated = $7,
			budget_consumed = $8, metadata = $9, version = version + 1,
			updated_at = $10
		 WHERE team_id = $11 AND version = $12 AND deleted_at IS NULL`,
		team.Name, team.Description, team.Strategy, team.Status, agentIDs,
		team.MaxAgents, team.BudgetAllocated, team.BudgetConsumed, metadata,
		now, team.ID, team.Version)
	if err != nil {
		return fmt.Errorf("failed to update team: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM teams WHERE team_id = $1 AND deleted_at IS NULL)`,
			team.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	team.Version++
	team.UpdatedAt = now
	return nil
}

func (s *SQLTeams) List(ctx context.Context, filter TeamFilter) ([]*models.Team, error) {
	var conds []string
	var args []any
	conds = append(conds, "deleted_at IS NULL")
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.AfterID != "" {
		args = append(args, filter.AfterID)
		conds = append(conds, fmt.Sprintf(
			"(created_at, team_id) > (SELECT created_at, team_id FROM teams WHERE team_id = $%d)",
			len(args)))
	}
	query := `SELECT ` + teamColumns + ` FROM teams WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at, team_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var out []*models.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLTeams) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE teams SET deleted_at = $1 WHERE team_id = $2 AND deleted_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete team: %w", err)
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

// marshalOrNil encodes v as JSON, or returns nil for an empty map so the
// column stays NULL.
func marshalOrNil[M ~map[string]V, V any](v M) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return out, nil
}
