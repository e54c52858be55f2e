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

const workflowColumns = `workflow_id, name, COALESCE(team_id, ''), status,
	definition, on_error, max_concurrency, timeout_ms, context, version,
	started_at, completed_at, created_at, updated_at, deleted_at`

// SQLWorkflows is the PostgreSQL WorkflowStore. The step DAG is stored as
// JSON in the definition column; per-step execution state lives in
// workflow_steps rows so step updates never contend on the workflow row.
type SQLWorkflows struct {
	db *sql.DB
}

// NewSQLWorkflows creates the workflow store over the shared pool.
func NewSQLWorkflows(db *sql.DB) *SQLWorkflows { return &SQLWorkflows{db: db} }

func scanWorkflow(row interface{ Scan(...any) error }) (*models.Workflow, error) {
	wf := &models.Workflow{}
	var definition, wfContext []byte
	var timeoutMs sql.NullInt64
	err := row.Scan(&wf.ID, &wf.Name, &wf.TeamID, &wf.Status,
		&definition, &wf.OnError, &wf.MaxConcurrency, &timeoutMs, &wfContext,
		&wf.Version, &wf.StartedAt, &wf.CompletedAt,
		&wf.CreatedAt, &wf.UpdatedAt, &wf.DeletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(definition, &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	if timeoutMs.Valid {
		wf.Timeout = time.Duration(timeoutMs.Int64) * time.Millisecond
	}
	if len(wfContext) > 0 {
		if err := json.Unmarshal(wfContext, &wf.Context); err != nil {
			return nil, fmt.Errorf("failed to decode workflow context: %w", err)
		}
	}
	return wf, nil
}

func (s *SQLWorkflows) Create(ctx context.Context, wf *models.Workflow) error {
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	wf.Version = 0
	definition, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode workflow definition: %w", err)
	}
	wfContext, err := marshalOrNil(wf.Context)
	if err != nil {
		return err
	}
	var timeoutMs any
	if wf.Timeout > 0 {
		timeoutMs = wf.Timeout.Milliseconds()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, name, team_id, status, definition,
			on_error, max_concurrency, timeout_ms, context, version,
			created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, 0, $10, $10)`,
		wf.ID, wf.Name, wf.TeamID, wf.Status, definition,
		wf.OnError, wf.MaxConcurrency, timeoutMs, wfContext, now)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

func (s *SQLWorkflows) Get(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1 AND deleted_at IS NULL`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	results, err := s.ListStepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		wf.Results = results
	}
	return wf, nil
}

func (s *SQLWorkflows) Update(ctx context.Context, wf *models.Workflow) error {
	definition, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode workflow definition: %w", err)
	}
	wfContext, err := marshalOrNil(wf.Context)
	if err != nil {
		return err
	}
	var timeoutMs any
	if wf.Timeout > 0 {
		timeoutMs = wf.Timeout.Milliseconds()
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = $1, team_id = NULLIF($2, ''), status = $3,
			definition = $4, on_error = $5, max_concurrency = $6,
			timeout_ms = $7, context = $8, started_at = $9, completed_at = $10,
			version = version + 1, updated_at = $11
		 WHERE workflow_id = $12 AND version = $13 AND deleted_at IS NULL`,
		wf.Name, wf.TeamID, wf.Status, definition, wf.OnError,
		wf.MaxConcurrency, timeoutMs, wfContext, wf.StartedAt, wf.CompletedAt,
		now, wf.ID, wf.Version)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE workflow_id = $1 AND deleted_at IS NULL)`,
			wf.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	wf.Version++
	wf.UpdatedAt = now
	return nil
}

func (s *SQLWorkflows) List(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	var conds []string
	var args []any
	conds = append(conds, "deleted_at IS NULL")
	if filter.TeamID != "" {
		args = append(args, filter.TeamID)
		conds = append(conds, fmt.Sprintf("team_id = $%d", len(args)))
	}
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
			"(created_at, workflow_id) > (SELECT created_at, workflow_id FROM workflows WHERE workflow_id = $%d)",
			len(args)))
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at, workflow_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLWorkflows) UpsertStepResult(ctx context.Context, workflowID string, result *models.StepResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (workflow_id, step_id, status, attempts,
			output, error, started_at, completed_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, now())
		 ON CONFLICT (workflow_id, step_id) DO UPDATE SET
			status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			output = EXCLUDED.output, error = EXCLUDED.error,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
			updated_at = now()`,
		workflowID, result.StepID, result.Status, result.Attempts,
		result.Output, result.Error, result.StartedAt, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert step result: %w", err)
	}
	return nil
}

func (s *SQLWorkflows) ListStepResults(ctx context.Context, workflowID string) (map[string]*models.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, status, attempts, COALESCE(output, ''), COALESCE(error, ''),
			started_at, completed_at
		 FROM workflow_steps WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.StepResult)
	for rows.Next() {
		r := &models.StepResult{}
		if err := rows.Scan(&r.StepID, &r.Status, &r.Attempts, &r.Output,
			&r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		out[r.StepID] = r
	}
	return out, rows.Err()
}

func (s *SQLWorkflows) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = $1 WHERE workflow_id = $2 AND deleted_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete workflow: %w", err)
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

func (s *SQLWorkflows) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = now()
		 WHERE deleted_at IS NULL AND status IN ($1, $2, $3) AND completed_at < $4`,
		models.WorkflowStatusCompleted, models.WorkflowStatusFailed,
		models.WorkflowStatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge workflows: %w", err)
	}
	return res.RowsAffected()
}
