package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// SQLSessions is the PostgreSQL SessionStore.
type SQLSessions struct {
	db *sql.DB
}

// NewSQLSessions creates the session store over the shared pool.
func NewSQLSessions(db *sql.DB) *SQLSessions { return &SQLSessions{db: db} }

func (s *SQLSessions) CreateSession(ctx context.Context, sess *models.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, agent_id, root_id, current_branch,
			forked_from, forked_at_node, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, $7)`,
		sess.ID, sess.AgentID, sess.RootID, sess.CurrentBranch,
		sess.ForkedFrom, sess.ForkedAtNode, now)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLSessions) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess := &models.Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, agent_id, COALESCE(root_id, ''), current_branch,
			COALESCE(forked_from, ''), COALESCE(forked_at_node, ''),
			created_at, updated_at
		 FROM sessions WHERE session_id = $1`, id).
		Scan(&sess.ID, &sess.AgentID, &sess.RootID, &sess.CurrentBranch,
			&sess.ForkedFrom, &sess.ForkedAtNode, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLSessions) UpdateSession(ctx context.Context, sess *models.Session) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET root_id = NULLIF($1, ''), current_branch = $2,
			updated_at = $3
		 WHERE session_id = $4`,
		sess.RootID, sess.CurrentBranch, now, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	sess.UpdatedAt = now
	return nil
}

func (s *SQLSessions) AppendNode(ctx context.Context, n *models.SessionNode) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_nodes (node_id, session_id, parent_id, node_type,
			role, content, tool, cost, tokens, success, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, ''), $8, $9, $10, $11)`,
		n.ID, n.SessionID, n.ParentID, n.Type, n.Role, n.Content, n.Tool,
		n.Cost, n.Tokens, n.Success, n.Timestamp)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to append session node: %w", err)
	}
	return nil
}

const nodeColumns = `node_id, session_id, COALESCE(parent_id, ''), node_type,
	COALESCE(role, ''), COALESCE(content, ''), COALESCE(tool, ''),
	cost, tokens, success, created_at`

func scanNode(row interface{ Scan(...any) error }) (*models.SessionNode, error) {
	n := &models.SessionNode{}
	err := row.Scan(&n.ID, &n.SessionID, &n.ParentID, &n.Type, &n.Role,
		&n.Content, &n.Tool, &n.Cost, &n.Tokens, &n.Success, &n.Timestamp)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *SQLSessions) GetNode(ctx context.Context, sessionID, nodeID string) (*models.SessionNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM session_nodes WHERE session_id = $1 AND node_id = $2`,
		sessionID, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session node: %w", err)
	}
	return n, nil
}

func (s *SQLSessions) ListNodes(ctx context.Context, sessionID string) ([]*models.SessionNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM session_nodes WHERE session_id = $1
		 ORDER BY created_at, node_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLSessions) CreateBranch(ctx context.Context, sessionID string, b *models.SessionBranch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_branches (session_id, name, description, head_id, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		sessionID, b.Name, b.Description, b.HeadID, b.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create branch: %w", err)
	}
	return nil
}

func (s *SQLSessions) GetBranch(ctx context.Context, sessionID, name string) (*models.SessionBranch, error) {
	b := &models.SessionBranch{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, COALESCE(description, ''), head_id, created_at
		 FROM session_branches WHERE session_id = $1 AND name = $2`,
		sessionID, name).
		Scan(&b.Name, &b.Description, &b.HeadID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return b, nil
}

func (s *SQLSessions) ListBranches(ctx context.Context, sessionID string) ([]*models.SessionBranch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, COALESCE(description, ''), head_id, created_at
		 FROM session_branches WHERE session_id = $1 ORDER BY created_at, name`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionBranch
	for rows.Next() {
		b := &models.SessionBranch{}
		if err := rows.Scan(&b.Name, &b.Description, &b.HeadID, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLSessions) UpdateBranchHead(ctx context.Context, sessionID, name, headID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_branches SET head_id = $1 WHERE session_id = $2 AND name = $3`,
		headID, sessionID, name)
	if err != nil {
		return fmt.Errorf("failed to update branch head: %w", err)
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

// PurgeSessionsBefore removes sessions idle since before cutoff; nodes and
// branches go with them via ON DELETE CASCADE.
func (s *SQLSessions) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}
