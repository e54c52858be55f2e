package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLJournal persists events to the shared events table. Sequence numbers
// come from the table's BIGSERIAL, so federated nodes sharing one store
// share one total order.
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal creates a journal over the shared pool.
func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

// Append implements Journal. The batch is inserted in one transaction so
// its sequence allocation is contiguous and atomic.
func (j *SQLJournal) Append(ctx context.Context, events []*Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		var payloadJSON []byte
		if e.Payload != nil {
			payloadJSON, err = json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("failed to marshal event payload: %w", err)
			}
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO events (event_id, event_type, source, payload,
				correlation_id, causation_id, agent_id, team_id, workflow_id, trace_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING sequence`,
			e.ID, e.Type, e.Source, payloadJSON,
			nullable(e.Metadata.CorrelationID), nullable(e.Metadata.CausationID),
			nullable(e.Metadata.AgentID), nullable(e.Metadata.TeamID),
			nullable(e.Metadata.WorkflowID), nullable(e.Metadata.TraceID),
			e.Timestamp,
		).Scan(&e.Sequence)
		if err != nil {
			return fmt.Errorf("failed to persist event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit journal batch: %w", err)
	}
	return nil
}

// Fetch implements Journal.
func (j *SQLJournal) Fetch(ctx context.Context, afterSeq int64, limit int) ([]*Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT sequence, event_id, event_type, source, payload,
			COALESCE(correlation_id, ''), COALESCE(causation_id, ''),
			COALESCE(agent_id, ''), COALESCE(team_id, ''),
			COALESCE(workflow_id, ''), COALESCE(trace_id, ''), created_at
		 FROM events WHERE sequence > $1 ORDER BY sequence ASC LIMIT $2`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var payloadJSON []byte
		if err := rows.Scan(&e.Sequence, &e.ID, &e.Type, &e.Source, &payloadJSON,
			&e.Metadata.CorrelationID, &e.Metadata.CausationID,
			&e.Metadata.AgentID, &e.Metadata.TeamID,
			&e.Metadata.WorkflowID, &e.Metadata.TraceID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload for event %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Size implements Journal.
func (j *SQLJournal) Size(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// SeekTime implements Journal.
func (j *SQLJournal) SeekTime(ctx context.Context, at time.Time) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx,
		`SELECT COALESCE(
			(SELECT MIN(sequence) - 1 FROM events WHERE created_at >= $1),
			(SELECT COALESCE(MAX(sequence), 0) FROM events))`,
		at).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to seek journal by time: %w", err)
	}
	return seq, nil
}

// LoadOffset implements Journal.
func (j *SQLJournal) LoadOffset(ctx context.Context, subscriptionID string) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM subscription_offsets WHERE subscription_id = $1`,
		subscriptionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load subscription offset: %w", err)
	}
	return seq, nil
}

// SaveOffset implements Journal. Offsets only move forward.
func (j *SQLJournal) SaveOffset(ctx context.Context, subscriptionID string, seq int64) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO subscription_offsets (subscription_id, last_sequence, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (subscription_id)
		 DO UPDATE SET last_sequence = GREATEST(subscription_offsets.last_sequence, EXCLUDED.last_sequence),
		               updated_at = now()`,
		subscriptionID, seq)
	if err != nil {
		return fmt.Errorf("failed to save subscription offset: %w", err)
	}
	return nil
}

// PurgeBefore deletes journaled events older than the cutoff.
func (j *SQLJournal) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
