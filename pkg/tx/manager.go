// Package tx wraps durable-store operations in transactions with retry,
// savepoints, optimistic-lock updates, atomic increments, and
// compare-and-swap. All other packages mutate hot tables through this
// package rather than issuing raw UPDATEs.
package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hiveplane/hiveplane/pkg/config"
)

// Manager runs operations against the durable store with the configured
// isolation, timeout, and serialization-conflict retry policy.
type Manager struct {
	db  *sql.DB
	cfg config.TransactionConfig
}

// NewManager creates a transaction manager over the shared pool.
func NewManager(db *sql.DB, cfg config.TransactionConfig) *Manager {
	return &Manager{db: db, cfg: cfg}
}

// DB exposes the underlying pool for read-only queries that need no
// transaction discipline.
func (m *Manager) DB() *sql.DB { return m.db }

// Options tunes a single WithTransaction call. Zero values fall back to
// the manager's configured defaults.
type Options struct {
	Isolation  config.IsolationLevel
	Timeout    time.Duration
	MaxRetries int
}

// WithTransaction runs op inside a transaction, retrying with exponential
// backoff when the store reports a serialization conflict. Any other error
// rolls back and is returned as-is.
func (m *Manager) WithTransaction(ctx context.Context, opts Options, op func(ctx context.Context, tx *sql.Tx) error) error {
	isolation := opts.Isolation
	if isolation == "" {
		isolation = m.cfg.DefaultIsolation
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = m.cfg.Timeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = m.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		lastErr = m.runOnce(ctx, isolation, timeout, op)
		if lastErr == nil {
			return nil
		}
		if !IsSerializationConflict(lastErr) || attempt > maxRetries {
			return lastErr
		}

		delay := Backoff(m.cfg.RetryBase, attempt)
		slog.Debug("Serialization conflict, retrying transaction",
			"attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (m *Manager) runOnce(ctx context.Context, isolation config.IsolationLevel, timeout time.Duration, op func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sqlIsolation(isolation)})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := op(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// savepointSeq disambiguates nested savepoints within one transaction.
var savepointSeq atomic.Uint64

// WithSavepoint runs op inside a savepoint on an open transaction.
// Failure in op rolls back only to the savepoint; the outer transaction
// stays usable.
func WithSavepoint(ctx context.Context, tx *sql.Tx, op func(ctx context.Context) error) error {
	name := fmt.Sprintf("sp_%d", savepointSeq.Add(1))

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := op(ctx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back to savepoint after %w: %w", err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// identRe matches safe SQL identifiers. Table and column names reaching
// this package are compile-time constants, but validate anyway.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// idColumns maps each versioned table to its primary-key column.
var idColumns = map[string]string{
	"agents":    "agent_id",
	"teams":     "team_id",
	"workflows": "workflow_id",
	"budgets":   "budget_id",
}

func tableIdent(table string) (idCol string, err error) {
	idCol, ok := idColumns[table]
	if !ok {
		return "", fmt.Errorf("unknown table %q", table)
	}
	return idCol, nil
}

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// UpdateWithOptimisticLock applies set-columns to the row identified by id,
// predicated on version = expectedVersion. The version column is bumped in
// the same statement. On version mismatch (or missing row) it reads the
// actual version and fails with an OptimisticLockError.
func (m *Manager) UpdateWithOptimisticLock(ctx context.Context, tx *sql.Tx, table, id string, expectedVersion int64, set map[string]any) error {
	idCol, err := tableIdent(table)
	if err != nil {
		return err
	}

	query := "UPDATE " + table + " SET version = version + 1, updated_at = now()"
	args := []any{}
	i := 1
	for col, val := range set {
		if err := checkIdent(col); err != nil {
			return err
		}
		query += fmt.Sprintf(", %s = $%d", col, i)
		args = append(args, val)
		i++
	}
	query += fmt.Sprintf(" WHERE %s = $%d AND version = $%d", idCol, i, i+1)
	args = append(args, id, expectedVersion)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("optimistic update on %s failed: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("optimistic update on %s: rows affected: %w", table, err)
	}
	if n == 1 {
		return nil
	}

	var actual sql.NullInt64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT version FROM %s WHERE %s = $1", table, idCol), id,
	).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return &OptimisticLockError{Table: table, ID: id, Expected: expectedVersion, Actual: -1}
	}
	if err != nil {
		return fmt.Errorf("optimistic update on %s: reading actual version: %w", table, err)
	}
	return &OptimisticLockError{Table: table, ID: id, Expected: expectedVersion, Actual: actual.Int64}
}

// AtomicIncrement adds delta to a numeric column in a single statement and
// returns the new value. The row version advances with the increment, so
// concurrent optimistically-locked updates observe it as a conflict.
func (m *Manager) AtomicIncrement(ctx context.Context, table, id, column string, delta float64) (float64, error) {
	idCol, err := tableIdent(table)
	if err != nil {
		return 0, err
	}
	if err := checkIdent(column); err != nil {
		return 0, err
	}

	var newVal float64
	err = m.db.QueryRowContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = %s + $1, version = version + 1, updated_at = now() WHERE %s = $2 RETURNING %s",
			table, column, column, idCol, column),
		delta, id,
	).Scan(&newVal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("atomic increment: %s %s: %w", table, id, ErrRowNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("atomic increment on %s.%s failed: %w", table, column, err)
	}
	return newVal, nil
}

// CompareAndSwap sets column to newVal only if it currently equals expected.
// Returns true if the swap happened.
func (m *Manager) CompareAndSwap(ctx context.Context, table, id, column string, expected, newVal any) (bool, error) {
	idCol, err := tableIdent(table)
	if err != nil {
		return false, err
	}
	if err := checkIdent(column); err != nil {
		return false, err
	}

	res, err := m.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = $1, updated_at = now() WHERE %s = $2 AND %s = $3",
			table, column, idCol, column),
		newVal, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("compare-and-swap on %s.%s failed: %w", table, column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare-and-swap on %s: rows affected: %w", table, err)
	}
	return n == 1, nil
}

// Backoff computes the retry delay for the given 1-based attempt:
// base * 2^(attempt-1) plus full jitter in [0, base).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int64N(int64(base)))
	return delay + jitter
}

// IsSerializationConflict reports whether err is a conflict the store asks
// us to retry (SQLSTATE 40001 serialization_failure or 40P01 deadlock).
func IsSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func sqlIsolation(level config.IsolationLevel) sql.IsolationLevel {
	switch level {
	case config.IsolationSerializable:
		return sql.LevelSerializable
	case config.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	default:
		return sql.LevelReadCommitted
	}
}
