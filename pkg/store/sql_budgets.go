package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/tx"
)

const budgetColumns = `budget_id, entity_id, level, COALESCE(parent_id, ''),
	total, consumed, currency, period_start, period_end, version,
	created_at, updated_at`

// SQLBudgets is the PostgreSQL BudgetStore. Consume relies on the
// budgets_consumed_bounds CHECK constraint: a violation on any row aborts
// the whole transaction, which gives all-or-nothing semantics for free.
// Multi-row mutations run through the transaction manager.
type SQLBudgets struct {
	db  *sql.DB
	txm *tx.Manager
}

// NewSQLBudgets creates the budget store over the shared transaction manager.
func NewSQLBudgets(txm *tx.Manager) *SQLBudgets { return &SQLBudgets{db: txm.DB(), txm: txm} }

func scanBudget(row interface{ Scan(...any) error }) (*models.Budget, error) {
	b := &models.Budget{}
	err := row.Scan(&b.ID, &b.EntityID, &b.Level, &b.ParentID,
		&b.Total, &b.Consumed, &b.Currency, &b.PeriodStart, &b.PeriodEnd,
		&b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLBudgets) Create(ctx context.Context, b *models.Budget) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Version = 0
	if b.PeriodStart.IsZero() {
		b.PeriodStart = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (budget_id, entity_id, level, parent_id, total,
			consumed, currency, period_start, period_end, version, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, 0, $10, $10)`,
		b.ID, b.EntityID, b.Level, b.ParentID, b.Total, b.Consumed,
		b.Currency, b.PeriodStart, b.PeriodEnd, now)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

func (s *SQLBudgets) Get(ctx context.Context, id string) (*models.Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE budget_id = $1`, id)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return b, nil
}

func (s *SQLBudgets) GetByEntity(ctx context.Context, entityID string, level models.BudgetLevel) (*models.Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE entity_id = $1 AND level = $2`,
		entityID, level)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget by entity: %w", err)
	}
	return b, nil
}

func (s *SQLBudgets) Update(ctx context.Context, b *models.Budget) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET total = $1, consumed = $2, currency = $3,
			parent_id = NULLIF($4, ''), period_start = $5, period_end = $6,
			version = version + 1, updated_at = $7
		 WHERE budget_id = $8 AND version = $9`,
		b.Total, b.Consumed, b.Currency, b.ParentID, b.PeriodStart,
		b.PeriodEnd, now, b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM budgets WHERE budget_id = $1)`, b.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

// Chain walks parent_id links in SQL with a recursive CTE, leaf first.
func (s *SQLBudgets) Chain(ctx context.Context, id string) ([]*models.Budget, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE chain AS (
			SELECT b.*, 0 AS depth FROM budgets b WHERE b.budget_id = $1
			UNION ALL
			SELECT p.*, c.depth + 1 FROM budgets p
			JOIN chain c ON p.budget_id = c.parent_id
		 )
		 SELECT budget_id, entity_id, level, COALESCE(parent_id, ''), total,
			consumed, currency, period_start, period_end, version,
			created_at, updated_at
		 FROM chain ORDER BY depth`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget chain: %w", err)
	}
	defer rows.Close()

	var out []*models.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQLBudgets) Consume(ctx context.Context, ids []string, amount float64) ([]*models.Budget, error) {
	var out []*models.Budget
	err := s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context, sqlTx *sql.Tx) error {
		// Chains always lock leaf to root, which keeps concurrent
		// consumers on overlapping chains deadlock-free.
		out = make([]*models.Budget, 0, len(ids))
		for _, id := range ids {
			// The debit runs inside a savepoint: a CHECK violation
			// aborts only the savepoint, leaving the transaction
			// usable for the remaining-balance read below.
			var b *models.Budget
			debitErr := tx.WithSavepoint(ctx, sqlTx, func(ctx context.Context) error {
				row := sqlTx.QueryRowContext(ctx,
					`UPDATE budgets SET consumed = consumed + $1, version = version + 1,
						updated_at = now()
					 WHERE budget_id = $2
					 RETURNING `+budgetColumns,
					amount, id)
				var err error
				b, err = scanBudget(row)
				return err
			})
			if errors.Is(debitErr, sql.ErrNoRows) {
				return ErrNotFound
			}
			if isCheckViolation(debitErr) {
				var remaining float64
				if err := sqlTx.QueryRowContext(ctx,
					`SELECT total - consumed FROM budgets WHERE budget_id = $1`,
					id).Scan(&remaining); err != nil {
					remaining = -1
				}
				return &InsufficientBudgetError{BudgetID: id, Requested: amount, Remaining: remaining}
			}
			if debitErr != nil {
				return fmt.Errorf("failed to consume budget %s: %w", id, debitErr)
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLBudgets) Release(ctx context.Context, ids []string, amount float64) error {
	return s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context, sqlTx *sql.Tx) error {
		for _, id := range ids {
			res, err := sqlTx.ExecContext(ctx,
				`UPDATE budgets SET consumed = GREATEST(consumed - $1, 0),
					version = version + 1, updated_at = now()
				 WHERE budget_id = $2`,
				amount, id)
			if err != nil {
				return fmt.Errorf("failed to release budget %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
		}
		return nil
	})
}

// isCheckViolation reports a budgets_consumed_bounds CHECK violation
// (SQLSTATE 23514).
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
