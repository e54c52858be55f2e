package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLIdempotency is the PostgreSQL IdempotencyStore.
type SQLIdempotency struct {
	db *sql.DB
}

// NewSQLIdempotency creates the idempotency store over the shared pool.
func NewSQLIdempotency(db *sql.DB) *SQLIdempotency { return &SQLIdempotency{db: db} }

func (s *SQLIdempotency) Get(ctx context.Context, key string) (string, []byte, error) {
	var operation string
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT operation, result FROM idempotency_keys WHERE idempotency_key = $1`,
		key).Scan(&operation, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return operation, result, nil
}

func (s *SQLIdempotency) Put(ctx context.Context, key, operation string, result []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (idempotency_key, operation, result, created_at)
		 VALUES ($1, $2, $3, now())`,
		key, operation, result)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func (s *SQLIdempotency) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
