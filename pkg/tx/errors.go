package tx

import (
	"errors"
	"fmt"
)

// ErrRowNotFound is returned when a single-row operation matched nothing.
var ErrRowNotFound = errors.New("row not found")

// OptimisticLockError reports a version-predicated update that found a
// different version than expected. Actual is -1 when the row no longer
// exists.
type OptimisticLockError struct {
	Table    string
	ID       string
	Expected int64
	Actual   int64
}

func (e *OptimisticLockError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("optimistic lock on %s %s: expected version %d, row is gone", e.Table, e.ID, e.Expected)
	}
	return fmt.Sprintf("optimistic lock on %s %s: expected version %d, actual %d", e.Table, e.ID, e.Expected, e.Actual)
}

// IsOptimisticLockError reports whether err is a version conflict.
func IsOptimisticLockError(err error) bool {
	var ole *OptimisticLockError
	return errors.As(err, &ole)
}
