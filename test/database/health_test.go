package database

import (
	"context"
	stdsql "database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/database"
)

func TestCheckHealthReportsPoolStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h := database.CheckHealth(ctx, f.db)
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Error)
	assert.Greater(t, h.Open, 0, "ping opens at least one connection")
	assert.GreaterOrEqual(t, h.LatencyMS, int64(0))
}

func TestCheckHealthUnreachableDatabase(t *testing.T) {
	bad, err := stdsql.Open("pgx", "postgres://127.0.0.1:9/none")
	require.NoError(t, err)
	t.Cleanup(func() { bad.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := database.CheckHealth(ctx, bad)
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Error)
}
