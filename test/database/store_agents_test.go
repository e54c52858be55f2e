package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

func TestSQLAgentsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := pendingAgent("team-1")
	require.NoError(t, f.agents.Create(ctx, agent))
	assert.Equal(t, int64(0), agent.Version)

	// Duplicate IDs are rejected.
	dup := pendingAgent("team-1")
	dup.ID = agent.ID
	assert.ErrorIs(t, f.agents.Create(ctx, dup), store.ErrAlreadyExists)

	got, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, "team-1", got.TeamID)
	assert.Equal(t, models.AgentStatePending, got.State)
	assert.Equal(t, 3, got.MaxRetries)

	// Update bumps the version in lockstep with the row.
	got.State = models.AgentStateRunning
	now := time.Now().UTC()
	got.SpawnedAt = &now
	require.NoError(t, f.agents.Update(ctx, got))
	assert.Equal(t, int64(1), got.Version)

	// A writer holding the old version loses.
	stale, err := f.agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	stale.Version = 0
	stale.State = models.AgentStatePaused
	assert.ErrorIs(t, f.agents.Update(ctx, stale), store.ErrVersionConflict)

	counts, err := f.agents.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.AgentStateRunning])

	// Soft delete hides the row from reads and further updates.
	require.NoError(t, f.agents.SoftDelete(ctx, agent.ID, time.Now().UTC()))
	_, err = f.agents.Get(ctx, agent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.agents.SoftDelete(ctx, agent.ID, time.Now().UTC()), store.ErrNotFound)
}

func TestSQLAgentsListPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var created []*models.Agent
	for i := 0; i < 5; i++ {
		a := pendingAgent("team-page")
		require.NoError(t, f.agents.Create(ctx, a))
		created = append(created, a)
	}

	seen := map[string]bool{}
	var afterID string
	pages := 0
	for {
		page, err := f.agents.List(ctx, store.AgentFilter{
			TeamID:  "team-page",
			AfterID: afterID,
			Limit:   2,
		})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pages++
		for _, a := range page {
			assert.False(t, seen[a.ID], "agent %s returned twice", a.ID)
			seen[a.ID] = true
		}
		afterID = page[len(page)-1].ID
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, len(created))

	// State filter.
	running, err := f.agents.List(ctx, store.AgentFilter{
		TeamID: "team-page",
		States: []models.AgentLifecycleState{models.AgentStateRunning},
	})
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestSQLAgentsClaimPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.agents.Create(ctx, pendingAgent("team-claim")))
	}

	claimed, err := f.agents.ClaimPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, a := range claimed {
		assert.Equal(t, models.AgentStateInitializing, a.State)
		assert.Equal(t, int64(1), a.Version)
	}

	// The remaining pending agent is claimable exactly once.
	rest, err := f.agents.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	empty, err := f.agents.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLAgentsCreateManyAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A duplicate anywhere in the batch aborts the whole batch.
	a := pendingAgent("team-batch")
	b := pendingAgent("team-batch")
	c := pendingAgent("team-batch")
	c.ID = a.ID
	err := f.agents.CreateMany(ctx, []*models.Agent{a, b, c})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	left, err := f.agents.List(ctx, store.AgentFilter{TeamID: "team-batch"})
	require.NoError(t, err)
	assert.Empty(t, left, "failed batch must not leave partial rows")

	batch := []*models.Agent{pendingAgent("team-batch"), pendingAgent("team-batch"), pendingAgent("team-batch")}
	require.NoError(t, f.agents.CreateMany(ctx, batch))
	all, err := f.agents.List(ctx, store.AgentFilter{TeamID: "team-batch"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLAgentsUpdateManyAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := []*models.Agent{pendingAgent("team-um"), pendingAgent("team-um")}
	require.NoError(t, f.agents.CreateMany(ctx, batch))

	// One stale row rolls back the whole batch.
	batch[0].State = models.AgentStateRunning
	batch[1].State = models.AgentStateRunning
	batch[1].Version = 99
	err := f.agents.UpdateMany(ctx, batch)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	got, err := f.agents.Get(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatePending, got.State, "aborted batch must not commit the first row")

	// With correct versions the whole batch lands.
	batch[1].Version = 0
	require.NoError(t, f.agents.UpdateMany(ctx, batch))
	for _, a := range batch {
		got, err := f.agents.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStateRunning, got.State)
		assert.Equal(t, int64(1), got.Version)
	}
}

func TestSQLAgentsAddUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := pendingAgent("")
	require.NoError(t, f.agents.Create(ctx, agent))

	total, err := f.agents.AddUsage(ctx, agent.ID, 1.25)
	require.NoError(t, err)
	assert.Equal(t, 1.25, total)

	total, err = f.agents.AddUsage(ctx, agent.ID, 0.75)
	require.NoError(t, err)
	assert.Equal(t, 2.0, total)

	// The increments advanced the version, so the pre-increment copy is
	// stale and cannot overwrite the consumed budget.
	agent.Task = "revised task"
	assert.ErrorIs(t, f.agents.Update(ctx, agent), store.ErrVersionConflict)

	_, err = f.agents.AddUsage(ctx, "no-such-agent", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLAgentsPurgeTerminated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := pendingAgent("team-purge")
	require.NoError(t, f.agents.Create(ctx, done))
	done.State = models.AgentStateCompleted
	completed := time.Now().UTC().Add(-2 * time.Hour)
	done.CompletedAt = &completed
	require.NoError(t, f.agents.Update(ctx, done))

	live := pendingAgent("team-purge")
	require.NoError(t, f.agents.Create(ctx, live))

	n, err := f.agents.PurgeTerminatedBefore(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The purged agent is soft-deleted, the live one untouched.
	_, err = f.agents.Get(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.agents.Get(ctx, live.ID)
	assert.NoError(t, err)
}
