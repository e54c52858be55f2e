package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/models"
)

func TestMemoryAgentOptimisticLocking(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	agent := &models.Agent{ID: "a1", Model: "m", Task: "t", State: models.AgentStatePending}
	require.NoError(t, m.Create(ctx, agent))
	assert.ErrorIs(t, m.Create(ctx, agent), ErrAlreadyExists)

	// Two readers load the same version; the second writer loses.
	first, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	second, err := m.Get(ctx, "a1")
	require.NoError(t, err)

	first.State = models.AgentStateInitializing
	require.NoError(t, m.Update(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	second.State = models.AgentStateFailed
	assert.ErrorIs(t, m.Update(ctx, second), ErrVersionConflict)

	got, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateInitializing, got.State)
}

func TestMemoryAgentBatches(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	t.Run("create batch is all-or-nothing", func(t *testing.T) {
		require.NoError(t, m.Create(ctx, &models.Agent{ID: "dup", Model: "m", Task: "t", State: models.AgentStatePending}))

		err := m.CreateMany(ctx, []*models.Agent{
			{ID: "b1", Model: "m", Task: "t", State: models.AgentStatePending},
			{ID: "dup", Model: "m", Task: "t", State: models.AgentStatePending},
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)
		_, err = m.Get(ctx, "b1")
		assert.ErrorIs(t, err, ErrNotFound, "no partial commit")

		require.NoError(t, m.CreateMany(ctx, []*models.Agent{
			{ID: "b1", Model: "m", Task: "t", State: models.AgentStatePending},
			{ID: "b2", Model: "m", Task: "t", State: models.AgentStatePending},
		}))
		got, err := m.Get(ctx, "b2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Version)
	})

	t.Run("update batch honors per-row locking", func(t *testing.T) {
		a, err := m.Get(ctx, "b1")
		require.NoError(t, err)
		b, err := m.Get(ctx, "b2")
		require.NoError(t, err)

		b.Version = 99 // stale
		a.State = models.AgentStateInitializing
		err = m.UpdateMany(ctx, []*models.Agent{a, b})
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := m.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatePending, got.State, "first row rolled back with the batch")

		b.Version = 0
		require.NoError(t, m.UpdateMany(ctx, []*models.Agent{a, b}))
		assert.Equal(t, int64(1), a.Version)
	})
}

func TestMemoryAgentCloneIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, &models.Agent{ID: "a1", Model: "m", Task: "t", State: models.AgentStatePending}))

	got, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	got.Task = "mutated"

	again, err := m.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "t", again.Task, "mutating a returned record must not touch the committed one")
}

func TestMemoryClaimPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Create(ctx, &models.Agent{
			ID: fmt.Sprintf("a%d", i), Model: "m", Task: "t",
			State: models.AgentStatePending,
		}))
	}

	claimed, err := m.ClaimPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, a := range claimed {
		assert.Equal(t, models.AgentStateInitializing, a.State)
	}

	// A second claim never sees the first claim's agents.
	rest, err := m.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	none, err := m.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryAgentListPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Create(ctx, &models.Agent{
			ID: fmt.Sprintf("a%d", i), Model: "m", Task: "t",
			State: models.AgentStatePending,
		}))
	}

	page1, err := m.List(ctx, AgentFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := m.List(ctx, AgentFilter{Limit: 2, AfterID: page1[1].ID})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
	assert.NotEqual(t, page1[1].ID, page2[0].ID)

	page3, err := m.List(ctx, AgentFilter{Limit: 2, AfterID: page2[1].ID})
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}

func TestMemoryBudgetConsumeAllOrNothing(t *testing.T) {
	m := NewMemory()
	b := m.Budgets()
	ctx := context.Background()

	require.NoError(t, b.Create(ctx, &models.Budget{
		ID: "org", EntityID: "acme", Level: models.BudgetLevelOrganization,
		Total: 100, Currency: "USD",
	}))
	require.NoError(t, b.Create(ctx, &models.Budget{
		ID: "team", EntityID: "t1", Level: models.BudgetLevelTeam,
		ParentID: "org", Total: 10, Currency: "USD",
	}))

	chain, err := b.Chain(ctx, "team")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "team", chain[0].ID, "chain is leaf first")
	assert.Equal(t, "org", chain[1].ID)

	after, err := b.Consume(ctx, []string{"team", "org"}, 8)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, 8.0, after[0].Consumed, "post-consume records returned in ids order")

	// The team budget blocks this consume; the org budget must be
	// untouched even though it has room.
	_, err = b.Consume(ctx, []string{"team", "org"}, 5)
	var insufficient *InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "team", insufficient.BudgetID)

	org, err := b.Get(ctx, "org")
	require.NoError(t, err)
	assert.Equal(t, 8.0, org.Consumed, "failed consume must not partially apply")

	require.NoError(t, b.Release(ctx, []string{"team", "org"}, 8))
	team, err := b.Get(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, 0.0, team.Consumed)
}

func TestMemorySessionTree(t *testing.T) {
	m := NewMemory()
	s := m.Sessions()
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID: "s1", AgentID: "a1", CurrentBranch: "main",
	}))
	require.NoError(t, s.AppendNode(ctx, &models.SessionNode{
		ID: "n1", SessionID: "s1", Type: models.NodeTypeMessage, Role: "user", Content: "hi",
	}))
	require.NoError(t, s.AppendNode(ctx, &models.SessionNode{
		ID: "n2", SessionID: "s1", ParentID: "n1", Type: models.NodeTypeMessage, Role: "assistant",
	}))

	nodes, err := s.ListNodes(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	require.NoError(t, s.CreateBranch(ctx, "s1", &models.SessionBranch{Name: "alt", HeadID: "n1"}))
	assert.ErrorIs(t, s.CreateBranch(ctx, "s1", &models.SessionBranch{Name: "alt", HeadID: "n1"}),
		ErrAlreadyExists)

	require.NoError(t, s.UpdateBranchHead(ctx, "s1", "alt", "n2"))
	br, err := s.GetBranch(ctx, "s1", "alt")
	require.NoError(t, err)
	assert.Equal(t, "n2", br.HeadID)

	err = s.AppendNode(ctx, &models.SessionNode{ID: "x", SessionID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryIdempotency(t *testing.T) {
	m := NewMemory()
	idem := m.Idempotency()
	ctx := context.Background()

	_, _, err := idem.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, idem.Put(ctx, "k1", "createTeam", []byte(`{"id":"t1"}`)))
	assert.ErrorIs(t, idem.Put(ctx, "k1", "createTeam", nil), ErrAlreadyExists)

	op, result, err := idem.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "createTeam", op)
	assert.JSONEq(t, `{"id":"t1"}`, string(result))

	n, err := idem.PurgeBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
