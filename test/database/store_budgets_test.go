package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// chainFixture creates an org -> team -> agent budget hierarchy and returns
// the three budgets leaf-last (org, team, agent).
func chainFixture(t *testing.T, f *fixture) (*models.Budget, *models.Budget, *models.Budget) {
	t.Helper()
	ctx := context.Background()

	org := newBudget("org-1", models.BudgetLevelOrganization, "", 100)
	require.NoError(t, f.budgets.Create(ctx, org))
	team := newBudget("team-1", models.BudgetLevelTeam, org.ID, 50)
	require.NoError(t, f.budgets.Create(ctx, team))
	agent := newBudget("agent-1", models.BudgetLevelAgent, team.ID, 10)
	require.NoError(t, f.budgets.Create(ctx, agent))
	return org, team, agent
}

func TestSQLBudgetsChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, team, agent := chainFixture(t, f)

	chain, err := f.budgets.Chain(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, agent.ID, chain[0].ID, "chain walks leaf first")
	assert.Equal(t, team.ID, chain[1].ID)
	assert.Equal(t, org.ID, chain[2].ID)

	_, err = f.budgets.Chain(ctx, "no-such-budget")
	assert.ErrorIs(t, err, store.ErrNotFound)

	byEntity, err := f.budgets.GetByEntity(ctx, "team-1", models.BudgetLevelTeam)
	require.NoError(t, err)
	assert.Equal(t, team.ID, byEntity.ID)
}

func TestSQLBudgetsConsumeAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, team, agent := chainFixture(t, f)
	ids := []string{agent.ID, team.ID, org.ID}

	updated, err := f.budgets.Consume(ctx, ids, 5)
	require.NoError(t, err)
	require.Len(t, updated, 3)
	for _, b := range updated {
		assert.Equal(t, 5.0, b.Consumed)
		assert.Equal(t, int64(1), b.Version)
	}

	require.NoError(t, f.budgets.Release(ctx, ids, 2))
	got, err := f.budgets.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Consumed)

	// Release clamps at zero rather than going negative.
	require.NoError(t, f.budgets.Release(ctx, []string{agent.ID}, 1000))
	got, err = f.budgets.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Consumed)

	err = f.budgets.Release(ctx, []string{"no-such-budget"}, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLBudgetsInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, team, agent := chainFixture(t, f)
	ids := []string{agent.ID, team.ID, org.ID}

	_, err := f.budgets.Consume(ctx, ids, 6)
	require.NoError(t, err)

	// The agent budget has 4 left; a 7-unit debit must fail on the leaf
	// and report the remaining balance.
	_, err = f.budgets.Consume(ctx, ids, 7)
	var insufficient *store.InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, agent.ID, insufficient.BudgetID)
	assert.Equal(t, 7.0, insufficient.Requested)
	assert.InDelta(t, 4.0, insufficient.Remaining, 1e-9)

	// Nothing was debited anywhere in the chain.
	for _, id := range ids {
		b, err := f.budgets.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 6.0, b.Consumed, "failed consume must not partially debit %s", id)
	}

	_, err = f.budgets.Consume(ctx, []string{"no-such-budget"}, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
