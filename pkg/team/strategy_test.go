package team

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/models"
)

func newActiveTeam(t *testing.T, h *harness, strategy models.TeamStrategy, initial ...models.AgentConfig) *models.Team {
	t.Helper()
	ctx := context.Background()
	team, err := h.o.Create(ctx, models.TeamConfig{
		Name:          "run-" + string(strategy),
		Strategy:      strategy,
		InitialAgents: initial,
	})
	require.NoError(t, err)
	team, err = h.o.Start(ctx, team.ID)
	require.NoError(t, err)
	return team
}

func TestExecuteParallel(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	team := newActiveTeam(t, h, models.StrategyParallel,
		models.AgentConfig{Model: "m", Task: "alpha"},
		models.AgentConfig{Model: "m", Task: "beta"},
	)

	result, err := h.o.Execute(ctx, team.ID, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"done:alpha", "done:beta"}, result.Outputs,
		"outputs follow roster order")
	assert.Empty(t, result.FailedAgents)

	team, err = h.o.Get(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusCompleted, team.Status)
	assert.InDelta(t, 0.2, team.BudgetConsumed, 1e-9,
		"member costs roll up on completion")
}

func TestExecuteParallelPartialFailure(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	team := newActiveTeam(t, h, models.StrategyParallel,
		models.AgentConfig{Model: "m", Task: "alpha"},
		models.AgentConfig{Model: "m", Task: "fail"},
	)

	// One survivor keeps the team alive.
	result, err := h.o.Execute(ctx, team.ID, ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"done:alpha"}, result.Outputs)
	assert.Len(t, result.FailedAgents, 1)
}

func TestExecuteParallelAllFailed(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	team := newActiveTeam(t, h, models.StrategyParallel,
		models.AgentConfig{Model: "m", Task: "fail"},
		models.AgentConfig{Model: "m", Task: "fail"},
	)

	_, err := h.o.Execute(ctx, team.ID, ExecuteRequest{})
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, team.ID, agg.TeamID)

	team, err = h.o.Get(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusFailed, team.Status)
}

func TestExecuteMapReduce(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	team := newActiveTeam(t, h, models.StrategyMapReduce)

	result, err := h.o.Execute(ctx, team.ID, ExecuteRequest{
		Input:       []string{"a", "b"},
		Worker:      models.AgentConfig{Model: "m", Task: "upper"},
		ReducerTask: "reduce",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, result.Outputs, "one output per chunk, in chunk order")
	assert.Equal(t, "R(A+B)", result.Reduced)
}

func TestExecuteMapReduceChunkFailure(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	t.Run("failed chunk fails the team", func(t *testing.T) {
		team := newActiveTeam(t, h, models.StrategyMapReduce)
		_, err := h.o.Execute(ctx, team.ID, ExecuteRequest{
			Input:       []string{"a", "boom"},
			Worker:      models.AgentConfig{Model: "m", Task: "upper"},
			ReducerTask: "reduce",
		})
		var agg *AggregateError
		require.ErrorAs(t, err, &agg)
	})

	t.Run("dropped chunk keeps the run alive", func(t *testing.T) {
		team := newActiveTeam(t, h, models.StrategyMapReduce)
		result, err := h.o.Execute(ctx, team.ID, ExecuteRequest{
			Input:            []string{"a", "boom"},
			Worker:           models.AgentConfig{Model: "m", Task: "upper"},
			ReducerTask:      "reduce",
			DropFailedChunks: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "R(A)", result.Reduced)
		assert.Len(t, result.FailedAgents, 1)
	})
}

func TestExecutePipeline(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	team := newActiveTeam(t, h, models.StrategyPipeline)

	result, err := h.o.Execute(ctx, team.ID, ExecuteRequest{
		Input: []string{"x"},
		Stages: []StageConfig{
			{AgentConfig: models.AgentConfig{Model: "m", Task: "upper"}},
			{AgentConfig: models.AgentConfig{Model: "m", Task: "wrap"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "[X]"}, result.Outputs,
		"each stage consumes the previous stage's output")
}

func TestExecutePipelineRecoverableStage(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	t.Run("failure in a strict stage stops the tail", func(t *testing.T) {
		team := newActiveTeam(t, h, models.StrategyPipeline)
		_, err := h.o.Execute(ctx, team.ID, ExecuteRequest{
			Input: []string{"x"},
			Stages: []StageConfig{
				{AgentConfig: models.AgentConfig{Model: "m", Task: "fail"}},
				{AgentConfig: models.AgentConfig{Model: "m", Task: "wrap"}},
			},
		})
		var agg *AggregateError
		require.ErrorAs(t, err, &agg)
	})

	t.Run("recoverable stage passes its input through", func(t *testing.T) {
		team := newActiveTeam(t, h, models.StrategyPipeline)
		result, err := h.o.Execute(ctx, team.ID, ExecuteRequest{
			Input: []string{"x"},
			Stages: []StageConfig{
				{AgentConfig: models.AgentConfig{Model: "m", Task: "upper"}},
				{AgentConfig: models.AgentConfig{Model: "m", Task: "fail"}, Recoverable: true},
				{AgentConfig: models.AgentConfig{Model: "m", Task: "wrap"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "[X]", result.Outputs[2])
		assert.Len(t, result.FailedAgents, 1)
	})
}

func TestExecuteTree(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	team := newActiveTeam(t, h, models.StrategyTree)

	result, err := h.o.Execute(ctx, team.ID, ExecuteRequest{
		Root: models.AgentConfig{Model: "m", Task: "root"},
	})
	require.NoError(t, err)
	// Root first (depth order), then the child it spawned mid-run.
	assert.Equal(t, []string{"root-done", "done:leaf"}, result.Outputs)

	team, err = h.o.Get(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusCompleted, team.Status)
}

func TestSpawnChildDepthBound(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	team := newActiveTeam(t, h, models.StrategyTree)

	_, err := h.o.SpawnChild(ctx, team.ID, "untracked", models.AgentConfig{Model: "m", Task: "t"})
	assert.ErrorIs(t, err, ErrNotMember)

	h.o.trees.add(team.ID, "deep-parent", h.o.cfg.MaxTreeDepth)
	_, err = h.o.SpawnChild(ctx, team.ID, "deep-parent", models.AgentConfig{Model: "m", Task: "t"})
	var depthErr *TreeDepthError
	require.ErrorAs(t, err, &depthErr)
	assert.Equal(t, h.o.cfg.MaxTreeDepth, depthErr.MaxDepth)
}
