package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/statemachine"
	"github.com/hiveplane/hiveplane/pkg/store"
)

func testAgentsConfig() config.AgentsConfig {
	return config.AgentsConfig{
		MaxPerTeam:          4,
		DefaultMaxRetries:   2,
		GracefulKillTimeout: 50 * time.Millisecond,
		SpawnWorkers:        2,
		SpawnPollInterval:   10 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, *eventbus.Bus) {
	t.Helper()
	mem := store.NewMemory()
	bus := eventbus.NewBus(eventbus.NewMemoryJournal(), config.EventBusConfig{
		BufferSize:         64,
		BackpressurePolicy: config.BackpressureDropOldest,
		StalledTimeout:     time.Second,
	}, nil)
	t.Cleanup(func() { bus.Close() })
	return New(mem.Agents(), mem.Sessions(), mem.Teams(), bus, testAgentsConfig(), nil), mem, bus
}

// seedTeam creates a team record directly so registrations can reference
// it without going through the orchestrator.
func seedTeam(t *testing.T, mem *store.Memory, id string, status models.TeamStatus) {
	t.Helper()
	require.NoError(t, mem.Teams().Create(context.Background(), &models.Team{
		ID:        id,
		Name:      id,
		Status:    status,
		MaxAgents: 10,
	}))
}

func TestRegister(t *testing.T) {
	r, mem, _ := newTestRegistry(t)
	ctx := context.Background()

	t.Run("creates pending agent with session", func(t *testing.T) {
		agent, err := r.Register(ctx, models.AgentConfig{Model: "sonnet", Task: "summarize"})
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatePending, agent.State)
		assert.Equal(t, 2, agent.MaxRetries, "default retries applied")
		require.NotEmpty(t, agent.SessionID)

		sess, err := mem.Sessions().GetSession(ctx, agent.SessionID)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, sess.AgentID)
		assert.Equal(t, "main", sess.CurrentBranch)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := r.Register(ctx, models.AgentConfig{Task: "x"})
		assert.ErrorIs(t, err, ErrModelRequired)
		_, err = r.Register(ctx, models.AgentConfig{Model: "m"})
		assert.ErrorIs(t, err, ErrTaskRequired)
	})

	t.Run("team capacity enforced", func(t *testing.T) {
		seedTeam(t, mem, "team-1", models.TeamStatusActive)
		for i := 0; i < 4; i++ {
			_, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t", TeamID: "team-1"})
			require.NoError(t, err)
		}
		_, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t", TeamID: "team-1"})
		var full *TeamFullError
		require.ErrorAs(t, err, &full)
		assert.Equal(t, "team-1", full.TeamID)
	})
}

func TestRegisterMany(t *testing.T) {
	r, mem, bus := newTestRegistry(t)
	ctx := context.Background()

	t.Run("creates batch with contiguous registration events", func(t *testing.T) {
		agents, err := r.RegisterMany(ctx, []models.AgentConfig{
			{Model: "m", Task: "one"},
			{Model: "m", Task: "two"},
			{Model: "m", Task: "three"},
		})
		require.NoError(t, err)
		require.Len(t, agents, 3)
		for _, a := range agents {
			assert.Equal(t, models.AgentStatePending, a.State)
			_, err := mem.Sessions().GetSession(ctx, a.SessionID)
			require.NoError(t, err)
		}

		cursor := bus.Replay(0, eventbus.EventAgentRegistered)
		var seqs []int64
		for {
			e, err := cursor.Next(ctx)
			if errors.Is(err, eventbus.ErrEndOfJournal) {
				break
			}
			require.NoError(t, err)
			seqs = append(seqs, e.Sequence)
		}
		require.Len(t, seqs, 3)
		assert.Equal(t, seqs[0]+1, seqs[1])
		assert.Equal(t, seqs[1]+1, seqs[2])
	})

	t.Run("batch counts toward team capacity", func(t *testing.T) {
		seedTeam(t, mem, "team-b", models.TeamStatusActive)
		cfgs := make([]models.AgentConfig, 5) // max per team is 4
		for i := range cfgs {
			cfgs[i] = models.AgentConfig{Model: "m", Task: "t", TeamID: "team-b"}
		}
		_, err := r.RegisterMany(ctx, cfgs)
		var full *TeamFullError
		require.ErrorAs(t, err, &full)

		members, err := r.ListByTeam(ctx, "team-b")
		require.NoError(t, err)
		assert.Empty(t, members, "failed batch leaves nothing behind")
	})

	t.Run("validation applies before anything commits", func(t *testing.T) {
		_, err := r.RegisterMany(ctx, []models.AgentConfig{
			{Model: "m", Task: "ok"},
			{Model: "", Task: "missing model"},
		})
		assert.ErrorIs(t, err, ErrModelRequired)
	})
}

func TestRegisterRejectsBadTeamReference(t *testing.T) {
	r, mem, _ := newTestRegistry(t)
	ctx := context.Background()

	var refErr *TeamRefError
	_, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t", TeamID: "no-such-team"})
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, "no-such-team", refErr.TeamID)

	seedTeam(t, mem, "gone-team", models.TeamStatusDestroyed)
	_, err = r.Register(ctx, models.AgentConfig{Model: "m", Task: "t", TeamID: "gone-team"})
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, "gone-team", refErr.TeamID)

	// The batch path applies the same check before anything commits.
	_, err = r.RegisterMany(ctx, []models.AgentConfig{
		{Model: "m", Task: "t", TeamID: "no-such-team"},
	})
	require.ErrorAs(t, err, &refErr)

	agents, err := r.List(ctx, store.AgentFilter{})
	require.NoError(t, err)
	assert.Empty(t, agents, "rejected registrations leave no agents behind")
}

func TestKillAlreadyKilledAgentIsNoOp(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)

	killed, err := r.Kill(ctx, agent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateKilled, killed.State)

	again, err := r.Kill(ctx, agent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateKilled, again.State)
	assert.Equal(t, killed.CompletedAt, again.CompletedAt,
		"repeated kill does not move the completion time")
}

func TestRecordUsageConcurrentReports(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error { return r.RecordUsage(ctx, agent.ID, 0.5) })
	}
	require.NoError(t, g.Wait())

	got, err := r.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.BudgetConsumed, "every concurrent report lands")
}

func TestTransitionLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)

	steps := []struct {
		event AgentEvent
		want  models.AgentLifecycleState
	}{
		{EventClaim, models.AgentStateInitializing},
		{EventSpawn, models.AgentStateSpawning},
		{EventStarted, models.AgentStateRunning},
		{EventPause, models.AgentStatePaused},
		{EventResume, models.AgentStateRunning},
		{EventComplete, models.AgentStateCompleting},
		{EventFinalize, models.AgentStateCompleted},
	}
	for _, step := range steps {
		agent, err = r.Transition(ctx, agent.ID, step.event, nil)
		require.NoError(t, err, "event %s", step.event)
		assert.Equal(t, step.want, agent.State)
	}

	// Completed is terminal.
	_, err = r.Transition(ctx, agent.ID, EventKill, nil)
	var invalid *statemachine.InvalidTransitionError[models.AgentLifecycleState, AgentEvent]
	assert.ErrorAs(t, err, &invalid)
}

func TestFailRetriesThenExhausts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t", MaxRetries: 2})
	require.NoError(t, err)

	// First failure requeues.
	agent, err = r.Fail(ctx, agent.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatePending, agent.State)
	assert.Equal(t, 1, agent.RetryCount)
	assert.Equal(t, "boom", agent.LastError)

	// Second failure requeues again.
	agent, err = r.Fail(ctx, agent.ID, errors.New("boom 2"))
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatePending, agent.State)
	assert.Equal(t, 2, agent.RetryCount)

	// Retries exhausted: stays failed.
	agent, err = r.Fail(ctx, agent.ID, errors.New("boom 3"))
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateFailed, agent.State)

	// A failed agent can still be killed.
	agent, err = r.Kill(ctx, agent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateKilled, agent.State)
}

func TestTransitionAnnouncesOnBus(t *testing.T) {
	r, _, bus := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var types []string
	arrived := make(chan struct{}, 64)
	_, err := bus.Subscribe(ctx, func(_ context.Context, e *eventbus.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		arrived <- struct{}{}
	}, eventbus.SubscribeOptions{}, "agent.**")
	require.NoError(t, err)

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)
	_, err = r.Transition(ctx, agent.ID, EventClaim, nil)
	require.NoError(t, err)
	_, err = r.Transition(ctx, agent.ID, EventSpawn, nil)
	require.NoError(t, err)

	// registered + spawning; claim is internal and silent.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for bus events")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{eventbus.EventAgentRegistered, eventbus.EventAgentSpawning}, types)
}

func TestRecoverStartupOrphans(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a1, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)
	_, err = r.Transition(ctx, a1.ID, EventClaim, nil)
	require.NoError(t, err)

	a2, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)
	_, err = r.Transition(ctx, a2.ID, EventClaim, nil)
	require.NoError(t, err)
	_, err = r.Transition(ctx, a2.ID, EventSpawn, nil)
	require.NoError(t, err)

	recovered, err := r.RecoverStartupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	for _, id := range []string{a1.ID, a2.ID} {
		agent, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatePending, agent.State, "orphans are requeued")
		assert.Equal(t, 1, agent.RetryCount)
	}
}

func TestSpawnPoolRunsAgentToCompletion(t *testing.T) {
	r, mem, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executed := make(chan string, 8)
	executor := ExecutorFunc(func(_ context.Context, agent *models.Agent) (*ExecutionResult, error) {
		executed <- agent.ID
		return &ExecutionResult{Output: "done: " + agent.Task, Cost: 0.25}, nil
	})

	pool := NewSpawnPool("node-1", r, mem.Agents(), executor,
		&TempDirProvider{BaseDir: t.TempDir()}, testAgentsConfig(), nil)
	pool.Start(ctx)
	defer pool.Stop()

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)

	select {
	case id := <-executed:
		assert.Equal(t, agent.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("agent was never executed")
	}

	require.Eventually(t, func() bool {
		got, err := r.Get(ctx, agent.ID)
		return err == nil && got.State == models.AgentStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := r.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "done: t", got.Result)
	assert.Equal(t, 0.25, got.BudgetConsumed)
	assert.NotNil(t, got.CompletedAt)
}

func TestSpawnPoolRetriesFailedExecution(t *testing.T) {
	r, mem, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	executor := ExecutorFunc(func(_ context.Context, _ *models.Agent) (*ExecutionResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return &ExecutionResult{Output: "recovered"}, nil
	})

	pool := NewSpawnPool("node-1", r, mem.Agents(), executor,
		&TempDirProvider{BaseDir: t.TempDir()}, testAgentsConfig(), nil)
	pool.Start(ctx)
	defer pool.Stop()

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t", MaxRetries: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := r.Get(ctx, agent.ID)
		return err == nil && got.State == models.AgentStateCompleted
	}, 10*time.Second, 10*time.Millisecond)

	got, err := r.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "recovered", got.Result)
}

func TestKillCancelsRunningAgent(t *testing.T) {
	r, mem, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	executor := ExecutorFunc(func(runCtx context.Context, _ *models.Agent) (*ExecutionResult, error) {
		close(started)
		<-runCtx.Done()
		return nil, runCtx.Err()
	})

	pool := NewSpawnPool("node-1", r, mem.Agents(), executor,
		&TempDirProvider{BaseDir: t.TempDir()}, testAgentsConfig(), nil)
	pool.Start(ctx)
	defer pool.Stop()

	agent, err := r.Register(ctx, models.AgentConfig{Model: "m", Task: "t"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never started")
	}

	killed, err := r.Kill(ctx, agent.ID, pool.CancelerFor(agent.ID))
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateKilled, killed.State)

	require.Eventually(t, func() bool {
		return pool.ActiveCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
