package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// scriptRunner records step invocations and fails or blocks on demand.
type scriptRunner struct {
	mu     sync.Mutex
	calls  []string
	counts map[string]int
	fail   map[string]int  // fail the first n attempts of a step
	block  map[string]bool // block until ctx is done
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		counts: map[string]int{},
		fail:   map[string]int{},
		block:  map[string]bool{},
	}
}

func (r *scriptRunner) RunStep(ctx context.Context, _ *models.Workflow, s models.Step) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, s.ID)
	r.counts[s.ID]++
	n := r.counts[s.ID]
	failing := n <= r.fail[s.ID]
	blocking := r.block[s.ID]
	r.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failing {
		return "", fmt.Errorf("scripted failure %d for %s", n, s.ID)
	}
	return "out-" + s.ID, nil
}

func (r *scriptRunner) callOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestEngine(t *testing.T, runner StepRunner) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	bus := eventbus.NewBus(eventbus.NewMemoryJournal(), config.EventBusConfig{
		BufferSize:         64,
		BackpressurePolicy: config.BackpressureDropOldest,
		StalledTimeout:     time.Second,
	}, nil)
	t.Cleanup(func() { bus.Close() })

	cfg := config.WorkflowConfig{
		DefaultMaxConcurrency: 4,
		DefaultStepTimeout:    5 * time.Second,
		RetryBase:             time.Millisecond,
	}
	return NewEngine(mem.Workflows(), runner, bus, cfg, nil), mem
}

func TestCreateValidatesAndDefaults(t *testing.T) {
	e, _ := newTestEngine(t, newScriptRunner())
	ctx := context.Background()

	_, err := e.Create(ctx, &Definition{Steps: []models.Step{step("a")}})
	assert.ErrorIs(t, err, ErrNoName)

	_, err = e.Create(ctx, &Definition{Name: "w", MaxConcurrency: -1})
	assert.ErrorIs(t, err, ErrInvalidConcurrency)

	_, err = e.Create(ctx, &Definition{Name: "w", Steps: []models.Step{step("a", "a")}})
	assert.ErrorIs(t, err, ErrSelfLoop)

	wf, err := e.Create(ctx, &Definition{Name: "w", Steps: []models.Step{step("a")}})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPending, wf.Status)
	assert.Equal(t, 4, wf.MaxConcurrency, "default concurrency applied")
	assert.Equal(t, models.OnErrorFail, wf.OnError, "default policy applied")
}

func TestRunLinearChainPassesContext(t *testing.T) {
	runner := newScriptRunner()
	e, _ := newTestEngine(t, RunnerFunc(func(ctx context.Context, wf *models.Workflow, s models.Step) (string, error) {
		if s.ID == "b" {
			// Upstream output is visible downstream.
			if got := wf.Context["a"]; got != "out-a" {
				return "", fmt.Errorf("expected upstream output, got %v", got)
			}
		}
		return runner.RunStep(ctx, wf, s)
	}))
	ctx := context.Background()

	wf, err := e.Create(ctx, &Definition{
		Name:  "chain",
		Steps: []models.Step{step("a"), step("b", "a"), step("c", "b")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, wf.ID))

	assert.Equal(t, []string{"a", "b", "c"}, runner.callOrder())

	got, err := e.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "out-c", got.Context["c"])
	for _, id := range []string{"a", "b", "c"} {
		require.Contains(t, got.Results, id)
		assert.Equal(t, models.StepStatusCompleted, got.Results[id].Status)
	}

	// Repeated run of a terminal workflow is a no-op success.
	require.NoError(t, e.Run(ctx, wf.ID))
	assert.Equal(t, []string{"a", "b", "c"}, runner.callOrder())
}

func TestRunFanOutDeterministicOrder(t *testing.T) {
	runner := newScriptRunner()
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	// A -> {B, C} -> D with concurrency 1: lexicographic tie-break runs B
	// before C.
	wf, err := e.Create(ctx, &Definition{
		Name:           "diamond",
		MaxConcurrency: 1,
		Steps:          []models.Step{step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, wf.ID))
	assert.Equal(t, []string{"a", "b", "c", "d"}, runner.callOrder())
}

func TestRunEmitsStepEventSequence(t *testing.T) {
	mem := store.NewMemory()
	bus := eventbus.NewBus(eventbus.NewMemoryJournal(), config.EventBusConfig{
		BufferSize:         64,
		BackpressurePolicy: config.BackpressureDropOldest,
		StalledTimeout:     time.Second,
	}, nil)
	defer bus.Close()
	e := NewEngine(mem.Workflows(), newScriptRunner(), bus, config.WorkflowConfig{
		DefaultMaxConcurrency: 1,
		DefaultStepTimeout:    5 * time.Second,
		RetryBase:             time.Millisecond,
	}, nil)
	ctx := context.Background()

	wf, err := e.Create(ctx, &Definition{Name: "events", Steps: []models.Step{step("a")}})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, wf.ID))

	cursor := bus.Replay(0, "workflow.*")
	var got []string
	for {
		ev, err := cursor.Next(ctx)
		if errors.Is(err, eventbus.ErrEndOfJournal) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{
		eventbus.EventWorkflowStarted,
		eventbus.EventWorkflowStepReady,
		eventbus.EventWorkflowStepRunning,
		eventbus.EventWorkflowStepCompleted,
		eventbus.EventWorkflowCompleted,
	}, got, "a step announces ready before running")
}

func TestZeroStepsCompletesImmediately(t *testing.T) {
	e, _ := newTestEngine(t, newScriptRunner())
	ctx := context.Background()

	wf, err := e.Create(ctx, &Definition{Name: "empty"})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, wf.ID))

	got, err := e.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
}

func TestWhenFalseIsNoOpCompletion(t *testing.T) {
	runner := newScriptRunner()
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	steps := []models.Step{step("a"), step("b", "a"), step("c", "b")}
	steps[1].When = "mode == turbo"
	wf, err := e.Create(ctx, &Definition{
		Name:    "conditional",
		Context: map[string]any{"mode": "normal"},
		Steps:   steps,
	})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, wf.ID))

	// B never ran, but C still did: the skip satisfies the dependency.
	assert.Equal(t, []string{"a", "c"}, runner.callOrder())

	got, err := e.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, models.StepStatusSkipped, got.Results["b"].Status)
	assert.Empty(t, got.Results["b"].Error)
}

func TestStepRetriesWithBackoff(t *testing.T) {
	runner := newScriptRunner()
	runner.fail["flaky"] = 2
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	steps := []models.Step{{ID: "flaky", Task: "t", Retries: 2}}
	wf, err := e.Create(ctx, &Definition{Name: "retry", Steps: steps})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, wf.ID))

	got, err := e.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Results["flaky"].Attempts)
}

func TestOnErrorFailStopsWorkflow(t *testing.T) {
	runner := newScriptRunner()
	runner.fail["a"] = 1
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	wf, err := e.Create(ctx, &Definition{
		Name:  "strict",
		Steps: []models.Step{step("a"), step("b", "a")},
	})
	require.NoError(t, err)
	err = e.Run(ctx, wf.ID)
	require.Error(t, err)

	got, gerr := e.Get(ctx, wf.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.WorkflowStatusFailed, got.Status)
	assert.Equal(t, models.StepStatusFailed, got.Results["a"].Status)
	assert.NotContains(t, runner.callOrder(), "b", "successor of the failed step never ran")
}

func TestOnErrorContinueSchedulesUnaffected(t *testing.T) {
	runner := newScriptRunner()
	runner.fail["a"] = 1
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	// a fails; its dependent b is skipped; independent c still runs.
	wf, err := e.Create(ctx, &Definition{
		Name:    "lenient",
		OnError: models.OnErrorContinue,
		Steps:   []models.Step{step("a"), step("b", "a"), step("c")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, wf.ID))

	got, err := e.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, models.StepStatusFailed, got.Results["a"].Status)
	assert.Equal(t, models.StepStatusSkipped, got.Results["b"].Status)
	assert.Contains(t, got.Results["b"].Error, "dependency failed")
	assert.Equal(t, models.StepStatusCompleted, got.Results["c"].Status)
}

func TestStepTimeoutIsDistinguished(t *testing.T) {
	runner := newScriptRunner()
	runner.block["slow"] = true
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	steps := []models.Step{{ID: "slow", Task: "t", Timeout: 20 * time.Millisecond}}
	wf, err := e.Create(ctx, &Definition{Name: "slowpoke", Steps: steps})
	require.NoError(t, err)

	err = e.Run(ctx, wf.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepTimeout)

	got, gerr := e.Get(ctx, wf.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.WorkflowStatusFailed, got.Status)
}

func TestCancelStopsRun(t *testing.T) {
	runner := newScriptRunner()
	runner.block["forever"] = true
	e, _ := newTestEngine(t, runner)
	ctx := context.Background()

	wf, err := e.Create(ctx, &Definition{
		Name:  "cancellable",
		Steps: []models.Step{{ID: "forever", Task: "t"}},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, wf.ID) }()

	require.Eventually(t, func() bool {
		got, err := e.Get(ctx, wf.ID)
		return err == nil && got.Status == models.WorkflowStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel(ctx, wf.ID))
	select {
	case err := <-done:
		assert.NoError(t, err, "a cancelled run is not an engine error")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	got, err := e.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, got.Status)

	// Cancel is idempotent on terminal workflows.
	require.NoError(t, e.Cancel(ctx, wf.ID))
}

func TestResumeSkipsPersistedCompletions(t *testing.T) {
	runner := newScriptRunner()
	e, mem := newTestEngine(t, runner)
	ctx := context.Background()

	wf, err := e.Create(ctx, &Definition{
		Name:  "resumable",
		Steps: []models.Step{step("a"), step("b", "a"), step("c", "b")},
	})
	require.NoError(t, err)

	// Simulate a crash mid-run: a completed, b was in flight.
	require.NoError(t, e.update(ctx, wf.ID, func(w *models.Workflow) {
		w.Status = models.WorkflowStatusRunning
		w.Context["a"] = "out-a"
	}))
	require.NoError(t, mem.Workflows().UpsertStepResult(ctx, wf.ID, &models.StepResult{
		StepID: "a", Status: models.StepStatusCompleted, Attempts: 1, Output: "out-a",
	}))
	require.NoError(t, mem.Workflows().UpsertStepResult(ctx, wf.ID, &models.StepResult{
		StepID: "b", Status: models.StepStatusRunning, Attempts: 1,
	}))

	require.NoError(t, e.Run(ctx, wf.ID))

	// a is not re-executed; b restarts with its prior attempt counted.
	assert.Equal(t, []string{"b", "c"}, runner.callOrder())
	got, err := e.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Results["b"].Attempts)
}

func TestRunUnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine(t, newScriptRunner())
	err := e.Run(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
