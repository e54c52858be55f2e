package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// updateRetries bounds the reload-and-retry loop on version conflicts.
const updateRetries = 3

// Timeout error kinds, distinguishable from ordinary step failures.
var (
	ErrStepTimeout     = errors.New("step timed out")
	ErrWorkflowTimeout = errors.New("workflow timed out")
)

// StepRunner executes one step's work. The engine owns scheduling, retries,
// and persistence; runners own only the work. Must honor ctx cancellation.
type StepRunner interface {
	RunStep(ctx context.Context, wf *models.Workflow, step models.Step) (string, error)
}

// RunnerFunc adapts a function to StepRunner.
type RunnerFunc func(ctx context.Context, wf *models.Workflow, step models.Step) (string, error)

// RunStep implements StepRunner.
func (f RunnerFunc) RunStep(ctx context.Context, wf *models.Workflow, step models.Step) (string, error) {
	return f(ctx, wf, step)
}

// Engine executes workflow DAGs.
type Engine struct {
	workflows store.WorkflowStore
	runner    StepRunner
	bus       *eventbus.Bus
	cfg       config.WorkflowConfig
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine creates a workflow engine.
func NewEngine(workflows store.WorkflowStore, runner StepRunner, bus *eventbus.Bus, cfg config.WorkflowConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		workflows: workflows,
		runner:    runner,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "workflow"),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Create validates the definition and persists a pending workflow.
func (e *Engine) Create(ctx context.Context, def *Definition) (*models.Workflow, error) {
	if def.Name == "" {
		return nil, ErrNoName
	}
	if def.MaxConcurrency < 0 {
		return nil, ErrInvalidConcurrency
	}
	if err := ValidateSteps(def.Steps); err != nil {
		return nil, err
	}

	maxConcurrency := def.MaxConcurrency
	if maxConcurrency == 0 {
		maxConcurrency = e.cfg.DefaultMaxConcurrency
	}
	if maxConcurrency < 1 {
		return nil, ErrInvalidConcurrency
	}
	onError := def.OnError
	if onError == "" {
		onError = models.OnErrorFail
	}

	wf := &models.Workflow{
		ID:             uuid.New().String(),
		Name:           def.Name,
		TeamID:         def.TeamID,
		Status:         models.WorkflowStatusPending,
		Steps:          def.Steps,
		OnError:        onError,
		MaxConcurrency: maxConcurrency,
		Timeout:        def.Timeout,
		Context:        map[string]any{},
	}
	for k, v := range def.Context {
		wf.Context[k] = v
	}
	if err := e.workflows.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	e.logger.Info("workflow created",
		"workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return wf, nil
}

// Get returns the workflow with its step results merged in.
func (e *Engine) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return e.workflows.Get(ctx, id)
}

// List returns workflows matching the filter.
func (e *Engine) List(ctx context.Context, filter store.WorkflowFilter) ([]*models.Workflow, error) {
	return e.workflows.List(ctx, filter)
}

// Start runs the workflow in the background.
func (e *Engine) Start(id string) {
	go func() {
		if err := e.Run(context.Background(), id); err != nil {
			e.logger.Error("workflow run failed", "workflow_id", id, "error", err)
		}
	}()
}

// Cancel stops a running workflow. Terminal workflows are left untouched.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	var cancelled bool
	err := e.update(ctx, id, func(wf *models.Workflow) {
		if wf.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		wf.Status = models.WorkflowStatusCancelled
		wf.CompletedAt = &now
		cancelled = true
	})
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}

	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.announce(ctx, eventbus.EventWorkflowCancelled, id, nil)
	e.logger.Info("workflow cancelled", "workflow_id", id)
	return nil
}

// stepOutcome is one resolution delivered to the scheduling loop: a step
// finished, or its retry backoff elapsed.
type stepOutcome struct {
	stepID string
	output string
	err    error
	retry  bool
}

// Run executes the workflow to a terminal status and blocks until done.
// Running it on a workflow restored after a restart resumes: persisted
// completed steps stay completed, and interrupted steps go back to pending
// with their attempt counts intact. Running a terminal workflow is a no-op.
func (e *Engine) Run(ctx context.Context, id string) error {
	wf, err := e.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if wf.Timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, wf.Timeout, ErrWorkflowTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}()

	if wf.Status == models.WorkflowStatusPending {
		now := time.Now().UTC()
		if err := e.update(ctx, id, func(w *models.Workflow) {
			w.Status = models.WorkflowStatusRunning
			w.StartedAt = &now
		}); err != nil {
			return err
		}
		e.announce(ctx, eventbus.EventWorkflowStarted, id, map[string]any{"name": wf.Name})
	}

	runErr := e.schedule(runCtx, wf)
	return e.finalize(ctx, id, runErr)
}

// schedule is the core loop: maintain the satisfied / dead / in-progress
// sets, start ready steps up to the concurrency cap in lexicographic
// order, and settle outcomes one at a time.
func (e *Engine) schedule(ctx context.Context, wf *models.Workflow) error {
	satisfied := map[string]bool{} // completed or when-skipped: unblocks dependents
	dead := map[string]bool{}      // failed or dependency-dead: never unblocks
	inProgress := map[string]bool{}
	waiting := map[string]bool{} // in retry backoff
	attempts := map[string]int{}

	// Resume from persisted results. Interrupted running steps go back to
	// pending; their previous attempt still counts.
	for stepID, r := range wf.Results {
		switch r.Status {
		case models.StepStatusCompleted:
			satisfied[stepID] = true
		case models.StepStatusSkipped:
			if r.Error == "" {
				satisfied[stepID] = true
			} else {
				dead[stepID] = true
			}
		case models.StepStatusFailed:
			dead[stepID] = true
		default:
			attempts[stepID] = r.Attempts
		}
	}

	outcomes := make(chan stepOutcome, len(wf.Steps)+1)
	var firstFailure error

	for len(satisfied)+len(dead) < len(wf.Steps) {
		if firstFailure == nil {
			e.startReady(ctx, wf, satisfied, dead, inProgress, waiting, attempts, outcomes)
		}
		if len(inProgress) == 0 {
			if firstFailure != nil || len(waiting) == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			// Drain nothing: in-flight runners observe the same ctx.
			return context.Cause(ctx)
		case out := <-outcomes:
			if out.retry {
				delete(waiting, out.stepID)
				continue
			}
			delete(inProgress, out.stepID)
			e.settle(ctx, wf, out, satisfied, dead, waiting, attempts, outcomes, &firstFailure)
		}
	}
	return firstFailure
}

// startReady launches every runnable step, lexicographically, up to the
// concurrency cap. Steps whose dependencies died are skipped transitively;
// steps whose when-condition is false complete as no-ops.
func (e *Engine) startReady(ctx context.Context, wf *models.Workflow, satisfied, dead, inProgress, waiting map[string]bool, attempts map[string]int, outcomes chan<- stepOutcome) {
	for {
		progressed := false
		var ready []string

	scan:
		for i := range wf.Steps {
			step := &wf.Steps[i]
			id := step.ID
			if satisfied[id] || dead[id] || inProgress[id] || waiting[id] {
				continue
			}
			for _, dep := range step.DependsOn {
				if dead[dep] {
					dead[id] = true
					progressed = true
					e.persistResult(ctx, wf.ID, &models.StepResult{
						StepID: id, Status: models.StepStatusSkipped,
						Error: "dependency failed: " + dep,
					})
					continue scan
				}
				if !satisfied[dep] {
					continue scan
				}
			}
			if !EvalWhen(step.When, wf.Context) {
				satisfied[id] = true
				progressed = true
				e.persistResult(ctx, wf.ID, &models.StepResult{
					StepID: id, Status: models.StepStatusSkipped,
				})
				continue
			}
			ready = append(ready, id)
		}

		sort.Strings(ready)
		for _, id := range ready {
			if len(inProgress) >= wf.MaxConcurrency {
				break
			}
			e.announce(ctx, eventbus.EventWorkflowStepReady, wf.ID, map[string]any{
				"step_id": id,
			})
			inProgress[id] = true
			attempts[id]++
			e.launch(ctx, wf, *wf.Step(id), attempts[id], outcomes)
		}
		// Skips may have unblocked further steps; rescan until stable.
		if !progressed {
			return
		}
	}
}

func (e *Engine) launch(ctx context.Context, wf *models.Workflow, step models.Step, attempt int, outcomes chan<- stepOutcome) {
	now := time.Now().UTC()
	e.persistResult(ctx, wf.ID, &models.StepResult{
		StepID: step.ID, Status: models.StepStatusRunning,
		Attempts: attempt, StartedAt: &now,
	})
	e.announce(ctx, eventbus.EventWorkflowStepRunning, wf.ID, map[string]any{
		"step_id": step.ID, "attempt": attempt,
	})

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	go func() {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		output, err := e.runner.RunStep(stepCtx, wf, step)
		if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrStepTimeout, timeout, err)
		}
		outcomes <- stepOutcome{stepID: step.ID, output: output, err: err}
	}()
}

// settle records one finished attempt: success persists the output into the
// context, failure either schedules a backoff retry or applies the onError
// policy.
func (e *Engine) settle(ctx context.Context, wf *models.Workflow, out stepOutcome, satisfied, dead, waiting map[string]bool, attempts map[string]int, outcomes chan<- stepOutcome, firstFailure *error) {
	step := wf.Step(out.stepID)
	now := time.Now().UTC()

	if out.err == nil {
		satisfied[out.stepID] = true
		wf.Context[out.stepID] = out.output
		e.persistResult(ctx, wf.ID, &models.StepResult{
			StepID: out.stepID, Status: models.StepStatusCompleted,
			Attempts: attempts[out.stepID], Output: out.output, CompletedAt: &now,
		})
		if err := e.update(ctx, wf.ID, func(w *models.Workflow) {
			w.Context[out.stepID] = out.output
		}); err != nil {
			e.logger.Error("failed to persist step output",
				"workflow_id", wf.ID, "step_id", out.stepID, "error", err)
		}
		e.announce(ctx, eventbus.EventWorkflowStepCompleted, wf.ID, map[string]any{
			"step_id": out.stepID,
		})
		return
	}

	if attempts[out.stepID] <= step.Retries {
		backoff := e.backoff(attempts[out.stepID])
		waiting[out.stepID] = true
		e.announce(ctx, eventbus.EventWorkflowStepRetrying, wf.ID, map[string]any{
			"step_id": out.stepID, "attempt": attempts[out.stepID], "error": out.err.Error(),
		})
		stepID := out.stepID
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			outcomes <- stepOutcome{stepID: stepID, retry: true}
		}()
		return
	}

	dead[out.stepID] = true
	e.persistResult(ctx, wf.ID, &models.StepResult{
		StepID: out.stepID, Status: models.StepStatusFailed,
		Attempts: attempts[out.stepID], Error: out.err.Error(), CompletedAt: &now,
	})
	e.announce(ctx, eventbus.EventWorkflowStepFailed, wf.ID, map[string]any{
		"step_id": out.stepID, "error": out.err.Error(),
	})
	if wf.OnError == models.OnErrorFail {
		*firstFailure = fmt.Errorf("step %s: %w", out.stepID, out.err)
	}
}

// finalize commits the terminal status. A concurrent Cancel wins: an
// already-terminal record is left untouched.
func (e *Engine) finalize(ctx context.Context, id string, runErr error) error {
	if errors.Is(runErr, context.Canceled) {
		// Cancelled out from under us; Cancel already committed the status.
		return nil
	}

	now := time.Now().UTC()
	status := models.WorkflowStatusCompleted
	if runErr != nil {
		status = models.WorkflowStatusFailed
	}

	var committed bool
	if err := e.update(ctx, id, func(w *models.Workflow) {
		if w.Status.Terminal() {
			return
		}
		w.Status = status
		w.CompletedAt = &now
		committed = true
	}); err != nil {
		return err
	}
	if !committed {
		return runErr
	}

	if status == models.WorkflowStatusCompleted {
		e.announce(ctx, eventbus.EventWorkflowCompleted, id, nil)
		e.logger.Info("workflow completed", "workflow_id", id)
	} else {
		e.announce(ctx, eventbus.EventWorkflowFailed, id, map[string]any{"error": runErr.Error()})
		e.logger.Warn("workflow failed", "workflow_id", id, "error", runErr)
	}
	return runErr
}

// backoff is base * 2^(attempt-1).
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// update applies mutate to the workflow record with conflict retries.
func (e *Engine) update(ctx context.Context, id string, mutate func(*models.Workflow)) error {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		wf, err := e.workflows.Get(ctx, id)
		if err != nil {
			return err
		}
		mutate(wf)
		err = e.workflows.Update(ctx, wf)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("workflow %s update kept conflicting: %w", id, lastErr)
}

func (e *Engine) persistResult(ctx context.Context, workflowID string, r *models.StepResult) {
	if err := e.workflows.UpsertStepResult(ctx, workflowID, r); err != nil {
		e.logger.Error("failed to persist step result",
			"workflow_id", workflowID, "step_id", r.StepID, "error", err)
	}
}

func (e *Engine) announce(ctx context.Context, eventType, workflowID string, extra map[string]any) {
	payload := map[string]any{"workflow_id": workflowID}
	for k, v := range extra {
		payload[k] = v
	}
	event := eventbus.New(eventType, "workflow", payload).WithMeta(eventbus.Metadata{
		WorkflowID: workflowID,
	})
	if _, err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Error("failed to publish workflow event",
			"event_type", eventType, "workflow_id", workflowID, "error", err)
	}
}
