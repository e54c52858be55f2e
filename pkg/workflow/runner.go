package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/registry"
)

// AgentStepRunner executes workflow steps by spawning agents through the
// registry and waiting for them to settle. The step's agent selector names
// the model; DefaultModel applies when a step leaves it empty.
type AgentStepRunner struct {
	Registry     *registry.Registry
	DefaultModel string

	// Poll is the settle-check interval; zero means 100ms.
	Poll time.Duration
}

// RunStep implements StepRunner.
func (r *AgentStepRunner) RunStep(ctx context.Context, wf *models.Workflow, step models.Step) (string, error) {
	model := step.AgentSelector
	if model == "" {
		model = r.DefaultModel
	}
	agent, err := r.Registry.Register(ctx, models.AgentConfig{
		TeamID: wf.TeamID,
		Model:  model,
		Task:   step.Task,
	})
	if err != nil {
		return "", fmt.Errorf("failed to spawn step agent: %w", err)
	}

	poll := r.Poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		got, err := r.Registry.Get(ctx, agent.ID)
		if err != nil {
			return "", err
		}
		switch {
		case got.State == models.AgentStateCompleted:
			return got.Result, nil
		case got.State == models.AgentStateKilled:
			return "", fmt.Errorf("step agent %s was killed", agent.ID)
		case got.State == models.AgentStateFailed && got.RetryCount >= got.MaxRetries:
			return "", errors.New(got.LastError)
		}
		select {
		case <-ctx.Done():
			// Abandon the agent; the registry's retry budget still applies
			// and the cleanup loop reaps it if nothing else does.
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
