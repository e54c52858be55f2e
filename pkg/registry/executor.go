package registry

import (
	"context"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// ExecutionResult is what a task executor hands back for a finished agent.
type ExecutionResult struct {
	Output string
	Cost   float64
	Tokens int
}

// TaskExecutor runs an agent's task. The control plane owns lifecycle,
// budgets, and retries; executors own only the work itself. Execute must
// honor ctx cancellation: a kill cancels the context and waits for the
// graceful timeout before force-marking the agent killed.
type TaskExecutor interface {
	Execute(ctx context.Context, agent *models.Agent) (*ExecutionResult, error)
}

// ExecutorFunc adapts a function to TaskExecutor.
type ExecutorFunc func(ctx context.Context, agent *models.Agent) (*ExecutionResult, error)

// Execute implements TaskExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, agent *models.Agent) (*ExecutionResult, error) {
	return f(ctx, agent)
}
