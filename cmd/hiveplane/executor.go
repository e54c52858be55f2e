package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/hiveplane/hiveplane/pkg/budget"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/registry"
	"github.com/hiveplane/hiveplane/pkg/sessiontree"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// newWorktreeProvider picks the configured worktree backend.
func newWorktreeProvider(cfg config.WorktreeConfig) registry.WorktreeProvider {
	if cfg.Provider == "git" && cfg.RepoRoot != "" {
		return &registry.GitProvider{RepoRoot: cfg.RepoRoot, BaseDir: cfg.BaseDir}
	}
	return &registry.TempDirProvider{BaseDir: cfg.BaseDir}
}

// newExecutor builds the task executor. AGENT_EXECUTOR selects the
// backend: "shell" runs the task as a command inside the agent's worktree;
// anything else is a no-op echo used when no provider adapter is deployed.
// Either way the executor journals the exchange into the agent's session
// tree and debits the agent budget when one exists.
func newExecutor(reg *registry.Registry, trees *sessiontree.Tree, budgets *budget.Manager, logger *slog.Logger) registry.TaskExecutor {
	shell := os.Getenv("AGENT_EXECUTOR") == "shell"
	log := logger.With("component", "executor")

	return registry.ExecutorFunc(func(ctx context.Context, agent *models.Agent) (*registry.ExecutionResult, error) {
		if _, err := trees.AppendMessage(ctx, agent.SessionID, sessiontree.Message{
			Role:    "user",
			Content: agent.Task,
		}); err != nil {
			log.Warn("failed to journal task", "agent_id", agent.ID, "error", err)
		}

		var output string
		var err error
		if shell {
			output, err = runShellTask(ctx, agent)
		} else {
			output = agent.Task
		}
		if err != nil {
			return nil, err
		}

		result := &registry.ExecutionResult{
			Output: output,
			Cost:   estimateCost(agent.Task, output),
			Tokens: (len(agent.Task) + len(output)) / 4,
		}

		if _, err := trees.AppendMessage(ctx, agent.SessionID, sessiontree.Message{
			Role:    "assistant",
			Content: result.Output,
			Cost:    result.Cost,
			Tokens:  result.Tokens,
		}); err != nil {
			log.Warn("failed to journal result", "agent_id", agent.ID, "error", err)
		}

		if err := debitBudgets(ctx, reg, budgets, agent, result.Cost); err != nil {
			// The work is done; an exhausted budget fails the agent so
			// its retry policy (and the team's) can react.
			return nil, err
		}
		return result, nil
	})
}

// runShellTask executes the task text with the system shell, cwd set to
// the agent's isolated worktree.
func runShellTask(ctx context.Context, agent *models.Agent) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", agent.Task)
	cmd.Dir = agent.WorktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.New("task command failed: " + strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// debitBudgets records usage on the agent row and consumes from the agent
// budget chain when the agent has one.
func debitBudgets(ctx context.Context, reg *registry.Registry, budgets *budget.Manager, agent *models.Agent, cost float64) error {
	if cost <= 0 {
		return nil
	}
	if err := reg.RecordUsage(ctx, agent.ID, cost); err != nil {
		return err
	}
	// No budget row means the agent is unmetered.
	err := budgets.Consume(ctx, agent.ID, models.BudgetLevelAgent, cost)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// estimateCost is a deterministic placeholder pricing model; provider
// adapters report real cost through the same ExecutionResult field.
func estimateCost(task, output string) float64 {
	return float64(len(task)+len(output)) / 4 * 0.000002
}
