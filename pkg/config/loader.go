package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration from configDir.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load hiveplane.yaml from configDir (missing file is not an error;
//     built-in defaults apply)
//  2. Expand environment variables in the raw YAML
//  3. Merge user config over built-in defaults
//  4. Validate the merged result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := defaults()

	path := filepath.Join(configDir, "hiveplane.yaml")
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("No hiveplane.yaml found, using built-in defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		user := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), user); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		// User values override defaults; unset fields keep the default.
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"spawn_workers", cfg.Agents.SpawnWorkers,
		"event_buffer", cfg.EventBus.BufferSize,
		"supervisor_rules", len(cfg.Supervisor.Rules))
	return cfg, nil
}

// Validate checks the merged configuration for contradictions and
// out-of-range values. Fail-fast: returns the first error found.
func (c *Config) Validate() error {
	if c.Agents.MaxPerTeam < 1 {
		return fmt.Errorf("agents.max_per_team must be >= 1, got %d", c.Agents.MaxPerTeam)
	}
	if c.Agents.DefaultMaxRetries < 0 {
		return fmt.Errorf("agents.default_max_retries must be >= 0, got %d", c.Agents.DefaultMaxRetries)
	}
	if c.Agents.SpawnWorkers < 1 {
		return fmt.Errorf("agents.spawn_workers must be >= 1, got %d", c.Agents.SpawnWorkers)
	}
	if c.EventBus.BufferSize < 1 {
		return fmt.Errorf("event_bus.buffer_size must be >= 1, got %d", c.EventBus.BufferSize)
	}
	switch c.EventBus.BackpressurePolicy {
	case BackpressureDropOldest, BackpressureDropNewest, BackpressureBlock:
	default:
		return fmt.Errorf("event_bus.backpressure_policy must be drop-oldest, drop-newest or block, got %q",
			c.EventBus.BackpressurePolicy)
	}
	switch c.Transaction.DefaultIsolation {
	case IsolationReadCommitted, IsolationRepeatableRead, IsolationSerializable:
	default:
		return fmt.Errorf("transaction.default_isolation must be read-committed, repeatable-read or serializable, got %q",
			c.Transaction.DefaultIsolation)
	}
	if c.Transaction.MaxRetries < 0 {
		return fmt.Errorf("transaction.max_retries must be >= 0, got %d", c.Transaction.MaxRetries)
	}
	if c.Workflow.DefaultMaxConcurrency < 1 {
		return fmt.Errorf("workflow.default_max_concurrency must be >= 1, got %d", c.Workflow.DefaultMaxConcurrency)
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold > 1 {
		return fmt.Errorf("budget.warning_threshold must be in (0,1], got %v", c.Budget.WarningThreshold)
	}
	if c.Budget.CriticalThreshold <= 0 || c.Budget.CriticalThreshold > 1 {
		return fmt.Errorf("budget.critical_threshold must be in (0,1], got %v", c.Budget.CriticalThreshold)
	}
	if c.Budget.WarningThreshold > c.Budget.CriticalThreshold {
		return fmt.Errorf("budget.warning_threshold (%v) must not exceed critical_threshold (%v)",
			c.Budget.WarningThreshold, c.Budget.CriticalThreshold)
	}
	if c.Federation.StaleAfter >= c.Federation.DeadAfter {
		return fmt.Errorf("federation.stale_after (%v) must be less than dead_after (%v)",
			c.Federation.StaleAfter, c.Federation.DeadAfter)
	}
	if c.Federation.BreakerFailureCount < 1 {
		return fmt.Errorf("federation.breaker_failure_count must be >= 1, got %d", c.Federation.BreakerFailureCount)
	}
	if c.Supervisor.Tick <= 0 {
		return fmt.Errorf("supervisor.tick must be positive, got %v", c.Supervisor.Tick)
	}
	for i, rule := range c.Supervisor.Rules {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("supervisor.rules[%d] (%s): %w", i, rule.ID, err)
		}
	}
	switch c.Worktree.Provider {
	case "git", "tempdir":
	default:
		return fmt.Errorf("worktree.provider must be git or tempdir, got %q", c.Worktree.Provider)
	}
	if c.Worktree.Provider == "git" && c.Worktree.RepoRoot == "" {
		return fmt.Errorf("worktree.repo_root is required when worktree.provider is git")
	}
	return nil
}

func validateRule(rule SupervisorRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	triggers := 0
	if rule.Metric != "" {
		triggers++
		if rule.Above == nil && rule.Below == nil {
			return fmt.Errorf("metric trigger requires above or below")
		}
	}
	if rule.AlertID != "" {
		triggers++
	}
	if rule.Schedule != "" {
		triggers++
	}
	if triggers != 1 {
		return fmt.Errorf("exactly one trigger (metric, alert_id, schedule) is required, got %d", triggers)
	}
	switch rule.Action {
	case "scale-up", "scale-down", "restart", "rebalance", "notify":
	default:
		return fmt.Errorf("unknown action %q", rule.Action)
	}
	if rule.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	return nil
}
