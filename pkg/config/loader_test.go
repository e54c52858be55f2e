package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hiveplane.yaml"), []byte(yaml), 0o600))
	return dir
}

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Agents.MaxPerTeam)
	assert.Equal(t, BackpressureDropOldest, cfg.EventBus.BackpressurePolicy)
	assert.Equal(t, IsolationReadCommitted, cfg.Transaction.DefaultIsolation)
	assert.Equal(t, 0.75, cfg.Budget.WarningThreshold)
}

func TestInitializeMergesUserValues(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9090
agents:
  max_per_team: 4
event_bus:
  buffer_size: 512
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Agents.MaxPerTeam)
	assert.Equal(t, 512, cfg.EventBus.BufferSize)
	// Unset fields keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 30*time.Second, cfg.Transaction.Timeout)
}

func TestInitializeExpandsEnv(t *testing.T) {
	t.Setenv("HIVEPLANE_TEST_PORT", "7070")
	dir := writeConfig(t, `
server:
  port: {{.HIVEPLANE_TEST_PORT}}
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestInitializeValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad backpressure policy", "event_bus:\n  backpressure_policy: drop-random\n"},
		{"warning above critical", "budget:\n  warning_threshold: 0.95\n  critical_threshold: 0.9\n"},
		{"bad isolation", "transaction:\n  default_isolation: chaos\n"},
		{"stale after dead", "federation:\n  stale_after: 5m\n  dead_after: 1m\n"},
		{"git worktree without repo", "worktree:\n  provider: git\n"},
		{"negative spawn workers", "agents:\n  spawn_workers: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Initialize(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSupervisorRuleValidation(t *testing.T) {
	above := 0.9

	valid := SupervisorRule{ID: "watchdog", Schedule: "*/5 * * * *", Action: "restart"}
	assert.NoError(t, validateRule(valid))

	cases := []struct {
		name string
		rule SupervisorRule
	}{
		{"no id", SupervisorRule{Schedule: "* * * * *", Action: "notify"}},
		{"no trigger", SupervisorRule{ID: "r", Action: "notify"}},
		{"two triggers", SupervisorRule{ID: "r", Schedule: "* * * * *", AlertID: "a", Action: "notify"}},
		{"metric without bound", SupervisorRule{ID: "r", Metric: "agents.stuck", Action: "restart"}},
		{"unknown action", SupervisorRule{ID: "r", Metric: "m", Above: &above, Action: "explode"}},
		{"negative cooldown", SupervisorRule{ID: "r", AlertID: "a", Action: "notify", Cooldown: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, validateRule(tc.rule))
		})
	}
}
