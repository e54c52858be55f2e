package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// dur decodes a YAML scalar into a duration, accepting Go duration
// strings ("30s", "5m") and plain integers (nanoseconds).
type dur time.Duration

func (d *dur) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = dur(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = dur(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = dur(parsed)
	return nil
}

// The structs below carry time.Duration fields, which yaml.v3 cannot
// decode from duration strings on its own. Each one unmarshals through a
// mirror struct that substitutes dur.

func (c *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Host             string   `yaml:"host"`
		Port             int      `yaml:"port"`
		AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
		WSWriteTimeout   dur      `yaml:"ws_write_timeout"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = ServerConfig{
		Host:             r.Host,
		Port:             r.Port,
		AllowedWSOrigins: r.AllowedWSOrigins,
		WSWriteTimeout:   time.Duration(r.WSWriteTimeout),
	}
	return nil
}

func (c *AgentsConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		MaxPerTeam          int `yaml:"max_per_team"`
		DefaultMaxRetries   int `yaml:"default_max_retries"`
		GracefulKillTimeout dur `yaml:"graceful_kill_timeout"`
		SpawnWorkers        int `yaml:"spawn_workers"`
		SpawnPollInterval   dur `yaml:"spawn_poll_interval"`
		HeartbeatInterval   dur `yaml:"heartbeat_interval"`
		MaxTreeDepth        int `yaml:"max_tree_depth"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = AgentsConfig{
		MaxPerTeam:          r.MaxPerTeam,
		DefaultMaxRetries:   r.DefaultMaxRetries,
		GracefulKillTimeout: time.Duration(r.GracefulKillTimeout),
		SpawnWorkers:        r.SpawnWorkers,
		SpawnPollInterval:   time.Duration(r.SpawnPollInterval),
		HeartbeatInterval:   time.Duration(r.HeartbeatInterval),
		MaxTreeDepth:        r.MaxTreeDepth,
	}
	return nil
}

func (c *EventBusConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		BufferSize         int                `yaml:"buffer_size"`
		BackpressurePolicy BackpressurePolicy `yaml:"backpressure_policy"`
		StalledTimeout     dur                `yaml:"stalled_timeout"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = EventBusConfig{
		BufferSize:         r.BufferSize,
		BackpressurePolicy: r.BackpressurePolicy,
		StalledTimeout:     time.Duration(r.StalledTimeout),
	}
	return nil
}

func (c *TransactionConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		DefaultIsolation IsolationLevel `yaml:"default_isolation"`
		MaxRetries       int            `yaml:"max_retries"`
		Timeout          dur            `yaml:"timeout"`
		RetryBase        dur            `yaml:"retry_base"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = TransactionConfig{
		DefaultIsolation: r.DefaultIsolation,
		MaxRetries:       r.MaxRetries,
		Timeout:          time.Duration(r.Timeout),
		RetryBase:        time.Duration(r.RetryBase),
	}
	return nil
}

func (c *WorkflowConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		DefaultMaxConcurrency int `yaml:"default_max_concurrency"`
		DefaultStepTimeout    dur `yaml:"default_step_timeout"`
		RetryBase             dur `yaml:"retry_base"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = WorkflowConfig{
		DefaultMaxConcurrency: r.DefaultMaxConcurrency,
		DefaultStepTimeout:    time.Duration(r.DefaultStepTimeout),
		RetryBase:             time.Duration(r.RetryBase),
	}
	return nil
}

func (c *FederationConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		StaleAfter          dur `yaml:"stale_after"`
		DeadAfter           dur `yaml:"dead_after"`
		BreakerFailureCount int `yaml:"breaker_failure_count"`
		BreakerCooldown     dur `yaml:"breaker_cooldown"`
		AffinityTTL         dur `yaml:"affinity_ttl"`
		RPCTimeout          dur `yaml:"rpc_timeout"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = FederationConfig{
		StaleAfter:          time.Duration(r.StaleAfter),
		DeadAfter:           time.Duration(r.DeadAfter),
		BreakerFailureCount: r.BreakerFailureCount,
		BreakerCooldown:     time.Duration(r.BreakerCooldown),
		AffinityTTL:         time.Duration(r.AffinityTTL),
		RPCTimeout:          time.Duration(r.RPCTimeout),
	}
	return nil
}

func (c *SupervisorConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Tick  dur              `yaml:"tick"`
		Rules []SupervisorRule `yaml:"rules"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = SupervisorConfig{
		Tick:  time.Duration(r.Tick),
		Rules: r.Rules,
	}
	return nil
}

func (c *SupervisorRule) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		ID       string   `yaml:"id"`
		Priority int      `yaml:"priority"`
		Cooldown dur      `yaml:"cooldown"`
		Metric   string   `yaml:"metric,omitempty"`
		Above    *float64 `yaml:"above,omitempty"`
		Below    *float64 `yaml:"below,omitempty"`
		AlertID  string   `yaml:"alert_id,omitempty"`
		Schedule string   `yaml:"schedule,omitempty"`
		Action   string   `yaml:"action"`
		Target   string   `yaml:"target,omitempty"`
		Step     int      `yaml:"step,omitempty"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = SupervisorRule{
		ID:       r.ID,
		Priority: r.Priority,
		Cooldown: time.Duration(r.Cooldown),
		Metric:   r.Metric,
		Above:    r.Above,
		Below:    r.Below,
		AlertID:  r.AlertID,
		Schedule: r.Schedule,
		Action:   r.Action,
		Target:   r.Target,
		Step:     r.Step,
	}
	return nil
}

func (c *RetentionConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		AgentTTL       dur `yaml:"agent_ttl"`
		WorkflowTTL    dur `yaml:"workflow_ttl"`
		SessionTTL     dur `yaml:"session_ttl"`
		EventTTL       dur `yaml:"event_ttl"`
		IdempotencyTTL dur `yaml:"idempotency_ttl"`
		Interval       dur `yaml:"interval"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = RetentionConfig{
		AgentTTL:       time.Duration(r.AgentTTL),
		WorkflowTTL:    time.Duration(r.WorkflowTTL),
		SessionTTL:     time.Duration(r.SessionTTL),
		EventTTL:       time.Duration(r.EventTTL),
		IdempotencyTTL: time.Duration(r.IdempotencyTTL),
		Interval:       time.Duration(r.Interval),
	}
	return nil
}
