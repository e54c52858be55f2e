// Package config loads and validates the control-plane configuration from
// YAML files with environment-variable expansion. User configuration is
// merged over built-in defaults; the merged result is validated before use.
package config

import "time"

// Config is the fully merged, validated configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Agents      AgentsConfig      `yaml:"agents"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	Transaction TransactionConfig `yaml:"transaction"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	Budget      BudgetConfig      `yaml:"budget"`
	Federation  FederationConfig  `yaml:"federation"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Retention   RetentionConfig   `yaml:"retention"`
	Worktree    WorktreeConfig    `yaml:"worktree"`
}

// ServerConfig holds the HTTP surface settings consumed by the API adapter.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	AllowedWSOrigins []string      `yaml:"allowed_ws_origins"`
	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout"`
}

// AgentsConfig holds agent lifecycle settings.
type AgentsConfig struct {
	MaxPerTeam          int           `yaml:"max_per_team"`
	DefaultMaxRetries   int           `yaml:"default_max_retries"`
	GracefulKillTimeout time.Duration `yaml:"graceful_kill_timeout"`
	SpawnWorkers        int           `yaml:"spawn_workers"`
	SpawnPollInterval   time.Duration `yaml:"spawn_poll_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxTreeDepth        int           `yaml:"max_tree_depth"`
}

// BackpressurePolicy selects what happens when a subscription buffer fills.
type BackpressurePolicy string

// Backpressure policies.
const (
	BackpressureDropOldest BackpressurePolicy = "drop-oldest"
	BackpressureDropNewest BackpressurePolicy = "drop-newest"
	BackpressureBlock      BackpressurePolicy = "block"
)

// EventBusConfig holds event bus settings.
type EventBusConfig struct {
	BufferSize         int                `yaml:"buffer_size"`
	BackpressurePolicy BackpressurePolicy `yaml:"backpressure_policy"`
	StalledTimeout     time.Duration      `yaml:"stalled_timeout"`
}

// IsolationLevel names a durable-store transaction isolation level.
type IsolationLevel string

// Isolation levels.
const (
	IsolationReadCommitted  IsolationLevel = "read-committed"
	IsolationRepeatableRead IsolationLevel = "repeatable-read"
	IsolationSerializable   IsolationLevel = "serializable"
)

// TransactionConfig holds TransactionManager settings.
type TransactionConfig struct {
	DefaultIsolation IsolationLevel `yaml:"default_isolation"`
	MaxRetries       int            `yaml:"max_retries"`
	Timeout          time.Duration  `yaml:"timeout"`
	RetryBase        time.Duration  `yaml:"retry_base"`
}

// WorkflowConfig holds workflow engine settings.
type WorkflowConfig struct {
	DefaultMaxConcurrency int           `yaml:"default_max_concurrency"`
	DefaultStepTimeout    time.Duration `yaml:"default_step_timeout"`
	RetryBase             time.Duration `yaml:"retry_base"`
}

// BudgetConfig holds budget alert thresholds, as fractions in (0,1].
type BudgetConfig struct {
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
}

// FederationConfig holds cluster health and breaker settings.
type FederationConfig struct {
	StaleAfter          time.Duration `yaml:"stale_after"`
	DeadAfter           time.Duration `yaml:"dead_after"`
	BreakerFailureCount int           `yaml:"breaker_failure_count"`
	BreakerCooldown     time.Duration `yaml:"breaker_cooldown"`
	AffinityTTL         time.Duration `yaml:"affinity_ttl"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
}

// SupervisorConfig holds autonomic loop settings.
type SupervisorConfig struct {
	Tick  time.Duration    `yaml:"tick"`
	Rules []SupervisorRule `yaml:"rules"`
}

// SupervisorRule is one declared autonomic rule. Exactly one trigger field
// must be set.
type SupervisorRule struct {
	ID       string        `yaml:"id"`
	Priority int           `yaml:"priority"`
	Cooldown time.Duration `yaml:"cooldown"`

	// Triggers (one of metric threshold, alert id, cron schedule)
	Metric   string   `yaml:"metric,omitempty"`
	Above    *float64 `yaml:"above,omitempty"`
	Below    *float64 `yaml:"below,omitempty"`
	AlertID  string   `yaml:"alert_id,omitempty"`
	Schedule string   `yaml:"schedule,omitempty"` // cron expression

	// Action
	Action string `yaml:"action"` // scale-up | scale-down | restart | rebalance | notify
	Target string `yaml:"target,omitempty"`
	Step   int    `yaml:"step,omitempty"`
}

// RetentionConfig controls how long terminal records are kept before the
// cleanup loop soft-deletes them.
type RetentionConfig struct {
	AgentTTL       time.Duration `yaml:"agent_ttl"`
	WorkflowTTL    time.Duration `yaml:"workflow_ttl"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	EventTTL       time.Duration `yaml:"event_ttl"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	Interval       time.Duration `yaml:"interval"`
}

// WorktreeConfig selects the worktree provider.
type WorktreeConfig struct {
	Provider string `yaml:"provider"` // "git" | "tempdir"
	RepoRoot string `yaml:"repo_root,omitempty"`
	BaseDir  string `yaml:"base_dir,omitempty"`
}

// defaults returns the built-in configuration that user files are merged over.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			WSWriteTimeout: 10 * time.Second,
		},
		Agents: AgentsConfig{
			MaxPerTeam:          32,
			DefaultMaxRetries:   3,
			GracefulKillTimeout: 10 * time.Second,
			SpawnWorkers:        4,
			SpawnPollInterval:   250 * time.Millisecond,
			HeartbeatInterval:   5 * time.Second,
			MaxTreeDepth:        3,
		},
		EventBus: EventBusConfig{
			BufferSize:         256,
			BackpressurePolicy: BackpressureDropOldest,
			StalledTimeout:     30 * time.Second,
		},
		Transaction: TransactionConfig{
			DefaultIsolation: IsolationReadCommitted,
			MaxRetries:       3,
			Timeout:          30 * time.Second,
			RetryBase:        50 * time.Millisecond,
		},
		Workflow: WorkflowConfig{
			DefaultMaxConcurrency: 4,
			DefaultStepTimeout:    5 * time.Minute,
			RetryBase:             time.Second,
		},
		Budget: BudgetConfig{
			WarningThreshold:  0.75,
			CriticalThreshold: 0.90,
		},
		Federation: FederationConfig{
			StaleAfter:          30 * time.Second,
			DeadAfter:           2 * time.Minute,
			BreakerFailureCount: 5,
			BreakerCooldown:     60 * time.Second,
			AffinityTTL:         30 * time.Minute,
			RPCTimeout:          60 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Tick: 15 * time.Second,
		},
		Retention: RetentionConfig{
			AgentTTL:       7 * 24 * time.Hour,
			WorkflowTTL:    7 * 24 * time.Hour,
			SessionTTL:     14 * 24 * time.Hour,
			EventTTL:       24 * time.Hour,
			IdempotencyTTL: 24 * time.Hour,
			Interval:       time.Hour,
		},
		Worktree: WorktreeConfig{
			Provider: "tempdir",
		},
	}
}
