package eventbus

// Stable event types emitted by the core. The pair (type, payload schema)
// is stable within a major version.
const (
	// Agent lifecycle
	EventAgentRegistered = "agent.registered"
	EventAgentSpawning   = "agent.spawning"
	EventAgentRunning    = "agent.running"
	EventAgentPaused     = "agent.paused"
	EventAgentResumed    = "agent.resumed"
	EventAgentCompleting = "agent.completing"
	EventAgentCompleted  = "agent.completed"
	EventAgentFailed     = "agent.failed"
	EventAgentKilled     = "agent.killed"
	EventAgentRetrying   = "agent.retrying"

	// Team lifecycle
	EventTeamCreated   = "team.created"
	EventTeamActive    = "team.active"
	EventTeamScaled    = "team.scaled"
	EventTeamPaused    = "team.paused"
	EventTeamResumed   = "team.resumed"
	EventTeamCompleted = "team.completed"
	EventTeamFailed    = "team.failed"
	EventTeamDestroyed = "team.destroyed"

	// Workflow lifecycle
	EventWorkflowStarted       = "workflow.started"
	EventWorkflowStepReady     = "workflow.step.ready"
	EventWorkflowStepRunning   = "workflow.step.running"
	EventWorkflowStepCompleted = "workflow.step.completed"
	EventWorkflowStepFailed    = "workflow.step.failed"
	EventWorkflowStepRetrying  = "workflow.step.retrying"
	EventWorkflowCompleted     = "workflow.completed"
	EventWorkflowFailed        = "workflow.failed"
	EventWorkflowCancelled     = "workflow.cancelled"

	// Budget alerts
	EventBudgetWarning  = "budget.warning"
	EventBudgetCritical = "budget.critical"
	EventBudgetExceeded = "budget.exceeded"

	// Federation
	EventClusterRegistered    = "federation.cluster.registered"
	EventClusterHealthChanged = "federation.cluster.health-changed"
	EventBreakerOpened        = "federation.breaker.opened"
	EventBreakerClosed        = "federation.breaker.closed"

	// Supervisor actions
	EventSupervisorAction       = "supervisor.action.executed"
	EventSupervisorNotification = "supervisor.notification"

	// Bus self-monitoring
	EventSubscriptionStalled = "eventbus.subscription.stalled"
)
