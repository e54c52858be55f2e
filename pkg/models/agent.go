// Package models defines the domain entities shared across the control
// plane: agents, teams, workflows, budgets, clusters, and session nodes.
// Persistence lives in pkg/store; these types carry no storage concerns
// beyond the optimistic-lock version column.
package models

import "time"

// AgentStatus is the coarse-grained agent status exposed to clients.
type AgentStatus string

// Agent status values.
const (
	AgentStatusPending      AgentStatus = "pending"
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusRunning      AgentStatus = "running"
	AgentStatusPaused       AgentStatus = "paused"
	AgentStatusCompleted    AgentStatus = "completed"
	AgentStatusFailed       AgentStatus = "failed"
	AgentStatusKilled       AgentStatus = "killed"
)

// AgentLifecycleState is the finer-grained lifecycle state used by the
// agent state machine. Exposed for UI/debugging only; clients should key
// behavior off AgentStatus.
type AgentLifecycleState string

// Agent lifecycle states. See pkg/registry for the transition table.
const (
	AgentStatePending      AgentLifecycleState = "pending"
	AgentStateInitializing AgentLifecycleState = "initializing"
	AgentStateSpawning     AgentLifecycleState = "spawning"
	AgentStateRunning      AgentLifecycleState = "running"
	AgentStatePaused       AgentLifecycleState = "paused"
	AgentStateCompleting   AgentLifecycleState = "completing"
	AgentStateCompleted    AgentLifecycleState = "completed"
	AgentStateFailed       AgentLifecycleState = "failed"
	AgentStateKilled       AgentLifecycleState = "killed"
)

// Terminal reports whether the lifecycle state accepts no further transitions.
// Failed is deliberately absent: a failed agent may still be retried or killed.
func (s AgentLifecycleState) Terminal() bool {
	return s == AgentStateCompleted || s == AgentStateKilled
}

// Status maps a lifecycle state to the coarse status clients see.
func (s AgentLifecycleState) Status() AgentStatus {
	switch s {
	case AgentStatePending:
		return AgentStatusPending
	case AgentStateInitializing, AgentStateSpawning:
		return AgentStatusInitializing
	case AgentStateRunning, AgentStateCompleting:
		return AgentStatusRunning
	case AgentStatePaused:
		return AgentStatusPaused
	case AgentStateCompleted:
		return AgentStatusCompleted
	case AgentStateFailed:
		return AgentStatusFailed
	case AgentStateKilled:
		return AgentStatusKilled
	}
	return AgentStatusPending
}

// Agent is one worker unit executing a task. It owns a worktree handle and
// a session journal for the duration of its lifetime.
type Agent struct {
	ID             string              `json:"id"`
	TeamID         string              `json:"team_id,omitempty"`
	Model          string              `json:"model"`
	Task           string              `json:"task"`
	State          AgentLifecycleState `json:"state"`
	RetryCount     int                 `json:"retry_count"`
	MaxRetries     int                 `json:"max_retries"`
	Version        int64               `json:"version"`
	WorktreePath   string              `json:"worktree_path,omitempty"`
	SessionID      string              `json:"session_id,omitempty"`
	Result         string              `json:"result,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	BudgetConsumed float64             `json:"budget_consumed"`
	SpawnedAt      *time.Time          `json:"spawned_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	DeletedAt      *time.Time          `json:"-"`
}

// Status returns the coarse-grained status derived from the lifecycle state.
func (a *Agent) Status() AgentStatus { return a.State.Status() }

// Idle reports whether the agent is waiting for work rather than executing.
// Used by scale-down selection: idle agents are terminated before running ones.
func (a *Agent) Idle() bool {
	switch a.State {
	case AgentStatePending, AgentStateInitializing, AgentStatePaused:
		return true
	}
	return false
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate the committed record.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.SpawnedAt != nil {
		t := *a.SpawnedAt
		cp.SpawnedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// AgentConfig is the request shape for registering a new agent.
type AgentConfig struct {
	TeamID     string `json:"team_id,omitempty"`
	Model      string `json:"model"`
	Task       string `json:"task"`
	MaxRetries int    `json:"max_retries,omitempty"`
}
