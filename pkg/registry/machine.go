package registry

import (
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/statemachine"
)

// AgentEvent drives the agent lifecycle machine.
type AgentEvent string

// Agent lifecycle events.
const (
	EventClaim    AgentEvent = "claim"    // spawn worker took ownership
	EventSpawn    AgentEvent = "spawn"    // worktree and session provisioned
	EventStarted  AgentEvent = "started"  // executor is running the task
	EventPause    AgentEvent = "pause"
	EventResume   AgentEvent = "resume"
	EventComplete AgentEvent = "complete" // task finished, finalizing
	EventFinalize AgentEvent = "finalize" // cleanup done
	EventFail     AgentEvent = "fail"
	EventRetry    AgentEvent = "retry" // failed agent requeued
	EventKill     AgentEvent = "kill"
)

// newAgentMachine declares the agent lifecycle transition table.
//
//	pending -> initializing -> spawning -> running -> completing -> completed
//	                                running <-> paused
//	any active state -> failed -> pending (retry) | killed
//
// completed and killed are terminal; failed is not, it can still retry or
// be killed.
func newAgentMachine() *statemachine.Machine[models.AgentLifecycleState, AgentEvent] {
	m := statemachine.New[models.AgentLifecycleState, AgentEvent]()

	m.AddTransition(models.AgentStatePending, EventClaim, models.AgentStateInitializing)
	m.AddTransition(models.AgentStateInitializing, EventSpawn, models.AgentStateSpawning)
	m.AddTransition(models.AgentStateSpawning, EventStarted, models.AgentStateRunning)
	m.AddTransition(models.AgentStateRunning, EventPause, models.AgentStatePaused)
	m.AddTransition(models.AgentStatePaused, EventResume, models.AgentStateRunning)
	m.AddTransition(models.AgentStateRunning, EventComplete, models.AgentStateCompleting)
	m.AddTransition(models.AgentStateCompleting, EventFinalize, models.AgentStateCompleted)

	for _, from := range []models.AgentLifecycleState{
		models.AgentStatePending,
		models.AgentStateInitializing,
		models.AgentStateSpawning,
		models.AgentStateRunning,
		models.AgentStatePaused,
		models.AgentStateCompleting,
	} {
		m.AddTransition(from, EventFail, models.AgentStateFailed)
		m.AddTransition(from, EventKill, models.AgentStateKilled)
	}
	m.AddTransition(models.AgentStateFailed, EventRetry, models.AgentStatePending)
	m.AddTransition(models.AgentStateFailed, EventKill, models.AgentStateKilled)

	return m
}

// busEventFor maps a lifecycle event to the bus event type announced after
// the transition commits. Claim is internal and not announced.
func busEventFor(event AgentEvent) string {
	switch event {
	case EventSpawn:
		return "agent.spawning"
	case EventStarted:
		return "agent.running"
	case EventPause:
		return "agent.paused"
	case EventResume:
		return "agent.resumed"
	case EventComplete:
		return "agent.completing"
	case EventFinalize:
		return "agent.completed"
	case EventFail:
		return "agent.failed"
	case EventRetry:
		return "agent.retrying"
	case EventKill:
		return "agent.killed"
	}
	return ""
}
