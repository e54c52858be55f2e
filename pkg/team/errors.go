package team

import (
	"errors"
	"fmt"
)

// Validation errors for team operations.
var (
	ErrNameRequired     = errors.New("team name is required")
	ErrInvalidStrategy  = errors.New("unknown team strategy")
	ErrInvalidTarget    = errors.New("scale target must be >= 0")
	ErrNoScaleTemplate  = errors.New("team has no agent template to scale up from")
	ErrStrategyMismatch = errors.New("request shape does not match the team strategy")
	ErrNotMember        = errors.New("agent does not belong to this team")
)

// CapacityError reports an operation that would push a team past its
// max-agents cap.
type CapacityError struct {
	TeamID    string
	MaxAgents int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("team %s is at its max of %d agents", e.TeamID, e.MaxAgents)
}

// TreeDepthError reports a tree spawn that would exceed the configured
// decomposition depth.
type TreeDepthError struct {
	TeamID   string
	ParentID string
	MaxDepth int
}

func (e *TreeDepthError) Error() string {
	return fmt.Sprintf("team %s: spawning under %s would exceed max tree depth %d",
		e.TeamID, e.ParentID, e.MaxDepth)
}

// AggregateError reports the unrecoverable failure that failed a team,
// carrying the agent that triggered it.
type AggregateError struct {
	TeamID  string
	AgentID string
	Reason  string
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("team %s failed: agent %s: %s", e.TeamID, e.AgentID, e.Reason)
}
