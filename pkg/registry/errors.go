package registry

import (
	"errors"
	"fmt"
)

// Validation and capacity errors surfaced to API clients.
var (
	ErrModelRequired = errors.New("agent model is required")
	ErrTaskRequired  = errors.New("agent task is required")
)

// TeamRefError reports a registration that names a missing or terminal
// team.
type TeamRefError struct {
	TeamID string
	Reason string
}

func (e *TeamRefError) Error() string {
	return fmt.Sprintf("invalid team reference %s: %s", e.TeamID, e.Reason)
}

// TeamFullError reports a registration against a team at capacity.
type TeamFullError struct {
	TeamID    string
	MaxAgents int
}

func (e *TeamFullError) Error() string {
	return fmt.Sprintf("team %s is at capacity (%d agents)", e.TeamID, e.MaxAgents)
}
