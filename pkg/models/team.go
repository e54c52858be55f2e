package models

import "time"

// TeamStrategy selects how a team drives its agents. The set is closed;
// strategy dispatch is a switch in pkg/team, not an open interface.
type TeamStrategy string

// Team strategies.
const (
	StrategyParallel  TeamStrategy = "parallel"
	StrategyMapReduce TeamStrategy = "map-reduce"
	StrategyPipeline  TeamStrategy = "pipeline"
	StrategyTree      TeamStrategy = "tree"
)

// ValidStrategy reports whether s is one of the four known strategies.
func ValidStrategy(s TeamStrategy) bool {
	switch s {
	case StrategyParallel, StrategyMapReduce, StrategyPipeline, StrategyTree:
		return true
	}
	return false
}

// TeamStatus is the team lifecycle status.
type TeamStatus string

// Team status values.
const (
	TeamStatusCreating  TeamStatus = "creating"
	TeamStatusActive    TeamStatus = "active"
	TeamStatusScaling   TeamStatus = "scaling"
	TeamStatusPaused    TeamStatus = "paused"
	TeamStatusCompleted TeamStatus = "completed"
	TeamStatusFailed    TeamStatus = "failed"
	TeamStatusDestroyed TeamStatus = "destroyed"
)

// Terminal reports whether the team accepts no further transitions.
func (s TeamStatus) Terminal() bool { return s == TeamStatusDestroyed }

// Team is a coordinated group of agents (a swarm). The team references its
// agents by id only; the AgentRegistry is the sole owner of agent records.
type Team struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Strategy        TeamStrategy      `json:"strategy"`
	Status          TeamStatus        `json:"status"`
	AgentIDs        []string          `json:"agent_ids"`
	MaxAgents       int               `json:"max_agents"`
	BudgetAllocated float64           `json:"budget_allocated,omitempty"`
	BudgetConsumed  float64           `json:"budget_consumed"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	DeletedAt       *time.Time        `json:"-"`
}

// Clone returns a deep copy.
func (t *Team) Clone() *Team {
	cp := *t
	cp.AgentIDs = append([]string(nil), t.AgentIDs...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.DeletedAt != nil {
		d := *t.DeletedAt
		cp.DeletedAt = &d
	}
	return &cp
}

// HasAgent reports whether id is in the team's agent list.
func (t *Team) HasAgent(id string) bool {
	for _, a := range t.AgentIDs {
		if a == id {
			return true
		}
	}
	return false
}

// TeamConfig is the request shape for creating a team.
type TeamConfig struct {
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Strategy        TeamStrategy      `json:"strategy"`
	MaxAgents       int               `json:"max_agents,omitempty"`
	InitialAgents   []AgentConfig     `json:"initial_agents,omitempty"`
	BudgetAllocated float64           `json:"budget_allocated,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
