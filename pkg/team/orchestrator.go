// Package team owns team records and drives execution strategies over
// their agents. Teams reference agents by id only; the registry remains
// the sole mutator of agent records.
package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/budget"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/registry"
	"github.com/hiveplane/hiveplane/pkg/statemachine"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// transitionRetries bounds the reload-and-retry loop on version conflicts.
const transitionRetries = 3

// Metadata keys holding the template scale-up clones new agents from.
const (
	metaScaleModel = "scale.model"
	metaScaleTask  = "scale.task"
)

// CancelerProvider hands out cancel triggers for agents executing on this
// node. The spawn pool implements it; nil is valid when no local executions
// need aborting.
type CancelerProvider interface {
	CancelerFor(agentID string) func() <-chan struct{}
}

// Orchestrator owns team records and their status machine.
type Orchestrator struct {
	teams     store.TeamStore
	registry  *registry.Registry
	budgets   *budget.Manager
	cancelers CancelerProvider
	bus       *eventbus.Bus
	machine   *statemachine.Machine[models.TeamStatus, TeamEvent]
	cfg       config.AgentsConfig
	logger    *slog.Logger
	trees     *treeTracker

	// poll is the interval strategies use when waiting on agent state.
	poll time.Duration
}

// NewOrchestrator creates a team orchestrator. budgets and cancelers may be
// nil; a nil budget manager disables per-team budget allocation.
func NewOrchestrator(teams store.TeamStore, reg *registry.Registry, budgets *budget.Manager, cancelers CancelerProvider, bus *eventbus.Bus, cfg config.AgentsConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		teams:     teams,
		registry:  reg,
		budgets:   budgets,
		cancelers: cancelers,
		bus:       bus,
		machine:   newTeamMachine(),
		cfg:       cfg,
		logger:    logger.With("component", "team"),
		trees:     newTreeTracker(),
		poll:      50 * time.Millisecond,
	}
}

// Create validates the config and persists the team in status creating,
// registering any initial agents. The first initial agent becomes the
// scale-up template.
func (o *Orchestrator) Create(ctx context.Context, cfg models.TeamConfig) (*models.Team, error) {
	if cfg.Name == "" {
		return nil, ErrNameRequired
	}
	if !models.ValidStrategy(cfg.Strategy) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, cfg.Strategy)
	}
	maxAgents := cfg.MaxAgents
	if maxAgents <= 0 || maxAgents > o.cfg.MaxPerTeam {
		maxAgents = o.cfg.MaxPerTeam
	}
	if len(cfg.InitialAgents) > maxAgents {
		return nil, &CapacityError{TeamID: cfg.Name, MaxAgents: maxAgents}
	}

	team := &models.Team{
		ID:              uuid.New().String(),
		Name:            cfg.Name,
		Description:     cfg.Description,
		Strategy:        cfg.Strategy,
		Status:          models.TeamStatusCreating,
		MaxAgents:       maxAgents,
		BudgetAllocated: cfg.BudgetAllocated,
		Metadata:        map[string]string{},
	}
	for k, v := range cfg.Metadata {
		team.Metadata[k] = v
	}
	if len(cfg.InitialAgents) > 0 {
		team.Metadata[metaScaleModel] = cfg.InitialAgents[0].Model
		team.Metadata[metaScaleTask] = cfg.InitialAgents[0].Task
	}

	if err := o.teams.Create(ctx, team); err != nil {
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	if o.budgets != nil && cfg.BudgetAllocated > 0 {
		if _, err := o.budgets.Create(ctx, budget.CreateRequest{
			EntityID: team.ID,
			Level:    models.BudgetLevelTeam,
			Total:    cfg.BudgetAllocated,
		}); err != nil {
			return nil, fmt.Errorf("failed to allocate team budget: %w", err)
		}
	}

	for _, agentCfg := range cfg.InitialAgents {
		agentCfg.TeamID = team.ID
		agent, err := o.registry.Register(ctx, agentCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to register initial agent: %w", err)
		}
		team.AgentIDs = append(team.AgentIDs, agent.ID)
	}
	if len(team.AgentIDs) > 0 {
		if err := o.teams.Update(ctx, team); err != nil {
			return nil, fmt.Errorf("failed to record initial agents: %w", err)
		}
	}

	o.announce(ctx, eventbus.EventTeamCreated, team, nil)
	o.logger.Info("team created",
		"team_id", team.ID, "name", team.Name, "strategy", team.Strategy,
		"initial_agents", len(team.AgentIDs))
	return team, nil
}

// Get returns the team by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Team, error) {
	return o.teams.Get(ctx, id)
}

// List returns teams matching the filter.
func (o *Orchestrator) List(ctx context.Context, filter store.TeamFilter) ([]*models.Team, error) {
	return o.teams.List(ctx, filter)
}

// Members resolves the team's agents through the registry.
func (o *Orchestrator) Members(ctx context.Context, id string) ([]*models.Agent, error) {
	if _, err := o.teams.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.registry.ListByTeam(ctx, id)
}

// Start activates a created team. A team with no agents activates empty
// and scales up on demand.
func (o *Orchestrator) Start(ctx context.Context, id string) (*models.Team, error) {
	return o.transition(ctx, id, EventStart, nil)
}

// Pause suspends the team and every running member.
func (o *Orchestrator) Pause(ctx context.Context, id string) (*models.Team, error) {
	team, err := o.transition(ctx, id, EventPause, nil)
	if err != nil {
		return nil, err
	}
	o.eachMember(ctx, team, func(a *models.Agent) error {
		if a.State != models.AgentStateRunning {
			return nil
		}
		_, err := o.registry.Pause(ctx, a.ID)
		return err
	})
	return team, nil
}

// Resume reactivates a paused team and its paused members.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*models.Team, error) {
	team, err := o.transition(ctx, id, EventResume, nil)
	if err != nil {
		return nil, err
	}
	o.eachMember(ctx, team, func(a *models.Agent) error {
		if a.State != models.AgentStatePaused {
			return nil
		}
		_, err := o.registry.Resume(ctx, a.ID)
		return err
	})
	return team, nil
}

// Complete marks the team completed, rolling member budget consumption up
// into the team record.
func (o *Orchestrator) Complete(ctx context.Context, id string) (*models.Team, error) {
	members, err := o.registry.ListByTeam(ctx, id)
	if err != nil {
		return nil, err
	}
	var consumed float64
	for _, a := range members {
		consumed += a.BudgetConsumed
	}
	return o.transition(ctx, id, EventComplete, func(t *models.Team) {
		t.BudgetConsumed = consumed
	})
}

// Fail marks the team failed with the aggregate cause.
func (o *Orchestrator) Fail(ctx context.Context, id string, cause error) (*models.Team, error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	team, err := o.transition(ctx, id, EventFail, func(t *models.Team) {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		t.Metadata["failure"] = reason
	})
	if err != nil {
		return nil, err
	}
	o.logger.Warn("team failed", "team_id", id, "reason", reason)
	return team, nil
}

// Destroy kills every non-terminal member, marks the team destroyed, and
// soft-deletes the record.
func (o *Orchestrator) Destroy(ctx context.Context, id string) error {
	var cancelerFor func(string) func() <-chan struct{}
	if o.cancelers != nil {
		cancelerFor = o.cancelers.CancelerFor
	}
	if err := o.registry.KillByTeam(ctx, id, cancelerFor); err != nil {
		return err
	}
	if _, err := o.transition(ctx, id, EventDestroy, nil); err != nil {
		return err
	}
	o.trees.drop(id)
	if err := o.teams.SoftDelete(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to soft-delete team: %w", err)
	}
	o.logger.Info("team destroyed", "team_id", id)
	return nil
}

// AddAgent registers a new member, honoring the team's max-agents cap.
func (o *Orchestrator) AddAgent(ctx context.Context, teamID string, cfg models.AgentConfig) (*models.Agent, error) {
	team, err := o.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if len(team.AgentIDs) >= team.MaxAgents {
		return nil, &CapacityError{TeamID: teamID, MaxAgents: team.MaxAgents}
	}
	cfg.TeamID = teamID
	agent, err := o.registry.Register(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := o.update(ctx, teamID, func(t *models.Team) error {
		if len(t.AgentIDs) >= t.MaxAgents {
			return &CapacityError{TeamID: teamID, MaxAgents: t.MaxAgents}
		}
		t.AgentIDs = append(t.AgentIDs, agent.ID)
		return nil
	}); err != nil {
		return nil, err
	}
	return agent, nil
}

// RemoveAgent kills the member and drops it from the team's roster.
func (o *Orchestrator) RemoveAgent(ctx context.Context, teamID, agentID string) error {
	team, err := o.teams.Get(ctx, teamID)
	if err != nil {
		return err
	}
	if !team.HasAgent(agentID) {
		return fmt.Errorf("%w: agent %s, team %s", ErrNotMember, agentID, teamID)
	}
	if _, err := o.registry.Kill(ctx, agentID, o.cancelerFor(agentID)); err != nil {
		var invalid *statemachine.InvalidTransitionError[models.AgentLifecycleState, registry.AgentEvent]
		if !errors.As(err, &invalid) {
			return err
		}
		// Already terminal; dropping it from the roster is still valid.
	}
	return o.update(ctx, teamID, func(t *models.Team) error {
		kept := t.AgentIDs[:0]
		for _, id := range t.AgentIDs {
			if id != agentID {
				kept = append(kept, id)
			}
		}
		t.AgentIDs = kept
		return nil
	})
}

// Scale resizes the team to target active agents. Scale-up clones the
// team's template agent; scale-down terminates members preferring idle
// over running, then higher retry count, then oldest spawn. Announces
// team.scaled{previous, new}.
func (o *Orchestrator) Scale(ctx context.Context, teamID string, target int) (*models.Team, error) {
	if target < 0 {
		return nil, ErrInvalidTarget
	}
	team, err := o.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if target > team.MaxAgents {
		return nil, &CapacityError{TeamID: teamID, MaxAgents: team.MaxAgents}
	}

	members, err := o.registry.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	active := make([]*models.Agent, 0, len(members))
	for _, a := range members {
		if !a.State.Terminal() {
			active = append(active, a)
		}
	}
	previous := len(active)

	team, err = o.transition(ctx, teamID, EventScale, nil)
	if err != nil {
		return nil, err
	}

	switch delta := target - previous; {
	case delta > 0:
		if err := o.scaleUp(ctx, team, delta); err != nil {
			// Restore active so the failed resize does not wedge the team.
			if _, terr := o.transition(ctx, teamID, EventScaled, nil); terr != nil {
				o.logger.Error("failed to leave scaling after error",
					"team_id", teamID, "error", terr)
			}
			return nil, err
		}
	case delta < 0:
		o.scaleDown(ctx, team, active, -delta)
	}

	team, err = o.transition(ctx, teamID, EventScaled, nil)
	if err != nil {
		return nil, err
	}
	o.announce(ctx, eventbus.EventTeamScaled, team, map[string]any{
		"previous": previous,
		"new":      target,
	})
	o.logger.Info("team scaled", "team_id", teamID, "previous", previous, "new", target)
	return team, nil
}

func (o *Orchestrator) scaleUp(ctx context.Context, team *models.Team, n int) error {
	model := team.Metadata[metaScaleModel]
	task := team.Metadata[metaScaleTask]
	if model == "" || task == "" {
		return ErrNoScaleTemplate
	}
	for i := 0; i < n; i++ {
		agent, err := o.registry.Register(ctx, models.AgentConfig{
			TeamID: team.ID,
			Model:  model,
			Task:   task,
		})
		if err != nil {
			return fmt.Errorf("failed to scale up: %w", err)
		}
		if err := o.update(ctx, team.ID, func(t *models.Team) error {
			t.AgentIDs = append(t.AgentIDs, agent.ID)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) scaleDown(ctx context.Context, team *models.Team, active []*models.Agent, n int) {
	for _, victim := range scaleDownOrder(active)[:min(n, len(active))] {
		if _, err := o.registry.Kill(ctx, victim.ID, o.cancelerFor(victim.ID)); err != nil {
			o.logger.Error("failed to terminate agent during scale-down",
				"team_id", team.ID, "agent_id", victim.ID, "error", err)
		}
	}
}

// scaleDownOrder sorts termination candidates: idle before running, then
// higher retry count, then oldest spawned-at. Ties break on id for
// determinism.
func scaleDownOrder(agents []*models.Agent) []*models.Agent {
	out := append([]*models.Agent(nil), agents...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Idle() != b.Idle() {
			return a.Idle()
		}
		if a.RetryCount != b.RetryCount {
			return a.RetryCount > b.RetryCount
		}
		at, bt := spawnTime(a), spawnTime(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.ID < b.ID
	})
	return out
}

func spawnTime(a *models.Agent) time.Time {
	if a.SpawnedAt != nil {
		return *a.SpawnedAt
	}
	return a.CreatedAt
}

// transition fires a status event for the team, applying mutate between
// the machine decision and the store commit, retrying on version
// conflicts the same way the registry does for agents.
func (o *Orchestrator) transition(ctx context.Context, id string, event TeamEvent, mutate func(*models.Team)) (*models.Team, error) {
	var lastErr error
	for attempt := 0; attempt < transitionRetries; attempt++ {
		team, err := o.teams.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := o.machine.Fire(ctx, id, team.Status, event)
		if err != nil {
			return nil, err
		}

		team.Status = next
		if mutate != nil {
			mutate(team)
		}
		if err := o.teams.Update(ctx, team); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("failed to commit team transition: %w", err)
		}

		// Scaled announces separately with the size payload.
		if busType := busEventFor(event); busType != "" && event != EventScaled {
			o.announce(ctx, busType, team, nil)
		}
		return team, nil
	}
	return nil, fmt.Errorf("transition %s for team %s kept conflicting: %w", event, id, lastErr)
}

// update applies mutate to the team record with conflict retries and no
// status change.
func (o *Orchestrator) update(ctx context.Context, id string, mutate func(*models.Team) error) error {
	var lastErr error
	for attempt := 0; attempt < transitionRetries; attempt++ {
		team, err := o.teams.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(team); err != nil {
			return err
		}
		err = o.teams.Update(ctx, team)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("team %s update kept conflicting: %w", id, lastErr)
}

func (o *Orchestrator) eachMember(ctx context.Context, team *models.Team, fn func(*models.Agent) error) {
	members, err := o.registry.ListByTeam(ctx, team.ID)
	if err != nil {
		o.logger.Error("failed to list team members", "team_id", team.ID, "error", err)
		return
	}
	for _, a := range members {
		if err := fn(a); err != nil {
			o.logger.Error("member operation failed",
				"team_id", team.ID, "agent_id", a.ID, "error", err)
		}
	}
}

func (o *Orchestrator) cancelerFor(agentID string) func() <-chan struct{} {
	if o.cancelers == nil {
		return nil
	}
	return o.cancelers.CancelerFor(agentID)
}

func (o *Orchestrator) announce(ctx context.Context, eventType string, team *models.Team, extra map[string]any) {
	payload := map[string]any{
		"team_id":  team.ID,
		"name":     team.Name,
		"status":   string(team.Status),
		"strategy": string(team.Strategy),
		"agents":   len(team.AgentIDs),
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := eventbus.New(eventType, "team", payload).WithMeta(eventbus.Metadata{
		TeamID: team.ID,
	})
	if _, err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Error("failed to publish team event",
			"event_type", eventType, "team_id", team.ID, "error", err)
	}
}
