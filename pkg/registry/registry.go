// Package registry owns agent records and their lifecycle state machine.
// Every state change goes through Transition, which commits the new state
// with optimistic locking and announces it on the event bus only after the
// commit succeeds.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/statemachine"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// transitionRetries bounds the reload-and-retry loop on version conflicts.
const transitionRetries = 3

// TeamLookup resolves team references at registration time.
// store.TeamStore satisfies it.
type TeamLookup interface {
	Get(ctx context.Context, id string) (*models.Team, error)
}

// Registry is the authoritative owner of agent records.
type Registry struct {
	agents   store.AgentStore
	sessions store.SessionStore
	teams    TeamLookup
	bus      *eventbus.Bus
	machine  *statemachine.Machine[models.AgentLifecycleState, AgentEvent]
	cfg      config.AgentsConfig
	logger   *slog.Logger
}

// New creates an agent registry.
func New(agents store.AgentStore, sessions store.SessionStore, teams TeamLookup, bus *eventbus.Bus, cfg config.AgentsConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:   agents,
		sessions: sessions,
		teams:    teams,
		bus:      bus,
		machine:  newAgentMachine(),
		cfg:      cfg,
		logger:   logger.With("component", "registry"),
	}
}

// checkTeamRef rejects registrations that name a missing or terminal team.
func (r *Registry) checkTeamRef(ctx context.Context, teamID string) error {
	team, err := r.teams.Get(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return &TeamRefError{TeamID: teamID, Reason: "team does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to resolve team %s: %w", teamID, err)
	}
	if team.Status.Terminal() {
		return &TeamRefError{TeamID: teamID, Reason: "team is " + string(team.Status)}
	}
	return nil
}

// Register validates the config and creates a pending agent with a fresh
// session journal. The spawn pool picks it up from the pending state.
func (r *Registry) Register(ctx context.Context, cfg models.AgentConfig) (*models.Agent, error) {
	if cfg.Model == "" {
		return nil, ErrModelRequired
	}
	if cfg.Task == "" {
		return nil, ErrTaskRequired
	}
	if cfg.TeamID != "" {
		if err := r.checkTeamRef(ctx, cfg.TeamID); err != nil {
			return nil, err
		}
		members, err := r.agents.List(ctx, store.AgentFilter{TeamID: cfg.TeamID})
		if err != nil {
			return nil, fmt.Errorf("failed to check team capacity: %w", err)
		}
		if len(members) >= r.cfg.MaxPerTeam {
			return nil, &TeamFullError{TeamID: cfg.TeamID, MaxAgents: r.cfg.MaxPerTeam}
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.DefaultMaxRetries
	}

	agent := &models.Agent{
		ID:         uuid.New().String(),
		TeamID:     cfg.TeamID,
		Model:      cfg.Model,
		Task:       cfg.Task,
		State:      models.AgentStatePending,
		MaxRetries: maxRetries,
		SessionID:  uuid.New().String(),
	}
	if err := r.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	if err := r.sessions.CreateSession(ctx, &models.Session{
		ID:            agent.SessionID,
		AgentID:       agent.ID,
		CurrentBranch: "main",
	}); err != nil {
		return nil, fmt.Errorf("failed to create agent session: %w", err)
	}

	r.announce(ctx, eventbus.EventAgentRegistered, agent, nil)
	r.logger.Info("agent registered",
		"agent_id", agent.ID, "team_id", agent.TeamID, "model", agent.Model)
	return agent, nil
}

// RegisterMany creates a batch of pending agents atomically: either every
// agent record commits or none does. Registration events for the batch
// occupy a contiguous sequence range on the bus.
func (r *Registry) RegisterMany(ctx context.Context, cfgs []models.AgentConfig) ([]*models.Agent, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}

	// Per-team capacity accounts for earlier agents in the same batch.
	pending := make(map[string]int)
	checked := make(map[string]bool)
	agents := make([]*models.Agent, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Model == "" {
			return nil, ErrModelRequired
		}
		if cfg.Task == "" {
			return nil, ErrTaskRequired
		}
		if cfg.TeamID != "" {
			if !checked[cfg.TeamID] {
				if err := r.checkTeamRef(ctx, cfg.TeamID); err != nil {
					return nil, err
				}
				checked[cfg.TeamID] = true
			}
			members, err := r.agents.List(ctx, store.AgentFilter{TeamID: cfg.TeamID})
			if err != nil {
				return nil, fmt.Errorf("failed to check team capacity: %w", err)
			}
			if len(members)+pending[cfg.TeamID] >= r.cfg.MaxPerTeam {
				return nil, &TeamFullError{TeamID: cfg.TeamID, MaxAgents: r.cfg.MaxPerTeam}
			}
			pending[cfg.TeamID]++
		}

		maxRetries := cfg.MaxRetries
		if maxRetries <= 0 {
			maxRetries = r.cfg.DefaultMaxRetries
		}
		agents = append(agents, &models.Agent{
			ID:         uuid.New().String(),
			TeamID:     cfg.TeamID,
			Model:      cfg.Model,
			Task:       cfg.Task,
			State:      models.AgentStatePending,
			MaxRetries: maxRetries,
			SessionID:  uuid.New().String(),
		})
	}

	if err := r.agents.CreateMany(ctx, agents); err != nil {
		return nil, fmt.Errorf("failed to create agent batch: %w", err)
	}

	events := make([]*eventbus.Event, 0, len(agents))
	for _, agent := range agents {
		if err := r.sessions.CreateSession(ctx, &models.Session{
			ID:            agent.SessionID,
			AgentID:       agent.ID,
			CurrentBranch: "main",
		}); err != nil {
			r.logger.Error("failed to create agent session",
				"agent_id", agent.ID, "error", err)
		}
		events = append(events, eventbus.New(eventbus.EventAgentRegistered, "registry", map[string]any{
			"agent_id": agent.ID,
			"state":    string(agent.State),
			"status":   string(agent.Status()),
		}).WithMeta(eventbus.Metadata{AgentID: agent.ID, TeamID: agent.TeamID}))
	}
	if _, err := r.bus.PublishBatch(ctx, events); err != nil {
		r.logger.Error("failed to publish registration batch", "error", err)
	}
	r.logger.Info("agent batch registered", "count", len(agents))
	return agents, nil
}

// Get returns the agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	return r.agents.Get(ctx, id)
}

// List returns agents matching the filter.
func (r *Registry) List(ctx context.Context, filter store.AgentFilter) ([]*models.Agent, error) {
	return r.agents.List(ctx, filter)
}

// ListByTeam returns the agents belonging to a team.
func (r *Registry) ListByTeam(ctx context.Context, teamID string) ([]*models.Agent, error) {
	return r.agents.List(ctx, store.AgentFilter{TeamID: teamID})
}

// CountByState returns agent counts grouped by lifecycle state.
func (r *Registry) CountByState(ctx context.Context) (map[models.AgentLifecycleState]int, error) {
	return r.agents.CountByState(ctx)
}

// Transition fires a lifecycle event for the agent, applying mutate to the
// record between the machine decision and the store commit. On a version
// conflict the agent is reloaded and the event re-fired, so a concurrent
// unrelated update (for example a budget tick) does not fail the
// transition, while a conflicting state change surfaces as an invalid
// transition from the fresh state.
func (r *Registry) Transition(ctx context.Context, id string, event AgentEvent, mutate func(*models.Agent)) (*models.Agent, error) {
	var lastErr error
	for attempt := 0; attempt < transitionRetries; attempt++ {
		agent, err := r.agents.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := r.machine.Fire(ctx, id, agent.State, event)
		if err != nil {
			return nil, err
		}

		agent.State = next
		if mutate != nil {
			mutate(agent)
		}
		if err := r.agents.Update(ctx, agent); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("failed to commit transition: %w", err)
		}

		if busType := busEventFor(event); busType != "" {
			r.announce(ctx, busType, agent, nil)
		}
		return agent, nil
	}
	return nil, fmt.Errorf("transition %s for agent %s kept conflicting: %w", event, id, lastErr)
}

// Pause suspends a running agent.
func (r *Registry) Pause(ctx context.Context, id string) (*models.Agent, error) {
	return r.Transition(ctx, id, EventPause, nil)
}

// Resume reactivates a paused agent.
func (r *Registry) Resume(ctx context.Context, id string) (*models.Agent, error) {
	return r.Transition(ctx, id, EventResume, nil)
}

// Complete records a successful result and walks the agent through
// completing to completed.
func (r *Registry) Complete(ctx context.Context, id string, result *ExecutionResult) (*models.Agent, error) {
	if _, err := r.Transition(ctx, id, EventComplete, nil); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return r.Transition(ctx, id, EventFinalize, func(a *models.Agent) {
		if result != nil {
			a.Result = result.Output
			a.BudgetConsumed += result.Cost
		}
		a.CompletedAt = &now
	})
}

// Fail marks the agent failed, or requeues it when retries remain. The
// returned agent is in state failed or pending.
func (r *Registry) Fail(ctx context.Context, id string, cause error) (*models.Agent, error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	agent, err := r.Transition(ctx, id, EventFail, func(a *models.Agent) {
		a.LastError = reason
	})
	if err != nil {
		return nil, err
	}

	if agent.RetryCount >= agent.MaxRetries {
		return agent, nil
	}
	return r.Retry(ctx, id)
}

// Retry requeues a failed agent for another spawn attempt.
func (r *Registry) Retry(ctx context.Context, id string) (*models.Agent, error) {
	return r.Transition(ctx, id, EventRetry, func(a *models.Agent) {
		a.RetryCount++
		a.WorktreePath = ""
	})
}

// RecordUsage adds cost to the agent's consumed budget without a state
// change. The increment is a single atomic statement in the store, so
// concurrent usage reports never lose updates.
func (r *Registry) RecordUsage(ctx context.Context, id string, cost float64) error {
	_, err := r.agents.AddUsage(ctx, id, cost)
	return err
}

// Kill terminates the agent. canceler aborts in-flight execution (nil when
// the agent is not running anywhere); the method waits up to the graceful
// timeout for the executor to stop before committing the killed state.
func (r *Registry) Kill(ctx context.Context, id string, canceler func() <-chan struct{}) (*models.Agent, error) {
	agent, err := r.agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Repeated kills converge: a retried API call or a sweep hitting an
	// already-killed agent succeeds without firing the machine again.
	if agent.State == models.AgentStateKilled {
		return agent, nil
	}

	if canceler != nil {
		done := canceler()
		if done != nil {
			select {
			case <-done:
			case <-time.After(r.cfg.GracefulKillTimeout):
				r.logger.Warn("graceful kill timed out, forcing",
					"agent_id", id, "timeout", r.cfg.GracefulKillTimeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	now := time.Now().UTC()
	return r.Transition(ctx, id, EventKill, func(a *models.Agent) {
		a.CompletedAt = &now
	})
}

// KillByTeam kills every non-terminal agent of a team. Errors on single
// agents are logged, not fatal; the sweep continues.
func (r *Registry) KillByTeam(ctx context.Context, teamID string, cancelerFor func(agentID string) func() <-chan struct{}) error {
	agents, err := r.ListByTeam(ctx, teamID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if agent.State.Terminal() {
			continue
		}
		var canceler func() <-chan struct{}
		if cancelerFor != nil {
			canceler = cancelerFor(agent.ID)
		}
		if _, err := r.Kill(ctx, agent.ID, canceler); err != nil {
			r.logger.Error("failed to kill team agent",
				"team_id", teamID, "agent_id", agent.ID, "error", err)
		}
	}
	return nil
}

// RecoverStartupOrphans requeues agents stuck in initializing or spawning
// from a previous run of this node. Called once during startup, before the
// spawn pool begins claiming.
func (r *Registry) RecoverStartupOrphans(ctx context.Context) (int, error) {
	stuck, err := r.agents.List(ctx, store.AgentFilter{
		States: []models.AgentLifecycleState{
			models.AgentStateInitializing,
			models.AgentStateSpawning,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan for orphans: %w", err)
	}
	recovered := 0
	for _, agent := range stuck {
		if _, err := r.Transition(ctx, agent.ID, EventFail, func(a *models.Agent) {
			a.LastError = "orphaned: node restarted during spawn"
		}); err != nil {
			r.logger.Error("failed to fail orphan", "agent_id", agent.ID, "error", err)
			continue
		}
		if _, err := r.Retry(ctx, agent.ID); err != nil {
			r.logger.Error("failed to requeue orphan", "agent_id", agent.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.Warn("recovered startup orphans", "count", recovered)
	}
	return recovered, nil
}

func (r *Registry) announce(ctx context.Context, eventType string, agent *models.Agent, extra map[string]any) {
	payload := map[string]any{
		"agent_id": agent.ID,
		"state":    string(agent.State),
		"status":   string(agent.Status()),
	}
	if agent.LastError != "" {
		payload["error"] = agent.LastError
	}
	if agent.RetryCount > 0 {
		payload["retry_count"] = agent.RetryCount
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := eventbus.New(eventType, "registry", payload).WithMeta(eventbus.Metadata{
		AgentID: agent.ID,
		TeamID:  agent.TeamID,
	})
	if _, err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Error("failed to publish agent event",
			"event_type", eventType, "agent_id", agent.ID, "error", err)
	}
}
