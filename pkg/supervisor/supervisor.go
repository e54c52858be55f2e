// Package supervisor runs the autonomic control loop. Declared rules are
// evaluated on a periodic tick; a rule whose trigger fires executes its
// action against the team orchestrator and is then muted for its cooldown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// Rule actions.
const (
	ActionScaleUp   = "scale-up"
	ActionScaleDown = "scale-down"
	ActionRestart   = "restart"
	ActionRebalance = "rebalance"
	ActionNotify    = "notify"
)

// MetricSource supplies current metric values by name.
type MetricSource interface {
	Value(name string) (float64, bool)
}

// TeamControl is the slice of the orchestrator the supervisor drives.
type TeamControl interface {
	Get(ctx context.Context, id string) (*models.Team, error)
	List(ctx context.Context, filter store.TeamFilter) ([]*models.Team, error)
	Members(ctx context.Context, id string) ([]*models.Agent, error)
	Scale(ctx context.Context, teamID string, target int) (*models.Team, error)
}

// AgentControl is the slice of the registry the supervisor drives.
type AgentControl interface {
	Retry(ctx context.Context, id string) (*models.Agent, error)
}

// Supervisor evaluates rules and issues control commands.
type Supervisor struct {
	teams   TeamControl
	agents  AgentControl
	metrics MetricSource
	bus     *eventbus.Bus
	cfg     config.SupervisorConfig
	logger  *slog.Logger
	now     func() time.Time

	rules     []config.SupervisorRule
	schedules map[string]cron.Schedule

	mu       sync.Mutex
	muted    map[string]time.Time
	alerts   map[string]int
	lastTick time.Time
}

// New creates a supervisor. Rules with an unparsable cron schedule are
// rejected here rather than silently skipped at tick time.
func New(teams TeamControl, agents AgentControl, metrics MetricSource, bus *eventbus.Bus, cfg config.SupervisorConfig, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := append([]config.SupervisorRule(nil), cfg.Rules...)
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	schedules := make(map[string]cron.Schedule)
	for _, r := range rules {
		if r.Schedule == "" {
			continue
		}
		sched, err := cron.ParseStandard(r.Schedule)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid schedule %q: %w", r.ID, r.Schedule, err)
		}
		schedules[r.ID] = sched
	}
	return &Supervisor{
		teams:     teams,
		agents:    agents,
		metrics:   metrics,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		now:       time.Now,
		rules:     rules,
		schedules: schedules,
		muted:     make(map[string]time.Time),
		alerts:    make(map[string]int),
		lastTick:  time.Now(),
	}, nil
}

// Start subscribes to the alert events the rules watch and runs the tick
// loop until the context is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	patterns := s.alertPatterns()
	if len(patterns) > 0 && s.bus != nil {
		_, err := s.bus.Subscribe(ctx, func(_ context.Context, e *eventbus.Event) {
			s.mu.Lock()
			s.alerts[e.Type]++
			s.mu.Unlock()
		}, eventbus.SubscribeOptions{}, patterns...)
		if err != nil {
			return fmt.Errorf("failed to subscribe to alerts: %w", err)
		}
	}

	tick := s.cfg.Tick
	if tick <= 0 {
		tick = 15 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	s.logger.Info("supervisor started", "rules", len(s.rules), "tick", tick)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Supervisor) alertPatterns() []string {
	seen := map[string]bool{}
	var patterns []string
	for _, r := range s.rules {
		if r.AlertID != "" && !seen[r.AlertID] {
			seen[r.AlertID] = true
			patterns = append(patterns, r.AlertID)
		}
	}
	return patterns
}

// Tick evaluates every rule once, in priority order.
func (s *Supervisor) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	alerts := s.alerts
	s.alerts = make(map[string]int)
	last := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	for _, rule := range s.rules {
		s.mu.Lock()
		until, isMuted := s.muted[rule.ID]
		s.mu.Unlock()
		if isMuted && now.Before(until) {
			continue
		}
		if !s.triggered(rule, now, last, alerts) {
			continue
		}
		if err := s.execute(ctx, rule); err != nil {
			s.logger.Error("rule action failed", "rule_id", rule.ID, "action", rule.Action, "error", err)
			continue
		}
		s.mu.Lock()
		s.muted[rule.ID] = now.Add(rule.Cooldown)
		s.mu.Unlock()
		s.announce(ctx, eventbus.EventSupervisorAction, map[string]any{
			"rule_id": rule.ID,
			"action":  rule.Action,
			"target":  rule.Target,
		})
	}
}

func (s *Supervisor) triggered(rule config.SupervisorRule, now, last time.Time, alerts map[string]int) bool {
	switch {
	case rule.Metric != "":
		if s.metrics == nil {
			return false
		}
		v, ok := s.metrics.Value(rule.Metric)
		if !ok {
			return false
		}
		if rule.Above != nil && v > *rule.Above {
			return true
		}
		if rule.Below != nil && v < *rule.Below {
			return true
		}
		return false
	case rule.AlertID != "":
		return alerts[rule.AlertID] > 0
	case rule.Schedule != "":
		sched, ok := s.schedules[rule.ID]
		if !ok {
			return false
		}
		next := sched.Next(last)
		return !next.After(now)
	default:
		return false
	}
}

func (s *Supervisor) execute(ctx context.Context, rule config.SupervisorRule) error {
	step := rule.Step
	if step <= 0 {
		step = 1
	}
	switch rule.Action {
	case ActionScaleUp:
		team, err := s.teams.Get(ctx, rule.Target)
		if err != nil {
			return err
		}
		_, err = s.teams.Scale(ctx, rule.Target, len(team.AgentIDs)+step)
		return err
	case ActionScaleDown:
		team, err := s.teams.Get(ctx, rule.Target)
		if err != nil {
			return err
		}
		target := len(team.AgentIDs) - step
		if target < 1 {
			target = 1
		}
		if target == len(team.AgentIDs) {
			return nil
		}
		_, err = s.teams.Scale(ctx, rule.Target, target)
		return err
	case ActionRestart:
		return s.restartFailed(ctx, rule.Target)
	case ActionRebalance:
		return s.rebalance(ctx)
	case ActionNotify:
		s.announce(ctx, eventbus.EventSupervisorNotification, map[string]any{
			"rule_id": rule.ID,
			"target":  rule.Target,
		})
		return nil
	default:
		return fmt.Errorf("unknown action %q", rule.Action)
	}
}

// restartFailed re-queues the team's failed members.
func (s *Supervisor) restartFailed(ctx context.Context, teamID string) error {
	members, err := s.teams.Members(ctx, teamID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, a := range members {
		if a.State != models.AgentStateFailed {
			continue
		}
		if _, err := s.agents.Retry(ctx, a.ID); err != nil {
			s.logger.Warn("failed to restart agent", "agent_id", a.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// rebalance evens member counts across active teams by scaling each toward
// the mean roster size.
func (s *Supervisor) rebalance(ctx context.Context) error {
	teams, err := s.teams.List(ctx, store.TeamFilter{Statuses: []models.TeamStatus{models.TeamStatusActive}})
	if err != nil {
		return err
	}
	if len(teams) == 0 {
		return nil
	}
	total := 0
	for _, t := range teams {
		total += len(t.AgentIDs)
	}
	mean := (total + len(teams) - 1) / len(teams)
	if mean < 1 {
		mean = 1
	}
	var firstErr error
	for _, t := range teams {
		if len(t.AgentIDs) == mean {
			continue
		}
		if _, err := s.teams.Scale(ctx, t.ID, mean); err != nil {
			s.logger.Warn("rebalance scale failed", "team_id", t.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Supervisor) announce(ctx context.Context, eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	event := eventbus.New(eventType, "supervisor", payload)
	if _, err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish supervisor event", "type", eventType, "error", err)
	}
}
