// Package metrics exposes Prometheus collectors for the control plane and
// feeds the supervisor's metric triggers. Event-driven counters come from
// a wildcard bus subscription; population gauges come from a store poll.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// AgentCounter reports the live agent population by lifecycle state.
type AgentCounter interface {
	CountByState(ctx context.Context) (map[models.AgentLifecycleState]int, error)
}

// Service owns the Prometheus registry and the value snapshot used by the
// supervisor. Value names mirror the Prometheus families without the
// hiveplane prefix, e.g. "agents.failed" or "teams.active".
type Service struct {
	registry *prometheus.Registry
	bus      *eventbus.Bus
	agents   AgentCounter
	teams    store.TeamStore
	logger   *slog.Logger

	eventsTotal *prometheus.CounterVec
	agentsGauge *prometheus.GaugeVec
	teamsGauge  *prometheus.GaugeVec
	stepsTotal  *prometheus.CounterVec
	alertsTotal *prometheus.CounterVec
	breakerOpen *prometheus.GaugeVec

	mu     sync.RWMutex
	values map[string]float64
}

// New creates the metrics service and registers all collectors.
func New(bus *eventbus.Bus, agents AgentCounter, teams store.TeamStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Service{
		registry: reg,
		bus:      bus,
		agents:   agents,
		teams:    teams,
		logger:   logger.With("component", "metrics"),
		values:   make(map[string]float64),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hiveplane_events_total",
			Help: "Events published on the bus, by type.",
		}, []string{"type"}),
		agentsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hiveplane_agents",
			Help: "Live agents by lifecycle state.",
		}, []string{"state"}),
		teamsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hiveplane_teams",
			Help: "Teams by status.",
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hiveplane_workflow_steps_total",
			Help: "Workflow step completions by outcome.",
		}, []string{"outcome"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hiveplane_budget_alerts_total",
			Help: "Budget alerts by severity.",
		}, []string{"severity"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hiveplane_breaker_open",
			Help: "Per-cluster circuit breaker state (1 = open).",
		}, []string{"cluster"}),
	}
	reg.MustRegister(s.eventsTotal, s.agentsGauge, s.teamsGauge, s.stepsTotal, s.alertsTotal, s.breakerOpen)
	return s
}

// Start subscribes to the bus and begins the polling loop.
func (s *Service) Start(ctx context.Context, poll time.Duration) error {
	if s.bus != nil {
		_, err := s.bus.Subscribe(ctx, s.observe, eventbus.SubscribeOptions{}, "**")
		if err != nil {
			return err
		}
	}
	if poll <= 0 {
		poll = 10 * time.Second
	}
	go s.pollLoop(ctx, poll)
	return nil
}

// observe folds one bus event into the counters.
func (s *Service) observe(_ context.Context, e *eventbus.Event) {
	s.eventsTotal.WithLabelValues(e.Type).Inc()
	s.bump("events."+e.Type, 1)

	switch {
	case e.Type == eventbus.EventWorkflowStepCompleted:
		s.stepsTotal.WithLabelValues("completed").Inc()
	case e.Type == eventbus.EventWorkflowStepFailed:
		s.stepsTotal.WithLabelValues("failed").Inc()
	case e.Type == eventbus.EventWorkflowStepRetrying:
		s.stepsTotal.WithLabelValues("retrying").Inc()
	case e.Type == eventbus.EventBudgetWarning:
		s.alertsTotal.WithLabelValues("warning").Inc()
	case e.Type == eventbus.EventBudgetCritical:
		s.alertsTotal.WithLabelValues("critical").Inc()
	case e.Type == eventbus.EventBudgetExceeded:
		s.alertsTotal.WithLabelValues("exceeded").Inc()
	case e.Type == eventbus.EventBreakerOpened:
		s.breakerOpen.WithLabelValues(clusterID(e)).Set(1)
	case e.Type == eventbus.EventBreakerClosed:
		s.breakerOpen.WithLabelValues(clusterID(e)).Set(0)
	}
}

func clusterID(e *eventbus.Event) string {
	if v, ok := e.Payload["cluster_id"].(string); ok {
		return v
	}
	return "unknown"
}

func (s *Service) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh recomputes the population gauges from the stores.
func (s *Service) Refresh(ctx context.Context) {
	if s.agents != nil {
		counts, err := s.agents.CountByState(ctx)
		if err != nil {
			s.logger.Warn("failed to count agents", "error", err)
		} else {
			for _, state := range []models.AgentLifecycleState{
				models.AgentStatePending, models.AgentStateInitializing,
				models.AgentStateSpawning, models.AgentStateRunning,
				models.AgentStatePaused, models.AgentStateCompleting,
				models.AgentStateCompleted, models.AgentStateFailed,
				models.AgentStateKilled,
			} {
				n := float64(counts[state])
				s.agentsGauge.WithLabelValues(string(state)).Set(n)
				s.set("agents."+string(state), n)
			}
		}
	}
	if s.teams != nil {
		teams, err := s.teams.List(ctx, store.TeamFilter{})
		if err != nil {
			s.logger.Warn("failed to list teams", "error", err)
		} else {
			byStatus := map[models.TeamStatus]float64{}
			for _, t := range teams {
				byStatus[t.Status]++
			}
			for _, status := range []models.TeamStatus{
				models.TeamStatusCreating, models.TeamStatusActive,
				models.TeamStatusScaling, models.TeamStatusPaused,
				models.TeamStatusCompleted, models.TeamStatusFailed,
			} {
				s.teamsGauge.WithLabelValues(string(status)).Set(byStatus[status])
				s.set("teams."+string(status), byStatus[status])
			}
		}
	}
}

// Value implements the supervisor's metric source.
func (s *Service) Value(name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *Service) set(name string, v float64) {
	s.mu.Lock()
	s.values[name] = v
	s.mu.Unlock()
}

func (s *Service) bump(name string, delta float64) {
	s.mu.Lock()
	s.values[name] += delta
	s.mu.Unlock()
}

// Handler serves the Prometheus exposition endpoint.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}
