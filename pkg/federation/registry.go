// Package federation tracks peer control-plane clusters and routes work
// across them. Peers report heartbeats with capacity; the registry derives
// a health score per peer and trips a circuit breaker on consecutive call
// failures. The router picks a peer by requirements, session affinity, and
// health-weighted random selection.
package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

// CallOutcome is one observed cross-cluster call.
type CallOutcome struct {
	Latency time.Duration
	// Unreachable marks a transport-level failure (connect, timeout).
	Unreachable bool
	// Failed marks an application-level error from a reachable peer.
	Failed bool
}

// Registry maintains the federation peer set. Persistent state (the
// cluster records) lives in the store; call statistics and breakers are
// in-memory and reset on restart.
type Registry struct {
	clusters store.ClusterStore
	bus      *eventbus.Bus
	cfg      config.FederationConfig
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	stats    map[string]*callStats
	breakers map[string]*Breaker
}

// NewRegistry creates a cluster registry.
func NewRegistry(clusters store.ClusterStore, bus *eventbus.Bus, cfg config.FederationConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clusters: clusters,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "federation"),
		now:      time.Now,
		stats:    make(map[string]*callStats),
		breakers: make(map[string]*Breaker),
	}
}

// Register adds or replaces a peer. A new peer starts online with a full
// health score; its real score settles as heartbeats and calls arrive.
func (r *Registry) Register(ctx context.Context, c *models.Cluster) (*models.Cluster, error) {
	c = c.Clone()
	now := r.now().UTC()
	if c.Status == "" {
		c.Status = models.ClusterStatusOnline
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = now
	}
	c.LastHeartbeat = now
	snap := r.statsSnapshot(c.ID)
	c.HealthScore = healthScore(c, &snap, r.breakerFor(c.ID).State(), now, r.cfg.DeadAfter)
	if err := r.clusters.Upsert(ctx, c); err != nil {
		return nil, err
	}
	r.logger.Info("cluster registered", "cluster_id", c.ID, "endpoint", c.Endpoint, "region", c.Region)
	r.announce(ctx, eventbus.EventClusterRegistered, c)
	return c, nil
}

// Deregister removes a peer and its in-memory state.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.clusters.Delete(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.stats, id)
	delete(r.breakers, id)
	r.mu.Unlock()
	return nil
}

// Get returns one peer.
func (r *Registry) Get(ctx context.Context, id string) (*models.Cluster, error) {
	return r.clusters.Get(ctx, id)
}

// List returns all peers.
func (r *Registry) List(ctx context.Context) ([]*models.Cluster, error) {
	return r.clusters.List(ctx)
}

// Heartbeat records a liveness report with fresh capacity numbers and
// recomputes the peer's health. A heartbeat brings a degraded or offline
// peer back online.
func (r *Registry) Heartbeat(ctx context.Context, id string, capacity models.ClusterCapacity) error {
	now := r.now().UTC()
	if err := r.clusters.UpdateHeartbeat(ctx, id, capacity, now); err != nil {
		return err
	}
	c, err := r.clusters.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.refresh(ctx, c, models.ClusterStatusOnline)
}

// ReportCall feeds one call outcome into the peer's statistics and
// breaker. Breaker transitions are announced on the bus.
func (r *Registry) ReportCall(ctx context.Context, id string, out CallOutcome) error {
	r.mu.Lock()
	s := r.statsForLocked(id)
	s.attempts++
	s.totalLatency += out.Latency
	if out.Unreachable {
		s.unreachable++
	}
	if out.Failed {
		s.failed++
	}
	r.mu.Unlock()

	br := r.breakerFor(id)
	if out.Unreachable || out.Failed {
		if br.RecordFailure() {
			r.logger.Warn("circuit breaker opened", "cluster_id", id)
			r.announceBreaker(ctx, eventbus.EventBreakerOpened, id)
		}
	} else {
		if br.RecordSuccess() {
			r.logger.Info("circuit breaker closed", "cluster_id", id)
			r.announceBreaker(ctx, eventbus.EventBreakerClosed, id)
		}
	}

	c, err := r.clusters.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.refresh(ctx, c, c.Status)
}

// Allow reports whether calls to the peer may proceed under its breaker.
func (r *Registry) Allow(id string) bool {
	return r.breakerFor(id).Allow()
}

// BreakerState returns the peer's current breaker state.
func (r *Registry) BreakerState(id string) BreakerState {
	return r.breakerFor(id).State()
}

// Sweep derives each peer's status from heartbeat age: past StaleAfter a
// peer is degraded, past DeadAfter it is offline.
func (r *Registry) Sweep(ctx context.Context) error {
	clusters, err := r.clusters.List(ctx)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	for _, c := range clusters {
		age := now.Sub(c.LastHeartbeat)
		status := models.ClusterStatusOnline
		switch {
		case r.cfg.DeadAfter > 0 && age >= r.cfg.DeadAfter:
			status = models.ClusterStatusOffline
		case r.cfg.StaleAfter > 0 && age >= r.cfg.StaleAfter:
			status = models.ClusterStatusDegraded
		}
		if err := r.refresh(ctx, c, status); err != nil {
			r.logger.Warn("failed to refresh cluster health", "cluster_id", c.ID, "error", err)
		}
	}
	return nil
}

// Run sweeps periodically until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.StaleAfter / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Warn("federation sweep failed", "error", err)
			}
		}
	}
}

// refresh recomputes the health score, persists it with the given status,
// and announces the change when status or score moved.
func (r *Registry) refresh(ctx context.Context, c *models.Cluster, status models.ClusterStatus) error {
	snap := r.statsSnapshot(c.ID)
	score := healthScore(c, &snap, r.breakerFor(c.ID).State(), r.now().UTC(), r.cfg.DeadAfter)
	if status == c.Status && score == c.HealthScore {
		return nil
	}
	if err := r.clusters.UpdateStatus(ctx, c.ID, status, score); err != nil {
		return err
	}
	if status != c.Status {
		r.logger.Info("cluster status changed", "cluster_id", c.ID, "from", c.Status, "to", status, "health_score", score)
	}
	updated := c.Clone()
	updated.Status = status
	updated.HealthScore = score
	r.announce(ctx, eventbus.EventClusterHealthChanged, updated)
	return nil
}

// statsSnapshot copies the stats so health computation never races with
// ReportCall.
func (r *Registry) statsSnapshot(id string) callStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.statsForLocked(id)
}

func (r *Registry) statsForLocked(id string) *callStats {
	s, ok := r.stats[id]
	if !ok {
		s = &callStats{}
		r.stats[id] = s
	}
	return s
}

func (r *Registry) breakerFor(id string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[id]
	if !ok {
		b = NewBreaker(r.cfg.BreakerFailureCount, r.cfg.BreakerCooldown)
		r.breakers[id] = b
	}
	return b
}

func (r *Registry) announce(ctx context.Context, eventType string, c *models.Cluster) {
	if r.bus == nil {
		return
	}
	event := eventbus.New(eventType, "federation", map[string]any{
		"cluster_id":   c.ID,
		"endpoint":     c.Endpoint,
		"region":       c.Region,
		"status":       string(c.Status),
		"health_score": c.HealthScore,
	})
	if _, err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish federation event", "type", eventType, "error", err)
	}
}

func (r *Registry) announceBreaker(ctx context.Context, eventType, id string) {
	if r.bus == nil {
		return
	}
	event := eventbus.New(eventType, "federation", map[string]any{"cluster_id": id})
	if _, err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish federation event", "type", eventType, "error", err)
	}
}
