package federation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/models"
)

// ErrNoEligibleCluster means no peer satisfies the request requirements.
var ErrNoEligibleCluster = errors.New("no eligible cluster")

// affinityCacheSize bounds the session affinity cache; entries also expire
// after the configured TTL.
const affinityCacheSize = 4096

// Router picks a peer cluster for a request. Selection order: requirement
// filter, session affinity, health-weighted random. Affinity is sticky
// only while the pinned cluster stays eligible; once rerouted, a session
// stays on the new cluster until its affinity entry expires.
type Router struct {
	registry *Registry
	affinity *expirable.LRU[string, string]
	logger   *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry, cfg config.FederationConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		affinity: expirable.NewLRU[string, string](affinityCacheSize, nil, cfg.AffinityTTL),
		logger:   logger.With("component", "federation.router"),
		rand:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// Route selects a cluster for the request.
func (r *Router) Route(ctx context.Context, req models.RouteRequest) (*models.Cluster, error) {
	clusters, err := r.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	eligible := r.filter(clusters, req)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleCluster
	}

	if req.SessionID != "" {
		if pinned, ok := r.affinity.Get(req.SessionID); ok {
			for _, c := range eligible {
				if c.ID == pinned {
					return c, nil
				}
			}
		}
	}

	chosen := r.pickWeighted(eligible)
	if req.SessionID != "" {
		r.affinity.Add(req.SessionID, chosen.ID)
	}
	r.logger.Debug("routed request", "cluster_id", chosen.ID, "session_id", req.SessionID, "health_score", chosen.HealthScore)
	return chosen, nil
}

// Forget drops the affinity entry for a session.
func (r *Router) Forget(sessionID string) {
	r.affinity.Remove(sessionID)
}

// filter keeps peers that are not offline, have a closed or half-open
// breaker, and satisfy capability, model, and region requirements. A
// non-strict region is a preference: when any eligible peer matches it,
// only those are kept.
func (r *Router) filter(clusters []*models.Cluster, req models.RouteRequest) []*models.Cluster {
	var eligible []*models.Cluster
	for _, c := range clusters {
		if c.Status == models.ClusterStatusOffline {
			continue
		}
		if r.registry.BreakerState(c.ID) == BreakerOpen {
			continue
		}
		if req.StrictRegion && req.Region != "" && c.Region != req.Region {
			continue
		}
		if req.Model != "" && !c.HasModel(req.Model) {
			continue
		}
		ok := true
		for _, want := range req.Capabilities {
			if !c.HasCapability(want) {
				ok = false
				break
			}
		}
		if ok {
			eligible = append(eligible, c)
		}
	}
	if !req.StrictRegion && req.Region != "" {
		var regional []*models.Cluster
		for _, c := range eligible {
			if c.Region == req.Region {
				regional = append(regional, c)
			}
		}
		if len(regional) > 0 {
			eligible = regional
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible
}

// pickWeighted draws a peer with probability proportional to its health
// score. All-zero scores fall back to a uniform draw.
func (r *Router) pickWeighted(eligible []*models.Cluster) *models.Cluster {
	total := 0.0
	for _, c := range eligible {
		if c.HealthScore > 0 {
			total += c.HealthScore
		}
	}
	r.randMu.Lock()
	defer r.randMu.Unlock()
	if total <= 0 {
		return eligible[r.rand.Intn(len(eligible))]
	}
	target := r.rand.Float64() * total
	for _, c := range eligible {
		if c.HealthScore <= 0 {
			continue
		}
		target -= c.HealthScore
		if target < 0 {
			return c
		}
	}
	return eligible[len(eligible)-1]
}
