package federation

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

type busEvents struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (c *busEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *busEvents) has(eventType string) bool {
	for _, t := range c.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func testFedConfig() config.FederationConfig {
	return config.FederationConfig{
		StaleAfter:          30 * time.Second,
		DeadAfter:           2 * time.Minute,
		BreakerFailureCount: 3,
		BreakerCooldown:     time.Minute,
		AffinityTTL:         30 * time.Minute,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *busEvents) {
	t.Helper()
	mem := store.NewMemory()
	bus := eventbus.NewBus(eventbus.NewMemoryJournal(), config.EventBusConfig{
		BufferSize:         64,
		BackpressurePolicy: config.BackpressureDropOldest,
		StalledTimeout:     time.Second,
	}, nil)
	t.Cleanup(func() { bus.Close() })

	col := &busEvents{}
	_, err := bus.Subscribe(context.Background(), func(_ context.Context, e *eventbus.Event) {
		col.mu.Lock()
		col.events = append(col.events, e)
		col.mu.Unlock()
	}, eventbus.SubscribeOptions{}, "federation.**")
	require.NoError(t, err)

	return NewRegistry(mem.Clusters(), bus, testFedConfig(), nil), col
}

func cluster(id, region string, modelNames ...string) *models.Cluster {
	return &models.Cluster{
		ID:       id,
		Endpoint: "https://" + id + ".example.com",
		Region:   region,
		Models:   modelNames,
		Capacity: models.ClusterCapacity{MaxAgents: 10, CurrentAgents: 0},
	}
}

func TestBreakerLifecycle(t *testing.T) {
	now := time.Now()
	b := NewBreaker(3, time.Minute)
	b.now = func() time.Time { return now }

	require.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.True(t, b.RecordFailure(), "third consecutive failure opens")
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// A success while closed resets the streak; verify via a fresh breaker.
	b2 := NewBreaker(3, time.Minute)
	b2.RecordFailure()
	b2.RecordFailure()
	b2.RecordSuccess()
	assert.False(t, b2.RecordFailure())
	assert.Equal(t, BreakerClosed, b2.State())

	// Cooldown elapses, the breaker admits a trial.
	now = now.Add(61 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())

	// Trial failure reopens immediately.
	assert.True(t, b.RecordFailure())
	assert.Equal(t, BreakerOpen, b.State())

	// Next trial succeeds and closes.
	now = now.Add(61 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.RecordSuccess())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	reg, col := newTestRegistry(t)

	c, err := reg.Register(ctx, cluster("c1", "us-east", "opus"))
	require.NoError(t, err)
	assert.Equal(t, models.ClusterStatusOnline, c.Status)
	assert.InDelta(t, 100, c.HealthScore, 0.01)

	require.Eventually(t, func() bool {
		return col.has(eventbus.EventClusterRegistered)
	}, time.Second, 5*time.Millisecond)

	err = reg.Heartbeat(ctx, "c1", models.ClusterCapacity{MaxAgents: 10, CurrentAgents: 5})
	require.NoError(t, err)

	got, err := reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Capacity.CurrentAgents)
	// Half the capacity is used, so the capacity factor halves.
	assert.InDelta(t, 90, got.HealthScore, 0.01)

	err = reg.Heartbeat(ctx, "ghost", models.ClusterCapacity{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepDerivesStatusFromHeartbeatAge(t *testing.T) {
	ctx := context.Background()
	reg, col := newTestRegistry(t)

	base := time.Now().UTC()
	reg.now = func() time.Time { return base }
	_, err := reg.Register(ctx, cluster("c1", "us-east"))
	require.NoError(t, err)

	reg.now = func() time.Time { return base.Add(45 * time.Second) }
	require.NoError(t, reg.Sweep(ctx))
	got, err := reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ClusterStatusDegraded, got.Status)

	reg.now = func() time.Time { return base.Add(3 * time.Minute) }
	require.NoError(t, reg.Sweep(ctx))
	got, err = reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ClusterStatusOffline, got.Status)
	assert.Less(t, got.HealthScore, 100.0)

	// A heartbeat revives the peer.
	require.NoError(t, reg.Heartbeat(ctx, "c1", models.ClusterCapacity{MaxAgents: 10}))
	got, err = reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ClusterStatusOnline, got.Status)

	require.Eventually(t, func() bool {
		return col.has(eventbus.EventClusterHealthChanged)
	}, time.Second, 5*time.Millisecond)
}

func TestReportCallDrivesBreaker(t *testing.T) {
	ctx := context.Background()
	reg, col := newTestRegistry(t)

	_, err := reg.Register(ctx, cluster("c1", "us-east"))
	require.NoError(t, err)
	require.True(t, reg.Allow("c1"))

	for i := 0; i < 3; i++ {
		require.NoError(t, reg.ReportCall(ctx, "c1", CallOutcome{Latency: 50 * time.Millisecond, Unreachable: true}))
	}
	assert.Equal(t, BreakerOpen, reg.BreakerState("c1"))
	assert.False(t, reg.Allow("c1"))
	require.Eventually(t, func() bool {
		return col.has(eventbus.EventBreakerOpened)
	}, time.Second, 5*time.Millisecond)

	// Open breaker zeroes the connectivity factor.
	got, err := reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Less(t, got.HealthScore, 75.0)

	// Fast-forward past the cooldown, then a successful trial closes it.
	reg.breakerFor("c1").now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.True(t, reg.Allow("c1"))
	require.NoError(t, reg.ReportCall(ctx, "c1", CallOutcome{Latency: 50 * time.Millisecond}))
	assert.Equal(t, BreakerClosed, reg.BreakerState("c1"))
	require.Eventually(t, func() bool {
		return col.has(eventbus.EventBreakerClosed)
	}, time.Second, 5*time.Millisecond)
}

func TestHealthScoreFactors(t *testing.T) {
	now := time.Now().UTC()
	c := &models.Cluster{
		ID:            "c1",
		Capacity:      models.ClusterCapacity{MaxAgents: 10, CurrentAgents: 0},
		LastHeartbeat: now,
	}

	score := healthScore(c, &callStats{}, BreakerClosed, now, 2*time.Minute)
	assert.InDelta(t, 100, score, 0.01)

	// Application errors on half the calls cost half the error weight.
	stats := &callStats{attempts: 10, failed: 5}
	score = healthScore(c, stats, BreakerClosed, now, 2*time.Minute)
	assert.InDelta(t, 100-100*weightErrorRate*0.5, score, 0.01)

	// An open breaker zeroes connectivity regardless of call history.
	score = healthScore(c, &callStats{}, BreakerOpen, now, 2*time.Minute)
	assert.InDelta(t, 100-100*weightConnectivity, score, 0.01)

	// A heartbeat at half the dead window halves freshness.
	c.LastHeartbeat = now.Add(-time.Minute)
	score = healthScore(c, &callStats{}, BreakerClosed, now, 2*time.Minute)
	assert.InDelta(t, 100-100*weightFreshness*0.5, score, 0.01)
}

func TestRouteFiltering(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	c1 := cluster("c1", "us-east", "opus")
	c1.Capabilities = []string{"gpu"}
	c2 := cluster("c2", "eu-west", "haiku")
	_, err := reg.Register(ctx, c1)
	require.NoError(t, err)
	_, err = reg.Register(ctx, c2)
	require.NoError(t, err)

	router := NewRouter(reg, testFedConfig(), nil)

	got, err := router.Route(ctx, models.RouteRequest{Model: "opus"})
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	got, err = router.Route(ctx, models.RouteRequest{Capabilities: []string{"gpu"}})
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	got, err = router.Route(ctx, models.RouteRequest{Region: "eu-west"})
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ID, "non-strict region prefers the regional peer")

	_, err = router.Route(ctx, models.RouteRequest{Region: "ap-south", StrictRegion: true})
	assert.ErrorIs(t, err, ErrNoEligibleCluster)

	got, err = router.Route(ctx, models.RouteRequest{Region: "ap-south"})
	require.NoError(t, err)
	assert.Contains(t, []string{"c1", "c2"}, got.ID, "non-strict region falls back to any peer")

	_, err = router.Route(ctx, models.RouteRequest{Model: "sonnet"})
	assert.ErrorIs(t, err, ErrNoEligibleCluster)
}

func TestRouteAffinityFollowsEligibility(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, cluster("c1", "us-east"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, cluster("c2", "us-east"))
	require.NoError(t, err)

	router := NewRouter(reg, testFedConfig(), nil)
	router.rand = rand.New(rand.NewSource(1))

	first, err := router.Route(ctx, models.RouteRequest{SessionID: "s1"})
	require.NoError(t, err)

	// Affinity pins repeat requests to the same peer.
	for i := 0; i < 5; i++ {
		again, err := router.Route(ctx, models.RouteRequest{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	// The pinned peer trips its breaker; the session moves elsewhere.
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.ReportCall(ctx, first.ID, CallOutcome{Unreachable: true}))
	}
	require.Equal(t, BreakerOpen, reg.BreakerState(first.ID))

	moved, err := router.Route(ctx, models.RouteRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, moved.ID)

	// The original peer recovers, but the session does not move back while
	// its new affinity entry is live.
	reg.breakerFor(first.ID).now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, reg.ReportCall(ctx, first.ID, CallOutcome{}))
	require.Equal(t, BreakerClosed, reg.BreakerState(first.ID))

	stayed, err := router.Route(ctx, models.RouteRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, moved.ID, stayed.ID)

	// Dropping affinity makes the session routable anywhere again.
	router.Forget("s1")
	_, err = router.Route(ctx, models.RouteRequest{SessionID: "s1"})
	require.NoError(t, err)
}

func TestRouteNoClusters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	router := NewRouter(reg, testFedConfig(), nil)
	_, err := router.Route(context.Background(), models.RouteRequest{})
	assert.ErrorIs(t, err, ErrNoEligibleCluster)
}
