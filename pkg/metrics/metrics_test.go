package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/eventbus"
	"github.com/hiveplane/hiveplane/pkg/models"
	"github.com/hiveplane/hiveplane/pkg/store"
)

func TestObserveFoldsEvents(t *testing.T) {
	s := New(nil, nil, nil, nil)
	ctx := context.Background()

	s.observe(ctx, eventbus.New(eventbus.EventWorkflowStepCompleted, "test", nil))
	s.observe(ctx, eventbus.New(eventbus.EventWorkflowStepFailed, "test", nil))
	s.observe(ctx, eventbus.New(eventbus.EventBudgetCritical, "test", nil))
	s.observe(ctx, eventbus.New(eventbus.EventBreakerOpened, "test", map[string]any{"cluster_id": "c1"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(s.stepsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.stepsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.alertsTotal.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.breakerOpen.WithLabelValues("c1")))

	s.observe(ctx, eventbus.New(eventbus.EventBreakerClosed, "test", map[string]any{"cluster_id": "c1"}))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.breakerOpen.WithLabelValues("c1")))

	v, ok := s.Value("events." + eventbus.EventBudgetCritical)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestRefreshPopulatesGauges(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Agents().Create(ctx, &models.Agent{ID: "a1", State: models.AgentStateRunning}))
	require.NoError(t, mem.Agents().Create(ctx, &models.Agent{ID: "a2", State: models.AgentStateFailed}))
	require.NoError(t, mem.Agents().Create(ctx, &models.Agent{ID: "a3", State: models.AgentStateFailed}))
	require.NoError(t, mem.Teams().Create(ctx, &models.Team{ID: "t1", Name: "t1", Status: models.TeamStatusActive}))

	s := New(nil, mem, mem.Teams(), nil)
	s.Refresh(ctx)

	failed, ok := s.Value("agents.failed")
	require.True(t, ok)
	assert.Equal(t, 2.0, failed)

	running, ok := s.Value("agents.running")
	require.True(t, ok)
	assert.Equal(t, 1.0, running)

	active, ok := s.Value("teams.active")
	require.True(t, ok)
	assert.Equal(t, 1.0, active)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.agentsGauge.WithLabelValues("failed")))
}

func TestBusSubscriptionAndHandler(t *testing.T) {
	bus := eventbus.NewBus(eventbus.NewMemoryJournal(), config.EventBusConfig{
		BufferSize:         64,
		BackpressurePolicy: config.BackpressureDropOldest,
		StalledTimeout:     time.Second,
	}, nil)
	t.Cleanup(func() { bus.Close() })

	s := New(bus, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, time.Hour))

	_, err := bus.Publish(ctx, eventbus.New(eventbus.EventAgentCompleted, "test", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := s.Value("events." + eventbus.EventAgentCompleted)
		return ok && v == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hiveplane_events_total")
}
