package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveplane/hiveplane/pkg/config"
)

func testBusConfig() config.EventBusConfig {
	return config.EventBusConfig{
		BufferSize:         64,
		BackpressurePolicy: config.BackpressureDropOldest,
		StalledTimeout:     time.Second,
	}
}

// collector gathers delivered events and signals each arrival.
type collector struct {
	mu      sync.Mutex
	events  []*Event
	arrived chan struct{}
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, e *Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.arrived <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestBusPublishAssignsIncreasingSequences(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	e1, err := bus.Publish(ctx, New(EventAgentRegistered, "test", nil))
	require.NoError(t, err)
	e2, err := bus.Publish(ctx, New(EventAgentRunning, "test", nil))
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(2), e2.Sequence)
}

func TestBusPublishBatchContiguous(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()

	batch := []*Event{
		New(EventTeamCreated, "test", nil),
		New(EventAgentRegistered, "test", nil),
		New(EventAgentRegistered, "test", nil),
	}
	out, err := bus.PublishBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, e := range out {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestBusDeliversInSequenceOrder(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	col := newCollector()
	_, err := bus.Subscribe(ctx, col.handle, SubscribeOptions{}, "agent.*")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := bus.Publish(ctx, New(EventAgentRunning, "test", map[string]any{"i": i}))
		require.NoError(t, err)
	}

	events := col.wait(t, 20)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence,
			"delivery order must follow journal order")
	}
}

func TestBusPatternRouting(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	agentCol := newCollector()
	allCol := newCollector()
	_, err := bus.Subscribe(ctx, agentCol.handle, SubscribeOptions{}, "agent.*")
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, allCol.handle, SubscribeOptions{}, "**")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, New(EventAgentCompleted, "test", nil))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventWorkflowStepCompleted, "test", nil))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventTeamCreated, "test", nil))
	require.NoError(t, err)

	all := allCol.wait(t, 3)
	assert.Len(t, all, 3, "** subscriber receives every event")

	agents := agentCol.wait(t, 1)
	require.Len(t, agents, 1)
	assert.Equal(t, EventAgentCompleted, agents[0].Type)
}

func TestBusSubscriberIsolation(t *testing.T) {
	// A handler that panics in one subscription must not be possible to
	// write accidentally; here we verify a slow subscriber does not delay
	// a fast one.
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	slowEntered := make(chan struct{}, 1)
	_, err := bus.Subscribe(ctx, func(_ context.Context, _ *Event) {
		slowEntered <- struct{}{}
		<-gate
	}, SubscribeOptions{}, "**")
	require.NoError(t, err)

	fast := newCollector()
	_, err = bus.Subscribe(ctx, fast.handle, SubscribeOptions{}, "**")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, New(EventAgentRunning, "test", nil))
	require.NoError(t, err)

	<-slowEntered
	fast.wait(t, 1)
	close(gate)
}

func TestBusDropNewestPolicy(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	col := newCollector()
	id, err := bus.Subscribe(ctx, func(hctx context.Context, e *Event) {
		entered <- struct{}{}
		<-gate
		col.handle(hctx, e)
	}, SubscribeOptions{BufferSize: 2, Policy: config.BackpressureDropNewest}, "agent.*")
	require.NoError(t, err)

	// First event occupies the handler; the next two fill the buffer.
	_, err = bus.Publish(ctx, New(EventAgentRunning, "a", nil))
	require.NoError(t, err)
	<-entered
	_, err = bus.Publish(ctx, New(EventAgentRunning, "b", nil))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventAgentRunning, "c", nil))
	require.NoError(t, err)
	// Buffer full: this one is shed.
	_, err = bus.Publish(ctx, New(EventAgentRunning, "d", nil))
	require.NoError(t, err)

	close(gate)
	events := col.wait(t, 3)
	var sources []string
	for _, e := range events {
		sources = append(sources, e.Source)
	}
	assert.Equal(t, []string{"a", "b", "c"}, sources)
	assert.Equal(t, int64(1), bus.Dropped(id))
}

func TestBusDropOldestPolicy(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	col := newCollector()
	id, err := bus.Subscribe(ctx, func(hctx context.Context, e *Event) {
		entered <- struct{}{}
		<-gate
		col.handle(hctx, e)
	}, SubscribeOptions{BufferSize: 2, Policy: config.BackpressureDropOldest}, "agent.*")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, New(EventAgentRunning, "a", nil))
	require.NoError(t, err)
	<-entered
	_, err = bus.Publish(ctx, New(EventAgentRunning, "b", nil))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventAgentRunning, "c", nil))
	require.NoError(t, err)
	// Buffer full: "b" is evicted to make room for "d".
	_, err = bus.Publish(ctx, New(EventAgentRunning, "d", nil))
	require.NoError(t, err)

	close(gate)
	events := col.wait(t, 3)
	var sources []string
	for _, e := range events {
		sources = append(sources, e.Source)
	}
	assert.Equal(t, []string{"a", "c", "d"}, sources)
	assert.Equal(t, int64(1), bus.Dropped(id))
}

func TestBusBlockPolicyStallsOutSubscriber(t *testing.T) {
	cfg := testBusConfig()
	cfg.StalledTimeout = 50 * time.Millisecond
	journal := NewMemoryJournal()
	bus := NewBus(journal, cfg, nil)
	ctx := context.Background()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	id, err := bus.Subscribe(ctx, func(_ context.Context, _ *Event) {
		entered <- struct{}{}
		<-gate
	}, SubscribeOptions{BufferSize: 1, Policy: config.BackpressureBlock}, "agent.*")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, New(EventAgentRunning, "a", nil))
	require.NoError(t, err)
	<-entered
	_, err = bus.Publish(ctx, New(EventAgentRunning, "b", nil))
	require.NoError(t, err)
	// Buffer full and handler wedged: this publish blocks for the stall
	// timeout, then force-unregisters the subscription.
	_, err = bus.Publish(ctx, New(EventAgentRunning, "c", nil))
	require.NoError(t, err)

	assert.Error(t, bus.Unsubscribe(id), "stalled subscription should already be gone")

	// The stall is announced on the bus itself.
	require.Eventually(t, func() bool {
		n, err := journal.Size(ctx)
		return err == nil && n == 4
	}, 2*time.Second, 10*time.Millisecond)

	events, err := journal.Fetch(ctx, 3, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSubscriptionStalled, events[0].Type)
	assert.Equal(t, id, events[0].Payload["subscription_id"])

	close(gate)
	bus.Close()
}

func TestBusPersistentSubscriptionResumes(t *testing.T) {
	journal := NewMemoryJournal()
	bus := NewBus(journal, testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	col := newCollector()
	opts := SubscribeOptions{ID: "billing-worker", Persistent: true}
	_, err := bus.Subscribe(ctx, col.handle, opts, "budget.**")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, New(EventBudgetWarning, "test", nil))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventBudgetCritical, "test", nil))
	require.NoError(t, err)
	col.wait(t, 2)

	require.NoError(t, bus.Unsubscribe("billing-worker"))
	require.Eventually(t, func() bool {
		off, err := journal.LoadOffset(ctx, "billing-worker")
		return err == nil && off >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Published while the subscriber is away; must be caught up on return.
	_, err = bus.Publish(ctx, New(EventBudgetExceeded, "test", nil))
	require.NoError(t, err)
	// Non-matching events advance nothing the subscriber sees.
	_, err = bus.Publish(ctx, New(EventAgentRunning, "test", nil))
	require.NoError(t, err)

	col2 := newCollector()
	_, err = bus.Subscribe(ctx, col2.handle, opts, "budget.**")
	require.NoError(t, err)

	events := col2.wait(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, EventBudgetExceeded, events[0].Type)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestBusPersistentRequiresID(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()

	_, err := bus.Subscribe(context.Background(), func(context.Context, *Event) {},
		SubscribeOptions{Persistent: true}, "**")
	assert.Error(t, err)
}

func TestBusSubscribeValidation(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()
	noop := func(context.Context, *Event) {}

	t.Run("no patterns", func(t *testing.T) {
		_, err := bus.Subscribe(ctx, noop, SubscribeOptions{})
		assert.ErrorIs(t, err, ErrNoPatterns)
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := bus.Subscribe(ctx, noop, SubscribeOptions{Policy: "random"}, "**")
		assert.ErrorIs(t, err, ErrUnknownPolicy)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := bus.Subscribe(ctx, noop, SubscribeOptions{ID: "dup"}, "**")
		require.NoError(t, err)
		_, err = bus.Subscribe(ctx, noop, SubscribeOptions{ID: "dup"}, "**")
		assert.Error(t, err)
	})
}

func TestBusReplayReturnsFullJournal(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	types := []string{
		EventAgentRegistered, EventAgentRunning, EventTeamCreated,
		EventWorkflowStarted, EventAgentCompleted,
	}
	for _, typ := range types {
		_, err := bus.Publish(ctx, New(typ, "test", nil))
		require.NoError(t, err)
	}

	cursor := bus.Replay(0)
	var got []string
	for {
		e, err := cursor.Next(ctx)
		if errors.Is(err, ErrEndOfJournal) {
			break
		}
		require.NoError(t, err)
		got = append(got, e.Type)
	}
	assert.Equal(t, types, got, "replay from zero yields every journaled event in order")
}

func TestBusReplayWithPatternAndOffset(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Publish(ctx, New(EventAgentRegistered, "test", nil)) // seq 1
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventAgentRunning, "test", nil)) // seq 2
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventTeamCreated, "test", nil)) // seq 3
	require.NoError(t, err)
	_, err = bus.Publish(ctx, New(EventAgentCompleted, "test", nil)) // seq 4
	require.NoError(t, err)

	cursor := bus.Replay(1, "agent.*")
	e, err := cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventAgentRunning, e.Type)
	e, err = cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventAgentCompleted, e.Type)
	_, err = cursor.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfJournal)
	// Cursors are forward-only; once exhausted they stay exhausted.
	_, err = cursor.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfJournal)
}

func TestBusReplaySinceTimestamp(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, typ := range []string{EventAgentRegistered, EventAgentRunning, EventAgentCompleted} {
		e := New(typ, "test", nil)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		_, err := bus.Publish(ctx, e)
		require.NoError(t, err)
	}

	cursor, err := bus.ReplaySince(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	e, err := cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventAgentRunning, e.Type)
	e, err = cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventAgentCompleted, e.Type)
	_, err = cursor.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfJournal)

	// Patterns filter the same way as sequence-based replay.
	cursor, err = bus.ReplaySince(ctx, base, "agent.comp*")
	require.NoError(t, err)
	e, err = cursor.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventAgentCompleted, e.Type)

	// A start past the newest event yields an empty cursor.
	cursor, err = bus.ReplaySince(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	_, err = cursor.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfJournal)
}

func TestBusClosedRejectsPublish(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	require.NoError(t, bus.Close())

	_, err := bus.Publish(context.Background(), New(EventAgentRunning, "test", nil))
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = bus.Subscribe(context.Background(), func(context.Context, *Event) {},
		SubscribeOptions{}, "**")
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBusUnsubscribeDrainsBuffer(t *testing.T) {
	bus := NewBus(NewMemoryJournal(), testBusConfig(), nil)
	defer bus.Close()
	ctx := context.Background()

	col := newCollector()
	id, err := bus.Subscribe(ctx, col.handle, SubscribeOptions{}, "**")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, New(EventAgentRunning, "test", nil))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Unsubscribe(id))

	events := col.wait(t, 5)
	assert.Len(t, events, 5, "buffered events are delivered before the goroutine exits")
}
