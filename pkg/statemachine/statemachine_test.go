package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doorState string

type doorEvent string

const (
	closed  doorState = "closed"
	open    doorState = "open"
	locked  doorState = "locked"
	evOpen  doorEvent = "open"
	evClose doorEvent = "close"
	evLock  doorEvent = "lock"
)

func doorMachine() *Machine[doorState, doorEvent] {
	return New[doorState, doorEvent]().
		AddTransition(closed, evOpen, open).
		AddTransition(open, evClose, closed).
		AddTransition(closed, evLock, locked)
}

func TestFire(t *testing.T) {
	m := doorMachine()
	ctx := context.Background()

	t.Run("valid transition", func(t *testing.T) {
		got, err := m.Fire(ctx, "door-1", closed, evOpen)
		require.NoError(t, err)
		assert.Equal(t, open, got)
	})

	t.Run("invalid transition returns typed error", func(t *testing.T) {
		got, err := m.Fire(ctx, "door-1", open, evLock)
		assert.Equal(t, open, got, "state unchanged on invalid event")
		var invalid *InvalidTransitionError[doorState, doorEvent]
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, open, invalid.From)
		assert.Equal(t, evLock, invalid.Event)
	})

	t.Run("event from terminal state rejected", func(t *testing.T) {
		_, err := m.Fire(ctx, "door-1", locked, evOpen)
		assert.Error(t, err)
	})
}

func TestGuardVetoesTransition(t *testing.T) {
	guardErr := errors.New("door is barricaded")
	m := New[doorState, doorEvent]().
		AddTransition(closed, evOpen, open,
			func(_ context.Context, _ string, _, _ doorState, _ doorEvent) error {
				return guardErr
			})

	got, err := m.Fire(context.Background(), "door-1", closed, evOpen)
	assert.Equal(t, closed, got)
	assert.ErrorIs(t, err, guardErr)
}

func TestHookOrderingAndRollback(t *testing.T) {
	t.Run("exit runs before entry", func(t *testing.T) {
		var order []string
		m := doorMachine().
			OnExit(closed, func(_ context.Context, _ string, _, _ doorState, _ doorEvent) error {
				order = append(order, "exit")
				return nil
			}).
			OnEntry(open, func(_ context.Context, _ string, _, _ doorState, _ doorEvent) error {
				order = append(order, "entry")
				return nil
			})

		got, err := m.Fire(context.Background(), "door-1", closed, evOpen)
		require.NoError(t, err)
		assert.Equal(t, open, got)
		assert.Equal(t, []string{"exit", "entry"}, order)
	})

	t.Run("exit hook error aborts before state change", func(t *testing.T) {
		entryRan := false
		m := doorMachine().
			OnExit(closed, func(_ context.Context, _ string, _, _ doorState, _ doorEvent) error {
				return errors.New("cannot leave")
			}).
			OnEntry(open, func(_ context.Context, _ string, _, _ doorState, _ doorEvent) error {
				entryRan = true
				return nil
			})

		got, err := m.Fire(context.Background(), "door-1", closed, evOpen)
		assert.Error(t, err)
		assert.Equal(t, closed, got)
		assert.False(t, entryRan, "entry hooks must not run after exit failure")
	})

	t.Run("entry hook error rolls back", func(t *testing.T) {
		m := doorMachine().
			OnEntry(open, func(_ context.Context, _ string, _, _ doorState, _ doorEvent) error {
				return errors.New("hinge jammed")
			})

		got, err := m.Fire(context.Background(), "door-1", closed, evOpen)
		assert.Error(t, err)
		assert.Equal(t, closed, got, "caller keeps the old state on entry failure")
	})
}

func TestIntrospection(t *testing.T) {
	m := doorMachine()

	assert.True(t, m.CanFire(closed, evOpen))
	assert.False(t, m.CanFire(open, evLock))

	to, ok := m.Target(closed, evLock)
	require.True(t, ok)
	assert.Equal(t, locked, to)
	_, ok = m.Target(locked, evOpen)
	assert.False(t, ok)

	assert.ElementsMatch(t, []doorEvent{evOpen, evLock}, m.EventsFrom(closed))
	assert.True(t, m.IsTerminal(locked))
	assert.False(t, m.IsTerminal(closed))
}

func TestFireSerializesPerEntity(t *testing.T) {
	// Hooks run under the entity's stripe lock, so concurrent Fires for
	// the same entity cannot interleave inside a transition.
	var inHook int
	var maxInHook int
	var mu sync.Mutex

	m := doorMachine().
		OnEntry(open, func(_ context.Context, _ string, _, _ doorState, _ doorEvent) error {
			mu.Lock()
			inHook++
			if inHook > maxInHook {
				maxInHook = inHook
			}
			mu.Unlock()
			mu.Lock()
			inHook--
			mu.Unlock()
			return nil
		})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Fire(context.Background(), "door-1", closed, evOpen)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInHook, "same-entity transitions must not overlap")
}
