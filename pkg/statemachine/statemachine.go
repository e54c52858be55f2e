// Package statemachine provides a small generic transition kernel. A
// Machine holds a declarative transition table plus guard and hook
// functions; per-entity state lives with the caller (usually a database
// row), and Fire computes the next state while serializing concurrent
// transitions on the same entity.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrInvalidTransition is the errors.Is target for every
// InvalidTransitionError instantiation.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports an event that has no transition from the
// current state.
type InvalidTransitionError[S, E comparable] struct {
	From  S
	Event E
}

func (e *InvalidTransitionError[S, E]) Error() string {
	return fmt.Sprintf("no transition for event %v from state %v", e.Event, e.From)
}

func (e *InvalidTransitionError[S, E]) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Guard can veto a transition before any hook runs. A non-nil error aborts
// the transition and leaves the state unchanged.
type Guard[S, E comparable] func(ctx context.Context, entityID string, from, to S, event E) error

// Hook runs on state entry or exit. An exit hook error aborts the
// transition before the state changes; an entry hook error rolls the
// transition back so the caller never persists the new state.
type Hook[S, E comparable] func(ctx context.Context, entityID string, from, to S, event E) error

type transitionKey[S, E comparable] struct {
	from  S
	event E
}

type transition[S, E comparable] struct {
	to     S
	guards []Guard[S, E]
}

const lockStripes = 64

// Machine is a reusable transition table. It carries no per-entity state
// and is safe for concurrent use once built.
type Machine[S, E comparable] struct {
	transitions map[transitionKey[S, E]]*transition[S, E]
	onExit      map[S][]Hook[S, E]
	onEntry     map[S][]Hook[S, E]

	stripes [lockStripes]sync.Mutex
}

// New creates an empty machine. Configure it with AddTransition, OnExit,
// and OnEntry before first use; configuration is not synchronized.
func New[S, E comparable]() *Machine[S, E] {
	return &Machine[S, E]{
		transitions: make(map[transitionKey[S, E]]*transition[S, E]),
		onExit:      make(map[S][]Hook[S, E]),
		onEntry:     make(map[S][]Hook[S, E]),
	}
}

// AddTransition declares that event moves from -> to, gated by the guards.
func (m *Machine[S, E]) AddTransition(from S, event E, to S, guards ...Guard[S, E]) *Machine[S, E] {
	m.transitions[transitionKey[S, E]{from: from, event: event}] = &transition[S, E]{to: to, guards: guards}
	return m
}

// OnExit registers a hook that runs before leaving state.
func (m *Machine[S, E]) OnExit(state S, hook Hook[S, E]) *Machine[S, E] {
	m.onExit[state] = append(m.onExit[state], hook)
	return m
}

// OnEntry registers a hook that runs after entering state.
func (m *Machine[S, E]) OnEntry(state S, hook Hook[S, E]) *Machine[S, E] {
	m.onEntry[state] = append(m.onEntry[state], hook)
	return m
}

// CanFire reports whether event has a transition from state. Guards are
// not consulted.
func (m *Machine[S, E]) CanFire(from S, event E) bool {
	_, ok := m.transitions[transitionKey[S, E]{from: from, event: event}]
	return ok
}

// Target returns the destination state for (from, event), if declared.
func (m *Machine[S, E]) Target(from S, event E) (S, bool) {
	t, ok := m.transitions[transitionKey[S, E]{from: from, event: event}]
	if !ok {
		var zero S
		return zero, false
	}
	return t.to, true
}

// EventsFrom returns the events with a declared transition out of state.
// Order is unspecified.
func (m *Machine[S, E]) EventsFrom(state S) []E {
	var out []E
	for k := range m.transitions {
		if k.from == state {
			out = append(out, k.event)
		}
	}
	return out
}

// IsTerminal reports whether state has no outgoing transitions.
func (m *Machine[S, E]) IsTerminal(state S) bool {
	for k := range m.transitions {
		if k.from == state {
			return false
		}
	}
	return true
}

// Fire applies event to the entity currently in state from and returns the
// resulting state. Concurrent Fire calls for the same entityID are
// serialized; calls for different entities proceed in parallel.
//
// Ordering: guards, then exit hooks of from, then entry hooks of to. Any
// error returns the unchanged from state, so callers persist the result
// only on success.
func (m *Machine[S, E]) Fire(ctx context.Context, entityID string, from S, event E) (S, error) {
	lock := &m.stripes[stripeFor(entityID)]
	lock.Lock()
	defer lock.Unlock()

	t, ok := m.transitions[transitionKey[S, E]{from: from, event: event}]
	if !ok {
		return from, &InvalidTransitionError[S, E]{From: from, Event: event}
	}
	to := t.to

	for _, guard := range t.guards {
		if err := guard(ctx, entityID, from, to, event); err != nil {
			return from, fmt.Errorf("transition %v -> %v rejected: %w", from, to, err)
		}
	}
	for _, hook := range m.onExit[from] {
		if err := hook(ctx, entityID, from, to, event); err != nil {
			return from, fmt.Errorf("exit hook for %v failed: %w", from, err)
		}
	}
	for _, hook := range m.onEntry[to] {
		if err := hook(ctx, entityID, from, to, event); err != nil {
			return from, fmt.Errorf("entry hook for %v failed: %w", to, err)
		}
	}
	return to, nil
}

func stripeFor(entityID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return h.Sum32() % lockStripes
}
