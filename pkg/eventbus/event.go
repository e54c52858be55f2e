// Package eventbus provides pattern-subscription pub/sub with a persistent
// journal, replay, and per-subscription backpressure. Events are journaled
// before any handler is notified; the journal is the canonical total order.
// Cross-node distribution uses PostgreSQL NOTIFY/LISTEN (see forwarder.go).
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Metadata carries correlation identifiers for causal ordering across
// entities. All fields are optional.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	TeamID        string `json:"team_id,omitempty"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// Event is an immutable record on the bus. Sequence is assigned by the
// journal at publish time and strictly increases per bus.
//
// The JSON shape is also the on-wire format between federated
// control-plane nodes.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// New builds an unsequenced event ready for publishing.
func New(eventType, source string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}
}

// WithMeta returns the event with metadata attached (builder style).
func (e *Event) WithMeta(meta Metadata) *Event {
	e.Metadata = meta
	return e
}

// clone returns a copy so subscribers can never mutate the journaled record.
func (e *Event) clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
