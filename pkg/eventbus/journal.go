package eventbus

import (
	"context"
	"sync"
	"time"
)

// Journal is the append-only event store backing a bus. Append assigns
// strictly increasing sequence numbers; a batch gets one contiguous
// allocation. The journal is the canonical total order.
type Journal interface {
	// Append persists the events, assigning Sequence on each in order.
	Append(ctx context.Context, events []*Event) error

	// Fetch returns up to limit events with sequence > afterSeq, in
	// sequence order.
	Fetch(ctx context.Context, afterSeq int64, limit int) ([]*Event, error)

	// Size returns the number of journaled events.
	Size(ctx context.Context) (int64, error)

	// SeekTime returns the sequence immediately before the first event
	// whose timestamp is at or after the given time, suitable as a
	// Fetch starting point. When no event is that recent, it returns
	// the newest assigned sequence.
	SeekTime(ctx context.Context, at time.Time) (int64, error)

	// LoadOffset returns the last acknowledged sequence for a persistent
	// subscription, or 0 if none was recorded.
	LoadOffset(ctx context.Context, subscriptionID string) (int64, error)

	// SaveOffset records the last acknowledged sequence for a persistent
	// subscription.
	SaveOffset(ctx context.Context, subscriptionID string, seq int64) error
}

// MemoryJournal is an in-memory Journal for tests and single-node use.
type MemoryJournal struct {
	mu      sync.RWMutex
	events  []*Event
	nextSeq int64
	offsets map[string]int64
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{nextSeq: 1, offsets: make(map[string]int64)}
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, events []*Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range events {
		e.Sequence = j.nextSeq
		j.nextSeq++
		j.events = append(j.events, e.clone())
	}
	return nil
}

// Fetch implements Journal.
func (j *MemoryJournal) Fetch(_ context.Context, afterSeq int64, limit int) ([]*Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*Event, 0, limit)
	for _, e := range j.events {
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, e.clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Size implements Journal.
func (j *MemoryJournal) Size(_ context.Context) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return int64(len(j.events)), nil
}

// SeekTime implements Journal.
func (j *MemoryJournal) SeekTime(_ context.Context, at time.Time) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, e := range j.events {
		if !e.Timestamp.Before(at) {
			return e.Sequence - 1, nil
		}
	}
	return j.nextSeq - 1, nil
}

// LoadOffset implements Journal.
func (j *MemoryJournal) LoadOffset(_ context.Context, subscriptionID string) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.offsets[subscriptionID], nil
}

// SaveOffset implements Journal.
func (j *MemoryJournal) SaveOffset(_ context.Context, subscriptionID string, seq int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.offsets[subscriptionID] {
		j.offsets[subscriptionID] = seq
	}
	return nil
}

// PurgeBefore drops journaled events older than the cutoff. Sequence
// numbers already handed out are never reused.
func (j *MemoryJournal) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.events[:0]
	var n int64
	for _, e := range j.events {
		if e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	j.events = kept
	return n, nil
}
