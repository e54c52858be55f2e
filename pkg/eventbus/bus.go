package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/pkg/config"
)

// Errors returned by bus operations.
var (
	ErrBusClosed     = errors.New("event bus is closed")
	ErrNoPatterns    = errors.New("subscription requires at least one pattern")
	ErrEndOfJournal  = errors.New("end of journal")
	ErrUnknownPolicy = errors.New("unknown backpressure policy")
)

// Handler receives events on the subscription's delivery goroutine, in
// journal sequence order. A slow handler only affects its own subscription.
type Handler func(ctx context.Context, event *Event)

// SubscribeOptions tunes a single subscription. Zero values take the bus
// defaults.
type SubscribeOptions struct {
	// ID names the subscription. Required for persistent subscriptions;
	// generated otherwise.
	ID string

	// Persistent subscriptions record their position in the journal and
	// resume from it on the next Subscribe with the same ID.
	Persistent bool

	BufferSize int
	Policy     config.BackpressurePolicy
}

// Bus is the pattern pub/sub core. Events are appended to the journal
// before any subscriber sees them, and each subscriber observes events in
// journal order. Publishing is serialized so journal order and delivery
// order agree.
type Bus struct {
	journal Journal
	logger  *slog.Logger

	bufferSize     int
	policy         config.BackpressurePolicy
	stalledTimeout time.Duration

	mu        sync.Mutex
	subs      map[string]*subscription
	broadcast func(ctx context.Context, event *Event)
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	id         string
	patterns   []string
	handler    Handler
	ch         chan *Event
	policy     config.BackpressurePolicy
	persistent bool
	dropped    int64
}

// NewBus creates a bus over the given journal.
func NewBus(journal Journal, cfg config.EventBusConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		journal:        journal,
		logger:         logger.With("component", "eventbus"),
		bufferSize:     cfg.BufferSize,
		policy:         cfg.BackpressurePolicy,
		stalledTimeout: cfg.StalledTimeout,
		subs:           make(map[string]*subscription),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetBroadcast installs a hook invoked for every locally published event
// after it is journaled, used by the federation forwarder to announce the
// event to other nodes. Events arriving through Inject never hit the hook,
// which is what keeps remote events from echoing back out.
func (b *Bus) SetBroadcast(fn func(ctx context.Context, event *Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = fn
}

// Subscribe registers a handler for all events whose type matches any of
// the patterns. It returns the subscription ID for Unsubscribe.
//
// A persistent subscription first catches up from its saved journal offset,
// then goes live. Events published during catch-up are buffered and
// deduplicated by sequence, so the handler never sees an event twice.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, opts SubscribeOptions, patterns ...string) (string, error) {
	patterns = dedupPatterns(patterns)
	if len(patterns) == 0 {
		return "", ErrNoPatterns
	}
	if opts.Persistent && opts.ID == "" {
		return "", errors.New("persistent subscription requires an ID")
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = b.bufferSize
	}
	policy := opts.Policy
	if policy == "" {
		policy = b.policy
	}
	switch policy {
	case config.BackpressureDropOldest, config.BackpressureDropNewest, config.BackpressureBlock:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	var resumeFrom int64
	if opts.Persistent {
		off, err := b.journal.LoadOffset(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to load offset for subscription %s: %w", id, err)
		}
		resumeFrom = off
	}

	sub := &subscription{
		id:         id,
		patterns:   patterns,
		handler:    handler,
		ch:         make(chan *Event, bufSize),
		policy:     policy,
		persistent: opts.Persistent,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	if _, exists := b.subs[id]; exists {
		b.mu.Unlock()
		return "", fmt.Errorf("subscription %s already registered", id)
	}
	b.subs[id] = sub
	// Registered and counted under the same lock so Close cannot start
	// waiting between the two.
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub, resumeFrom)

	b.logger.Debug("subscription registered",
		"subscription_id", id, "patterns", patterns, "persistent", opts.Persistent)
	return id, nil
}

// deliver runs the subscription's delivery loop. For persistent
// subscriptions it replays the journal backlog first. Live events that
// arrived while catching up are skipped by sequence so nothing is
// delivered twice.
func (b *Bus) deliver(sub *subscription, resumeFrom int64) {
	defer b.wg.Done()

	lastDelivered := resumeFrom
	if sub.persistent {
		for {
			batch, err := b.journal.Fetch(b.ctx, lastDelivered, 100)
			if err != nil {
				b.logger.Error("catch-up fetch failed",
					"subscription_id", sub.id, "error", err)
				break
			}
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				lastDelivered = b.handle(sub, e)
			}
		}
	}

	for e := range sub.ch {
		if e.Sequence <= lastDelivered {
			continue
		}
		lastDelivered = b.handle(sub, e)
	}

	if sub.persistent && lastDelivered > 0 {
		if err := b.journal.SaveOffset(context.Background(), sub.id, lastDelivered); err != nil {
			b.logger.Error("failed to save final offset",
				"subscription_id", sub.id, "error", err)
		}
	}
}

func (b *Bus) handle(sub *subscription, e *Event) int64 {
	if !sub.matches(e.Type) {
		// Persistent catch-up fetches the whole journal slice; filter here.
		return e.Sequence
	}
	sub.handler(b.ctx, e)
	if sub.persistent {
		if err := b.journal.SaveOffset(b.ctx, sub.id, e.Sequence); err != nil {
			b.logger.Warn("failed to save subscription offset",
				"subscription_id", sub.id, "sequence", e.Sequence, "error", err)
		}
	}
	return e.Sequence
}

func (s *subscription) matches(eventType string) bool {
	for _, p := range s.patterns {
		if MatchPattern(p, eventType) {
			return true
		}
	}
	return false
}

// Publish journals the event, assigns its sequence, and fans it out to
// matching subscriptions. The sequenced event is returned.
func (b *Bus) Publish(ctx context.Context, event *Event) (*Event, error) {
	events, err := b.PublishBatch(ctx, []*Event{event})
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// PublishBatch journals the batch atomically and fans it out. The batch
// occupies a contiguous sequence range.
func (b *Bus) PublishBatch(ctx context.Context, events []*Event) ([]*Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	if err := b.journal.Append(ctx, events); err != nil {
		return nil, fmt.Errorf("failed to journal events: %w", err)
	}
	for _, e := range events {
		b.dispatchLocked(e)
		if b.broadcast != nil {
			b.broadcast(ctx, e)
		}
	}
	return events, nil
}

// Inject fans out an already sequenced event without journaling it again.
// Used by the federation forwarder for events journaled by another node
// sharing the same store.
func (b *Bus) Inject(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.dispatchLocked(event)
}

// dispatchLocked enqueues the event on every matching subscription,
// applying that subscription's backpressure policy. Caller holds b.mu.
func (b *Bus) dispatchLocked(e *Event) {
	for _, sub := range b.subs {
		if !sub.matches(e.Type) {
			continue
		}
		cp := e.clone()
		switch sub.policy {
		case config.BackpressureDropOldest:
			for {
				select {
				case sub.ch <- cp:
				default:
					select {
					case <-sub.ch:
						sub.dropped++
					default:
					}
					continue
				}
				break
			}
		case config.BackpressureDropNewest:
			select {
			case sub.ch <- cp:
			default:
				sub.dropped++
			}
		case config.BackpressureBlock:
			select {
			case sub.ch <- cp:
			default:
				b.blockOrStallLocked(sub, cp)
			}
		}
	}
}

// blockOrStallLocked waits up to the stall timeout for buffer space. A
// subscriber that cannot drain within the timeout is forcibly removed so
// one stuck consumer cannot wedge the whole bus.
func (b *Bus) blockOrStallLocked(sub *subscription, e *Event) {
	timer := time.NewTimer(b.stalledTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- e:
		return
	case <-timer.C:
	}

	delete(b.subs, sub.id)
	close(sub.ch)
	b.logger.Warn("subscription stalled, unregistering",
		"subscription_id", sub.id, "patterns", sub.patterns,
		"stalled_timeout", b.stalledTimeout)

	stalled := New(EventSubscriptionStalled, "eventbus", map[string]any{
		"subscription_id": sub.id,
		"patterns":        sub.patterns,
		"dropped":         sub.dropped,
	})
	// Publish takes b.mu, so emit outside the current critical section.
	go func() {
		if _, err := b.Publish(b.ctx, stalled); err != nil && !errors.Is(err, ErrBusClosed) {
			b.logger.Error("failed to publish stall event", "error", err)
		}
	}()
}

// Unsubscribe removes a subscription. In-flight buffered events are still
// delivered before the delivery goroutine exits.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}

// Dropped returns how many events a subscription has shed under
// backpressure. Exposed for metrics.
func (b *Bus) Dropped(id string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		return sub.dropped
	}
	return 0
}

// Close shuts the bus down. Buffered events are drained to their handlers
// before Close returns. Publishing after Close fails with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
	return nil
}

// Replay returns a cursor over journaled events with sequence > afterSeq
// whose type matches any of the patterns (no patterns means all events).
// The cursor reads forward only and cannot be restarted.
func (b *Bus) Replay(afterSeq int64, patterns ...string) *Cursor {
	return &Cursor{
		journal:  b.journal,
		afterSeq: afterSeq,
		patterns: dedupPatterns(patterns),
	}
}

// ReplaySince returns a cursor over journaled events whose timestamp is at
// or after the given time, filtered like Replay. The starting position is
// resolved once against the journal; the cursor then follows sequence
// order.
func (b *Bus) ReplaySince(ctx context.Context, at time.Time, patterns ...string) (*Cursor, error) {
	afterSeq, err := b.journal.SeekTime(ctx, at)
	if err != nil {
		return nil, fmt.Errorf("replay seek failed: %w", err)
	}
	return b.Replay(afterSeq, patterns...), nil
}

// Cursor pages through the journal in sequence order. Next returns
// ErrEndOfJournal once the events that existed when the cursor reached the
// journal head are exhausted.
type Cursor struct {
	journal  Journal
	afterSeq int64
	patterns []string
	buf      []*Event
	done     bool
}

const cursorPageSize = 100

// Next returns the next matching event, or ErrEndOfJournal.
func (c *Cursor) Next(ctx context.Context) (*Event, error) {
	for {
		if len(c.buf) > 0 {
			e := c.buf[0]
			c.buf = c.buf[1:]
			c.afterSeq = e.Sequence
			if c.matches(e.Type) {
				return e, nil
			}
			continue
		}
		if c.done {
			return nil, ErrEndOfJournal
		}
		batch, err := c.journal.Fetch(ctx, c.afterSeq, cursorPageSize)
		if err != nil {
			return nil, fmt.Errorf("replay fetch failed: %w", err)
		}
		if len(batch) == 0 {
			c.done = true
			return nil, ErrEndOfJournal
		}
		c.buf = batch
	}
}

func (c *Cursor) matches(eventType string) bool {
	if len(c.patterns) == 0 {
		return true
	}
	for _, p := range c.patterns {
		if MatchPattern(p, eventType) {
			return true
		}
	}
	return false
}
