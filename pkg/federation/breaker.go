package federation

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for one peer cluster.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a per-cluster circuit breaker. Consecutive failures open it;
// after the cooldown it admits a single trial call (half-open), and one
// success closes it again while one failure reopens it.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// State returns the current state, promoting open to half-open once the
// cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. Open rejects everything;
// half-open admits the trial.
func (b *Breaker) Allow() bool {
	return b.State() != BreakerOpen
}

// RecordSuccess notes a successful call. It reports whether the breaker
// closed as a result.
func (b *Breaker) RecordSuccess() (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.stateLocked()
	b.failures = 0
	b.state = BreakerClosed
	return was != BreakerClosed
}

// RecordFailure notes a failed call. It reports whether the breaker opened
// as a result.
func (b *Breaker) RecordFailure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case BreakerHalfOpen:
		// Trial failed, reopen and restart the cooldown.
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.failures = 0
		return true
	case BreakerOpen:
		return false
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			b.failures = 0
			return true
		}
		return false
	}
}
