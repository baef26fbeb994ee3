package retry

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's externally-observable state
// (spec.md §4.8, §4.9's Running.Paused substate).
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// consecutiveFailureThreshold opens the breaker after this many
// consecutive batch failures (spec.md §4.8).
const consecutiveFailureThreshold = 4

// Breaker is a per-destination circuit breaker. It opens after 4
// consecutive batch failures, half-opens after the next backoff
// window, and closes on the first success (spec.md §4.8).
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	openedAt         time.Time
	halfOpenAfter    time.Duration
	onStateChange    func(from, to BreakerState)
}

// NewBreaker builds a closed Breaker. onStateChange, if non-nil, is
// invoked asynchronously whenever the state transitions — the
// pipeline uses this to publish CircuitBreakerOpened/Closed events
// without blocking the breaker's internal lock.
func NewBreaker(onStateChange func(from, to BreakerState)) *Breaker {
	return &Breaker{state: Closed, halfOpenAfter: Schedule[0], onStateChange: onStateChange}
}

// Allow reports whether a new write attempt may proceed. While Open
// and the backoff window has not elapsed, writes are rejected
// immediately (spec.md §4.8: "producer is paused and new writes are
// rejected immediately"). Once the window elapses it transitions to
// HalfOpen and allows exactly one trial write through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.halfOpenAfter {
			b.transition(HalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker on the first success after
// HalfOpen, or simply resets the failure counter while Closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state != Closed {
		b.transition(Closed)
	}
}

// RecordFailure increments the consecutive-failure counter, opening
// the breaker once it reaches the threshold (or immediately if the
// trial write in HalfOpen fails).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.openedAt = time.Now()
		b.transition(Open)
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= consecutiveFailureThreshold {
		b.openedAt = time.Now()
		b.transition(Open)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == Closed {
		b.consecutiveFails = 0
	}
	if from != to && b.onStateChange != nil {
		cb := b.onStateChange
		go cb(from, to)
	}
}
