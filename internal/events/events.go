// Package events implements the in-process lifecycle event bus of
// spec.md §6: best-effort, in-process pub/sub with delivery dropped on
// a slow subscriber rather than blocking the pipeline that publishes.
package events

import (
	"sync"
	"time"

	"github.com/stratum-dmt/stratum/internal/value"
)

// Kind names one lifecycle event (spec.md §6).
type Kind int

const (
	MigrationStarted Kind = iota
	ItemStarted
	BatchProcessed
	CheckpointCommitted
	CircuitBreakerOpened
	CircuitBreakerClosed
	ItemFinished
	ItemFailed
	ItemCancelled
	MigrationCompleted
)

func (k Kind) String() string {
	switch k {
	case MigrationStarted:
		return "MigrationStarted"
	case ItemStarted:
		return "ItemStarted"
	case BatchProcessed:
		return "BatchProcessed"
	case CheckpointCommitted:
		return "CheckpointCommitted"
	case CircuitBreakerOpened:
		return "CircuitBreakerOpened"
	case CircuitBreakerClosed:
		return "CircuitBreakerClosed"
	case ItemFinished:
		return "ItemFinished"
	case ItemFailed:
		return "ItemFailed"
	case ItemCancelled:
		return "ItemCancelled"
	case MigrationCompleted:
		return "MigrationCompleted"
	default:
		return "Unknown"
	}
}

// Event is one published occurrence. Not every field is meaningful for
// every Kind; BatchProcessed sets Rows/Bytes/Cursor, CheckpointCommitted
// sets Cursor, ItemFailed sets Err. Item-level events also carry RunID,
// ItemID and At; MigrationStarted and MigrationCompleted carry only
// RunID.
type Event struct {
	Kind   Kind
	RunID  string
	ItemID string
	Rows   int64
	Bytes  int64
	Cursor value.Cursor
	Err    error
	At     time.Time
}

// subscriberQueueDepth bounds how far a subscriber may lag before the
// bus starts dropping events destined for it.
const subscriberQueueDepth = 256

// Bus fans a stream of Events out to subscribers. The zero value is
// not usable; construct with NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must call when done listening.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberQueueDepth)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber without blocking:
// a subscriber whose queue is full simply misses it (spec.md §6,
// "delivery is best-effort, dropped on slow subscriber").
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
