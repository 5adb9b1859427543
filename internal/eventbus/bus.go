// Package eventbus is the in-process record of settlement lifecycle
// events: a bounded ring of recent events plus live fan-out to
// subscribers.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypePending   = "pending"

	// Wildcard subscribes to every event type.
	Wildcard = "*"
)

// Event is one settlement lifecycle observation.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TradeID   string    `json:"tradeId,omitempty"`
	TxRef     string    `json:"transactionHash,omitempty"`
	Network   string    `json:"network,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Query filters the retained history. Zero fields match everything.
type Query struct {
	Type    string
	TradeID string
	TxRef   string
	Limit   int
}

type subscriber struct {
	id string
	ch chan Event
}

// Bus retains the most recent events in a fixed-capacity ring and fans
// published events out to subscribers. Fan-out never blocks: a subscriber
// that cannot keep up misses events but the publisher is unaffected.
type Bus struct {
	mu          sync.Mutex
	events      []Event
	capacity    int
	replayDepth int
	subscribers map[string][]subscriber
	now         func() time.Time
}

// New creates a Bus. capacity bounds retained history; replayDepth is how
// many recent events a new subscriber receives up front. Non-positive
// values fall back to 1000 and 10.
func New(capacity, replayDepth int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	if replayDepth <= 0 {
		replayDepth = 10
	}
	return &Bus{
		capacity:    capacity,
		replayDepth: replayDepth,
		subscribers: make(map[string][]subscriber),
		now:         time.Now,
	}
}

// Publish assigns the event an id and timestamp, retains it (evicting the
// oldest entry at capacity), and delivers it to subscribers of its type
// and of the wildcard. Returns the stored event.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	event.ID = "evt-" + uuid.NewString()
	event.Timestamp = b.now()
	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}

	// Fan-out stays under the lock so a concurrent cancel cannot close a
	// channel between snapshot and send. Sends never block: a full
	// subscriber buffer drops the event for that subscriber.
	for _, sub := range b.subscribers[event.Type] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	for _, sub := range b.subscribers[Wildcard] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return event
}

// Query returns matching events, newest first. Limit <= 0 means no limit.
func (b *Bus) Query(q Query) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]Event, 0, len(b.events))
	for i := len(b.events) - 1; i >= 0; i-- {
		e := b.events[i]
		if q.Type != "" && q.Type != Wildcard && e.Type != q.Type {
			continue
		}
		if q.TradeID != "" && e.TradeID != q.TradeID {
			continue
		}
		if q.TxRef != "" && !strings.EqualFold(e.TxRef, q.TxRef) {
			continue
		}
		matched = append(matched, e)
		if q.Limit > 0 && len(matched) >= q.Limit {
			break
		}
	}
	return matched
}

// Recent returns the newest n events of any type.
func (b *Bus) Recent(n int) []Event {
	return b.Query(Query{Limit: n})
}

// Len reports how many events are retained.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Subscribe registers a listener for eventType (or Wildcard). The channel
// is buffered and pre-loaded with up to replayDepth recent matching
// events. The returned cancel func removes the registration and closes
// the channel; it is safe to call more than once.
func (b *Bus) Subscribe(eventType string) (<-chan Event, func()) {
	b.mu.Lock()
	sub := subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, b.replayDepth+64),
	}

	start := len(b.events) - b.replayDepth
	if start < 0 {
		start = 0
	}
	for _, e := range b.events[start:] {
		if eventType != Wildcard && e.Type != eventType {
			continue
		}
		sub.ch <- e
	}

	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, s := range subs {
				if s.id == sub.id {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			// Closed under the same lock Publish sends under, so a
			// racing publish can never hit a closed channel.
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SubscriberCount reports how many listeners are registered for a type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[eventType])
}
