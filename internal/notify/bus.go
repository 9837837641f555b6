// Package notify fans out balance changes to live subscribers such as the
// websocket stream.
package notify

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	BalanceChanged = "credits.balance"
	PlanChanged    = "billing.plan"
)

// Event is a single balance notification.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Delta     int64     `json:"delta"`
	Plan      string    `json:"plan,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Publisher is implemented by Bus. Services depend on it so tests can pass nil
// or a recorder.
type Publisher interface {
	Publish(e Event)
}

const subscriberBuffer = 64

// Bus is a fan-out pub/sub bus. Subscribers receive events on a buffered
// channel; slow subscribers miss events (non-blocking publish).
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]string // channel -> user filter ("" = all users)
	closed bool
}

// New creates a new bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]string)}
}

// Subscribe returns a channel that receives events for userID, or for every
// user when userID is empty.
func (b *Bus) Subscribe(userID string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = userID
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends e to all matching subscribers without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, userID := range b.subs {
		if userID != "" && userID != e.UserID {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers reports the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
