// Package events broadcasts lifecycle transitions to live subscribers.
// Delivery is at-most-once and fire-and-forget: there is no buffering or
// replay for subscribers that connect later, and publishing never blocks or
// fails the orchestrator.
package events

import (
	"log/slog"
	"sync"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// Broker fans lifecycle events out to subscribers. Safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	log    *slog.Logger
}

type subscriber struct {
	ch   chan report.Event
	dead bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int]*subscriber),
		log:  slog.With("component", "events"),
	}
}

// Subscribe registers a live subscriber with the given channel buffer and
// returns the receive channel plus a cancel function. Cancel is idempotent;
// the channel closes once the broker drops the subscriber.
func (b *Broker) Subscribe(buffer int) (<-chan report.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan report.Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every live subscriber without blocking. A
// subscriber whose buffer is full misses the event; subscribers marked dead
// are pruned opportunistically on the next publish.
func (b *Broker) Publish(evt report.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, sub := range b.subs {
		if sub.dead {
			delete(b.subs, id)
			close(sub.ch)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Send failure: the subscriber's buffer is saturated. Drop the
			// event and prune the subscriber on the next publish.
			sub.dead = true
			b.log.Debug("dropped event for slow subscriber",
				"subscriber", id, "type", string(evt.Type))
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
