// Package bus fans newly-indexed vault events out to subscribers. The
// publish path never blocks: a subscriber that falls behind its bounded
// queue is disconnected rather than stalling the indexer.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/unitlabs/unit-indexer/internal/vault"
)

// DefaultQueueSize is the per-subscriber buffer bound.
const DefaultQueueSize = 64

// Notification is one bus message.
type Notification struct {
	Event *vault.Event
}

// Subscriber is one registered consumer. Read from C until it is closed;
// a closed channel means either Unsubscribe was called, the bus shut
// down, or the subscriber overflowed its queue.
type Subscriber struct {
	C  <-chan Notification
	ch chan Notification
	id uint64
}

// Bus is a multi-producer fan-out with bounded per-subscriber queues.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64
	queueSize   int
	closed      bool
	logger      zerolog.Logger

	dropped uint64 // subscribers cut for falling behind
}

// New creates a bus with the given per-subscriber queue bound
// (DefaultQueueSize when zero or negative).
func New(queueSize int, logger zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subscribers: make(map[uint64]*Subscriber),
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Subscribe registers a new consumer. Returns nil if the bus is closed.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	ch := make(chan Notification, b.queueSize)
	sub := &Subscriber{C: ch, ch: ch, id: b.nextID}
	b.nextID++
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)
}

// Publish delivers the notification to every subscriber without
// blocking. Subscribers whose queue is full are disconnected.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- n:
		default:
			// Backlog exceeded: cut the subscriber loose.
			delete(b.subscribers, id)
			close(sub.ch)
			b.dropped++
			b.logger.Warn().
				Uint64("subscriber", id).
				Msg("Dropping slow notification subscriber")
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many subscribers were cut for falling behind.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
