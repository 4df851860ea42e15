// Package broadcast fans change events out to live viewer sessions. Delivery
// is best-effort: a stalled consumer loses events instead of blocking the
// producer or its peers.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds each subscriber's pending-event queue.
const DefaultQueueSize = 64

// Event types emitted on the stream.
const (
	TypeSnapshot     = "snapshot"
	TypeUpdate       = "update"
	TypeConnectivity = "connectivity"
)

// Event is one message delivered to subscribers. Entities is nil for
// meta-only events such as connectivity transitions.
type Event struct {
	Type     string `json:"type"`
	Meta     any    `json:"meta"`
	Entities any    `json:"entities,omitempty"`
}

// Subscriber is one viewer session's bounded event queue.
type Subscriber struct {
	id uuid.UUID

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id.String() }

// offer enqueues without blocking. Returns false only when the queue is
// full; a concurrently closed subscriber swallows the event silently.
func (s *Subscriber) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster maintains the subscriber registry. The registry lock is
// separate from any state lock so publishing never holds up entity merges.
type Broadcaster struct {
	logger    *zap.Logger
	queueSize int

	mu   sync.Mutex
	subs map[uuid.UUID]*Subscriber
}

// New creates a broadcaster with the given per-subscriber queue size.
func New(queueSize int, logger *zap.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		logger:    logger,
		queueSize: queueSize,
		subs:      make(map[uuid.UUID]*Subscriber),
	}
}

// Subscribe registers a new subscriber queue.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		id: uuid.New(),
		ch: make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("Subscriber registered", zap.String("subscriber", sub.ID()))
	return sub
}

// Unsubscribe removes a subscriber and closes its queue.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()

	if ok {
		sub.shutdown()
		b.logger.Debug("Subscriber removed", zap.String("subscriber", sub.ID()))
	}
}

// Publish delivers ev to every current subscriber. A full queue drops the
// event for that subscriber only; Publish never blocks beyond the registry
// lock.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.offer(ev) {
			b.logger.Warn("Subscriber queue full, dropping event",
				zap.String("subscriber", sub.ID()),
				zap.String("type", ev.Type))
		}
	}
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
