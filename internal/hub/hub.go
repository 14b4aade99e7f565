// Package hub fans registry deltas and command outcomes out to live subscribers.
package hub

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/clock"
	"github.com/xiaot623/agentfleet/internal/domain"
	"github.com/xiaot623/agentfleet/internal/metrics"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

// Subscriber is one live connection. It holds no replay state: events that
// overflow its queue are dropped oldest first, but a queued snapshot is
// only evicted when nothing else is left to drop.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	out  chan domain.Event
	wake chan struct{}
	done chan struct{}
	size int

	mu      sync.Mutex
	queue   []domain.Event
	closed  bool
	dropped uint64
}

func newSubscriber(size int, now time.Time) *Subscriber {
	return &Subscriber{
		ID:          uuid.New().String(),
		ConnectedAt: now,
		out:         make(chan domain.Event),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		size:        size,
	}
}

// Events returns the delivery channel. It is closed on unsubscribe.
func (s *Subscriber) Events() <-chan domain.Event {
	return s.out
}

// Lossy reports whether the subscriber has ever dropped an event.
func (s *Subscriber) Lossy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped > 0
}

// Dropped returns the number of events dropped for this subscriber.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues ev without blocking, evicting one queued event when the
// queue is full. It reports whether an event was dropped.
func (s *Subscriber) offer(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	var dropped bool
	if len(s.queue) >= s.size {
		i := slices.IndexFunc(s.queue, func(q domain.Event) bool { return q.Type != domain.EventTypeSnapshot })
		if i < 0 {
			i = 0
		}
		s.queue = slices.Delete(s.queue, i, i+1)
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return dropped
}

// pump hands queued events to the reader one at a time. The event in
// flight has already left the queue.
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		ev := s.queue[0]
		s.queue = slices.Delete(s.queue, 0, 1)
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Hub manages all subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueSize   int
	clock       clock.Clock
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// New creates a new Hub. A queueSize <= 0 uses DefaultQueueSize.
func New(queueSize int, clk clock.Clock, logger zerolog.Logger, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		queueSize:   queueSize,
		clock:       clk,
		logger:      logger.With().Str("component", "hub").Logger(),
		metrics:     m,
	}
}

// Publish delivers ev to every connected subscriber without blocking.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if sub.offer(ev) {
			h.metrics.DroppedEvent()
			h.logger.Warn().Str("subscriber", sub.ID).Str("event", string(ev.Type)).Msg("subscriber queue full, dropped an event")
		}
	}
}

// Subscribe registers a new subscriber whose first event is a snapshot of
// the given agents. Callers pass a snapshot taken under the registry read
// lock so no delta can slip in between the snapshot and registration.
func (h *Hub) Subscribe(snapshot []domain.Agent) *Subscriber {
	sub := newSubscriber(h.queueSize, h.clock.Now())
	ev := domain.NewEvent(domain.EventTypeSnapshot, sub.ConnectedAt)
	ev.Agents = snapshot
	sub.queue = append(sub.queue, ev)
	go sub.pump()

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	n := len(h.subscribers)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.logger.Info().Str("subscriber", sub.ID).Int("agents", len(snapshot)).Msg("subscriber connected")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. It is safe to
// call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub.ID]
	delete(h.subscribers, sub.ID)
	n := len(h.subscribers)
	h.mu.Unlock()

	sub.close()
	if ok {
		h.metrics.SetSubscribers(n)
		h.logger.Info().Str("subscriber", sub.ID).Uint64("dropped", sub.Dropped()).Msg("subscriber disconnected")
	}
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		h.Unsubscribe(sub)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
