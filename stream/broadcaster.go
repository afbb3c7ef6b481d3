package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber event buffer before drops begin.
const DefaultBufferSize = 256

// SinkFunc receives every published event regardless of subscribers.
// Sinks must not block; use an internal queue for slow destinations.
type SinkFunc func(Event)

// Subscription is one subscriber's view of a session's event stream.
type Subscription struct {
	ID        string
	SessionID string

	ch chan Event

	mu      sync.Mutex
	dropped int
	lagging bool
	closed  bool
}

// Events returns the channel events are delivered on. The channel is
// closed on Unsubscribe or CloseSession.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lagging reports whether this subscriber has dropped events since the
// last successful delivery.
func (s *Subscription) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// deliver attempts a non-blocking send. On a full buffer the event is
// dropped and counted; the next delivered event carries the count.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.dropped > 0 {
		ev.Dropped = s.dropped
	}

	select {
	case s.ch <- ev:
		s.dropped = 0
		s.lagging = false
	default:
		s.dropped++
		s.lagging = true
		subscriberDroppedEvents.Inc()
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Broadcaster fans events out to session subscribers. A single instance
// owns all per-session subscriber state; there are no package globals.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Subscription
	sinks    []SinkFunc

	bufferSize int
	logger     *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize overrides the per-subscriber buffer bound.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the broadcaster's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sessions:   make(map[string]map[string]*Subscription),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddSink registers an audit sink that receives every published event.
// Sinks are for durability mirrors (NATS, logs); they see events even
// when no subscriber is attached.
func (b *Broadcaster) AddSink(sink SinkFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe attaches a new subscriber to a session's event stream.
func (b *Broadcaster) Subscribe(sessionID string) (*Subscription, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	sub := &Subscription{
		ID:        "sub-" + uuid.New().String()[:8],
		SessionID: sessionID,
		ch:        make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.sessions[sessionID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.sessions[sessionID] = subs
	}
	subs[sub.ID] = sub

	b.logger.Debug("Subscriber attached",
		"session_id", sessionID,
		"subscriber_id", sub.ID,
		"subscriber_count", len(subs))

	return sub, nil
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	if subs, ok := b.sessions[sub.SessionID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.sessions, sub.SessionID)
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Publish delivers an event to every live subscriber of its session.
// Delivery is non-blocking: a full subscriber buffer drops the event for
// that subscriber only. Callers publish a session's events from a single
// goroutine, so per-session order is channel order.
func (b *Broadcaster) Publish(ev Event) {
	if ev.SessionID == "" {
		b.logger.Warn("Dropping event without session id", "type", ev.Type)
		return
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.sessions[ev.SessionID]))
	for _, sub := range b.sessions[ev.SessionID] {
		subs = append(subs, sub)
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
	for _, sink := range sinks {
		sink(ev)
	}
}

// CloseSession detaches all subscribers of a session, closing their
// channels. Used when a session reaches a terminal state.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	subs := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// SubscriberCount reports the number of live subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}
