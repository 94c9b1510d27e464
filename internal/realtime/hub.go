package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
)

// Subscription receives events until it is closed. C is closed when the hub
// drops the subscriber, either on Unsubscribe or because it fell behind.
type Subscription struct {
	ID     string
	UserID string
	C      <-chan Event

	ch   chan Event
	once sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans events out to in-process subscribers. Delivery never blocks the
// publisher: a subscriber whose buffer is full is disconnected and must
// reconcile by re-fetching.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	log    *logger.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: buffer, log: log}
}

// Subscribe registers a subscriber for userID.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{ID: uuid.NewString(), UserID: userID, C: ch, ch: ch}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub.ID)
	h.mu.Unlock()
	sub.close()
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers evt to every subscriber.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	var slow []*Subscription
	h.mu.RLock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warn().
			Str("subscription_id", sub.ID).
			Str("user_id", sub.UserID).
			Str("event_type", string(evt.Type)).
			Msg("Subscriber fell behind, disconnecting")
		h.Unsubscribe(sub)
	}
	return nil
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
