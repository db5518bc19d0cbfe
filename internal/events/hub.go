// Package events fans out per-session progress events to realtime subscribers.
package events

import (
	"sync"
	"time"
)

const defaultSubscriberBuffer = 32

// Event types.
const (
	TypeSessionUpdated   = "session.updated"
	TypeRoleCompleted    = "role.completed"
	TypeSessionCompleted = "session.completed"
	TypeSessionFailed    = "session.failed"
)

// Event is a single progress notification for a session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role,omitempty"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the session's stream.
func (e Event) Terminal() bool {
	return e.Type == TypeSessionCompleted || e.Type == TypeSessionFailed
}

// Hub routes events to subscribers of a session. Slow subscribers drop
// events rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string]map[uint64]chan Event
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[uint64]chan Event)}
}

// Subscribe returns a channel of events for sessionID and a cancel func.
// The channel is closed after a terminal event, on cancel, or on Close.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	if h == nil {
		return nil, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	ch := make(chan Event, buffer)
	subs := h.topics[sessionID]
	if subs == nil {
		subs = make(map[uint64]chan Event)
		h.topics[sessionID] = subs
	}
	subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.topics[sessionID][id]; ok {
			delete(h.topics[sessionID], id)
			if len(h.topics[sessionID]) == 0 {
				delete(h.topics, sessionID)
			}
			close(existing)
		}
	}
}

// Publish delivers evt to every subscriber of its session. A terminal event
// closes the session's subscriptions after delivery.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	subs := h.topics[evt.SessionID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	if evt.Terminal() {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.topics, evt.SessionID)
	}
}

// Subscribers returns the number of open subscriptions for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[sessionID])
}

// Close closes every subscription and rejects further use.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sid, subs := range h.topics {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.topics, sid)
	}
}
