// Package delivery fans session events out to connected clients.
//
// Delivery is best-effort and at-most-once: each subscriber owns a bounded
// queue and an event is dropped for a subscriber whose queue is full.
// Clients recover missed events from the transcript.
package delivery

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
)

// DefaultBufferSize is the per-subscriber queue length used when NewHub is
// given a non-positive size.
const DefaultBufferSize = 32

// ClientRef identifies one connected client.
type ClientRef struct {
	ID     string
	UserID string
	Role   chat.Sender
}

// Subscription is a client's membership in a session topic. Events is
// closed once the subscription ends, whoever ended it.
type Subscription struct {
	hub       *Hub
	sessionID string
	client    ClientRef
	events    chan chat.Event
	closed    bool // guarded by the topic lock
	replaced  atomic.Bool
	dropped   atomic.Uint64
}

func (s *Subscription) SessionID() string { return s.sessionID }
func (s *Subscription) Client() ClientRef { return s.client }
func (s *Subscription) Events() <-chan chat.Event { return s.events }
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Replaced reports whether the subscription was ended by a newer one for
// the same client or user. It is set before Events is closed.
func (s *Subscription) Replaced() bool { return s.replaced.Load() }

// Unsubscribe removes the subscription from its topic. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.hub.Unsubscribe(s)
}

type topic struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	user *Subscription
}

// Hub is an in-process set of per-session topics.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	bufferSize int
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
	}
}

// Subscribe joins sessionID's topic. There is no replay. A topic holds at
// most one user-role client: a newer user subscription evicts the older one.
func (h *Hub) Subscribe(sessionID string, client ClientRef) *Subscription {
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		client:    client,
		events:    make(chan chat.Event, h.bufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		h.topics[sessionID] = t
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, exists := t.subs[client.ID]; exists {
		old.replaced.Store(true)
		t.remove(old)
	}
	if client.Role == chat.SenderUser {
		if t.user != nil {
			log.Printf("[delivery] session=%s replacing user client %s with %s", sessionID, t.user.client.ID, client.ID)
			t.user.replaced.Store(true)
			t.remove(t.user)
		}
		t.user = sub
	}
	t.subs[client.ID] = sub
	return sub
}

// Unsubscribe removes sub. Unknown or already removed subscriptions are
// ignored.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sub.sessionID]
	if !ok {
		return
	}

	t.mu.Lock()
	if current, ok := t.subs[sub.client.ID]; ok && current == sub {
		t.remove(sub)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(h.topics, sub.sessionID)
	}
}

// Publish offers event to every subscriber of sessionID except the client
// whose ID equals excludeClientID. It never blocks and returns the number
// of subscribers that accepted the event.
func (h *Hub) Publish(sessionID string, event chat.Event, excludeClientID string) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	if !ok {
		h.mu.RUnlock()
		return 0
	}
	t.mu.RLock()
	h.mu.RUnlock()
	defer t.mu.RUnlock()

	delivered := 0
	for id, sub := range t.subs {
		if excludeClientID != "" && id == excludeClientID {
			continue
		}
		select {
		case sub.events <- event:
			delivered++
		default:
			sub.dropped.Add(1)
			log.Printf("[delivery] session=%s client=%s queue full, dropped %s event", sessionID, id, event.Type)
		}
	}
	return delivered
}

// CloseTopic ends every subscription of sessionID and returns how many
// there were.
func (h *Hub) CloseTopic(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sessionID]
	if !ok {
		return 0
	}
	delete(h.topics, sessionID)

	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.subs)
	for _, sub := range t.subs {
		t.remove(sub)
	}
	return n
}

// OperatorCount returns the number of admin-role subscribers of sessionID.
func (h *Hub) OperatorCount(sessionID string) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	if !ok {
		h.mu.RUnlock()
		return 0
	}
	t.mu.RLock()
	h.mu.RUnlock()
	defer t.mu.RUnlock()

	n := 0
	for _, sub := range t.subs {
		if sub.client.Role == chat.SenderAdmin {
			n++
		}
	}
	return n
}

// SubscriberCount returns the number of subscribers of sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	if !ok {
		h.mu.RUnlock()
		return 0
	}
	t.mu.RLock()
	h.mu.RUnlock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Shutdown ends every subscription on every topic.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for _, sub := range t.subs {
			t.remove(sub)
		}
		t.mu.Unlock()
	}
}

// remove must be called with t.mu held for writing.
func (t *topic) remove(sub *Subscription) {
	delete(t.subs, sub.client.ID)
	if t.user == sub {
		t.user = nil
	}
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}
