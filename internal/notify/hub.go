// Package notify pushes session agent switches to connected clients.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/fsm"
)

// Event is one state change as seen by clients.
type Event struct {
	Seq          int64                `json:"seq"`
	Type         string               `json:"type"`
	ContractorID int64                `json:"contractorId"`
	SessionID    string               `json:"sessionId"`
	Trigger      string               `json:"trigger,omitempty"`
	From         domain.StateKind     `json:"from,omitempty"`
	To           domain.StateKind     `json:"to"`
	Agent        domain.AgentID       `json:"agent"`
	EventContext *domain.EventContext `json:"eventContext"`
	At           time.Time            `json:"at"`
}

const (
	EventTypeTransition = "transition"
	EventTypeState      = "state"
	EventTypeClosed     = "closed"
)

const subscriberBuffer = 16

// Subscription receives events for one session.
type Subscription struct {
	C <-chan Event

	ch           chan Event
	contractorID int64
	sessionID    string
	once         sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

type sessionKey struct {
	contractorID int64
	sessionID    string
}

// sessionHistory is the ring for one session plus the time it last changed.
type sessionHistory struct {
	ring    *Ring
	touched time.Time
}

// Hub fans persisted transitions out to subscribers and keeps a short
// per-session history for late joiners. It implements fsm.Observer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[sessionKey]map[*Subscription]struct{}
	history     map[sessionKey]*sessionHistory
	historySize int
	seq         int64
	now         func() time.Time
}

var _ fsm.Observer = (*Hub)(nil)

// NewHub creates a hub keeping historySize events per session.
func NewHub(historySize int) *Hub {
	return &Hub{
		subscribers: make(map[sessionKey]map[*Subscription]struct{}),
		history:     make(map[sessionKey]*sessionHistory),
		historySize: historySize,
		now:         time.Now,
	}
}

// ObserveTransition implements fsm.Observer. It never blocks; a subscriber
// whose buffer is full misses the event.
func (h *Hub) ObserveTransition(c fsm.Change) {
	h.Publish(Event{
		Type:         EventTypeTransition,
		ContractorID: c.ContractorID,
		SessionID:    c.SessionID,
		Trigger:      string(c.Trigger),
		From:         c.From,
		To:           c.To,
		Agent:        c.Agent,
		EventContext: c.EventContext,
		At:           c.At,
	})
}

// Publish assigns e a sequence number, records it and delivers it.
func (h *Hub) Publish(e Event) {
	k := sessionKey{contractorID: e.ContractorID, sessionID: e.SessionID}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e.Seq = h.seq

	hist, ok := h.history[k]
	if !ok {
		hist = &sessionHistory{ring: NewRing(h.historySize)}
		h.history[k] = hist
	}
	hist.ring.Push(e)
	hist.touched = h.now()

	for sub := range h.subscribers[k] {
		select {
		case sub.ch <- e:
		default:
			slog.Debug("Dropping session event for slow subscriber",
				"contractor_id", e.ContractorID,
				"session_id", e.SessionID,
				"seq", e.Seq)
		}
	}
}

// Subscribe registers a subscriber and returns it with the buffered history.
func (h *Hub) Subscribe(contractorID int64, sessionID string) (*Subscription, []Event) {
	return h.SubscribeAfter(contractorID, sessionID, 0)
}

// SubscribeAfter is Subscribe for a reconnecting client: only buffered events
// with a sequence number above afterSeq are returned.
func (h *Hub) SubscribeAfter(contractorID int64, sessionID string, afterSeq int64) (*Subscription, []Event) {
	k := sessionKey{contractorID: contractorID, sessionID: sessionID}
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, contractorID: contractorID, sessionID: sessionID}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[k]; !exists {
		h.subscribers[k] = make(map[*Subscription]struct{})
	}
	h.subscribers[k][sub] = struct{}{}

	var history []Event
	if hist, ok := h.history[k]; ok {
		history = hist.ring.After(afterSeq)
	}
	slog.Info("Session feed subscribed", "contractor_id", contractorID, "session_id", sessionID)
	return sub, history
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	k := sessionKey{contractorID: sub.contractorID, sessionID: sub.sessionID}

	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscribers[k]; ok {
		if _, exists := subs[sub]; exists {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.subscribers, k)
			}
			slog.Info("Session feed unsubscribed", "contractor_id", sub.contractorID, "session_id", sub.sessionID)
		}
	}
	sub.close()
}

// CloseSession ends every subscription for the session and drops its history.
func (h *Hub) CloseSession(contractorID int64, sessionID string) {
	k := sessionKey{contractorID: contractorID, sessionID: sessionID}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers[k] {
		select {
		case sub.ch <- Event{Type: EventTypeClosed, ContractorID: contractorID, SessionID: sessionID, At: time.Now().UTC()}:
		default:
		}
		sub.close()
	}
	delete(h.subscribers, k)
	delete(h.history, k)
}

// EvictIdle drops the history of sessions that have no subscribers and have
// not changed for olderThan. It returns the number of histories released.
func (h *Hub) EvictIdle(olderThan time.Duration) int {
	cutoff := h.now().Add(-olderThan)

	h.mu.Lock()
	defer h.mu.Unlock()
	released := 0
	for k, hist := range h.history {
		if len(h.subscribers[k]) > 0 || !hist.touched.Before(cutoff) {
			continue
		}
		delete(h.history, k)
		released++
	}
	return released
}

// Histories returns the number of sessions with buffered history.
func (h *Hub) Histories() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.history)
}

// Subscribers returns the number of live subscriptions for a session.
func (h *Hub) Subscribers(contractorID int64, sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionKey{contractorID: contractorID, sessionID: sessionID}])
}
