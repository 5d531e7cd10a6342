package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/fsm"
)

func change(cid int64, sid string, to domain.StateKind) fsm.Change {
	return fsm.Change{
		ContractorID: cid,
		SessionID:    sid,
		Trigger:      fsm.MessageReceived,
		From:         domain.StateIdle,
		To:           to,
		Agent:        to.Agent(),
		At:           time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_DeliversToSessionSubscribers(t *testing.T) {
	h := NewHub(10)
	sub, history := h.Subscribe(1, "S1")
	defer h.Unsubscribe(sub)
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}

	other, _ := h.Subscribe(1, "S2")
	defer h.Unsubscribe(other)

	h.ObserveTransition(change(1, "S1", domain.StateStandardAgent))

	e := receive(t, sub)
	if e.Type != EventTypeTransition || e.To != domain.StateStandardAgent || e.Agent != domain.AgentStandard {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.Seq != 1 {
		t.Fatalf("Seq = %d, want 1", e.Seq)
	}

	select {
	case e := <-other.C:
		t.Fatalf("other session received %+v", e)
	default:
	}
}

func TestHub_HistoryForLateSubscriber(t *testing.T) {
	h := NewHub(2)
	h.ObserveTransition(change(1, "S1", domain.StateStandardAgent))
	h.ObserveTransition(change(1, "S1", domain.StateEventAgent))
	h.ObserveTransition(change(1, "S1", domain.StateStandardAgent))

	sub, history := h.Subscribe(1, "S1")
	defer h.Unsubscribe(sub)

	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].To != domain.StateEventAgent || history[1].Seq != 3 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	sub, _ := h.Subscribe(1, "S1")
	defer h.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.ObserveTransition(change(1, "S1", domain.StateStandardAgent))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := len(sub.C); got != subscriberBuffer {
		t.Fatalf("buffered = %d, want %d", got, subscriberBuffer)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(10)
	sub, _ := h.Subscribe(1, "S1")
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
	if n := h.Subscribers(1, "S1"); n != 0 {
		t.Fatalf("Subscribers = %d, want 0", n)
	}
}

func TestHub_CloseSession(t *testing.T) {
	h := NewHub(10)
	h.ObserveTransition(change(1, "S1", domain.StateStandardAgent))
	sub, _ := h.Subscribe(1, "S1")

	h.CloseSession(1, "S1")

	e := receive(t, sub)
	if e.Type != EventTypeClosed {
		t.Fatalf("Type = %q, want closed", e.Type)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after close event")
	}

	// Unsubscribing after the session closed is harmless.
	h.Unsubscribe(sub)

	again, history := h.Subscribe(1, "S1")
	defer h.Unsubscribe(again)
	if len(history) != 0 {
		t.Fatalf("history survived CloseSession: %+v", history)
	}
}

func TestHub_SubscribeAfterSkipsSeenEvents(t *testing.T) {
	h := NewHub(10)
	for i := 0; i < 4; i++ {
		h.ObserveTransition(change(1, "S1", domain.StateStandardAgent))
	}

	sub, history := h.SubscribeAfter(1, "S1", 2)
	defer h.Unsubscribe(sub)
	if len(history) != 2 || history[0].Seq != 3 || history[1].Seq != 4 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestHub_EvictIdleReleasesUnwatchedHistory(t *testing.T) {
	h := NewHub(8)
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	for i := 0; i < 1000; i++ {
		h.ObserveTransition(change(1, fmt.Sprintf("S%d", i), domain.StateStandardAgent))
	}
	watched, _ := h.Subscribe(1, "S0")
	defer h.Unsubscribe(watched)

	now = now.Add(10 * time.Minute)
	h.ObserveTransition(change(1, "S1", domain.StateEventAgent))

	if n := h.EvictIdle(30 * time.Minute); n != 0 {
		t.Fatalf("evicted %d fresh histories", n)
	}

	now = now.Add(25 * time.Minute)
	if n := h.EvictIdle(30 * time.Minute); n != 998 {
		t.Fatalf("EvictIdle = %d, want 998", n)
	}
	if n := h.Histories(); n != 2 {
		t.Fatalf("Histories = %d, want 2 (subscribed S0 and recent S1)", n)
	}

	now = now.Add(time.Hour)
	h.Unsubscribe(watched)
	if n := h.EvictIdle(30 * time.Minute); n != 2 {
		t.Fatalf("EvictIdle = %d, want 2", n)
	}
	if n := h.Histories(); n != 0 {
		t.Fatalf("Histories = %d, want 0", n)
	}
}
