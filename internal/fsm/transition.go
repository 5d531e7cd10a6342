package fsm

import (
	"fmt"
	"time"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/routing"
)

// Rule is one row of the transition table. Guard names the condition that
// picks among several targets.
type Rule struct {
	From    []domain.StateKind `json:"from"`
	Trigger Trigger            `json:"trigger"`
	To      []domain.StateKind `json:"to"`
	Guard   string             `json:"guard,omitempty"`
	Effect  string             `json:"effect"`
}

var allStates = []domain.StateKind{domain.StateIdle, domain.StateStandardAgent, domain.StateEventAgent}

var transitionTable = []Rule{
	{
		From:    allStates,
		Trigger: MessageReceived,
		To:      []domain.StateKind{domain.StateStandardAgent, domain.StateEventAgent},
		Guard:   "event_agent iff event date is today and status is active",
		Effect:  "context replaced by payload when present, routing policy evaluated",
	},
	{
		From:    allStates,
		Trigger: EventRegistered,
		To:      []domain.StateKind{domain.StateEventAgent},
		Effect:  "context replaced by payload",
	},
	{
		From:    allStates,
		Trigger: EventEnded,
		To:      []domain.StateKind{domain.StateStandardAgent},
		Effect:  "context cleared",
	},
}

// Table returns a copy of the transition table.
func Table() []Rule {
	out := make([]Rule, len(transitionTable))
	copy(out, transitionTable)
	return out
}

// States lists every state kind in table order.
func States() []domain.StateKind {
	return append([]domain.StateKind(nil), allStates...)
}

// Apply computes the state that follows s on trigger t. It performs no I/O.
// The returned state records the transition in Context.LastTransition.
func Apply(s State, t Trigger, p Payload, policy routing.Policy, now time.Time) (State, error) {
	if !t.Known() {
		return s, fmt.Errorf("%q: %w", t, ErrUnknownTrigger)
	}

	var next State
	switch t {
	case MessageReceived:
		ec := s.Context.EventContext
		if p.EventContext != nil {
			ec = p.EventContext
		}
		next = stateForAgent(policy.Resolve(ec, now), ec)
	case EventRegistered:
		ec := p.EventContext
		if ec == nil {
			ec = s.Context.EventContext
		}
		if ec == nil {
			return s, fmt.Errorf("%s requires an event context: %w", t, ErrInvalidPayload)
		}
		next = EventAgent(ec)
	case EventEnded:
		next = StandardAgent(nil)
	}

	next.Context.LastTransition = &TransitionRecord{
		Trigger: t,
		From:    s.Kind,
		To:      next.Kind,
		At:      now.UTC(),
	}
	return next, nil
}

func stateForAgent(agent domain.AgentID, ec *domain.EventContext) State {
	if agent == domain.AgentEvent {
		return EventAgent(ec)
	}
	return StandardAgent(ec)
}
