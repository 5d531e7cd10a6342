// Package fsm implements the per-session concierge state machine.
//
// The state is an explicit tagged union (State.Kind selects the variant) and
// every transition goes through the pure Apply function, so the whole table
// can be exercised without a Machine or a database. Machine adds the
// per-session mutex and the durable write after each transition.
package fsm

import (
	"time"

	"github.com/power100/concierge/internal/domain"
)

// TransitionRecord describes the most recent transition of a session.
type TransitionRecord struct {
	Trigger Trigger          `json:"trigger"`
	From    domain.StateKind `json:"from"`
	To      domain.StateKind `json:"to"`
	At      time.Time        `json:"at"`
}

// Context is the data carried alongside the state kind.
// CurrentAgent always equals Kind.Agent() for states built by this package.
type Context struct {
	CurrentAgent   domain.AgentID
	EventContext   *domain.EventContext
	LastTransition *TransitionRecord
}

// State is the machine state: idle, standard_agent or event_agent.
type State struct {
	Kind    domain.StateKind
	Context Context
}

// Idle is the initial state of a session.
func Idle() State {
	return State{Kind: domain.StateIdle}
}

// StandardAgent returns the standard_agent state carrying ec (which may be nil).
func StandardAgent(ec *domain.EventContext) State {
	return State{
		Kind: domain.StateStandardAgent,
		Context: Context{
			CurrentAgent: domain.AgentStandard,
			EventContext: ec.Clone(),
		},
	}
}

// EventAgent returns the event_agent state carrying ec.
func EventAgent(ec *domain.EventContext) State {
	return State{
		Kind: domain.StateEventAgent,
		Context: Context{
			CurrentAgent: domain.AgentEvent,
			EventContext: ec.Clone(),
		},
	}
}

// Agent returns the active agent, AgentNone while idle.
func (s State) Agent() domain.AgentID {
	return s.Kind.Agent()
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Context.EventContext = s.Context.EventContext.Clone()
	if s.Context.LastTransition != nil {
		lt := *s.Context.LastTransition
		out.Context.LastTransition = &lt
	}
	return out
}
