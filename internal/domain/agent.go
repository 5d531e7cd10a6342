package domain

// AgentID names the conversational persona that answers the next message.
type AgentID string

const (
	// AgentNone is reported while a session is idle.
	AgentNone AgentID = ""
	// AgentStandard is the general-purpose concierge.
	AgentStandard AgentID = "standard"
	// AgentEvent is the live-event concierge.
	AgentEvent AgentID = "event"
)

// SessionType returns the value denormalized into session_type.
// Idle sessions are stored with the neutral "standard" type.
func (a AgentID) SessionType() string {
	if a == AgentNone {
		return string(AgentStandard)
	}
	return string(a)
}

// StateKind is the state of a session machine.
type StateKind string

const (
	StateIdle          StateKind = "idle"
	StateStandardAgent StateKind = "standard_agent"
	StateEventAgent    StateKind = "event_agent"
)

// Valid reports whether k is a known state.
func (k StateKind) Valid() bool {
	switch k {
	case StateIdle, StateStandardAgent, StateEventAgent:
		return true
	default:
		return false
	}
}

// Agent returns the agent implied by the state.
func (k StateKind) Agent() AgentID {
	switch k {
	case StateStandardAgent:
		return AgentStandard
	case StateEventAgent:
		return AgentEvent
	default:
		return AgentNone
	}
}
