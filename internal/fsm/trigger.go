package fsm

import (
	"strings"

	"github.com/power100/concierge/internal/domain"
)

// Trigger is a named input to the state machine.
type Trigger string

const (
	// MessageReceived re-evaluates routing on every inbound message.
	MessageReceived Trigger = "MESSAGE_RECEIVED"
	// EventRegistered switches to the event agent without consulting the policy.
	EventRegistered Trigger = "EVENT_REGISTERED"
	// EventEnded clears the event snapshot and switches to the standard agent.
	EventEnded Trigger = "EVENT_ENDED"
)

// Known reports whether t is handled by the transition table.
func (t Trigger) Known() bool {
	switch t {
	case MessageReceived, EventRegistered, EventEnded:
		return true
	default:
		return false
	}
}

// ParseTrigger normalizes case and surrounding whitespace. Unknown names are
// returned as-is; the machine ignores them.
func ParseTrigger(s string) Trigger {
	return Trigger(strings.ToUpper(strings.TrimSpace(s)))
}

// Payload is the optional data sent with a trigger.
type Payload struct {
	EventContext *domain.EventContext `json:"eventContext,omitempty"`
}
