package fsm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/power100/concierge/internal/domain"
)

// wireState is the session_data JSON document.
type wireState struct {
	State     domain.StateKind `json:"state"`
	Context   wireContext      `json:"context"`
	Timestamp string           `json:"timestamp,omitempty"`
}

type wireContext struct {
	CurrentAgent   *domain.AgentID      `json:"currentAgent"`
	EventContext   *domain.EventContext `json:"eventContext"`
	LastTransition *TransitionRecord    `json:"lastTransition,omitempty"`
}

// Encode serializes s into the session_data document.
func Encode(s State, now time.Time) (string, error) {
	w := wireState{
		State: s.Kind,
		Context: wireContext{
			EventContext:   s.Context.EventContext,
			LastTransition: s.Context.LastTransition,
		},
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	if agent := s.Agent(); agent != domain.AgentNone {
		w.Context.CurrentAgent = &agent
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal session data: %w", err)
	}
	return string(data), nil
}

// Decode parses a session_data document back into the exact state it was
// encoded from. It never re-runs routing. Documents with an unknown state,
// an agent that disagrees with the state, or an event_agent state without
// an event snapshot are rejected with ErrCorruptSessionData.
func Decode(data string) (State, error) {
	if strings.TrimSpace(data) == "" {
		return State{}, fmt.Errorf("empty document: %w", ErrCorruptSessionData)
	}

	var w wireState
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptSessionData, err)
	}
	if !w.State.Valid() {
		return State{}, fmt.Errorf("unknown state %q: %w", w.State, ErrCorruptSessionData)
	}

	var agent domain.AgentID
	if w.Context.CurrentAgent != nil {
		agent = *w.Context.CurrentAgent
	}
	if agent != w.State.Agent() {
		return State{}, fmt.Errorf("agent %q does not match state %q: %w", agent, w.State, ErrCorruptSessionData)
	}
	if w.State == domain.StateEventAgent && w.Context.EventContext == nil {
		return State{}, fmt.Errorf("event_agent without event context: %w", ErrCorruptSessionData)
	}

	return State{
		Kind: w.State,
		Context: Context{
			CurrentAgent:   agent,
			EventContext:   w.Context.EventContext,
			LastTransition: w.Context.LastTransition,
		},
	}, nil
}
