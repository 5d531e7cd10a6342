// Package agent defines the conversational agents the concierge routes
// messages to. Reply generation lives outside this service; agents here are
// thin clients or scripted stand-ins.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/power100/concierge/internal/domain"
)

// ErrNoAgent is returned when neither the requested agent nor the standard
// fallback is registered.
var ErrNoAgent = errors.New("no agent registered")

// Request is one inbound message handed to an agent.
type Request struct {
	ContractorID int64                `json:"contractorId"`
	SessionID    string               `json:"sessionId"`
	Message      string               `json:"message"`
	EventContext *domain.EventContext `json:"eventContext,omitempty"`
}

// Reply is one streamed chunk of an agent's answer.
type Reply struct {
	Agent   domain.AgentID `json:"agent"`
	Content string         `json:"content"`
}

// Agent answers messages for one persona.
type Agent interface {
	ID() domain.AgentID
	// Respond streams the reply. Iteration stops at the first error.
	Respond(ctx context.Context, req Request) iter.Seq2[*Reply, error]
}

// Registry maps agent ids to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[domain.AgentID]Agent
}

// NewRegistry creates a registry holding agents.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{agents: make(map[domain.AgentID]Agent)}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the agent for a.ID().
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID()] = a
}

// Get returns the agent for id, falling back to the standard agent for
// unknown or empty ids.
func (r *Registry) Get(id domain.AgentID) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[id]; ok {
		return a, nil
	}
	if a, ok := r.agents[domain.AgentStandard]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("agent %q: %w", id, ErrNoAgent)
}

// IDs lists the registered agent ids.
func (r *Registry) IDs() []domain.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.AgentID, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
