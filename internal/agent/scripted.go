package agent

import (
	"context"
	"iter"
	"strings"

	"github.com/power100/concierge/internal/domain"
)

// Scripted is an Agent that streams a fixed reply word by word. The server
// falls back to it when no upstream URL is configured for a persona.
type Scripted struct {
	id    domain.AgentID
	reply func(Request) string
}

// NewScripted creates a scripted agent. reply builds the text for a request.
func NewScripted(id domain.AgentID, reply func(Request) string) *Scripted {
	return &Scripted{id: id, reply: reply}
}

// DefaultScripted returns scripted stand-ins for the standard and event personas.
func DefaultScripted() []Agent {
	return []Agent{
		NewScripted(domain.AgentStandard, func(req Request) string {
			return "Thanks for your message. The concierge will follow up shortly."
		}),
		NewScripted(domain.AgentEvent, func(req Request) string {
			if req.EventContext != nil && req.EventContext.EventName != "" {
				return "Welcome to " + req.EventContext.EventName + ". Ask me anything about today's agenda."
			}
			return "Welcome to the event. Ask me anything about today's agenda."
		}),
	}
}

// ID implements Agent.
func (s *Scripted) ID() domain.AgentID { return s.id }

// Respond implements Agent.
func (s *Scripted) Respond(ctx context.Context, req Request) iter.Seq2[*Reply, error] {
	return func(yield func(*Reply, error) bool) {
		words := strings.Fields(s.reply(req))
		for i, w := range words {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if i < len(words)-1 {
				w += " "
			}
			if !yield(&Reply{Agent: s.id, Content: w}, nil) {
				return
			}
		}
	}
}
