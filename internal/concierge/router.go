// Package concierge routes inbound contractor messages to the agent that
// should answer them.
package concierge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/power100/concierge/internal/agent"
	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/eventctx"
	"github.com/power100/concierge/internal/fsm"
	"github.com/power100/concierge/internal/manager"
	"github.com/power100/concierge/internal/store"
)

// Sessions is the part of the machine registry the router drives.
type Sessions interface {
	GetOrCreateMachine(ctx context.Context, contractorID int64, sessionID string) (*fsm.Machine, error)
	SendEvent(ctx context.Context, contractorID int64, sessionID string, t fsm.Trigger, p fsm.Payload) (domain.AgentID, error)
	UpdateEventContext(ctx context.Context, contractorID int64, sessionID string, ec *domain.EventContext) error
	DestroyMachine(contractorID int64, sessionID string) bool
}

// RouteObserver records how long routing decisions take.
type RouteObserver interface {
	ObserveRoute(agent string, d time.Duration)
}

// SessionCloser is told when a session ends.
type SessionCloser interface {
	CloseSession(contractorID int64, sessionID string)
}

// Route is the outcome of routing one message.
type Route struct {
	SessionID    string               `json:"sessionId"`
	Agent        domain.AgentID       `json:"agent"`
	State        domain.StateKind     `json:"state"`
	SessionType  string               `json:"sessionType"`
	EventID      int64                `json:"eventId,omitempty"`
	EventContext *domain.EventContext `json:"eventContext"`
}

// Router ties the event provider, the machine registry and the agents together.
type Router struct {
	sessions Sessions
	repo     store.SessionRepository
	provider eventctx.Provider
	agents   *agent.Registry
	observer RouteObserver
	closer   SessionCloser
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithRouteObserver records routing latency.
func WithRouteObserver(o RouteObserver) Option {
	return func(r *Router) { r.observer = o }
}

// WithSessionCloser is notified from EndSession.
func WithSessionCloser(c SessionCloser) Option {
	return func(r *Router) { r.closer = c }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock overrides time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router.
func NewRouter(sessions Sessions, repo store.SessionRepository, provider eventctx.Provider, agents *agent.Registry, opts ...Option) *Router {
	r := &Router{
		sessions: sessions,
		repo:     repo,
		provider: provider,
		agents:   agents,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route refreshes the session's event snapshot and re-evaluates which agent
// answers the next message. A failing provider does not block routing; the
// session keeps the snapshot it already has.
func (r *Router) Route(ctx context.Context, contractorID int64, sessionID string) (Route, error) {
	start := r.now()

	ec, err := r.provider.Current(ctx, contractorID)
	if err != nil {
		r.logger.Warn("Event context lookup failed, routing on stored context",
			"contractor_id", contractorID,
			"session_id", sessionID,
			"error", err)
		if _, err := r.sessions.SendEvent(ctx, contractorID, sessionID, fsm.MessageReceived, fsm.Payload{}); err != nil {
			return Route{}, fmt.Errorf("route message: %w", err)
		}
	} else {
		if err := r.sessions.UpdateEventContext(ctx, contractorID, sessionID, ec); err != nil {
			return Route{}, fmt.Errorf("update event context: %w", err)
		}
		if _, err := r.sessions.SendEvent(ctx, contractorID, sessionID, fsm.MessageReceived, fsm.Payload{EventContext: ec}); err != nil {
			return Route{}, fmt.Errorf("route message: %w", err)
		}
	}

	route, err := r.describe(ctx, contractorID, sessionID)
	if err != nil {
		return Route{}, err
	}
	if r.observer != nil {
		r.observer.ObserveRoute(string(route.Agent), r.now().Sub(start))
	}
	r.logger.Info("Routed message",
		"contractor_id", contractorID,
		"session_id", sessionID,
		"state", route.State,
		"agent", route.Agent)
	return route, nil
}

// Describe reports the session's current routing without sending a trigger.
func (r *Router) Describe(ctx context.Context, contractorID int64, sessionID string) (Route, error) {
	return r.describe(ctx, contractorID, sessionID)
}

func (r *Router) describe(ctx context.Context, contractorID int64, sessionID string) (Route, error) {
	machine, err := r.sessions.GetOrCreateMachine(ctx, contractorID, sessionID)
	if err != nil {
		return Route{}, err
	}
	state := machine.State()
	agentID := state.Agent()
	route := Route{
		SessionID:    sessionID,
		Agent:        agentID,
		State:        state.Kind,
		SessionType:  agentID.SessionType(),
		EventContext: state.Context.EventContext,
	}
	if route.EventContext != nil {
		route.EventID = route.EventContext.EventID
	}
	return route, nil
}

// Trigger sends a raw trigger to the session and returns the resulting routing.
func (r *Router) Trigger(ctx context.Context, contractorID int64, sessionID string, t fsm.Trigger, p fsm.Payload) (Route, error) {
	if _, err := r.sessions.SendEvent(ctx, contractorID, sessionID, t, p); err != nil {
		return Route{}, fmt.Errorf("send %s: %w", t, err)
	}
	return r.describe(ctx, contractorID, sessionID)
}

// EventRegistered switches the session to the event agent for ec.
func (r *Router) EventRegistered(ctx context.Context, contractorID int64, sessionID string, ec *domain.EventContext) (Route, error) {
	return r.Trigger(ctx, contractorID, sessionID, fsm.EventRegistered, fsm.Payload{EventContext: ec})
}

// EventEnded returns the session to the standard agent.
func (r *Router) EventEnded(ctx context.Context, contractorID int64, sessionID string) (Route, error) {
	return r.Trigger(ctx, contractorID, sessionID, fsm.EventEnded, fsm.Payload{})
}

// SetEventContext replaces the session's snapshot without a transition.
func (r *Router) SetEventContext(ctx context.Context, contractorID int64, sessionID string, ec *domain.EventContext) error {
	return r.sessions.UpdateEventContext(ctx, contractorID, sessionID, ec)
}

// StartSession creates the backing row for a new conversation. An empty
// sessionID gets a generated one.
func (r *Router) StartSession(ctx context.Context, contractorID int64, sessionID string) (*domain.ConciergeSession, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := r.now().UTC()
	session := &domain.ConciergeSession{
		SessionID:     sessionID,
		ContractorID:  contractorID,
		SessionType:   domain.AgentNone.SessionType(),
		SessionStatus: domain.SessionStatusActive,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.repo.CreateConciergeSession(ctx, session); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	r.logger.Info("Session started", "contractor_id", contractorID, "session_id", sessionID)
	return session, nil
}

// EndSession marks the session ended and drops its machine. The row and its
// last snapshot are kept.
func (r *Router) EndSession(ctx context.Context, contractorID int64, sessionID string) error {
	row, err := r.repo.GetConciergeSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if row == nil || row.ContractorID != contractorID {
		return manager.ErrSessionNotFound
	}
	if err := r.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusEnded); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %w", manager.ErrSessionNotFound, err)
		}
		return fmt.Errorf("end session: %w", err)
	}
	r.sessions.DestroyMachine(contractorID, sessionID)
	if r.closer != nil {
		r.closer.CloseSession(contractorID, sessionID)
	}
	r.logger.Info("Session ended", "contractor_id", contractorID, "session_id", sessionID)
	return nil
}

// ReleaseMachine drops the cached machine for the session and reports whether
// one was cached. The next trigger restores it from storage.
func (r *Router) ReleaseMachine(contractorID int64, sessionID string) bool {
	return r.sessions.DestroyMachine(contractorID, sessionID)
}

// ListSessions returns the contractor's sessions, newest first.
func (r *Router) ListSessions(ctx context.Context, contractorID int64, limit int) ([]*domain.ConciergeSession, error) {
	sessions, err := r.repo.ListSessionsByContractor(ctx, contractorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Dispatch streams the reply of the agent chosen by route.
func (r *Router) Dispatch(ctx context.Context, route Route, contractorID int64, message string) iter.Seq2[*agent.Reply, error] {
	a, err := r.agents.Get(route.Agent)
	if err != nil {
		return func(yield func(*agent.Reply, error) bool) {
			yield(nil, err)
		}
	}
	return a.Respond(ctx, agent.Request{
		ContractorID: contractorID,
		SessionID:    route.SessionID,
		Message:      message,
		EventContext: route.EventContext,
	})
}
