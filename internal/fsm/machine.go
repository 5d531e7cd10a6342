package fsm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/routing"
)

// Persister writes a session's state snapshot and returns the row version
// after the write.
type Persister interface {
	SaveSessionState(ctx context.Context, update domain.SessionStateUpdate) (int64, error)
}

// Change is published to observers after a transition has been persisted.
type Change struct {
	ContractorID int64
	SessionID    string
	Trigger      Trigger
	From         domain.StateKind
	To           domain.StateKind
	Agent        domain.AgentID
	EventContext *domain.EventContext
	At           time.Time
}

// Observer receives persisted transitions. Implementations must not block.
type Observer interface {
	ObserveTransition(Change)
}

// Observers fans a change out to several observers.
type Observers []Observer

// ObserveTransition implements Observer.
func (o Observers) ObserveTransition(c Change) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveTransition(c)
		}
	}
}

// Config configures a Machine.
type Config struct {
	ContractorID int64
	SessionID    string
	// Initial is the state to start in; the zero value means Idle.
	Initial State
	// Version is the row version the initial state was read at.
	Version int64
	// Optimistic makes every write a compare-and-swap on Version.
	Optimistic bool
	Policy     routing.Policy
	Clock      func() time.Time
	Persister  Persister
	Observer   Observer
	Logger     *slog.Logger
}

// Machine is the state machine of one (contractor, session) pair.
// Triggers are serialized by an internal mutex; the transition is applied in
// memory first and then written through the Persister before SendEvent returns.
type Machine struct {
	mu           sync.Mutex
	contractorID int64
	sessionID    string
	state        State
	version      int64
	optimistic   bool
	policy       routing.Policy
	now          func() time.Time
	persister    Persister
	observer     Observer
	logger       *slog.Logger
	lastActive   time.Time
}

// NewMachine creates a machine in cfg.Initial without touching storage.
func NewMachine(cfg Config) *Machine {
	initial := cfg.Initial
	if initial.Kind == "" {
		initial = Idle()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		contractorID: cfg.ContractorID,
		sessionID:    cfg.SessionID,
		state:        initial.Clone(),
		version:      cfg.Version,
		optimistic:   cfg.Optimistic,
		policy:       cfg.Policy,
		now:          clock,
		persister:    cfg.Persister,
		observer:     cfg.Observer,
		logger:       logger,
		lastActive:   clock(),
	}
}

// SendEvent applies trigger t and persists the resulting state.
// Unknown triggers are ignored. A failed write returns a *PersistenceError
// and leaves the new state in memory.
func (m *Machine) SendEvent(ctx context.Context, t Trigger, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	next, err := Apply(m.state, t, p, m.policy, now)
	if errors.Is(err, ErrUnknownTrigger) {
		m.logger.Debug("Ignoring unknown trigger",
			"contractor_id", m.contractorID,
			"session_id", m.sessionID,
			"trigger", t)
		return nil
	}
	if err != nil {
		return err
	}

	prev := m.state.Kind
	m.state = next
	m.lastActive = now

	if err := m.persistLocked(ctx, now); err != nil {
		m.logger.Error("Failed to persist session state",
			"contractor_id", m.contractorID,
			"session_id", m.sessionID,
			"trigger", t,
			"state", next.Kind,
			"error", err)
		return &PersistenceError{SessionID: m.sessionID, State: next.Kind, Err: err}
	}

	m.logger.Debug("Session transition",
		"contractor_id", m.contractorID,
		"session_id", m.sessionID,
		"trigger", t,
		"from", prev,
		"to", next.Kind)

	if m.observer != nil {
		m.observer.ObserveTransition(Change{
			ContractorID: m.contractorID,
			SessionID:    m.sessionID,
			Trigger:      t,
			From:         prev,
			To:           next.Kind,
			Agent:        next.Agent(),
			EventContext: next.Context.EventContext.Clone(),
			At:           now,
		})
	}
	return nil
}

func (m *Machine) persistLocked(ctx context.Context, now time.Time) error {
	if m.persister == nil {
		return nil
	}
	data, err := Encode(m.state, now)
	if err != nil {
		return err
	}
	expected := domain.AnyVersion
	if m.optimistic {
		expected = m.version
	}
	version, err := m.persister.SaveSessionState(ctx, domain.SessionStateUpdate{
		SessionID:       m.sessionID,
		SessionType:     m.state.Agent().SessionType(),
		SessionData:     data,
		ExpectedVersion: expected,
		UpdatedAt:       now,
	})
	if err != nil {
		return err
	}
	m.version = version
	return nil
}

// UpdateEventContext replaces the stored snapshot without a transition.
// The next MESSAGE_RECEIVED routes against it.
func (m *Machine) UpdateEventContext(ec *domain.EventContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Context.EventContext = ec.Clone()
	m.lastActive = m.now()
}

// CurrentState returns the current state kind.
func (m *Machine) CurrentState() domain.StateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Kind
}

// CurrentAgent returns the active agent, AgentNone while idle.
func (m *Machine) CurrentAgent() domain.AgentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Agent()
}

// EventContext returns a copy of the stored snapshot.
func (m *Machine) EventContext() *domain.EventContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Context.EventContext.Clone()
}

// State returns a deep copy of the full state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Version returns the row version of the last successful write.
func (m *Machine) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// LastActive returns when the machine last received input.
func (m *Machine) LastActive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActive
}

// ContractorID returns the owning contractor.
func (m *Machine) ContractorID() int64 { return m.contractorID }

// SessionID returns the session the machine drives.
func (m *Machine) SessionID() string { return m.sessionID }
