// Package manager owns the in-process registry of session state machines.
// It creates machines lazily, restores them from the session store on a cache
// miss and evicts them on request.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/fsm"
	"github.com/power100/concierge/internal/routing"
	"github.com/power100/concierge/internal/store"
)

var (
	// ErrSessionNotFound is returned when no backing row exists for the
	// (contractor, session) pair. The manager never creates rows itself.
	ErrSessionNotFound = errors.New("session not found")
	// ErrManagerClosed is returned by every call after Close.
	ErrManagerClosed = errors.New("manager closed")
	// ErrSessionEnded is returned when restoring a session whose row has
	// been marked ended.
	ErrSessionEnded = errors.New("session ended")
)

// restoreTimeout bounds a restore shared by concurrent callers.
const restoreTimeout = 10 * time.Second

// RestoreOutcome describes how a machine was rebuilt on a cache miss.
type RestoreOutcome string

const (
	RestoreRestored RestoreOutcome = "restored"
	RestoreFresh    RestoreOutcome = "fresh"
	RestoreCorrupt  RestoreOutcome = "corrupt"
)

// Instrumentation receives registry-level signals. internal/metrics
// provides the Prometheus implementation.
type Instrumentation interface {
	ObserveRestore(outcome RestoreOutcome)
	ObservePersistFailure()
	SetActiveMachines(n int)
}

type key struct {
	contractorID int64
	sessionID    string
}

func (k key) String() string {
	return strconv.FormatInt(k.contractorID, 10) + "/" + k.sessionID
}

// Manager is an injectable registry of session machines. Tests create their
// own; the server creates one at startup and closes it on shutdown.
type Manager struct {
	repo       store.SessionRepository
	policy     routing.Policy
	now        func() time.Time
	logger     *slog.Logger
	observer   fsm.Observer
	inst       Instrumentation
	optimistic bool

	mu       sync.RWMutex
	machines map[key]*fsm.Machine
	closed   bool

	restores singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the routing policy handed to every machine.
func WithPolicy(p routing.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used by the manager and its machines.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithObserver registers an observer for persisted transitions.
func WithObserver(o fsm.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithInstrumentation registers restore and registry metrics.
func WithInstrumentation(i Instrumentation) Option {
	return func(m *Manager) { m.inst = i }
}

// WithOptimisticLocking makes every state write a compare-and-swap on the
// row version read at restore time.
func WithOptimisticLocking(enabled bool) Option {
	return func(m *Manager) { m.optimistic = enabled }
}

// New creates a Manager backed by repo.
func New(repo store.SessionRepository, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		policy:   routing.DefaultPolicy(),
		now:      time.Now,
		logger:   slog.Default(),
		machines: make(map[key]*fsm.Machine),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close drops every cached machine. Stored rows are untouched.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.machines = make(map[key]*fsm.Machine)
	m.setActiveLocked()
}

// Len returns the number of cached machines.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.machines)
}

// Policy returns the routing policy machines are created with.
func (m *Manager) Policy() routing.Policy {
	return m.policy
}

// GetOrCreateMachine returns the cached machine for the pair, restoring it
// from the session store on a miss. A missing row, or a row owned by another
// contractor, yields ErrSessionNotFound.
func (m *Manager) GetOrCreateMachine(ctx context.Context, contractorID int64, sessionID string) (*fsm.Machine, error) {
	k := key{contractorID: contractorID, sessionID: sessionID}

	m.mu.RLock()
	closed := m.closed
	machine := m.machines[k]
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if machine != nil {
		return machine, nil
	}

	v, err, _ := m.restores.Do(k.String(), func() (interface{}, error) {
		// Waiters share this restore, so it must outlive the first caller.
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		return m.restore(restoreCtx, k)
	})
	if err != nil {
		return nil, err
	}
	return v.(*fsm.Machine), nil
}

func (m *Manager) restore(ctx context.Context, k key) (*fsm.Machine, error) {
	m.mu.RLock()
	if existing := m.machines[k]; existing != nil {
		m.mu.RUnlock()
		return existing, nil
	}
	m.mu.RUnlock()

	row, err := m.repo.GetConciergeSession(ctx, k.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", k.sessionID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("session %s: %w", k.sessionID, ErrSessionNotFound)
	}
	if row.ContractorID != k.contractorID {
		m.logger.Warn("Session belongs to another contractor",
			"session_id", k.sessionID,
			"contractor_id", k.contractorID,
			"owner_id", row.ContractorID)
		return nil, fmt.Errorf("session %s: %w", k.sessionID, ErrSessionNotFound)
	}
	if row.IsEnded() {
		return nil, fmt.Errorf("session %s: %w", k.sessionID, ErrSessionEnded)
	}

	initial, outcome := m.decodeRow(row)
	machine := fsm.NewMachine(fsm.Config{
		ContractorID: k.contractorID,
		SessionID:    k.sessionID,
		Initial:      initial,
		Version:      row.Version,
		Optimistic:   m.optimistic,
		Policy:       m.policy,
		Clock:        m.now,
		Persister:    m.repo,
		Observer:     m.observer,
		Logger:       m.logger,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if existing := m.machines[k]; existing != nil {
		return existing, nil
	}
	m.machines[k] = machine
	m.setActiveLocked()
	if m.inst != nil {
		m.inst.ObserveRestore(outcome)
	}

	m.logger.Debug("Session machine restored",
		"contractor_id", k.contractorID,
		"session_id", k.sessionID,
		"state", initial.Kind,
		"outcome", outcome)
	return machine, nil
}

// decodeRow turns a stored row into the machine's starting state. Absent or
// unreadable data starts the machine idle.
func (m *Manager) decodeRow(row *domain.ConciergeSession) (fsm.State, RestoreOutcome) {
	if !row.HasSessionData() {
		m.logger.Info("No session data stored, starting idle",
			"contractor_id", row.ContractorID,
			"session_id", row.SessionID)
		return fsm.Idle(), RestoreFresh
	}

	state, err := fsm.Decode(*row.SessionData)
	if err != nil {
		m.logger.Warn("Corrupt session data, starting idle",
			"contractor_id", row.ContractorID,
			"session_id", row.SessionID,
			"error", err)
		return fsm.Idle(), RestoreCorrupt
	}
	return state, RestoreRestored
}

// SendEvent forwards a trigger to the session's machine and returns the
// agent that should answer.
func (m *Manager) SendEvent(ctx context.Context, contractorID int64, sessionID string, t fsm.Trigger, p fsm.Payload) (domain.AgentID, error) {
	machine, err := m.GetOrCreateMachine(ctx, contractorID, sessionID)
	if err != nil {
		return domain.AgentNone, err
	}

	if err := machine.SendEvent(ctx, t, p); err != nil {
		return domain.AgentNone, m.handleSendError(machine, err)
	}
	return machine.CurrentAgent(), nil
}

func (m *Manager) handleSendError(machine *fsm.Machine, err error) error {
	if !errors.Is(err, fsm.ErrPersistenceWrite) {
		return err
	}
	if m.inst != nil {
		m.inst.ObservePersistFailure()
	}

	k := key{contractorID: machine.ContractorID(), sessionID: machine.SessionID()}
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		// Another writer owns the row now; the next call re-reads it.
		m.evict(k, machine)
		return err
	case errors.Is(err, store.ErrNotFound):
		m.evict(k, machine)
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	default:
		return err
	}
}

// GetCurrentState returns the session's state, restoring it if needed.
func (m *Manager) GetCurrentState(ctx context.Context, contractorID int64, sessionID string) (domain.StateKind, error) {
	machine, err := m.GetOrCreateMachine(ctx, contractorID, sessionID)
	if err != nil {
		return "", err
	}
	return machine.CurrentState(), nil
}

// GetCurrentAgent returns the session's agent, AgentNone while idle.
func (m *Manager) GetCurrentAgent(ctx context.Context, contractorID int64, sessionID string) (domain.AgentID, error) {
	machine, err := m.GetOrCreateMachine(ctx, contractorID, sessionID)
	if err != nil {
		return domain.AgentNone, err
	}
	return machine.CurrentAgent(), nil
}

// UpdateEventContext replaces the session's stored snapshot without a transition.
func (m *Manager) UpdateEventContext(ctx context.Context, contractorID int64, sessionID string, ec *domain.EventContext) error {
	machine, err := m.GetOrCreateMachine(ctx, contractorID, sessionID)
	if err != nil {
		return err
	}
	machine.UpdateEventContext(ec)
	return nil
}

// DestroyMachine evicts the cached machine. The backing row is kept.
// It reports whether a machine was cached.
func (m *Manager) DestroyMachine(contractorID int64, sessionID string) bool {
	k := key{contractorID: contractorID, sessionID: sessionID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.machines[k]; !ok {
		return false
	}
	delete(m.machines, k)
	m.setActiveLocked()
	m.logger.Debug("Session machine destroyed", "contractor_id", contractorID, "session_id", sessionID)
	return true
}

// EvictIdle drops machines that have not received input for olderThan and
// returns how many were evicted.
func (m *Manager) EvictIdle(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)

	m.mu.RLock()
	candidates := make(map[key]*fsm.Machine, len(m.machines))
	for k, machine := range m.machines {
		candidates[k] = machine
	}
	m.mu.RUnlock()

	// LastActive waits for any in-flight write, so read it without m.mu held.
	var idle []key
	for k, machine := range candidates {
		if machine.LastActive().Before(cutoff) {
			idle = append(idle, k)
		}
	}
	if len(idle) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for _, k := range idle {
		if m.machines[k] == candidates[k] {
			delete(m.machines, k)
			evicted++
		}
	}
	if evicted > 0 {
		m.setActiveLocked()
	}
	return evicted
}

// evict removes k only if it still maps to machine.
func (m *Manager) evict(k key, machine *fsm.Machine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machines[k] == machine {
		delete(m.machines, k)
		m.setActiveLocked()
		m.logger.Info("Evicted stale session machine",
			"contractor_id", k.contractorID,
			"session_id", k.sessionID)
	}
}

func (m *Manager) setActiveLocked() {
	if m.inst != nil {
		m.inst.SetActiveMachines(len(m.machines))
	}
}
