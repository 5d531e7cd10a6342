// Package eventctx looks up the live-event snapshot a contractor's next
// message should be routed against.
package eventctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/routing"
	"github.com/power100/concierge/internal/store"
)

// DefaultStatuses are the registration statuses the provider selects. The set
// includes "attending", which the routing policy does not treat as active.
var DefaultStatuses = []string{
	domain.EventStatusRegistered,
	domain.EventStatusCheckedIn,
	domain.EventStatusAttending,
}

// Provider returns the current event snapshot for a contractor, or nil when
// no event is near.
type Provider interface {
	Current(ctx context.Context, contractorID int64) (*domain.EventContext, error)
}

// RepositoryProvider reads contractor_event_registrations and picks the
// latest registration dated yesterday, today or tomorrow.
type RepositoryProvider struct {
	repo     store.EventRepository
	policy   routing.Policy
	statuses []string
	now      func() time.Time
}

// NewRepositoryProvider creates a provider over repo. The policy's timezone
// defines "today"; an empty statuses list uses DefaultStatuses.
func NewRepositoryProvider(repo store.EventRepository, policy routing.Policy, statuses []string) *RepositoryProvider {
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	return &RepositoryProvider{
		repo:     repo,
		policy:   policy,
		statuses: statuses,
		now:      time.Now,
	}
}

// WithClock returns a copy of p using now instead of time.Now.
func (p *RepositoryProvider) WithClock(now func() time.Time) *RepositoryProvider {
	c := *p
	c.now = now
	return &c
}

// Current implements Provider.
func (p *RepositoryProvider) Current(ctx context.Context, contractorID int64) (*domain.EventContext, error) {
	now := p.now()
	from := p.policy.Today(now.AddDate(0, 0, -1))
	to := p.policy.Today(now.AddDate(0, 0, 1))

	reg, err := p.repo.ActiveEventRegistration(ctx, contractorID, p.statuses, from, to)
	if err != nil {
		return nil, fmt.Errorf("lookup event registration for contractor %d: %w", contractorID, err)
	}
	if reg == nil {
		return nil, nil
	}
	ec := reg.Context()
	if d := routing.NormalizeDate(ec.EventDate); d != "" {
		ec.EventDate = d
	}
	return ec, nil
}

// Static serves fixed snapshots from memory.
type Static struct {
	mu       sync.RWMutex
	contexts map[int64]*domain.EventContext
	err      error
}

// NewStatic creates an empty static provider.
func NewStatic() *Static {
	return &Static{contexts: make(map[int64]*domain.EventContext)}
}

// Set stores ec for contractorID; nil clears it.
func (s *Static) Set(contractorID int64, ec *domain.EventContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ec == nil {
		delete(s.contexts, contractorID)
		return
	}
	s.contexts[contractorID] = ec.Clone()
}

// Fail makes every lookup return err until cleared with nil.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Current implements Provider.
func (s *Static) Current(_ context.Context, contractorID int64) (*domain.EventContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.contexts[contractorID].Clone(), nil
}
