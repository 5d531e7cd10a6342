// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/routing"
)

var (
	// ErrNotFound is returned by writes that target a missing row.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap write loses.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrDuplicateSession is returned when creating a session id that exists.
	ErrDuplicateSession = errors.New("session already exists")
)

// SessionRepository persists ai_concierge_sessions rows.
type SessionRepository interface {
	// GetConciergeSession retrieves a session by id. Returns nil, nil if absent.
	GetConciergeSession(ctx context.Context, sessionID string) (*domain.ConciergeSession, error)

	// CreateConciergeSession inserts a new session row.
	CreateConciergeSession(ctx context.Context, session *domain.ConciergeSession) error

	// SaveSessionState writes session_type and session_data and bumps the row
	// version. If update.ExpectedVersion is not AnyVersion the write only
	// happens when the stored version matches (optimistic locking).
	// Returns the version after the write.
	SaveSessionState(ctx context.Context, update domain.SessionStateUpdate) (int64, error)

	// UpdateSessionStatus sets the caller-managed lifecycle status.
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error

	// ListSessionsByContractor returns a contractor's sessions, newest first.
	ListSessionsByContractor(ctx context.Context, contractorID int64, limit int) ([]*domain.ConciergeSession, error)

	// DeleteConciergeSession removes a session row.
	DeleteConciergeSession(ctx context.Context, sessionID string) error
}

// EventRepository reads and writes contractor_event_registrations rows.
type EventRepository interface {
	// UpsertEventRegistration creates or updates a contractor's registration for an event.
	UpsertEventRegistration(ctx context.Context, reg *domain.EventRegistration) error

	// ActiveEventRegistration returns the latest registration whose event date
	// lies in [from, to] (YYYY-MM-DD, inclusive) and whose status is one of
	// statuses. Returns nil, nil if there is none.
	ActiveEventRegistration(ctx context.Context, contractorID int64, statuses []string, from, to string) (*domain.EventRegistration, error)
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	SessionRepository
	EventRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string
	Path        string
	DatabaseURL string
}

// Open returns the backend named by cfg.Driver: "sqlite" uses the native
// SQLite store and "postgres" uses the gorm store.
func Open(cfg Config) (Repository, error) {
	switch cfg.Driver {
	case "", "sqlite":
		s, err := NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewGormStore("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

func now() time.Time {
	return time.Now().UTC()
}

// storedEventDate trims a timestamp-form date to YYYY-MM-DD so that range
// queries on event_date compare calendar days. Unparseable dates are kept.
func storedEventDate(date string) string {
	if d := routing.NormalizeDate(date); d != "" {
		return d
	}
	return date
}
