package fsm

import (
	"errors"
	"fmt"

	"github.com/power100/concierge/internal/domain"
)

var (
	// ErrUnknownTrigger is returned by Apply for triggers outside the table.
	ErrUnknownTrigger = errors.New("unknown trigger")
	// ErrInvalidPayload is returned when a known trigger lacks the data it needs.
	ErrInvalidPayload = errors.New("invalid trigger payload")
	// ErrCorruptSessionData is returned by Decode for unreadable snapshots.
	ErrCorruptSessionData = errors.New("corrupt session data")
	// ErrPersistenceWrite matches every *PersistenceError.
	ErrPersistenceWrite = errors.New("persistence write failed")
)

// PersistenceError reports a failed durable write after a transition.
// The in-memory state already holds State when this is returned.
type PersistenceError struct {
	SessionID string
	State     domain.StateKind
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist session %s in state %s: %v", e.SessionID, e.State, e.Err)
}

// Unwrap exposes both the sentinel and the store error to errors.Is.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistenceWrite, e.Err}
}
