// Package domain contains core domain types for the concierge session router.
package domain

import (
	"time"
)

// Session lifecycle statuses. The core never changes these; the message
// handling layer does.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// AnyVersion disables the compare-and-swap check on a state write.
const AnyVersion int64 = -1

// ConciergeSession is one row of ai_concierge_sessions.
type ConciergeSession struct {
	SessionID     string    `json:"session_id"`
	ContractorID  int64     `json:"contractor_id"`
	SessionType   string    `json:"session_type"`
	SessionStatus string    `json:"session_status"`
	SessionData   *string   `json:"session_data,omitempty"`
	Version       int64     `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasSessionData reports whether a state snapshot was ever persisted.
func (s *ConciergeSession) HasSessionData() bool {
	return s.SessionData != nil && *s.SessionData != ""
}

// IsEnded returns true once the caller has closed the conversation.
func (s *ConciergeSession) IsEnded() bool {
	return s.SessionStatus == SessionStatusEnded
}

// SessionStateUpdate is the write the state machine issues after a transition.
// ExpectedVersion of AnyVersion overwrites unconditionally.
type SessionStateUpdate struct {
	SessionID       string
	SessionType     string
	SessionData     string
	ExpectedVersion int64
	UpdatedAt       time.Time
}
