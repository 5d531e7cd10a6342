package domain

import (
	"time"
)

// Registration statuses seen in contractor_event_registrations.
const (
	EventStatusRegistered = "registered"
	EventStatusCheckedIn  = "checked_in"
	EventStatusAttending  = "attending"
)

// EventContext is the snapshot of a contractor's live-event registration
// that routing decisions are made against.
type EventContext struct {
	EventID     int64  `json:"eventId"`
	EventName   string `json:"eventName"`
	EventDate   string `json:"eventDate"`
	EventStatus string `json:"eventStatus"`
}

// Clone returns a copy, or nil for a nil receiver.
func (e *EventContext) Clone() *EventContext {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Equal compares two possibly nil snapshots.
func (e *EventContext) Equal(other *EventContext) bool {
	if e == nil || other == nil {
		return e == other
	}
	return *e == *other
}

// EventRegistration is one row of contractor_event_registrations.
type EventRegistration struct {
	ContractorID int64
	EventID      int64
	EventName    string
	EventDate    string
	EventStatus  string
	UpdatedAt    time.Time
}

// Context converts the registration into a routing snapshot.
func (r *EventRegistration) Context() *EventContext {
	if r == nil {
		return nil
	}
	return &EventContext{
		EventID:     r.EventID,
		EventName:   r.EventName,
		EventDate:   r.EventDate,
		EventStatus: r.EventStatus,
	}
}
