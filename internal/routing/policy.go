// Package routing decides which concierge agent should answer a message.
//
// Everything here is pure: the caller supplies the event snapshot and the
// current time, and nothing is fetched or cached. Keeping the snapshot fresh
// is the caller's job.
package routing

import (
	"strings"
	"time"

	"github.com/power100/concierge/internal/domain"
)

const dateLayout = "2006-01-02"

// Policy holds the two knobs of the routing rule: which registration
// statuses count as active, and which timezone defines "today".
type Policy struct {
	ActiveStatuses []string
	Location       *time.Location
}

// DefaultPolicy routes on registered/checked_in events dated today in UTC.
func DefaultPolicy() Policy {
	return Policy{
		ActiveStatuses: []string{domain.EventStatusRegistered, domain.EventStatusCheckedIn},
		Location:       time.UTC,
	}
}

// Resolve returns the agent for the snapshot. A missing snapshot, a date
// other than today, or an inactive status all resolve to the standard agent.
func (p Policy) Resolve(ec *domain.EventContext, now time.Time) domain.AgentID {
	if ec == nil {
		return domain.AgentStandard
	}
	if p.IsToday(ec.EventDate, now) && p.IsActiveStatus(ec.EventStatus) {
		return domain.AgentEvent
	}
	return domain.AgentStandard
}

// Today formats now as a calendar date in the policy timezone.
func (p Policy) Today(now time.Time) string {
	return now.In(p.location()).Format(dateLayout)
}

// IsToday compares the date part of date with Today(now). Dates may arrive
// as YYYY-MM-DD or as a full timestamp from a DATE column; only the leading
// calendar date is compared and no timezone conversion is applied to it.
func (p Policy) IsToday(date string, now time.Time) bool {
	d := NormalizeDate(date)
	if d == "" {
		return false
	}
	return d == p.Today(now)
}

// IsActiveStatus reports exact membership in ActiveStatuses.
func (p Policy) IsActiveStatus(status string) bool {
	for _, s := range p.ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// NormalizeDate returns the YYYY-MM-DD prefix of date, or "" if date does
// not start with a valid calendar date.
func NormalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if len(date) < len(dateLayout) {
		return ""
	}
	prefix := date[:len(dateLayout)]
	if len(date) > len(dateLayout) {
		switch date[len(dateLayout)] {
		case 'T', ' ':
		default:
			return ""
		}
	}
	if _, err := time.Parse(dateLayout, prefix); err != nil {
		return ""
	}
	return prefix
}

// ParseStatuses splits a comma separated status list, dropping blanks.
func ParseStatuses(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
