package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/power100/concierge/internal/domain"
)

var noon = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestResolve_NoContextIsStandard(t *testing.T) {
	require.Equal(t, domain.AgentStandard, DefaultPolicy().Resolve(nil, noon))
}

func TestResolve(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name   string
		date   string
		status string
		want   domain.AgentID
	}{
		{"today registered", "2026-10-17", "registered", domain.AgentEvent},
		{"today checked in", "2026-10-17", "checked_in", domain.AgentEvent},
		{"today timestamp", "2026-10-17T00:00:00.000Z", "registered", domain.AgentEvent},
		{"tomorrow", "2026-10-18", "registered", domain.AgentStandard},
		{"yesterday", "2026-10-16", "checked_in", domain.AgentStandard},
		{"attending not active", "2026-10-17", "attending", domain.AgentStandard},
		{"cancelled", "2026-10-17", "cancelled", domain.AgentStandard},
		{"status case sensitive", "2026-10-17", "Registered", domain.AgentStandard},
		{"empty date", "", "registered", domain.AgentStandard},
		{"garbage date", "next tuesday", "registered", domain.AgentStandard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := &domain.EventContext{EventID: 1, EventDate: tt.date, EventStatus: tt.status}
			require.Equal(t, tt.want, p.Resolve(ec, noon))
		})
	}
}

func TestResolve_TimezoneDefinesToday(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)

	// 20:00 UTC on the 17th is already the 18th in Tokyo.
	late := time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC)
	ec := &domain.EventContext{EventDate: "2026-10-18", EventStatus: "registered"}

	require.Equal(t, domain.AgentStandard, DefaultPolicy().Resolve(ec, late))

	p := DefaultPolicy()
	p.Location = tokyo
	require.Equal(t, domain.AgentEvent, p.Resolve(ec, late))
}

func TestResolve_CustomStatuses(t *testing.T) {
	p := Policy{ActiveStatuses: []string{"attending"}}
	ec := &domain.EventContext{EventDate: "2026-10-17", EventStatus: "attending"}
	require.Equal(t, domain.AgentEvent, p.Resolve(ec, noon))

	ec.EventStatus = "registered"
	require.Equal(t, domain.AgentStandard, p.Resolve(ec, noon))
}

func TestNormalizeDate(t *testing.T) {
	require.Equal(t, "2026-10-17", NormalizeDate(" 2026-10-17 "))
	require.Equal(t, "2026-10-17", NormalizeDate("2026-10-17 09:30:00"))
	require.Equal(t, "", NormalizeDate("2026-10-17x"))
	require.Equal(t, "", NormalizeDate("2026-13-01"))
	require.Equal(t, "", NormalizeDate("17/10/2026"))
}

func TestParseStatuses(t *testing.T) {
	require.Equal(t, []string{"registered", "checked_in"}, ParseStatuses(" registered, ,checked_in,"))
	require.Nil(t, ParseStatuses(""))
}
