package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/fsm"
	"github.com/power100/concierge/internal/manager"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_CountsTransitions(t *testing.T) {
	m := New()
	change := fsm.Change{
		Trigger: fsm.EventRegistered,
		From:    domain.StateStandardAgent,
		To:      domain.StateEventAgent,
	}
	m.ObserveTransition(change)
	m.ObserveTransition(change)

	require.Contains(t, scrape(t, m),
		`concierge_transitions_total{from="standard_agent",to="event_agent",trigger="EVENT_REGISTERED"} 2`)
}

func TestMetrics_Instrumentation(t *testing.T) {
	m := New()
	m.ObserveRestore(manager.RestoreCorrupt)
	m.ObserveRestore(manager.RestoreRestored)
	m.ObserveRestore(manager.RestoreRestored)
	m.ObservePersistFailure()
	m.SetActiveMachines(3)

	text := scrape(t, m)
	require.Contains(t, text, `concierge_restores_total{outcome="corrupt"} 1`)
	require.Contains(t, text, `concierge_restores_total{outcome="restored"} 2`)
	require.Contains(t, text, "concierge_persist_failures_total 1")
	require.Contains(t, text, "concierge_active_machines 3")
}

func TestMetrics_RouteDuration(t *testing.T) {
	m := New()
	m.ObserveRoute("event", 12*time.Millisecond)
	require.Contains(t, scrape(t, m), `concierge_route_duration_seconds_count{agent="event"} 1`)
}
