package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/power100/concierge/internal/concierge"
	"github.com/power100/concierge/internal/domain"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "ctl.db"))
	t.Setenv("CONCIERGE_TIMEZONE", "UTC")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decodeRoute(t *testing.T, out string) concierge.Route {
	t.Helper()
	var route concierge.Route
	require.NoError(t, json.Unmarshal([]byte(out), &route))
	return route
}

func TestCLI_SessionFlow(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "--contractor", "9", "create-session", "S1")
	require.NoError(t, err)
	require.Equal(t, "S1\n", out)

	out, err = run(t, "--contractor", "9", "state", "S1")
	require.NoError(t, err)
	require.Equal(t, domain.StateIdle, decodeRoute(t, out).State)

	today := time.Now().UTC().Format("2006-01-02")
	out, err = run(t, "--contractor", "9", "register-event", "--event-id", "4", "--event-name", "Expo", "--event-date", today)
	require.NoError(t, err)
	require.Contains(t, out, "registered for event 4")

	out, err = run(t, "--contractor", "9", "route", "S1")
	require.NoError(t, err)
	route := decodeRoute(t, out)
	require.Equal(t, domain.AgentEvent, route.Agent)
	require.Equal(t, int64(4), route.EventID)

	out, err = run(t, "--contractor", "9", "send", "S1", "event_ended")
	require.NoError(t, err)
	require.Equal(t, domain.StateStandardAgent, decodeRoute(t, out).State)

	out, err = run(t, "--contractor", "9", "send", "S1", "EVENT_REGISTERED", "--event-id", "5", "--event-date", "2030-01-01")
	require.NoError(t, err)
	route = decodeRoute(t, out)
	require.Equal(t, domain.StateEventAgent, route.State)
	require.Equal(t, int64(5), route.EventID)

	out, err = run(t, "--contractor", "9", "sessions")
	require.NoError(t, err)
	require.Contains(t, out, "S1")
	require.Contains(t, out, "event")

	out, err = run(t, "--contractor", "9", "end-session", "S1")
	require.NoError(t, err)
	require.Contains(t, out, "ended")
}

func TestCLI_Errors(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "create-session")
	require.ErrorContains(t, err, "--contractor is required")

	_, err = run(t, "--contractor", "9", "state", "missing")
	require.Error(t, err)

	_, err = run(t, "--contractor", "9", "register-event", "--event-id", "1", "--event-date", "next week")
	require.ErrorContains(t, err, "--event-date")
}

func TestCLI_Table(t *testing.T) {
	out, err := run(t, "table")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "initial: idle"))
	for _, trigger := range []string{"MESSAGE_RECEIVED", "EVENT_REGISTERED", "EVENT_ENDED"} {
		require.Contains(t, out, trigger)
	}
}
