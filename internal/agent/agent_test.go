package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/power100/concierge/internal/domain"
)

func collect(t *testing.T, a Agent, req Request) (string, error) {
	t.Helper()
	var sb strings.Builder
	for reply, err := range a.Respond(context.Background(), req) {
		if err != nil {
			return sb.String(), err
		}
		require.Equal(t, a.ID(), reply.Agent)
		sb.WriteString(reply.Content)
	}
	return sb.String(), nil
}

func TestRegistry_FallsBackToStandard(t *testing.T) {
	r := NewRegistry(DefaultScripted()...)

	a, err := r.Get(domain.AgentEvent)
	require.NoError(t, err)
	require.Equal(t, domain.AgentEvent, a.ID())

	a, err = r.Get(domain.AgentNone)
	require.NoError(t, err)
	require.Equal(t, domain.AgentStandard, a.ID())

	a, err = r.Get("billing")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStandard, a.ID())

	require.ElementsMatch(t, []domain.AgentID{domain.AgentStandard, domain.AgentEvent}, r.IDs())
}

func TestRegistry_Empty(t *testing.T) {
	_, err := NewRegistry().Get(domain.AgentEvent)
	require.ErrorIs(t, err, ErrNoAgent)
}

func TestScripted_StreamsWholeReply(t *testing.T) {
	a := NewScripted(domain.AgentEvent, func(req Request) string {
		return "hello " + req.EventContext.EventName
	})
	got, err := collect(t, a, Request{EventContext: &domain.EventContext{EventName: "Power100 Live"}})
	require.NoError(t, err)
	require.Equal(t, "hello Power100 Live", got)
}

func TestScripted_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewScripted(domain.AgentStandard, func(Request) string { return "one two" })
	for _, err := range a.Respond(ctx, Request{}) {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestHTTPAgent_StreamsServerSentEvents(t *testing.T) {
	var got Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"content\":\"Hi \"}\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"content\":\"there\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"content\":\"ignored\"}\n\n")
	}))
	defer srv.Close()

	a := NewHTTPAgent(domain.AgentEvent, srv.URL, WithAPIKey("secret"))
	text, err := collect(t, a, Request{ContractorID: 7, SessionID: "S1", Message: "where is lunch?"})
	require.NoError(t, err)
	require.Equal(t, "Hi there", text)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, int64(7), got.ContractorID)
	require.Equal(t, "where is lunch?", got.Message)
}

func TestHTTPAgent_UpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "event: error\ndata: tool failed\n\n")
	}))
	defer srv.Close()

	_, err := collect(t, NewHTTPAgent(domain.AgentStandard, srv.URL+"/broken"), Request{})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	require.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	require.Equal(t, "model overloaded", upstream.Message)

	_, err = collect(t, NewHTTPAgent(domain.AgentStandard, srv.URL+"/stream"), Request{})
	require.True(t, errors.As(err, &upstream))
	require.Equal(t, "tool failed", upstream.Message)
}
