package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/power100/concierge/internal/domain"
)

// UpstreamError is a non-2xx answer from a remote agent.
type UpstreamError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"error"`
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("agent upstream %d: %s", e.StatusCode, e.Message)
}

// HTTPOption configures an HTTPAgent.
type HTTPOption func(*HTTPAgent)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(a *HTTPAgent) { a.client = hc }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(a *HTTPAgent) { a.apiKey = key }
}

// HTTPAgent forwards requests to a remote agent that answers with a
// server-sent event stream of "message" events, ended by "done".
type HTTPAgent struct {
	id     domain.AgentID
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPAgent creates a remote agent posting to url.
func NewHTTPAgent(id domain.AgentID, url string, opts ...HTTPOption) *HTTPAgent {
	a := &HTTPAgent{
		id:     id,
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID implements Agent.
func (a *HTTPAgent) ID() domain.AgentID { return a.id }

// Respond implements Agent.
func (a *HTTPAgent) Respond(ctx context.Context, req Request) iter.Seq2[*Reply, error] {
	return func(yield func(*Reply, error) bool) {
		resp, err := a.post(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		eventType := ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventType = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data := strings.TrimPrefix(line, "data: ")
				switch eventType {
				case "done":
					return
				case "error":
					yield(nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: data})
					return
				}
				reply := &Reply{Agent: a.id}
				if err := json.Unmarshal([]byte(data), reply); err != nil {
					reply.Content = data
				}
				reply.Agent = a.id
				if !yield(reply, nil) {
					return
				}
				eventType = ""
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			yield(nil, fmt.Errorf("read agent stream: %w", err))
		}
	}
}

func (a *HTTPAgent) post(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request %s agent: %w", a.id, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		upstream := &UpstreamError{StatusCode: resp.StatusCode}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		upstream.Message = strings.TrimSpace(string(msg))
		if upstream.Message == "" {
			upstream.Message = http.StatusText(resp.StatusCode)
		}
		return nil, upstream
	}
	return resp, nil
}
