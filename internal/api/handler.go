// Package api provides HTTP handlers for the concierge API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/power100/concierge/internal/concierge"
	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/fsm"
	"github.com/power100/concierge/internal/identity"
	"github.com/power100/concierge/internal/manager"
	"github.com/power100/concierge/internal/store"
)

const (
	defaultMaxRequestBodySize = 64 * 1024
	defaultListLimit          = 20
)

// Handler serves the concierge session endpoints.
type Handler struct {
	router      *concierge.Router
	rateLimiter *RateLimiter
	maxBodySize int64
}

// NewHandler creates a new Handler. limiter may be nil to disable throttling
// of message routing.
func NewHandler(router *concierge.Router, limiter *RateLimiter, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		router:      router,
		rateLimiter: limiter,
		maxBodySize: maxBodySize,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, manager.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, manager.ErrSessionEnded):
		return http.StatusGone, "session ended"
	case errors.Is(err, fsm.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid trigger payload"
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "session was modified concurrently"
	case errors.Is(err, store.ErrDuplicateSession):
		return http.StatusConflict, "session already exists"
	case errors.Is(err, fsm.ErrPersistenceWrite):
		return http.StatusServiceUnavailable, "session state could not be saved"
	case errors.Is(err, manager.ErrManagerClosed):
		return http.StatusServiceUnavailable, "service shutting down"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", chiMiddleware.GetReqID(r.Context()))
	}
	Error(w, status, msg)
}

// RegisterRoutes registers the concierge routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/concierge", func(r chi.Router) {
		r.Get("/state-machine", h.StateMachine)
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/messages", h.PostMessage)
			r.Post("/triggers", h.PostTrigger)
			r.Put("/event-context", h.PutEventContext)
			r.Delete("/machine", h.DeleteMachine)
			r.Post("/end", h.EndSession)
		})
	})
}

// Close releases background resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Close()
	}
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := identity.SanitizeSessionID(chi.URLParam(r, "sessionID"))
	if !ok {
		Error(w, http.StatusBadRequest, "invalid session id")
	}
	return id, ok
}

// decodeBody reads an optional JSON body into v. An empty body leaves v untouched.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// CreateSession handles POST /api/concierge/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	contractorID := identity.ContractorIDFromContext(r.Context())

	var req createSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	sessionID := ""
	if strings.TrimSpace(req.SessionID) != "" {
		id, ok := identity.SanitizeSessionID(req.SessionID)
		if !ok {
			Error(w, http.StatusBadRequest, "invalid session id")
			return
		}
		sessionID = id
	}

	session, err := h.router.StartSession(r.Context(), contractorID, sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// ListSessions handles GET /api/concierge/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	contractorID := identity.ContractorIDFromContext(r.Context())

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.router.ListSessions(r.Context(), contractorID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.ConciergeSession{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession handles GET /api/concierge/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	route, err := h.router.Describe(r.Context(), identity.ContractorIDFromContext(r.Context()), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, route)
}

type messageRequest struct {
	Message string `json:"message"`
}

// PostMessage handles POST /api/concierge/sessions/{sessionID}/messages.
// The routing decision is sent first as a "route" event, followed by the
// agent's reply chunks as "message" events and a final "done".
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	contractorID := identity.ContractorIDFromContext(r.Context())
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(strconv.FormatInt(contractorID, 10)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req messageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	route, err := h.router.Route(r.Context(), contractorID, sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	slog.Info("Concierge message",
		"contractor_id", contractorID,
		"session_id", sessionID,
		"agent", route.Agent,
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()))

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeSSEJSON(w, "route", route); err != nil {
		slog.Warn("failed to write SSE route event", "error", err)
		return
	}
	flusher.Flush()

	for reply, err := range h.router.Dispatch(r.Context(), route, contractorID, req.Message) {
		if err != nil {
			slog.Error("Agent stream failed", "error", err, "agent", route.Agent, "session_id", sessionID)
			if writeErr := writeSSE(w, "error", err.Error()); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}
		if err := writeSSEJSON(w, "message", reply); err != nil {
			slog.Warn("failed to write SSE message event", "error", err)
			return
		}
		flusher.Flush()
	}

	if err := writeSSE(w, "done", "{}"); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

type triggerRequest struct {
	Trigger      string               `json:"trigger"`
	EventContext *domain.EventContext `json:"eventContext,omitempty"`
}

// PostTrigger handles POST /api/concierge/sessions/{sessionID}/triggers.
// Unknown trigger names are accepted and leave the session unchanged.
func (h *Handler) PostTrigger(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var req triggerRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	trigger := fsm.ParseTrigger(req.Trigger)
	if trigger == "" {
		Error(w, http.StatusBadRequest, "trigger is required")
		return
	}

	route, err := h.router.Trigger(r.Context(), identity.ContractorIDFromContext(r.Context()), sessionID,
		trigger, fsm.Payload{EventContext: req.EventContext})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, route)
}

type eventContextRequest struct {
	EventContext *domain.EventContext `json:"eventContext"`
}

// PutEventContext handles PUT /api/concierge/sessions/{sessionID}/event-context.
// A null eventContext clears the snapshot.
func (h *Handler) PutEventContext(w http.ResponseWriter, r *http.Request) {
	contractorID := identity.ContractorIDFromContext(r.Context())
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var req eventContextRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.router.SetEventContext(r.Context(), contractorID, sessionID, req.EventContext); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMachine handles DELETE /api/concierge/sessions/{sessionID}/machine.
func (h *Handler) DeleteMachine(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	released := h.router.ReleaseMachine(identity.ContractorIDFromContext(r.Context()), sessionID)
	JSON(w, http.StatusOK, map[string]bool{"released": released})
}

// EndSession handles POST /api/concierge/sessions/{sessionID}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	if err := h.router.EndSession(r.Context(), identity.ContractorIDFromContext(r.Context()), sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StateMachine handles GET /api/concierge/state-machine.
func (h *Handler) StateMachine(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"initial":     domain.StateIdle,
		"states":      fsm.States(),
		"transitions": fsm.Table(),
	})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEJSON(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return writeSSE(w, event, string(data))
}
