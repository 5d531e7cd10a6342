package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/power100/concierge/internal/fsm"
	"github.com/power100/concierge/internal/identity"
	"github.com/power100/concierge/internal/manager"
)

const writeTimeout = 5 * time.Second

// MachineSource resolves the live machine for a session.
type MachineSource interface {
	GetOrCreateMachine(ctx context.Context, contractorID int64, sessionID string) (*fsm.Machine, error)
}

// WebSocketHandler streams a session's agent switches to a browser.
// The route must carry a {sessionID} URL parameter. A reconnecting client
// passes ?after=<seq> to skip history it has already seen.
type WebSocketHandler struct {
	hub           *Hub
	machines      MachineSource
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, machines MachineSource, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		machines:      machines,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is the client-to-server message shape.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contractorID := identity.ContractorIDFromContext(r.Context())
	sessionID, ok := identity.SanitizeSessionID(chi.URLParam(r, "sessionID"))
	if !ok {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	var afterSeq int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			http.Error(w, "invalid after sequence", http.StatusBadRequest)
			return
		}
		afterSeq = seq
	}
	slog.Info("WebSocket connection request", "contractor_id", contractorID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	machine, err := h.machines.GetOrCreateMachine(r.Context(), contractorID, sessionID)
	if err != nil {
		if errors.Is(err, manager.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, manager.ErrSessionEnded) {
			http.Error(w, "session ended", http.StatusGone)
			return
		}
		slog.Error("Failed to load session for feed", "error", err, "session_id", sessionID)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "contractor_id", contractorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	sub, history := h.hub.SubscribeAfter(contractorID, sessionID, afterSeq)
	defer h.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshot := Event{
		Type:         EventTypeState,
		ContractorID: contractorID,
		SessionID:    sessionID,
		To:           machine.CurrentState(),
		Agent:        machine.CurrentAgent(),
		EventContext: machine.EventContext(),
		At:           machine.LastActive(),
	}
	if err := h.writeJSON(ctx, ws, snapshot); err != nil {
		slog.Debug("Failed to send state snapshot", "error", err)
		return
	}
	for _, e := range history {
		if err := h.writeJSON(ctx, ws, e); err != nil {
			slog.Debug("Failed to replay session history", "error", err)
			return
		}
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, sessionID)
	}()

	h.outputLoop(ctx, ws, sub)
	slog.Info("Session feed ended", "contractor_id", contractorID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, e); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err)
				}
				return
			}
			if e.Type == EventTypeClosed {
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
