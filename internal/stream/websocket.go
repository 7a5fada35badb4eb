package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ashureev/shsh-deposits/internal/deposit"
	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/identity"
	"github.com/ashureev/shsh-deposits/internal/notify"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const writeTimeout = 5 * time.Second

// SessionLookup resolves a session the caller owns.
type SessionLookup interface {
	GetSessionStatus(ctx context.Context, userID, token string) (domain.Snapshot, error)
}

// WebSocketHandler streams status updates for one deposit session.
type WebSocketHandler struct {
	sessions       SessionLookup
	hub            *Hub
	allowedOrigins []string
	isDev          bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions SessionLookup, hub *Hub, allowedOrigins []string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		sessions:       sessions,
		hub:            hub,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// wsMessage is one frame sent to the client.
type wsMessage struct {
	Type    string               `json:"type"`
	Session *domain.Snapshot     `json:"session,omitempty"`
	Event   *notify.Notification `json:"event,omitempty"`
}

type wsRequest struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	token := chi.URLParam(r, "token")

	// Subscribe before reading the snapshot so a transition committed in
	// between is still delivered.
	events, unsubscribe := h.hub.Subscribe(token, userID)
	defer unsubscribe()

	snap, err := h.sessions.GetSessionStatus(r.Context(), userID, token)
	if errors.Is(err, deposit.ErrNotFound) {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to load session for stream", "session_token", token, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_token", token)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.writeJSON(ctx, ws, wsMessage{Type: "snapshot", Session: &snap}); err != nil {
		slog.Debug("Failed to send snapshot", "error", err)
		return
	}
	if snap.Status.IsTerminal() {
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, token)
	}()

	slog.Info("Deposit stream opened", "session_token", token, "user_id", userID)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Deposit stream closed", "session_token", token)
			return
		case n := <-events:
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "event", Event: &n}); err != nil {
				slog.Debug("Failed to send event", "error", err, "session_token", token)
				return
			}
			if n.Status.IsTerminal() {
				slog.Info("Deposit stream finished", "session_token", token, "status", string(n.Status))
				if err := ws.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
					slog.Debug("Failed to close websocket", "error", err, "session_token", token)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, token string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_token", token)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		if req.Type == "ping" {
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
