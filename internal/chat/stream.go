package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/plantkart/agentchat/internal/conversation"
	"github.com/plantkart/agentchat/internal/domain"
	"github.com/plantkart/agentchat/internal/identity"
)

// StreamHandler pushes turn-sequence updates to the browser over a
// WebSocket. The client receives a full snapshot on connect and after
// every mutation; sends still go through the HTTP endpoints.
type StreamHandler struct {
	conversations *conversation.Manager
	allowedOrigin string
	isDev         bool
}

// NewStreamHandler creates a new WebSocket stream handler.
func NewStreamHandler(conversations *conversation.Manager, allowedOrigin string, isDev bool) *StreamHandler {
	return &StreamHandler{
		conversations: conversations,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

type turnsFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Turns     []domain.Turn `json:"turns"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if !identity.ValidSessionID(sessionID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conv, err := h.conversations.Get(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to load conversation for stream", "error", err, "session_id", sessionID)
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
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
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := conv.Subscribe()
	defer unsubscribe()

	// Reads only service pings and close detection.
	go h.readLoop(ctx, ws, cancel, userID)

	if err := h.writeTurns(ws, conv); err != nil {
		slog.Debug("Failed to send initial turns", "error", err, "user_id", userID)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			if conv.Closed() {
				return
			}
			if err := h.writeTurns(ws, conv); err != nil {
				slog.Debug("Failed to push turns", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
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

func (h *StreamHandler) readLoop(ctx context.Context, ws *websocket.Conn, cancel context.CancelFunc, userID string) {
	defer cancel()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

func (h *StreamHandler) writeTurns(ws *websocket.Conn, conv *conversation.Conversation) error {
	return h.writeJSON(ws, turnsFrame{
		Type:      "turns",
		SessionID: conv.SessionID(),
		Turns:     conv.Turns(),
	})
}

func (h *StreamHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
