// Package chat exposes the conversational storefront over HTTP: session
// management, the send endpoint, checkout/payment actions, and the
// websocket turn stream.
package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plantkart/agentchat/internal/api"
	"github.com/plantkart/agentchat/internal/conversation"
	"github.com/plantkart/agentchat/internal/domain"
	"github.com/plantkart/agentchat/internal/identity"
	"github.com/plantkart/agentchat/internal/store"
)

const maxRequestBodySize = 64 * 1024

// Handler handles chat and session HTTP requests.
type Handler struct {
	repo          store.Repository
	conversations *conversation.Manager
	rateLimiter   *RateLimiter
	logger        *slog.Logger
}

// NewHandler creates a chat handler.
func NewHandler(repo store.Repository, conversations *conversation.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:          repo,
		conversations: conversations,
		rateLimiter:   NewRateLimiter(20, time.Minute),
		logger:        logger,
	}
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// RegisterRoutes registers session and chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)

		r.Route("/chat/{sessionID}", func(r chi.Router) {
			r.Get("/turns", h.GetTurns)
			r.Post("/send", h.Send)
			r.Post("/add-to-checkout", h.AddToCheckout)
			r.Post("/start-payment", h.StartPayment)
			r.Post("/select-method", h.SelectPaymentMethod)
			r.Post("/confirm-payment", h.ConfirmPayment)
			r.Post("/complete-payment", h.CompletePayment)
		})
	})
}

// ListSessions returns the user's sessions, most recently active first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list sessions", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// DeleteSession removes a session, its message log, and any live state.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if !identity.ValidSessionID(sessionID) {
		api.Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	// Live state first so an in-flight response cannot repopulate.
	h.conversations.Close(userID, sessionID)

	if err := h.repo.DeleteSession(r.Context(), userID, sessionID); err != nil {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetTurns returns the full in-memory turn sequence for a session.
func (h *Handler) GetTurns(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationFor(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, turnsPayload(conv))
}

type sendRequest struct {
	Message string `json:"message"`
}

// Send handles one typed shopper message.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID != "" && !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	conv, ok := h.conversationFor(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	err := conv.Send(r.Context(), conversation.SendInput{Text: req.Message})
	h.respondAfterAction(w, conv, err)
}

type addToCheckoutRequest struct {
	ProductID string `json:"product_id"`
}

// AddToCheckout adds one unit of a product to the in-progress checkout.
func (h *Handler) AddToCheckout(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationFor(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req addToCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		api.Error(w, http.StatusBadRequest, "product_id cannot be empty")
		return
	}

	err := conv.AddToCheckout(r.Context(), req.ProductID)
	h.respondAfterAction(w, conv, err)
}

// StartPayment moves the checkout into its payment phase. Once the last
// checkout reaches the ready state, completion is the only valid next
// action.
func (h *Handler) StartPayment(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationFor(w, r)
	if !ok {
		return
	}
	if conv.LastCheckout().ReadyForComplete() {
		api.Error(w, http.StatusConflict, "checkout is already ready for completion")
		return
	}
	err := conv.StartPayment(r.Context())
	h.respondAfterAction(w, conv, err)
}

// SelectPaymentMethod resolves a credential for the chosen method.
func (h *Handler) SelectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationFor(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var method domain.PaymentMethod
	if err := json.NewDecoder(r.Body).Decode(&method); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if method.ID == "" {
		api.Error(w, http.StatusBadRequest, "method id cannot be empty")
		return
	}

	err := conv.SelectPaymentMethod(r.Context(), method)
	h.respondAfterAction(w, conv, err)
}

type confirmPaymentRequest struct {
	Instrument *domain.PaymentInstrument `json:"instrument"`
}

// ConfirmPayment completes the checkout with the resolved instrument.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationFor(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Instrument == nil {
		api.Error(w, http.StatusBadRequest, "instrument cannot be empty")
		return
	}

	err := conv.ConfirmPayment(r.Context(), req.Instrument)
	h.respondAfterAction(w, conv, err)
}

// CompletePayment opens the payment-method chooser for the checkout that
// reached the ready state.
func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversationFor(w, r)
	if !ok {
		return
	}

	checkout := conv.LastCheckout()
	if !checkout.ReadyForComplete() {
		api.Error(w, http.StatusConflict, "checkout is not ready for completion")
		return
	}

	err := conv.CompletePayment(r.Context(), checkout)
	h.respondAfterAction(w, conv, err)
}

// conversationFor resolves the live conversation for the request, creating
// the session row on first contact.
func (h *Handler) conversationFor(w http.ResponseWriter, r *http.Request) (*conversation.Conversation, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	sessionID := chi.URLParam(r, "sessionID")
	if !identity.ValidSessionID(sessionID) {
		api.Error(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}

	if err := h.repo.EnsureSession(r.Context(), userID, sessionID); err != nil {
		h.logger.Error("failed to ensure session", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to open session")
		return nil, false
	}

	conv, err := h.conversations.Get(r.Context(), userID, sessionID)
	if err != nil {
		h.logger.Error("failed to load conversation", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	return conv, true
}

// respondAfterAction maps conversation-level outcomes to HTTP. Failures
// the shopper sees as normal turns answer 200 with the transcript; only
// flow-control rejections surface as errors.
func (h *Handler) respondAfterAction(w http.ResponseWriter, conv *conversation.Conversation, err error) {
	switch {
	case err == nil:
		api.JSON(w, http.StatusOK, turnsPayload(conv))
	case errors.Is(err, conversation.ErrRequestInFlight):
		api.Error(w, http.StatusConflict, "a request is already in flight")
	case errors.Is(err, conversation.ErrClosed):
		api.Error(w, http.StatusGone, "conversation closed")
	default:
		h.logger.Warn("conversation action failed", "session_id", conv.SessionID(), "error", err)
		api.JSON(w, http.StatusOK, turnsPayload(conv))
	}
}

func turnsPayload(conv *conversation.Conversation) map[string]any {
	return map[string]any{
		"session_id": conv.SessionID(),
		"turns":      conv.Turns(),
	}
}
