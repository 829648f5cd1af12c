package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plantkart/agentchat/internal/domain"
	"github.com/plantkart/agentchat/internal/ucp"
)

// knownPaymentHandlerID is the one payment provider this client can
// drive. The agent advertises handlers on the checkout object; anything
// else is unusable.
const knownPaymentHandlerID = "razorpay"

// riskSignalStub is sent in place of real device risk signals, which are
// collected by the payment provider, not this client.
const riskSignalStub = "client_risk_signals_unavailable"

var (
	errNoPaymentHandler = errors.New("no usable payment handler on checkout")
	errNoPaymentMethods = errors.New("no payment methods available")
	errNoCredential     = errors.New("payment credential unavailable")
)

type addToCheckoutPayload struct {
	Action    string `json:"action"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type startPaymentPayload struct {
	Action string `json:"action"`
}

// AddToCheckout asks the agent to add one unit of a product to the
// in-progress checkout. The shopper sees the fixed action placeholder,
// never the payload.
func (c *Conversation) AddToCheckout(ctx context.Context, productID string) error {
	payload, err := json.Marshal(addToCheckoutPayload{
		Action:    "add_to_checkout",
		ProductID: productID,
		Quantity:  1,
	})
	if err != nil {
		return fmt.Errorf("marshal add_to_checkout: %w", err)
	}
	return c.Send(ctx, SendInput{Text: string(payload), IsUserAction: true})
}

// StartPayment asks the agent to move the checkout into its payment
// phase. Offered only while the latest checkout is not yet ready for
// completion.
func (c *Conversation) StartPayment(ctx context.Context) error {
	payload, err := json.Marshal(startPaymentPayload{Action: "start_payment"})
	if err != nil {
		return fmt.Errorf("marshal start_payment: %w", err)
	}
	return c.Send(ctx, SendInput{Text: string(payload), IsUserAction: true})
}

// SelectPaymentMethod resolves a payment credential for the chosen
// method. This is a client-local step: no protocol request is made until
// the shopper confirms. The method chooser turn is removed, the selection
// is announced as a synthetic user turn, and the resolved instrument (or
// a fixed error) is appended as an agent turn.
func (c *Conversation) SelectPaymentMethod(ctx context.Context, method domain.PaymentMethod) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.turns.RemoveWhere(func(t domain.Turn) bool { return len(t.PaymentMethods) > 0 })
	selection := domain.Turn{
		Sender:    domain.SenderUser,
		Text:      "Pay with " + methodLabel(method),
		CreatedAt: time.Now(),
	}
	c.turns.Append(selection)
	c.persistTurn(selection)
	c.notifyLocked()
	c.mu.Unlock()

	if c.userID == "" {
		c.appendTurn(errorTurn(errTextPayment))
		return errNoCredential
	}

	instrument, err := c.payments.ResolveToken(ctx, c.userID, method.ID)
	if err != nil || instrument == nil {
		// An absent credential and a provider error read the same to
		// the shopper: payment could not proceed.
		c.logger.Warn("payment token resolution failed",
			"session_id", c.sessionID,
			"method_id", method.ID,
			"error", err,
		)
		c.appendTurn(errorTurn(errTextPayment))
		if err != nil {
			return fmt.Errorf("resolve payment token: %w", err)
		}
		return errNoCredential
	}

	c.appendTurn(domain.Turn{
		Sender:            domain.SenderAgent,
		Text:              confirmInstrumentText,
		PaymentInstrument: instrument,
		CreatedAt:         time.Now(),
	})
	return nil
}

// ConfirmPayment sends the checkout-completion request carrying the
// resolved payment instrument. The confirmation UI turn is removed and a
// synthetic user turn records the confirmation; the wire content itself
// is parts-only, so Send appends no second user turn.
func (c *Conversation) ConfirmPayment(ctx context.Context, instrument *domain.PaymentInstrument) error {
	if instrument == nil {
		c.appendTurn(errorTurn(errTextPayment))
		return errNoCredential
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.turns.RemoveWhere(func(t domain.Turn) bool { return t.PaymentInstrument != nil })
	confirmed := domain.Turn{
		Sender:    domain.SenderUser,
		Text:      paymentConfirmedText,
		CreatedAt: time.Now(),
	}
	c.turns.Append(confirmed)
	c.persistTurn(confirmed)
	c.notifyLocked()
	c.mu.Unlock()

	parts := []ucp.Part{
		ucp.DataPart(map[string]any{"action": "complete_checkout"}),
		ucp.DataPart(map[string]any{
			ucp.KeyPaymentData: instrument,
			ucp.KeyRiskSignals: map[string]any{"data": riskSignalStub},
		}),
	}
	return c.Send(ctx, SendInput{Parts: parts, IsUserAction: true})
}

// CompletePayment opens the payment-method chooser for a checkout that
// reached the ready-for-completion terminus. Client-local: the handler
// list on the checkout is matched against the known provider, and the
// collaborator supplies the shopper's method aliases.
func (c *Conversation) CompletePayment(ctx context.Context, checkout *domain.Checkout) error {
	handler := findHandler(checkout, knownPaymentHandlerID)
	if handler == nil {
		c.appendTurn(errorTurn(errTextPayment))
		return errNoPaymentHandler
	}

	methods, err := c.payments.ListMethods(ctx, c.userID, handler.Config)
	if err != nil {
		// Listing soft-fails; an empty list falls through to the
		// same error turn below.
		c.logger.Warn("payment method listing failed", "session_id", c.sessionID, "error", err)
		methods = nil
	}
	if len(methods) == 0 {
		c.appendTurn(errorTurn(errTextPayment))
		return errNoPaymentMethods
	}

	c.appendTurn(domain.Turn{
		Sender:         domain.SenderAgent,
		Text:           chooseMethodText,
		PaymentMethods: methods,
		CreatedAt:      time.Now(),
	})
	return nil
}

// appendTurn appends and persists one turn outside an existing critical
// section.
func (c *Conversation) appendTurn(turn domain.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.turns.Append(turn)
	c.persistTurn(turn)
	c.notifyLocked()
}

func findHandler(checkout *domain.Checkout, id string) *domain.PaymentHandler {
	if checkout == nil {
		return nil
	}
	for i := range checkout.Payment.Handlers {
		if strings.EqualFold(checkout.Payment.Handlers[i].ID, id) {
			return &checkout.Payment.Handlers[i]
		}
	}
	return nil
}

func methodLabel(method domain.PaymentMethod) string {
	if method.Label != "" {
		return method.Label
	}
	return method.ID
}
