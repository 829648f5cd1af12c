package domain

import (
	"encoding/json"
	"fmt"
)

// Checkout status values reported by the remote agent. Only the two
// termini the client branches on are named; everything else is passed
// through untouched.
const (
	// CheckoutReadyForComplete means the negotiation can be completed:
	// the next action to offer is payment completion.
	CheckoutReadyForComplete = "ready_for_complete"
	// CheckoutAwaitingComplete means the agent is still assembling the
	// order; the next action to offer is starting payment.
	CheckoutAwaitingComplete = "awaiting_complete"
)

// Checkout is the opaque order-negotiation state returned by the remote
// agent. The client never constructs or mutates it: the raw bytes are
// round-tripped verbatim, and only Status and Payment.Handlers are
// inspected to decide which UI action to offer next.
type Checkout struct {
	Status  string
	Payment CheckoutPayment

	raw json.RawMessage
}

// CheckoutPayment holds the payment section of a checkout object.
type CheckoutPayment struct {
	Handlers []PaymentHandler `json:"handlers"`
}

// PaymentHandler is a server-advertised payment provider descriptor. The
// client matches ID against a known provider to proceed with payment.
type PaymentHandler struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// ReadyForComplete reports whether the checkout reached the
// ready-for-completion terminus.
func (c *Checkout) ReadyForComplete() bool {
	return c != nil && c.Status == CheckoutReadyForComplete
}

// UnmarshalJSON captures the raw checkout bytes for round-tripping and
// projects out the two fields the client is allowed to inspect.
func (c *Checkout) UnmarshalJSON(data []byte) error {
	var view struct {
		Status  string          `json:"status"`
		Payment CheckoutPayment `json:"payment"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		return fmt.Errorf("decode checkout: %w", err)
	}
	c.Status = view.Status
	c.Payment = view.Payment
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits the checkout exactly as the agent sent it.
func (c Checkout) MarshalJSON() ([]byte, error) {
	if len(c.raw) > 0 {
		return c.raw, nil
	}
	// A checkout never received from the wire (tests, history without a
	// stored raw form) falls back to the projected view.
	return json.Marshal(struct {
		Status  string          `json:"status"`
		Payment CheckoutPayment `json:"payment"`
	}{Status: c.Status, Payment: c.Payment})
}
