// Package domain contains core domain types for the conversational storefront.
package domain

import (
	"time"
)

// Sender identifies which side of the conversation produced a turn.
type Sender string

const (
	// SenderUser marks turns produced by the shopper.
	SenderUser Sender = "user"
	// SenderAgent marks turns produced by the remote commerce agent.
	SenderAgent Sender = "agent"
)

// Turn is one exchange unit in a conversation. A turn carries plain text,
// and optionally structured payloads attached by the agent: product search
// results, an in-progress checkout, a payment-method chooser, or a resolved
// payment instrument.
type Turn struct {
	Sender            Sender             `json:"sender"`
	Text              string             `json:"text"`
	Products          []Product          `json:"products,omitempty"`
	Checkout          *Checkout          `json:"checkout,omitempty"`
	PaymentMethods    []PaymentMethod    `json:"payment_methods,omitempty"`
	PaymentInstrument *PaymentInstrument `json:"payment_instrument,omitempty"`

	// IsUserAction marks synthetic user turns generated by UI actions
	// (add-to-checkout, start-payment) rather than typed text. Such turns
	// display a fixed placeholder, never the raw action payload.
	IsUserAction bool `json:"is_user_action,omitempty"`

	// IsLoading marks the placeholder agent turn appended while a request
	// is in flight. At most one turn carries this flag, it is always the
	// last turn, and it is resolved before the next request may begin.
	IsLoading bool `json:"is_loading,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// HasContent reports whether the turn carries anything worth displaying:
// text, products, or a checkout.
func (t Turn) HasContent() bool {
	return t.Text != "" || len(t.Products) > 0 || t.Checkout != nil
}

// Product is a catalog item attached to an agent turn as a search result.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}
