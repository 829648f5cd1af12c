package domain

// PaymentMethod is one alias offered in the payment-method chooser.
type PaymentMethod struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Network string `json:"network,omitempty"`
	Last4   string `json:"last4,omitempty"`
}

// PaymentInstrument is a resolved payment credential for a selected
// method. The token is treated as opaque and forwarded to the agent
// during checkout completion.
type PaymentInstrument struct {
	ID          string         `json:"id"`
	Type        string         `json:"type,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Token       string         `json:"token"`
	Details     map[string]any `json:"details,omitempty"`
}
