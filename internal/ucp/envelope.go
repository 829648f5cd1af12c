// Package ucp implements the client side of the Universal Commerce
// Protocol: a JSON-RPC style message exchange with a remote conversational
// commerce agent.
package ucp

import (
	"encoding/json"
	"fmt"

	"github.com/plantkart/agentchat/internal/domain"
)

// Part type discriminators.
const (
	PartTypeText = "text"
	PartTypeData = "data"
)

// Data-part keys the agent and client exchange structured payloads under.
const (
	KeyProductResults = "a2a.product_results"
	KeyCheckout       = "a2a.ucp.checkout"
	KeyPaymentData    = "a2a.ucp.checkout.payment_data"
	KeyRiskSignals    = "a2a.ucp.checkout.risk_signals"
)

// Task states the agent reports. A task in one of the active states keeps
// its id bound to the next request; any other state clears it.
const (
	TaskStateWorking       = "working"
	TaskStateSubmitted     = "submitted"
	TaskStateInputRequired = "input-required"
)

// ActiveTaskState reports whether a task state keeps the task id alive.
func ActiveTaskState(state string) bool {
	switch state {
	case TaskStateWorking, TaskStateSubmitted, TaskStateInputRequired:
		return true
	}
	return false
}

// Part is one content part of a protocol message: plain text or a
// structured data object, never both.
type Part struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a plain-text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// ProductResults is the payload under KeyProductResults: descriptive text
// plus the matching catalog items.
type ProductResults struct {
	Content string           `json:"content"`
	Results []domain.Product `json:"results"`
}

// ProductResults extracts the product-results payload from a data part,
// if present.
func (p Part) ProductResults() (*ProductResults, bool) {
	raw, ok := p.Data[KeyProductResults]
	if !ok {
		return nil, false
	}
	var pr ProductResults
	if err := reencode(raw, &pr); err != nil {
		return nil, false
	}
	return &pr, true
}

// Checkout extracts the checkout payload from a data part, if present.
func (p Part) Checkout() (*domain.Checkout, bool) {
	raw, ok := p.Data[KeyCheckout]
	if !ok {
		return nil, false
	}
	var c domain.Checkout
	if err := reencode(raw, &c); err != nil {
		return nil, false
	}
	return &c, true
}

// reencode converts a decoded any value into a typed struct by a JSON
// round trip. Data parts arrive as map[string]any off the wire.
func reencode(from any, to any) error {
	buf, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("re-encode part data: %w", err)
	}
	return json.Unmarshal(buf, to)
}

// Request is the JSON-RPC envelope sent to the agent.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
}

// RequestParams carries the outbound message and send configuration.
type RequestParams struct {
	Message       Message       `json:"message"`
	Configuration Configuration `json:"configuration"`
}

// Message is one user message with its correlation state.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	Kind      string `json:"kind"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// Configuration holds per-request send options. History is always managed
// client-side, so historyLength stays zero.
type Configuration struct {
	HistoryLength int `json:"historyLength"`
}

// Response is the JSON-RPC envelope received from the agent.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  *Result   `json:"result"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC level failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// Result is the agent's reply. Depending on whether the agent answered
// immediately or reports an asynchronous task, content parts live either
// at the top level or nested under status.message.
type Result struct {
	ContextID string      `json:"contextId,omitempty"`
	ID        string      `json:"id,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	Parts     []Part      `json:"parts,omitempty"`
	Status    *TaskStatus `json:"status,omitempty"`
}

// TaskStatus reports the state of an asynchronous agent task, optionally
// wrapping an intermediate message.
type TaskStatus struct {
	State   string `json:"state,omitempty"`
	Message *struct {
		Parts []Part `json:"parts"`
	} `json:"message,omitempty"`
}

// MessageParts normalizes the response-shape duality into one canonical
// parts list: result.parts when present, otherwise
// result.status.message.parts.
func (r *Result) MessageParts() []Part {
	if r == nil {
		return nil
	}
	if len(r.Parts) > 0 {
		return r.Parts
	}
	if r.Status != nil && r.Status.Message != nil {
		return r.Status.Message.Parts
	}
	return nil
}

// TaskState returns the reported task state, or "" when the agent
// answered without a task.
func (r *Result) TaskState() string {
	if r == nil || r.Status == nil {
		return ""
	}
	return r.Status.State
}
