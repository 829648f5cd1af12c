package domain

import (
	"time"
)

// titleMaxLen is the number of leading characters of the first user
// message kept as the session title.
const titleMaxLen = 30

// Session is a named, persisted conversation identified by an opaque id.
// The ordered turn history lives in the message log; correlation state
// (context id, task id) lives only in the in-memory state machine.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeriveTitle builds a session title from the first user message: the
// first 30 characters, with an ellipsis marker when truncated.
func DeriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= titleMaxLen {
		return text
	}
	return string(runes[:titleMaxLen]) + "..."
}

// StoredMessage is one persisted chat turn as the message log records it.
// Structured payloads other than products are not persisted; they are
// re-negotiated with the agent when a session resumes.
type StoredMessage struct {
	Role         string `json:"role"`
	Content      string `json:"content"`
	ProductsJSON string `json:"products,omitempty"`
}
