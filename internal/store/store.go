// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/plantkart/agentchat/internal/domain"
)

// Repository defines the interface for persisting sessions and their
// message logs.
type Repository interface {
	// EnsureSession creates the session row if it does not exist yet.
	EnsureSession(ctx context.Context, userID, sessionID string) error

	// GetSession retrieves a session by id, scoped to its owner.
	// Returns nil when the session does not exist.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// ListSessions retrieves a user's sessions, most recently active
	// first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// DeleteSession removes a session and its message log.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// UpdateTitle sets the session title.
	UpdateTitle(ctx context.Context, sessionID string, title string) error

	// GetMessages retrieves a session's message log in insertion order.
	GetMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error)

	// SaveMessage appends one message to a session's log and bumps the
	// session's activity timestamp.
	SaveMessage(ctx context.Context, sessionID string, msg domain.StoredMessage) error

	// CleanupExpiredSessions removes sessions inactive for longer than
	// ttl, along with their message logs.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
