package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/plantkart/agentchat/internal/domain"
	"github.com/plantkart/agentchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	messageMu sync.Mutex // Mutex for message-log writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		products_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSession creates the session row if it does not exist yet.
func (s *SQLiteStore) EnsureSession(ctx context.Context, userID, sessionID string) error {
	now := time.Now().Unix()
	query := `
	INSERT INTO sessions (session_id, user_id, title, created_at, updated_at)
	VALUES (?, ?, '', ?, ?)
	ON CONFLICT(session_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, sessionID, userID, now, now); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id, scoped to its owner.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at
		FROM sessions WHERE session_id = ? AND user_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID, userID)

	var session domain.Session
	var createdAt, updatedAt int64

	err := row.Scan(&session.ID, &session.UserID, &session.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	return &session, nil
}

// ListSessions retrieves a user's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		var session domain.Session
		var createdAt, updatedAt int64

		if err := rows.Scan(&session.ID, &session.UserID, &session.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		session.CreatedAt = time.Unix(createdAt, 0)
		session.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes a session and its message log.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	s.messageMu.Lock()
	defer s.messageMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found")
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	return nil
}

// UpdateTitle sets the session title.
func (s *SQLiteStore) UpdateTitle(ctx context.Context, sessionID string, title string) error {
	query := `UPDATE sessions SET title = ?, updated_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, title, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateTitle affected 0 rows", "session_id", sessionID)
	}

	return nil
}

// GetMessages retrieves a session's message log in insertion order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error) {
	query := `
		SELECT role, content, products_json
		FROM messages WHERE session_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var productsJSON sql.NullString

		if err := rows.Scan(&msg.Role, &msg.Content, &productsJSON); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.ProductsJSON = productsJSON.String
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return msgs, nil
}

// SaveMessage appends one message to a session's log.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, msg domain.StoredMessage) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.saveMessageOnce(ctx, sessionID, msg)
		if err == nil {
			return nil
		}

		// Check if it's a SQLITE_BUSY error
		if shared.IsSQLiteConflictError(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
				slog.Debug("SaveMessage failed with SQLITE_BUSY, retrying",
					"session_id", sessionID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		// Non-retryable error or max retries exceeded
		return fmt.Errorf("failed to save message for %s after %d attempts: %w", sessionID, maxRetries, err)
	}

	return nil
}

// saveMessageOnce performs a single append attempt.
func (s *SQLiteStore) saveMessageOnce(ctx context.Context, sessionID string, msg domain.StoredMessage) error {
	s.messageMu.Lock()
	defer s.messageMu.Unlock()

	var productsJSON interface{}
	if msg.ProductsJSON != "" {
		productsJSON = msg.ProductsJSON
	}

	now := time.Now().Unix()
	query := `INSERT INTO messages (session_id, role, content, products_json, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, sessionID, msg.Role, msg.Content, productsJSON, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions inactive for longer than TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	s.messageMu.Lock()
	defer s.messageMu.Unlock()

	threshold := time.Now().Add(-ttl).Unix()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT session_id FROM sessions WHERE updated_at < ?)`,
		threshold); err != nil {
		return 0, fmt.Errorf("cleanup expired messages: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
