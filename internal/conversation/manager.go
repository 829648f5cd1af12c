package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// Manager holds the live conversation state machines, one per
// user+session pair. Retrieving a session that is not in memory loads
// its history and constructs a fresh machine; closing one (session
// switch, reset, idle sweep) guarantees any response still in flight is
// discarded rather than applied to a successor.
type Manager struct {
	agent    AgentClient
	history  MessageLog
	payments PaymentResolver
	logger   *slog.Logger

	mu       sync.Mutex
	active   map[string]*Conversation
	lastUsed map[string]time.Time
}

// NewManager creates a conversation manager.
func NewManager(agent AgentClient, history MessageLog, payments PaymentResolver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agent:    agent,
		history:  history,
		payments: payments,
		logger:   logger,
		active:   make(map[string]*Conversation),
		lastUsed: make(map[string]time.Time),
	}
}

func conversationKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the live conversation for the session, constructing and
// loading it on first use.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (*Conversation, error) {
	key := conversationKey(userID, sessionID)

	m.mu.Lock()
	if conv, ok := m.active[key]; ok {
		m.lastUsed[key] = time.Now()
		m.mu.Unlock()
		return conv, nil
	}
	m.mu.Unlock()

	// History load hits the database, so it runs outside the lock.
	conv := New(sessionID, userID, m.agent, m.history, m.payments, m.logger)
	if err := conv.LoadHistory(ctx); err != nil {
		conv.Close()
		return nil, fmt.Errorf("load conversation %s: %w", sessionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[key]; ok {
		// Lost the construction race; the first one in wins. The
		// loser is torn down so its log writer exits.
		conv.Close()
		m.lastUsed[key] = time.Now()
		return existing, nil
	}
	m.active[key] = conv
	m.lastUsed[key] = time.Now()
	return conv, nil
}

// Close tears down the live conversation for a session, if any. Durable
// history is untouched.
func (m *Manager) Close(userID, sessionID string) {
	key := conversationKey(userID, sessionID)
	m.mu.Lock()
	conv, ok := m.active[key]
	delete(m.active, key)
	delete(m.lastUsed, key)
	m.mu.Unlock()
	if ok {
		conv.Close()
	}
}

// CloseAll tears down every live conversation. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conversation, 0, len(m.active))
	for _, conv := range m.active {
		conns = append(conns, conv)
	}
	m.active = make(map[string]*Conversation)
	m.lastUsed = make(map[string]time.Time)
	m.mu.Unlock()

	for _, conv := range conns {
		conv.Close()
	}
}

// SweepIdle closes conversations untouched for longer than ttl and
// returns how many were evicted.
func (m *Manager) SweepIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var evict []*Conversation
	for key, last := range m.lastUsed {
		if last.Before(cutoff) {
			if conv, ok := m.active[key]; ok {
				evict = append(evict, conv)
			}
			delete(m.active, key)
			delete(m.lastUsed, key)
		}
	}
	m.mu.Unlock()

	for _, conv := range evict {
		conv.Close()
	}
	return len(evict)
}

// StartSweeper runs a background goroutine that periodically evicts idle
// conversations until the context is canceled.
func (m *Manager) StartSweeper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("conversation sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if evicted := m.SweepIdle(ttl); evicted > 0 {
					m.logger.Info("evicted idle conversations", "count", evicted)
				}
			case <-ctx.Done():
				m.logger.Info("conversation sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
