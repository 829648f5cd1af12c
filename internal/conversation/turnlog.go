// Package conversation implements the chat-driven commerce state machine:
// per-session turn sequences, the send/receive cycle against the remote
// commerce agent, and the checkout/payment sub-flow.
package conversation

import (
	"github.com/plantkart/agentchat/internal/domain"
)

// turnLog is the ordered in-memory turn sequence for one session. All
// mutations go through named transitions so the state machine never does
// ad hoc slice surgery. The log is not safe for concurrent use on its
// own; Conversation serializes access.
type turnLog struct {
	turns []domain.Turn
}

// Append adds a turn at the end of the sequence.
func (l *turnLog) Append(t domain.Turn) {
	l.turns = append(l.turns, t)
}

// ReplaceLast swaps the final turn for the given one. No-op on an empty
// log.
func (l *turnLog) ReplaceLast(t domain.Turn) {
	if len(l.turns) == 0 {
		return
	}
	l.turns[len(l.turns)-1] = t
}

// RemoveLast drops the final turn. No-op on an empty log.
func (l *turnLog) RemoveLast() {
	if len(l.turns) == 0 {
		return
	}
	l.turns = l.turns[:len(l.turns)-1]
}

// RemoveWhere drops every turn matching the predicate, preserving order.
func (l *turnLog) RemoveWhere(match func(domain.Turn) bool) {
	kept := l.turns[:0]
	for _, t := range l.turns {
		if !match(t) {
			kept = append(kept, t)
		}
	}
	l.turns = kept
}

// Len returns the number of turns.
func (l *turnLog) Len() int {
	return len(l.turns)
}

// HasLoading reports whether a loading placeholder is present.
func (l *turnLog) HasLoading() bool {
	for _, t := range l.turns {
		if t.IsLoading {
			return true
		}
	}
	return false
}

// LastCheckoutIndex returns the index of the last checkout-bearing turn,
// or -1. Only that turn's checkout drives which payment action the UI
// offers next.
func (l *turnLog) LastCheckoutIndex() int {
	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].Checkout != nil {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of the turn sequence.
func (l *turnLog) Snapshot() []domain.Turn {
	out := make([]domain.Turn, len(l.turns))
	copy(out, l.turns)
	return out
}
