package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plantkart/agentchat/internal/domain"
	"github.com/plantkart/agentchat/internal/ucp"
)

var (
	// ErrRequestInFlight is returned when Send is called while a prior
	// request has not resolved. The call is a no-op, never queued.
	ErrRequestInFlight = errors.New("request already in flight")
	// ErrClosed is returned when the conversation was torn down (session
	// switch, reset, or idle sweep).
	ErrClosed = errors.New("conversation closed")
)

// Fixed user-visible texts. Every failure mode resolves into a normal
// conversation turn so the conversation stays resumable.
const (
	greetingText      = "Hi! I'm the PlantKart shopping assistant. Ask me about plants, or tell me what you'd like to grow."
	actionPlaceholder = "Working on it..."

	errTextTransport = "Sorry, I ran into a problem talking to the shopping agent. Please try again."
	errTextUnparsed  = "Sorry, I didn't quite catch that. Could you try rephrasing?"
	errTextPayment   = "Sorry, we couldn't set up your payment right now. Please try again."

	confirmInstrumentText = "Payment method is ready. Confirm to finish checkout."
	chooseMethodText      = "How would you like to pay?"
	paymentConfirmedText  = "Payment confirmed."

	persistTimeout = 5 * time.Second
	persistBuffer  = 64
)

// AgentClient sends one protocol request and returns the decoded result.
type AgentClient interface {
	SendMessage(ctx context.Context, parts []ucp.Part, opts ucp.SendOptions) (*ucp.Result, error)
}

// MessageLog is the durable per-session turn store. All writes are
// best-effort from the state machine's perspective; only the initial
// history load blocks.
type MessageLog interface {
	GetMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error)
	SaveMessage(ctx context.Context, sessionID string, msg domain.StoredMessage) error
	UpdateTitle(ctx context.Context, sessionID string, title string) error
}

// PaymentResolver is the payment-credential collaborator.
type PaymentResolver interface {
	ListMethods(ctx context.Context, userID string, handlerConfig map[string]any) ([]domain.PaymentMethod, error)
	ResolveToken(ctx context.Context, userID string, methodID string) (*domain.PaymentInstrument, error)
}

// Conversation is the state machine for one chat session. It exclusively
// owns the in-memory turn sequence and the correlation state (context id,
// task id) and writes turns through to the message log.
type Conversation struct {
	sessionID string
	userID    string

	agent    AgentClient
	history  MessageLog
	payments PaymentResolver
	logger   *slog.Logger

	mu        sync.Mutex
	turns     turnLog
	contextID string
	taskID    string
	inFlight  bool
	closed    bool
	titleSet  bool

	persistCh chan domain.StoredMessage

	subSeq int
	subs   map[int]chan struct{}
}

// New constructs a conversation for the given session without loading
// history. Most callers want Manager.Get instead.
func New(sessionID, userID string, agent AgentClient, history MessageLog, payments PaymentResolver, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conversation{
		sessionID: sessionID,
		userID:    userID,
		agent:     agent,
		history:   history,
		payments:  payments,
		logger:    logger,
		persistCh: make(chan domain.StoredMessage, persistBuffer),
		subs:      make(map[int]chan struct{}),
	}
	go c.persistLoop()
	return c
}

// LoadHistory reconstructs the in-memory turn sequence from the message
// log. A session with no persisted turns starts with the fixed greeting.
// This is the only point where the state machine reads from the log;
// afterwards the in-memory sequence is authoritative.
func (c *Conversation) LoadHistory(ctx context.Context) error {
	msgs, err := c.history.GetMessages(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = turnLog{}
	for _, m := range msgs {
		turn := domain.Turn{Text: m.Content}
		if m.Role == string(domain.SenderUser) {
			turn.Sender = domain.SenderUser
		} else {
			turn.Sender = domain.SenderAgent
		}
		if m.ProductsJSON != "" {
			var products []domain.Product
			if err := json.Unmarshal([]byte(m.ProductsJSON), &products); err != nil {
				c.logger.Warn("failed to decode stored products", "session_id", c.sessionID, "error", err)
			} else {
				turn.Products = products
			}
		}
		c.turns.Append(turn)
	}
	if c.turns.Len() == 0 {
		c.turns.Append(domain.Turn{Sender: domain.SenderAgent, Text: greetingText, CreatedAt: time.Now()})
	} else {
		// A resumed session was already titled on its first exchange.
		c.titleSet = true
	}
	return nil
}

// SendInput is the content of one outbound exchange: typed text, or
// prebuilt structured parts used internally by action handlers.
type SendInput struct {
	Text string
	// Parts, when set, are sent verbatim and Text is ignored on the
	// wire. Parts-only input produces no visible user turn; action
	// handlers that need one append it themselves beforehand.
	Parts []ucp.Part
	// IsUserAction replaces the displayed user-turn text with a fixed
	// placeholder so raw action payloads are never echoed.
	IsUserAction bool
}

// Send drives one full send/receive cycle: append the user turn and a
// loading placeholder, issue the protocol request, apply correlation
// updates, and fold the response parts into exactly one agent turn.
// Requests are strictly single-flight per conversation; a call made while
// one is outstanding is rejected without side effects.
func (c *Conversation) Send(ctx context.Context, input SendInput) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		c.logger.Debug("send ignored: request in flight", "session_id", c.sessionID)
		return ErrRequestInFlight
	}
	c.inFlight = true

	// Title derivation happens once per session, on the first typed
	// message. Action payloads and parts-only sends never title.
	if !c.titleSet && input.Text != "" && !input.IsUserAction && len(input.Parts) == 0 {
		c.titleSet = true
		title := domain.DeriveTitle(input.Text)
		go c.persistTitle(title)
	}

	display := input.Text
	if len(input.Parts) > 0 {
		display = ""
	} else if input.IsUserAction {
		display = actionPlaceholder
	}
	if display != "" {
		userTurn := domain.Turn{
			Sender:       domain.SenderUser,
			Text:         display,
			IsUserAction: input.IsUserAction,
			CreatedAt:    time.Now(),
		}
		c.turns.Append(userTurn)
		c.persistTurn(userTurn)
	}
	c.turns.Append(domain.Turn{Sender: domain.SenderAgent, IsLoading: true, CreatedAt: time.Now()})

	parts := input.Parts
	if len(parts) == 0 {
		parts = []ucp.Part{ucp.TextPart(input.Text)}
	}
	opts := ucp.SendOptions{ContextID: c.contextID, TaskID: c.taskID}
	c.notifyLocked()
	c.mu.Unlock()

	result, err := c.agent.SendMessage(ctx, parts, opts)

	c.mu.Lock()
	if c.closed {
		// The session was switched away while the request was in
		// flight. The response must never reach this machine's state;
		// drop it on the floor, leaving no stuck loading turn behind.
		if c.turns.HasLoading() {
			c.turns.RemoveLast()
		}
		c.inFlight = false
		c.mu.Unlock()
		c.logger.Debug("discarding response for closed conversation", "session_id", c.sessionID)
		return ErrClosed
	}
	defer func() {
		// Loading state is cleared on every exit path; a stuck
		// placeholder would lock the conversation permanently.
		if c.turns.HasLoading() {
			c.turns.RemoveLast()
		}
		c.inFlight = false
		c.notifyLocked()
		c.mu.Unlock()
	}()

	if err != nil {
		c.resolveLoadingLocked(errorTurn(errTextTransport))
		return fmt.Errorf("send message: %w", err)
	}

	// Context id is sticky: adopted once, reused for every subsequent
	// request, never unset even when later responses omit it.
	if c.contextID == "" && result.ContextID != "" {
		c.contextID = result.ContextID
	}
	if ucp.ActiveTaskState(result.TaskState()) {
		c.taskID = result.ID
	} else {
		c.taskID = ""
	}

	combined := foldParts(result.MessageParts())
	if !combined.HasContent() {
		combined = errorTurn(errTextUnparsed)
	}
	c.resolveLoadingLocked(combined)
	return nil
}

// foldParts accumulates response parts, in order, into one combined agent
// turn: text parts concatenate with newlines, product results contribute
// text and set the product list, a checkout part sets the checkout.
func foldParts(parts []ucp.Part) domain.Turn {
	combined := domain.Turn{Sender: domain.SenderAgent, CreatedAt: time.Now()}
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
		if pr, ok := p.ProductResults(); ok {
			if pr.Content != "" {
				texts = append(texts, pr.Content)
			}
			combined.Products = pr.Results
		}
		if checkout, ok := p.Checkout(); ok {
			combined.Checkout = checkout
		}
	}
	combined.Text = strings.Join(texts, "\n")
	return combined
}

func errorTurn(text string) domain.Turn {
	return domain.Turn{Sender: domain.SenderAgent, Text: text, CreatedAt: time.Now()}
}

// resolveLoadingLocked substitutes the loading placeholder with the given
// turn, exactly 1-for-1, and persists the resulting agent turn. The
// placeholder is always the final turn while a request is in flight, so
// the substitution is a last-slot swap.
func (c *Conversation) resolveLoadingLocked(turn domain.Turn) {
	if c.turns.HasLoading() {
		c.turns.ReplaceLast(turn)
	} else {
		c.turns.Append(turn)
	}
	c.persistTurn(turn)
}

// persistTurn hands a turn to the log writer. Writes are best-effort but
// must reach the log in append order; callers hold c.mu, which serializes
// the handoff with Close.
func (c *Conversation) persistTurn(turn domain.Turn) {
	if c.closed {
		return
	}
	msg := domain.StoredMessage{Role: string(turn.Sender), Content: turn.Text}
	if len(turn.Products) > 0 {
		if buf, err := json.Marshal(turn.Products); err == nil {
			msg.ProductsJSON = string(buf)
		}
	}
	select {
	case c.persistCh <- msg:
	default:
		c.logger.Warn("message log writer backlogged, dropping turn", "session_id", c.sessionID)
	}
}

// persistLoop is the sole writer to the message log for this session.
// A single drain order keeps SaveMessage calls in turn-append order.
// Exits when Close closes the channel.
func (c *Conversation) persistLoop() {
	for msg := range c.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := c.history.SaveMessage(ctx, c.sessionID, msg)
		cancel()
		if err != nil {
			c.logger.Warn("failed to persist turn", "session_id", c.sessionID, "error", err)
		}
	}
}

func (c *Conversation) persistTitle(title string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.history.UpdateTitle(ctx, c.sessionID, title); err != nil {
		c.logger.Warn("failed to persist session title", "session_id", c.sessionID, "error", err)
	}
}

// Turns returns a snapshot of the turn sequence.
func (c *Conversation) Turns() []domain.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns.Snapshot()
}

// SessionID returns the session this conversation is scoped to.
func (c *Conversation) SessionID() string {
	return c.sessionID
}

// ContextID returns the sticky server-assigned context id, or "" while
// the session is unbound.
func (c *Conversation) ContextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextID
}

// TaskID returns the active task id, or "" when no task is active.
func (c *Conversation) TaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

// LastCheckout returns the checkout of the last checkout-bearing turn,
// which alone decides whether to offer start-payment or complete-payment.
func (c *Conversation) LastCheckout() *domain.Checkout {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.turns.LastCheckoutIndex()
	if idx < 0 {
		return nil
	}
	return c.turns.Snapshot()[idx].Checkout
}

// Subscribe registers for change notifications. The returned channel
// receives a tick after every turn-sequence mutation; the cancel func
// must be called when done.
func (c *Conversation) Subscribe() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subSeq++
	id := c.subSeq
	ch := make(chan struct{}, 1)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Conversation) notifyLocked() {
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close tears the conversation down. A response still in flight when
// Close is called is discarded when it arrives.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.persistCh)
	c.notifyLocked()
}

// Closed reports whether the conversation has been torn down.
func (c *Conversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
