package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plantkart/agentchat/internal/domain"
	"github.com/plantkart/agentchat/internal/ucp"
)

// fakeAgent scripts transport results. When block is set, SendMessage
// waits until release is closed, simulating an in-flight request.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []agentCall
	results []*ucp.Result
	err     error
	block   bool
	release chan struct{}
}

type agentCall struct {
	parts []ucp.Part
	opts  ucp.SendOptions
}

func (f *fakeAgent) SendMessage(ctx context.Context, parts []ucp.Part, opts ucp.SendOptions) (*ucp.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentCall{parts: parts, opts: opts})
	n := len(f.calls)
	block := f.block
	release := f.release
	f.mu.Unlock()

	if block {
		<-release
	}
	if f.err != nil {
		return nil, f.err
	}
	if n-1 < len(f.results) {
		return f.results[n-1], nil
	}
	return &ucp.Result{Parts: []ucp.Part{ucp.TextPart("ok")}}, nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAgent) call(i int) agentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeLog is an in-memory message log. Messages are recorded in the
// order SaveMessage calls complete. When slowRole is set, saves for
// that role stall for saveDelay first.
type fakeLog struct {
	mu        sync.Mutex
	messages  map[string][]domain.StoredMessage
	titles    map[string]string
	loadErr   error
	saveErr   error
	slowRole  string
	saveDelay time.Duration
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		messages: make(map[string][]domain.StoredMessage),
		titles:   make(map[string]string),
	}
}

func (f *fakeLog) GetMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]domain.StoredMessage(nil), f.messages[sessionID]...), nil
}

func (f *fakeLog) SaveMessage(ctx context.Context, sessionID string, msg domain.StoredMessage) error {
	f.mu.Lock()
	slow := f.slowRole != "" && f.slowRole == msg.Role
	delay := f.saveDelay
	f.mu.Unlock()
	if slow {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.messages[sessionID] = append(f.messages[sessionID], msg)
	return nil
}

func (f *fakeLog) UpdateTitle(ctx context.Context, sessionID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[sessionID] = title
	return nil
}

func (f *fakeLog) title(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titles[sessionID]
}

// fakePayments scripts the payment collaborator.
type fakePayments struct {
	methods    []domain.PaymentMethod
	listErr    error
	instrument *domain.PaymentInstrument
	resolveErr error
}

func (f *fakePayments) ListMethods(ctx context.Context, userID string, handlerConfig map[string]any) ([]domain.PaymentMethod, error) {
	return f.methods, f.listErr
}

func (f *fakePayments) ResolveToken(ctx context.Context, userID, methodID string) (*domain.PaymentInstrument, error) {
	return f.instrument, f.resolveErr
}

func newTestConversation(t *testing.T, agent *fakeAgent, history *fakeLog, payments *fakePayments) *Conversation {
	t.Helper()
	if history == nil {
		history = newFakeLog()
	}
	if payments == nil {
		payments = &fakePayments{}
	}
	conv := New("sess-1", "user-1", agent, history, payments, nil)
	if err := conv.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	return conv
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func textResult(texts ...string) *ucp.Result {
	parts := make([]ucp.Part, len(texts))
	for i, s := range texts {
		parts[i] = ucp.TextPart(s)
	}
	return &ucp.Result{Parts: parts}
}

func TestSendAppendsExactlyTwoTurns(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{results: []*ucp.Result{textResult("We stock three mango varieties.")}}
	conv := newTestConversation(t, agent, nil, nil)
	before := len(conv.Turns())

	if err := conv.Send(context.Background(), SendInput{Text: "Show me mango varieties"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	turns := conv.Turns()
	if len(turns) != before+2 {
		t.Fatalf("turn count delta = %d, want 2", len(turns)-before)
	}
	userTurn := turns[len(turns)-2]
	if userTurn.Sender != domain.SenderUser || userTurn.Text != "Show me mango varieties" {
		t.Fatalf("user text not echoed verbatim: %+v", userTurn)
	}
	agentTurn := turns[len(turns)-1]
	if agentTurn.Sender != domain.SenderAgent || agentTurn.Text != "We stock three mango varieties." {
		t.Fatalf("unexpected agent turn: %+v", agentTurn)
	}
	if agentTurn.IsLoading {
		t.Fatal("agent turn still marked loading")
	}
}

func TestSendSingleFlight(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{block: true, release: make(chan struct{})}
	conv := newTestConversation(t, agent, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- conv.Send(context.Background(), SendInput{Text: "first"})
	}()
	waitFor(t, func() bool { return agent.callCount() == 1 }, "first request dispatch")

	// Rapid sends while the first is in flight are rejected, not queued.
	for i := 0; i < 3; i++ {
		if err := conv.Send(context.Background(), SendInput{Text: "second"}); !errors.Is(err, ErrRequestInFlight) {
			t.Fatalf("expected ErrRequestInFlight, got %v", err)
		}
	}

	close(agent.release)
	if err := <-done; err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if agent.callCount() != 1 {
		t.Fatalf("dispatched %d requests, want 1", agent.callCount())
	}

	// Once resolved, a new send proceeds.
	agent.mu.Lock()
	agent.block = false
	agent.mu.Unlock()
	if err := conv.Send(context.Background(), SendInput{Text: "third"}); err != nil {
		t.Fatalf("send after resolution failed: %v", err)
	}
}

func TestSendClearsLoadingOnEveryExitPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		agent *fakeAgent
	}{
		{"success", &fakeAgent{results: []*ucp.Result{textResult("hello")}}},
		{"empty response fallback", &fakeAgent{results: []*ucp.Result{{Parts: nil}}}},
		{"transport failure", &fakeAgent{err: errors.New("connection refused")}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conv := newTestConversation(t, tc.agent, nil, nil)
			_ = conv.Send(context.Background(), SendInput{Text: "hi"})

			for i, turn := range conv.Turns() {
				if turn.IsLoading {
					t.Fatalf("turn %d still loading after send resolved", i)
				}
			}
		})
	}
}

func TestContextIDStickiness(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{results: []*ucp.Result{
		{ContextID: "ctx-1", Parts: []ucp.Part{ucp.TextPart("bound")}},
		{Parts: []ucp.Part{ucp.TextPart("no context this time")}},
		{ContextID: "ctx-other", Parts: []ucp.Part{ucp.TextPart("late different context")}},
	}}
	conv := newTestConversation(t, agent, nil, nil)

	for i := 0; i < 3; i++ {
		if err := conv.Send(context.Background(), SendInput{Text: "msg"}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	if got := agent.call(0).opts.ContextID; got != "" {
		t.Fatalf("first request carried context %q before binding", got)
	}
	for i := 1; i < 3; i++ {
		if got := agent.call(i).opts.ContextID; got != "ctx-1" {
			t.Fatalf("request %d context = %q, want ctx-1", i, got)
		}
	}
	if conv.ContextID() != "ctx-1" {
		t.Fatalf("bound context changed to %q", conv.ContextID())
	}
}

func TestTaskIDVolatility(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{results: []*ucp.Result{
		{ID: "task-1", Status: &ucp.TaskStatus{State: ucp.TaskStateInputRequired}, Parts: []ucp.Part{ucp.TextPart("need more")}},
		{ID: "task-1", Status: &ucp.TaskStatus{State: "completed"}, Parts: []ucp.Part{ucp.TextPart("done")}},
		textResult("fresh exchange"),
	}}
	conv := newTestConversation(t, agent, nil, nil)

	if err := conv.Send(context.Background(), SendInput{Text: "one"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if conv.TaskID() != "task-1" {
		t.Fatalf("active task not adopted: %q", conv.TaskID())
	}

	if err := conv.Send(context.Background(), SendInput{Text: "two"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got := agent.call(1).opts.TaskID; got != "task-1" {
		t.Fatalf("second request task = %q, want task-1", got)
	}
	if conv.TaskID() != "" {
		t.Fatalf("task id not cleared after terminal state: %q", conv.TaskID())
	}

	if err := conv.Send(context.Background(), SendInput{Text: "three"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got := agent.call(2).opts.TaskID; got != "" {
		t.Fatalf("third request carried stale task %q", got)
	}
}

func TestTransportFailureKeepsContextAndAppendsApology(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{results: []*ucp.Result{
		{ContextID: "ctx-1", Parts: []ucp.Part{ucp.TextPart("bound")}},
	}}
	conv := newTestConversation(t, agent, nil, nil)
	if err := conv.Send(context.Background(), SendInput{Text: "bind"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	agent.mu.Lock()
	agent.err = errors.New("network down")
	agent.mu.Unlock()

	before := len(conv.Turns())
	if err := conv.Send(context.Background(), SendInput{Text: "boom"}); err == nil {
		t.Fatal("expected transport error")
	}

	turns := conv.Turns()
	if len(turns) != before+2 {
		t.Fatalf("turn delta on failure = %d, want 2", len(turns)-before)
	}
	last := turns[len(turns)-1]
	if last.Text != errTextTransport || last.IsLoading {
		t.Fatalf("unexpected terminal turn: %+v", last)
	}
	if conv.ContextID() != "ctx-1" {
		t.Fatalf("context id forgotten on transient failure: %q", conv.ContextID())
	}
}

func TestEmptyResponseYieldsDistinctFallback(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{results: []*ucp.Result{{Parts: []ucp.Part{ucp.DataPart(map[string]any{"unknown.key": 1})}}}}
	conv := newTestConversation(t, agent, nil, nil)

	if err := conv.Send(context.Background(), SendInput{Text: "hi"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	turns := conv.Turns()
	last := turns[len(turns)-1]
	if last.Text != errTextUnparsed {
		t.Fatalf("unexpected fallback text: %q", last.Text)
	}
	if last.Text == errTextTransport {
		t.Fatal("empty-response fallback must differ from transport apology")
	}
}

func TestMultiPartResponseFoldsIntoOneTurn(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{results: []*ucp.Result{{
		Parts: []ucp.Part{
			ucp.TextPart("Here's what I found."),
			ucp.DataPart(map[string]any{
				ucp.KeyProductResults: map[string]any{
					"content": "Two varieties match.",
					"results": []any{map[string]any{"id": "42", "name": "Alphonso Mango"}},
				},
			}),
			ucp.DataPart(map[string]any{
				ucp.KeyCheckout: map[string]any{"status": "awaiting_complete"},
			}),
		},
	}}}
	conv := newTestConversation(t, agent, nil, nil)
	before := len(conv.Turns())

	if err := conv.Send(context.Background(), SendInput{Text: "mangoes"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	turns := conv.Turns()
	if len(turns) != before+2 {
		t.Fatalf("multi-part response must fold into one agent turn, delta = %d", len(turns)-before)
	}
	last := turns[len(turns)-1]
	if last.Text != "Here's what I found.\nTwo varieties match." {
		t.Fatalf("texts not newline-joined: %q", last.Text)
	}
	if len(last.Products) != 1 || last.Products[0].ID != "42" {
		t.Fatalf("products not attached: %+v", last.Products)
	}
	if last.Checkout == nil || last.Checkout.Status != domain.CheckoutAwaitingComplete {
		t.Fatalf("checkout not attached: %+v", last.Checkout)
	}
}

func TestFirstMessageDerivesTitle(t *testing.T) {
	t.Parallel()

	history := newFakeLog()
	agent := &fakeAgent{}
	conv := newTestConversation(t, agent, history, nil)

	if err := conv.Send(context.Background(), SendInput{Text: "Show me mango varieties"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, func() bool { return history.title("sess-1") != "" }, "title persistence")
	if got := history.title("sess-1"); got != "Show me mango varieties" {
		t.Fatalf("title = %q, want verbatim short message", got)
	}
}

func TestLongFirstMessageTruncatesTitle(t *testing.T) {
	t.Parallel()

	history := newFakeLog()
	agent := &fakeAgent{}
	conv := newTestConversation(t, agent, history, nil)

	msg := strings.Repeat("a", 50)
	if err := conv.Send(context.Background(), SendInput{Text: msg}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, func() bool { return history.title("sess-1") != "" }, "title persistence")
	want := strings.Repeat("a", 30) + "..."
	if got := history.title("sess-1"); got != want {
		t.Fatalf("title = %q, want %q", got, want)
	}
}

func TestSecondMessageDoesNotRetitle(t *testing.T) {
	t.Parallel()

	history := newFakeLog()
	agent := &fakeAgent{}
	conv := newTestConversation(t, agent, history, nil)

	if err := conv.Send(context.Background(), SendInput{Text: "first message"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, func() bool { return history.title("sess-1") == "first message" }, "title persistence")

	if err := conv.Send(context.Background(), SendInput{Text: "second message"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := history.title("sess-1"); got != "first message" {
		t.Fatalf("title rewritten to %q", got)
	}
}

func TestSendPersistsBothTurns(t *testing.T) {
	t.Parallel()

	history := newFakeLog()
	agent := &fakeAgent{results: []*ucp.Result{textResult("reply")}}
	conv := newTestConversation(t, agent, history, nil)

	if err := conv.Send(context.Background(), SendInput{Text: "hello"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, func() bool {
		msgs, _ := history.GetMessages(context.Background(), "sess-1")
		return len(msgs) == 2
	}, "turn persistence")

	msgs, _ := history.GetMessages(context.Background(), "sess-1")
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Fatalf("unexpected first stored message: %+v", msgs[0])
	}
	if msgs[1].Role != "agent" || msgs[1].Content != "reply" {
		t.Fatalf("unexpected second stored message: %+v", msgs[1])
	}
}

func TestTurnPersistenceKeepsAppendOrder(t *testing.T) {
	t.Parallel()

	// User-turn saves stall while agent-turn saves complete instantly.
	// The log must still receive turns in append order.
	history := newFakeLog()
	history.slowRole = "user"
	history.saveDelay = 20 * time.Millisecond

	var results []*ucp.Result
	for i := 0; i < 10; i++ {
		results = append(results, textResult("reply"))
	}
	agent := &fakeAgent{results: results}
	conv := newTestConversation(t, agent, history, nil)

	for i := 0; i < 10; i++ {
		if err := conv.Send(context.Background(), SendInput{Text: fmt.Sprintf("question %d", i)}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		msgs, _ := history.GetMessages(context.Background(), "sess-1")
		return len(msgs) == 20
	}, "turn persistence")

	msgs, _ := history.GetMessages(context.Background(), "sess-1")
	for i, msg := range msgs {
		want := "user"
		if i%2 == 1 {
			want = "agent"
		}
		if msg.Role != want {
			t.Fatalf("message %d stored out of order: got role %q, want %q", i, msg.Role, want)
		}
	}
	if msgs[0].Content != "question 0" || msgs[18].Content != "question 9" {
		t.Fatalf("user turns stored out of sequence: first %q, last %q", msgs[0].Content, msgs[18].Content)
	}
}

func TestPersistFailureDoesNotAffectTurns(t *testing.T) {
	t.Parallel()

	history := newFakeLog()
	history.saveErr = errors.New("disk full")
	agent := &fakeAgent{results: []*ucp.Result{textResult("reply")}}
	conv := newTestConversation(t, agent, history, nil)
	before := len(conv.Turns())

	if err := conv.Send(context.Background(), SendInput{Text: "hello"}); err != nil {
		t.Fatalf("send failed despite best-effort persistence: %v", err)
	}
	if len(conv.Turns()) != before+2 {
		t.Fatal("persistence failure must not roll back in-memory turns")
	}
}

func TestLoadHistoryReconstructsTurns(t *testing.T) {
	t.Parallel()

	history := newFakeLog()
	history.messages["sess-1"] = []domain.StoredMessage{
		{Role: "user", Content: "older question"},
		{Role: "agent", Content: "older answer", ProductsJSON: `[{"id":"7","name":"Fern"}]`},
	}
	conv := New("sess-1", "user-1", &fakeAgent{}, history, &fakePayments{}, nil)
	if err := conv.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	turns := conv.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 reconstructed turns, got %d", len(turns))
	}
	if turns[0].Sender != domain.SenderUser || turns[0].Text != "older question" {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
	if len(turns[1].Products) != 1 || turns[1].Products[0].Name != "Fern" {
		t.Fatalf("products not reconstructed: %+v", turns[1])
	}
}

func TestEmptyHistoryStartsWithGreeting(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t, &fakeAgent{}, nil, nil)
	turns := conv.Turns()
	if len(turns) != 1 || turns[0].Sender != domain.SenderAgent || turns[0].Text != greetingText {
		t.Fatalf("expected single greeting turn, got %+v", turns)
	}
}

func TestSendAfterCloseIsRejected(t *testing.T) {
	t.Parallel()

	conv := newTestConversation(t, &fakeAgent{}, nil, nil)
	conv.Close()
	if err := conv.Send(context.Background(), SendInput{Text: "hi"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
