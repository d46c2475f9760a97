package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"farmsmart/internal/turnlock"
	"farmsmart/internal/usertoken"
	"farmsmart/pkg/agent"
	"farmsmart/pkg/attachment"
	"farmsmart/pkg/domain"
	"farmsmart/pkg/feed"
	"farmsmart/pkg/queue"
	"farmsmart/pkg/storage"
	"farmsmart/pkg/store"
)

type fakeAgent struct {
	mu       sync.Mutex
	queries  []agent.QueryRequest
	files    []agent.FileQueryRequest
	cleared  []string
	reply    agent.Reply
	err      error
	clearErr error
	// block, when set, holds Query until closed.
	block chan struct{}
}

func (f *fakeAgent) Query(ctx context.Context, req agent.QueryRequest) (agent.Reply, error) {
	f.mu.Lock()
	f.queries = append(f.queries, req)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return agent.Reply{}, ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeAgent) QueryFile(_ context.Context, req agent.FileQueryRequest) (agent.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, req)
	return f.reply, f.err
}

func (f *fakeAgent) ClearSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, sessionID)
	return f.clearErr
}

type fakeUsage struct {
	mu     sync.Mutex
	events []domain.UsageEvent
	err    error
}

func (f *fakeUsage) Enqueue(_ context.Context, ev domain.UsageEvent) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Job{}, f.err
	}
	f.events = append(f.events, ev)
	return queue.Job{ID: "job", Event: ev}, nil
}

type recordingFeed struct {
	mu     sync.Mutex
	events []feed.Event
}

func (r *recordingFeed) Publish(_ context.Context, _ string, ev feed.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type harness struct {
	app   *App
	store *store.MemoryStore
	agent *fakeAgent
	usage *fakeUsage
	feed  *recordingFeed
	dir   string
}

func newHarness(t *testing.T, policyName string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := t.TempDir()
	objects, err := storage.NewFileStore(dir, "http://cdn.test/uploads")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	policy, err := attachment.NewPolicy(policyName, 64)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	h := &harness{
		store: store.NewMemoryStore(),
		agent: &fakeAgent{reply: agent.Reply{Text: "Irrigate at dawn.", SessionID: "sess-1", Agent: "Crop Doctor"}},
		usage: &fakeUsage{},
		feed:  &recordingFeed{},
		dir:   dir,
	}
	h.app, err = New(Config{
		Store:   h.store,
		Agent:   h.agent,
		Objects: objects,
		Locker:  turnlock.New(rdb, "test:turn", time.Minute),
		Feed:    h.feed,
		Usage:   h.usage,
		Policy:  policy,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return h
}

var farmer = usertoken.Identity{UID: "farmer-1", Email: "farmer@example.com"}

func TestSendTurnPersistsExchangeInOrder(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	res, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: "  When should I water wheat?  ", Location: "Multan"})
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if res.Degraded {
		t.Fatalf("unexpected degraded turn")
	}
	detail, err := h.app.GetConversation(ctx, farmer, res.Conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(detail.Messages))
	}
	userMsg, assistantMsg := detail.Messages[0], detail.Messages[1]
	if userMsg.Role != domain.RoleUser || userMsg.Content != "When should I water wheat?" {
		t.Fatalf("unexpected user message: %+v", userMsg)
	}
	if assistantMsg.Role != domain.RoleAssistant || assistantMsg.Content != "Irrigate at dawn." {
		t.Fatalf("unexpected assistant message: %+v", assistantMsg)
	}
	if !assistantMsg.CreatedAt.After(userMsg.CreatedAt) {
		t.Fatalf("assistant timestamp %v not after user timestamp %v", assistantMsg.CreatedAt, userMsg.CreatedAt)
	}
	if detail.Conversation.MessageCount != 2 {
		t.Fatalf("message count = %d", detail.Conversation.MessageCount)
	}
	if h.agent.queries[0].Location != "Multan" || h.agent.queries[0].Language != "auto" || h.agent.queries[0].UserID != farmer.UID {
		t.Fatalf("unexpected agent request: %+v", h.agent.queries[0])
	}
	if len(h.usage.events) != 1 || h.usage.events[0].Category != "Crop Doctor" || h.usage.events[0].UserID != farmer.UID {
		t.Fatalf("unexpected usage events: %+v", h.usage.events)
	}
}

func TestSendTurnMonotonicTimestampsWithFrozenClock(t *testing.T) {
	h := newHarness(t, "")
	frozen := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h.app.now = func() time.Time { return frozen }

	res, err := h.app.SendTurn(context.Background(), farmer, TurnRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if !res.AssistantMessage.CreatedAt.After(res.UserMessage.CreatedAt) {
		t.Fatalf("timestamps not increasing: %v then %v", res.UserMessage.CreatedAt, res.AssistantMessage.CreatedAt)
	}
}

func TestTitleSetOnceFromFirstTurn(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	long := strings.Repeat("soil ", 20)

	first, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: "What fertilizer\nfor cotton?"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if first.Conversation.Title != "What fertilizer for cotton?" {
		t.Fatalf("title = %q", first.Conversation.Title)
	}
	second, err := h.app.SendTurn(ctx, farmer, TurnRequest{ConversationID: first.Conversation.ID, Text: long})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.Conversation.Title != "What fertilizer for cotton?" {
		t.Fatalf("title rewritten to %q", second.Conversation.Title)
	}

	fresh, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: long})
	if err != nil {
		t.Fatalf("third turn: %v", err)
	}
	if got := []rune(fresh.Conversation.Title); len(got) > 50 || !strings.HasPrefix(long, string(got)) {
		t.Fatalf("unexpected truncated title %q", fresh.Conversation.Title)
	}
}

func TestExplicitNewConversationGetsTitleOnFirstTurn(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	conv, err := h.app.NewConversation(ctx, farmer)
	if err != nil {
		t.Fatalf("new conversation: %v", err)
	}
	if conv.Title != domain.DefaultConversationTitle || conv.SessionID != "" {
		t.Fatalf("unexpected new conversation: %+v", conv)
	}
	res, err := h.app.SendTurn(ctx, farmer, TurnRequest{ConversationID: conv.ID, Text: "Pest on tomato leaves"})
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if res.Conversation.Title != "Pest on tomato leaves" {
		t.Fatalf("title = %q", res.Conversation.Title)
	}
}

func TestSessionTokenCarriedToNextTurnAndAbsentForNewConversation(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	first, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: "first"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if h.agent.queries[0].SessionID != "" {
		t.Fatalf("new conversation must not send a session token, got %q", h.agent.queries[0].SessionID)
	}
	if first.Conversation.SessionID != "sess-1" {
		t.Fatalf("session not stored: %+v", first.Conversation)
	}
	if _, err := h.app.SendTurn(ctx, farmer, TurnRequest{ConversationID: first.Conversation.ID, Text: "second"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if h.agent.queries[1].SessionID != "sess-1" {
		t.Fatalf("session token not forwarded: %q", h.agent.queries[1].SessionID)
	}
	session, err := h.app.ConversationSession(ctx, farmer, first.Conversation.ID)
	if err != nil || session != "sess-1" {
		t.Fatalf("conversation session = %q, %v", session, err)
	}

	if _, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: "another topic"}); err != nil {
		t.Fatalf("third turn: %v", err)
	}
	if h.agent.queries[2].SessionID != "" {
		t.Fatalf("fresh conversation leaked session %q", h.agent.queries[2].SessionID)
	}
}

func TestInferenceFailureBecomesApology(t *testing.T) {
	h := newHarness(t, "")
	h.agent.err = &agent.APIError{Status: 500, Message: "boom"}
	h.agent.reply = agent.Reply{}

	res, err := h.app.SendTurn(context.Background(), farmer, TurnRequest{Text: "is it going to rain?"})
	if err != nil {
		t.Fatalf("inference failure must not surface: %v", err)
	}
	if !res.Degraded || res.AssistantMessage.Content != ApologyText {
		t.Fatalf("unexpected assistant message: %+v", res.AssistantMessage)
	}
	msgs, _ := h.store.ListMessages(res.Conversation.ID)
	if len(msgs) != 2 || msgs[1].Content != ApologyText {
		t.Fatalf("transcript not well formed: %+v", msgs)
	}
	if len(h.usage.events) != 1 || h.usage.events[0].Category != DefaultCategory {
		t.Fatalf("unexpected usage events: %+v", h.usage.events)
	}
}

func TestUsageFailureDoesNotFailTurn(t *testing.T) {
	h := newHarness(t, "")
	h.usage.err = errors.New("redis down")
	if _, err := h.app.SendTurn(context.Background(), farmer, TurnRequest{Text: "hello"}); err != nil {
		t.Fatalf("usage failure must be ignored: %v", err)
	}
}

func TestRejectsInvalidInputWithoutNetworkCalls(t *testing.T) {
	h := newHarness(t, "document")
	ctx := context.Background()
	cases := []struct {
		name string
		req  TurnRequest
		want error
	}{
		{name: "blank", req: TurnRequest{Text: "   "}, want: ErrEmptyMessage},
		{name: "wrong type", req: TurnRequest{File: &FileInput{Name: "photo.png", MimeType: "image/png", Data: []byte("\x89PNG\r\n\x1a\n")}}, want: ErrUnsupportedFileType},
		{name: "too large", req: TurnRequest{File: &FileInput{Name: "big.pdf", MimeType: "application/pdf", Data: make([]byte, 65)}}, want: ErrFileTooLarge},
		{name: "not a pdf", req: TurnRequest{File: &FileInput{Name: "fake.pdf", MimeType: "application/pdf", Data: []byte("hello world")}}, want: ErrInvalidFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.app.SendTurn(ctx, farmer, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(h.agent.queries) != 0 || len(h.agent.files) != 0 {
		t.Fatalf("agent was called for invalid input")
	}
	convs, _ := h.store.ListConversationsByUser(farmer.UID)
	if len(convs) != 0 {
		t.Fatalf("invalid input created %d conversations", len(convs))
	}
}

func TestFileTurnUploadsAndAttaches(t *testing.T) {
	h := newHarness(t, "agent")
	h.agent.reply = agent.Reply{Text: "Nitrogen is low.", SessionID: "sess-9"}

	res, err := h.app.SendTurn(context.Background(), farmer, TurnRequest{
		File: &FileInput{Name: "soil report.txt", MimeType: "text/plain", Data: []byte("N: 12 P: 30 K: 40")},
	})
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	att := res.UserMessage.Attachment
	if att == nil || att.Name != "soil report.txt" || att.MimeType != "text/plain" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	wantPrefix := "http://cdn.test/uploads/files/farmer-1/" + att.FileID + "/"
	if !strings.HasPrefix(att.URL, wantPrefix) {
		t.Fatalf("url %q does not start with %q", att.URL, wantPrefix)
	}
	if len(h.agent.files) != 1 || h.agent.files[0].Question != DefaultFileQuestion || string(h.agent.files[0].Data) != "N: 12 P: 30 K: 40" {
		t.Fatalf("unexpected file query: %+v", h.agent.files)
	}
	if res.Conversation.Title != "soil report.txt" {
		t.Fatalf("title = %q", res.Conversation.Title)
	}
	msgs, _ := h.store.ListMessages(res.Conversation.ID)
	if msgs[0].Attachment == nil || msgs[0].Attachment.FileID != att.FileID {
		t.Fatalf("attachment not persisted: %+v", msgs[0])
	}
}

func TestOverlappingTurnIsRejected(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	conv, err := h.app.NewConversation(ctx, farmer)
	if err != nil {
		t.Fatalf("new conversation: %v", err)
	}
	h.agent.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.app.SendTurn(ctx, farmer, TurnRequest{ConversationID: conv.ID, Text: "first"})
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.agent.mu.Lock()
		n := len(h.agent.queries)
		h.agent.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first turn never reached the agent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.app.SendTurn(ctx, farmer, TurnRequest{ConversationID: conv.ID, Text: "second"}); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	close(h.agent.block)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}
	h.agent.block = nil
	if _, err := h.app.SendTurn(ctx, farmer, TurnRequest{ConversationID: conv.ID, Text: "third"}); err != nil {
		t.Fatalf("turn after release: %v", err)
	}
}

func TestCallerDisconnectDoesNotDegradeTurn(t *testing.T) {
	h := newHarness(t, "")
	h.agent.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		res TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: "when to plant maize?"})
		done <- outcome{res, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.agent.mu.Lock()
		n := len(h.agent.queries)
		h.agent.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never reached the agent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(h.agent.block)

	got := <-done
	if got.err != nil {
		t.Fatalf("send turn: %v", got.err)
	}
	if got.res.Degraded || got.res.AssistantMessage.Content != "Irrigate at dawn." {
		t.Fatalf("disconnect must not replace the reply: %+v", got.res.AssistantMessage)
	}
	msgs, err := h.store.ListMessages(got.res.Conversation.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Irrigate at dawn." {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}
}

func TestDeleteConversationRemovesTranscriptAndClearsSession(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	res, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: "delete me"})
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	h.agent.clearErr = errors.New("agent offline")
	if err := h.app.DeleteConversation(ctx, farmer, res.Conversation.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := h.app.ListConversations(ctx, farmer, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("deleted conversation still listed: %+v", list)
	}
	if msgs, _ := h.store.ListMessages(res.Conversation.ID); len(msgs) != 0 {
		t.Fatalf("messages survived delete: %+v", msgs)
	}
	if len(h.agent.cleared) != 1 || h.agent.cleared[0] != "sess-1" {
		t.Fatalf("session not cleared: %+v", h.agent.cleared)
	}
	if _, err := h.app.GetConversation(ctx, farmer, res.Conversation.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	last := h.feed.events[len(h.feed.events)-1]
	if last.Type != feed.EventDeleted {
		t.Fatalf("expected deleted event, got %s", last.Type)
	}
}

func TestListConversationsFiltersAndSorts(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	clock := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	h.app.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for _, text := range []string{"Wheat rust", "Cotton bollworm", "wheat sowing date"} {
		if _, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: text}); err != nil {
			t.Fatalf("send turn: %v", err)
		}
	}
	list, err := h.app.ListConversations(ctx, farmer, "WHEAT")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Title != "wheat sowing date" || list[1].Title != "Wheat rust" {
		t.Fatalf("unexpected filtered list: %+v", list)
	}
	all, _ := h.app.ListConversations(ctx, farmer, "")
	if len(all) != 3 || all[0].MessageCount != 2 {
		t.Fatalf("unexpected list: %+v", all)
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	res, err := h.app.SendTurn(ctx, farmer, TurnRequest{Text: "mine"})
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	other := usertoken.Identity{UID: "farmer-2"}
	if _, err := h.app.GetConversation(ctx, other, res.Conversation.ID); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := h.app.DeleteConversation(ctx, other, res.Conversation.ID); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.app.SendTurn(ctx, other, TurnRequest{ConversationID: res.Conversation.ID, Text: "hi"}); !errors.Is(err, ErrConversationForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.app.SendTurn(ctx, farmer, TurnRequest{ConversationID: "missing", Text: "hi"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConversationTitle(t *testing.T) {
	cases := []struct{ text, file, want string }{
		{"  hello \n world ", "", "hello world"},
		{"", "report.pdf", "report.pdf"},
		{"", "", domain.DefaultConversationTitle},
		{strings.Repeat("é", 60), "", strings.Repeat("é", 50)},
	}
	for _, tc := range cases {
		if got := conversationTitle(tc.text, tc.file); got != tc.want {
			t.Fatalf("conversationTitle(%q, %q) = %q, want %q", tc.text, tc.file, got, tc.want)
		}
	}
}
