package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"farmsmart/internal/ratelimit"
	"farmsmart/internal/turnlock"
	"farmsmart/internal/usertoken"
	"farmsmart/pkg/agent"
	"farmsmart/pkg/attachment"
	"farmsmart/pkg/feed"
	"farmsmart/pkg/storage"
	"farmsmart/pkg/store"
	"farmsmart/services/chat/internal/app"
)

type staticVerifier map[string]usertoken.Identity

func (v staticVerifier) Verify(token string) (usertoken.Identity, error) {
	id, ok := v[token]
	if !ok {
		return usertoken.Identity{}, errors.New("invalid token")
	}
	return id, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newTestEnv(t *testing.T, turnsPerMinute int) *testEnv {
	t.Helper()
	return newTestEnvWith(t, envOptions{turnsPerMinute: turnsPerMinute})
}

type envOptions struct {
	turnsPerMinute int
	// agentDelay slows every /query answer.
	agentDelay time.Duration
	// writeTimeout sets the HTTP server's default write deadline.
	writeTimeout time.Duration
	turnTimeout  time.Duration
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	turnsPerMinute := opts.turnsPerMinute
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/query":
			time.Sleep(opts.agentDelay)
			_ = json.NewEncoder(w).Encode(map[string]string{"response": "Plant after the first rain.", "session_id": "sess-1", "agent_used": "Weather Advisor"})
		case "/upload_and_query":
			_ = json.NewEncoder(w).Encode(map[string]string{"answer": "The report shows low nitrogen.", "session_id": "sess-2"})
		case "/agents":
			_, _ = io.WriteString(w, `{"total_agents":2,"agents":[{"name":"Crop Doctor"}]}`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(agentSrv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	agentClient, err := agent.NewClient(agent.Config{BaseURL: agentSrv.URL})
	if err != nil {
		t.Fatalf("agent client: %v", err)
	}
	objects, err := storage.NewFileStore(t.TempDir(), "http://cdn.test")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	policy, err := attachment.NewPolicy("agent", 1024)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	redisFeed := feed.NewRedisFeed(rdb, "test:feed")
	memStore := store.NewMemoryStore()
	core, err := app.New(app.Config{
		Store:      memStore,
		Agent:      agentClient,
		Catalog:    agent.NewCatalogCache(agentClient, rdb, "test:agents", time.Minute),
		Objects:    objects,
		Locker:     turnlock.New(rdb, "test:turn", time.Minute),
		Feed:       redisFeed,
		Subscriber: redisFeed,
		Policy:     policy,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	var limiter *ratelimit.FixedWindowLimiter
	if turnsPerMinute > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(rdb, "test:turns", turnsPerMinute, time.Minute)
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
	}
	s := New(Config{
		App: core,
		TokenVerifier: staticVerifier{
			"token-a": {UID: "farmer-a", ExpiresAt: time.Now().Add(time.Hour)},
			"token-b": {UID: "farmer-b", ExpiresAt: time.Now().Add(time.Hour)},
		},
		Revoker:           usertoken.NewRedisRevoker(rdb, "test:revoked"),
		TurnLimiter:       limiter,
		TurnTimeout:       opts.turnTimeout,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	srv := httptest.NewUnstartedServer(s.Router())
	srv.Config.WriteTimeout = opts.writeTimeout
	srv.Start()
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: memStore}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, 0)
	if resp := env.do(t, http.MethodGet, "/api/chats", "", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/chats", "forged", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/healthz", "", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}

func TestSlowTurnOutlivesServerWriteTimeout(t *testing.T) {
	env := newTestEnvWith(t, envOptions{
		agentDelay:   600 * time.Millisecond,
		writeTimeout: 200 * time.Millisecond,
		turnTimeout:  2 * time.Second,
	})

	resp := env.do(t, http.MethodPost, "/api/messages", "token-a", strings.NewReader(`{"message":"when to plant maize?"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send message = %d", resp.StatusCode)
	}
	turn := decode[app.TurnResult](t, resp)
	if turn.AssistantMessage.Content != "Plant after the first rain." {
		t.Fatalf("unexpected reply: %+v", turn.AssistantMessage)
	}
}

func TestChatLifecycle(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.do(t, http.MethodPost, "/api/messages", "token-a", strings.NewReader(`{"message":"When to sow maize?","language":"en"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send message = %d", resp.StatusCode)
	}
	turn := decode[app.TurnResult](t, resp)
	if turn.AssistantMessage.Content != "Plant after the first rain." || turn.Conversation.SessionID != "sess-1" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	id := turn.Conversation.ID

	resp = env.do(t, http.MethodPost, "/api/chats/"+id+"/messages", "token-a", strings.NewReader(`{"message":"And fertilizer?"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second message = %d", resp.StatusCode)
	}

	list := decode[struct {
		Items []struct {
			ID           string `json:"id"`
			Title        string `json:"title"`
			MessageCount int    `json:"messageCount"`
		} `json:"items"`
	}](t, env.do(t, http.MethodGet, "/api/chats?q=maize", "token-a", nil, ""))
	if len(list.Items) != 1 || list.Items[0].ID != id || list.Items[0].Title != "When to sow maize?" || list.Items[0].MessageCount != 4 {
		t.Fatalf("unexpected list: %+v", list.Items)
	}

	detail := decode[app.ConversationDetail](t, env.do(t, http.MethodGet, "/api/chats/"+id, "token-a", nil, ""))
	if len(detail.Messages) != 4 || detail.Messages[0].Content != "When to sow maize?" {
		t.Fatalf("unexpected detail: %+v", detail.Messages)
	}

	session := decode[map[string]string](t, env.do(t, http.MethodGet, "/api/chats/"+id+"/session", "token-a", nil, ""))
	if session["sessionId"] != "sess-1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	if resp := env.do(t, http.MethodGet, "/api/chats/"+id, "token-b", nil, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other user read = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/api/chats/"+id, "token-a", nil, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/chats/"+id, "token-a", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("read after delete = %d", resp.StatusCode)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	env := newTestEnv(t, 0)
	resp := env.do(t, http.MethodPost, "/api/messages", "token-a", strings.NewReader(`{"message":"   "}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/messages", "token-a", strings.NewReader(`not json`), "application/json"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", resp.StatusCode)
	}
}

func multipartBody(t *testing.T, fields map[string]string, fileName, fileType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if fileName != "" {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + fileName + `"`}
		header["Content-Type"] = []string{fileType}
		part, err := mw.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(data)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestMultipartUpload(t *testing.T) {
	env := newTestEnv(t, 0)

	body, ct := multipartBody(t, map[string]string{"message": "Read this"}, "notes.txt", "text/plain", []byte("soil ph 6.5"))
	resp := env.do(t, http.MethodPost, "/api/messages", "token-a", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload = %d", resp.StatusCode)
	}
	turn := decode[app.TurnResult](t, resp)
	if turn.UserMessage.Attachment == nil || turn.UserMessage.Attachment.Name != "notes.txt" {
		t.Fatalf("missing attachment: %+v", turn.UserMessage)
	}
	if turn.AssistantMessage.Content != "The report shows low nitrogen." {
		t.Fatalf("unexpected reply: %+v", turn.AssistantMessage)
	}

	body, ct = multipartBody(t, nil, "tool.exe", "application/octet-stream", []byte("MZ"))
	if resp := env.do(t, http.MethodPost, "/api/messages", "token-a", body, ct); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported type = %d", resp.StatusCode)
	}

	body, ct = multipartBody(t, nil, "big.txt", "text/plain", bytes.Repeat([]byte("a"), 2048))
	if resp := env.do(t, http.MethodPost, "/api/messages", "token-a", body, ct); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized = %d", resp.StatusCode)
	}
	convs, _ := env.store.ListConversationsByUser("farmer-a")
	if len(convs) != 1 {
		t.Fatalf("rejected uploads must not create conversations, got %d", len(convs))
	}
}

func TestTurnRateLimit(t *testing.T) {
	env := newTestEnv(t, 1)
	first := env.do(t, http.MethodPost, "/api/messages", "token-a", strings.NewReader(`{"message":"one"}`), "application/json")
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first = %d", first.StatusCode)
	}
	second := env.do(t, http.MethodPost, "/api/messages", "token-a", strings.NewReader(`{"message":"two"}`), "application/json")
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second = %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	other := env.do(t, http.MethodPost, "/api/messages", "token-b", strings.NewReader(`{"message":"three"}`), "application/json")
	if other.StatusCode != http.StatusOK {
		t.Fatalf("limit must be per user, got %d", other.StatusCode)
	}
}

func TestAgentsCatalogPassThrough(t *testing.T) {
	env := newTestEnv(t, 0)
	resp := env.do(t, http.MethodGet, "/api/agents", "token-a", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agents = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != `{"total_agents":2,"agents":[{"name":"Crop Doctor"}]}` {
		t.Fatalf("unexpected catalog %s", raw)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t, 0)
	if resp := env.do(t, http.MethodPost, "/api/logout", "token-a", nil, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/chats", "token-a", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/chats", "token-b", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("other token affected: %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, 0)
	created := decode[struct {
		ID string `json:"id"`
	}](t, env.do(t, http.MethodPost, "/api/chats", "token-a", nil, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/chats/"+created.ID+"/events", nil)
	req.Header.Set("Authorization", "Bearer token-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); line != ": connected\n" {
		t.Fatalf("unexpected first line %q", line)
	}

	if r := env.do(t, http.MethodPost, "/api/chats/"+created.ID+"/messages", "token-a", strings.NewReader(`{"message":"live?"}`), "application/json"); r.StatusCode != http.StatusOK {
		t.Fatalf("send message = %d", r.StatusCode)
	}

	seen := map[string]int{}
	for seen["message.added"] < 2 || seen["conversation.title"] < 1 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v (seen %v)", err, seen)
		}
		if strings.HasPrefix(line, "event: ") {
			seen[strings.TrimSpace(strings.TrimPrefix(line, "event: "))]++
		}
	}
}
