package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/parley/internal/auth"
	"github.com/ashita-ai/parley/internal/broker"
	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/ratelimit"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/server"
	"github.com/ashita-ai/parley/internal/service/chat"
	"github.com/ashita-ai/parley/internal/service/dispatch"
	"github.com/ashita-ai/parley/internal/service/runs"
	"github.com/ashita-ai/parley/internal/storage/memory"
	"github.com/ashita-ai/parley/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	srv    *httptest.Server
	store  *memory.Store
	disp   *dispatch.Dispatcher
	broker *broker.Broker
	jwt    *auth.JWTManager
}

type envOption func(*envConfig)

type envConfig struct {
	quota   quota.Config
	limiter ratelimit.Limiter
}

func withQuota(cfg quota.Config) envOption { return func(c *envConfig) { c.quota = cfg } }

func withLimiter(l ratelimit.Limiter) envOption { return func(c *envConfig) { c.limiter = l } }

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{quota: quota.DefaultConfig()}
	for _, o := range opts {
		o(&cfg)
	}

	store := memory.New()
	reg := registry.MustDefault()
	set := tools.NewSet()
	set.Register("browser.screenshot", func(_ context.Context, args map[string]any) (tools.Result, error) {
		return tools.Result{OK: true, Text: "Captured " + args["url"].(string) + "."}, nil
	})
	set.Register("email.draft_send", func(context.Context, map[string]any) (tools.Result, error) {
		return tools.Result{OK: true, Text: "Email drafted."}, nil
	})

	logger := testLogger()
	runSvc := runs.New(store, reg, logger)
	b := broker.New(256, logger)
	guard := quota.New(store, cfg.quota, logger)
	disp := dispatch.New(runSvc, reg, set, guard, b, 4, logger)
	chatSvc := chat.New(chat.Deps{
		Conversations: store,
		Files:         store,
		Runs:          runSvc,
		Dispatcher:    disp,
		Quota:         guard,
		Registry:      reg,
		Publisher:     b,
		Logger:        logger,
	})

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	demo, err := auth.NewDemoToken("demo-secret", model.TierFree)
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Auth:                auth.NewAuthenticator(jwtMgr, demo),
		Chat:                chatSvc,
		Runs:                runSvc,
		Broker:              b,
		Usage:               guard,
		Catalog:             reg,
		Logger:              logger,
		Limiter:             cfg.limiter,
		Dispatcher:          disp,
		Version:             "test",
		StoreName:           "memory",
		MaxRequestBodyBytes: 1 << 20,
		StreamKeepalive:     50 * time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		b.CloseAll()
		ts.Close()
		_ = disp.Shutdown(context.Background())
	})
	return &testEnv{srv: ts, store: store, disp: disp, broker: b, jwt: jwtMgr}
}

func (e *testEnv) token(t *testing.T, userID string, tier model.Tier) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken(userID, tier, 0)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

func (e *testEnv) conversation(t *testing.T, token string) model.Conversation {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/conversations", token, map[string]any{"title": "Trip"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeData[model.Conversation](t, resp)
}

func TestHealthIsPublic(t *testing.T) {
	env := newEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory:connected", health.Store)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAuthRequired(t *testing.T) {
	env := newEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, resp).Code)

	resp = env.do(t, http.MethodGet, "/v1/conversations", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/conversations", "demo-secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConversationCRUD(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)

	resp := env.do(t, http.MethodPost, "/v1/conversations", tok, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	untitled := decodeData[model.Conversation](t, resp)
	assert.Equal(t, model.DefaultConversationTitle, untitled.Title)
	assert.Equal(t, "alice", untitled.UserID)

	conv := env.conversation(t, tok)

	resp = env.do(t, http.MethodGet, "/v1/conversations", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]model.Conversation](t, resp), 2)

	title := "Renamed"
	resp = env.do(t, http.MethodPatch, "/v1/conversations/"+conv.ID.String(), tok, map[string]any{"title": title})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, title, decodeData[model.Conversation](t, resp).Title)

	other := env.token(t, "bob", model.TierFree)
	resp = env.do(t, http.MethodGet, "/v1/conversations/"+conv.ID.String(), other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/v1/conversations/"+conv.ID.String(), tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/v1/conversations/"+conv.ID.String(), tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/conversations/not-a-uuid", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateConversationRejectsUnknownFields(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	resp := env.do(t, http.MethodPost, "/v1/conversations", tok, map[string]any{"titel": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, resp).Code)
}

// readEvents collects SSE event names until want have been seen or the
// deadline passes.
func readEvents(t *testing.T, body io.Reader, want ...string) []string {
	t.Helper()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var got []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return got
			}
			name, found := strings.CutPrefix(line, "event: ")
			if !found {
				continue
			}
			got = append(got, name)
			if name == want[len(want)-1] {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v, got %v", want, got)
		}
	}
}

func TestPostMessageStreamsRun(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)

	// Query-string tokens are accepted on the stream endpoint.
	req, err := http.NewRequest(http.MethodGet,
		env.srv.URL+"/v1/conversations/"+conv.ID.String()+"/stream?access_token="+tok, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	rd := bufio.NewReader(stream.Body)
	first, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", first)

	resp := env.do(t, http.MethodPost, "/v1/conversations/"+conv.ID.String()+"/messages", tok,
		map[string]any{"text": "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	posted := decodeData[model.PostMessageResponse](t, resp)
	require.NotNil(t, posted.Run)
	assert.Equal(t, model.RunModeChat, posted.Run.Mode)

	got := readEvents(t, rd, model.EventFinalAnswer)
	require.NotEmpty(t, got)
	assert.Equal(t, model.EventReasoningPlan, got[0])
	assert.Equal(t, model.EventFinalAnswer, got[len(got)-1])

	resp = env.do(t, http.MethodGet, "/v1/conversations/"+conv.ID.String()+"/messages", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeData[[]model.Message](t, resp)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestStreamKeepaliveAndClose(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/conversations/"+conv.ID.String()+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stream.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	next := func() (string, bool) {
		select {
		case line, ok := <-lines:
			return line, ok
		case <-time.After(5 * time.Second):
			t.Fatal("stream stalled")
			return "", false
		}
	}
	for {
		line, ok := next()
		require.True(t, ok, "stream ended before a keepalive")
		if line == ": keepalive" {
			break
		}
	}

	// Closing the broker ends the stream and frees the subscription.
	env.broker.CloseAll()
	for {
		if _, ok := next(); !ok {
			break
		}
	}
	assert.Eventually(t, func() bool { return env.broker.TotalSubscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPostMessageRequiresContent(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)
	resp := env.do(t, http.MethodPost, "/v1/conversations/"+conv.ID.String()+"/messages", tok,
		map[string]any{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamRequiresOwnership(t *testing.T) {
	env := newEnv(t)
	conv := env.conversation(t, env.token(t, "alice", model.TierFree))
	resp := env.do(t, http.MethodGet, "/v1/conversations/"+conv.ID.String()+"/stream",
		env.token(t, "bob", model.TierFree), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, env.broker.TotalSubscribers())
}

func TestIdempotentReplay(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)
	path := "/v1/conversations/" + conv.ID.String() + "/messages"

	first := env.do(t, http.MethodPost, path, tok, map[string]any{"text": "hi"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	a := decodeData[model.PostMessageResponse](t, first)

	second := env.do(t, http.MethodPost, path, tok, map[string]any{"text": "hi"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusAccepted, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	b := decodeData[model.PostMessageResponse](t, second)
	assert.Equal(t, a.Message.ID, b.Message.ID)

	mismatch := env.do(t, http.MethodPost, path, tok, map[string]any{"text": "other"}, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, mismatch.StatusCode)

	env.disp.Wait()
	msgs, err := env.store.ListMessages(context.Background(), conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestInvokeToolErrors(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)
	q := "?conversation_id=" + conv.ID.String()

	resp := env.do(t, http.MethodPost, "/v1/tools/nope.tool"+q, tok, map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnknownTool, decodeError(t, resp).Code)

	resp = env.do(t, http.MethodPost, "/v1/tools/browser.screenshot"+q, tok, map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
	details, ok := detail.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "browser.screenshot", details["tool"])

	resp = env.do(t, http.MethodPost, "/v1/tools/browser.screenshot?conversation_id=bad", tok,
		map[string]any{"url": "https://example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/tools/browser.screenshot?conversation_id="+uuid.NewString(), tok,
		map[string]any{"url": "https://example.com"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvokeDispatchesAndRecordsSteps(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)

	resp := env.do(t, http.MethodPost, "/v1/tools/browser.screenshot?conversation_id="+conv.ID.String(), tok,
		map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeData[model.Run](t, resp)
	env.disp.Wait()

	resp = env.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeData[model.RunDetail](t, resp)
	assert.Equal(t, model.RunStatusCompleted, detail.Run.Status)
	assert.NotEmpty(t, detail.Steps)

	resp = env.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), env.token(t, "bob", model.TierFree), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/conversations/"+conv.ID.String()+"/runs", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]model.Run](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/v1/usage", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decodeData[model.UsageResponse](t, resp)
	assert.Equal(t, int64(1), usage.Usage.Tasks)
	assert.Equal(t, model.TierFree, usage.Tier)
}

func TestConfirmAndCancel(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)
	q := "?conversation_id=" + conv.ID.String()
	args := map[string]any{"to": "a@example.com", "subject": "s", "body": "b"}

	resp := env.do(t, http.MethodPost, "/v1/tools/email.draft_send"+q, tok, args)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	staged := decodeData[model.Run](t, resp)
	assert.Equal(t, model.RunStatusAwaitingConfirmation, staged.Status)

	resp = env.do(t, http.MethodPost, "/v1/runs/"+staged.ID.String()+"/confirm", env.token(t, "bob", model.TierFree), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/runs/"+staged.ID.String()+"/confirm", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.disp.Wait()
	run, err := env.store.GetRun(context.Background(), staged.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	// Cancelling a finished run is a no-op.
	resp = env.do(t, http.MethodPost, "/v1/runs/"+staged.ID.String()+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusCompleted, decodeData[model.Run](t, resp).Status)

	resp = env.do(t, http.MethodPost, "/v1/tools/email.draft_send"+q, tok, args)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	second := decodeData[model.Run](t, resp)
	resp = env.do(t, http.MethodPost, "/v1/runs/"+second.ID.String()+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusCancelled, decodeData[model.Run](t, resp).Status)
}

func TestPendingCommandConflicts(t *testing.T) {
	env := newEnv(t)
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)
	path := "/v1/conversations/" + conv.ID.String() + "/messages"

	resp := env.do(t, http.MethodPost, path, tok, map[string]any{"text": "!!email hi bob"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodPost, path, tok, map[string]any{"text": "!!email hi carol"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, path, tok, map[string]any{"text": `!!tool search.web {not json`})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQuotaExceeded(t *testing.T) {
	cfg := quota.DefaultConfig()
	cfg.Tiers[model.TierFree] = quota.Limits{Tasks: 0, Tokens: 1000}
	env := newEnv(t, withQuota(cfg))
	tok := env.token(t, "alice", model.TierFree)
	conv := env.conversation(t, tok)

	resp := env.do(t, http.MethodPost, "/v1/tools/browser.screenshot?conversation_id="+conv.ID.String(), tok,
		map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeQuotaExceeded, detail.Code)
	details, ok := detail.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tasks", details["kind"])
}

func TestRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2).
		WithClass(string(model.TierPaid), ratelimit.Rule{RPS: 0.001, Burst: 4})
	t.Cleanup(func() { _ = limiter.Close() })
	env := newEnv(t, withLimiter(limiter))
	tok := env.token(t, "alice", model.TierFree)

	for range 2 {
		resp := env.do(t, http.MethodGet, "/v1/conversations", tok, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := env.do(t, http.MethodGet, "/v1/conversations", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Paid users have their own, larger bucket.
	paid := env.token(t, "pat", model.TierPaid)
	for range 4 {
		resp := env.do(t, http.MethodGet, "/v1/conversations", paid, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/v1/conversations", paid, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Dev tier is exempt.
	dev := env.token(t, "dana", model.TierDev)
	for range 5 {
		resp := env.do(t, http.MethodGet, "/v1/conversations", dev, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestToolRegistryListing(t *testing.T) {
	env := newEnv(t)
	resp := env.do(t, http.MethodGet, "/v1/tools/registry", env.token(t, "alice", model.TierFree), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[[]model.ToolMeta](t, resp)
	names := make([]string, 0, len(list))
	for _, m := range list {
		names = append(names, m.Name)
	}
	assert.Contains(t, names, "browser.screenshot")
	assert.Contains(t, names, "email.draft_send")
}
