package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bakeoff/internal/blob"
	"bakeoff/internal/config"
	"bakeoff/internal/db"
	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
	"bakeoff/internal/engine/auth"
	"bakeoff/internal/migrate"
	"bakeoff/internal/payment"
	"bakeoff/internal/ratelimit"
	bakeoffsdk "bakeoff/sdk/go"
)

const webhookSecret = "whsec_test"

type fakeGateway struct {
	mu      sync.Mutex
	created []string
}

func (g *fakeGateway) CreateCheckout(_ context.Context, task domain.Task) (payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, task.ID)
	return payment.Session{ID: "cs_" + task.ID, URL: "https://pay.test/" + task.ID}, nil
}

func (g *fakeGateway) Refund(context.Context, domain.Task) error { return nil }

type apiEnv struct {
	URL     string
	Engine  engine.Engine
	Gateway *fakeGateway
	client  *http.Client
}

func newAPI(t *testing.T, configure ...func(*Config)) *apiEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "bakeoff.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	cfg := config.Default()
	cfg.Limits.BakeCreateInterval = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, cfg)
	e.Logger = logger
	store := blob.NewMemory("http://files.test")
	e.Blobs = store

	gw := &fakeGateway{}
	scfg := Config{
		Engine:        e,
		Sessions:      auth.Sessions{Secret: "session-secret", TTL: time.Hour},
		Gateway:       gw,
		WebhookSecret: webhookSecret,
		Files:         store.Handler(),
		Logger:        logger,
	}
	for _, fn := range configure {
		fn(&scfg)
	}
	handler, err := New(scfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiEnv{URL: srv.URL, Engine: e, Gateway: gw, client: srv.Client()}
}

func (env *apiEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, env.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := env.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

// signup creates a user and returns the session cookie header value.
func (env *apiEnv) signup(t *testing.T, email string) string {
	t.Helper()
	res, data := env.do(t, http.MethodPost, "/v1/auth/signup", map[string]any{
		"email": email, "name": "Pat", "password": "correct horse",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	for _, c := range res.Cookies() {
		if c.Name == sessionCookie {
			require.True(t, c.HttpOnly)
			return c.Name + "=" + c.Value
		}
	}
	t.Fatalf("signup set no session cookie")
	return ""
}

func (env *apiEnv) register(t *testing.T, name string) (string, string) {
	t.Helper()
	agent, key, err := bakeoffsdk.Register(context.Background(), env.URL, name, "")
	require.NoError(t, err)
	return agent.ID, key
}

func taskBody(bounty int64, targetRepo string) map[string]any {
	body := map[string]any{
		"title":       "Fix the flaky build",
		"description": "The CI build fails one run in five.",
		"category":    "code",
		"bounty":      bounty,
		"deadline":    time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
	}
	if targetRepo != "" {
		body["target_repo"] = targetRepo
	}
	return body
}

func TestHealthAndOpenAPI(t *testing.T) {
	env := newAPI(t)
	res, data := env.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = env.do(t, http.MethodGet, "/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas struct {
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &oas))
	security := func(path, method string) []map[string][]string {
		t.Helper()
		raw, ok := oas.Paths[path][method]
		require.True(t, ok, "%s %s missing", method, path)
		var op struct {
			Security []map[string][]string `json:"security"`
		}
		require.NoError(t, json.Unmarshal(raw, &op))
		return op.Security
	}
	require.NotEmpty(t, security("/v1/agent/tasks", "get"))
	assert.Contains(t, security("/v1/agent/tasks", "get")[0], "agentKey")
	require.NotEmpty(t, security("/v1/web/tasks", "get"))
	assert.Contains(t, security("/v1/web/tasks", "get")[0], "session")
	assert.Empty(t, security("/v1/health", "get"))
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	env := newAPI(t)
	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.client.Get(env.URL + "/v1/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		require.NotEmpty(t, bodies[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
}

func TestAuthPartition(t *testing.T) {
	env := newAPI(t)
	_, key := env.register(t, "partition-bot")
	cookie := env.signup(t, "pat@example.com")

	res, data := env.do(t, http.MethodGet, "/v1/agent/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, engine.CodeMissingCredential, errorCode(t, data))

	res, data = env.do(t, http.MethodGet, "/v1/agent/me", nil, map[string]string{"Authorization": "Bearer bk_nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, engine.CodeInvalidCredential, errorCode(t, data))

	res, data = env.do(t, http.MethodGet, "/v1/agent/me", nil, map[string]string{"Cookie": cookie})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, codeWrongCredType, errorCode(t, data))

	res, data = env.do(t, http.MethodGet, "/v1/web/me", nil, map[string]string{"Authorization": "Bearer " + key})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, codeWrongCredType, errorCode(t, data))

	res, data = env.do(t, http.MethodGet, "/v1/web/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, engine.CodeMissingCredential, errorCode(t, data))

	res, data = env.do(t, http.MethodGet, "/v1/web/me", nil, map[string]string{"Cookie": sessionCookie + "=forged"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, engine.CodeInvalidCredential, errorCode(t, data))

	res, data = env.do(t, http.MethodGet, "/v1/web/me", nil, map[string]string{"Cookie": cookie})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var user domain.User
	require.NoError(t, json.Unmarshal(data, &user))
	assert.Equal(t, "pat@example.com", user.Email)

	me, balance, err := bakeoffsdk.New(env.URL, key).Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "partition-bot", me.Name)
	assert.EqualValues(t, 1000, balance)

	res, _ = env.do(t, http.MethodPost, "/v1/auth/logout", nil, map[string]string{"Cookie": cookie})
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	cleared := res.Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, "", cleared[0].Value)
}

func TestRegistrationRateLimitedPerIP(t *testing.T) {
	env := newAPI(t, func(c *Config) {
		c.TrustProxy = true
		c.Limits.Registration = ratelimit.FixedWindow{
			Store: ratelimit.NewMemoryStore(), Limit: 3, Window: time.Hour, Prefix: "register:",
		}
	})
	from := func(ip string) map[string]string { return map[string]string{"X-Forwarded-For": ip} }

	for i, name := range []string{"bot-one", "bot-two", "bot-three"} {
		res, data := env.do(t, http.MethodPost, "/v1/agents/register", map[string]any{"name": name}, from("203.0.113.7"))
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
		assert.Equal(t, "3", res.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, 2-i, atoi(t, res.Header.Get("X-RateLimit-Remaining")))
	}

	res, data := env.do(t, http.MethodPost, "/v1/agents/register", map[string]any{"name": "bot-four"}, from("203.0.113.7"))
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, codeRateLimited, errorCode(t, data))
	retry := atoi(t, res.Header.Get("Retry-After"))
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 3600)

	res, data = env.do(t, http.MethodPost, "/v1/agents/register", map[string]any{"name": "bot-four"}, from("198.51.100.2"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
}

func TestAgentAPIRateLimitedPerAgent(t *testing.T) {
	env := newAPI(t, func(c *Config) {
		c.Limits.AgentAPI = ratelimit.FixedWindow{Store: ratelimit.NewMemoryStore(), Limit: 2, Window: time.Minute}
	})
	_, keyA := env.register(t, "busy-bot")
	_, keyB := env.register(t, "calm-bot")
	a := bakeoffsdk.New(env.URL, keyA)

	for i := 0; i < 2; i++ {
		_, _, err := a.Me(context.Background())
		require.NoError(t, err)
	}
	_, _, err := a.Me(context.Background())
	var apiErr *bakeoffsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Positive(t, apiErr.RetryAfter)

	_, _, err = bakeoffsdk.New(env.URL, keyB).Me(context.Background())
	require.NoError(t, err)
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	require.NoError(t, json.Unmarshal([]byte(s), &n), s)
	return n
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	env := newAPI(t)
	_, key := env.register(t, "sloppy-bot")
	auth := map[string]string{"Authorization": "Bearer " + key}

	body := taskBody(200, "")
	delete(body, "title")
	res, data := env.do(t, http.MethodPost, "/v1/agent/tasks", body, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, engine.CodeValidation, errorCode(t, data))

	body = taskBody(5000, "")
	res, data = env.do(t, http.MethodPost, "/v1/agent/tasks", body, auth)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, engine.CodeInsufficientBalance, errorCode(t, data))

	res, data = env.do(t, http.MethodGet, "/v1/agent/tasks/does-not-exist", nil, auth)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, engine.CodeNotFound, errorCode(t, data))
}

func TestPullRequestScenario(t *testing.T) {
	env := newAPI(t)
	ctx := context.Background()
	_, creatorKey := env.register(t, "creator-bot")
	workerID, workerKey := env.register(t, "worker-bot")
	_, strayKey := env.register(t, "stray-bot")
	creator := bakeoffsdk.New(env.URL, creatorKey)
	worker := bakeoffsdk.New(env.URL, workerKey)
	stray := bakeoffsdk.New(env.URL, strayKey)

	task, err := creator.CreateTask(ctx, bakeoffsdk.NewTask{
		Title:       "Add retries to the fetcher",
		Description: "Wrap outbound calls with exponential backoff.",
		Category:    "code",
		Bounty:      200,
		TargetRepo:  "https://github.com/Acme/Widgets.git",
		Deadline:    time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "open", task.Status)
	assert.Equal(t, "acme/widgets", task.TargetRepo)
	_, balance, err := creator.Me(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 800, balance)

	open, err := worker.ListTasks(ctx, bakeoffsdk.ListOpts{Category: "code"})
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = creator.Accept(ctx, task.ID)
	var apiErr *bakeoffsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, engine.CodeCreatorForbidden, apiErr.Code)

	_, err = worker.Submit(ctx, task.ID, "pull_request", "https://github.com/acme/widgets/pull/42")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, engine.CodeNotAccepted, apiErr.Code)

	_, err = worker.Accept(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, worker.SetPlan(ctx, task.ID, "Add a retry helper, then wire it in."))
	require.NoError(t, worker.ReportProgress(ctx, task.ID, 50, "helper done"))
	sub, err := worker.Submit(ctx, task.ID, "pull_request", "https://github.com/acme/widgets/pull/42")
	require.NoError(t, err)
	require.NotNil(t, sub.PRNumber)
	assert.Equal(t, 42, *sub.PRNumber)

	_, err = stray.Accept(ctx, task.ID)
	require.NoError(t, err)
	_, err = stray.Submit(ctx, task.ID, "pull_request", "https://github.com/other/repo/pull/1")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, engine.CodeInvalidURL, apiErr.Code)

	_, err = worker.Submissions(ctx, task.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	subs, err := creator.Submissions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	closed, err := creator.SelectWinner(ctx, task.ID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, workerID, closed.WinnerAgentID)

	_, err = creator.SelectWinner(ctx, task.ID, sub.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	me, balance, err := worker.Me(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1200, balance)
	assert.Equal(t, 1, me.BakesWon)
	ledger, err := worker.Transactions(ctx, "bake_won", 0, 0)
	require.NoError(t, err)
	require.Len(t, ledger.Transactions, 1)
	assert.EqualValues(t, 200, ledger.Transactions[0].Amount)
	require.NotNil(t, ledger.Transactions[0].TaskTitle)
	assert.Equal(t, "Add retries to the fetcher", *ledger.Transactions[0].TaskTitle)

	view, err := stray.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, view.Submissions, 1, "submissions are public once the task is closed")
}

func TestCommentsOverHTTP(t *testing.T) {
	env := newAPI(t)
	ctx := context.Background()
	_, creatorKey := env.register(t, "host-bot")
	_, aKey := env.register(t, "chatty-bot")
	creator := bakeoffsdk.New(env.URL, creatorKey)
	a := bakeoffsdk.New(env.URL, aKey)

	task, err := creator.CreateTask(ctx, bakeoffsdk.NewTask{
		Title: "Summarize papers", Description: "Three papers, one page.", Category: "research",
		Bounty: 150, Deadline: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	root, err := a.Comment(ctx, task.ID, "", "Which papers?")
	require.NoError(t, err)
	reply, err := a.Comment(ctx, task.ID, root.ID, "Never mind, found them.")
	require.NoError(t, err)
	_, err = a.Comment(ctx, task.ID, reply.ID, "Starting now.")
	require.NoError(t, err)

	_, err = creator.Comment(ctx, task.ID, "", "Thanks")
	var apiErr *bakeoffsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, engine.CodeCreatorForbidden, apiErr.Code)

	auth := map[string]string{"Authorization": "Bearer " + aKey}
	res, data := env.do(t, http.MethodGet, "/v1/agent/tasks/"+task.ID+"/comments?thread=true", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var threaded CommentsResponse
	require.NoError(t, json.Unmarshal(data, &threaded))
	require.Len(t, threaded.Thread, 1)
	require.Len(t, threaded.Thread[0].Replies, 1)
	require.Len(t, threaded.Thread[0].Replies[0].Replies, 1)
	assert.Equal(t, 3, threaded.Total)

	res, data = env.do(t, http.MethodGet, "/v1/agent/tasks/"+task.ID+"/comments?order=newest&limit=2", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var flat CommentsResponse
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Len(t, flat.Comments, 2)
	assert.Equal(t, 3, flat.Total)

	_, err = creator.DeleteComment(ctx, root.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	n, err := a.DeleteComment(ctx, root.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestDraftPublishedByPaymentWebhook(t *testing.T) {
	env := newAPI(t)
	cookie := env.signup(t, "poster@example.com")
	web := map[string]string{"Cookie": cookie}

	res, data := env.do(t, http.MethodPost, "/v1/web/tasks", taskBody(300, ""), web)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var draft domain.Task
	require.NoError(t, json.Unmarshal(data, &draft))
	assert.Equal(t, domain.TaskDraft, draft.Status)

	_, key := env.register(t, "peek-bot")
	res, _ = env.do(t, http.MethodGet, "/v1/agent/tasks/"+draft.ID, nil, map[string]string{"Authorization": "Bearer " + key})
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "drafts are hidden from agents")

	res, data = env.do(t, http.MethodPatch, "/v1/web/tasks/"+draft.ID, map[string]any{"bounty": 350}, web)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = env.do(t, http.MethodPost, "/v1/web/tasks/"+draft.ID+"/publish", nil, web)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pub PublishResponse
	require.NoError(t, json.Unmarshal(data, &pub))
	assert.False(t, pub.Published)
	assert.Equal(t, "https://pay.test/"+draft.ID, pub.CheckoutURL)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_` + draft.ID +
		`","payment_status":"paid","metadata":{"task_id":"` + draft.ID + `"}}}}`)

	res, data = env.do(t, http.MethodPost, "/v1/webhooks/payment", payload, map[string]string{
		"Stripe-Signature": payment.Sign(payload, "wrong-secret", time.Now()),
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_signature", errorCode(t, data))

	res, data = env.do(t, http.MethodPost, "/v1/webhooks/payment", payload, map[string]string{
		"Stripe-Signature": payment.Sign(payload, webhookSecret, time.Now().Add(-time.Hour)),
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "stale_signature", errorCode(t, data))

	sig := payment.Sign(payload, webhookSecret, time.Now())
	res, data = env.do(t, http.MethodPost, "/v1/webhooks/payment", payload, map[string]string{"Stripe-Signature": sig})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var ack WebhookResponse
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.True(t, ack.Published)

	res, data = env.do(t, http.MethodPost, "/v1/webhooks/payment", payload, map[string]string{"Stripe-Signature": sig})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.False(t, ack.Published, "replays are no-ops")

	task, err := env.Engine.GetTask(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, task.Status)
	assert.EqualValues(t, 350, task.Bounty)

	res, data = env.do(t, http.MethodPatch, "/v1/web/tasks/"+draft.ID, map[string]any{"bounty": 1}, web)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, engine.CodeTaskNotDraft, errorCode(t, data))

	res, data = env.do(t, http.MethodPost, "/v1/web/tasks/"+draft.ID+"/cancel", nil, web)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestWebAgentManagement(t *testing.T) {
	env := newAPI(t)
	owner := map[string]string{"Cookie": env.signup(t, "owner@example.com")}
	other := map[string]string{"Cookie": env.signup(t, "other@example.com")}

	res, data := env.do(t, http.MethodPost, "/v1/web/agents", map[string]any{"name": "owned-bot", "description": "mine"}, owner)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created AgentKeyResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.True(t, strings.HasPrefix(created.APIKey, auth.KeyPrefix))

	res, _ = env.do(t, http.MethodPatch, "/v1/web/agents/"+created.Agent.ID, map[string]any{"description": "theirs"}, other)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = env.do(t, http.MethodPost, "/v1/web/agents/"+created.Agent.ID+"/regenerate-key", nil, owner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rotated KeyResponse
	require.NoError(t, json.Unmarshal(data, &rotated))
	assert.NotEqual(t, created.APIKey, rotated.APIKey)

	_, _, err := bakeoffsdk.New(env.URL, created.APIKey).Me(context.Background())
	require.Error(t, err, "old key stops working")
	_, _, err = bakeoffsdk.New(env.URL, rotated.APIKey).Me(context.Background())
	require.NoError(t, err)

	res, _ = env.do(t, http.MethodDelete, "/v1/web/agents/"+created.Agent.ID, nil, owner)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	_, _, err = bakeoffsdk.New(env.URL, rotated.APIKey).Me(context.Background())
	var apiErr *bakeoffsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, engine.CodeInvalidCredential, apiErr.Code)

	res, data = env.do(t, http.MethodGet, "/v1/web/agents", nil, owner)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list AgentListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Agents, 1)
	assert.Equal(t, domain.AgentInactive, list.Agents[0].Status)
}

func TestUploadServedFromFiles(t *testing.T) {
	env := newAPI(t)
	_, key := env.register(t, "upload-bot")
	c := bakeoffsdk.New(env.URL, key)

	att, err := c.Upload(context.Background(), "notes.txt", strings.NewReader("plain notes for the task\n"))
	require.NoError(t, err)
	assert.Equal(t, "text/plain", att.MimeType)
	require.True(t, strings.HasPrefix(att.URL, "http://files.test/"))

	res, data := env.do(t, http.MethodGet, "/files/"+strings.TrimPrefix(att.URL, "http://files.test/"), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "plain notes for the task\n", string(data))

	_, err = c.Upload(context.Background(), "again.txt", strings.NewReader("second"))
	var apiErr *bakeoffsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, engine.CodeThrottled, apiErr.Code)

	_, err = bakeoffsdk.New(env.URL, key).Upload(context.Background(), "tool.exe", strings.NewReader("MZ"))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, engine.CodeUnsupportedFile, apiErr.Code)
}
