package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payprompt/internal/billing"
	"payprompt/internal/catalog"
	"payprompt/internal/ledger"
	"payprompt/internal/metrics"
	"payprompt/internal/providers"
	"payprompt/internal/queue"
	"payprompt/internal/relay"
	"payprompt/internal/siwe"
)

const wallet = "0xabcdef0123456789abcdef0123456789abcdef01"

type stubCompleter struct {
	calls int
	model string
	err   error
}

func (s *stubCompleter) Complete(_ context.Context, m catalog.Model, _ string) (providers.Completion, error) {
	s.calls++
	s.model = m.ID
	if s.err != nil {
		return providers.Completion{}, s.err
	}
	return providers.Completion{Text: "hello", InputTokens: 100, OutputTokens: 500}, nil
}

type stubSignIn struct {
	res siwe.Result
	err error
}

func (s stubSignIn) SignIn(context.Context, siwe.Request) (siwe.Result, error) {
	return s.res, s.err
}

type fixture struct {
	srv       *httptest.Server
	store     *ledger.MemoryStore
	completer *stubCompleter
	redis     *redis.Client
	queue     *queue.StreamQueue
	results   *queue.ResultStore
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := ledger.NewMemoryStore()
	m := metrics.New()
	completer := &stubCompleter{}
	pipeline, err := billing.New(billing.Config{
		Ledger:   store,
		Catalog:  catalog.Default(),
		Provider: completer,
		Logger:   zerolog.Nop(),
		Metrics:  m,
	})
	require.NoError(t, err)

	q := queue.NewStreamQueue(rdb, "prompts", "workers", "test", 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, q.EnsureGroup(context.Background()))
	results := queue.NewResultStore(rdb, time.Hour)

	s := New(Config{
		Relay:       relay.New(relay.Config{Ledger: store, Logger: zerolog.Nop(), Metrics: m}),
		Pipeline:    pipeline,
		SignIn:      stubSignIn{res: siwe.Result{Success: true, SessionID: "sess-1", Address: wallet}},
		Ledger:      store,
		Catalog:     catalog.Default(),
		Queue:       q,
		Results:     results,
		RateLimiter: queue.NewRateLimiter(rdb, limit),
		Idempotency: queue.NewIdempotencyGuard(rdb, time.Hour),
		Metrics:     m,
		Logger:      zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, completer: completer, redis: rdb, queue: q, results: results}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		_ = dec.Decode(&out)
	}
	return resp, out
}

func (f *fixture) fund(t *testing.T, amount string) {
	t.Helper()
	_, err := f.store.Deposit(context.Background(), wallet, decimal.RequireFromString(amount), "0xseed", "")
	require.NoError(t, err)
}

func permitBody() map[string]any {
	return map[string]any{
		"owner":    wallet,
		"value":    "2500000000000000000",
		"deadline": 1900000000,
		"v":        27,
		"r":        "0x" + strings.Repeat("1a", 32),
		"s":        "0x" + strings.Repeat("2b", 32),
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, 0)
	resp, _ := f.do(t, http.MethodOptions, "/v1/prompts", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, corsAllowHeaders, resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, corsAllowMethods, resp.Header.Get("Access-Control-Allow-Methods"))
}

func TestDepositDemo(t *testing.T) {
	f := newFixture(t, 0)

	resp, body := f.do(t, http.MethodPost, "/v1/deposits/permit", permitBody(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["onChain"])
	assert.Equal(t, json.Number("2.5"), body["newBalance"])
	assert.Equal(t, relay.MessageDemo, body["message"])
	assert.True(t, strings.HasPrefix(body["txHash"].(string), "0xdemo_"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	// same permit again is absorbed
	resp, body = f.do(t, http.MethodPost, "/v1/deposits/permit", permitBody(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, json.Number("2.5"), body["newBalance"])
}

func TestDepositMalformed(t *testing.T) {
	f := newFixture(t, 0)

	p := permitBody()
	p["r"] = "0x1234"
	resp, body := f.do(t, http.MethodPost, "/v1/deposits/permit", p, map[string]string{"Idempotency-Key": "k1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])

	// the key was released, so a corrected retry goes through
	resp, _ = f.do(t, http.MethodPost, "/v1/deposits/permit", permitBody(), map[string]string{"Idempotency-Key": "k1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/deposits/permit", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type flakyDepositor struct {
	errs  []error
	calls int
}

func (d *flakyDepositor) Deposit(context.Context, relay.PermitRequest) (relay.Result, error) {
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return relay.Result{}, err
	}
	return relay.Result{Success: true, TxHash: "0xabc", NewBalance: decimal.RequireFromString("2.5"), Message: relay.MessageOnChain, OnChain: true}, nil
}

func TestDepositFailureReleasesIdempotencyKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dep := &flakyDepositor{errs: []error{
		fmt.Errorf("credit deposit: %w", errors.New("connection reset")),
		fmt.Errorf("credit deposit: %w", ledger.ErrConflict),
	}}
	s := New(Config{
		Relay:       dep,
		Idempotency: queue.NewIdempotencyGuard(rdb, time.Hour),
		Metrics:     metrics.New(),
		Logger:      zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	f := &fixture{srv: srv}
	hdr := map[string]string{"Idempotency-Key": "dep-1"}

	resp, _ := f.do(t, http.MethodPost, "/v1/deposits/permit", permitBody(), hdr)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/deposits/permit", permitBody(), hdr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 2, dep.calls)

	resp, body := f.do(t, http.MethodPost, "/v1/deposits/permit", permitBody(), hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0xabc", body["txHash"])
	assert.Equal(t, 3, dep.calls)

	// a successful deposit keeps the key claimed
	resp, _ = f.do(t, http.MethodPost, "/v1/deposits/permit", permitBody(), hdr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 3, dep.calls)
}

func TestPromptCharged(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, "0.01")

	resp, body := f.do(t, http.MethodPost, "/v1/prompts", map[string]any{
		"walletAddress": wallet,
		"prompt":        "hi",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body["response"])
	assert.Equal(t, json.Number("0.0005448"), body["cost"])
	assert.Equal(t, json.Number("0.0094552"), body["newBalance"])
	assert.Equal(t, false, body["isFallback"])
	usage := body["usage"].(map[string]any)
	assert.Equal(t, catalog.DefaultModelID, usage["model"])
}

func TestPromptHonorsModelID(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, "1")

	resp, body := f.do(t, http.MethodPost, "/v1/prompts", map[string]any{
		"walletAddress": wallet,
		"prompt":        "hi",
		"modelId":       "claude-opus-4",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claude-opus-4", f.completer.model)
	assert.Equal(t, json.Number("0.0468"), body["cost"])
	assert.Equal(t, json.Number("0.9532"), body["newBalance"])
	usage := body["usage"].(map[string]any)
	assert.Equal(t, "claude-opus-4", usage["model"])
}

func TestPromptInsufficientFunds(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, "0.01")

	resp, body := f.do(t, http.MethodPost, "/v1/prompts", map[string]any{
		"walletAddress": wallet,
		"prompt":        "hi",
		"modelId":       "claude-opus-4",
	}, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, json.Number("0.0468"), body["required"])
	assert.Equal(t, json.Number("0.01"), body["available"])
	assert.Zero(t, f.completer.calls)
}

func TestPromptErrorStatuses(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, "1")

	cases := map[string]struct {
		body map[string]any
		want int
	}{
		"missing wallet": {body: map[string]any{"prompt": "hi"}, want: http.StatusBadRequest},
		"empty prompt":   {body: map[string]any{"walletAddress": wallet, "prompt": " "}, want: http.StatusBadRequest},
		"unknown model":  {body: map[string]any{"walletAddress": wallet, "prompt": "hi", "modelId": "gpt-9"}, want: http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/prompts", tc.body, nil)
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Equal(t, false, body["success"])
		})
	}

	f.completer.err = providers.NewError("groq", 500, "boom")
	resp, _ := f.do(t, http.MethodPost, "/v1/prompts", map[string]any{"walletAddress": wallet, "prompt": "hi"}, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	bal, err := f.store.Balance(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, "1", bal.String())
}

func TestPromptIdempotencyKey(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, "1")
	body := map[string]any{"walletAddress": wallet, "prompt": "hi"}
	hdr := map[string]string{"Idempotency-Key": "abc"}

	resp, _ := f.do(t, http.MethodPost, "/v1/prompts", body, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/prompts", body, hdr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1, f.completer.calls)
}

func TestPromptRateLimited(t *testing.T) {
	f := newFixture(t, 1)
	f.fund(t, "1")
	body := map[string]any{"walletAddress": wallet, "prompt": "hi"}

	resp, _ := f.do(t, http.MethodPost, "/v1/prompts", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/prompts", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestPromptAsyncLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/v1/prompts/async", map[string]any{
		"walletAddress": strings.ToUpper(wallet[:2]) + wallet[2:],
		"prompt":        "hi",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["jobId"].(string)
	assert.Equal(t, "pending", body["status"])

	msgs, err := f.queue.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, jobID, msgs[0].Job.JobID)
	assert.Equal(t, wallet, msgs[0].Job.WalletAddress)

	resp, body = f.do(t, http.MethodGet, "/v1/prompts/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	raw, err := json.Marshal(billing.Response{
		Success:        true,
		Response:       "done",
		NewBalance:     decimal.RequireFromString("0.9"),
		Cost:           decimal.RequireFromString("0.1"),
		ExecutionModel: catalog.DefaultModelID,
	})
	require.NoError(t, err)
	require.NoError(t, f.results.Put(ctx, queue.JobResult{JobID: jobID, Status: queue.JobSucceeded, WalletAddress: wallet, Result: raw}))

	resp, body = f.do(t, http.MethodGet, "/v1/prompts/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["result"].(map[string]any)
	assert.Equal(t, "done", result["response"])
	assert.Equal(t, json.Number("0.9"), result["newBalance"])

	require.NoError(t, f.results.Put(ctx, queue.JobResult{JobID: jobID, Status: queue.JobFailed, Error: "Insufficient credits", ErrorKind: "insufficient_funds"}))
	_, body = f.do(t, http.MethodGet, "/v1/prompts/jobs/"+jobID, nil, nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, json.Number("402"), body["errorCode"])
}

func TestPromptAsyncRejectsUnknownModel(t *testing.T) {
	f := newFixture(t, 0)
	resp, _ := f.do(t, http.MethodPost, "/v1/prompts/async", map[string]any{
		"walletAddress": wallet,
		"prompt":        "hi",
		"modelId":       "nope",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	n, err := f.redis.XLen(context.Background(), "prompts").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJobLookupErrors(t *testing.T) {
	f := newFixture(t, 0)

	resp, _ := f.do(t, http.MethodGet, "/v1/prompts/jobs/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/prompts/jobs/6f1c1bb4-3a53-4d8e-9a53-1e9d1b7f2a10", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignIn(t *testing.T) {
	f := newFixture(t, 0)
	resp, body := f.do(t, http.MethodPost, "/v1/auth/siwe", map[string]any{"message": "m", "signature": "0x", "address": wallet}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sess-1", body["sessionId"])
}

func TestSignInStatuses(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"malformed": {err: siwe.ErrMalformedMessage, want: http.StatusBadRequest},
		"expired":   {err: siwe.ErrMessageExpired, want: http.StatusBadRequest},
		"signature": {err: siwe.ErrBadSignature, want: http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(Config{SignIn: stubSignIn{err: tc.err}, Logger: zerolog.Nop()})
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/auth/siwe", strings.NewReader(`{"message":"x"}`))
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAccountViews(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, "1")
	_, err := f.store.Deduct(context.Background(), wallet, decimal.RequireFromString("0.25"), "prompt test")
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/v1/accounts/"+strings.ToUpper(wallet)+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, json.Number("0.75"), body["balance"])

	resp, body = f.do(t, http.MethodGet, "/v1/accounts/"+wallet+"/transactions?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	txs := body["transactions"].([]any)
	require.Len(t, txs, 1)
	assert.Equal(t, "deduction", txs[0].(map[string]any)["kind"])

	resp, _ = f.do(t, http.MethodGet, "/v1/accounts/"+wallet+"/transactions?limit=500", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestModels(t *testing.T) {
	f := newFixture(t, 0)
	resp, body := f.do(t, http.MethodGet, "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, catalog.DefaultModelID, body["default"])
	models := body["models"].([]any)
	assert.Len(t, models, len(catalog.Default().List()))
}

func TestHealth(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop(), Ready: func(context.Context) error { return assert.AnError }})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultHealthPath, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s = New(Config{Logger: zerolog.Nop()})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultHealthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnsupportedMethod(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/prompts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
