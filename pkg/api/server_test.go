package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/cache"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/provider"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/resiliency"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/router"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/store"
)

var testSecret = []byte("api-test-secret-api-test-secret-!")

type harness struct {
	srv   *httptest.Server
	auth  *Authenticator
	calls int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{}

	l, err := ledger.Open(ctx, store.NewMemoryLog())
	require.NoError(t, err)
	c, err := cache.New([]byte("api-test-cache-key-0123456789abcd"))
	require.NoError(t, err)
	client := provider.ClientFunc(func(ctx context.Context, id string, req provider.Request, _ time.Duration) (*provider.Result, error) {
		h.calls++
		if req.Messages[0].Content == "explode" {
			return nil, errors.New("boom")
		}
		return &provider.Result{Content: "echo: " + req.Messages[0].Content, Cost: 4}, nil
	})
	r, err := router.New(
		[]router.Backend{{ID: "p", MaxCost: 4, Quality: 0.5}},
		client,
		budget.NewTracker(budget.Limits{Hard: budget.FromFloat(10)}),
		resiliency.NewRegistry(resiliency.DefaultSettings()),
		l,
		router.WithCache(c),
	)
	require.NoError(t, err)

	h.auth, err = NewAuthenticator(testSecret)
	require.NoError(t, err)
	s, err := NewServer(r, append([]Option{WithAuthenticator(h.auth), WithVersion("test")}, opts...)...)
	require.NoError(t, err)
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		h.srv.Close()
		s.Close()
	})
	return h
}

func (h *harness) token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := h.auth.Issue("tester", scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func chat(text string) map[string]any {
	return map[string]any{"messages": []map[string]string{{"role": "user", "content": text}}}
}

var passing = map[string]any{
	"rho": 0.8, "ece": 0.005, "rho_bias": 1.0, "delta_linf": 0.02, "cost_delta": 0.05, "consent": true, "eco_ok": true,
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/v1/budget", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "/v1/budget", body["instance"])

	resp, _ = h.do(t, http.MethodGet, "/v1/budget", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := NewAuthenticator([]byte("some-other-secret-some-other-secret"))
	require.NoError(t, err)
	forged, err := other.Issue("mallory", []string{ScopeAll}, time.Hour)
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodGet, "/v1/budget", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := h.auth.Issue("tester", []string{ScopeAll}, -time.Minute)
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodGet, "/v1/budget", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/dispatch", h.token(t, ScopeRead), chat("hi"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/budget", h.token(t, ScopeRead), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDispatchFlow(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, ScopeAll)

	resp, body := h.do(t, http.MethodPost, "/v1/dispatch", tok, chat("one"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo: one", body["content"])
	assert.Equal(t, false, body["cached"])
	assert.EqualValues(t, 1, body["ledger_seq"])

	resp, body = h.do(t, http.MethodPost, "/v1/dispatch", tok, chat("one"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, 1, h.calls)

	resp, _ = h.do(t, http.MethodPost, "/v1/dispatch", tok, chat("two"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/v1/dispatch", tok, chat("three"))
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "budget_exhausted", body["kind"])
	assert.Equal(t, false, body["retryable"])
	assert.Equal(t, 2, h.calls)

	resp, body = h.do(t, http.MethodGet, "/v1/ledger/entries?from=2&limit=5", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["total"])
	assert.Len(t, body["entries"], 2)

	resp, body = h.do(t, http.MethodGet, "/v1/ledger/verify", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["entries"])

	resp, body = h.do(t, http.MethodGet, "/v1/budget", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := body["status"].(map[string]any)
	assert.EqualValues(t, budget.FromFloat(8), status["spent"])

	resp, body = h.do(t, http.MethodGet, "/v1/providers", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["providers"], 1)
}

func TestDispatchDegraded(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/v1/dispatch", h.token(t, ScopeDispatch), chat("explode"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "all_degraded", body["kind"])
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
}

func TestDispatchValidation(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, ScopeAll)
	bad := []any{
		map[string]any{},
		map[string]any{"messages": []any{}},
		map[string]any{"messages": []map[string]string{{"role": "wizard", "content": "x"}}},
		map[string]any{"messages": []map[string]string{{"role": "user", "content": "x"}}, "surprise": 1},
		map[string]any{"messages": []map[string]string{{"role": "user", "content": "x"}}, "gate": map[string]any{"rho": 1}},
	}
	for _, b := range bad {
		resp, _ := h.do(t, http.MethodPost, "/v1/dispatch", tok, b)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v", b)
	}
	assert.Zero(t, h.calls)
}

func TestGatedDispatchAndAdmit(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, ScopeAll)

	failing := map[string]any{}
	for k, v := range passing {
		failing[k] = v
	}
	failing["eco_ok"] = false

	req := chat("gated")
	req["gate"] = failing
	resp, body := h.do(t, http.MethodPost, "/v1/dispatch", tok, req)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "gate_rejected", body["kind"])

	resp, body = h.do(t, http.MethodPost, "/v1/admit", tok, map[string]any{"action": "promote", "metrics": passing})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["passed"])

	resp, body = h.do(t, http.MethodPost, "/v1/admit", tok, map[string]any{"action": "promote", "metrics": failing})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, []any{"ecological"}, body["failed_checks"])

	resp, body = h.do(t, http.MethodPost, "/v1/gate/evaluate", tok, failing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["passed"])

	resp, body = h.do(t, http.MethodGet, "/v1/ledger/entries", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["total"], "evaluate is a dry run")
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, WithRateLimit(1, 2))
	tok := h.token(t, ScopeRead)
	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, http.MethodGet, "/v1/budget", tok, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := h.do(t, http.MethodGet, "/v1/budget", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}
