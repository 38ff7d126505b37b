package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymeter/relaymeter-gateway/internal/credential"
	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/health"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
	"github.com/relaymeter/relaymeter-gateway/internal/openai"
	"github.com/relaymeter/relaymeter-gateway/internal/pipeline"
)

type stubCompleter struct {
	resp *pipeline.Response
	err  error
	last pipeline.Request
}

func (s *stubCompleter) Handle(_ context.Context, req pipeline.Request) (*pipeline.Response, error) {
	s.last = req
	return s.resp, s.err
}

type stubAccounts struct{}

func (stubAccounts) EnsureAccount(_ context.Context, principal, tier string) (ledger.Account, error) {
	return ledger.Account{
		Principal: principal,
		Tier:      "pro",
		Balance:   decimal.RequireFromString("95"),
		Allocated: decimal.RequireFromString("500"),
	}, nil
}

func (stubAccounts) CheckBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.RequireFromString("95"), nil
}

func (stubAccounts) History(_ context.Context, principal string, limit int) ([]ledger.Transaction, error) {
	return []ledger.Transaction{{Principal: principal, Kind: ledger.KindDebit}}, nil
}

type stubDirectory struct {
	preview credential.Preview
	err     error
	revoked []string
}

func (s *stubDirectory) Add(_ context.Context, _, _, provider, _ string) (credential.Preview, error) {
	if s.err != nil {
		return credential.Preview{}, s.err
	}
	p := s.preview
	p.Provider = provider
	return p, nil
}

func (s *stubDirectory) List(context.Context, string) ([]credential.Preview, error) {
	return []credential.Preview{s.preview}, nil
}

func (s *stubDirectory) Revoke(_ context.Context, _, provider string) error {
	s.revoked = append(s.revoked, provider)
	return nil
}

func (s *stubDirectory) Retest(context.Context, string, string) (credential.Preview, error) {
	return s.preview, s.err
}

func (s *stubDirectory) AuditTrail(context.Context, string, int) ([]credential.AuditEvent, error) {
	return []credential.AuditEvent{{Action: "added"}}, nil
}

type stubHealth struct{ snap []health.ProviderHealth }

func (s *stubHealth) Snapshot() []health.ProviderHealth { return s.snap }

type stubModels struct{}

func (stubModels) Models() []string { return []string{"claude-sonnet-4", "gpt-4o"} }

func testServer(t *testing.T, completer *stubCompleter, dir *stubDirectory) *Server {
	t.Helper()
	if completer == nil {
		completer = &stubCompleter{}
	}
	if dir == nil {
		dir = &stubDirectory{}
	}
	return New(Config{
		Listen:      ":0",
		Pipeline:    completer,
		Credentials: dir,
		Accounts:    stubAccounts{},
		Health:      &stubHealth{},
		Models:      stubModels{},
	})
}

func doJSON(t *testing.T, s *Server, method, path, body string, withIdentity bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if withIdentity {
		req.Header.Set(headerPrincipal, "alice")
		req.Header.Set(headerTier, "pro")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionSuccess(t *testing.T) {
	completer := &stubCompleter{resp: &pipeline.Response{
		Completion: openai.NewCompletionResponse("gpt-4o",
			openai.ChatMessage{Role: "assistant", Content: "hi"},
			openai.UsageBreakdown{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}),
		Meter: pipeline.Meter{
			ProviderUsed:     "openai",
			ModelUsed:        "gpt-4o",
			CostIncurred:     decimal.RequireFromString("0.05"),
			CreditsRemaining: decimal.RequireFromString("94.95"),
		},
	}}
	s := testServer(t, completer, nil)

	body := `{"messages":[{"role":"user","content":"hello"}],"purpose":"chat","power_level":"eco"}`
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "alice", completer.last.Principal)
	assert.Equal(t, "pro", completer.last.Tier)
	assert.Equal(t, "eco", completer.last.PowerLevel)

	var got chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, "openai", got.Metering.ProviderUsed)
}

func TestChatCompletionRequiresPrincipal(t *testing.T) {
	s := testServer(t, nil, nil)
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{gwerror.ErrInsufficientFunds, http.StatusPaymentRequired},
		{gwerror.ErrNoProviderAvailable, http.StatusServiceUnavailable},
		{&gwerror.ExhaustedError{}, http.StatusBadGateway},
		{&gwerror.PermissionError{Tier: "free", Operation: "byok"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		s := testServer(t, &stubCompleter{err: tc.err}, nil)
		rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions",
			`{"messages":[{"role":"user","content":"x"}]}`, true)
		assert.Equal(t, tc.code, rec.Code, "error %v", tc.err)

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body.Error.Message)
	}
}

func TestAddCredentialReturnsMaskedPreview(t *testing.T) {
	dir := &stubDirectory{preview: credential.Preview{
		Fingerprint: "...cdef",
		Status:      credential.StatusValid,
	}}
	s := testServer(t, nil, dir)

	rec := doJSON(t, s, http.MethodPost, "/v1/credentials/",
		`{"provider":"openai","secret":"sk-abcdefghijklmnopqrstuvcdef"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-abcdefghijklmnopqrstuvcdef",
		"plaintext secrets must never appear in responses")
	assert.Contains(t, rec.Body.String(), "...cdef")
}

func TestRevokeCredential(t *testing.T) {
	dir := &stubDirectory{}
	s := testServer(t, nil, dir)

	rec := doJSON(t, s, http.MethodDelete, "/v1/credentials/openai", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"openai"}, dir.revoked)
}

func TestBalanceEndpoint(t *testing.T) {
	s := testServer(t, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/v1/balance", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "alice", got["principal"])
	assert.Equal(t, "95", got["balance"])
}

func TestTransactionsLimitValidation(t *testing.T) {
	s := testServer(t, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/v1/transactions?limit=9999", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/transactions?limit=10", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, nil, nil)
	s.health = &stubHealth{snap: []health.ProviderHealth{
		{Provider: "openai", Status: health.StatusHealthy, LastChecked: time.Now()},
		{Provider: "anthropic", Status: health.StatusDown, LastChecked: time.Now()},
	}}

	rec := doJSON(t, s, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got["status"])
}

func TestModelsEndpointIsPublic(t *testing.T) {
	s := testServer(t, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/v1/models", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-4o")
}

type stubThrottle struct {
	allow      bool
	retryAfter time.Duration
	calls      int
	principal  string
	tier       string
}

func (s *stubThrottle) Allow(_ context.Context, principal, tier string) (bool, time.Duration, error) {
	s.calls++
	s.principal = principal
	s.tier = tier
	return s.allow, s.retryAfter, nil
}

func TestThrottleDeniedReturns429(t *testing.T) {
	completer := &stubCompleter{}
	s := testServer(t, completer, nil)
	throttle := &stubThrottle{allow: false, retryAfter: 1500 * time.Millisecond}
	s.throttle = throttle

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	rec := doJSON(t, s, http.MethodPost, "/v1/chat/completions", body, true)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "alice", throttle.principal)
	assert.Equal(t, "pro", throttle.tier)
	assert.Nil(t, completer.last.Chat.Messages, "denied request must not reach the pipeline")
}

func TestThrottleAllowedPassesThrough(t *testing.T) {
	s := testServer(t, nil, nil)
	throttle := &stubThrottle{allow: true}
	s.throttle = throttle

	rec := doJSON(t, s, http.MethodGet, "/v1/balance", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, throttle.calls)
}
