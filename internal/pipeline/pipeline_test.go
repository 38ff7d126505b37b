package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymeter/relaymeter-gateway/internal/adapter"
	"github.com/relaymeter/relaymeter-gateway/internal/credential"
	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
	"github.com/relaymeter/relaymeter-gateway/internal/openai"
	"github.com/relaymeter/relaymeter-gateway/internal/pricing"
	"github.com/relaymeter/relaymeter-gateway/internal/routing"
)

// memLedger is an in-memory Ledger with the same atomicity contract as the
// real stores. Like them, it refuses to write on a dead context.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	txns     []ledger.Transaction
}

func newMemLedger(principal string, balance string) *memLedger {
	return &memLedger{
		balances: map[string]decimal.Decimal{principal: decimal.RequireFromString(balance)},
	}
}

func (m *memLedger) EnsureAccount(_ context.Context, principal, tier string) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[principal]; !ok {
		m.balances[principal] = decimal.Zero
	}
	return ledger.Account{Principal: principal, Balance: m.balances[principal], Tier: tier}, nil
}

func (m *memLedger) CheckBalance(_ context.Context, principal string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[principal], nil
}

func (m *memLedger) Debit(ctx context.Context, principal string, amount decimal.Decimal, meta ledger.DebitMeta) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.balances[principal]
	if before.LessThan(amount) {
		return ledger.Transaction{}, gwerror.ErrInsufficientFunds
	}
	after := before.Sub(amount)
	m.balances[principal] = after
	txn := ledger.Transaction{
		Principal:     principal,
		Kind:          ledger.KindDebit,
		Provider:      meta.Provider,
		Model:         meta.Model,
		Units:         meta.Units,
		Amount:        amount.Neg(),
		BalanceBefore: before,
		BalanceAfter:  after,
		CorrelationID: meta.CorrelationID,
		CreatedAt:     time.Now(),
	}
	m.txns = append(m.txns, txn)
	return txn, nil
}

func (m *memLedger) Credit(ctx context.Context, principal string, amount decimal.Decimal, reason, correlationID string) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if correlationID != "" {
		for _, txn := range m.txns {
			if txn.Kind == ledger.KindCredit && txn.CorrelationID == correlationID {
				return txn, nil
			}
		}
	}
	before := m.balances[principal]
	after := before.Add(amount)
	m.balances[principal] = after
	txn := ledger.Transaction{
		Principal:     principal,
		Kind:          ledger.KindCredit,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        reason,
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
	}
	m.txns = append(m.txns, txn)
	return txn, nil
}

func (m *memLedger) rows() []ledger.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Transaction(nil), m.txns...)
}

func (m *memLedger) balance(principal string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[principal]
}

// stubAdapter answers Complete from a script of outcomes.
type stubAdapter struct {
	name     string
	err      error
	usage    openai.UsageBreakdown
	lastKey  string
	onInvoke func()
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) ListModels(context.Context, string) ([]string, error) { return nil, nil }

func (s *stubAdapter) Validate(context.Context, string) (bool, error) { return true, nil }

func (s *stubAdapter) Complete(_ context.Context, model string, _ openai.ChatCompletionRequest, apiKey string) (openai.ChatCompletionResponse, error) {
	s.lastKey = apiKey
	if s.onInvoke != nil {
		s.onInvoke()
	}
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.NewCompletionResponse(model,
		openai.ChatMessage{Role: "assistant", Content: "ok"}, s.usage), nil
}

type stubRouter struct {
	candidates []routing.Candidate
	err        error
}

func (s *stubRouter) SelectCandidates(context.Context, routing.Query) ([]routing.Candidate, error) {
	return s.candidates, s.err
}

type stubCreds struct {
	secrets map[string]string // provider -> plaintext
	err     error
}

func (s *stubCreds) Resolve(_ context.Context, _, provider string) (*credential.Decrypted, error) {
	if s.err != nil {
		return nil, s.err
	}
	secret, ok := s.secrets[provider]
	if !ok {
		return nil, nil
	}
	return credential.Transient(secret), nil
}

func testTable(t *testing.T) *pricing.Table {
	t.Helper()
	table, err := pricing.NewTable([]pricing.ModelPrice{
		{Model: "gpt-4o", InputPer1K: "5", OutputPer1K: "5"},
		{Model: "claude-sonnet-4", InputPer1K: "5", OutputPer1K: "5"},
	})
	require.NoError(t, err)
	return table
}

type fixture struct {
	pipeline *Pipeline
	ledger   *memLedger
	primary  *stubAdapter
	fallback *stubAdapter
}

func newFixture(t *testing.T, balance string, candidates []routing.Candidate, creds CredentialSource) *fixture {
	t.Helper()
	reg := adapter.NewRegistry()
	primary := &stubAdapter{name: "openai", usage: openai.UsageBreakdown{PromptTokens: 1000, TotalTokens: 1000}}
	fb := &stubAdapter{name: "anthropic", usage: openai.UsageBreakdown{PromptTokens: 1000, TotalTokens: 1000}}
	require.NoError(t, reg.Register(primary))
	require.NoError(t, reg.Register(fb))

	led := newMemLedger("alice", balance)
	p, err := New(Config{
		Router:      &stubRouter{candidates: candidates},
		Registry:    reg,
		Credentials: creds,
		Ledger:      led,
		Pricing:     testTable(t),
		PlatformKeys: map[string]string{
			"openai":    "sk-platform-openai",
			"anthropic": "sk-platform-anthropic",
		},
		AttemptTimeout: time.Second,
	})
	require.NoError(t, err)
	return &fixture{pipeline: p, ledger: led, primary: primary, fallback: fb}
}

func chatRequest() Request {
	return Request{
		Principal:  "alice",
		Tier:       "pro",
		Purpose:    "chat",
		PowerLevel: "balanced",
		Chat: openai.ChatCompletionRequest{
			Messages: []openai.ChatMessage{{Role: "user", Content: "hello"}},
		},
	}
}

func platformCandidates() []routing.Candidate {
	return []routing.Candidate{
		{Provider: "openai", Model: "gpt-4o", Source: routing.SourcePlatform},
		{Provider: "anthropic", Model: "claude-sonnet-4", Source: routing.SourcePlatform},
	}
}

func TestSuccessDebitsActualCost(t *testing.T) {
	f := newFixture(t, "100", platformCandidates(), nil)

	resp, err := f.pipeline.Handle(context.Background(), chatRequest())
	require.NoError(t, err)

	// 1000 prompt tokens at 5 credits per 1K.
	assert.True(t, resp.Meter.CostIncurred.Equal(decimal.RequireFromString("5")),
		"cost was %s", resp.Meter.CostIncurred)
	assert.True(t, f.ledger.balance("alice").Equal(decimal.RequireFromString("95")))
	assert.True(t, resp.Meter.CreditsRemaining.Equal(decimal.RequireFromString("95")))
	assert.Equal(t, "openai", resp.Meter.ProviderUsed)
	assert.False(t, resp.Meter.UsedByok)

	rows := f.ledger.rows()
	require.Len(t, rows, 1, "exactly one debit per completed call")
	assert.Equal(t, ledger.KindDebit, rows[0].Kind)
	assert.True(t, rows[0].Amount.Equal(decimal.RequireFromString("-5")))
	assert.Equal(t, "sk-platform-openai", f.primary.lastKey)
}

func TestInsufficientFundsBeforeProviderCall(t *testing.T) {
	f := newFixture(t, "3", platformCandidates(), nil)
	invoked := false
	f.primary.onInvoke = func() { invoked = true }
	f.fallback.onInvoke = func() { invoked = true }

	req := chatRequest()
	req.Chat.MaxTokens = 1000 // estimated output allowance exceeds 3 credits

	_, err := f.pipeline.Handle(context.Background(), req)
	require.ErrorIs(t, err, gwerror.ErrInsufficientFunds)
	assert.False(t, invoked, "no provider call may be made for an account that cannot pay")
	assert.Empty(t, f.ledger.rows())
	assert.True(t, f.ledger.balance("alice").Equal(decimal.RequireFromString("3")))
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	f := newFixture(t, "100", platformCandidates(), nil)
	f.primary.err = &gwerror.ProviderError{Provider: "openai", StatusCode: 503, Message: "down", Retryable: true}

	resp, err := f.pipeline.Handle(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Meter.ProviderUsed)
	assert.Equal(t, "claude-sonnet-4", resp.Meter.ModelUsed)
	assert.Equal(t, 1, resp.Meter.FallbackDepth)

	rows := f.ledger.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "anthropic", rows[0].Provider, "metering must record the provider that served")
}

func TestAllCandidatesExhausted(t *testing.T) {
	f := newFixture(t, "100", platformCandidates(), nil)
	f.primary.err = &gwerror.ProviderError{Provider: "openai", StatusCode: 502, Message: "bad", Retryable: true}
	f.fallback.err = &gwerror.ProviderError{Provider: "anthropic", StatusCode: 529, Message: "overloaded", Retryable: true}

	_, err := f.pipeline.Handle(context.Background(), chatRequest())
	var ex *gwerror.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 2)
	assert.Empty(t, f.ledger.rows(), "no debit may be committed for a failed request")
	assert.True(t, f.ledger.balance("alice").Equal(decimal.RequireFromString("100")))
}

func TestByokZeroCost(t *testing.T) {
	creds := &stubCreds{secrets: map[string]string{"openai": "sk-user-own-key"}}
	candidates := []routing.Candidate{
		{Provider: "openai", Model: "gpt-4o", Source: routing.SourceByok},
	}
	f := newFixture(t, "100", candidates, creds)

	resp, err := f.pipeline.Handle(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.True(t, resp.Meter.UsedByok)
	assert.Equal(t, "openai", resp.Meter.ByokProvider)
	assert.True(t, resp.Meter.CostIncurred.IsZero())
	assert.Equal(t, "sk-user-own-key", f.primary.lastKey)

	assert.True(t, f.ledger.balance("alice").Equal(decimal.RequireFromString("100")),
		"byok usage never touches the balance")
	rows := f.ledger.rows()
	require.Len(t, rows, 1, "byok usage still writes an analytics row")
	assert.True(t, rows[0].Amount.IsZero())
	assert.Equal(t, int64(1000), rows[0].Units)
}

func TestByokBypassesBalanceCheck(t *testing.T) {
	creds := &stubCreds{secrets: map[string]string{"openai": "sk-user-own-key"}}
	candidates := []routing.Candidate{
		{Provider: "openai", Model: "gpt-4o", Source: routing.SourceByok},
	}
	f := newFixture(t, "0", candidates, creds)

	resp, err := f.pipeline.Handle(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.True(t, resp.Meter.UsedByok)
}

func TestUndecryptableByokFallsBackToPlatform(t *testing.T) {
	creds := &stubCreds{err: &gwerror.DecryptionError{Cause: context.DeadlineExceeded}}
	candidates := []routing.Candidate{
		{Provider: "openai", Model: "gpt-4o", Source: routing.SourceByok},
	}
	f := newFixture(t, "100", candidates, creds)

	resp, err := f.pipeline.Handle(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.False(t, resp.Meter.UsedByok)
	assert.Equal(t, "sk-platform-openai", f.primary.lastKey)
	assert.True(t, resp.Meter.CostIncurred.Equal(decimal.RequireFromString("5")))
}

func TestCancellationAfterCompletionRefunds(t *testing.T) {
	f := newFixture(t, "100", platformCandidates(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	// The client disconnects while the provider is completing.
	f.primary.onInvoke = cancel

	_, err := f.pipeline.Handle(ctx, chatRequest())
	require.ErrorIs(t, err, context.Canceled)

	rows := f.ledger.rows()
	require.Len(t, rows, 2, "debit then matching refund")
	assert.Equal(t, ledger.KindDebit, rows[0].Kind)
	assert.Equal(t, ledger.KindCredit, rows[1].Kind)
	assert.Equal(t, rows[0].CorrelationID, rows[1].CorrelationID)
	assert.True(t, f.ledger.balance("alice").Equal(decimal.RequireFromString("100")),
		"refund restores the pre-debit balance exactly")
}

func TestNonRetryableProviderErrorStopsFallback(t *testing.T) {
	f := newFixture(t, "100", platformCandidates(), nil)
	f.primary.err = &gwerror.ProviderError{Provider: "openai", StatusCode: 400, Message: "bad request", Retryable: false}
	fallbackInvoked := false
	f.fallback.onInvoke = func() { fallbackInvoked = true }

	_, err := f.pipeline.Handle(context.Background(), chatRequest())
	var ex *gwerror.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 1)
	assert.False(t, fallbackInvoked,
		"a request the provider definitively rejected must not be replayed elsewhere")
	assert.Empty(t, f.ledger.rows())
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, "100", platformCandidates(), nil)

	req := chatRequest()
	req.Principal = ""
	_, err := f.pipeline.Handle(context.Background(), req)
	var ve *gwerror.ValidationError
	require.ErrorAs(t, err, &ve)

	req = chatRequest()
	req.Chat.Messages = nil
	_, err = f.pipeline.Handle(context.Background(), req)
	require.ErrorAs(t, err, &ve)
}

func TestRouterErrorPropagates(t *testing.T) {
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(&stubAdapter{name: "openai"}))
	p, err := New(Config{
		Router:   &stubRouter{err: gwerror.ErrNoProviderAvailable},
		Registry: reg,
		Ledger:   newMemLedger("alice", "100"),
		Pricing:  testTable(t),
	})
	require.NoError(t, err)

	_, err = p.Handle(context.Background(), chatRequest())
	assert.ErrorIs(t, err, gwerror.ErrNoProviderAvailable)
}
