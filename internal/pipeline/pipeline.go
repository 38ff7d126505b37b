// Package pipeline orchestrates one chat completion end to end: authorize
// against the ledger, route to candidates, attempt providers in order, meter
// the outcome. It owns the debit/refund discipline; at most one debit is
// committed per completed provider call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/relaymeter/relaymeter-gateway/internal/adapter"
	"github.com/relaymeter/relaymeter-gateway/internal/credential"
	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
	"github.com/relaymeter/relaymeter-gateway/internal/openai"
	"github.com/relaymeter/relaymeter-gateway/internal/pricing"
	"github.com/relaymeter/relaymeter-gateway/internal/routing"
)

// Request is one inbound completion request with its caller identity.
type Request struct {
	Principal     string
	Tier          string
	Purpose       string
	PowerLevel    string
	CorrelationID string
	Chat          openai.ChatCompletionRequest
}

// Meter is the usage metadata attached to every successful response.
type Meter struct {
	ProviderUsed     string          `json:"provider_used"`
	ModelUsed        string          `json:"model_used"`
	CostIncurred     decimal.Decimal `json:"cost_incurred"`
	CreditsRemaining decimal.Decimal `json:"credits_remaining"`
	UsedByok         bool            `json:"used_byok"`
	ByokProvider     string          `json:"byok_provider,omitempty"`
	FallbackDepth    int             `json:"fallback_depth"`
	CorrelationID    string          `json:"correlation_id"`
}

// Response pairs the provider completion with its metering record.
type Response struct {
	Completion openai.ChatCompletionResponse `json:"completion"`
	Meter      Meter                         `json:"meter"`
}

// Router yields the ordered candidate list for a request.
type Router interface {
	SelectCandidates(ctx context.Context, q routing.Query) ([]routing.Candidate, error)
}

// CredentialSource resolves owner-supplied keys.
type CredentialSource interface {
	Resolve(ctx context.Context, owner, provider string) (*credential.Decrypted, error)
}

// Ledger is the metering collaborator.
type Ledger interface {
	EnsureAccount(ctx context.Context, principal, tier string) (ledger.Account, error)
	CheckBalance(ctx context.Context, principal string) (decimal.Decimal, error)
	Debit(ctx context.Context, principal string, amount decimal.Decimal, meta ledger.DebitMeta) (ledger.Transaction, error)
	Credit(ctx context.Context, principal string, amount decimal.Decimal, reason, correlationID string) (ledger.Transaction, error)
}

// Observer receives pipeline telemetry. All methods must be non-blocking.
type Observer interface {
	RequestServed(provider, outcome string, elapsed time.Duration)
	FallbackDepth(depth int)
	DebitCommitted(amount decimal.Decimal, byok bool)
	RefundCommitted(amount decimal.Decimal)
}

// Config wires a Pipeline.
type Config struct {
	Router      Router
	Registry    *adapter.Registry
	Credentials CredentialSource
	Ledger      Ledger
	Pricing     *pricing.Table
	// PlatformKeys maps provider name to the gateway-funded API key.
	PlatformKeys   map[string]string
	AttemptTimeout time.Duration
	Logger         *log.Logger
	Observer       Observer
}

// Pipeline executes requests. Safe for concurrent use; per-principal
// serialization is the ledger store's job, not ours.
type Pipeline struct {
	router         Router
	registry       *adapter.Registry
	credentials    CredentialSource
	ledger         Ledger
	pricing        *pricing.Table
	platformKeys   map[string]string
	attemptTimeout time.Duration
	logger         *log.Logger
	observer       Observer
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Router == nil || cfg.Registry == nil || cfg.Ledger == nil || cfg.Pricing == nil {
		return nil, fmt.Errorf("pipeline: router, registry, ledger and pricing are required")
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Pipeline{
		router:         cfg.Router,
		registry:       cfg.Registry,
		credentials:    cfg.Credentials,
		ledger:         cfg.Ledger,
		pricing:        cfg.Pricing,
		platformKeys:   cfg.PlatformKeys,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         cfg.Logger,
		observer:       cfg.Observer,
	}, nil
}

// Handle runs one request through authorize, route, attempt and meter.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.Principal == "" {
		return nil, &gwerror.ValidationError{Field: "principal", Reason: "must not be empty"}
	}
	if len(req.Chat.Messages) == 0 {
		return nil, &gwerror.ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	if req.Purpose == "" {
		req.Purpose = "chat"
	}
	if req.PowerLevel == "" {
		req.PowerLevel = routing.PowerBalanced
	}
	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.New().String()
	}

	if _, err := p.ledger.EnsureAccount(ctx, req.Principal, req.Tier); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	candidates, err := p.router.SelectCandidates(ctx, routing.Query{
		Purpose:    req.Purpose,
		PowerLevel: req.PowerLevel,
		Tier:       req.Tier,
		Owner:      req.Principal,
		Model:      req.Chat.Model,
	})
	if err != nil {
		return nil, err
	}

	// Balance is read once up front; the authoritative check is the atomic
	// debit after a successful call.
	var balance decimal.Decimal
	balanceLoaded := false
	for _, c := range candidates {
		if c.Source == routing.SourcePlatform {
			balance, err = p.ledger.CheckBalance(ctx, req.Principal)
			if err != nil {
				return nil, fmt.Errorf("check balance: %w", err)
			}
			balanceLoaded = true
			break
		}
	}

	promptChars := 0
	for _, m := range req.Chat.Messages {
		promptChars += len(m.Content)
	}

	var attempts []error
	fundsBlocked := 0
	for depth, c := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.Source == routing.SourcePlatform && balanceLoaded {
			estimate := p.pricing.Estimate(c.Model, promptChars, req.Chat.MaxTokens)
			if balance.LessThan(estimate) {
				fundsBlocked++
				continue
			}
		}

		resp, meter, err := p.attempt(ctx, req, c, corrID, depth)
		if err != nil {
			if isFatal(err) {
				return nil, err
			}
			attempts = append(attempts, err)
			p.logger.Printf("[pipeline] attempt failed principal=%s provider=%s model=%s corr=%s: %v",
				req.Principal, c.Provider, c.Model, corrID, err)
			if !gwerror.Retryable(err) {
				// A definitive 4xx from the provider means the request
				// itself is bad; another candidate would fail the same way.
				break
			}
			continue
		}
		if p.observer != nil {
			p.observer.FallbackDepth(depth)
		}
		return &Response{Completion: resp, Meter: meter}, nil
	}

	if len(attempts) == 0 && fundsBlocked > 0 {
		return nil, gwerror.ErrInsufficientFunds
	}
	return nil, &gwerror.ExhaustedError{Attempts: attempts}
}

// fatalError wraps failures that must stop the fallback walk instead of
// advancing to the next candidate.
type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// attempt tries one candidate and, on success, commits the debit. Returned
// errors other than fatal ones advance the pipeline to the next candidate.
func (p *Pipeline) attempt(ctx context.Context, req Request, c routing.Candidate, corrID string, depth int) (openai.ChatCompletionResponse, Meter, error) {
	var zero openai.ChatCompletionResponse

	a, ok := p.registry.Get(c.Provider)
	if !ok {
		return zero, Meter{}, fmt.Errorf("provider %q not registered", c.Provider)
	}

	apiKey, usedByok, err := p.resolveKey(ctx, req.Principal, c)
	if err != nil {
		return zero, Meter{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	start := time.Now()
	resp, err := a.Complete(attemptCtx, c.Model, req.Chat, apiKey.Secret())
	cancel()
	apiKey.Wipe()
	elapsed := time.Since(start)

	if err != nil {
		p.observe(c.Provider, "error", elapsed)
		if ctx.Err() != nil {
			// The caller is gone; an attempt timeout alone is not fatal,
			// the next candidate still gets its chance.
			return zero, Meter{}, &fatalError{ctx.Err()}
		}
		return zero, Meter{}, err
	}
	p.observe(c.Provider, "success", elapsed)

	cost := decimal.Zero
	if !usedByok {
		cost = p.pricing.Cost(c.Model, resp.Usage)
	}
	// The metering row must survive the caller: a client cancelling while
	// the provider completed still owes the debit, so it is committed on a
	// detached context and the cancellation handled afterwards.
	debitCtx, cancelDebit := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDebit()
	txn, err := p.ledger.Debit(debitCtx, req.Principal, cost, ledger.DebitMeta{
		Provider:      c.Provider,
		Model:         c.Model,
		Units:         int64(resp.Usage.TotalTokens),
		CorrelationID: corrID,
	})
	if err != nil {
		// A completed call without a durable metering row must not be
		// reported as success.
		return zero, Meter{}, &fatalError{fmt.Errorf("record usage: %w", err)}
	}
	if p.observer != nil {
		p.observer.DebitCommitted(cost, usedByok)
	}

	if ctx.Err() != nil {
		// The client went away while the provider completed. The debit is
		// already committed, so restore it; the credit is idempotent per
		// correlation id and safe to retry.
		p.refund(req.Principal, cost, corrID)
		return zero, Meter{}, &fatalError{ctx.Err()}
	}

	meter := Meter{
		ProviderUsed:     c.Provider,
		ModelUsed:        c.Model,
		CostIncurred:     cost,
		CreditsRemaining: txn.BalanceAfter,
		UsedByok:         usedByok,
		FallbackDepth:    depth,
		CorrelationID:    corrID,
	}
	if usedByok {
		meter.ByokProvider = c.Provider
	}
	return resp, meter, nil
}

// resolveKey picks the API key for a candidate. A stored key that fails to
// decrypt falls back to the platform key when one exists; the credential is
// unusable, not the provider.
func (p *Pipeline) resolveKey(ctx context.Context, owner string, c routing.Candidate) (*credential.Decrypted, bool, error) {
	if c.Source == routing.SourceByok && p.credentials != nil {
		dec, err := p.credentials.Resolve(ctx, owner, c.Provider)
		if err == nil && dec != nil {
			return dec, true, nil
		}
		var de *gwerror.DecryptionError
		if err != nil && !errors.As(err, &de) {
			return nil, false, err
		}
		if err != nil {
			p.logger.Printf("[pipeline] byok credential unusable owner=%s provider=%s, using platform key",
				owner, c.Provider)
		}
	}
	key, ok := p.platformKeys[c.Provider]
	if !ok {
		return nil, false, fmt.Errorf("no platform key configured for provider %q", c.Provider)
	}
	return credential.Transient(key), false, nil
}

func (p *Pipeline) refund(principal string, amount decimal.Decimal, corrID string) {
	if amount.IsZero() {
		return
	}
	refundCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.ledger.Credit(refundCtx, principal, amount, "client cancelled after completion", corrID); err != nil {
		p.logger.Printf("[pipeline] refund failed principal=%s corr=%s amount=%s: %v",
			principal, corrID, amount.String(), err)
		return
	}
	if p.observer != nil {
		p.observer.RefundCommitted(amount)
	}
	p.logger.Printf("[pipeline] refunded principal=%s corr=%s amount=%s", principal, corrID, amount.String())
}

func (p *Pipeline) observe(provider, outcome string, elapsed time.Duration) {
	if p.observer != nil {
		p.observer.RequestServed(provider, outcome, elapsed)
	}
}
