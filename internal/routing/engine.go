package routing

import (
	"context"
	"log"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
)

// Source says whose key funds a candidate call.
type Source string

const (
	SourceByok     Source = "byok"
	SourcePlatform Source = "platform"
)

// Candidate is one attemptable (provider, model) pair in try order.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Source   Source `json:"source"`
}

// Query carries the routing inputs for one request.
type Query struct {
	Purpose    string
	PowerLevel string
	Tier       string
	Owner      string
	// Model pins the candidate list to entries serving that model.
	Model string
}

// CredentialLookup answers whether the owner has a usable stored credential
// for a provider and whether the tier may use it.
type CredentialLookup interface {
	TierAllowed(tier string) bool
	Has(ctx context.Context, owner, provider string) (bool, error)
}

// HealthView reports whether a provider may receive traffic.
type HealthView interface {
	IsUsable(provider string) bool
}

// Engine turns a Query into an ordered candidate list. It holds no request
// state and is safe for concurrent use.
type Engine struct {
	rules       *RuleSet
	credentials CredentialLookup
	health      HealthView
	logger      *log.Logger
}

// NewEngine wires an Engine. credentials and health may be nil, in which
// case every candidate is platform-funded and every provider is usable.
func NewEngine(rules *RuleSet, credentials CredentialLookup, health HealthView, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{rules: rules, credentials: credentials, health: health, logger: logger}
}

// SelectCandidates resolves the rule for q, annotates each entry with its
// credential source, and filters confirmed-down providers. If filtering
// would empty the list the engine reports no provider available instead of
// returning dead candidates.
func (e *Engine) SelectCandidates(ctx context.Context, q Query) ([]Candidate, error) {
	rule, exactTier, err := e.rules.Lookup(q.Purpose, q.PowerLevel, q.Tier)
	if err != nil {
		return nil, &gwerror.ValidationError{Field: "purpose", Reason: err.Error()}
	}
	if !exactTier {
		e.logger.Printf("[routing] unknown tier %q for owner=%s, using lowest-privilege rule %q",
			q.Tier, q.Owner, e.rules.LowestTier())
	}

	refs := rule.Candidates()
	if q.Model != "" {
		refs = filterModel(refs, q.Model)
		if len(refs) == 0 {
			return nil, &gwerror.ValidationError{Field: "model", Reason: "model is not routable for this tier and purpose"}
		}
	}

	byokAllowed := e.credentials != nil && e.credentials.TierAllowed(q.Tier) && q.Owner != ""
	byokByProvider := make(map[string]bool)

	candidates := make([]Candidate, 0, len(refs))
	for _, ref := range refs {
		source := SourcePlatform
		if byokAllowed {
			has, ok := byokByProvider[ref.Provider]
			if !ok {
				has, err = e.credentials.Has(ctx, q.Owner, ref.Provider)
				if err != nil {
					return nil, err
				}
				byokByProvider[ref.Provider] = has
			}
			if has {
				source = SourceByok
			}
		}
		candidates = append(candidates, Candidate{Provider: ref.Provider, Model: ref.Model, Source: source})
	}

	if e.health == nil {
		return candidates, nil
	}
	usable := candidates[:0]
	for _, c := range candidates {
		if e.health.IsUsable(c.Provider) {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return nil, gwerror.ErrNoProviderAvailable
	}
	return usable, nil
}

func filterModel(refs []ModelRef, model string) []ModelRef {
	out := refs[:0:0]
	for _, ref := range refs {
		if ref.Model == model {
			out = append(out, ref)
		}
	}
	return out
}
