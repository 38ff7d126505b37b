package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
)

type fakeCreds struct {
	allowed map[string]bool
	stored  map[string]bool // keyed owner|provider
	calls   int
}

func (f *fakeCreds) TierAllowed(tier string) bool { return f.allowed[tier] }

func (f *fakeCreds) Has(_ context.Context, owner, provider string) (bool, error) {
	f.calls++
	return f.stored[owner+"|"+provider], nil
}

type fakeHealth struct {
	down map[string]bool
}

func (f *fakeHealth) IsUsable(provider string) bool { return !f.down[provider] }

func engineFixture(t *testing.T) *RuleSet {
	t.Helper()
	var rules []Rule
	for _, tier := range []string{"free", "pro"} {
		for _, power := range []string{PowerEco, PowerBalanced, PowerPrecision} {
			rules = append(rules, Rule{
				Purpose:    "chat",
				PowerLevel: power,
				Tier:       tier,
				Preferences: []ModelRef{
					{Provider: "openai", Model: "gpt-4o"},
					{Provider: "anthropic", Model: "claude-sonnet-4"},
				},
				Fallbacks: []ModelRef{
					{Provider: "loopback", Model: "loopback-echo"},
				},
			})
		}
	}
	set, err := Build([]string{"free", "pro"}, rules, []string{"openai", "anthropic", "loopback"})
	require.NoError(t, err)
	return set
}

func TestSelectCandidatesOrderIsStable(t *testing.T) {
	engine := NewEngine(engineFixture(t), nil, nil, nil)
	q := Query{Purpose: "chat", PowerLevel: PowerBalanced, Tier: "pro", Owner: "alice"}

	first, err := engine.SelectCandidates(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "openai", first[0].Provider)
	assert.Equal(t, "anthropic", first[1].Provider)
	assert.Equal(t, "loopback", first[2].Provider)

	for i := 0; i < 10; i++ {
		again, err := engine.SelectCandidates(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSelectCandidatesByokAnnotation(t *testing.T) {
	creds := &fakeCreds{
		allowed: map[string]bool{"pro": true},
		stored:  map[string]bool{"alice|anthropic": true},
	}
	engine := NewEngine(engineFixture(t), creds, nil, nil)

	out, err := engine.SelectCandidates(context.Background(),
		Query{Purpose: "chat", Tier: "pro", Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, SourcePlatform, out[0].Source)
	assert.Equal(t, SourceByok, out[1].Source)
	assert.Equal(t, SourcePlatform, out[2].Source)
}

func TestSelectCandidatesTierGateSkipsLookup(t *testing.T) {
	creds := &fakeCreds{
		allowed: map[string]bool{"pro": true},
		stored:  map[string]bool{"bob|openai": true},
	}
	engine := NewEngine(engineFixture(t), creds, nil, nil)

	out, err := engine.SelectCandidates(context.Background(),
		Query{Purpose: "chat", Tier: "free", Owner: "bob"})
	require.NoError(t, err)
	for _, c := range out {
		assert.Equal(t, SourcePlatform, c.Source, "ineligible tier must never route byok")
	}
	assert.Zero(t, creds.calls, "tier gate short-circuits credential lookups")
}

func TestSelectCandidatesFiltersDownProviders(t *testing.T) {
	health := &fakeHealth{down: map[string]bool{"openai": true}}
	engine := NewEngine(engineFixture(t), nil, health, nil)

	out, err := engine.SelectCandidates(context.Background(),
		Query{Purpose: "chat", Tier: "pro", Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "anthropic", out[0].Provider)
	assert.Equal(t, "loopback", out[1].Provider)
}

func TestSelectCandidatesAllDownIsExplicitError(t *testing.T) {
	health := &fakeHealth{down: map[string]bool{"openai": true, "anthropic": true, "loopback": true}}
	engine := NewEngine(engineFixture(t), nil, health, nil)

	_, err := engine.SelectCandidates(context.Background(),
		Query{Purpose: "chat", Tier: "pro", Owner: "alice"})
	assert.ErrorIs(t, err, gwerror.ErrNoProviderAvailable)
}

func TestSelectCandidatesModelOverride(t *testing.T) {
	engine := NewEngine(engineFixture(t), nil, nil, nil)

	out, err := engine.SelectCandidates(context.Background(),
		Query{Purpose: "chat", Tier: "pro", Owner: "alice", Model: "claude-sonnet-4"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "anthropic", out[0].Provider)

	_, err = engine.SelectCandidates(context.Background(),
		Query{Purpose: "chat", Tier: "pro", Owner: "alice", Model: "gpt-unknown"})
	var ve *gwerror.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSelectCandidatesUnknownTierFallsBack(t *testing.T) {
	engine := NewEngine(engineFixture(t), nil, nil, nil)

	out, err := engine.SelectCandidates(context.Background(),
		Query{Purpose: "chat", Tier: "platinum", Owner: "alice"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestSelectCandidatesUnknownPurpose(t *testing.T) {
	engine := NewEngine(engineFixture(t), nil, nil, nil)

	_, err := engine.SelectCandidates(context.Background(),
		Query{Purpose: "imaging", Tier: "pro", Owner: "alice"})
	var ve *gwerror.ValidationError
	require.ErrorAs(t, err, &ve)
}
