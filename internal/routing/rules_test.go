package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProviders = []string{"openai", "anthropic", "loopback"}

func fullMatrix(t *testing.T) []Rule {
	t.Helper()
	var rules []Rule
	for _, tier := range []string{"free", "pro"} {
		for _, power := range []string{PowerEco, PowerBalanced, PowerPrecision} {
			rules = append(rules, Rule{
				Purpose:    "chat",
				PowerLevel: power,
				Tier:       tier,
				Preferences: []ModelRef{
					{Provider: "openai", Model: "gpt-4o-mini"},
				},
				Fallbacks: []ModelRef{
					{Provider: "anthropic", Model: "claude-3-5-haiku"},
				},
			})
		}
	}
	return rules
}

func TestBuildValidMatrix(t *testing.T) {
	set, err := Build([]string{"free", "pro"}, fullMatrix(t), testProviders)
	require.NoError(t, err)

	rule, exact, err := set.Lookup("chat", PowerBalanced, "pro")
	require.NoError(t, err)
	assert.True(t, exact)
	require.Len(t, rule.Candidates(), 2)
	assert.Equal(t, "openai", rule.Candidates()[0].Provider)
	assert.Equal(t, []string{"chat"}, set.Purposes())
}

func TestBuildRejectsCoverageGap(t *testing.T) {
	rules := fullMatrix(t)[:5] // drop pro/precision
	_, err := Build([]string{"free", "pro"}, rules, testProviders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rule for chat/precision/pro")
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	rules := fullMatrix(t)
	rules[0].Preferences = []ModelRef{{Provider: "mystery", Model: "m"}}
	_, err := Build([]string{"free", "pro"}, rules, testProviders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered provider")
}

func TestBuildRejectsEmptyPreferences(t *testing.T) {
	rules := fullMatrix(t)
	rules[2].Preferences = nil
	_, err := Build([]string{"free", "pro"}, rules, testProviders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no preferences")
}

func TestBuildRejectsDuplicateRule(t *testing.T) {
	rules := append(fullMatrix(t), fullMatrix(t)[0])
	_, err := Build([]string{"free", "pro"}, rules, testProviders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule")
}

func TestLookupDefaultsToBalanced(t *testing.T) {
	set, err := Build([]string{"free", "pro"}, fullMatrix(t), testProviders)
	require.NoError(t, err)

	rule, _, err := set.Lookup("chat", "", "free")
	require.NoError(t, err)
	assert.Equal(t, PowerBalanced, rule.PowerLevel)
}

func TestLookupUnknownTierUsesLowest(t *testing.T) {
	set, err := Build([]string{"free", "pro"}, fullMatrix(t), testProviders)
	require.NoError(t, err)

	rule, exact, err := set.Lookup("chat", PowerEco, "platinum")
	require.NoError(t, err)
	assert.False(t, exact)
	assert.Equal(t, "free", rule.Tier)
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
tiers: [free]
rules:
  - purpose: chat
    power_level: eco
    tier: free
    preferences:
      - {provider: loopback, model: loopback-echo}
  - purpose: chat
    power_level: balanced
    tier: free
    preferences:
      - {provider: loopback, model: loopback-echo}
  - purpose: chat
    power_level: precision
    tier: free
    preferences:
      - {provider: loopback, model: loopback-echo}
`)
	set, err := Parse(doc, testProviders)
	require.NoError(t, err)
	rule, _, err := set.Lookup("chat", PowerEco, "free")
	require.NoError(t, err)
	assert.Equal(t, "loopback", rule.Preferences[0].Provider)
}

func TestParseModelRef(t *testing.T) {
	ref, err := ParseModelRef("openai:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, ModelRef{Provider: "openai", Model: "gpt-4o"}, ref)
	assert.Equal(t, "openai:gpt-4o", ref.String())

	_, err = ParseModelRef("gpt-4o")
	assert.Error(t, err)
}
