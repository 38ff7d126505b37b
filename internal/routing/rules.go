// Package routing maps (purpose, power level, tier) to an ordered list of
// provider/model candidates. Rules are static configuration validated at load
// time; selection is deterministic.
package routing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Power levels are distinct preference orderings, not numeric multipliers.
const (
	PowerEco       = "eco"
	PowerBalanced  = "balanced"
	PowerPrecision = "precision"
)

var powerLevels = map[string]bool{
	PowerEco:       true,
	PowerBalanced:  true,
	PowerPrecision: true,
}

// ModelRef names one provider/model pair.
type ModelRef struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

func (r ModelRef) String() string { return r.Provider + ":" + r.Model }

// ParseModelRef parses the "provider:model" wire form.
func ParseModelRef(s string) (ModelRef, error) {
	provider, model, ok := strings.Cut(s, ":")
	if !ok || provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("routing: malformed model ref %q", s)
	}
	return ModelRef{Provider: provider, Model: model}, nil
}

// Rule is the ordered preference list for one (purpose, power level, tier).
type Rule struct {
	Purpose     string     `yaml:"purpose" json:"purpose"`
	PowerLevel  string     `yaml:"power_level" json:"power_level"`
	Tier        string     `yaml:"tier" json:"tier"`
	Preferences []ModelRef `yaml:"preferences" json:"preferences"`
	Fallbacks   []ModelRef `yaml:"fallbacks" json:"fallbacks"`
}

// Candidates returns preferences followed by fallbacks, in configured order.
func (r Rule) Candidates() []ModelRef {
	out := make([]ModelRef, 0, len(r.Preferences)+len(r.Fallbacks))
	out = append(out, r.Preferences...)
	out = append(out, r.Fallbacks...)
	return out
}

type ruleKey struct {
	purpose string
	power   string
	tier    string
}

// RuleSet is the validated routing table. Tiers are ordered from lowest to
// highest privilege.
type RuleSet struct {
	rules    map[ruleKey]Rule
	tiers    []string
	tierRank map[string]int
	purposes []string
}

// rulesFile is the YAML document shape.
type rulesFile struct {
	Tiers []string `yaml:"tiers"`
	Rules []Rule   `yaml:"rules"`
}

// LoadFile reads and validates a rules file. providers is the set of
// registered adapter names; a rule referencing anything else is a
// configuration error.
func LoadFile(path string, providers []string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	return Parse(raw, providers)
}

// Parse validates a YAML rules document.
func Parse(raw []byte, providers []string) (*RuleSet, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	return Build(file.Tiers, file.Rules, providers)
}

// ParseWithTiers is Parse with an externally configured tier ordering used
// when the document does not carry its own.
func ParseWithTiers(raw []byte, tiers, providers []string) (*RuleSet, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	if len(file.Tiers) == 0 {
		file.Tiers = tiers
	}
	return Build(file.Tiers, file.Rules, providers)
}

// Build validates rules against the configured tiers and registered
// providers.
func Build(tiers []string, rules []Rule, providers []string) (*RuleSet, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("routing: no tiers configured")
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("routing: no rules configured")
	}
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p] = true
	}
	tierRank := make(map[string]int, len(tiers))
	for i, tier := range tiers {
		tier = strings.ToLower(tier)
		if _, dup := tierRank[tier]; dup {
			return nil, fmt.Errorf("routing: duplicate tier %q", tier)
		}
		tierRank[tier] = i
	}

	set := &RuleSet{
		rules:    make(map[ruleKey]Rule, len(rules)),
		tiers:    tiers,
		tierRank: tierRank,
	}
	purposeSet := make(map[string]bool)
	for _, rule := range rules {
		rule.Purpose = strings.ToLower(rule.Purpose)
		rule.PowerLevel = strings.ToLower(rule.PowerLevel)
		rule.Tier = strings.ToLower(rule.Tier)
		if rule.Purpose == "" {
			return nil, fmt.Errorf("routing: rule with empty purpose")
		}
		if !powerLevels[rule.PowerLevel] {
			return nil, fmt.Errorf("routing: rule %s/%s: unknown power level %q",
				rule.Purpose, rule.Tier, rule.PowerLevel)
		}
		if _, ok := tierRank[rule.Tier]; !ok {
			return nil, fmt.Errorf("routing: rule %s/%s references unknown tier %q",
				rule.Purpose, rule.PowerLevel, rule.Tier)
		}
		if len(rule.Preferences) == 0 {
			return nil, fmt.Errorf("routing: rule %s/%s/%s has no preferences",
				rule.Purpose, rule.PowerLevel, rule.Tier)
		}
		for _, ref := range rule.Candidates() {
			if ref.Provider == "" || ref.Model == "" {
				return nil, fmt.Errorf("routing: rule %s/%s/%s has an incomplete model ref",
					rule.Purpose, rule.PowerLevel, rule.Tier)
			}
			if len(known) > 0 && !known[ref.Provider] {
				return nil, fmt.Errorf("routing: rule %s/%s/%s references unregistered provider %q",
					rule.Purpose, rule.PowerLevel, rule.Tier, ref.Provider)
			}
		}
		key := ruleKey{rule.Purpose, rule.PowerLevel, rule.Tier}
		if _, dup := set.rules[key]; dup {
			return nil, fmt.Errorf("routing: duplicate rule for %s/%s/%s",
				rule.Purpose, rule.PowerLevel, rule.Tier)
		}
		set.rules[key] = rule
		purposeSet[rule.Purpose] = true
	}

	// Every tier must be able to reach every configured purpose and power
	// level; a tier with no rule would dead-end at request time instead of
	// at startup.
	for purpose := range purposeSet {
		for power := range powerLevels {
			for tier := range tierRank {
				if _, ok := set.rules[ruleKey{purpose, power, tier}]; !ok {
					return nil, fmt.Errorf("routing: no rule for %s/%s/%s", purpose, power, tier)
				}
			}
		}
	}
	for p := range purposeSet {
		set.purposes = append(set.purposes, p)
	}
	sort.Strings(set.purposes)
	return set, nil
}

// Lookup resolves the rule for (purpose, power, tier). The second return is
// false when the tier is unknown and the lowest-privilege tier's rule was
// substituted.
func (s *RuleSet) Lookup(purpose, power, tier string) (Rule, bool, error) {
	purpose = strings.ToLower(purpose)
	power = strings.ToLower(power)
	tier = strings.ToLower(tier)
	if power == "" {
		power = PowerBalanced
	}
	if !powerLevels[power] {
		return Rule{}, false, fmt.Errorf("routing: unknown power level %q", power)
	}
	exact := true
	if _, ok := s.tierRank[tier]; !ok {
		tier = s.LowestTier()
		exact = false
	}
	rule, ok := s.rules[ruleKey{purpose, power, tier}]
	if !ok {
		return Rule{}, exact, fmt.Errorf("routing: no rule for purpose %q", purpose)
	}
	return rule, exact, nil
}

// LowestTier returns the first configured tier.
func (s *RuleSet) LowestTier() string {
	return strings.ToLower(s.tiers[0])
}

// Tiers returns the configured tiers in privilege order.
func (s *RuleSet) Tiers() []string { return append([]string(nil), s.tiers...) }

// Purposes returns the purposes covered by the rule set.
func (s *RuleSet) Purposes() []string { return append([]string(nil), s.purposes...) }

// Models returns the distinct models reachable through any rule, sorted.
// Backs the public model listing endpoint.
func (s *RuleSet) Models() []string {
	seen := make(map[string]bool)
	for _, rule := range s.rules {
		for _, ref := range rule.Candidates() {
			seen[ref.Model] = true
		}
	}
	out := make([]string, 0, len(seen))
	for model := range seen {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

// KnownTier reports whether tier is configured.
func (s *RuleSet) KnownTier(tier string) bool {
	_, ok := s.tierRank[strings.ToLower(tier)]
	return ok
}
