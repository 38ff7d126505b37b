// Package pricing converts provider-reported token usage into credit costs.
// All amounts are fixed-point decimals; floats never touch the ledger.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/relaymeter/relaymeter-gateway/internal/openai"
)

// ModelPrice defines the credit price for a model. Patterns support a
// trailing "*" wildcard ("gpt-4*").
type ModelPrice struct {
	Model          string `yaml:"model"`
	InputPer1K     string `yaml:"input_per_1k"`
	OutputPer1K    string `yaml:"output_per_1k"`
	inputPerToken  decimal.Decimal
	outputPerToken decimal.Decimal
}

var thousand = decimal.NewFromInt(1000)

// defaultPrices cover common models in credits per 1000 tokens. Overridable
// from configuration.
var defaultPrices = []ModelPrice{
	{Model: "gpt-4o", InputPer1K: "0.05", OutputPer1K: "0.15"},
	{Model: "gpt-4o-mini", InputPer1K: "0.0015", OutputPer1K: "0.006"},
	{Model: "gpt-4*", InputPer1K: "0.3", OutputPer1K: "0.6"},
	{Model: "gpt-3.5-turbo", InputPer1K: "0.005", OutputPer1K: "0.015"},
	{Model: "claude-3-5-sonnet*", InputPer1K: "0.03", OutputPer1K: "0.15"},
	{Model: "claude-3-opus*", InputPer1K: "0.15", OutputPer1K: "0.75"},
	{Model: "claude-3-haiku*", InputPer1K: "0.0025", OutputPer1K: "0.0125"},
	{Model: "claude-*", InputPer1K: "0.08", OutputPer1K: "0.24"},
}

// Table resolves model names to per-token prices. Lookup is deterministic:
// exact matches win, then the longest matching wildcard pattern.
type Table struct {
	exact    map[string]ModelPrice
	patterns []ModelPrice
	fallback ModelPrice
}

// NewTable builds a pricing table. A nil price list selects the defaults.
func NewTable(prices []ModelPrice) (*Table, error) {
	if prices == nil {
		prices = defaultPrices
	}
	t := &Table{exact: make(map[string]ModelPrice)}
	for _, p := range prices {
		var err error
		p.inputPerToken, err = parsePer1K(p.InputPer1K)
		if err != nil {
			return nil, err
		}
		p.outputPerToken, err = parsePer1K(p.OutputPer1K)
		if err != nil {
			return nil, err
		}
		if strings.Contains(p.Model, "*") {
			t.patterns = append(t.patterns, p)
		} else {
			t.exact[strings.ToLower(p.Model)] = p
		}
	}
	// Unknown models are priced at the most expensive configured rate so a
	// misconfigured table can never undercharge.
	for _, p := range append(t.patterns, mapValues(t.exact)...) {
		if p.outputPerToken.GreaterThan(t.fallback.outputPerToken) {
			t.fallback = p
		}
	}
	return t, nil
}

func parsePer1K(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Div(thousand), nil
}

func mapValues(m map[string]ModelPrice) []ModelPrice {
	out := make([]ModelPrice, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func (t *Table) lookup(model string) ModelPrice {
	model = strings.ToLower(model)
	if p, ok := t.exact[model]; ok {
		return p
	}
	var best ModelPrice
	bestLen := -1
	for _, p := range t.patterns {
		prefix := strings.ToLower(strings.TrimSuffix(p.Model, "*"))
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return t.fallback
}

// Cost prices a completed call from provider-reported usage, rounded to four
// fractional digits (millicredit resolution).
func (t *Table) Cost(model string, usage openai.UsageBreakdown) decimal.Decimal {
	p := t.lookup(model)
	in := p.inputPerToken.Mul(decimal.NewFromInt(int64(usage.PromptTokens)))
	out := p.outputPerToken.Mul(decimal.NewFromInt(int64(usage.CompletionTokens)))
	return in.Add(out).Round(4)
}

// Estimate prices a request before execution for the pre-flight balance
// check: prompt size is approximated and the output allowance is charged at
// the full configured maximum.
func (t *Table) Estimate(model string, promptChars, maxTokens int) decimal.Decimal {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	// 4 chars/token is the usual rough estimate; the final debit uses the
	// provider-reported usage, so only the pre-check depends on this.
	promptTokens := promptChars/4 + 1
	p := t.lookup(model)
	in := p.inputPerToken.Mul(decimal.NewFromInt(int64(promptTokens)))
	out := p.outputPerToken.Mul(decimal.NewFromInt(int64(maxTokens)))
	return in.Add(out).Round(4)
}
