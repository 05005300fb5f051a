package llms

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// priceTable holds per-model rates, matched by longest prefix so dated
// snapshots inherit their family's pricing.
var priceTable = map[string]modelPrice{
	"claude-opus-4":     {Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
	"claude-sonnet-4":   {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-3-7-sonnet": {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-3-5-sonnet": {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.0, CacheWrite: 1.0, CacheRead: 0.08},
	"claude-3-haiku":    {Input: 0.25, Output: 1.25, CacheWrite: 0.30, CacheRead: 0.03},
}

// defaultPrice is used for unknown models so cost is never silently zero.
var defaultPrice = modelPrice{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30}

func priceFor(model string) modelPrice {
	best := ""
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPrice
	}
	return priceTable[best]
}

// ComputeCost fills Usage.CostUSD from the per-model price table.
func ComputeCost(model string, u *Usage) {
	p := priceFor(model)
	const mtok = 1_000_000.0
	u.CostUSD = float64(u.InputTokens)/mtok*p.Input +
		float64(u.OutputTokens)/mtok*p.Output +
		float64(u.CacheCreationInputTokens)/mtok*p.CacheWrite +
		float64(u.CacheReadInputTokens)/mtok*p.CacheRead
}
