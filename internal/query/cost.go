package query

import (
	"strings"

	"github.com/cmericli/claude-remote/internal/store"
)

// fallbackModelKey is used whenever a session's recorded model string
// doesn't match any entry in modelPrices (spec.md §4.9: "unknown
// models use a documented fallback row").
const fallbackModelKey = "unknown"

// modelPrices is the fixed model-family -> price-per-million-tokens
// table. Keys are matched as case-insensitive substrings of the
// session's recorded model string, tried in the order opus, sonnet,
// haiku with the first match winning, so a full
// model id like "claude-opus-4-1-20250805" matches the "opus" family
// without needing an exact version list.
var modelPrices = map[string]ModelPrice{
	"opus": {
		InputPerMillion:         15.00,
		OutputPerMillion:        75.00,
		CacheReadPerMillion:     1.50,
		CacheCreationPerMillion: 18.75,
	},
	"sonnet": {
		InputPerMillion:         3.00,
		OutputPerMillion:        15.00,
		CacheReadPerMillion:     0.30,
		CacheCreationPerMillion: 3.75,
	},
	"haiku": {
		InputPerMillion:         0.80,
		OutputPerMillion:        4.00,
		CacheReadPerMillion:     0.08,
		CacheCreationPerMillion: 1.00,
	},
	fallbackModelKey: {
		InputPerMillion:         3.00,
		OutputPerMillion:        15.00,
		CacheReadPerMillion:     0.30,
		CacheCreationPerMillion: 3.75,
	},
}

// priceFor resolves a recorded model string to its price row, falling
// back to the sonnet-equivalent default row when nothing matches.
func priceFor(model string) ModelPrice {
	lower := strings.ToLower(model)
	for _, family := range []string{"opus", "sonnet", "haiku"} {
		if strings.Contains(lower, family) {
			return modelPrices[family]
		}
	}
	return modelPrices[fallbackModelKey]
}

// EstimateCost derives a dollar estimate for usage under model's
// price row. Cost is always derived, never stored (spec.md §4.9).
func EstimateCost(model string, usage store.TokenUsage) Cost {
	price := priceFor(model)
	c := Cost{
		InputUSD:         float64(usage.InputTokens) / 1e6 * price.InputPerMillion,
		OutputUSD:        float64(usage.OutputTokens) / 1e6 * price.OutputPerMillion,
		CacheReadUSD:     float64(usage.CacheReadInputTokens) / 1e6 * price.CacheReadPerMillion,
		CacheCreationUSD: float64(usage.CacheCreationInputTokens) / 1e6 * price.CacheCreationPerMillion,
	}
	c.TotalUSD = c.InputUSD + c.OutputUSD + c.CacheReadUSD + c.CacheCreationUSD
	return c
}

// sessionUsage extracts a Session's four token columns as a TokenUsage.
func sessionUsage(sess store.Session) store.TokenUsage {
	return store.TokenUsage{
		InputTokens:              sess.InputTokens,
		OutputTokens:             sess.OutputTokens,
		CacheReadInputTokens:     sess.CacheReadTokens,
		CacheCreationInputTokens: sess.CacheCreationTokens,
	}
}
