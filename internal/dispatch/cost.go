package dispatch

import (
	"github.com/shopspring/decimal"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/providers"
)

// Cost is the priced breakdown of one served request, in USD.
type Cost struct {
	Input   decimal.Decimal
	Output  decimal.Decimal
	Cached  decimal.Decimal
	Request decimal.Decimal
	Total   decimal.Decimal
}

// ComputeCost prices final usage against a binding. Cached prompt tokens
// bill at the cached rate, the remainder at the input rate; the binding
// discount applies to every component.
func ComputeCost(binding catalog.ProviderBinding, usage providers.Usage) Cost {
	cached := usage.CachedTokens()
	billedInput := usage.PromptTokens - cached
	if billedInput < 0 {
		billedInput = 0
	}

	c := Cost{
		Input:   tokenCost(binding.Pricing.InputPerToken, billedInput),
		Output:  tokenCost(binding.Pricing.OutputPerToken, usage.CompletionTokens),
		Cached:  tokenCost(binding.Pricing.CachedInputPerToken, cached),
		Request: decimal.NewFromFloat(binding.Pricing.PerRequest),
	}
	if binding.Discount > 0 {
		factor := decimal.NewFromFloat(1 - binding.Discount)
		c.Input = c.Input.Mul(factor)
		c.Output = c.Output.Mul(factor)
		c.Cached = c.Cached.Mul(factor)
		c.Request = c.Request.Mul(factor)
	}
	c.Total = c.Input.Add(c.Output).Add(c.Cached).Add(c.Request)
	return c
}

func tokenCost(perToken float64, tokens int) decimal.Decimal {
	if tokens <= 0 || perToken <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(perToken).Mul(decimal.NewFromInt(int64(tokens)))
}

// DebitAmount is what the ledger takes for this request. BYOK orgs pay
// the provider directly, so only the per-request platform fee is debited;
// the full cost still lands on the log record.
func DebitAmount(c Cost, byok bool) decimal.Decimal {
	if byok {
		return c.Request
	}
	return c.Total
}
