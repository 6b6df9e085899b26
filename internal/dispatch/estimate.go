package dispatch

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/shopspring/decimal"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/providers"
)

// messageOverheadTokens approximates the per-message framing cost of chat
// templates.
const messageOverheadTokens = 4

// Estimator counts prompt tokens with a provider-neutral tokenizer for
// the pre-dispatch credit check. Counts are estimates; billing always
// uses the usage reported upstream.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// PromptTokens estimates the token count of a request's messages.
func (e *Estimator) PromptTokens(req *providers.ChatRequest) int {
	total := 0
	enc := e.encoding()
	for _, m := range req.Messages {
		text := m.ContentText()
		if enc != nil {
			total += len(enc.Encode(text, nil, nil))
		} else {
			total += len(text) / 4
		}
		total += messageOverheadTokens
	}
	if total < 1 {
		total = 1
	}
	return total
}

// TextTokens estimates the token count of generated text, used when a
// stream is cut off before the upstream reports usage.
func (e *Estimator) TextTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// UpperBoundCost is the worst-case price across candidates: estimated
// prompt tokens at the input rate plus the full output budget at the
// output rate.
func UpperBoundCost(candidates []catalog.ProviderBinding, promptTokens int, maxTokens *int) decimal.Decimal {
	bound := decimal.Zero
	for _, b := range candidates {
		output := b.MaxOutput
		if maxTokens != nil && *maxTokens > 0 && (*maxTokens < output || output == 0) {
			output = *maxTokens
		}
		est := tokenCost(b.Pricing.InputPerToken, promptTokens).
			Add(tokenCost(b.Pricing.OutputPerToken, output)).
			Add(decimal.NewFromFloat(b.Pricing.PerRequest))
		if b.Discount > 0 {
			est = est.Mul(decimal.NewFromFloat(1 - b.Discount))
		}
		if est.GreaterThan(bound) {
			bound = est
		}
	}
	return bound
}
