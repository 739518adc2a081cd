package provider

// CostModel is a simple tokens x price-per-1k-tokens model: the job-level
// cost cap in section 3 is USD against token cost, not a multi-dimensional
// resource-weighted estimate, so each adapter carries one configured price.
type CostModel struct {
	CostPer1kTokens float64
}

// Estimate returns the USD cost of consuming tokens.
func (c CostModel) Estimate(tokens int) float64 {
	return float64(tokens) / 1000.0 * c.CostPer1kTokens
}

// CountTokensApprox approximates token count as text length / 4, the
// common heuristic used when a provider doesn't expose an exact tokenizer
// over HTTP. All three adapters (OpenAI-compatible, Anthropic, Gemini) use
// it for CountTokens; none of them calls a vendor tokenizer.
func CountTokensApprox(text string) int {
	n := len(text) / 4
	if n < 1 && len(text) > 0 {
		n = 1
	}
	return n
}
