// Package usage estimates tokens, prices requests in IDR and records one
// usage row per proxied call without blocking the response.
package usage

import (
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/providers"
)

// EstimateTokens approximates a token count as one token per four bytes,
// rounded up. It is used when a provider does not report usage.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateMessageTokens estimates the prompt size of a conversation: each
// message costs its content and role plus 4 tokens of framing, and the
// conversation adds 3.
func EstimateMessageTokens(messages []openai.ChatCompletionMessage) int {
	total := 3
	for _, m := range messages {
		total += EstimateTokens(m.Content) + EstimateTokens(m.Role) + 4
	}
	return total
}

// Pricing is a price in IDR per million tokens
type Pricing struct {
	InputPerMillion  int64
	OutputPerMillion int64
}

// PricingFor returns the static price list entry for a model
func PricingFor(provider providers.Name, model string) Pricing {
	switch provider {
	case providers.OpenAI:
		switch {
		case strings.Contains(model, "gpt-4-turbo"), strings.Contains(model, "gpt-4o"):
			return Pricing{155_000, 465_000}
		case strings.HasPrefix(model, "gpt-4"):
			return Pricing{465_000, 930_000}
		case strings.HasPrefix(model, "o1"):
			return Pricing{232_500, 930_000}
		}
		return Pricing{7_750, 23_250}
	case providers.Anthropic:
		switch {
		case strings.Contains(model, "opus"):
			return Pricing{232_500, 1_162_500}
		case strings.Contains(model, "sonnet"):
			return Pricing{46_500, 232_500}
		}
		return Pricing{3_875, 19_375}
	case providers.Google:
		if strings.Contains(model, "flash") {
			return Pricing{1_163, 4_650}
		}
		return Pricing{54_250, 162_750}
	case providers.Qwen:
		switch {
		case strings.Contains(model, "max"):
			return Pricing{31_000, 93_000}
		case strings.Contains(model, "plus"):
			return Pricing{7_750, 23_250}
		}
		return Pricing{1_550, 4_650}
	}
	return Pricing{}
}

// CalculateCost prices a call in whole IDR. Input and output are rounded
// down separately.
func CalculateCost(provider providers.Name, model string, promptTokens, completionTokens int) int64 {
	p := PricingFor(provider, model)
	in := max(int64(promptTokens), 0) * p.InputPerMillion / 1_000_000
	out := max(int64(completionTokens), 0) * p.OutputPerMillion / 1_000_000
	return in + out
}
