package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedModel is returned for model names no provider serves
var ErrUnsupportedModel = errors.New("unsupported model")

// SupportedPrefixes is shown to callers who ask for an unknown model
const SupportedPrefixes = "gpt-*, claude-*, gemini-*, qwen-*"

var modelPrefixes = []struct {
	prefix   string
	provider Name
}{
	{"gpt-", OpenAI},
	{"o1-", OpenAI},
	{"claude-", Anthropic},
	{"gemini-", Google},
	{"qwen-", Qwen},
	{"qwen2-", Qwen},
}

// RouteForModel maps a model name to its provider by prefix. It never
// guesses: unknown names return ErrUnsupportedModel.
func RouteForModel(model string) (Name, error) {
	for _, p := range modelPrefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.provider, nil
		}
	}
	return "", fmt.Errorf("%w: %q (supported prefixes: %s)", ErrUnsupportedModel, model, SupportedPrefixes)
}

// Endpoints holds the base URL of each upstream API
type Endpoints struct {
	OpenAI    string
	Anthropic string
	Google    string
	Qwen      string
}

// Router resolves a model name to the Provider that serves it
type Router struct {
	providers map[Name]Provider
}

// NewRouter builds the fixed provider set against the given endpoints
func NewRouter(ep Endpoints) *Router {
	return &Router{
		providers: map[Name]Provider{
			OpenAI:    NewOpenAIProvider(ep.OpenAI),
			Anthropic: NewAnthropicProvider(ep.Anthropic),
			Google:    NewGeminiProvider(ep.Google),
			Qwen:      NewQwenProvider(ep.Qwen),
		},
	}
}

// Route returns the provider for model
func (r *Router) Route(model string) (Provider, error) {
	name, err := RouteForModel(model)
	if err != nil {
		return nil, err
	}
	return r.providers[name], nil
}
