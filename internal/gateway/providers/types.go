package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/stream"
)

// Name identifies an upstream provider
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Google    Name = "google"
	Qwen      Name = "qwen"
)

// Names lists every supported provider
var Names = []Name{OpenAI, Anthropic, Google, Qwen}

// Code is the upper-case form used in error codes, e.g. ANTHROPIC_KEY_NOT_CONFIGURED
func (n Name) Code() string {
	return strings.ToUpper(string(n))
}

// DisplayName is the provider's name as shown in error messages
func (n Name) DisplayName() string {
	switch n {
	case OpenAI:
		return "OpenAI"
	case Anthropic:
		return "Anthropic"
	case Google:
		return "Google AI"
	case Qwen:
		return "Qwen"
	}
	return string(n)
}

// ErrInvalidRequest marks caller input that cannot be proxied
var ErrInvalidRequest = errors.New("invalid request")

// StopSequences accepts either a single string or an array of strings
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model            string                         `json:"model"`
	Messages         []openai.ChatCompletionMessage `json:"messages"`
	Temperature      *float32                       `json:"temperature,omitempty"`
	MaxTokens        *int                           `json:"max_tokens,omitempty"`
	TopP             *float32                       `json:"top_p,omitempty"`
	Stop             StopSequences                  `json:"stop,omitempty"`
	FrequencyPenalty *float32                       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32                       `json:"presence_penalty,omitempty"`
	User             string                         `json:"user,omitempty"`
	Stream           bool                           `json:"stream,omitempty"`

	// Raw is the caller's original body, forwarded untouched to OpenAI.
	Raw json.RawMessage `json:"-"`
}

// ParseChatRequest decodes and validates a caller's request body
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Raw = body
	return &req, nil
}

// Validate checks the fields every provider relies on. Roles and the number
// of system messages are left to the upstream.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	return nil
}

// splitSystem separates system messages from the conversation. Several
// system messages are joined with a blank line.
func (r *ChatRequest) splitSystem() (system string, hasSystem bool, rest []openai.ChatCompletionMessage) {
	rest = make([]openai.ChatCompletionMessage, 0, len(r.Messages))
	var parts []string
	for _, m := range r.Messages {
		if m.Role == openai.ChatMessageRoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), len(parts) > 0, rest
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	ID                string                        `json:"id"`
	Object            string                        `json:"object"`
	Created           int64                         `json:"created"`
	Model             string                        `json:"model"`
	Choices           []openai.ChatCompletionChoice `json:"choices"`
	Usage             openai.Usage                  `json:"usage"`
	SystemFingerprint string                        `json:"system_fingerprint,omitempty"`

	// Raw is the upstream body when it is already in the unified shape and
	// should reach the caller byte for byte.
	Raw json.RawMessage `json:"-"`
}

// Text returns the content of every choice, used for usage estimates
func (r *ChatResponse) Text() string {
	var b strings.Builder
	for _, c := range r.Choices {
		b.WriteString(c.Message.Content)
	}
	return b.String()
}

// Provider is implemented by exactly one type per supported upstream
type Provider interface {
	Name() Name
	// ToNative converts a unified request into the provider's request body
	ToNative(req *ChatRequest) (any, error)
	// FromNative converts a provider response body into the unified shape
	FromNative(body []byte, model string) (*ChatResponse, error)
	// NewRequest builds the authenticated upstream HTTP request
	NewRequest(ctx context.Context, req *ChatRequest, apiKey string) (*http.Request, error)
	// NewNormalizer returns a streaming state machine for one response
	NewNormalizer(model string) *stream.Normalizer
}

// usageOf keeps total equal to prompt + completion even when a provider's
// own total counts extra tokens (e.g. Gemini thinking tokens).
func usageOf(prompt, completion int) openai.Usage {
	return openai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func newChunk(id, model string, created int64) *openai.ChatCompletionStreamResponse {
	return &openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
	}
}

// sseData extracts the payload of a data: line, with or without the space
func sseData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
