package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/stream"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider handles Anthropic Claude API requests
type AnthropicProvider struct {
	baseURL string
}

// AnthropicRequest represents a request to Anthropic's Messages API
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicResponse represents a response from Anthropic's API
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []AnthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicContentBlock represents a content block
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicUsage represents token usage
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(baseURL string) *AnthropicProvider {
	return &AnthropicProvider{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *AnthropicProvider) Name() Name { return Anthropic }

// ToNative lifts the system message into its own field and defaults
// max_tokens, which Anthropic requires.
func (p *AnthropicProvider) ToNative(req *ChatRequest) (any, error) {
	return p.convertRequest(req), nil
}

func (p *AnthropicProvider) convertRequest(req *ChatRequest) *AnthropicRequest {
	system, _, rest := req.splitSystem()

	out := &AnthropicRequest{
		Model:         req.Model,
		Messages:      make([]AnthropicMessage, 0, len(rest)),
		MaxTokens:     anthropicDefaultMaxTokens,
		System:        system,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	for _, m := range rest {
		out.Messages = append(out.Messages, AnthropicMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (p *AnthropicProvider) NewRequest(ctx context.Context, req *ChatRequest, apiKey string) (*http.Request, error) {
	body, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}

	httpReq, err := newJSONRequest(ctx, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (p *AnthropicProvider) FromNative(body []byte, model string) (*ChatResponse, error) {
	var resp AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	if resp.Model == "" {
		resp.Model = model
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content.String(),
				},
				FinishReason: anthropicFinishReason(resp.StopReason),
			},
		},
		Usage: usageOf(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}, nil
}

func anthropicFinishReason(reason string) openai.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return openai.FinishReasonStop
	case "max_tokens":
		return openai.FinishReasonLength
	}
	return openai.FinishReason(reason)
}

func (p *AnthropicProvider) NewNormalizer(model string) *stream.Normalizer {
	return stream.NewNormalizer("\n\n", &anthropicStreamParser{
		model:   model,
		created: time.Now().Unix(),
	})
}
