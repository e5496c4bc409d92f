package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/stream"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
)

// OpenAIProvider forwards requests untouched: the unified schema is
// already OpenAI's.
type OpenAIProvider struct {
	baseURL string
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(baseURL string) *OpenAIProvider {
	return &OpenAIProvider{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *OpenAIProvider) Name() Name { return OpenAI }

// ToNative returns the caller's original body when available
func (p *OpenAIProvider) ToNative(req *ChatRequest) (any, error) {
	if len(req.Raw) > 0 {
		return req.Raw, nil
	}
	return req, nil
}

func (p *OpenAIProvider) NewRequest(ctx context.Context, req *ChatRequest, apiKey string) (*http.Request, error) {
	// Raw is sent as-is; json.Marshal would compact and re-escape it.
	body := []byte(req.Raw)
	if len(body) == 0 {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return nil, fmt.Errorf("encode openai request: %w", err)
		}
	}

	httpReq, err := newJSONRequest(ctx, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

// FromNative decodes the response for metering. The original body is kept
// in Raw so the caller receives it unchanged.
func (p *OpenAIProvider) FromNative(body []byte, model string) (*ChatResponse, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.Model == "" {
		resp.Model = model
	}

	return &ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           resp.Choices,
		Usage:             usageOf(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		SystemFingerprint: resp.SystemFingerprint,
		Raw:               json.RawMessage(body),
	}, nil
}

func (p *OpenAIProvider) NewNormalizer(model string) *stream.Normalizer {
	return stream.NewNormalizer("\n\n", &openAIStreamParser{})
}

// openAIStreamParser forwards each well-formed data payload as-is. Payloads
// are decoded only to account for text and usage.
type openAIStreamParser struct{}

func (s *openAIStreamParser) ParseFrame(frame []byte) (stream.Frame, error) {
	var f stream.Frame
	for _, line := range strings.Split(string(frame), "\n") {
		payload, ok := sseData(line)
		if !ok || payload == "" {
			continue
		}
		if payload == "[DONE]" {
			f.End = true
			return f, nil
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			logger.Logger.Debug("dropping malformed openai stream payload", zap.Error(err))
			continue
		}
		f.Events = append(f.Events, stream.Event{Raw: []byte(payload)})
		for _, c := range chunk.Choices {
			f.Text += c.Delta.Content
		}
		if chunk.Usage != nil {
			f.Usage = chunk.Usage
		}
	}
	return f, nil
}
