package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/stream"
)

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	baseURL string
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata *GeminiUsage      `json:"usageMetadata"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        *int          `json:"index"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(baseURL string) *GeminiProvider {
	return &GeminiProvider{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *GeminiProvider) Name() Name { return Google }

func (p *GeminiProvider) ToNative(req *ChatRequest) (any, error) {
	return p.convertRequest(req), nil
}

// convertRequest moves the system message to systemInstruction and renames
// the assistant role to model.
func (p *GeminiProvider) convertRequest(req *ChatRequest) *GeminiRequest {
	system, hasSystem, rest := req.splitSystem()

	out := &GeminiRequest{
		Contents: make([]GeminiContent, 0, len(rest)),
	}
	if hasSystem {
		out.SystemInstruction = &GeminiContent{
			Role:  "user",
			Parts: []GeminiPart{{Text: system}},
		}
	}

	for _, msg := range rest {
		role := msg.Role
		if role == openai.ChatMessageRoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, GeminiContent{
			Role:  role,
			Parts: []GeminiPart{{Text: msg.Content}},
		})
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	return out
}

// endpoint builds the call URL. The API key travels in a header so it never
// shows up in URLs that end up in error messages.
func (p *GeminiProvider) endpoint(model string, streaming bool) string {
	if streaming {
		return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, url.PathEscape(model))
	}
	return fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(model))
}

func (p *GeminiProvider) NewRequest(ctx context.Context, req *ChatRequest, apiKey string) (*http.Request, error) {
	body, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}
	httpReq, err := newJSONRequest(ctx, p.endpoint(req.Model, req.Stream), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-goog-api-key", apiKey)
	return httpReq, nil
}

func (p *GeminiProvider) FromNative(body []byte, model string) (*ChatResponse, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	choices := make([]openai.ChatCompletionChoice, 0, len(resp.Candidates))
	for i, cand := range resp.Candidates {
		var content strings.Builder
		for _, part := range cand.Content.Parts {
			content.WriteString(part.Text)
		}
		idx := i
		if cand.Index != nil {
			idx = *cand.Index
		}
		choices = append(choices, openai.ChatCompletionChoice{
			Index: idx,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content.String(),
			},
			FinishReason: geminiFinishReason(cand.FinishReason),
		})
	}

	var usage openai.Usage
	if resp.UsageMetadata != nil {
		usage = usageOf(resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount)
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: choices,
		Usage:   usage,
	}, nil
}

func geminiFinishReason(reason string) openai.FinishReason {
	switch reason {
	case "":
		return ""
	case "STOP":
		return openai.FinishReasonStop
	case "MAX_TOKENS":
		return openai.FinishReasonLength
	case "SAFETY", "RECITATION":
		return openai.FinishReasonContentFilter
	}
	return openai.FinishReason(strings.ToLower(reason))
}

func (p *GeminiProvider) NewNormalizer(model string) *stream.Normalizer {
	return stream.NewNormalizer("\n", &geminiStreamParser{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	})
}

// geminiStreamParser handles alt=sse output: one JSON response per data line.
// Once a finishReason arrives the choice is closed and later text is dropped.
type geminiStreamParser struct {
	id       string
	model    string
	created  int64
	sentRole bool
	finished bool
}

func (s *geminiStreamParser) ParseFrame(frame []byte) (stream.Frame, error) {
	payload, ok := sseData(string(frame))
	if !ok || payload == "" {
		return stream.Frame{}, nil
	}

	var resp GeminiResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return stream.Frame{}, fmt.Errorf("gemini chunk: %w", err)
	}

	var f stream.Frame
	if resp.UsageMetadata != nil {
		f.Usage = &openai.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	if s.finished || len(resp.Candidates) == 0 {
		return f, nil
	}

	cand := resp.Candidates[0]
	var text string
	if len(cand.Content.Parts) > 0 {
		text = cand.Content.Parts[0].Text
	}
	finish := geminiFinishReason(cand.FinishReason)
	if text == "" && finish == "" {
		return f, nil
	}

	choice := openai.ChatCompletionStreamChoice{
		Index:        0,
		Delta:        openai.ChatCompletionStreamChoiceDelta{Content: text},
		FinishReason: finish,
	}
	if !s.sentRole {
		choice.Delta.Role = openai.ChatMessageRoleAssistant
		s.sentRole = true
	}
	if finish != "" {
		s.finished = true
	}

	c := newChunk(s.id, s.model, s.created)
	c.Choices = []openai.ChatCompletionStreamChoice{choice}
	f.Events = append(f.Events, stream.Event{Chunk: c})
	f.Text = text
	return f, nil
}
