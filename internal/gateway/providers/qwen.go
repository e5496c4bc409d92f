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

// QwenProvider handles Alibaba DashScope text-generation requests
type QwenProvider struct {
	baseURL string
}

// QwenRequest represents a DashScope generation request
type QwenRequest struct {
	Model      string         `json:"model"`
	Input      QwenInput      `json:"input"`
	Parameters QwenParameters `json:"parameters"`
}

type QwenInput struct {
	Messages []QwenMessage `json:"messages"`
}

type QwenMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QwenParameters is always sent; result_format=message fixes the response shape
type QwenParameters struct {
	ResultFormat      string   `json:"result_format"`
	Temperature       *float32 `json:"temperature,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	IncrementalOutput bool     `json:"incremental_output,omitempty"`
}

// QwenResponse covers both the message and the legacy text result formats
type QwenResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		Choices []struct {
			Message      QwenMessage `json:"message"`
			FinishReason string      `json:"finish_reason"`
		} `json:"choices"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// text returns the generated content and raw finish reason
func (r *QwenResponse) text() (string, string) {
	if len(r.Output.Choices) > 0 {
		c := r.Output.Choices[0]
		return c.Message.Content, c.FinishReason
	}
	return r.Output.Text, r.Output.FinishReason
}

// NewQwenProvider creates a new Qwen provider
func NewQwenProvider(baseURL string) *QwenProvider {
	return &QwenProvider{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *QwenProvider) Name() Name { return Qwen }

// ToNative passes every message through, system included
func (p *QwenProvider) ToNative(req *ChatRequest) (any, error) {
	return p.convertRequest(req), nil
}

func (p *QwenProvider) convertRequest(req *ChatRequest) *QwenRequest {
	msgs := make([]QwenMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, QwenMessage{Role: m.Role, Content: m.Content})
	}
	return &QwenRequest{
		Model: req.Model,
		Input: QwenInput{Messages: msgs},
		Parameters: QwenParameters{
			ResultFormat:      "message",
			Temperature:       req.Temperature,
			TopP:              req.TopP,
			MaxTokens:         req.MaxTokens,
			Stop:              req.Stop,
			IncrementalOutput: req.Stream,
		},
	}
}

func (p *QwenProvider) NewRequest(ctx context.Context, req *ChatRequest, apiKey string) (*http.Request, error) {
	body, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode qwen request: %w", err)
	}

	httpReq, err := newJSONRequest(ctx, p.baseURL+"/services/aigc/text-generation/generation", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if req.Stream {
		httpReq.Header.Set("X-DashScope-SSE", "enable")
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (p *QwenProvider) FromNative(body []byte, model string) (*ChatResponse, error) {
	var resp QwenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != "" && len(resp.Output.Choices) == 0 && resp.Output.Text == "" {
		return nil, fmt.Errorf("qwen error %s: %s", resp.Code, resp.Message)
	}

	content, finish := resp.text()
	if finish == "" {
		finish = "stop"
	}

	var usage openai.Usage
	if resp.Usage != nil {
		usage = usageOf(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + resp.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: qwenFinishReason(finish),
			},
		},
		Usage: usage,
	}, nil
}

func qwenFinishReason(reason string) openai.FinishReason {
	switch reason {
	case "stop", "null":
		return openai.FinishReasonStop
	case "length":
		return openai.FinishReasonLength
	}
	return openai.FinishReason(reason)
}

func (p *QwenProvider) NewNormalizer(model string) *stream.Normalizer {
	return stream.NewNormalizer("\n\n", &qwenStreamParser{
		model:   model,
		created: time.Now().Unix(),
	})
}

// qwenStreamParser reads DashScope SSE frames (id/event/:HTTP_STATUS/data
// lines). With incremental_output each frame carries only new text. While
// streaming, a finish_reason of "null" means generation is still running.
type qwenStreamParser struct {
	model    string
	created  int64
	id       string
	sentRole bool
	finished bool
}

func (s *qwenStreamParser) ParseFrame(frame []byte) (stream.Frame, error) {
	var eventName, data string
	for _, line := range strings.Split(string(frame), "\n") {
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if payload, ok := sseData(line); ok {
			data += payload
		}
	}
	if data == "" {
		return stream.Frame{}, nil
	}

	var resp QwenResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return stream.Frame{}, fmt.Errorf("qwen frame: %w", err)
	}

	var f stream.Frame
	if eventName == "error" || (resp.Code != "" && len(resp.Output.Choices) == 0 && resp.Output.Text == "") {
		f.Err = fmt.Errorf("qwen stream error %s: %s", resp.Code, resp.Message)
		return f, nil
	}

	if s.id == "" && resp.RequestID != "" {
		s.id = "chatcmpl-" + resp.RequestID
	}
	if resp.Usage != nil {
		f.Usage = &openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}
	}
	if s.finished {
		return f, nil
	}

	text, rawFinish := resp.text()
	var finish openai.FinishReason
	if rawFinish != "" && rawFinish != "null" {
		finish = qwenFinishReason(rawFinish)
	}
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
