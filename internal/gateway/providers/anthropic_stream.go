package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/stream"
)

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage AnthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *AnthropicContentBlock `json:"content_block"`
	Delta        *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *AnthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamParser follows the Messages API event grammar. The message
// id from message_start becomes the chunk id for the rest of the stream.
type anthropicStreamParser struct {
	model    string
	created  int64
	id       string
	sentRole bool
}

func (s *anthropicStreamParser) ParseFrame(frame []byte) (stream.Frame, error) {
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

	var ev anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return stream.Frame{}, fmt.Errorf("anthropic event %q: %w", eventName, err)
	}
	if ev.Type == "" {
		ev.Type = eventName
	}

	var f stream.Frame
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.id = "chatcmpl-" + ev.Message.ID
			if ev.Message.Model != "" {
				s.model = ev.Message.Model
			}
			f.Usage = &openai.Usage{PromptTokens: ev.Message.Usage.InputTokens}
		}

	case "content_block_start":
		var text string
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "text" {
			text = ev.ContentBlock.Text
		}
		if !s.sentRole || text != "" {
			f.Events = append(f.Events, s.chunk(text, ""))
			f.Text = text
		}

	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			f.Events = append(f.Events, s.chunk(ev.Delta.Text, ""))
			f.Text = ev.Delta.Text
		}

	case "message_delta":
		if ev.Usage != nil {
			f.Usage = &openai.Usage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
			}
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			f.Events = append(f.Events, s.chunk("", anthropicFinishReason(ev.Delta.StopReason)))
		}

	case "message_stop":
		f.End = true

	case "error":
		msg := "unknown error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		f.Err = fmt.Errorf("anthropic stream error: %s", msg)

	// ping, content_block_stop and future event types carry nothing to emit.
	}

	return f, nil
}

func (s *anthropicStreamParser) chunk(text string, finish openai.FinishReason) stream.Event {
	c := newChunk(s.id, s.model, s.created)
	choice := openai.ChatCompletionStreamChoice{
		Index:        0,
		Delta:        openai.ChatCompletionStreamChoiceDelta{Content: text},
		FinishReason: finish,
	}
	if !s.sentRole {
		choice.Delta.Role = openai.ChatMessageRoleAssistant
		s.sentRole = true
	}
	c.Choices = []openai.ChatCompletionStreamChoice{choice}
	return stream.Event{Chunk: c}
}
