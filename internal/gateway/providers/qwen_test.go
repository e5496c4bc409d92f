package providers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestQwenToNative(t *testing.T) {
	p := NewQwenProvider("https://dashscope.aliyuncs.com/api/v1")
	req := &ChatRequest{
		Model:    "qwen-turbo",
		Messages: msgs("system", "sys", "user", "hi", "assistant", "yo"),
	}

	native, _ := p.ToNative(req)
	qr := native.(*QwenRequest)
	if len(qr.Input.Messages) != 3 || qr.Input.Messages[0].Role != "system" {
		t.Fatalf("messages should pass through unchanged: %+v", qr.Input.Messages)
	}

	body, _ := json.Marshal(qr)
	if !strings.Contains(string(body), `"parameters":{"result_format":"message"}`) {
		t.Fatalf("parameters must always be present: %s", body)
	}
	if strings.Contains(string(body), "incremental_output") {
		t.Fatalf("incremental_output only applies to streams: %s", body)
	}

	req.Stream = true
	req.Temperature = ptrF(0.7)
	native, _ = p.ToNative(req)
	body, _ = json.Marshal(native)
	if !strings.Contains(string(body), `"incremental_output":true`) || !strings.Contains(string(body), `"temperature":0.7`) {
		t.Fatalf("unexpected stream parameters: %s", body)
	}
}

func TestQwenNewRequest(t *testing.T) {
	p := NewQwenProvider("https://dashscope.aliyuncs.com/api/v1")
	httpReq, err := p.NewRequest(context.Background(), &ChatRequest{Model: "qwen-max", Messages: msgs("user", "hi"), Stream: true}, "dsk-1")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if httpReq.URL.String() != "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation" {
		t.Fatalf("unexpected url %s", httpReq.URL)
	}
	if httpReq.Header.Get("Authorization") != "Bearer dsk-1" {
		t.Fatalf("missing bearer auth")
	}
	if httpReq.Header.Get("X-DashScope-SSE") != "enable" {
		t.Fatalf("missing SSE header")
	}
}

func TestQwenFromNative(t *testing.T) {
	body := []byte(`{
		"request_id": "req-9",
		"output": {"choices": [{"message": {"role": "assistant", "content": "Ni hao"}, "finish_reason": "length"}]},
		"usage": {"input_tokens": 5, "output_tokens": 7}
	}`)
	resp, err := NewQwenProvider("").FromNative(body, "qwen-plus")
	if err != nil {
		t.Fatalf("FromNative: %v", err)
	}
	if resp.ID != "chatcmpl-req-9" {
		t.Fatalf("unexpected id %s", resp.ID)
	}
	if resp.Choices[0].Message.Content != "Ni hao" || resp.Choices[0].FinishReason != openai.FinishReasonLength {
		t.Fatalf("unexpected choice %+v", resp.Choices[0])
	}
	if resp.Usage.TotalTokens != 12 {
		t.Fatalf("expected computed total 12, got %d", resp.Usage.TotalTokens)
	}
}

func TestQwenFromNativeLegacyText(t *testing.T) {
	body := []byte(`{"request_id":"r1","output":{"text":"hello","finish_reason":"null"},"usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}`)
	resp, err := NewQwenProvider("").FromNative(body, "qwen-turbo")
	if err != nil {
		t.Fatalf("FromNative: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello" || resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatalf("unexpected choice %+v", resp.Choices[0])
	}
	if resp.Usage.TotalTokens != 3 {
		t.Fatalf("unexpected total %d", resp.Usage.TotalTokens)
	}
}

func TestQwenFinishReason(t *testing.T) {
	tests := map[string]openai.FinishReason{
		"stop":   "stop",
		"null":   "stop",
		"length": "length",
		"other":  "other",
	}
	for in, want := range tests {
		if got := qwenFinishReason(in); got != want {
			t.Fatalf("qwenFinishReason(%q) = %s, want %s", in, got, want)
		}
	}
}

const qwenStreamFixture = "id:1\nevent:result\n:HTTP_STATUS/200\n" +
	`data:{"output":{"choices":[{"message":{"content":"Hel","role":"assistant"},"finish_reason":"null"}]},"usage":{"input_tokens":9,"output_tokens":1},"request_id":"req-s"}` + "\n\n" +
	"id:2\nevent:result\n:HTTP_STATUS/200\n" +
	`data:{"output":{"choices":[{"message":{"content":"lo","role":"assistant"},"finish_reason":"null"}]},"usage":{"input_tokens":9,"output_tokens":2},"request_id":"req-s"}` + "\n\n" +
	"id:3\nevent:result\n:HTTP_STATUS/200\n" +
	`data:{"output":{"choices":[{"message":{"content":"","role":"assistant"},"finish_reason":"stop"}]},"usage":{"input_tokens":9,"output_tokens":2,"total_tokens":11},"request_id":"req-s"}` + "\n\n"

func TestQwenStream(t *testing.T) {
	for _, piece := range []int{1, 13, len(qwenStreamFixture)} {
		n := NewQwenProvider("").NewNormalizer("qwen-turbo")
		got := chunks(runStream(t, n, qwenStreamFixture, piece))

		if len(got) != 3 {
			t.Fatalf("piece %d: expected 3 chunks, got %d", piece, len(got))
		}
		for _, c := range got {
			if c.ID != "chatcmpl-req-s" {
				t.Fatalf("unexpected chunk id %s", c.ID)
			}
		}
		if got[0].Choices[0].FinishReason != "" || got[1].Choices[0].FinishReason != "" {
			t.Fatalf("\"null\" finish reason must not end the stream early")
		}
		if got[2].Choices[0].FinishReason != openai.FinishReasonStop {
			t.Fatalf("expected stop on the last chunk")
		}
		if n.CompletionText() != "Hello" {
			t.Fatalf("unexpected completion text %q", n.CompletionText())
		}
		u, _ := n.Usage()
		if u.PromptTokens != 9 || u.CompletionTokens != 2 || u.TotalTokens != 11 {
			t.Fatalf("unexpected usage %+v", u)
		}
	}
}

func TestQwenStreamError(t *testing.T) {
	input := "id:1\nevent:error\n:HTTP_STATUS/400\n" +
		`data:{"code":"InvalidParameter","message":"bad input","request_id":"r"}` + "\n\n"

	n := NewQwenProvider("").NewNormalizer("qwen-turbo")
	events := runStream(t, n, input, 8)
	if len(chunks(events)) != 0 {
		t.Fatalf("expected no chunks")
	}
	if n.UpstreamErr() == nil || !strings.Contains(n.UpstreamErr().Error(), "InvalidParameter") {
		t.Fatalf("expected upstream error, got %v", n.UpstreamErr())
	}
}
