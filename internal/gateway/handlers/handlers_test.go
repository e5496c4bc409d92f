package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/cache"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/providers"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/ratelimit"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/vault"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

const testProxyKey = "wbr_test-key"

type fakeValidator struct{}

func (fakeValidator) Validate(_ context.Context, secret string) (*models.ProxyCredential, error) {
	if secret != testProxyKey {
		return nil, vault.ErrInvalidCredential
	}
	return &models.ProxyCredential{ID: "key-1", UserID: "user-1", IsActive: true}, nil
}

type fakePlans struct{}

func (fakePlans) GetUserPlan(context.Context, string) (string, error) {
	return "free", nil
}

type fakeKeys struct {
	keys map[string]string
	err  error
}

func (k *fakeKeys) Fetch(_ context.Context, userID, provider string) (string, error) {
	if k.err != nil {
		return "", k.err
	}
	key, ok := k.keys[userID+"/"+provider]
	if !ok {
		return "", vault.ErrNotFound
	}
	return key, nil
}

type syncRecorder struct {
	mu   sync.Mutex
	recs []*models.UsageRecord
}

func (r *syncRecorder) RecordAsync(rec *models.UsageRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return true
}

func (r *syncRecorder) records() []*models.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.UsageRecord(nil), r.recs...)
}

type failingCounters struct{}

func (failingCounters) Admit(context.Context, string, string, int64, int64, time.Duration, time.Duration) (int, int64, int64, error) {
	return 0, 0, 0, errors.New("redis down")
}

func (failingCounters) Counters(context.Context, ...string) ([]int64, error) {
	return nil, errors.New("redis down")
}

type gateway struct {
	srv      *httptest.Server
	chat     *ChatHandler
	keys     *fakeKeys
	recorder *syncRecorder
}

type gatewayOptions struct {
	burst   int
	store   ratelimit.Store
	cache   *cache.Cache
	timeout time.Duration
}

func newGateway(t *testing.T, upstreamURL string, opts gatewayOptions) *gateway {
	t.Helper()

	if opts.store == nil {
		opts.store = ratelimit.NewMemoryStore()
	}
	if opts.timeout == 0 {
		opts.timeout = 5 * time.Second
	}

	keys := &fakeKeys{keys: map[string]string{
		"user-1/openai":    "sk-openai",
		"user-1/anthropic": "sk-ant-key",
		"user-1/google":    "AIzaKey",
		"user-1/qwen":      "dsk-key",
	}}
	rec := &syncRecorder{}
	limiter := ratelimit.New(opts.store, opts.burst)

	router := providers.NewRouter(providers.Endpoints{
		OpenAI:    upstreamURL,
		Anthropic: upstreamURL,
		Google:    upstreamURL,
		Qwen:      upstreamURL,
	})
	chat := NewChatHandler(router, providers.NewClient(opts.timeout), limiter, keys, rec, opts.cache)

	srv := httptest.NewServer(NewRouter(Routes{
		Chat:           chat,
		Usage:          NewUsageHandler(limiter),
		Middleware:     NewMiddleware(fakeValidator{}, fakePlans{}),
		MetricsEnabled: true,
	}))
	t.Cleanup(srv.Close)

	return &gateway{srv: srv, chat: chat, keys: keys, recorder: rec}
}

func (g *gateway) post(t *testing.T, body string, auth string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, g.srv.URL+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorDetail {
	t.Helper()
	var body struct {
		Error errorDetail `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Error
}

func expectError(t *testing.T, resp *http.Response, status int, code string) errorDetail {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	e := decodeError(t, resp)
	if e.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, e.Code, e.Message)
	}
	return e
}

func unusedUpstream(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("upstream should not be called, got %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

const anthropicReply = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-haiku-20240307",
	"content":[{"type":"text","text":"Hello from Claude"}],"stop_reason":"end_turn",
	"usage":{"input_tokens":12,"output_tokens":4}}`

func TestChatRequiresAPIKey(t *testing.T) {
	g := newGateway(t, unusedUpstream(t), gatewayOptions{})

	resp := g.post(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "")
	expectError(t, resp, http.StatusUnauthorized, "MISSING_API_KEY")

	resp = g.post(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "Bearer wbr_wrong")
	e := expectError(t, resp, http.StatusUnauthorized, "INVALID_API_KEY")
	if e.Type != typeAuthentication {
		t.Fatalf("unexpected type %s", e.Type)
	}

	resp = g.post(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "Basic abc")
	expectError(t, resp, http.StatusUnauthorized, "INVALID_API_KEY")
}

func TestChatRejectsBadInput(t *testing.T) {
	g := newGateway(t, unusedUpstream(t), gatewayOptions{})

	resp := g.post(t, `{"model":`, "Bearer "+testProxyKey)
	expectError(t, resp, http.StatusBadRequest, "INVALID_REQUEST")

	resp = g.post(t, `{"model":"llama-3","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)
	e := expectError(t, resp, http.StatusBadRequest, "UNKNOWN_MODEL")
	if e.Message != "Unknown model: llama-3. Supported prefixes: gpt-*, claude-*, gemini-*, qwen-*" {
		t.Fatalf("unexpected message %q", e.Message)
	}
	if e.Type != typeInvalidModel {
		t.Fatalf("unexpected type %s", e.Type)
	}
}

func TestChatProviderKeyNotConfigured(t *testing.T) {
	g := newGateway(t, unusedUpstream(t), gatewayOptions{})
	delete(g.keys.keys, "user-1/anthropic")

	resp := g.post(t, `{"model":"claude-3-haiku","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)
	e := expectError(t, resp, http.StatusUnauthorized, "ANTHROPIC_KEY_NOT_CONFIGURED")
	if e.Type != typeAPIKeyMissing {
		t.Fatalf("unexpected type %s", e.Type)
	}
}

func TestChatDecryptFailureIsConfigError(t *testing.T) {
	g := newGateway(t, unusedUpstream(t), gatewayOptions{})
	g.keys.err = vault.ErrAuthenticationFailed

	resp := g.post(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)
	expectError(t, resp, http.StatusInternalServerError, "CONFIG_ERROR")
}

func TestChatAnthropicCompletion(t *testing.T) {
	var gotKey, gotSystem string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.Header.Get("x-api-key")
		var body providers.AnthropicRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotSystem = body.System
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	resp := g.post(t, `{"model":"claude-3-haiku","messages":[{"role":"system","content":"terse"},{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotKey != "sk-ant-key" || gotSystem != "terse" {
		t.Fatalf("upstream got key %q system %q", gotKey, gotSystem)
	}
	if resp.Header.Get("X-Provider") != "anthropic" {
		t.Fatalf("unexpected X-Provider %q", resp.Header.Get("X-Provider"))
	}
	if resp.Header.Get("X-RateLimit-Limit") != "1000" || resp.Header.Get("X-RateLimit-Remaining") != "999" {
		t.Fatalf("unexpected rate limit headers %q %q", resp.Header.Get("X-RateLimit-Limit"), resp.Header.Get("X-RateLimit-Remaining"))
	}
	if resp.Header.Get("X-Latency-Ms") == "" || resp.Header.Get("X-Cache-Hit") != "false" {
		t.Fatalf("missing latency or cache headers")
	}

	var out providers.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "chatcmpl-msg_1" || out.Text() != "Hello from Claude" {
		t.Fatalf("unexpected response %+v", out)
	}
	if out.Usage.TotalTokens != 16 {
		t.Fatalf("expected total 16, got %d", out.Usage.TotalTokens)
	}

	recs := g.recorder.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(recs))
	}
	r := recs[0]
	if r.UserID != "user-1" || r.ProxyKeyID == nil || *r.ProxyKeyID != "key-1" {
		t.Fatalf("record not attributed to caller: %+v", r)
	}
	if r.Provider != "anthropic" || r.PromptTokens != 12 || r.CompletionTokens != 4 || r.TotalTokens != 16 || r.StatusCode != 200 {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.ErrorMessage != nil {
		t.Fatalf("unexpected error message %q", *r.ErrorMessage)
	}
}

func TestChatOpenAIPassthrough(t *testing.T) {
	reqBody := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"seed":7}`
	reply := `{"id":"chatcmpl-abc","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hey"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6},"service_tier":"default"}`

	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		if r.Header.Get("Authorization") != "Bearer sk-openai" {
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(reply))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	resp := g.post(t, reqBody, "Bearer "+testProxyKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != reply {
		t.Fatalf("response should pass through unchanged:\n got %s\nwant %s", body, reply)
	}
	if string(gotBody) != reqBody {
		t.Fatalf("request should pass through unchanged: %s", gotBody)
	}

	recs := g.recorder.records()
	if len(recs) != 1 || recs[0].EstimatedCostIDR != 0 || recs[0].TotalTokens != 6 {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestChatEstimatesMissingUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"12345678"}]},"finishReason":"STOP"}]}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	resp := g.post(t, `{"model":"gemini-1.5-pro","messages":[{"role":"user","content":"abcd"}]}`, "Bearer "+testProxyKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	r := g.recorder.records()[0]
	// prompt: 1 (content) + 1 (role) + 4 + 3, completion: 8 chars
	if r.PromptTokens != 9 || r.CompletionTokens != 2 {
		t.Fatalf("unexpected estimate %d/%d", r.PromptTokens, r.CompletionTokens)
	}
}

func TestChatStreamingAnthropic(t *testing.T) {
	events := []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_s\",\"usage\":{\"input_tokens\":7}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			// split each event to exercise frame reassembly
			mid := len(ev) / 2
			w.Write([]byte(ev[:mid]))
			flusher.Flush()
			w.Write([]byte(ev[mid:]))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	resp := g.post(t, `{"model":"claude-3-haiku","stream":true,"messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	out := string(body)
	if strings.Count(out, "data: [DONE]\n\n") != 1 || !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with exactly one [DONE]: %q", out)
	}
	if !strings.Contains(out, `"id":"chatcmpl-msg_s"`) || !strings.Contains(out, `"content":"Hi"`) {
		t.Fatalf("unexpected chunks: %s", out)
	}

	recs := g.recorder.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(recs))
	}
	if recs[0].PromptTokens != 7 || recs[0].CompletionTokens != 2 || recs[0].StatusCode != 200 {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestChatStreamingUpstreamDisconnect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\ndata: {\"choices\""))
		w.(http.Flusher).Flush()
		// no [DONE]; the trailing frame is cut off
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	resp := g.post(t, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)

	body, _ := io.ReadAll(resp.Body)
	out := string(body)
	if !strings.HasPrefix(out, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n") {
		t.Fatalf("first chunk should be forwarded unchanged: %q", out)
	}
	if strings.Count(out, "data: ") != 2 || !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("partial frame should be dropped before a single [DONE]: %q", out)
	}

	r := g.recorder.records()[0]
	if r.CompletionTokens != 1 {
		t.Fatalf("completion should be estimated from forwarded text, got %d", r.CompletionTokens)
	}
}

func TestChatUpstreamStatusError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	resp := g.post(t, `{"model":"claude-3-haiku","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code          string          `json:"code"`
			Type          string          `json:"type"`
			ProviderError json.RawMessage `json:"provider_error"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error.Code != "UPSTREAM_ERROR" || body.Error.Type != typeUpstream {
		t.Fatalf("unexpected error %+v", body.Error)
	}
	if !bytes.Contains(body.Error.ProviderError, []byte("invalid x-api-key")) {
		t.Fatalf("provider error should be passed through, got %s", body.Error.ProviderError)
	}

	r := g.recorder.records()[0]
	if r.StatusCode != http.StatusBadGateway || r.ErrorMessage == nil {
		t.Fatalf("failed call should still be recorded: %+v", r)
	}
}

func TestChatUpstreamConnectionError(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := dead.URL
	dead.Close()

	g := newGateway(t, url, gatewayOptions{})
	resp := g.post(t, `{"model":"qwen-turbo","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)
	expectError(t, resp, http.StatusBadGateway, "QWEN_CONNECTION_ERROR")
}

func TestChatUpstreamParseError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>oops</html>"))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	resp := g.post(t, `{"model":"gemini-1.5-flash","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)
	expectError(t, resp, http.StatusBadGateway, "GOOGLE_PARSE_ERROR")
}

func TestChatBurstLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{burst: 1})
	body := `{"model":"claude-3-haiku","messages":[{"role":"user","content":"hi"}]}`

	if resp := g.post(t, body, "Bearer "+testProxyKey); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request should pass, got %d", resp.StatusCode)
	}

	resp := g.post(t, body, "Bearer "+testProxyKey)
	expectError(t, resp, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED")
	if ra := resp.Header.Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("expected Retry-After header, got %q", ra)
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "999" {
		t.Fatalf("burst denial should report monthly remaining, got %q", resp.Header.Get("X-RateLimit-Remaining"))
	}
	if n := len(g.recorder.records()); n != 1 {
		t.Fatalf("denied requests are not metered, got %d records", n)
	}
}

func TestChatMonthlyQuota(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	caller := &models.Caller{UserID: "user-1", Plan: models.Plan{Tier: models.PlanFree, MonthlyRequests: 1}}

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
			strings.NewReader(`{"model":"claude-3-haiku","messages":[{"role":"user","content":"hi"}]}`))
		req = req.WithContext(WithCaller(req.Context(), caller))
		rec := httptest.NewRecorder()
		g.chat.HandleChatCompletion(rec, req)
		return rec
	}

	if rec := call(); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec := call()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "MONTHLY_QUOTA_EXCEEDED") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestChatLimiterUnavailable(t *testing.T) {
	g := newGateway(t, unusedUpstream(t), gatewayOptions{store: failingCounters{}})

	resp := g.post(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)
	expectError(t, resp, http.StatusServiceUnavailable, "RATE_LIMITER_UNAVAILABLE")
}

func TestChatCache(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{cache: cache.New(cache.NewMemoryKV(), time.Minute)})
	body := `{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`

	first := g.post(t, body, "Bearer "+testProxyKey)
	firstBody, _ := io.ReadAll(first.Body)
	second := g.post(t, body, "Bearer "+testProxyKey)
	secondBody, _ := io.ReadAll(second.Body)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}
	if second.Header.Get("X-Cache-Hit") != "true" || second.Header.Get("X-Provider") != "anthropic" {
		t.Fatalf("unexpected cache headers %v", second.Header)
	}
	if string(firstBody) != string(secondBody) {
		t.Fatalf("cached body differs")
	}

	recs := g.recorder.records()
	if len(recs) != 2 || recs[0].EstimatedCostIDR == 0 || recs[1].EstimatedCostIDR != 0 {
		t.Fatalf("cache hits are recorded at no cost: %+v %+v", recs[0], recs[1])
	}
}

func TestUsageEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	g.post(t, `{"model":"claude-3-haiku","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)

	req, _ := http.NewRequest(http.MethodGet, g.srv.URL+"/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+testProxyKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		MonthlyUsed  int64  `json:"monthly_used"`
		MonthlyLimit int64  `json:"monthly_limit"`
		MinuteUsed   int64  `json:"minute_used"`
		MinuteLimit  int64  `json:"minute_limit"`
		Plan         string `json:"plan"`
		Warning      bool   `json:"warning"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MonthlyUsed != 1 || out.MonthlyLimit != 1000 || out.MinuteUsed != 1 || out.MinuteLimit != 60 || out.Plan != "free" || out.Warning {
		t.Fatalf("unexpected usage %+v", out)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	g := newGateway(t, unusedUpstream(t), gatewayOptions{})

	resp, err := http.Get(g.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp.StatusCode)
	}

	resp, err = http.Get(g.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "webrana_requests_in_progress") {
		t.Fatalf("metrics output missing gateway metrics")
	}
}

func TestHealthReportsFailedDependency(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Routes{
		Chat:       &ChatHandler{},
		Usage:      &UsageHandler{},
		Middleware: NewMiddleware(fakeValidator{}, fakePlans{}),
		Health: []HealthCheck{func(context.Context) error {
			return errors.New("db down")
		}},
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestChatOpenAIForwardsAnyRoles(t *testing.T) {
	reply := `{"id":"chatcmpl-r","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":1,"total_tokens":10}}`

	var mu sync.Mutex
	var got []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, string(body))
		mu.Unlock()
		w.Write([]byte(reply))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, gatewayOptions{})
	bodies := []string{
		`{"model":"gpt-4o","messages":[{"role":"system","content":"a"},{"role":"system","content":"b"},{"role":"user","content":"c"}]}`,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]},{"role":"tool","tool_call_id":"call_1","content":"42"}]}`,
	}
	for i, body := range bodies {
		resp := g.post(t, body, "Bearer "+testProxyKey)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(bodies) {
		t.Fatalf("expected %d upstream calls, got %d", len(bodies), len(got))
	}
	for i := range bodies {
		if got[i] != bodies[i] {
			t.Fatalf("request %d was altered:\n got %s\nwant %s", i, got[i], bodies[i])
		}
	}
}

func TestChatGoogleConnectionErrorKeepsKeyOutOfUsage(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := dead.URL
	dead.Close()

	g := newGateway(t, base, gatewayOptions{})
	g.keys.keys["user-1/google"] = "AIzaSECRETKEY123"

	resp := g.post(t, `{"model":"gemini-1.5-flash","messages":[{"role":"user","content":"hi"}]}`, "Bearer "+testProxyKey)
	expectError(t, resp, http.StatusBadGateway, "GOOGLE_CONNECTION_ERROR")

	recs := g.recorder.records()
	if len(recs) != 1 || recs[0].ErrorMessage == nil {
		t.Fatalf("expected one failed usage record, got %+v", recs)
	}
	if strings.Contains(*recs[0].ErrorMessage, "AIzaSECRETKEY123") {
		t.Fatalf("usage record leaks the provider key: %s", *recs[0].ErrorMessage)
	}
}
