package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/cache"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/metrics"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/providers"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/ratelimit"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/stream"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/usage"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/vault"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

const maxRequestBody = 10 << 20

// statusClientClosed is recorded when the caller went away mid-request
const statusClientClosed = 499

// KeySource decrypts a user's provider key. *vault.Keyring implements it.
type KeySource interface {
	Fetch(ctx context.Context, userID, provider string) (string, error)
}

// UsageRecorder persists usage off the request path. *usage.Recorder implements it.
type UsageRecorder interface {
	RecordAsync(rec *models.UsageRecord) bool
}

type ChatHandler struct {
	router   *providers.Router
	client   *providers.Client
	limiter  *ratelimit.Limiter
	keys     KeySource
	recorder UsageRecorder
	cache    *cache.Cache
}

// NewChatHandler wires the proxy pipeline. cache may be nil.
func NewChatHandler(router *providers.Router, client *providers.Client, limiter *ratelimit.Limiter, keys KeySource, recorder UsageRecorder, cache *cache.Cache) *ChatHandler {
	return &ChatHandler{
		router:   router,
		client:   client,
		limiter:  limiter,
		keys:     keys,
		recorder: recorder,
		cache:    cache,
	}
}

// callResult is what gets metered for one request
type callResult struct {
	provider   providers.Name
	model      string
	prompt     int
	completion int
	status     int
	streaming  bool
	cached     bool
	errMsg     string
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	defer metrics.RequestStarted()()

	caller, ok := CallerFrom(ctx)
	if !ok {
		writeError(w, &apiError{
			Status:  http.StatusUnauthorized,
			Message: "API key required",
			Type:    typeAuthentication,
			Code:    "MISSING_API_KEY",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.reject(w, startTime, "", false, invalidRequest("Failed to read request body"))
		return
	}

	req, err := providers.ParseChatRequest(body)
	if err != nil {
		h.reject(w, startTime, "", false, invalidRequest(err.Error()))
		return
	}

	provider, err := h.router.Route(req.Model)
	if err != nil {
		h.reject(w, startTime, "", req.Stream, &apiError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("Unknown model: %s. Supported prefixes: %s", req.Model, providers.SupportedPrefixes),
			Type:    typeInvalidModel,
			Code:    "UNKNOWN_MODEL",
		})
		return
	}
	name := provider.Name()

	decision, err := h.limiter.CheckAndConsume(ctx, caller.UserID, caller.Plan)
	if err != nil {
		logger.Logger.Error("rate limiter unavailable", zap.String("user_id", caller.UserID), zap.Error(err))
		metrics.RateLimitDenied("unavailable")
		h.reject(w, startTime, name, req.Stream, &apiError{
			Status:  http.StatusServiceUnavailable,
			Message: "Rate limiter unavailable, please retry later",
			Type:    typeUnavailable,
			Code:    "RATE_LIMITER_UNAVAILABLE",
		})
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if !decision.Allowed {
		metrics.RateLimitDenied(string(decision.Reason))
		w.Header().Set("Retry-After", strconv.FormatInt(ratelimit.RetryAfterSeconds(decision.RetryAfter), 10))
		h.reject(w, startTime, name, req.Stream, rateLimited(decision))
		return
	}

	if h.cache != nil && !req.Stream {
		if entry, hit := h.cache.Get(ctx, caller.UserID, req); hit {
			metrics.CacheLookup(true)
			h.serveCached(w, caller, req, entry, startTime)
			return
		}
		metrics.CacheLookup(false)
	}

	apiKey, err := h.keys.Fetch(ctx, caller.UserID, string(name))
	if err != nil {
		h.reject(w, startTime, name, req.Stream, keyError(name, caller.UserID, err))
		return
	}

	if req.Stream {
		h.handleStreamingChat(w, r, caller, provider, req, apiKey, startTime)
		return
	}
	h.handleChat(w, r, caller, provider, req, apiKey, startTime)
}

// handleChat performs a non-streaming call
func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request, caller *models.Caller, provider providers.Provider, req *providers.ChatRequest, apiKey string, startTime time.Time) {
	ctx := r.Context()
	name := provider.Name()
	res := callResult{provider: name, model: req.Model}

	resp, _, err := h.client.Complete(ctx, provider, req, apiKey)
	if err != nil {
		res.prompt = usage.EstimateMessageTokens(req.Messages)
		res.errMsg = err.Error()
		if ctx.Err() != nil {
			res.status = statusClientClosed
			h.finish(caller, startTime, res)
			return
		}
		apiErr := upstreamError(name, err)
		res.status = apiErr.Status
		h.finish(caller, startTime, res)
		writeError(w, apiErr)
		return
	}

	res.prompt, res.completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if res.prompt == 0 && res.completion == 0 {
		res.prompt = usage.EstimateMessageTokens(req.Messages)
		res.completion = usage.EstimateTokens(resp.Text())
	}

	payload := []byte(resp.Raw)
	if len(payload) == 0 {
		if payload, err = json.Marshal(resp); err != nil {
			logger.Logger.Error("failed to encode response", zap.Error(err))
			res.status = http.StatusInternalServerError
			res.errMsg = err.Error()
			h.finish(caller, startTime, res)
			writeError(w, errInternal())
			return
		}
	}

	if h.cache != nil {
		entry := &cache.Entry{
			Provider: name,
			Body:     payload,
			Usage:    resp.Usage,
		}
		if err := h.cache.Set(ctx, caller.UserID, req, entry); err != nil {
			logger.Logger.Warn("failed to cache response", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Provider", string(name))
	w.Header().Set("X-Cache-Hit", "false")
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(startTime).Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)

	res.status = http.StatusOK
	h.finish(caller, startTime, res)
}

// handleStreamingChat relays an upstream stream as OpenAI chunks
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, caller *models.Caller, provider providers.Provider, req *providers.ChatRequest, apiKey string, startTime time.Time) {
	ctx := r.Context()
	name := provider.Name()
	res := callResult{provider: name, model: req.Model, streaming: true}

	flusher, ok := w.(http.Flusher)
	if !ok {
		res.status = http.StatusInternalServerError
		res.errMsg = "streaming not supported"
		h.finish(caller, startTime, res)
		writeError(w, errInternal())
		return
	}

	resp, err := h.client.Open(ctx, provider, req, apiKey)
	if err != nil {
		res.prompt = usage.EstimateMessageTokens(req.Messages)
		res.errMsg = err.Error()
		if ctx.Err() != nil {
			res.status = statusClientClosed
			h.finish(caller, startTime, res)
			return
		}
		apiErr := upstreamError(name, err)
		res.status = apiErr.Status
		h.finish(caller, startTime, res)
		writeError(w, apiErr)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Provider", string(name))
	w.Header().Set("X-Cache-Hit", "false")
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(startTime).Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	n := provider.NewNormalizer(req.Model)
	pumpErr := stream.Pump(ctx, resp.Body, n, func(ev stream.Event) error {
		data, err := ev.Encode()
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	res.status = http.StatusOK
	switch {
	case ctx.Err() != nil:
		res.status = statusClientClosed
		res.errMsg = "client disconnected"
	case pumpErr != nil:
		res.errMsg = pumpErr.Error()
		metrics.UpstreamError(string(name), "stream")
	case n.UpstreamErr() != nil:
		res.errMsg = n.UpstreamErr().Error()
		metrics.UpstreamError(string(name), "stream")
	}

	if u, reported := n.Usage(); reported {
		res.prompt, res.completion = u.PromptTokens, u.CompletionTokens
	} else {
		res.prompt = usage.EstimateMessageTokens(req.Messages)
		res.completion = usage.EstimateTokens(n.CompletionText())
	}
	h.finish(caller, startTime, res)
}

// serveCached answers from the response cache. Cache hits are free.
func (h *ChatHandler) serveCached(w http.ResponseWriter, caller *models.Caller, req *providers.ChatRequest, entry *cache.Entry, startTime time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Provider", string(entry.Provider))
	w.Header().Set("X-Cache-Hit", "true")
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(startTime).Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Body)

	h.finish(caller, startTime, callResult{
		provider:   entry.Provider,
		model:      req.Model,
		prompt:     entry.Usage.PromptTokens,
		completion: entry.Usage.CompletionTokens,
		status:     http.StatusOK,
		cached:     true,
	})
}

// reject writes an error for a request that never reached a provider
func (h *ChatHandler) reject(w http.ResponseWriter, startTime time.Time, provider providers.Name, streaming bool, e *apiError) {
	metrics.ObserveRequest(string(provider), e.Status, streaming, time.Since(startTime))
	writeError(w, e)
}

// finish records metrics and a usage row for a request that was admitted
func (h *ChatHandler) finish(caller *models.Caller, startTime time.Time, res callResult) {
	latency := time.Since(startTime)
	metrics.ObserveRequest(string(res.provider), res.status, res.streaming, latency)
	metrics.Tokens(string(res.provider), res.prompt, res.completion)

	var cost int64
	if !res.cached {
		cost = usage.CalculateCost(res.provider, res.model, res.prompt, res.completion)
	}

	rec := &models.UsageRecord{
		UserID:           caller.UserID,
		Provider:         string(res.provider),
		Model:            res.model,
		PromptTokens:     res.prompt,
		CompletionTokens: res.completion,
		TotalTokens:      res.prompt + res.completion,
		LatencyMs:        int(latency.Milliseconds()),
		EstimatedCostIDR: cost,
		StatusCode:       res.status,
		CreatedAt:        time.Now().UTC(),
	}
	if caller.ProxyKeyID != "" {
		id := caller.ProxyKeyID
		rec.ProxyKeyID = &id
	}
	if res.errMsg != "" {
		msg := res.errMsg
		rec.ErrorMessage = &msg
	}
	h.recorder.RecordAsync(rec)

	logger.Logger.Info("chat completion",
		zap.String("user_id", caller.UserID),
		zap.String("provider", string(res.provider)),
		zap.String("model", res.model),
		zap.Bool("stream", res.streaming),
		zap.Bool("cache_hit", res.cached),
		zap.Int("status", res.status),
		zap.Int("prompt_tokens", res.prompt),
		zap.Int("completion_tokens", res.completion),
		zap.Int64("cost_idr", cost),
		zap.Duration("latency", latency),
	)
}

func invalidRequest(msg string) *apiError {
	return &apiError{
		Status:  http.StatusBadRequest,
		Message: msg,
		Type:    typeInvalidRequest,
		Code:    "INVALID_REQUEST",
	}
}

func rateLimited(d ratelimit.Decision) *apiError {
	if d.Reason == ratelimit.ReasonMonthly {
		return &apiError{
			Status:  http.StatusTooManyRequests,
			Message: fmt.Sprintf("Monthly request quota of %d exceeded", d.Limit),
			Type:    typeRateLimit,
			Code:    "MONTHLY_QUOTA_EXCEEDED",
		}
	}
	return &apiError{
		Status:  http.StatusTooManyRequests,
		Message: "Rate limit exceeded, please slow down",
		Type:    typeRateLimit,
		Code:    "RATE_LIMIT_EXCEEDED",
	}
}

// keyError maps a provider key lookup failure. A key that does not decrypt
// is reported as a configuration error, never as a missing key.
func keyError(name providers.Name, userID string, err error) *apiError {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return &apiError{
			Status:  http.StatusUnauthorized,
			Message: name.DisplayName() + " API key not configured",
			Type:    typeAPIKeyMissing,
			Code:    name.Code() + "_KEY_NOT_CONFIGURED",
		}
	case errors.Is(err, vault.ErrAuthenticationFailed):
		logger.Logger.Error("stored provider key failed to decrypt",
			zap.String("user_id", userID),
			zap.String("provider", string(name)),
		)
		return &apiError{
			Status:  http.StatusInternalServerError,
			Message: "Server configuration error",
			Type:    typeServer,
			Code:    "CONFIG_ERROR",
		}
	}
	logger.Logger.Error("provider key lookup failed", zap.String("user_id", userID), zap.Error(err))
	return errInternal()
}

func upstreamError(name providers.Name, err error) *apiError {
	var upErr *providers.UpstreamError
	if !errors.As(err, &upErr) {
		logger.Logger.Error("failed to build upstream request", zap.String("provider", string(name)), zap.Error(err))
		return errInternal()
	}

	switch upErr.Kind {
	case providers.KindConnection:
		metrics.UpstreamError(string(name), "connection")
		logger.Logger.Warn("upstream connection failed", zap.String("provider", string(name)), zap.Error(upErr.Err))
		return &apiError{
			Status:  http.StatusBadGateway,
			Message: "Failed to connect to " + name.DisplayName(),
			Type:    typeUpstream,
			Code:    name.Code() + "_CONNECTION_ERROR",
		}
	case providers.KindParse:
		metrics.UpstreamError(string(name), "parse")
		logger.Logger.Warn("upstream response unreadable", zap.String("provider", string(name)), zap.Error(upErr.Err))
		return &apiError{
			Status:  http.StatusBadGateway,
			Message: "Failed to parse " + name.DisplayName() + " response",
			Type:    typeUpstream,
			Code:    name.Code() + "_PARSE_ERROR",
		}
	}

	metrics.UpstreamError(string(name), "status")
	logger.Logger.Warn("upstream returned an error",
		zap.String("provider", string(name)),
		zap.Int("status", upErr.StatusCode),
	)
	return &apiError{
		Status:        http.StatusBadGateway,
		Message:       fmt.Sprintf("%s returned status %d", name.DisplayName(), upErr.StatusCode),
		Type:          typeUpstream,
		Code:          "UPSTREAM_ERROR",
		ProviderError: providerErrorBody(upErr.Body),
	}
}
