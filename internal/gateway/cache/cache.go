// Package cache stores non-streaming chat responses keyed by the caller and
// the exact request, so a repeated request can be answered without an
// upstream call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/providers"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/redis"
)

// KV is the key-value store behind the cache. *redis.Client implements it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

var _ KV = (*redis.Client)(nil)

// Entry is a cached response body together with the usage it reported
type Entry struct {
	Provider providers.Name  `json:"provider"`
	Body     json.RawMessage `json:"body"`
	Usage    openai.Usage    `json:"usage"`
}

type Cache struct {
	kv  KV
	ttl time.Duration
}

// New creates a cache writing entries with the given TTL
func New(kv KV, ttl time.Duration) *Cache {
	return &Cache{kv: kv, ttl: ttl}
}

// cacheKey covers every field that can change the completion. Entries are
// scoped per user so one caller never sees another's response.
func cacheKey(userID string, req *providers.ChatRequest) string {
	keyData, _ := json.Marshal(struct {
		User             string                         `json:"u"`
		Model            string                         `json:"m"`
		Messages         []openai.ChatCompletionMessage `json:"msgs"`
		Temperature      *float32                       `json:"t"`
		MaxTokens        *int                           `json:"mt"`
		TopP             *float32                       `json:"tp"`
		Stop             []string                       `json:"s"`
		FrequencyPenalty *float32                       `json:"fp"`
		PresencePenalty  *float32                       `json:"pp"`
	}{
		userID, req.Model, req.Messages, req.Temperature, req.MaxTokens,
		req.TopP, req.Stop, req.FrequencyPenalty, req.PresencePenalty,
	})

	hash := sha256.Sum256(keyData)
	return "cache:exact:" + hex.EncodeToString(hash[:])
}

// Get returns the cached entry for req. Store errors are treated as a miss.
func (c *Cache) Get(ctx context.Context, userID string, req *providers.ChatRequest) (*Entry, bool) {
	val, err := c.kv.Get(ctx, cacheKey(userID, req))
	if err != nil {
		if !errors.Is(err, redis.ErrKeyNotFound) {
			logger.Logger.Warn("cache lookup failed", zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		logger.Logger.Warn("discarding unreadable cache entry", zap.Error(err))
		return nil, false
	}
	return &entry, true
}

// Set stores a response for req
func (c *Cache) Set(ctx context.Context, userID string, req *providers.ChatRequest, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return c.kv.Set(ctx, cacheKey(userID, req), string(data), c.ttl)
}

// MemoryKV is an in-process KV for single-instance deployments
type MemoryKV struct {
	items *gocache.Cache
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: gocache.New(10*time.Minute, 30*time.Minute)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return v.(string), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.items.Set(key, value, ttl)
	return nil
}
