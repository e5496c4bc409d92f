package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default upstream endpoints. Overridable per deployment (regional DashScope,
// proxies) and in tests.
const (
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	DefaultGoogleBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	DefaultQwenBaseURL      = "https://dashscope.aliyuncs.com/api/v1"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port         string
	Env          string
	Debug        bool
	WriteTimeout time.Duration

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Vault
	MasterKey []byte

	// Rate Limiting
	RateLimitStore string // "redis" or "memory"
	BurstLimit     int

	// Upstream
	UpstreamTimeout  time.Duration
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GoogleBaseURL    string
	QwenBaseURL      string

	// Caching
	CacheTTLSeconds int
	CacheEnabled    bool

	// Usage recording
	UsageWorkers   int
	UsageQueueSize int

	MetricsEnabled bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		WriteTimeout:     time.Duration(getEnvInt("WRITE_TIMEOUT_SECONDS", 300)) * time.Second,
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		RateLimitStore:   getEnv("RATE_LIMIT_STORE", "redis"),
		BurstLimit:       getEnvInt("BURST_LIMIT", 60),
		UpstreamTimeout:  time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 120)) * time.Second,
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", DefaultOpenAIBaseURL),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", DefaultAnthropicBaseURL),
		GoogleBaseURL:    getEnv("GOOGLE_BASE_URL", DefaultGoogleBaseURL),
		QwenBaseURL:      getEnv("QWEN_BASE_URL", DefaultQwenBaseURL),
		CacheTTLSeconds:  getEnvInt("CACHE_TTL_SECONDS", 3600),
		CacheEnabled:     getEnvBool("CACHE_ENABLED", false),
		UsageWorkers:     getEnvInt("USAGE_WORKERS", 4),
		UsageQueueSize:   getEnvInt("USAGE_QUEUE_SIZE", 1024),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
	}
	cfg.Debug = getEnvBool("DEBUG", cfg.Env == "development")

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	masterKey, err := ParseMasterKey(os.Getenv("MASTER_ENCRYPTION_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.MasterKey = masterKey

	if cfg.RateLimitStore != "redis" && cfg.RateLimitStore != "memory" {
		return nil, fmt.Errorf("RATE_LIMIT_STORE must be \"redis\" or \"memory\", got %q", cfg.RateLimitStore)
	}
	if cfg.BurstLimit <= 0 {
		return nil, fmt.Errorf("BURST_LIMIT must be positive")
	}
	if cfg.UsageWorkers <= 0 {
		cfg.UsageWorkers = 1
	}

	return cfg, nil
}

// ParseMasterKey decodes a base64 master key and checks it is exactly 32 bytes.
func ParseMasterKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("MASTER_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("MASTER_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MASTER_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
