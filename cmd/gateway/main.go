package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/cache"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/handlers"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/providers"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/ratelimit"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/usage"
	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/vault"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/config"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/database"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/redis"
)

func main() {
	if err := run(); err != nil {
		logger.Logger.Error("gateway exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Debug); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Logger.Info("starting webrana gateway", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Logger.Info("connected to PostgreSQL")

	health := []handlers.HealthCheck{db.Ping}

	// Redis is only needed for shared counters; the cache follows the limiter
	var redisClient *redis.Client
	if cfg.RateLimitStore == "redis" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		health = append(health, redisClient.Ping)
		logger.Logger.Info("connected to Redis")
	} else {
		logger.Logger.Warn("rate limit counters and cache are in memory; limits are per instance")
	}

	store, kv := selectBackends(redisClient)
	limiter := ratelimit.New(store, cfg.BurstLimit)

	var responseCache *cache.Cache
	if cfg.CacheEnabled {
		responseCache = cache.New(kv, time.Duration(cfg.CacheTTLSeconds)*time.Second)
		logger.Logger.Info("response cache enabled", zap.Int("ttl_seconds", cfg.CacheTTLSeconds))
	}

	// Credential vault
	cipher, err := vault.NewCipher(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("failed to init vault: %w", err)
	}
	keyring := vault.NewKeyring(cipher, db)
	issuer := vault.NewIssuer(db, vault.DefaultHashParams)

	router := providers.NewRouter(providers.Endpoints{
		OpenAI:    cfg.OpenAIBaseURL,
		Anthropic: cfg.AnthropicBaseURL,
		Google:    cfg.GoogleBaseURL,
		Qwen:      cfg.QwenBaseURL,
	})
	client := providers.NewClient(cfg.UpstreamTimeout)

	recorder := usage.NewRecorder(db, cfg.UsageWorkers, cfg.UsageQueueSize)

	handler := handlers.NewRouter(handlers.Routes{
		Chat:           handlers.NewChatHandler(router, client, limiter, keyring, recorder, responseCache),
		Usage:          handlers.NewUsageHandler(limiter),
		Middleware:     handlers.NewMiddleware(issuer, db),
		MetricsEnabled: cfg.MetricsEnabled,
		Health:         health,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Strings("routes", []string{"POST /v1/chat/completions", "GET /v1/usage", "GET /health", "GET /metrics"}),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			recorder.Close()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-sigChan:
	}

	logger.Logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("server shutdown error", zap.Error(err))
	}

	// Flush pending usage rows before the database closes
	recorder.Close()

	logger.Logger.Info("server stopped")
	return nil
}

// selectBackends picks the counter store and cache backend. A nil client
// means single-instance mode with everything held in memory.
func selectBackends(rc *redis.Client) (ratelimit.Store, cache.KV) {
	if rc == nil {
		return ratelimit.NewMemoryStore(), cache.NewMemoryKV()
	}
	return rc, rc
}
