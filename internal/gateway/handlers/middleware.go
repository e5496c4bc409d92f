package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/vault"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

// CredentialValidator resolves a presented proxy key. *vault.Issuer implements it.
type CredentialValidator interface {
	Validate(ctx context.Context, secret string) (*models.ProxyCredential, error)
}

// PlanLookup returns a user's plan tier. *database.DB implements it.
type PlanLookup interface {
	GetUserPlan(ctx context.Context, userID string) (string, error)
}

type callerKey struct{}

// WithCaller attaches the authenticated caller to ctx
func WithCaller(ctx context.Context, c *models.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller set by AuthMiddleware
func CallerFrom(ctx context.Context) (*models.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*models.Caller)
	return c, ok && c != nil
}

type Middleware struct {
	keys  CredentialValidator
	plans PlanLookup
}

func NewMiddleware(keys CredentialValidator, plans PlanLookup) *Middleware {
	return &Middleware{
		keys:  keys,
		plans: plans,
	}
}

// AuthMiddleware validates proxy keys and resolves the caller's plan
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, &apiError{
				Status:  http.StatusUnauthorized,
				Message: "API key required",
				Type:    typeAuthentication,
				Code:    "MISSING_API_KEY",
			})
			return
		}

		secret, ok := strings.CutPrefix(authHeader, "Bearer ")
		secret = strings.TrimSpace(secret)
		if !ok || secret == "" {
			writeError(w, invalidKey())
			return
		}

		cred, err := m.keys.Validate(r.Context(), secret)
		if errors.Is(err, vault.ErrInvalidCredential) {
			logger.Logger.Debug("rejected proxy key", zap.String("remote", r.RemoteAddr))
			writeError(w, invalidKey())
			return
		}
		if err != nil {
			logger.Logger.Error("proxy key validation failed", zap.Error(err))
			writeError(w, errInternal())
			return
		}

		tier, err := m.plans.GetUserPlan(r.Context(), cred.UserID)
		if err != nil {
			logger.Logger.Error("failed to load user plan", zap.String("user_id", cred.UserID), zap.Error(err))
			writeError(w, errInternal())
			return
		}

		caller := &models.Caller{
			UserID:     cred.UserID,
			ProxyKeyID: cred.ID,
			Plan:       models.PlanFor(models.PlanTier(tier)),
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func invalidKey() *apiError {
	return &apiError{
		Status:  http.StatusUnauthorized,
		Message: "Invalid or revoked API key",
		Type:    typeAuthentication,
		Code:    "INVALID_API_KEY",
	}
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Provider, X-Latency-Ms, X-RateLimit-Limit, X-RateLimit-Remaining, X-Cache-Hit, Retry-After")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request through zap
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			logger.Logger.Info("request",
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
