package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/metrics"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Routes holds everything the HTTP router serves
type Routes struct {
	Chat           *ChatHandler
	Usage          *UsageHandler
	Middleware     *Middleware
	MetricsEnabled bool
	Health         []HealthCheck
}

// NewRouter builds the gateway's HTTP routes
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.Middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range rt.Health {
			if err := check(r.Context()); err != nil {
				http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if rt.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(rt.Middleware.AuthMiddleware)

		r.Post("/chat/completions", rt.Chat.HandleChatCompletion)
		r.Get("/usage", rt.Usage.HandleGetUsage)
	})

	return r
}
