package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/farmchat/internal/api/middleware"
	"github.com/eldtechnologies/farmchat/internal/handlers"
	"github.com/eldtechnologies/farmchat/internal/store"
)

// Options configures the HTTP surface.
type Options struct {
	MaxBodyBytes   int64
	AllowedOrigins []string
	RateLimit      middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router. ws serves the chat
// WebSocket endpoint; redisStore enables rate limiting and may be nil.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, ws http.Handler, redisStore *store.RedisStore, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting needs shared counters, so it only runs with Redis
	if redisStore != nil {
		limiter := middleware.NewRateLimiter(redisStore.Client(), logger, opts.RateLimit)
		r.Use(limiter.Middleware)
	}

	allowedOrigins := opts.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Live messaging
	r.Handle("/ws", ws)

	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/history/{userId}/{otherUserId}", h.History)
		r.Post("/send", h.Send)
		r.Get("/recent/{userId}", h.Recent)
		r.Get("/presence/{userId}", h.Presence)
	})

	return r
}
