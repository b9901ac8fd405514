package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geistlabs/geistai-sub001/internal/identity"
	"github.com/geistlabs/geistai-sub001/internal/middleware"
)

// NewRouter wires the relay routes. limiter may be nil to disable throttling.
func NewRouter(base *Handler, limiter *RateLimiter) http.Handler {
	identityHeader := identity.DefaultUserHeader
	isDev := true
	origins := []string{"*"}
	if base.cfg != nil {
		identityHeader = base.cfg.Orchestrator.IdentityHeader
		isDev = base.cfg.IsDevelopment()
		origins = base.cfg.AllowedOrigins()
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.CORSConfig{
		Origins:        origins,
		RequestHeaders: []string{identityHeader, identity.SessionHeaderName},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         10 * time.Minute,
	}))

	// Public routes.
	NewHealthHandler(base.repo).RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identityHeader, isDev))
		NewConversationHandler(base, limiter).RegisterRoutes(r)
		r.Get("/ws/conversations/{id}", NewLiveHandler(base).ServeHTTP)
	})

	return r
}
