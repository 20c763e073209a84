// Package api assembles the HTTP surface of the sync service.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/api/handlers"
	"github.com/drfirst/go-shrsync/internal/api/middleware"
)

// RouterConfig holds the cross-cutting HTTP settings.
type RouterConfig struct {
	ServiceName  string
	APIKeys      []string
	CORSOrigins  []string
	RateLimitRPM int
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter mounts the handlers. /health, /ready and /metrics are
// unauthenticated and not rate limited.
func NewRouter(cfg RouterConfig, sync *handlers.SyncHandler, ledger *handlers.LedgerHandler, health *handlers.HealthHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPM > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitRPM, time.Minute))
		}
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/sync", sync.Routes())
		r.Mount("/ledger", ledger.Routes())
	})
	return r
}
