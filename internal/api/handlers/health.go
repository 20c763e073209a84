package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/drfirst/go-shrsync/pkg/circuitbreaker"
	"github.com/drfirst/go-shrsync/pkg/workerpool"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler reports liveness and readiness.
type HealthHandler struct {
	checks   map[string]Check
	breakers *circuitbreaker.Registry
	pool     *workerpool.Pool
}

// NewHealthHandler creates a health handler. breakers and pool may be nil.
func NewHealthHandler(checks map[string]Check, breakers *circuitbreaker.Registry, pool *workerpool.Pool) *HealthHandler {
	return &HealthHandler{checks: checks, breakers: breakers, pool: pool}
}

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks,omitempty"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
	Pool     *workerpool.Stats             `json:"pool,omitempty"`
}

// Health handles GET /health. Open breakers and a backed-up pool degrade it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Health()
		for _, b := range resp.Breakers {
			if !b.Healthy {
				resp.Status = "degraded"
			}
		}
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Pool = &stats
		if !h.pool.IsHealthy() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready by running every check.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}
