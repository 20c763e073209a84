package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/ledger"
)

// LedgerReader is the read side of the id mapping ledger.
type LedgerReader interface {
	FindByExternalID(ctx context.Context, externalID string, t ledger.EntityType) (*ledger.IdMapping, error)
	FindByInternalID(ctx context.Context, internalID string, t ledger.EntityType) (*ledger.IdMapping, error)
	GetStats(ctx context.Context) (*ledger.Stats, error)
}

// LedgerHandler serves id mapping lookups
type LedgerHandler struct {
	ledger LedgerReader
	logger *zap.Logger
}

// NewLedgerHandler creates a new handler
func NewLedgerHandler(l LedgerReader, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{ledger: l, logger: logger}
}

// Routes returns the handler routes
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Get("/{entityType}/external/{id}", h.byID(h.ledger.FindByExternalID))
	r.Get("/{entityType}/internal/{id}", h.byID(h.ledger.FindByInternalID))
	return r
}

type findFunc func(ctx context.Context, id string, t ledger.EntityType) (*ledger.IdMapping, error)

func (h *LedgerHandler) byID(find findFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityType := ledger.EntityType(chi.URLParam(r, "entityType"))
		if !entityType.Valid() {
			jsonError(w, "unknown entity type", http.StatusBadRequest)
			return
		}
		id := chi.URLParam(r, "id")

		m, err := find(r.Context(), id, entityType)
		if err != nil {
			h.logger.Error("ledger lookup failed", zap.String("id", id), zap.Error(err))
			jsonError(w, "ledger lookup failed", http.StatusInternalServerError)
			return
		}
		if m == nil {
			jsonError(w, "mapping not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// Stats handles GET /ledger/stats
func (h *LedgerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GetStats(r.Context())
	if err != nil {
		h.logger.Error("ledger stats failed", zap.Error(err))
		jsonError(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
