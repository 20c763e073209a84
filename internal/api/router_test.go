package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/api/handlers"
	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/encountersync"
	"github.com/drfirst/go-shrsync/internal/ledger"
	"github.com/drfirst/go-shrsync/internal/upload"
)

type nopProcessor struct{}

func (nopProcessor) Process(context.Context, []byte) (*encountersync.BatchResult, error) {
	return &encountersync.BatchResult{}, nil
}

type nopUploader struct{}

func (nopUploader) Upload(context.Context, *emr.Patient, string) (*upload.Result, error) {
	return &upload.Result{}, nil
}

func newTestRouter(keys []string) http.Handler {
	logger := zap.NewNop()
	return NewRouter(
		RouterConfig{ServiceName: "test", APIKeys: keys, CORSOrigins: []string{"*"}, RateLimitRPM: 1000},
		handlers.NewSyncHandler(nopProcessor{}, nil, emr.NewMemoryStore(), nopUploader{}, logger),
		handlers.NewLedgerHandler(ledger.NewMemoryStore(), logger),
		handlers.NewHealthHandler(nil, nil, nil),
		logger,
	)
}

func TestRouterAuth(t *testing.T) {
	r := newTestRouter([]string{"k-123456"})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/ledger/stats", nil)
	req.Header.Set("X-API-Key", "k-123456")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterCORSPreflight(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodOptions, "/sync/messages", nil)
	req.Header.Set("Origin", "http://emr.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
