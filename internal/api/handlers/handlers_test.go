package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/encountersync"
	"github.com/drfirst/go-shrsync/internal/feed"
	"github.com/drfirst/go-shrsync/internal/ledger"
	"github.com/drfirst/go-shrsync/internal/upload"
	"github.com/drfirst/go-shrsync/pkg/circuitbreaker"
	"github.com/drfirst/go-shrsync/pkg/workerpool"
)

// fakeProcessor answers by message body.
type fakeProcessor struct{}

func (fakeProcessor) Process(_ context.Context, data []byte) (*encountersync.BatchResult, error) {
	ok := &encountersync.BatchResult{Results: []encountersync.EventResult{
		{EncounterID: "shr-1", Outcome: encountersync.OutcomeApplied, Attempts: 1},
	}}
	switch string(data) {
	case `"bad"`:
		return nil, errors.Join(feed.ErrMalformed, errors.New("decode"))
	case `"abort"`:
		return ok, &encountersync.BatchSyncError{EncounterID: "shr-2", Cause: errors.New("boom")}
	case `"down"`:
		return nil, errors.New("db down")
	}
	return ok, nil
}

type fakeUploader struct{ queued bool }

func (u fakeUploader) Upload(_ context.Context, _ *emr.Patient, id string) (*upload.Result, error) {
	if id == "missing" {
		return nil, upload.ErrEncounterNotFound
	}
	return &upload.Result{EncounterUUID: id, Queued: u.queued}, nil
}

func newSyncHandler(t *testing.T) *SyncHandler {
	t.Helper()
	proc := fakeProcessor{}
	pool, err := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 8}, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		res, err := proc.Process(ctx, task.Payload.([]byte))
		return &workerpool.Result{Success: err == nil, Error: err, Data: res, Permanent: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })

	patients := emr.NewMemoryStore()
	require.NoError(t, patients.SavePatient(context.Background(), &emr.Patient{UUID: "pat-1", HealthID: "hid-1"}))
	return NewSyncHandler(proc, pool, patients, fakeUploader{queued: true}, nil)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestApply(t *testing.T) {
	routes := newSyncHandler(t).Routes()

	tests := []struct {
		body   string
		status int
		failed string
	}{
		{`"ok"`, http.StatusOK, ""},
		{`"bad"`, http.StatusBadRequest, ""},
		{`"abort"`, http.StatusUnprocessableEntity, "shr-2"},
		{`"down"`, http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			rec := post(t, routes, "/messages", tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var resp BatchResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.failed, resp.FailedAtEvent)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "sync failed", resp.Error)
			}
		})
	}
}

func TestImport(t *testing.T) {
	routes := newSyncHandler(t).Routes()

	rec := post(t, routes, "/import", `{"messages":["ok","abort","ok"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ImportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "shr-2", resp.Messages[1].FailedAtEvent)
	assert.Empty(t, resp.Messages[0].Error)

	assert.Equal(t, http.StatusBadRequest, post(t, routes, "/import", `{"messages":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, routes, "/import", `{`).Code)
}

func TestUpload(t *testing.T) {
	routes := newSyncHandler(t).Routes()

	assert.Equal(t, http.StatusAccepted, post(t, routes, "/patients/hid-1/encounters/enc-1/upload", "").Code)
	assert.Equal(t, http.StatusNotFound, post(t, routes, "/patients/hid-1/encounters/missing/upload", "").Code)
	assert.Equal(t, http.StatusNotFound, post(t, routes, "/patients/unknown/encounters/enc-1/upload", "").Code)
}

func TestLedgerLookups(t *testing.T) {
	store := ledger.NewMemoryStore()
	require.NoError(t, store.SaveOrUpdate(context.Background(), &ledger.IdMapping{
		InternalID: "enc-uuid",
		ExternalID: "shr-enc-1",
		EntityType: ledger.EntityEncounter,
		HealthID:   "hid-1",
	}))
	routes := NewLedgerHandler(store, nil).Routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/ENCOUNTER/external/shr-enc-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var m ledger.IdMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "enc-uuid", m.InternalID)

	assert.Equal(t, http.StatusOK, get("/ENCOUNTER/internal/enc-uuid").Code)
	assert.Equal(t, http.StatusNotFound, get("/ENCOUNTER/external/nope").Code)
	assert.Equal(t, http.StatusBadRequest, get("/WIDGET/external/shr-enc-1").Code)

	rec = get("/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats ledger.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Total)
}

func TestHealthAndReady(t *testing.T) {
	breakers := circuitbreaker.NewRegistry()
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("concepts"), nil)
	require.NoError(t, err)
	breakers.Register(cb)

	h := NewHealthHandler(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"kafka":    func(context.Context) error { return errors.New("no brokers") },
	}, breakers, nil)

	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Breakers, 1)
	assert.Equal(t, circuitbreaker.StateClosed, health.Breakers[0].State)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var ready HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Checks["postgres"])
	assert.Equal(t, "no brokers", ready.Checks["kafka"])
}
