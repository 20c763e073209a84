package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-shrsync/internal/api/middleware"
	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/encountersync"
	"github.com/drfirst/go-shrsync/internal/feed"
	"github.com/drfirst/go-shrsync/internal/upload"
	"github.com/drfirst/go-shrsync/pkg/workerpool"
)

// maxBody bounds request bodies; encounter bundles with attachments can be large.
const maxBody = 32 << 20

// MessageProcessor applies one feed message.
type MessageProcessor interface {
	Process(ctx context.Context, data []byte) (*encountersync.BatchResult, error)
}

// Uploader queues an EMR encounter for upload.
type Uploader interface {
	Upload(ctx context.Context, patient *emr.Patient, encounterUUID string) (*upload.Result, error)
}

// SyncHandler handles encounter sync endpoints
type SyncHandler struct {
	processor MessageProcessor
	pool      *workerpool.Pool
	patients  emr.PatientStore
	uploader  Uploader
	validate  *validator.Validate
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewSyncHandler creates a new handler. pool runs import requests.
func NewSyncHandler(processor MessageProcessor, pool *workerpool.Pool, patients emr.PatientStore, uploader Uploader, logger *zap.Logger) *SyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{
		processor: processor,
		pool:      pool,
		patients:  patients,
		uploader:  uploader,
		validate:  validator.New(),
		logger:    logger,
		tracer:    otel.Tracer("sync-handler"),
	}
}

// Routes returns the handler routes
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", h.Apply)
	r.Post("/import", h.Import)
	r.Post("/patients/{healthId}/encounters/{encounterUuid}/upload", h.Upload)
	return r
}

// BatchResponse reports the outcome of one feed message.
type BatchResponse struct {
	Results []encountersync.EventResult `json:"results"`
	// Error is set when the batch was aborted; results before it are committed.
	Error         string `json:"error,omitempty"`
	FailedAtEvent string `json:"failed_at_encounter,omitempty"`
}

// Apply handles POST /sync/messages
func (h *SyncHandler) Apply(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "apply_feed_message")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.processor.Process(ctx, body)
	resp, code := batchResponse(res, err)
	if code >= http.StatusInternalServerError {
		span.RecordError(err)
		h.logger.Error("feed message failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
	}
	span.SetAttributes(attribute.Int("events", len(resp.Results)))
	writeJSON(w, code, resp)
}

func batchResponse(res *encountersync.BatchResult, err error) (BatchResponse, int) {
	resp := BatchResponse{Results: []encountersync.EventResult{}}
	if res != nil {
		resp.Results = res.Results
	}
	if err == nil {
		return resp, http.StatusOK
	}

	resp.Error = err.Error()
	var batchErr *encountersync.BatchSyncError
	switch {
	case errors.Is(err, feed.ErrMalformed):
		return resp, http.StatusBadRequest
	case errors.As(err, &batchErr):
		resp.FailedAtEvent = batchErr.EncounterID
		return resp, http.StatusUnprocessableEntity
	default:
		resp.Error = "sync failed"
		return resp, http.StatusInternalServerError
	}
}

// ImportRequest carries several feed messages applied concurrently.
type ImportRequest struct {
	Messages []json.RawMessage `json:"messages" validate:"required,min=1,max=500"`
}

// ImportResponse reports every message of an import in request order.
type ImportResponse struct {
	Messages []BatchResponse `json:"messages"`
	Failed   int             `json:"failed"`
}

// Import handles POST /sync/import
func (h *SyncHandler) Import(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "import_feed_messages")
	defer span.End()

	var req ImportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("messages", len(req.Messages)))

	resp := ImportResponse{Messages: make([]BatchResponse, len(req.Messages))}
	g, gctx := errgroup.WithContext(ctx)
	for i, msg := range req.Messages {
		g.Go(func() error {
			result, err := h.pool.SubmitWait(gctx, &workerpool.Task{
				ID:      fmt.Sprintf("%s-%d", middleware.GetRequestID(ctx), i),
				Payload: []byte(msg),
				Context: gctx,
			})
			if err != nil {
				return err
			}
			batch, _ := result.Data.(*encountersync.BatchResult)
			resp.Messages[i], _ = batchResponse(batch, result.Error)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		jsonError(w, "import interrupted: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	for _, m := range resp.Messages {
		if m.Error != "" {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Upload handles POST /sync/patients/{healthId}/encounters/{encounterUuid}/upload
func (h *SyncHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthID := chi.URLParam(r, "healthId")
	encounterUUID := chi.URLParam(r, "encounterUuid")

	patient, err := h.patients.GetPatientByHealthID(ctx, healthID)
	if err != nil {
		h.logger.Error("load patient failed", zap.String("health_id", healthID), zap.Error(err))
		jsonError(w, "failed to load patient", http.StatusInternalServerError)
		return
	}
	if patient == nil {
		jsonError(w, "patient not found", http.StatusNotFound)
		return
	}

	res, err := h.uploader.Upload(ctx, patient, encounterUUID)
	switch {
	case errors.Is(err, upload.ErrEncounterNotFound):
		jsonError(w, "encounter not found", http.StatusNotFound)
	case err != nil:
		h.logger.Error("upload failed",
			zap.String("encounter_uuid", encounterUUID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "failed to queue upload", http.StatusInternalServerError)
	case res.Queued:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
