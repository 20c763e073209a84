// Package feed decodes encounter feed messages and hands them to the sync
// pipeline. A message carries every new encounter of one patient.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/encountersync"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-shrsync/pkg/workerpool"
)

// UpdatedCategoryLabel prefixes the category term carrying the encounter update time.
const UpdatedCategoryLabel = "encounter_updated_at"

// ErrMalformed marks a message that can never be applied.
var ErrMalformed = errors.New("malformed feed message")

// Message is one feed message.
type Message struct {
	HealthID string  `json:"health_id" validate:"required"`
	Events   []Event `json:"events" validate:"required,min=1,dive"`
}

// Event is one encounter entry of the feed.
type Event struct {
	EncounterID string `json:"encounter_id" validate:"required"`
	// Categories are feed category terms; UpdatedCategoryLabel terms set the update time.
	Categories   []string        `json:"categories,omitempty"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
	UpdateMarker string          `json:"update_marker,omitempty"`
	Bundle       json.RawMessage `json:"bundle" validate:"required"`
}

// Syncer applies a patient's events. *encountersync.Pipeline implements it.
type Syncer interface {
	CreateOrUpdateEncounters(ctx context.Context, patient *emr.Patient, events []*encountersync.EncounterEvent, identity encountersync.SystemIdentity) (*encountersync.BatchResult, error)
}

// Decode parses and validates a feed message.
func Decode(data []byte, validate *validator.Validate) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode feed message: %w", err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("invalid feed message: %w", err)
	}
	return &msg, nil
}

// EncounterEvents converts the message into pipeline events.
func (m *Message) EncounterEvents() ([]*encountersync.EncounterEvent, error) {
	out := make([]*encountersync.EncounterEvent, 0, len(m.Events))
	for _, e := range m.Events {
		bundle, err := fhir.ParseBundle(e.Bundle)
		if err != nil {
			return nil, fmt.Errorf("encounter %s: %w", e.EncounterID, err)
		}
		ev := &encountersync.EncounterEvent{
			EncounterID:  e.EncounterID,
			HealthID:     m.HealthID,
			Bundle:       bundle,
			UpdateMarker: e.UpdateMarker,
		}
		if e.UpdatedAt != nil {
			ev.UpdatedAt = *e.UpdatedAt
		}
		for _, term := range e.Categories {
			if !strings.HasPrefix(term, UpdatedCategoryLabel+":") {
				continue
			}
			t, err := encountersync.ParseUpdatedCategory(term)
			if err != nil {
				return nil, fmt.Errorf("encounter %s: %w", e.EncounterID, err)
			}
			ev.UpdatedAt = t
		}
		out = append(out, ev)
	}
	return out, nil
}

// Processor routes feed messages into the pipeline.
type Processor struct {
	patients emr.PatientStore
	syncer   Syncer
	identity encountersync.SystemIdentity
	validate *validator.Validate
	logger   *zap.Logger
}

// NewProcessor creates a processor.
func NewProcessor(patients emr.PatientStore, syncer Syncer, identity encountersync.SystemIdentity, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		patients: patients,
		syncer:   syncer,
		identity: identity,
		validate: validator.New(),
		logger:   logger,
	}
}

// Handle is a redpanda.MessageHandler. Malformed messages and aborted
// batches are dead-lettered without redelivery.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	_, err := p.Process(ctx, msg.Value)
	if err != nil && (errors.Is(err, ErrMalformed) || isBatchError(err)) {
		return errors.Join(redpanda.ErrNoRetry, err)
	}
	return err
}

// Process decodes data and applies its events. Decoding failures are not
// retryable; they are returned wrapped in ErrMalformed.
func (p *Processor) Process(ctx context.Context, data []byte) (*encountersync.BatchResult, error) {
	msg, err := Decode(data, p.validate)
	if err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return p.Apply(ctx, msg)
}

// Apply runs the events of a decoded message.
func (p *Processor) Apply(ctx context.Context, msg *Message) (*encountersync.BatchResult, error) {
	events, err := msg.EncounterEvents()
	if err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}

	patient, err := p.patient(ctx, msg.HealthID)
	if err != nil {
		return nil, err
	}

	res, err := p.syncer.CreateOrUpdateEncounters(ctx, patient, events, p.identity)
	if res != nil {
		p.logger.Info("feed message applied",
			zap.String("health_id", msg.HealthID),
			zap.Int("events", len(events)),
			zap.Int("applied", res.Count(encountersync.OutcomeApplied)),
			zap.Int("failed", res.Count(encountersync.OutcomeFailed)))
	}
	return res, err
}

// patient returns the EMR patient for healthID, registering it on first sight.
func (p *Processor) patient(ctx context.Context, healthID string) (*emr.Patient, error) {
	patient, err := p.patients.GetPatientByHealthID(ctx, healthID)
	if err != nil {
		return nil, fmt.Errorf("load patient %s: %w", healthID, err)
	}
	if patient != nil {
		return patient, nil
	}

	now := time.Now()
	patient = &emr.Patient{
		UUID:        uuid.NewString(),
		HealthID:    healthID,
		ChangedBy:   p.identity.SystemUserID,
		DateChanged: &now,
	}
	if err := p.patients.SavePatient(ctx, patient); err != nil {
		return nil, fmt.Errorf("register patient %s: %w", healthID, err)
	}
	p.logger.Info("patient registered from feed", zap.String("health_id", healthID))
	return patient, nil
}

// Work is a workerpool.WorkerFunc applying the raw message in task.Payload.
// Malformed messages fail permanently.
func (p *Processor) Work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	data, ok := task.Payload.([]byte)
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("task %s: payload is %T, want []byte", task.ID, task.Payload), Permanent: true}
	}
	res, err := p.Process(ctx, data)
	return &workerpool.Result{
		Success:   err == nil,
		Error:     err,
		Data:      res,
		Permanent: err == nil || errors.Is(err, ErrMalformed) || isBatchError(err),
	}
}

// isBatchError reports a failure the pipeline has already retried.
func isBatchError(err error) bool {
	var be *encountersync.BatchSyncError
	return errors.As(err, &be)
}
