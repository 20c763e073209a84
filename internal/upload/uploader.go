// Package upload bundles locally recorded encounters for the shared health
// record and queues them on the outbox topic the exchange client drains.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/encountersync"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-shrsync/internal/ledger"
	"github.com/drfirst/go-shrsync/internal/mapper"
	"github.com/drfirst/go-shrsync/internal/observability/metrics"
)

// EventTypeEncounterUpload is the outbox event type of queued uploads.
const EventTypeEncounterUpload = "EncounterUpload"

// ErrEncounterNotFound is returned when the encounter to upload does not exist.
var ErrEncounterNotFound = errors.New("encounter not found")

// Result reports what Upload did.
type Result struct {
	EncounterUUID string `json:"encounter_uuid"`
	Queued        bool   `json:"queued"`
	// SkipReason is set when Queued is false.
	SkipReason string `json:"skip_reason,omitempty"`
	OutboxID   int64  `json:"outbox_id,omitempty"`
	Resources  int    `json:"resources,omitempty"`
}

// Message is the outbox payload of an upload.
type Message struct {
	HealthID      string `json:"health_id"`
	EncounterUUID string `json:"encounter_uuid"`
	// EncounterID is the exchange id when the encounter was uploaded before.
	EncounterID string       `json:"encounter_id,omitempty"`
	Bundle      *fhir.Bundle `json:"bundle"`
}

// Deps are the collaborators of an Uploader. UnitOfWork, Write and Metrics are optional.
type Deps struct {
	Encounters emr.EncounterStore
	Ledger     ledger.Store
	Outbound   *mapper.OutboundRegistry
	UnitOfWork encountersync.UnitOfWork
	Write      func(ctx context.Context, entry *postgres.OutboxEntry) error
	Metrics    *metrics.Metrics
}

// Config holds uploader settings.
type Config struct {
	Props        mapper.Properties
	SystemUserID string
	Topic        string
}

// Uploader queues EMR encounters for upload.
type Uploader struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewUploader creates an uploader.
func NewUploader(deps Deps, cfg Config, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Write == nil {
		deps.Write = postgres.WriteEntry
	}
	if cfg.Topic == "" {
		cfg.Topic = redpanda.TopicEncounterOutbound
	}
	return &Uploader{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("encounter-upload"),
		now:    time.Now,
	}
}

// Upload bundles the encounter and queues it. Encounters last changed by the
// system user came from the exchange and are skipped.
func (u *Uploader) Upload(ctx context.Context, patient *emr.Patient, encounterUUID string) (*Result, error) {
	ctx, span := u.tracer.Start(ctx, "upload_encounter",
		trace.WithAttributes(attribute.String("encounter_uuid", encounterUUID)))
	defer span.End()

	res := &Result{EncounterUUID: encounterUUID}

	enc, err := u.deps.Encounters.GetEncounter(ctx, encounterUUID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load encounter: %w", err)
	}
	if enc == nil || enc.PatientUUID != patient.UUID {
		return nil, ErrEncounterNotFound
	}

	if u.changedBySystem(enc) {
		res.SkipReason = "changed_by_system_user"
		u.logger.Debug("encounter not uploaded",
			zap.String("encounter_uuid", encounterUUID),
			zap.String("reason", res.SkipReason))
		return res, nil
	}

	msg := &Message{HealthID: patient.HealthID, EncounterUUID: enc.UUID}
	mapping, err := u.deps.Ledger.FindByInternalID(ctx, enc.UUID, ledger.EntityEncounter)
	if err != nil {
		return nil, fmt.Errorf("load encounter mapping: %w", err)
	}
	if mapping != nil {
		msg.EncounterID = mapping.ExternalID
	}

	msg.Bundle, err = u.Bundle(ctx, enc, patient.HealthID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Resources = len(msg.Bundle.Entry)

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal upload: %w", err)
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   enc.UUID,
		AggregateType: "Encounter",
		EventType:     EventTypeEncounterUpload,
		Payload:       payload,
		Topic:         u.cfg.Topic,
		Key:           patient.HealthID,
	}
	if err := u.queue(ctx, entry); err != nil {
		span.RecordError(err)
		return nil, err
	}

	res.Queued = true
	res.OutboxID = entry.ID
	u.deps.Metrics.Uploaded()
	u.logger.Info("encounter queued for upload",
		zap.String("encounter_uuid", enc.UUID),
		zap.String("health_id", patient.HealthID),
		zap.Int("resources", res.Resources))
	return res, nil
}

func (u *Uploader) changedBySystem(enc *emr.Encounter) bool {
	if u.cfg.SystemUserID == "" {
		return false
	}
	by := enc.ChangedBy
	if by == "" {
		by = enc.Creator
	}
	return by == u.cfg.SystemUserID
}

func (u *Uploader) queue(ctx context.Context, entry *postgres.OutboxEntry) error {
	if u.deps.UnitOfWork == nil {
		return u.deps.Write(ctx, entry)
	}
	txCtx, tx, err := u.deps.UnitOfWork.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := u.deps.Write(txCtx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Bundle renders the encounter as a document bundle: a Composition, the
// Encounter and the resources of every top-level obs.
func (u *Uploader) Bundle(ctx context.Context, enc *emr.Encounter, healthID string) (*fhir.Bundle, error) {
	props := u.cfg.Props
	now := u.now()

	b := fhir.NewBundle("collection")
	b.ID = uuid.NewString()
	b.Meta = &fhir.Meta{LastUpdated: &now}

	fe := mapper.NewFHIREncounter(enc, healthID, props)
	encRef := "urn:uuid:" + enc.UUID
	comp := &fhir.Composition{
		ResourceType:    fhir.TypeComposition,
		ID:              uuid.NewString(),
		Identifier:      &fhir.Identifier{Value: "urn:uuid:" + b.ID},
		Status:          fhir.StatusFinal,
		Subject:         &fhir.Reference{Reference: props.URIs.Patient(healthID)},
		Encounter:       &fhir.Reference{Reference: encRef},
		Date:            &now,
		Title:           "Patient Clinical Encounter",
		Confidentiality: fhir.ConfidentialityNormal.String(),
	}
	if props.FacilityID != "" {
		comp.Author = []fhir.Reference{{Reference: "Organization/" + props.FacilityID}}
	}
	b.Add("urn:uuid:"+comp.ID, comp)
	b.Add(encRef, fe)

	out := &mapper.OutboundContext{
		Bundle:        b,
		Encounter:     enc,
		FHIREncounter: fe,
		HealthID:      healthID,
		Props:         props,
	}
	if err := u.deps.Outbound.MapEncounter(ctx, out); err != nil {
		return nil, fmt.Errorf("map encounter %s: %w", enc.UUID, err)
	}

	section := fhir.CompositionSection{}
	for _, e := range b.Entry[1:] {
		section.Entry = append(section.Entry, fhir.Reference{Reference: e.FullURL})
	}
	comp.Section = []fhir.CompositionSection{section}
	return b, nil
}
