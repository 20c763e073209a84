package encountersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/ledger"
	"github.com/drfirst/go-shrsync/internal/mapper"
	"github.com/drfirst/go-shrsync/internal/observability/metrics"
)

// Deps are the collaborators of a Pipeline. Notifier, Death, Locker and
// Metrics are optional.
type Deps struct {
	Ledger     ledger.Store
	Encounters emr.EncounterStore
	Orders     emr.OrderStore
	Patients   emr.PatientStore
	Mapper     *mapper.EncounterMapper
	Merger     PatientMerger
	Death      DeathService
	Notifier   Notifier
	UnitOfWork UnitOfWork
	Locker     Locker
	Metrics    *metrics.Metrics
}

// Config holds pipeline settings.
type Config struct {
	Props mapper.Properties
}

// Pipeline applies encounter events.
type Pipeline struct {
	deps     Deps
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(deps Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Death == nil {
		deps.Death = NewEncounterDeathService()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	return &Pipeline{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		tracer:   otel.Tracer("encounter-sync"),
		now:      time.Now,
	}
}

// EventResult is the outcome of one event of a batch.
type EventResult struct {
	EncounterID string  `json:"encounter_id"`
	Outcome     Outcome `json:"outcome"`
	Attempts    int     `json:"attempts"`
	Error       string  `json:"error,omitempty"`
}

// BatchResult lists per-event outcomes in input order.
type BatchResult struct {
	Results []EventResult `json:"results"`
}

// Count returns how many events ended with outcome o.
func (r *BatchResult) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func lockKey(patient *emr.Patient) string {
	return "patient:" + patient.HealthID
}

// CreateOrUpdateEncounter applies a single event in its own transaction.
func (p *Pipeline) CreateOrUpdateEncounter(ctx context.Context, patient *emr.Patient, ev *EncounterEvent, identity SystemIdentity) (Outcome, error) {
	if p.deps.UnitOfWork == nil {
		return OutcomeFailed, ErrNoTransaction
	}
	release, err := p.deps.Locker.Lock(ctx, lockKey(patient))
	if err != nil {
		return OutcomeFailed, fmt.Errorf("lock patient %s: %w", patient.HealthID, err)
	}
	defer p.unlock(release)

	txCtx, tx, err := p.deps.UnitOfWork.Begin(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	defer tx.Rollback(ctx)

	outcome, err := p.process(txCtx, patient, ev, identity)
	p.deps.Metrics.Outcome(string(outcome))
	if err != nil {
		return outcome, err
	}
	if err := tx.Commit(ctx); err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

// CreateOrUpdateEncounters applies events in order inside one transaction.
// Each event runs behind its own savepoint; a failed event is rolled back and
// retried once after the first pass. If the retry fails too, the retried
// event is rolled back, the work that succeeded is committed and a
// *BatchSyncError is returned.
func (p *Pipeline) CreateOrUpdateEncounters(ctx context.Context, patient *emr.Patient, events []*EncounterEvent, identity SystemIdentity) (*BatchResult, error) {
	if p.deps.UnitOfWork == nil {
		return nil, ErrNoTransaction
	}
	ctx, span := p.tracer.Start(ctx, "sync_encounter_batch",
		trace.WithAttributes(
			attribute.String("health_id", patient.HealthID),
			attribute.Int("events", len(events)),
		))
	defer span.End()
	started := p.now()

	release, err := p.deps.Locker.Lock(ctx, lockKey(patient))
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", patient.HealthID, err)
	}
	defer p.unlock(release)

	txCtx, tx, err := p.deps.UnitOfWork.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	result := &BatchResult{Results: make([]EventResult, len(events))}
	var deferred []int
	for i, ev := range events {
		result.Results[i] = EventResult{EncounterID: ev.EncounterID, Attempts: 1}
		outcome, err := p.attempt(txCtx, tx, savepointName(i, 1), patient, ev, identity)
		result.Results[i].Outcome = outcome
		if err != nil {
			p.logger.Warn("encounter failed, deferred to retry pass",
				zap.String("encounter_id", ev.EncounterID),
				zap.String("health_id", patient.HealthID),
				zap.Error(err))
			result.Results[i].Error = err.Error()
			deferred = append(deferred, i)
		}
	}

	var batchErr error
	for _, i := range deferred {
		ev := events[i]
		result.Results[i].Attempts = 2
		outcome, err := p.attempt(txCtx, tx, savepointName(i, 2), patient, ev, identity)
		result.Results[i].Outcome = outcome
		if err != nil {
			p.logger.Error("encounter failed on retry, aborting batch",
				zap.String("encounter_id", ev.EncounterID),
				zap.String("health_id", patient.HealthID),
				zap.Error(err))
			result.Results[i].Error = err.Error()
			batchErr = &BatchSyncError{EncounterID: ev.EncounterID, Cause: err}
			break
		}
		result.Results[i].Error = ""
	}

	for _, r := range result.Results {
		p.deps.Metrics.Outcome(string(r.Outcome))
	}
	p.deps.Metrics.Batch(started, len(deferred), batchErr != nil)

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return result, fmt.Errorf("commit encounter batch: %w", err)
	}
	if batchErr != nil {
		span.RecordError(batchErr)
		span.SetStatus(codes.Error, "retry pass failed")
		return result, batchErr
	}
	return result, nil
}

func savepointName(index, attempt int) string {
	return fmt.Sprintf("encounter_%d_attempt_%d", index, attempt)
}

// attempt runs one event behind a savepoint, undoing its work on failure.
func (p *Pipeline) attempt(ctx context.Context, tx Transaction, savepoint string, patient *emr.Patient, ev *EncounterEvent, identity SystemIdentity) (Outcome, error) {
	if err := tx.Savepoint(ctx, savepoint); err != nil {
		return OutcomeFailed, err
	}
	outcome, err := p.process(ctx, patient, ev, identity)
	if err == nil {
		err = tx.Release(ctx, savepoint)
		if err == nil {
			return outcome, nil
		}
	}
	if rbErr := tx.RollbackTo(ctx, savepoint); rbErr != nil {
		return OutcomeFailed, errors.Join(err, rbErr)
	}
	return OutcomeFailed, err
}

func (p *Pipeline) unlock(release func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		p.logger.Warn("failed to release patient lock", zap.Error(err))
	}
}

// process applies one event. ctx carries the surrounding transaction.
func (p *Pipeline) process(ctx context.Context, patient *emr.Patient, ev *EncounterEvent, identity SystemIdentity) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "sync_encounter",
		trace.WithAttributes(
			attribute.String("encounter_id", ev.EncounterID),
			attribute.String("health_id", ev.HealthID),
		))
	defer span.End()

	if err := p.validate.Struct(ev); err != nil {
		return OutcomeFailed, fmt.Errorf("invalid encounter event: %w", err)
	}
	log := p.logger.With(
		zap.String("encounter_id", ev.EncounterID),
		zap.String("health_id", ev.HealthID))

	existing, err := p.deps.Ledger.FindByExternalID(ctx, ev.EncounterID, ledger.EntityEncounter)
	if err != nil {
		span.RecordError(err)
		return OutcomeFailed, fmt.Errorf("lookup encounter mapping: %w", err)
	}

	if existing != nil && existing.HealthID != "" && existing.HealthID != ev.HealthID {
		if p.deps.Merger == nil {
			return OutcomeFailed, fmt.Errorf("encounter %s belongs to %s: no patient merger configured", ev.EncounterID, existing.HealthID)
		}
		log.Info("health ids differ, merging patients", zap.String("retired_health_id", existing.HealthID))
		if err := p.deps.Merger.MergePatients(ctx, ev.HealthID, existing.HealthID); err != nil {
			span.RecordError(err)
			return OutcomeFailed, fmt.Errorf("merge patient %s into %s: %w", existing.HealthID, ev.HealthID, err)
		}
	}

	if err := Evaluate(ev, existing); err != nil {
		var policyErr *PolicyError
		switch {
		case errors.Is(err, ErrAlreadyApplied):
			log.Debug("encounter already applied")
			return OutcomeSkippedIdempotent, nil
		case errors.As(err, &policyErr):
			log.Info("encounter skipped by policy", zap.String("reason", policyErr.Reason))
			return OutcomeSkippedPolicy, nil
		}
		return OutcomeFailed, err
	}

	src := mapper.NewEncounterBundle(ev.Bundle, ev.HealthID, ev.EncounterID)
	draft, err := p.deps.Mapper.Map(ctx, patient, src, p.cfg.Props)
	if err != nil {
		span.RecordError(err)
		return OutcomeFailed, fmt.Errorf("map encounter: %w", err)
	}
	enc := draft.Encounter

	visit, err := p.deps.Encounters.FindOrInitializeVisit(ctx, patient, emr.VisitRequest{
		At:         enc.EncounterDatetime,
		VisitType:  draft.VisitType,
		LocationID: enc.LocationID,
		Start:      draft.VisitStart,
		Stop:       draft.VisitStop,
	})
	if err != nil {
		span.RecordError(err)
		return OutcomeFailed, fmt.Errorf("find visit: %w", err)
	}

	now := p.now()
	by := identity.SystemUserID
	enc.Creator, enc.ChangedBy, enc.DateChanged = by, by, &now
	if visit.New {
		visit.Creator = by
	}
	visit.ChangedBy = by
	enc.VisitUUID = visit.UUID
	visit.AddEncounter(enc.UUID)

	enc.SortOrders()
	if err := p.deps.Encounters.SaveEncounter(ctx, enc); err != nil {
		span.RecordError(err)
		return OutcomeFailed, fmt.Errorf("save encounter: %w", err)
	}
	if err := p.deps.Encounters.SaveVisit(ctx, visit); err != nil {
		span.RecordError(err)
		return OutcomeFailed, fmt.Errorf("save visit: %w", err)
	}
	for _, o := range enc.Orders {
		if !o.IsNew() {
			continue
		}
		o.Creator = by
		if err := p.deps.Orders.SaveOrder(ctx, o); err != nil {
			span.RecordError(err)
			return OutcomeFailed, fmt.Errorf("save order %s: %w", o.UUID, err)
		}
	}

	for i := range draft.Mappings {
		m := &draft.Mappings[i]
		m.LastSyncedAt = now
		if err := p.deps.Ledger.SaveOrUpdate(ctx, m); err != nil {
			return OutcomeFailed, fmt.Errorf("save %s mapping %s: %w", m.EntityType, m.ExternalID, err)
		}
		p.deps.Metrics.LedgerWrite(string(m.EntityType))
	}

	mapping := &ledger.IdMapping{
		InternalID:   enc.UUID,
		ExternalID:   ev.EncounterID,
		EntityType:   ledger.EntityEncounter,
		HealthID:     ev.HealthID,
		URI:          p.cfg.Props.URIs.Encounter(ev.HealthID, ev.EncounterID),
		CreatedAt:    now,
		LastSyncedAt: now,
	}
	if !ev.UpdatedAt.IsZero() {
		updated := ev.UpdatedAt
		mapping.ServerUpdatedAt = &updated
	}
	if err := p.deps.Ledger.SaveOrUpdate(ctx, mapping); err != nil {
		span.RecordError(err)
		return OutcomeFailed, fmt.Errorf("save encounter mapping: %w", err)
	}
	p.deps.Metrics.LedgerWrite(string(ledger.EntityEncounter))

	if err := p.deps.Notifier.EncounterDownloaded(ctx, DownloadedEvent{
		EncounterUUID: enc.UUID,
		EncounterID:   ev.EncounterID,
		HealthID:      ev.HealthID,
		PatientUUID:   patient.UUID,
		VisitUUID:     visit.UUID,
		DownloadedAt:  now,
	}); err != nil {
		log.Warn("download notification failed", zap.Error(err))
	}

	if patient.Dead {
		if err := p.saveDeathInfo(ctx, patient, enc, by, now); err != nil {
			span.RecordError(err)
			return OutcomeFailed, err
		}
	}

	log.Info("encounter applied",
		zap.String("encounter_uuid", enc.UUID),
		zap.String("visit_uuid", visit.UUID),
		zap.Int("obs", len(enc.Obs)),
		zap.Int("orders", len(enc.Orders)))
	return OutcomeApplied, nil
}

func (p *Pipeline) saveDeathInfo(ctx context.Context, patient *emr.Patient, enc *emr.Encounter, by string, now time.Time) error {
	if p.deps.Patients == nil {
		return nil
	}
	cause, err := p.deps.Death.CauseOfDeath(ctx, patient, enc)
	if err != nil {
		return fmt.Errorf("cause of death: %w", err)
	}
	patient.CauseOfDeath = cause
	patient.ChangedBy = by
	patient.DateChanged = &now
	if err := p.deps.Patients.SavePatient(ctx, patient); err != nil {
		return fmt.Errorf("save patient death info: %w", err)
	}
	return nil
}
