// Package mapper converts between exchange resource bundles and the EMR model.
//
// Inbound, a Registry dispatches every bundle entry to the first
// ResourceMapper that can handle it; each variant adds obs, orders or
// companion ledger records to an EncounterDraft. Outbound, an
// OutboundRegistry turns EMR obs into exchange resources for upload.
package mapper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/emr"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/ledger"
)

// Properties carries the deployment settings mappers depend on.
type Properties struct {
	FacilityID             string
	ProcedureOrderTypeCode string
	OrderAutoExpire        time.Duration
	CareSetting            string
	// VisitTypes maps exchange encounter class codes to local visit types.
	VisitTypes             map[string]string
	DefaultVisitType       string
	DefaultEncounterType   string
	LabResultEncounterType string
	URIs                   ledger.URIBuilder
	PRBaseURL              string
}

// DefaultProperties returns the settings used when nothing is configured.
func DefaultProperties() Properties {
	return Properties{
		ProcedureOrderTypeCode: "Procedure",
		OrderAutoExpire:        1440 * time.Minute,
		CareSetting:            emr.CareSettingOutpatient,
		VisitTypes: map[string]string{
			"AMB":  "OPD",
			"IMP":  "IPD",
			"EMER": "Emergency",
			"FLD":  "Field",
		},
		DefaultVisitType:       "OPD",
		DefaultEncounterType:   "Consultation",
		LabResultEncounterType: "LAB_RESULT",
	}
}

// EncounterBundle is a downloaded bundle with the identity it was fetched under.
type EncounterBundle struct {
	Bundle      *fhir.Bundle
	HealthID    string
	EncounterID string

	relatedTargets map[fhir.Resource]bool
}

// NewEncounterBundle wraps a bundle.
func NewEncounterBundle(b *fhir.Bundle, healthID, encounterID string) *EncounterBundle {
	return &EncounterBundle{Bundle: b, HealthID: healthID, EncounterID: encounterID}
}

// IsRelatedTarget reports whether res is a child of another observation in
// the bundle. Such children are mapped through their parent only.
func (s *EncounterBundle) IsRelatedTarget(res fhir.Resource) bool {
	if s.relatedTargets == nil {
		s.relatedTargets = make(map[fhir.Resource]bool)
		for _, r := range s.Bundle.Resources() {
			obs, ok := r.(*fhir.Observation)
			if !ok {
				continue
			}
			for _, rel := range obs.Related {
				if target := s.Bundle.FindByReference(rel.Target.Reference); target != nil {
					s.relatedTargets[target] = true
				}
			}
		}
	}
	return s.relatedTargets[res]
}

// EncounterDraft accumulates the result of mapping one bundle.
type EncounterDraft struct {
	Encounter *emr.Encounter
	// Mappings are companion ledger records, written after the orders they describe.
	Mappings        []ledger.IdMapping
	VisitType       string
	VisitStart      *time.Time
	VisitStop       *time.Time
	Confidentiality fhir.Confidentiality
}

// AddOrder appends an order to the draft encounter.
func (d *EncounterDraft) AddOrder(o *emr.Order) {
	o.EncounterUUID = d.Encounter.UUID
	d.Encounter.Orders = append(d.Encounter.Orders, o)
}

// orderFor returns the draft order recorded under externalID, or nil.
func (d *EncounterDraft) orderFor(externalID string, entity ledger.EntityType) *emr.Order {
	for _, m := range d.Mappings {
		if m.ExternalID != externalID || m.EntityType != entity {
			continue
		}
		for _, o := range d.Encounter.Orders {
			if o.UUID == m.InternalID {
				return o
			}
		}
	}
	return nil
}

// ResourceMapper maps one kind of exchange resource into the draft.
// A mapper that decides to drop the resource returns nil without changing the draft.
type ResourceMapper interface {
	Name() string
	CanHandle(res fhir.Resource, props Properties) bool
	Map(ctx context.Context, res fhir.Resource, draft *EncounterDraft, src *EncounterBundle, props Properties) error
}

// Registry dispatches resources to mappers in registration order.
type Registry struct {
	mappers []ResourceMapper
	logger  *zap.Logger
}

// NewRegistry creates a registry with the given mappers.
func NewRegistry(logger *zap.Logger, mappers ...ResourceMapper) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{mappers: mappers, logger: logger}
}

// Register appends a mapper. Earlier mappers win.
func (r *Registry) Register(m ResourceMapper) {
	r.mappers = append(r.mappers, m)
}

// Find returns the first mapper that can handle res, or nil.
func (r *Registry) Find(res fhir.Resource, props Properties) ResourceMapper {
	for _, m := range r.mappers {
		if m.CanHandle(res, props) {
			return m
		}
	}
	return nil
}

// deferrer is implemented by mappers that need some resources mapped after
// the others of the bundle.
type deferrer interface {
	Deferred(res fhir.Resource) bool
}

// MapBundle runs every bundle entry through its mapper in bundle order,
// deferred entries last. Unmatched entries are ignored.
func (r *Registry) MapBundle(ctx context.Context, draft *EncounterDraft, src *EncounterBundle, props Properties) error {
	var later []fhir.Resource
	for _, res := range src.Bundle.Resources() {
		m := r.Find(res, props)
		if m == nil {
			continue
		}
		if d, ok := m.(deferrer); ok && d.Deferred(res) {
			later = append(later, res)
			continue
		}
		if err := r.mapOne(ctx, m, res, draft, src, props); err != nil {
			return err
		}
	}
	for _, res := range later {
		if err := r.mapOne(ctx, r.Find(res, props), res, draft, src, props); err != nil {
			return err
		}
	}
	r.logger.Debug("bundle mapped",
		zap.String("encounter_id", src.EncounterID),
		zap.Int("obs", len(draft.Encounter.Obs)),
		zap.Int("orders", len(draft.Encounter.Orders)))
	return nil
}

func (r *Registry) mapOne(ctx context.Context, m ResourceMapper, res fhir.Resource, draft *EncounterDraft, src *EncounterBundle, props Properties) error {
	if err := m.Map(ctx, res, draft, src, props); err != nil {
		return fmt.Errorf("%s mapper on %s/%s: %w", m.Name(), res.GetResourceType(), res.GetID(), err)
	}
	return nil
}
