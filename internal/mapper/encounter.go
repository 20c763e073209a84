package mapper

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/emr"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

// EncounterMapper maps a whole bundle: the encounter header from the
// Composition and Encounter entries, then every other entry through the registry.
type EncounterMapper struct {
	registry  *Registry
	providers emr.ProviderLookup
	logger    *zap.Logger
}

// NewEncounterMapper creates a bundle mapper.
func NewEncounterMapper(registry *Registry, providers emr.ProviderLookup, logger *zap.Logger) *EncounterMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EncounterMapper{registry: registry, providers: providers, logger: logger}
}

// Map builds the draft encounter for patient from src.
func (m *EncounterMapper) Map(ctx context.Context, patient *emr.Patient, src *EncounterBundle, props Properties) (*EncounterDraft, error) {
	comp := src.Bundle.Composition()
	if comp == nil {
		return nil, &MapError{Resource: fhir.TypeComposition, Code: "MISSING", Message: "bundle has no composition"}
	}
	fe := src.Bundle.Encounter()
	if fe == nil {
		return nil, &MapError{Resource: fhir.TypeEncounter, Code: "MISSING", Message: "bundle has no encounter"}
	}

	enc := &emr.Encounter{
		UUID:          uuid.NewString(),
		PatientUUID:   patient.UUID,
		EncounterType: fe.TypeText(),
		LocationID:    emr.ProviderIdentifier(refOrEmpty(fe.ServiceProvider)),
	}
	if enc.EncounterType == "" {
		enc.EncounterType = props.DefaultEncounterType
	}

	switch {
	case comp.Date != nil:
		enc.EncounterDatetime = *comp.Date
	case fe.Period != nil && fe.Period.Start != nil:
		enc.EncounterDatetime = *fe.Period.Start
	default:
		return nil, &MapError{Resource: fhir.TypeComposition, Code: "MISSING_DATE", Message: "encounter has no date"}
	}

	for _, p := range fe.Participant {
		if p.Individual == nil {
			continue
		}
		provider, err := m.providers.FindProvider(ctx, p.Individual.Reference)
		if err != nil {
			return nil, &MapError{Resource: fhir.TypeEncounter, Code: "PROVIDER_LOOKUP", Message: "resolve participant", Cause: err}
		}
		if provider != nil {
			enc.Providers = append(enc.Providers, provider)
		}
	}

	draft := &EncounterDraft{
		Encounter:       enc,
		VisitType:       visitType(fe, props),
		Confidentiality: src.Bundle.Confidentiality(),
	}
	if fe.Period != nil {
		draft.VisitStart = fe.Period.Start
		draft.VisitStop = fe.Period.End
	}

	if err := m.registry.MapBundle(ctx, draft, src, props); err != nil {
		return nil, err
	}
	return draft, nil
}

func visitType(fe *fhir.Encounter, props Properties) string {
	if fe.Class != nil {
		if vt, ok := props.VisitTypes[strings.ToUpper(fe.Class.Code)]; ok {
			return vt
		}
	}
	return props.DefaultVisitType
}

func refOrEmpty(r *fhir.Reference) string {
	if r == nil {
		return ""
	}
	return r.Reference
}
