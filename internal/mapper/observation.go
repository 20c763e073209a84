package mapper

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/emr"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/valuetext"
)

// ObservationMapper maps observation trees into obs. Concepts that were
// created locally for unknown codings store the value as display text.
type ObservationMapper struct {
	concepts emr.ConceptLookup
	logger   *zap.Logger
}

// NewObservationMapper creates the observation variant.
func NewObservationMapper(concepts emr.ConceptLookup, logger *zap.Logger) *ObservationMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservationMapper{concepts: concepts, logger: logger}
}

// Name implements ResourceMapper.
func (m *ObservationMapper) Name() string { return "observation" }

// CanHandle implements ResourceMapper.
func (m *ObservationMapper) CanHandle(res fhir.Resource, _ Properties) bool {
	_, ok := res.(*fhir.Observation)
	return ok
}

// Map implements ResourceMapper. Children of other observations are skipped
// here and mapped through their parent.
func (m *ObservationMapper) Map(ctx context.Context, res fhir.Resource, draft *EncounterDraft, src *EncounterBundle, props Properties) error {
	obs := res.(*fhir.Observation)
	if src.IsRelatedTarget(obs) {
		return nil
	}
	o, err := m.MapObservation(ctx, obs, src, props)
	if err != nil {
		return err
	}
	if o != nil {
		draft.Encounter.Obs = append(draft.Encounter.Obs, o)
	}
	return nil
}

// MapObservation maps obs and its related children. It returns nil when the
// concept cannot be resolved; unresolved children are left out of the group.
func (m *ObservationMapper) MapObservation(ctx context.Context, obs *fhir.Observation, src *EncounterBundle, props Properties) (*emr.Obs, error) {
	return m.mapTree(ctx, obs, src, props, make(map[*fhir.Observation]bool))
}

func (m *ObservationMapper) mapTree(ctx context.Context, obs *fhir.Observation, src *EncounterBundle, props Properties, seen map[*fhir.Observation]bool) (*emr.Obs, error) {
	if seen[obs] {
		return nil, nil
	}
	seen[obs] = true

	concept, err := m.concepts.FindConceptByCodings(ctx, obs.Code.Coding, props.FacilityID, emr.ClassMisc, emr.DatatypeText)
	if err != nil {
		return nil, &MapError{Resource: fhir.TypeObservation, Code: "CONCEPT_LOOKUP", Message: "resolve concept " + obs.ID, Cause: err}
	}
	if concept == nil {
		m.logger.Debug("observation dropped, no concept", zap.String("observation_id", obs.ID))
		return nil, nil
	}

	o := &emr.Obs{UUID: uuid.NewString(), Concept: concept}
	if obs.EffectiveDateTime != nil {
		o.ObsDatetime = *obs.EffectiveDateTime
	}

	if v := obs.Value(); v != nil {
		if concept.IsLocal() {
			text := valuetext.Convert(v)
			o.ValueText = &text
		} else if err := m.mapValue(ctx, o, v); err != nil {
			return nil, err
		}
	}

	for _, rel := range obs.Related {
		child, ok := src.Bundle.FindByReference(rel.Target.Reference).(*fhir.Observation)
		if !ok {
			continue
		}
		member, err := m.mapTree(ctx, child, src, props, seen)
		if err != nil {
			return nil, err
		}
		if member != nil {
			o.GroupMembers = append(o.GroupMembers, member)
		}
	}
	return o, nil
}

// mapValue stores v in the structured obs column that fits it.
func (m *ObservationMapper) mapValue(ctx context.Context, o *emr.Obs, v fhir.Value) error {
	switch val := v.(type) {
	case *fhir.Quantity:
		if val.Value != nil {
			n := *val.Value
			o.ValueNumeric = &n
		}
	case fhir.IntegerValue:
		n := float64(val)
		o.ValueNumeric = &n
	case fhir.BooleanValue:
		b := bool(val)
		o.ValueBoolean = &b
	case fhir.DateTimeValue:
		t := val.Time
		o.ValueDatetime = &t
	case fhir.StringValue:
		s := string(val)
		o.ValueText = &s
	case *fhir.CodeableConcept:
		answer, err := m.concepts.FindConceptByCode(ctx, val.Coding)
		if err != nil {
			return &MapError{Resource: fhir.TypeObservation, Code: "ANSWER_LOOKUP", Message: "resolve coded answer", Cause: err}
		}
		if answer != nil {
			o.ValueCoded = answer
			return nil
		}
		text := valuetext.Convert(val)
		o.ValueText = &text
	default:
		text := valuetext.Convert(v)
		o.ValueText = &text
	}
	return nil
}
