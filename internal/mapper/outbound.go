package mapper

import (
	"context"
	"fmt"
	"strings"

	"github.com/drfirst/go-shrsync/internal/emr"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

// OutboundContext is the bundle being assembled for one EMR encounter.
type OutboundContext struct {
	Bundle        *fhir.Bundle
	Encounter     *emr.Encounter
	FHIREncounter *fhir.Encounter
	HealthID      string
	Props         Properties
}

// PatientRef returns the subject reference of the bundle.
func (c *OutboundContext) PatientRef() *fhir.Reference {
	return &fhir.Reference{Reference: c.Props.URIs.Patient(c.HealthID)}
}

// OutboundMapper turns one top-level EMR obs into exchange resources added to the bundle.
type OutboundMapper interface {
	CanHandle(obs *emr.Obs, enc *emr.Encounter, props Properties) bool
	Map(ctx context.Context, obs *emr.Obs, out *OutboundContext) error
}

// OutboundRegistry dispatches obs to the first outbound mapper that can handle them.
type OutboundRegistry struct {
	mappers []OutboundMapper
}

// NewOutboundRegistry creates a registry.
func NewOutboundRegistry(mappers ...OutboundMapper) *OutboundRegistry {
	return &OutboundRegistry{mappers: mappers}
}

// MapEncounter maps every top-level obs of the encounter.
func (r *OutboundRegistry) MapEncounter(ctx context.Context, out *OutboundContext) error {
	for _, obs := range out.Encounter.Obs {
		for _, m := range r.mappers {
			if !m.CanHandle(obs, out.Encounter, out.Props) {
				continue
			}
			if err := m.Map(ctx, obs, out); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// ObservationBundler writes obs trees as Observation resources.
type ObservationBundler struct{}

// CanHandle implements OutboundMapper; it accepts any obs.
func (ObservationBundler) CanHandle(*emr.Obs, *emr.Encounter, Properties) bool { return true }

// Map implements OutboundMapper.
func (b ObservationBundler) Map(_ context.Context, obs *emr.Obs, out *OutboundContext) error {
	b.Add(obs, out)
	return nil
}

// Add writes obs and its members to the bundle and returns the reference of obs.
func (b ObservationBundler) Add(obs *emr.Obs, out *OutboundContext) string {
	ref := "urn:uuid:" + obs.UUID
	res := &fhir.Observation{
		ResourceType: fhir.TypeObservation,
		ID:           obs.UUID,
		Status:       fhir.StatusFinal,
		Code:         conceptCode(obs.Concept),
		Subject:      out.PatientRef(),
		Identifier:   []fhir.Identifier{{Value: ref}},
	}
	if !obs.ObsDatetime.IsZero() {
		t := obs.ObsDatetime
		res.EffectiveDateTime = &t
	}
	if v := obsValue(obs); v != nil {
		res.SetValue(v)
	}
	out.Bundle.Add(ref, res)

	for _, m := range obs.GroupMembers {
		child := b.Add(m, out)
		res.Related = append(res.Related, fhir.ObservationRelated{
			Type:   "has-member",
			Target: fhir.Reference{Reference: child},
		})
	}
	return ref
}

func obsValue(o *emr.Obs) fhir.Value {
	switch {
	case o.ValueNumeric != nil:
		return &fhir.Quantity{Value: o.ValueNumeric}
	case o.ValueCoded != nil:
		cc := conceptCode(o.ValueCoded)
		return &cc
	case o.ValueBoolean != nil:
		return fhir.BooleanValue(*o.ValueBoolean)
	case o.ValueDatetime != nil:
		return fhir.DateTimeValue{Time: *o.ValueDatetime}
	case o.ValueText != nil:
		return fhir.StringValue(*o.ValueText)
	}
	return nil
}

// conceptCode renders a concept as a codeable concept from its reference terms.
func conceptCode(c *emr.Concept) fhir.CodeableConcept {
	if c == nil {
		return fhir.CodeableConcept{}
	}
	cc := fhir.CodeableConcept{Text: c.Name}
	for _, t := range c.ReferenceTerms {
		cc.Coding = append(cc.Coding, fhir.Coding{System: t.System, Code: t.Code, Display: c.Name})
	}
	return cc
}

// practitionerRef builds the registry reference of a provider.
func practitionerRef(props Properties, p *emr.Provider) *fhir.Reference {
	if p == nil {
		return nil
	}
	base := strings.TrimRight(props.PRBaseURL, "/")
	if base == "" {
		return &fhir.Reference{Reference: "Practitioner/" + p.Identifier}
	}
	return &fhir.Reference{Reference: fmt.Sprintf("%s/providers/%s.json", base, p.Identifier)}
}

// NewFHIREncounter renders the encounter header for upload.
func NewFHIREncounter(enc *emr.Encounter, healthID string, props Properties) *fhir.Encounter {
	fe := &fhir.Encounter{
		ResourceType: fhir.TypeEncounter,
		ID:           enc.UUID,
		Status:       "finished",
		Type:         []fhir.CodeableConcept{{Text: enc.EncounterType}},
		Subject:      &fhir.Reference{Reference: props.URIs.Patient(healthID)},
	}
	for _, p := range enc.Providers {
		fe.Participant = append(fe.Participant, fhir.EncounterParticipant{Individual: practitionerRef(props, p)})
	}
	t := enc.EncounterDatetime
	fe.Period = &fhir.Period{Start: &t}
	if enc.LocationID != "" {
		fe.ServiceProvider = &fhir.Reference{Reference: "Organization/" + enc.LocationID}
	}
	return fe
}
