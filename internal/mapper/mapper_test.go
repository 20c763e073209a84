package mapper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-shrsync/internal/emr"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/ledger"
)

var encounterTime = time.Date(2015, 9, 22, 17, 4, 38, 0, time.UTC)

type fixture struct {
	store   *emr.MemoryStore
	ledger  *ledger.MemoryStore
	props   Properties
	mapper  *EncounterMapper
	patient *emr.Patient

	pulse, xray *emr.Concept
	doctor      *emr.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  emr.NewMemoryStore(),
		ledger: ledger.NewMemoryStore(),
		props:  DefaultProperties(),
	}
	f.props.FacilityID = "10019842"
	f.props.URIs = ledger.NewURIBuilder("http://shr", "http://tr")

	f.pulse = f.store.AddConcept(&emr.Concept{Name: "Pulse", Class: emr.ClassMisc, Datatype: emr.DatatypeNumeric,
		ReferenceTerms: []emr.ReferenceTerm{{System: fhir.SystemLOINC, Code: "8867-4"}}})
	f.xray = f.store.AddConcept(&emr.Concept{Name: "X-Ray Chest", Class: emr.ClassTest, Datatype: emr.DatatypeNA,
		ReferenceTerms: []emr.ReferenceTerm{{System: "http://tr/concepts", Code: "xray-chest"}}})
	f.doctor = f.store.AddProvider(&emr.Provider{Identifier: "812", Name: "Dr. Who"}, false)
	f.store.AddProvider(&emr.Provider{Identifier: "1", Name: "Default"}, true)

	f.patient = &emr.Patient{HealthID: "hid-1"}
	require.NoError(t, f.store.SavePatient(context.Background(), f.patient))

	registry := NewRegistry(nil,
		NewProcedureRequestMapper(f.ledger, f.store, f.store, f.store, nil),
		NewObservationMapper(f.store, nil),
	)
	f.mapper = NewEncounterMapper(registry, f.store, nil)
	return f
}

func baseBundle() *fhir.Bundle {
	b := fhir.NewBundle("collection")
	date := encounterTime
	b.Add("urn:uuid:comp", &fhir.Composition{
		ResourceType: fhir.TypeComposition, ID: "comp", Date: &date,
		Encounter: &fhir.Reference{Reference: "urn:uuid:enc"},
	})
	b.Add("urn:uuid:enc", &fhir.Encounter{
		ResourceType: fhir.TypeEncounter, ID: "enc",
		Class:           &fhir.Coding{Code: "AMB"},
		Type:            []fhir.CodeableConcept{{Text: "Consultation"}},
		ServiceProvider: &fhir.Reference{Reference: "http://fr/facilities/10019842.json"},
		Participant:     []fhir.EncounterParticipant{{Individual: &fhir.Reference{Reference: "http://pr/providers/812.json"}}},
	})
	return b
}

func procedureRequest(id, status string, history ...string) *fhir.ProcedureRequest {
	pr := &fhir.ProcedureRequest{
		ResourceType: fhir.TypeProcedureRequest, ID: id, Status: status,
		Category: []fhir.CodeableConcept{{Coding: []fhir.Coding{{Code: "Procedure"}}}},
		Code:     fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://tr/concepts", Code: "xray-chest"}}},
		Note:     []fhir.Annotation{{Text: "urgent"}},
	}
	for _, h := range history {
		pr.RelevantHistory = append(pr.RelevantHistory, fhir.Reference{Reference: h})
	}
	return pr
}

func provenance(id, target string) *fhir.Provenance {
	return &fhir.Provenance{
		ResourceType: fhir.TypeProvenance, ID: id,
		Target: []fhir.Reference{{Reference: target}},
		Agent:  []fhir.ProvenanceAgent{{WhoReference: &fhir.Reference{Reference: "http://pr/providers/812.json"}}},
	}
}

func (f *fixture) mapBundle(t *testing.T, b *fhir.Bundle) *EncounterDraft {
	t.Helper()
	draft, err := f.mapper.Map(context.Background(), f.patient, NewEncounterBundle(b, "hid-1", "shr-enc-1"), f.props)
	require.NoError(t, err)
	return draft
}

func TestEncounterHeader(t *testing.T) {
	f := newFixture(t)
	draft := f.mapBundle(t, baseBundle())

	enc := draft.Encounter
	assert.Equal(t, f.patient.UUID, enc.PatientUUID)
	assert.Equal(t, encounterTime, enc.EncounterDatetime)
	assert.Equal(t, "Consultation", enc.EncounterType)
	assert.Equal(t, "10019842", enc.LocationID)
	require.Len(t, enc.Providers, 1)
	assert.Same(t, f.doctor, enc.Providers[0])
	assert.Equal(t, "OPD", draft.VisitType)
	assert.Equal(t, fhir.ConfidentialityNormal, draft.Confidentiality)
}

func TestEncounterHeader_RequiresComposition(t *testing.T) {
	f := newFixture(t)
	_, err := f.mapper.Map(context.Background(), f.patient, NewEncounterBundle(fhir.NewBundle("collection"), "h", "e"), f.props)

	var mapErr *MapError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, "MISSING", mapErr.Code)
}

func TestObservationTree(t *testing.T) {
	f := newFixture(t)
	b := baseBundle()
	b.Add("urn:uuid:vitals", &fhir.Observation{
		ResourceType: fhir.TypeObservation, ID: "vitals",
		Code:    fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://tr/concepts", Code: "vitals", Display: "Vitals"}}},
		Related: []fhir.ObservationRelated{{Type: "has-member", Target: fhir.Reference{Reference: "urn:uuid:pulse"}}},
	})
	b.Add("urn:uuid:pulse", &fhir.Observation{
		ResourceType: fhir.TypeObservation, ID: "pulse",
		Code:          fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "8867-4"}}},
		ValueQuantity: fhir.NewQuantity(72, "/min"),
	})

	draft := f.mapBundle(t, b)
	require.Len(t, draft.Encounter.Obs, 1, "child is mapped through its parent only")

	vitals := draft.Encounter.Obs[0]
	assert.True(t, vitals.Concept.IsLocal())
	require.Len(t, vitals.GroupMembers, 1)

	pulse := vitals.GroupMembers[0]
	assert.Same(t, f.pulse, pulse.Concept)
	require.NotNil(t, pulse.ValueNumeric)
	assert.Equal(t, 72.0, *pulse.ValueNumeric)
}

func TestObservation_LocalConceptStoresText(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2015, 6, 17, 0, 0, 0, 0, time.UTC)
	b := baseBundle()
	b.Add("urn:uuid:o1", &fhir.Observation{
		ResourceType: fhir.TypeObservation, ID: "o1",
		Code:        fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "unknown-code", Display: "Illness period"}}},
		ValuePeriod: &fhir.Period{Start: &start},
	})

	draft := f.mapBundle(t, b)
	require.Len(t, draft.Encounter.Obs, 1)
	o := draft.Encounter.Obs[0]
	require.NotNil(t, o.ValueText)
	assert.Equal(t, "17 Jun 2015", *o.ValueText)
	assert.Equal(t, "LOCAL:10019842", o.Concept.Version)
}

func TestObservation_UnresolvableConceptDropsSubtree(t *testing.T) {
	f := newFixture(t)
	b := baseBundle()
	b.Add("urn:uuid:o1", &fhir.Observation{
		ResourceType: fhir.TypeObservation, ID: "o1",
		Code:    fhir.CodeableConcept{Text: "no codings"},
		Related: []fhir.ObservationRelated{{Target: fhir.Reference{Reference: "urn:uuid:pulse"}}},
	})
	b.Add("urn:uuid:pulse", &fhir.Observation{
		ResourceType: fhir.TypeObservation, ID: "pulse",
		Code: fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "8867-4"}}},
	})

	draft := f.mapBundle(t, b)
	assert.Empty(t, draft.Encounter.Obs)
}

func TestProcedureRequest_NewOrder(t *testing.T) {
	f := newFixture(t)
	b := baseBundle()
	b.Add("urn:uuid:pr-1", procedureRequest("pr-1", fhir.StatusActive))
	b.Add("urn:uuid:prov-1", provenance("prov-1", "urn:uuid:pr-1"))

	draft := f.mapBundle(t, b)
	require.Len(t, draft.Encounter.Orders, 1)

	o := draft.Encounter.Orders[0]
	assert.Equal(t, emr.ActionNew, o.Action)
	assert.Same(t, f.xray, o.Concept)
	assert.Same(t, f.doctor, o.Orderer)
	assert.Equal(t, emr.CareSettingOutpatient, o.CareSetting)
	assert.Equal(t, encounterTime, o.DateActivated)
	assert.Equal(t, encounterTime.Add(24*time.Hour), *o.AutoExpireDate)
	assert.Equal(t, "urgent", o.CommentToFulfiller)
	assert.Equal(t, draft.Encounter.UUID, o.EncounterUUID)

	require.Len(t, draft.Mappings, 1)
	m := draft.Mappings[0]
	assert.Equal(t, o.UUID, m.InternalID)
	assert.Equal(t, "shr-enc-1:pr-1", m.ExternalID)
	assert.Equal(t, ledger.EntityProcedureOrder, m.EntityType)
	assert.Equal(t, "http://shr/patients/hid-1/encounters/shr-enc-1#ProcedureRequest/pr-1", m.URI)
}

func TestProcedureRequest_DefaultOrdererAndCategoryFilter(t *testing.T) {
	f := newFixture(t)
	b := baseBundle()
	b.Add("urn:uuid:pr-1", procedureRequest("pr-1", fhir.StatusActive))
	lab := procedureRequest("pr-2", fhir.StatusActive)
	lab.Category[0].Coding[0].Code = "Lab"
	b.Add("urn:uuid:pr-2", lab)

	draft := f.mapBundle(t, b)
	require.Len(t, draft.Encounter.Orders, 1, "only the procedure category is handled")
	assert.Equal(t, "1", draft.Encounter.Orders[0].Orderer.Identifier)
}

func TestProcedureRequest_AlreadyAppliedIsSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.SaveOrUpdate(context.Background(), &ledger.IdMapping{
		InternalID: "order-uuid", ExternalID: "shr-enc-1:pr-1", EntityType: ledger.EntityProcedureOrder,
	}))

	b := baseBundle()
	b.Add("urn:uuid:pr-1", procedureRequest("pr-1", fhir.StatusActive))

	draft := f.mapBundle(t, b)
	assert.Empty(t, draft.Encounter.Orders)
	assert.Empty(t, draft.Mappings)
}

func TestProcedureRequest_UnresolvedCancellationIsDropped(t *testing.T) {
	f := newFixture(t)
	b := baseBundle()
	b.Add("urn:uuid:pr-2", procedureRequest("pr-2", fhir.StatusCancelled, "urn:uuid:prov-1"))
	b.Add("urn:uuid:prov-1", provenance("prov-1", "urn:uuid:pr-1"))
	b.Add("urn:uuid:prov-2", provenance("prov-2", "urn:uuid:pr-2"))

	draft := f.mapBundle(t, b)
	assert.Empty(t, draft.Encounter.Orders)
}

func TestProcedureRequest_CancellationDiscontinuesPreviousOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	previous := &emr.Order{UUID: "prev-order", Concept: f.xray, Action: emr.ActionNew, DateActivated: encounterTime}
	require.NoError(t, f.store.SaveOrder(ctx, previous))
	require.NoError(t, f.ledger.SaveOrUpdate(ctx, &ledger.IdMapping{
		InternalID: "prev-order", ExternalID: "shr-enc-1:pr-1", EntityType: ledger.EntityProcedureOrder,
	}))

	b := baseBundle()
	b.Add("urn:uuid:pr-2", procedureRequest("pr-2", fhir.StatusCancelled, "urn:uuid:prov-1"))
	b.Add("urn:uuid:prov-1", provenance("prov-1", "urn:uuid:pr-1"))
	b.Add("urn:uuid:prov-2", provenance("prov-2", "urn:uuid:pr-2"))
	b.Add("urn:uuid:pr-3", procedureRequest("pr-3", fhir.StatusActive))

	draft := f.mapBundle(t, b)
	require.Len(t, draft.Encounter.Orders, 2)

	draft.Encounter.SortOrders()
	assert.Equal(t, emr.ActionNew, draft.Encounter.Orders[0].Action)
	stop := draft.Encounter.Orders[1]
	assert.Equal(t, emr.ActionDiscontinue, stop.Action)
	assert.Equal(t, "prev-order", stop.PreviousOrderUUID)
	assert.Equal(t, encounterTime.Add(time.Second), stop.DateActivated)
}

func TestProcedureRequest_CancellationOfSameBundleOrder(t *testing.T) {
	f := newFixture(t)
	b := baseBundle()
	// the cancellation comes first; it still resolves the request it stops
	b.Add("urn:uuid:pr-2", procedureRequest("pr-2", fhir.StatusCancelled, "urn:uuid:prov-1"))
	b.Add("urn:uuid:prov-1", provenance("prov-1", "urn:uuid:pr-1"))
	b.Add("urn:uuid:pr-1", procedureRequest("pr-1", fhir.StatusActive))

	draft := f.mapBundle(t, b)
	require.Len(t, draft.Encounter.Orders, 2)
	require.Len(t, draft.Mappings, 2)

	draft.Encounter.SortOrders()
	started, stop := draft.Encounter.Orders[0], draft.Encounter.Orders[1]
	assert.Equal(t, emr.ActionNew, started.Action)
	assert.Equal(t, emr.ActionDiscontinue, stop.Action)
	assert.Equal(t, started.UUID, stop.PreviousOrderUUID)
	assert.True(t, stop.DateActivated.After(started.DateActivated))
	assert.Equal(t, "shr-enc-1:pr-1", draft.Mappings[0].ExternalID)
	assert.Equal(t, "shr-enc-1:pr-2", draft.Mappings[1].ExternalID)
}

type firstMapper struct{ calls int }

func (m *firstMapper) Name() string                             { return "first" }
func (m *firstMapper) CanHandle(fhir.Resource, Properties) bool { return true }
func (m *firstMapper) Map(context.Context, fhir.Resource, *EncounterDraft, *EncounterBundle, Properties) error {
	m.calls++
	return nil
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	f := newFixture(t)
	first := &firstMapper{}
	r := NewRegistry(nil, first, NewObservationMapper(f.store, nil))

	b := baseBundle()
	b.Add("urn:uuid:pulse", &fhir.Observation{ResourceType: fhir.TypeObservation, ID: "pulse",
		Code: fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "8867-4"}}}})

	draft := &EncounterDraft{Encounter: &emr.Encounter{}}
	require.NoError(t, r.MapBundle(context.Background(), draft, NewEncounterBundle(b, "h", "e"), f.props))
	assert.Equal(t, 3, first.calls)
	assert.Empty(t, draft.Encounter.Obs)
}

func labEncounter(f *fixture, orderEncounter string) (*emr.Encounter, *emr.Order) {
	hb := f.store.AddConcept(&emr.Concept{Name: "Haemoglobin", Class: emr.ClassTest,
		ReferenceTerms: []emr.ReferenceTerm{{System: fhir.SystemLOINC, Code: "718-7"}}})
	notes := f.store.AddConcept(&emr.Concept{Name: LabNotesConcept, Class: emr.ClassMisc})
	panel := f.store.AddConcept(&emr.Concept{Name: "CBC", Class: emr.ClassLabSet})

	order := &emr.Order{UUID: "lab-order", EncounterUUID: orderEncounter, Concept: hb, DateActivated: encounterTime}
	_ = f.store.SaveOrder(context.Background(), order)

	value := 13.5
	note := "within range"
	group := &emr.Obs{UUID: "result-group", Concept: hb, OrderUUID: "lab-order", ObsDatetime: encounterTime.Add(time.Hour),
		GroupMembers: []*emr.Obs{
			{UUID: "result", Concept: hb, ValueNumeric: &value},
			{UUID: "notes", Concept: notes, ValueText: &note},
		}}
	test := &emr.Obs{UUID: "test", Concept: hb, GroupMembers: []*emr.Obs{group}}
	root := &emr.Obs{UUID: "panel", Concept: panel, GroupMembers: []*emr.Obs{test}}

	enc := &emr.Encounter{UUID: "lab-enc", EncounterType: "LAB_RESULT", EncounterDatetime: encounterTime,
		Providers: []*emr.Provider{f.doctor}, Obs: []*emr.Obs{root}}
	return enc, order
}

func outbound(f *fixture, enc *emr.Encounter) *OutboundContext {
	return &OutboundContext{
		Bundle:        fhir.NewBundle("collection"),
		Encounter:     enc,
		FHIREncounter: NewFHIREncounter(enc, "hid-1", f.props),
		HealthID:      "hid-1",
		Props:         f.props,
	}
}

func TestTestResultMapper(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.SaveOrUpdate(context.Background(), &ledger.IdMapping{
		InternalID: "order-enc", ExternalID: "shr-order-enc", EntityType: ledger.EntityEncounter,
		URI: "http://shr/patients/hid-1/encounters/shr-order-enc",
	}))
	enc, _ := labEncounter(f, "order-enc")

	out := outbound(f, enc)
	registry := NewOutboundRegistry(NewTestResultMapper(f.ledger, f.store), ObservationBundler{})
	require.NoError(t, registry.MapEncounter(context.Background(), out))

	var report *fhir.DiagnosticReport
	var observations int
	for _, r := range out.Bundle.Resources() {
		switch v := r.(type) {
		case *fhir.DiagnosticReport:
			report = v
		case *fhir.Observation:
			observations++
		}
	}
	require.NotNil(t, report)
	assert.Equal(t, 1, observations)
	assert.Equal(t, fhir.StatusFinal, report.Status)
	assert.Equal(t, "718-7", report.Code.Coding[0].Code)
	require.Len(t, report.Identifier, 1)
	assert.Equal(t, "http://shr/patients/hid-1/obs/"+report.ID, report.Identifier[0].Value)
	assert.Equal(t, "http://shr/patients/hid-1/encounters/shr-order-enc", report.BasedOn[0].Reference)
	assert.Equal(t, encounterTime, *report.EffectiveDateTime)
	assert.Equal(t, encounterTime.Add(time.Hour), *report.Issued)
	assert.Equal(t, "within range", report.Conclusion)
	require.Len(t, report.Result, 1)
	assert.Equal(t, "urn:uuid:result", report.Result[0].Reference)
	require.Len(t, report.Performer, 1)
	assert.Equal(t, "Practitioner/812", report.Performer[0].Actor.Reference)
}

func TestTestResultMapper_MissingEncounterMappingIsFatal(t *testing.T) {
	f := newFixture(t)
	enc, _ := labEncounter(f, "unmapped-enc")

	m := NewTestResultMapper(f.ledger, f.store)
	err := m.Map(context.Background(), enc.Obs[0], outbound(f, enc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingEncounterMapping))
	assert.Contains(t, err.Error(), "unmapped-enc")
}

func TestObservationBundler_Tree(t *testing.T) {
	f := newFixture(t)
	v := 72.0
	root := &emr.Obs{UUID: "vitals", Concept: &emr.Concept{Name: "Vitals"},
		GroupMembers: []*emr.Obs{{UUID: "pulse", Concept: f.pulse, ValueNumeric: &v}}}
	enc := &emr.Encounter{UUID: "e", Obs: []*emr.Obs{root}}

	out := outbound(f, enc)
	require.NoError(t, NewOutboundRegistry(ObservationBundler{}).MapEncounter(context.Background(), out))
	require.Len(t, out.Bundle.Entry, 2)

	parent := out.Bundle.Entry[0].Resource.(*fhir.Observation)
	require.Len(t, parent.Related, 1)
	assert.Equal(t, "urn:uuid:pulse", parent.Related[0].Target.Reference)
	child := out.Bundle.FindByReference("urn:uuid:pulse").(*fhir.Observation)
	assert.Equal(t, 72.0, *child.ValueQuantity.Value)
}
