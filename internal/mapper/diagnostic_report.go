package mapper

import (
	"context"
	"fmt"

	"github.com/drfirst/go-shrsync/internal/emr"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/ledger"
)

// LabNotesConcept names the obs whose text becomes a report's conclusion.
const LabNotesConcept = "LAB_NOTES"

// TestResultMapper writes lab results as DiagnosticReports with their
// result Observations. Panels are expanded one level into their tests.
type TestResultMapper struct {
	ledger  ledger.Store
	orders  emr.OrderStore
	bundler ObservationBundler
}

// NewTestResultMapper creates the diagnostic report variant.
func NewTestResultMapper(store ledger.Store, orders emr.OrderStore) *TestResultMapper {
	return &TestResultMapper{ledger: store, orders: orders}
}

// CanHandle implements OutboundMapper; it accepts obs of lab result encounters.
func (m *TestResultMapper) CanHandle(_ *emr.Obs, enc *emr.Encounter, props Properties) bool {
	return enc.EncounterType == props.LabResultEncounterType
}

// Map implements OutboundMapper.
func (m *TestResultMapper) Map(ctx context.Context, obs *emr.Obs, out *OutboundContext) error {
	if obs == nil {
		return nil
	}
	if !obs.Concept.IsSet() {
		return m.testResults(ctx, obs, out)
	}
	for _, test := range obs.GroupMembers {
		if err := m.testResults(ctx, test, out); err != nil {
			return err
		}
	}
	return nil
}

// testResults builds one report per result group of a test.
func (m *TestResultMapper) testResults(ctx context.Context, test *emr.Obs, out *OutboundContext) error {
	for _, group := range test.GroupMembers {
		report, err := m.build(ctx, group, out)
		if err != nil {
			return err
		}
		if report != nil {
			out.Bundle.Add("urn:uuid:"+report.ID, report)
		}
	}
	return nil
}

func (m *TestResultMapper) build(ctx context.Context, group *emr.Obs, out *OutboundContext) (*fhir.DiagnosticReport, error) {
	name := conceptCode(group.Concept)
	if len(name.Coding) == 0 {
		return nil, nil
	}

	order, err := m.orders.GetOrderByUUID(ctx, group.OrderUUID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", group.OrderUUID, err)
	}
	if order == nil {
		return nil, &MapError{Resource: fhir.TypeDiagnosticReport, Code: "MISSING_ORDER", Message: "result " + group.UUID + " has no order"}
	}

	mapping, err := m.ledger.FindByInternalID(ctx, order.EncounterUUID, ledger.EntityEncounter)
	if err != nil {
		return nil, fmt.Errorf("load encounter mapping: %w", err)
	}
	if mapping == nil {
		return nil, fmt.Errorf("encounter id [%s]: %w", order.EncounterUUID, ErrMissingEncounterMapping)
	}

	issued := group.ObsDatetime
	activated := order.DateActivated
	report := &fhir.DiagnosticReport{
		ResourceType:      fhir.TypeDiagnosticReport,
		ID:                group.UUID,
		Identifier:        []fhir.Identifier{{Value: out.Props.URIs.Obs(out.HealthID, group.UUID)}},
		BasedOn:           []fhir.Reference{{Reference: mapping.URI}},
		Status:            fhir.StatusFinal,
		Code:              name,
		Subject:           out.PatientRef(),
		EffectiveDateTime: &activated,
		Issued:            &issued,
	}
	if performer := out.FHIREncounter.FirstParticipant(); performer != nil {
		report.Performer = []fhir.DiagnosticReportPerformer{{Actor: *performer}}
	}

	for _, member := range group.GroupMembers {
		switch {
		case member.Concept != nil && group.Concept != nil && member.Concept.ID == group.Concept.ID:
			ref := m.bundler.Add(member, out)
			report.Result = append(report.Result, fhir.Reference{Reference: ref})
		case member.Concept != nil && member.Concept.Name == LabNotesConcept && member.ValueText != nil:
			report.Conclusion = *member.ValueText
		}
	}
	return report, nil
}
