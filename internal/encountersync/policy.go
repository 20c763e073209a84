package encountersync

import (
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/ledger"
)

// MaxConfidentiality is the most restrictive level that is still synced.
const MaxConfidentiality = fhir.ConfidentialityNormal

// Evaluate runs the policy gate for ev given the existing encounter mapping,
// which may be nil. It returns nil when the event should be applied,
// ErrAlreadyApplied, or a *PolicyError.
func Evaluate(ev *EncounterEvent, existing *ledger.IdMapping) error {
	if ev.IsUpdate() {
		return &PolicyError{EncounterID: ev.EncounterID, Reason: "update events are not applied"}
	}
	if existing != nil {
		if existing.ServerUpdatedAt == nil {
			return ErrAlreadyApplied
		}
		if !ev.UpdatedAt.After(*existing.ServerUpdatedAt) {
			return &PolicyError{EncounterID: ev.EncounterID, Reason: "event is not newer than the applied version"}
		}
	}
	if level := ev.Bundle.Confidentiality(); level > MaxConfidentiality {
		return &PolicyError{EncounterID: ev.EncounterID, Reason: "confidentiality " + level.String() + " exceeds normal"}
	}
	return nil
}
