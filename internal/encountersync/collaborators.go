package encountersync

import (
	"context"
	"time"

	"github.com/drfirst/go-shrsync/internal/emr"
)

// PatientMerger unifies two patient records. The retired record's visits and
// encounters move to the retained one.
type PatientMerger interface {
	MergePatients(ctx context.Context, retainedHealthID, retiredHealthID string) error
}

// DownloadedEvent announces an encounter applied from the exchange.
type DownloadedEvent struct {
	EncounterUUID string    `json:"encounter_uuid"`
	EncounterID   string    `json:"encounter_id"`
	HealthID      string    `json:"health_id"`
	PatientUUID   string    `json:"patient_uuid"`
	VisitUUID     string    `json:"visit_uuid"`
	DownloadedAt  time.Time `json:"downloaded_at"`
}

// Notifier publishes download notifications. Failures do not fail the event.
type Notifier interface {
	EncounterDownloaded(ctx context.Context, ev DownloadedEvent) error
}

type nopNotifier struct{}

func (nopNotifier) EncounterDownloaded(context.Context, DownloadedEvent) error { return nil }

// DeathService determines the cause of death recorded for a dead patient.
type DeathService interface {
	CauseOfDeath(ctx context.Context, patient *emr.Patient, enc *emr.Encounter) (string, error)
}

// Defaults for EncounterDeathService.
const (
	CauseOfDeathConcept = "Cause Of Death"
	UnspecifiedCause    = "Unspecified Cause Of Death"
)

// EncounterDeathService reads the cause of death from the encounter's
// cause-of-death obs, keeping the recorded cause when the encounter has none.
type EncounterDeathService struct {
	ConceptName string
	Unspecified string
}

// NewEncounterDeathService creates a death service with the default concept names.
func NewEncounterDeathService() *EncounterDeathService {
	return &EncounterDeathService{ConceptName: CauseOfDeathConcept, Unspecified: UnspecifiedCause}
}

// CauseOfDeath implements DeathService.
func (s *EncounterDeathService) CauseOfDeath(_ context.Context, patient *emr.Patient, enc *emr.Encounter) (string, error) {
	if enc != nil {
		if o := enc.FindObs(s.ConceptName); o != nil {
			switch {
			case o.ValueCoded != nil:
				return o.ValueCoded.Name, nil
			case o.ValueText != nil && *o.ValueText != "":
				return *o.ValueText, nil
			}
		}
	}
	if patient.CauseOfDeath != "" {
		return patient.CauseOfDeath, nil
	}
	return s.Unspecified, nil
}
