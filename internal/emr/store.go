package emr

import (
	"context"
	"time"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

// ConceptLookup resolves exchange codings to local concepts.
type ConceptLookup interface {
	// FindConceptByCodings returns the concept matching any coding, creating a
	// local concept with the given defaults when none matches. It returns nil
	// when codings carry nothing to resolve.
	FindConceptByCodings(ctx context.Context, codings []fhir.Coding, facilityID, defaultClass, defaultDatatype string) (*Concept, error)
	// FindConceptByCode returns the concept matching any coding, or nil.
	FindConceptByCode(ctx context.Context, codings []fhir.Coding) (*Concept, error)
}

// VisitRequest describes the visit an incoming encounter should join.
type VisitRequest struct {
	At         time.Time
	VisitType  string
	LocationID string
	// Period bounds the visit when the exchange encounter declares one.
	Start *time.Time
	Stop  *time.Time
}

// Get methods of the stores below return nil, nil when the entity does not exist.

// EncounterStore persists encounters and visits.
type EncounterStore interface {
	// FindOrInitializeVisit returns the patient's visit of req's type and
	// location covering req.At, or a new unsaved visit. Calls for the same patient must be serialized.
	FindOrInitializeVisit(ctx context.Context, patient *Patient, req VisitRequest) (*Visit, error)
	GetEncounter(ctx context.Context, uuid string) (*Encounter, error)
	SaveEncounter(ctx context.Context, enc *Encounter) error
	SaveVisit(ctx context.Context, v *Visit) error
}

// OrderStore persists orders.
type OrderStore interface {
	GetOrderByUUID(ctx context.Context, uuid string) (*Order, error)
	SaveOrder(ctx context.Context, o *Order) error
}

// PatientStore persists patients.
type PatientStore interface {
	GetPatientByHealthID(ctx context.Context, healthID string) (*Patient, error)
	SavePatient(ctx context.Context, p *Patient) error
}

// ProviderLookup resolves practitioner references.
type ProviderLookup interface {
	// FindProvider resolves an exchange practitioner reference, or returns nil.
	FindProvider(ctx context.Context, reference string) (*Provider, error)
	// DefaultProvider is used when a reference cannot be resolved.
	DefaultProvider(ctx context.Context) (*Provider, error)
}
