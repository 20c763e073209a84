// Package ledger provides the durable id-mapping ledger that links exchange
// identifiers to local entity uuids. A mapping, once written, is never deleted;
// it is the only record that an external entity has already been applied.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EntityType classifies a mapping.
type EntityType string

const (
	EntityEncounter       EntityType = "ENCOUNTER"
	EntityProcedureOrder  EntityType = "PROCEDURE_ORDER"
	EntityDiagnosticOrder EntityType = "DIAGNOSTIC_ORDER"
	EntityPatient         EntityType = "PATIENT"
	EntityConcept         EntityType = "CONCEPT"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityEncounter, EntityProcedureOrder, EntityDiagnosticOrder, EntityPatient, EntityConcept:
		return true
	}
	return false
}

// IdMapping links an external id to a local uuid.
type IdMapping struct {
	InternalID   string     `json:"internal_id"`
	ExternalID   string     `json:"external_id"`
	EntityType   EntityType `json:"entity_type"`
	HealthID     string     `json:"health_id,omitempty"`
	URI          string     `json:"uri,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSyncedAt time.Time  `json:"last_synced_at"`
	// ServerUpdatedAt is the exchange-side update time of the entity when it
	// was last applied. Nil means no server timestamp was recorded.
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
}

// Store is the ledger contract. Find methods return nil, nil when no mapping exists.
type Store interface {
	FindByExternalID(ctx context.Context, externalID string, t EntityType) (*IdMapping, error)
	FindByInternalID(ctx context.Context, internalID string, t EntityType) (*IdMapping, error)
	// SaveOrUpdate inserts or replaces the mapping keyed by (ExternalID, EntityType).
	SaveOrUpdate(ctx context.Context, m *IdMapping) error
}

// Stats counts mappings per entity type.
type Stats struct {
	Total  int64                `json:"total"`
	ByType map[EntityType]int64 `json:"by_type"`
}

// ProcedureOrderExternalID is the composite id under which a procedure order is recorded.
func ProcedureOrderExternalID(encounterID, requestID string) string {
	return encounterID + ":" + requestID
}

// URIBuilder renders the exchange URIs recorded on mappings.
type URIBuilder struct {
	SHRBaseURL string
	TRBaseURL  string
}

// NewURIBuilder trims trailing slashes from the base URLs.
func NewURIBuilder(shrBaseURL, trBaseURL string) URIBuilder {
	return URIBuilder{
		SHRBaseURL: strings.TrimRight(shrBaseURL, "/"),
		TRBaseURL:  strings.TrimRight(trBaseURL, "/"),
	}
}

// Patient returns the patient URI.
func (b URIBuilder) Patient(healthID string) string {
	return fmt.Sprintf("%s/patients/%s", b.SHRBaseURL, healthID)
}

// Encounter returns the encounter URI.
func (b URIBuilder) Encounter(healthID, encounterID string) string {
	return fmt.Sprintf("%s/patients/%s/encounters/%s", b.SHRBaseURL, healthID, encounterID)
}

// Resource returns the URI of a resource inside an encounter.
func (b URIBuilder) Resource(healthID, encounterID, resourceType, resourceID string) string {
	return fmt.Sprintf("%s#%s/%s", b.Encounter(healthID, encounterID), resourceType, resourceID)
}

// Obs returns the URI of a local observation shared under the patient.
func (b URIBuilder) Obs(healthID, obsUUID string) string {
	return fmt.Sprintf("%s/obs/%s", b.Patient(healthID), obsUUID)
}

// Concept returns the terminology URI of a concept.
func (b URIBuilder) Concept(conceptID string) string {
	return fmt.Sprintf("%s/openmrs/ws/rest/v1/tr/concepts/%s", b.TRBaseURL, conceptID)
}
