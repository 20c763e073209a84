package emr

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

// MemoryStore is an in-process implementation of every store contract.
// It backs tests and the dry-run import mode.
type MemoryStore struct {
	mu         sync.Mutex
	patients   map[string]*Patient // by health id
	visits     map[string]*Visit
	encounters map[string]*Encounter
	orders     map[string]*Order
	providers  map[string]*Provider // by identifier
	defaultPr  *Provider
	concepts   []*Concept
	nextID     int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:   make(map[string]*Patient),
		visits:     make(map[string]*Visit),
		encounters: make(map[string]*Encounter),
		orders:     make(map[string]*Order),
		providers:  make(map[string]*Provider),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// AddConcept registers a concept, assigning ids when missing.
func (s *MemoryStore) AddConcept(c *Concept) *Concept {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	s.concepts = append(s.concepts, c)
	return c
}

// AddProvider registers a provider under its identifier.
func (s *MemoryStore) AddProvider(p *Provider, isDefault bool) *Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	s.providers[p.Identifier] = p
	if isDefault {
		s.defaultPr = p
	}
	return p
}

// FindConceptByCode implements ConceptLookup.
func (s *MemoryStore) FindConceptByCode(_ context.Context, codings []fhir.Coding) (*Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findConcept(codings), nil
}

func (s *MemoryStore) findConcept(codings []fhir.Coding) *Concept {
	for _, coding := range codings {
		if coding.Code == "" {
			continue
		}
		for _, c := range s.concepts {
			for _, term := range c.ReferenceTerms {
				if term.Code == coding.Code && (coding.System == "" || term.System == coding.System) {
					return c
				}
			}
		}
	}
	return nil
}

// FindConceptByCodings implements ConceptLookup.
func (s *MemoryStore) FindConceptByCodings(_ context.Context, codings []fhir.Coding, facilityID, defaultClass, defaultDatatype string) (*Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !hasResolvableCoding(codings) {
		return nil, nil
	}
	if c := s.findConcept(codings); c != nil {
		return c, nil
	}
	c := newLocalConcept(codings, facilityID, defaultClass, defaultDatatype)
	c.ID = s.id()
	s.concepts = append(s.concepts, c)
	return c, nil
}

func hasResolvableCoding(codings []fhir.Coding) bool {
	for _, c := range codings {
		if !c.IsEmpty() {
			return true
		}
	}
	return false
}

// newLocalConcept builds the concept created for codings nothing matched.
func newLocalConcept(codings []fhir.Coding, facilityID, class, datatype string) *Concept {
	c := &Concept{
		UUID:     uuid.NewString(),
		Version:  LocalConceptVersion + ":" + facilityID,
		Class:    class,
		Datatype: datatype,
	}
	for _, coding := range codings {
		if c.Name == "" {
			c.Name = strings.TrimSpace(coding.Display)
		}
		if coding.Code != "" {
			c.ReferenceTerms = append(c.ReferenceTerms, ReferenceTerm{System: coding.System, Code: coding.Code})
		}
	}
	if c.Name == "" && len(c.ReferenceTerms) > 0 {
		c.Name = c.ReferenceTerms[0].Code
	}
	return c
}

// FindProvider implements ProviderLookup.
func (s *MemoryStore) FindProvider(_ context.Context, reference string) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[ProviderIdentifier(reference)]; ok {
		return p, nil
	}
	return nil, nil
}

// DefaultProvider implements ProviderLookup.
func (s *MemoryStore) DefaultProvider(_ context.Context) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultPr, nil
}

// GetPatientByHealthID implements PatientStore.
func (s *MemoryStore) GetPatientByHealthID(_ context.Context, healthID string) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patients[healthID], nil
}

// SavePatient implements PatientStore.
func (s *MemoryStore) SavePatient(_ context.Context, p *Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	s.patients[p.HealthID] = p
	return nil
}

// FindOrInitializeVisit implements EncounterStore.
func (s *MemoryStore) FindOrInitializeVisit(_ context.Context, patient *Patient, req VisitRequest) (*Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Visit
	for _, v := range s.visits {
		if v.PatientUUID != patient.UUID || !v.Matches(req) {
			continue
		}
		if found == nil || v.StartDatetime.After(found.StartDatetime) {
			found = v
		}
	}
	if found != nil {
		return found, nil
	}
	return InitializeVisit(patient, req), nil
}

// InitializeVisit builds an unsaved visit for req.
func InitializeVisit(patient *Patient, req VisitRequest) *Visit {
	v := &Visit{
		UUID:          uuid.NewString(),
		PatientUUID:   patient.UUID,
		VisitType:     req.VisitType,
		LocationID:    req.LocationID,
		StartDatetime: req.At,
		New:           true,
	}
	if req.Start != nil && req.Start.Before(req.At) {
		v.StartDatetime = *req.Start
	}
	if req.Stop != nil {
		stop := *req.Stop
		v.StopDatetime = &stop
	}
	return v
}

// GetEncounter implements EncounterStore.
func (s *MemoryStore) GetEncounter(_ context.Context, id string) (*Encounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encounters[id], nil
}

// SaveEncounter implements EncounterStore.
func (s *MemoryStore) SaveEncounter(_ context.Context, enc *Encounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enc.UUID == "" {
		enc.UUID = uuid.NewString()
	}
	s.encounters[enc.UUID] = enc
	return nil
}

// SaveVisit implements EncounterStore.
func (s *MemoryStore) SaveVisit(_ context.Context, v *Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.New = false
	s.visits[v.UUID] = v
	for _, id := range v.Encounters {
		if e, ok := s.encounters[id]; ok {
			e.VisitUUID = v.UUID
		}
	}
	return nil
}

// GetOrderByUUID implements OrderStore.
func (s *MemoryStore) GetOrderByUUID(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id], nil
}

// SaveOrder implements OrderStore.
func (s *MemoryStore) SaveOrder(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.id()
	}
	s.orders[o.UUID] = o
	return nil
}

// Encounters returns every saved encounter.
func (s *MemoryStore) Encounters() []*Encounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Encounter, 0, len(s.encounters))
	for _, e := range s.encounters {
		out = append(out, e)
	}
	return out
}

// Visits returns every saved visit.
func (s *MemoryStore) Visits() []*Visit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Visit, 0, len(s.visits))
	for _, v := range s.visits {
		out = append(out, v)
	}
	return out
}

// Orders returns every saved order.
func (s *MemoryStore) Orders() []*Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// ProviderIdentifier extracts the provider identifier from a practitioner
// reference such as "http://hrm/api/1.0/providers/812.json".
func ProviderIdentifier(reference string) string {
	return strings.TrimSuffix(fhir.IDPart(reference), ".json")
}
