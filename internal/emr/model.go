// Package emr defines the local record model the bridge writes into and the
// persistence contract it needs from the host record store.
package emr

import (
	"sort"
	"strings"
	"time"
)

// Concept classes and datatypes used when creating local concepts.
const (
	ClassMisc    = "Misc"
	ClassLabSet  = "LabSet"
	ClassTest    = "Test"
	DatatypeText = "Text"
	DatatypeNA   = "N/A"
	// DatatypeNumeric and friends mirror the structured obs value columns.
	DatatypeNumeric  = "Numeric"
	DatatypeCoded    = "Coded"
	DatatypeBoolean  = "Boolean"
	DatatypeDatetime = "Datetime"
)

// LocalConceptVersion prefixes the version of concepts created from
// unrecognised codings.
const LocalConceptVersion = "LOCAL"

// ReferenceTerm is a terminology code attached to a concept.
type ReferenceTerm struct {
	System string
	Code   string
}

// Concept is a local dictionary entry.
type Concept struct {
	ID             int64
	UUID           string
	Name           string
	Version        string
	Class          string
	Datatype       string
	ReferenceTerms []ReferenceTerm
}

// IsLocal reports whether the concept was created locally for an unknown coding.
func (c *Concept) IsLocal() bool {
	return c != nil && strings.HasPrefix(c.Version, LocalConceptVersion)
}

// IsSet reports whether the concept groups other concepts.
func (c *Concept) IsSet() bool {
	return c != nil && c.Class == ClassLabSet
}

// Provider is a practitioner known to the EMR.
type Provider struct {
	ID         int64
	UUID       string
	Identifier string
	Name       string
}

// Patient is the EMR patient record, keyed by its exchange health id.
type Patient struct {
	UUID         string
	HealthID     string
	Dead         bool
	DeathDate    *time.Time
	CauseOfDeath string
	ChangedBy    string
	DateChanged  *time.Time
}

// Visit groups encounters of one patient within a time window.
type Visit struct {
	UUID          string
	PatientUUID   string
	VisitType     string
	LocationID    string
	StartDatetime time.Time
	StopDatetime  *time.Time
	Creator       string
	ChangedBy     string
	// Encounters lists the uuids of the visit's encounters.
	Encounters []string
	// New is true until the visit is first saved.
	New bool
}

// Contains reports whether t falls within the visit window.
func (v *Visit) Contains(t time.Time) bool {
	if t.Before(v.StartDatetime) {
		return false
	}
	return v.StopDatetime == nil || !t.After(*v.StopDatetime)
}

// Matches reports whether the visit can take an encounter described by req:
// same type and location, with req.At inside the window.
func (v *Visit) Matches(req VisitRequest) bool {
	return v.VisitType == req.VisitType && v.LocationID == req.LocationID && v.Contains(req.At)
}

// AddEncounter records encounterUUID on the visit once.
func (v *Visit) AddEncounter(encounterUUID string) {
	for _, e := range v.Encounters {
		if e == encounterUUID {
			return
		}
	}
	v.Encounters = append(v.Encounters, encounterUUID)
}

// OrderAction is the lifecycle action of an order.
type OrderAction string

const (
	ActionNew         OrderAction = "NEW"
	ActionDiscontinue OrderAction = "DISCONTINUE"
)

// Care settings.
const (
	CareSettingOutpatient = "OUTPATIENT"
	CareSettingInpatient  = "INPATIENT"
)

// Order is a procedure or lab order. PreviousOrderUUID is a weak reference
// to the order being discontinued.
type Order struct {
	// ID is zero until the order is persisted.
	ID                 int64
	UUID               string
	EncounterUUID      string
	Concept            *Concept
	Action             OrderAction
	PreviousOrderUUID  string
	Orderer            *Provider
	CareSetting        string
	DateActivated      time.Time
	AutoExpireDate     *time.Time
	CommentToFulfiller string
	Creator            string
}

// IsNew reports whether the order has not been persisted yet.
func (o *Order) IsNew() bool { return o.ID == 0 }

// Obs is an observation with an optional group of members.
type Obs struct {
	ID            int64
	UUID          string
	Concept       *Concept
	ObsDatetime   time.Time
	ValueNumeric  *float64
	ValueText     *string
	ValueCoded    *Concept
	ValueDatetime *time.Time
	ValueBoolean  *bool
	OrderUUID     string
	GroupMembers  []*Obs
}

// HasValue reports whether any value column is set.
func (o *Obs) HasValue() bool {
	return o.ValueNumeric != nil || o.ValueText != nil || o.ValueCoded != nil ||
		o.ValueDatetime != nil || o.ValueBoolean != nil
}

// Encounter is a clinical encounter with its observations and orders.
type Encounter struct {
	UUID              string
	PatientUUID       string
	VisitUUID         string
	EncounterType     string
	EncounterDatetime time.Time
	LocationID        string
	Providers         []*Provider
	Obs               []*Obs
	Orders            []*Order
	Creator           string
	ChangedBy         string
	DateChanged       *time.Time
}

// SortOrders orders the encounter's orders by activation time, keeping the
// input order for equal times.
func (e *Encounter) SortOrders() {
	sort.SliceStable(e.Orders, func(i, j int) bool {
		return e.Orders[i].DateActivated.Before(e.Orders[j].DateActivated)
	})
}

// FindObs returns the first top-level obs whose concept has the given name.
func (e *Encounter) FindObs(conceptName string) *Obs {
	for _, o := range e.Obs {
		if o.Concept != nil && o.Concept.Name == conceptName {
			return o
		}
	}
	return nil
}
