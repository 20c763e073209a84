// Package stu3 provides the FHIR STU3 data structures exchanged with the shared health record.
package stu3

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
	Security    []Coding   `json:"security,omitempty"`
	Tag         []Coding   `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string           `json:"use,omitempty"` // usual | official | temp | secondary
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System       string `json:"system,omitempty"`
	Version      string `json:"version,omitempty"`
	Code         string `json:"code,omitempty"`
	Display      string `json:"display,omitempty"`
	UserSelected bool   `json:"userSelected,omitempty"`
}

// IsEmpty reports whether the coding carries no system, code or display.
func (c Coding) IsEmpty() bool {
	return c.System == "" && c.Code == "" && c.Display == ""
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// IDPart returns the trailing id segment of the reference.
func (r *Reference) IDPart() string {
	if r == nil {
		return ""
	}
	return IDPart(r.Reference)
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorReference *Reference `json:"authorReference,omitempty"`
	AuthorString    string     `json:"authorString,omitempty"`
	Time            *time.Time `json:"time,omitempty"`
	Text            string     `json:"text"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// Address represents a postal address.
type Address struct {
	Use        string   `json:"use,omitempty"`
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL                  string           `json:"url"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCode            string           `json:"valueCode,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
}

// IDPart extracts the id from a reference such as "Encounter/123" or "urn:uuid:123".
func IDPart(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}

// Common code systems
const (
	SystemLOINC           = "http://loinc.org"
	SystemSNOMED          = "http://snomed.info/sct"
	SystemUCUM            = "http://unitsofmeasure.org"
	SystemConfidentiality = "http://hl7.org/fhir/v3/Confidentiality"
	SystemActCode         = "http://hl7.org/fhir/v3/ActCode"
	SystemEventTiming     = "http://hl7.org/fhir/event-timing"
)

// Request statuses
const (
	StatusDraft          = "draft"
	StatusActive         = "active"
	StatusSuspended      = "suspended"
	StatusCancelled      = "cancelled"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusFinal          = "final"
	StatusUnknown        = "unknown"
)
