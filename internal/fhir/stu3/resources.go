package stu3

import "time"

// Resource types carried in SHR bundles.
const (
	TypeBundle           = "Bundle"
	TypeComposition      = "Composition"
	TypeEncounter        = "Encounter"
	TypeObservation      = "Observation"
	TypeProcedureRequest = "ProcedureRequest"
	TypeProvenance       = "Provenance"
	TypeDiagnosticReport = "DiagnosticReport"
	TypePatient          = "Patient"
)

// Resource is the closed set of resource kinds the bridge understands.
// Entries of other kinds decode to *Unknown.
type Resource interface {
	GetResourceType() string
	GetID() string
	resource()
}

// Composition is the document header of an encounter bundle.
type Composition struct {
	ResourceType    string               `json:"resourceType"`
	ID              string               `json:"id,omitempty"`
	Meta            *Meta                `json:"meta,omitempty"`
	Identifier      *Identifier          `json:"identifier,omitempty"`
	Status          string               `json:"status,omitempty"`
	Type            *CodeableConcept     `json:"type,omitempty"`
	Subject         *Reference           `json:"subject,omitempty"`
	Encounter       *Reference           `json:"encounter,omitempty"`
	Date            *time.Time           `json:"date,omitempty"`
	Author          []Reference          `json:"author,omitempty"`
	Title           string               `json:"title,omitempty"`
	Confidentiality string               `json:"confidentiality,omitempty"`
	Section         []CompositionSection `json:"section,omitempty"`
}

// CompositionSection lists the resources a composition covers.
type CompositionSection struct {
	Title string      `json:"title,omitempty"`
	Entry []Reference `json:"entry,omitempty"`
}

// Encounter is the clinical encounter resource.
type Encounter struct {
	ResourceType    string                 `json:"resourceType"`
	ID              string                 `json:"id,omitempty"`
	Meta            *Meta                  `json:"meta,omitempty"`
	Identifier      []Identifier           `json:"identifier,omitempty"`
	Status          string                 `json:"status,omitempty"`
	Class           *Coding                `json:"class,omitempty"`
	Type            []CodeableConcept      `json:"type,omitempty"`
	Subject         *Reference             `json:"subject,omitempty"`
	Participant     []EncounterParticipant `json:"participant,omitempty"`
	Period          *Period                `json:"period,omitempty"`
	ServiceProvider *Reference             `json:"serviceProvider,omitempty"`
}

// EncounterParticipant is a practitioner involved in the encounter.
type EncounterParticipant struct {
	Type       []CodeableConcept `json:"type,omitempty"`
	Individual *Reference        `json:"individual,omitempty"`
}

// FirstParticipant returns the first participant's individual reference.
func (e *Encounter) FirstParticipant() *Reference {
	if e == nil || len(e.Participant) == 0 {
		return nil
	}
	return e.Participant[0].Individual
}

// TypeText returns the display text of the first encounter type.
func (e *Encounter) TypeText() string {
	if len(e.Type) == 0 {
		return ""
	}
	if e.Type[0].Text != "" {
		return e.Type[0].Text
	}
	return e.Type[0].FirstCoding().Display
}

// Observation is a measurement or assertion.
type Observation struct {
	ResourceType         string               `json:"resourceType"`
	ID                   string               `json:"id,omitempty"`
	Meta                 *Meta                `json:"meta,omitempty"`
	Identifier           []Identifier         `json:"identifier,omitempty"`
	Status               string               `json:"status,omitempty"`
	Code                 CodeableConcept      `json:"code"`
	Subject              *Reference           `json:"subject,omitempty"`
	Context              *Reference           `json:"context,omitempty"`
	EffectiveDateTime    *time.Time           `json:"effectiveDateTime,omitempty"`
	Issued               *time.Time           `json:"issued,omitempty"`
	Performer            []Reference          `json:"performer,omitempty"`
	ValueQuantity        *Quantity            `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept     `json:"valueCodeableConcept,omitempty"`
	ValueString          *string              `json:"valueString,omitempty"`
	ValueBoolean         *bool                `json:"valueBoolean,omitempty"`
	ValueInteger         *int                 `json:"valueInteger,omitempty"`
	ValueRange           *Range               `json:"valueRange,omitempty"`
	ValueRatio           *Ratio               `json:"valueRatio,omitempty"`
	ValueSampledData     *SampledData         `json:"valueSampledData,omitempty"`
	ValueDateTime        *time.Time           `json:"valueDateTime,omitempty"`
	ValuePeriod          *Period              `json:"valuePeriod,omitempty"`
	Related              []ObservationRelated `json:"related,omitempty"`
}

// ObservationRelated links an observation to a grouped child.
type ObservationRelated struct {
	Type   string    `json:"type,omitempty"` // has-member | derived-from | ...
	Target Reference `json:"target"`
}

// Value returns the typed value of the observation, or nil when none is set.
func (o *Observation) Value() Value {
	switch {
	case o.ValueQuantity != nil:
		return o.ValueQuantity
	case o.ValueCodeableConcept != nil:
		return o.ValueCodeableConcept
	case o.ValueString != nil:
		return StringValue(*o.ValueString)
	case o.ValueBoolean != nil:
		return BooleanValue(*o.ValueBoolean)
	case o.ValueInteger != nil:
		return IntegerValue(*o.ValueInteger)
	case o.ValueRange != nil:
		return o.ValueRange
	case o.ValueRatio != nil:
		return o.ValueRatio
	case o.ValueSampledData != nil:
		return o.ValueSampledData
	case o.ValueDateTime != nil:
		return DateTimeValue{Time: *o.ValueDateTime}
	case o.ValuePeriod != nil:
		return o.ValuePeriod
	}
	return nil
}

// SetValue stores v in the matching value[x] field.
func (o *Observation) SetValue(v Value) {
	switch val := v.(type) {
	case *Quantity:
		o.ValueQuantity = val
	case *CodeableConcept:
		o.ValueCodeableConcept = val
	case StringValue:
		s := string(val)
		o.ValueString = &s
	case BooleanValue:
		b := bool(val)
		o.ValueBoolean = &b
	case IntegerValue:
		i := int(val)
		o.ValueInteger = &i
	case *Range:
		o.ValueRange = val
	case *Ratio:
		o.ValueRatio = val
	case *SampledData:
		o.ValueSampledData = val
	case DateTimeValue:
		t := val.Time
		o.ValueDateTime = &t
	case *Period:
		o.ValuePeriod = val
	}
}

// ProcedureRequest is a service order, including procedure and lab orders.
type ProcedureRequest struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id,omitempty"`
	Meta            *Meta             `json:"meta,omitempty"`
	Identifier      []Identifier      `json:"identifier,omitempty"`
	Status          string            `json:"status"`
	Intent          string            `json:"intent,omitempty"`
	Category        []CodeableConcept `json:"category,omitempty"`
	Code            CodeableConcept   `json:"code"`
	Subject         *Reference        `json:"subject,omitempty"`
	Context         *Reference        `json:"context,omitempty"`
	AuthoredOn      *time.Time        `json:"authoredOn,omitempty"`
	Requester       *Reference        `json:"requester,omitempty"`
	Note            []Annotation      `json:"note,omitempty"`
	RelevantHistory []Reference       `json:"relevantHistory,omitempty"`
	Extension       []Extension       `json:"extension,omitempty"`
}

// CategoryCode returns the first coding code of the first category.
func (p *ProcedureRequest) CategoryCode() string {
	if len(p.Category) == 0 {
		return ""
	}
	return p.Category[0].FirstCoding().Code
}

// IsCancelled reports whether the request cancels an earlier order.
func (p *ProcedureRequest) IsCancelled() bool {
	return p.Status == StatusCancelled
}

// FirstNote returns the text of the first note.
func (p *ProcedureRequest) FirstNote() string {
	if len(p.Note) == 0 {
		return ""
	}
	return p.Note[0].Text
}

// Provenance records who did what to which resource.
type Provenance struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Target       []Reference       `json:"target"`
	Recorded     *time.Time        `json:"recorded,omitempty"`
	Activity     *Coding           `json:"activity,omitempty"`
	Agent        []ProvenanceAgent `json:"agent,omitempty"`
}

// ProvenanceAgent is an actor in a provenance record.
type ProvenanceAgent struct {
	Role         []CodeableConcept `json:"role,omitempty"`
	WhoReference *Reference        `json:"whoReference,omitempty"`
}

// FirstTarget returns the reference string of the first target.
func (p *Provenance) FirstTarget() string {
	if len(p.Target) == 0 {
		return ""
	}
	return p.Target[0].Reference
}

// FirstAgentWho returns the reference of the first agent.
func (p *Provenance) FirstAgentWho() string {
	if p == nil || len(p.Agent) == 0 || p.Agent[0].WhoReference == nil {
		return ""
	}
	return p.Agent[0].WhoReference.Reference
}

// DiagnosticReport summarizes results of a diagnostic order.
type DiagnosticReport struct {
	ResourceType      string                      `json:"resourceType"`
	ID                string                      `json:"id,omitempty"`
	Identifier        []Identifier                `json:"identifier,omitempty"`
	BasedOn           []Reference                 `json:"basedOn,omitempty"`
	Status            string                      `json:"status"`
	Code              CodeableConcept             `json:"code"`
	Subject           *Reference                  `json:"subject,omitempty"`
	Context           *Reference                  `json:"context,omitempty"`
	EffectiveDateTime *time.Time                  `json:"effectiveDateTime,omitempty"`
	Issued            *time.Time                  `json:"issued,omitempty"`
	Performer         []DiagnosticReportPerformer `json:"performer,omitempty"`
	Result            []Reference                 `json:"result,omitempty"`
	Conclusion        string                      `json:"conclusion,omitempty"`
}

// DiagnosticReportPerformer is the actor responsible for the report.
type DiagnosticReportPerformer struct {
	Actor Reference `json:"actor"`
}

// Patient is the subject of care.
type Patient struct {
	ResourceType     string       `json:"resourceType"`
	ID               string       `json:"id,omitempty"`
	Identifier       []Identifier `json:"identifier,omitempty"`
	Active           bool         `json:"active,omitempty"`
	Name             []HumanName  `json:"name,omitempty"`
	Gender           string       `json:"gender,omitempty"`
	BirthDate        string       `json:"birthDate,omitempty"`
	DeceasedBoolean  *bool        `json:"deceasedBoolean,omitempty"`
	DeceasedDateTime *time.Time   `json:"deceasedDateTime,omitempty"`
	Address          []Address    `json:"address,omitempty"`
}

// Unknown holds an entry whose resource type the bridge does not map.
type Unknown struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}

func (r *Composition) GetResourceType() string      { return TypeComposition }
func (r *Encounter) GetResourceType() string        { return TypeEncounter }
func (r *Observation) GetResourceType() string      { return TypeObservation }
func (r *ProcedureRequest) GetResourceType() string { return TypeProcedureRequest }
func (r *Provenance) GetResourceType() string       { return TypeProvenance }
func (r *DiagnosticReport) GetResourceType() string { return TypeDiagnosticReport }
func (r *Patient) GetResourceType() string          { return TypePatient }
func (r *Unknown) GetResourceType() string          { return r.ResourceType }

func (r *Composition) GetID() string      { return r.ID }
func (r *Encounter) GetID() string        { return r.ID }
func (r *Observation) GetID() string      { return r.ID }
func (r *ProcedureRequest) GetID() string { return r.ID }
func (r *Provenance) GetID() string       { return r.ID }
func (r *DiagnosticReport) GetID() string { return r.ID }
func (r *Patient) GetID() string          { return r.ID }
func (r *Unknown) GetID() string          { return r.ID }

func (*Composition) resource()      {}
func (*Encounter) resource()        {}
func (*Observation) resource()      {}
func (*ProcedureRequest) resource() {}
func (*Provenance) resource()       {}
func (*DiagnosticReport) resource() {}
func (*Patient) resource()          {}
func (*Unknown) resource()          {}
