package stu3

import "time"

// Value is the closed set of typed clinical values an Observation can carry.
type Value interface {
	value()
}

// DateTimeValue is a point in time.
type DateTimeValue struct {
	Time time.Time
}

// StringValue is free text.
type StringValue string

// BooleanValue is a yes/no answer.
type BooleanValue bool

// IntegerValue is a whole number.
type IntegerValue int

// Quantity represents a measured amount.
type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// NewQuantity returns a quantity with the given value and unit.
func NewQuantity(v float64, unit string) *Quantity {
	return &Quantity{Value: &v, Unit: unit}
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding or an empty one.
func (c *CodeableConcept) FirstCoding() Coding {
	if c == nil || len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

// Ratio represents a ratio between two quantities.
type Ratio struct {
	Numerator   *Quantity `json:"numerator,omitempty"`
	Denominator *Quantity `json:"denominator,omitempty"`
}

// Period represents a time period with optional bounds.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Range represents a low/high interval.
type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

// SampledData carries raw series data.
type SampledData struct {
	Origin     *Quantity `json:"origin,omitempty"`
	Period     float64   `json:"period,omitempty"`
	Dimensions int       `json:"dimensions,omitempty"`
	Data       string    `json:"data,omitempty"`
}

// Timing describes when an event is to occur.
type Timing struct {
	Event  []time.Time      `json:"event,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat is the structured repeat descriptor of a Timing.
type TimingRepeat struct {
	BoundsPeriod *Period    `json:"boundsPeriod,omitempty"`
	Count        *int       `json:"count,omitempty"`
	Frequency    *int       `json:"frequency,omitempty"`
	Period       *float64   `json:"period,omitempty"`
	PeriodUnit   UnitOfTime `json:"periodUnit,omitempty"`
	When         []string   `json:"when,omitempty"`
}

func (DateTimeValue) value()    {}
func (StringValue) value()      {}
func (BooleanValue) value()     {}
func (IntegerValue) value()     {}
func (*Quantity) value()        {}
func (*CodeableConcept) value() {}
func (*Ratio) value()           {}
func (*Period) value()          {}
func (*Range) value()           {}
func (*SampledData) value()     {}
func (*Timing) value()          {}

// UnitOfTime is a UCUM unit of time used by Timing.
type UnitOfTime string

const (
	UnitSecond UnitOfTime = "s"
	UnitMinute UnitOfTime = "min"
	UnitHour   UnitOfTime = "h"
	UnitDay    UnitOfTime = "d"
	UnitWeek   UnitOfTime = "wk"
	UnitMonth  UnitOfTime = "mo"
	UnitYear   UnitOfTime = "a"
)

// Display returns the English name of the unit.
func (u UnitOfTime) Display() string {
	switch u {
	case UnitSecond:
		return "Second"
	case UnitMinute:
		return "Minute"
	case UnitHour:
		return "Hour"
	case UnitDay:
		return "Day"
	case UnitWeek:
		return "Week"
	case UnitMonth:
		return "Month"
	case UnitYear:
		return "Year"
	default:
		return string(u)
	}
}

var eventTimingLabels = map[string]string{
	"HS":    "before sleep",
	"WAKE":  "upon waking",
	"C":     "at meal",
	"CM":    "at breakfast",
	"CD":    "at lunch",
	"CV":    "at dinner",
	"AC":    "before meal",
	"ACM":   "before breakfast",
	"ACD":   "before lunch",
	"ACV":   "before dinner",
	"PC":    "after meal",
	"PCM":   "after breakfast",
	"PCD":   "after lunch",
	"PCV":   "after dinner",
	"MORN":  "morning",
	"AFT":   "afternoon",
	"EVE":   "evening",
	"NIGHT": "night",
}

// EventTimingLabel returns the human label for an event-timing code.
func EventTimingLabel(code string) string {
	if label, ok := eventTimingLabels[code]; ok {
		return label
	}
	return code
}
