// Package frequency maps named dosing frequencies to structured repeat
// descriptors and back.
package frequency

import fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"

// Repeat is a structured frequency: Frequency occurrences every Period Units.
type Repeat struct {
	Frequency int
	Period    float64
	Unit      fhir.UnitOfTime
}

// ToTiming converts the repeat into a Timing repeat block.
func (r Repeat) ToTiming() *fhir.TimingRepeat {
	freq, period := r.Frequency, r.Period
	return &fhir.TimingRepeat{Frequency: &freq, Period: &period, PeriodUnit: r.Unit}
}

// FromTiming reads a repeat from a Timing repeat block.
// It reports false when frequency or period is missing.
func FromTiming(t *fhir.TimingRepeat) (Repeat, bool) {
	if t == nil || t.Frequency == nil || t.Period == nil {
		return Repeat{}, false
	}
	return Repeat{Frequency: *t.Frequency, Period: *t.Period, Unit: t.PeriodUnit}, true
}

type entry struct {
	name   string
	repeat Repeat
}

var catalog = []entry{
	{"Once a day", Repeat{1, 1, fhir.UnitDay}},
	{"Twice a day", Repeat{2, 1, fhir.UnitDay}},
	{"Thrice a day", Repeat{3, 1, fhir.UnitDay}},
	{"Four times a day", Repeat{4, 1, fhir.UnitDay}},
	{"Every Hour", Repeat{1, 1, fhir.UnitHour}},
	{"Every 2 hours", Repeat{1, 2, fhir.UnitHour}},
	{"Every 3 hours", Repeat{1, 3, fhir.UnitHour}},
	{"Every 4 hours", Repeat{1, 4, fhir.UnitHour}},
	{"Every 6 hours", Repeat{1, 6, fhir.UnitHour}},
	{"Every 8 hours", Repeat{1, 8, fhir.UnitHour}},
	{"Every 12 hours", Repeat{1, 12, fhir.UnitHour}},
	{"Five times a day", Repeat{5, 1, fhir.UnitDay}},
	{"On alternate days", Repeat{1, 2, fhir.UnitDay}},
	{"Once a week", Repeat{1, 1, fhir.UnitWeek}},
	{"Twice a week", Repeat{2, 1, fhir.UnitWeek}},
	{"Thrice a week", Repeat{3, 1, fhir.UnitWeek}},
	{"Four days a week", Repeat{4, 1, fhir.UnitWeek}},
	{"Five days a week", Repeat{5, 1, fhir.UnitWeek}},
	{"Six days a week", Repeat{6, 1, fhir.UnitWeek}},
	{"Every 2 weeks", Repeat{1, 2, fhir.UnitWeek}},
	{"Every 3 weeks", Repeat{1, 3, fhir.UnitWeek}},
	{"Once a month", Repeat{1, 1, fhir.UnitMonth}},
}

// ByName returns the repeat for a frequency label.
func ByName(name string) (Repeat, bool) {
	for _, e := range catalog {
		if e.name == name {
			return e.repeat, true
		}
	}
	return Repeat{}, false
}

// ByRepeat returns the label whose repeat matches r exactly.
func ByRepeat(r Repeat) (string, bool) {
	for _, e := range catalog {
		if e.repeat == r {
			return e.name, true
		}
	}
	return "", false
}

// Names returns every label in catalog order.
func Names() []string {
	names := make([]string, len(catalog))
	for i, e := range catalog {
		names[i] = e.name
	}
	return names
}
