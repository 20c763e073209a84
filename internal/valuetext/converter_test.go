package valuetext

import (
	"testing"
	"time"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

func TestConvertNil(t *testing.T) {
	if got := Convert(nil); got != "" {
		t.Errorf("Convert(nil) = %q, want empty", got)
	}
}

func TestConvertDate(t *testing.T) {
	got := Convert(fhir.DateTimeValue{Time: *day("2015-06-17")})
	if got != "17 Jun 2015" {
		t.Errorf("got %q", got)
	}
}

func TestConvertQuantity(t *testing.T) {
	q := &fhir.Quantity{}
	if got := Convert(q); got != "" {
		t.Errorf("empty quantity = %q, want empty", got)
	}

	q.Value = floatPtr(12)
	if got := Convert(q); got != "12" {
		t.Errorf("quantity without unit = %q, want 12", got)
	}

	q.Unit = "mg"
	if got := Convert(q); got != "12 mg" {
		t.Errorf("quantity with unit = %q, want 12 mg", got)
	}

	if got := Convert(fhir.NewQuantity(6.5, "")); got != "6.5" {
		t.Errorf("fractional quantity = %q, want 6.5", got)
	}
}

func TestConvertCodeableConcept(t *testing.T) {
	cc := &fhir.CodeableConcept{}
	if got := Convert(cc); got != "" {
		t.Errorf("empty concept = %q", got)
	}

	cc.Text = "Fever"
	if got := Convert(cc); got != "Fever" {
		t.Errorf("text only = %q", got)
	}

	cc.Coding = []fhir.Coding{{Display: "Pyrexia"}}
	if got := Convert(cc); got != "Pyrexia" {
		t.Errorf("coding display should win, got %q", got)
	}
}

func TestConvertRatio(t *testing.T) {
	r := &fhir.Ratio{}
	if got := Convert(r); got != "0" {
		t.Errorf("empty ratio = %q, want 0", got)
	}

	r.Numerator = fhir.NewQuantity(12, "")
	r.Denominator = fhir.NewQuantity(24, "")
	if got := Convert(r); got != "12/24" {
		t.Errorf("ratio = %q, want 12/24", got)
	}
}

func TestConvertPeriod(t *testing.T) {
	tests := []struct {
		name string
		in   *fhir.Period
		want string
	}{
		{"empty", &fhir.Period{}, InvalidPeriod},
		{"start only", &fhir.Period{Start: day("2015-06-17")}, "17 Jun 2015"},
		{"end only", &fhir.Period{End: day("2016-06-17")}, PeriodStartUnknown + " - 17 Jun 2016"},
		{"both", &fhir.Period{Start: day("2015-06-17"), End: day("2016-06-17")}, "17 Jun 2015 - 17 Jun 2016"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Convert(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConvertSampledData(t *testing.T) {
	if got := Convert(&fhir.SampledData{Data: "Hello"}); got != "Hello" {
		t.Errorf("got %q", got)
	}
}

func TestConvertRange(t *testing.T) {
	r := &fhir.Range{High: fhir.NewQuantity(12, "")}
	if got := Convert(r); got != " - 12" {
		t.Errorf("high only = %q", got)
	}

	r.Low = fhir.NewQuantity(6, "")
	if got := Convert(r); got != "6 - 12" {
		t.Errorf("range = %q", got)
	}
}

func TestConvertTimingWithFrequency(t *testing.T) {
	timing := &fhir.Timing{Repeat: &fhir.TimingRepeat{
		BoundsPeriod: &fhir.Period{Start: day("2015-06-17"), End: day("2016-06-17")},
		Frequency:    intPtr(2),
		Period:       floatPtr(1),
		PeriodUnit:   fhir.UnitDay,
	}}

	want := "2 time(s) in 1 Day. Duration:- 17 Jun 2015 - 17 Jun 2016"
	if got := Convert(timing); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConvertTimingWithWhen(t *testing.T) {
	timing := &fhir.Timing{Repeat: &fhir.TimingRepeat{
		BoundsPeriod: &fhir.Period{Start: day("2015-06-17"), End: day("2016-06-17")},
		When:         []string{"ACM"},
		Period:       floatPtr(1),
		PeriodUnit:   fhir.UnitHour,
	}}

	want := "1 Hour before breakfast. Duration:- 17 Jun 2015 - 17 Jun 2016"
	if got := Convert(timing); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConvertIsTotalOnEmptyValues(t *testing.T) {
	values := []fhir.Value{
		(*fhir.Quantity)(nil),
		(*fhir.CodeableConcept)(nil),
		(*fhir.Ratio)(nil),
		(*fhir.Range)(nil),
		(*fhir.SampledData)(nil),
		(*fhir.Timing)(nil),
		&fhir.Timing{},
		fhir.StringValue(""),
	}
	for _, v := range values {
		if got := Convert(v); got != "" {
			t.Errorf("Convert(%T) = %q, want empty", v, got)
		}
	}
}
