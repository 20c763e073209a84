// Package valuetext renders typed clinical values as display text.
// The text is stored as the observation value for concepts that were created
// locally and therefore have no structured datatype to map into.
package valuetext

import (
	"fmt"
	"strconv"
	"strings"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

// DateLayout is the layout used for every rendered date.
const DateLayout = "02 Jan 2006"

// Placeholder tokens for incomplete periods.
const (
	PeriodStartUnknown = "StartUnknown"
	InvalidPeriod      = "Invalid Period"
)

// Convert renders v as text. It never fails; nil or empty values yield "".
func Convert(v fhir.Value) string {
	switch val := v.(type) {
	case nil:
		return ""
	case fhir.DateTimeValue:
		return val.Time.Format(DateLayout)
	case fhir.StringValue:
		return string(val)
	case fhir.BooleanValue:
		return strconv.FormatBool(bool(val))
	case fhir.IntegerValue:
		return strconv.Itoa(int(val))
	case *fhir.Quantity:
		return quantity(val)
	case *fhir.CodeableConcept:
		return codeableConcept(val)
	case *fhir.Ratio:
		return ratio(val)
	case *fhir.Period:
		return period(val)
	case *fhir.SampledData:
		if val == nil {
			return ""
		}
		return val.Data
	case *fhir.Range:
		return valueRange(val)
	case *fhir.Timing:
		return timing(val)
	}
	return ""
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func quantity(q *fhir.Quantity) string {
	if q == nil || q.Value == nil {
		return ""
	}
	if q.Unit == "" {
		return number(*q.Value)
	}
	return number(*q.Value) + " " + q.Unit
}

func codeableConcept(c *fhir.CodeableConcept) string {
	if c == nil {
		return ""
	}
	if len(c.Coding) > 0 {
		return c.Coding[0].Display
	}
	return c.Text
}

func ratio(r *fhir.Ratio) string {
	if r == nil {
		return ""
	}
	num, den := quantity(r.Numerator), quantity(r.Denominator)
	if num == "" && den == "" {
		return "0"
	}
	return num + "/" + den
}

func period(p *fhir.Period) string {
	if p == nil || (p.Start == nil && p.End == nil) {
		return InvalidPeriod
	}
	start := PeriodStartUnknown
	if p.Start != nil {
		start = p.Start.Format(DateLayout)
	}
	if p.End == nil {
		return start
	}
	return start + " - " + p.End.Format(DateLayout)
}

func valueRange(r *fhir.Range) string {
	if r == nil {
		return ""
	}
	return quantity(r.Low) + " - " + quantity(r.High)
}

func timing(t *fhir.Timing) string {
	if t == nil || t.Repeat == nil {
		return ""
	}
	rep := t.Repeat

	var periodText string
	if rep.Period != nil {
		periodText = number(*rep.Period)
	}
	unit := rep.PeriodUnit.Display()

	var text string
	switch {
	case rep.Frequency != nil:
		text = fmt.Sprintf("%d time(s) in %s %s", *rep.Frequency, periodText, unit)
	case len(rep.When) > 0:
		labels := make([]string, 0, len(rep.When))
		for _, w := range rep.When {
			labels = append(labels, fhir.EventTimingLabel(w))
		}
		text = fmt.Sprintf("%s %s %s", periodText, unit, strings.Join(labels, ", "))
	default:
		text = strings.TrimSpace(periodText + " " + unit)
	}

	if rep.BoundsPeriod != nil {
		text += ". Duration:- " + period(rep.BoundsPeriod)
	}
	return text
}
