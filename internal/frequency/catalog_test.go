package frequency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
)

func TestCatalogRoundTrip(t *testing.T) {
	names := Names()
	require.Len(t, names, 22)

	for _, name := range names {
		r, ok := ByName(name)
		require.True(t, ok, name)

		back, ok := ByRepeat(r)
		require.True(t, ok, name)
		assert.Equal(t, name, back)
	}
}

func TestCatalogLookups(t *testing.T) {
	r, ok := ByName("Every 8 hours")
	require.True(t, ok)
	assert.Equal(t, Repeat{Frequency: 1, Period: 8, Unit: fhir.UnitHour}, r)

	name, ok := ByRepeat(Repeat{Frequency: 1, Period: 2, Unit: fhir.UnitDay})
	require.True(t, ok)
	assert.Equal(t, "On alternate days", name)

	_, ok = ByName("Whenever")
	assert.False(t, ok)

	_, ok = ByRepeat(Repeat{Frequency: 7, Period: 1, Unit: fhir.UnitDay})
	assert.False(t, ok)
}

func TestTimingConversion(t *testing.T) {
	r, _ := ByName("Twice a week")
	got, ok := FromTiming(r.ToTiming())
	require.True(t, ok)
	assert.Equal(t, r, got)

	_, ok = FromTiming(&fhir.TimingRepeat{PeriodUnit: fhir.UnitDay})
	assert.False(t, ok)
}
