package encountersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-shrsync/internal/emr"
)

func TestParseUpdatedCategory(t *testing.T) {
	got, err := ParseUpdatedCategory("encounter_updated_at:2015-09-22T17:04:38.000+05:30")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2015, 9, 22, 11, 34, 38, 0, time.UTC)))

	_, err = ParseUpdatedCategory("no timestamp")
	assert.Error(t, err)

	_, err = ParseUpdatedCategory("label:yesterday")
	assert.Error(t, err)
}

func TestLocalLockerSerializesKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Lock(ctx, "patient:1")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "patient:2")
	require.NoError(t, err, "other keys are independent")
	require.NoError(t, other(ctx))

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(timeout, "patient:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "release is idempotent")

	again, err := l.Lock(ctx, "patient:1")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestEncounterDeathService(t *testing.T) {
	s := NewEncounterDeathService()
	ctx := context.Background()
	patient := &emr.Patient{}

	cause, err := s.CauseOfDeath(ctx, patient, nil)
	require.NoError(t, err)
	assert.Equal(t, UnspecifiedCause, cause)

	patient.CauseOfDeath = "Stroke"
	cause, _ = s.CauseOfDeath(ctx, patient, &emr.Encounter{})
	assert.Equal(t, "Stroke", cause)

	enc := &emr.Encounter{Obs: []*emr.Obs{{
		Concept:    &emr.Concept{Name: CauseOfDeathConcept},
		ValueCoded: &emr.Concept{Name: "Myocardial infarction"},
	}}}
	cause, _ = s.CauseOfDeath(ctx, patient, enc)
	assert.Equal(t, "Myocardial infarction", cause)
}
