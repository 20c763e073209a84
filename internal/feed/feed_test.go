package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/encountersync"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-shrsync/pkg/workerpool"
)

const bundle = `{"resourceType":"Bundle","type":"collection","entry":[
  {"fullUrl":"urn:uuid:c","resource":{"resourceType":"Composition","id":"c","encounter":{"reference":"urn:uuid:e"}}},
  {"fullUrl":"urn:uuid:e","resource":{"resourceType":"Encounter","id":"e"}}
]}`

const message = `{
  "health_id": "hid-1",
  "events": [
    {"encounter_id": "shr-1", "categories": ["encounter_updated_at:2015-09-22T17:04:38.000+05:30"], "bundle": ` + bundle + `},
    {"encounter_id": "shr-2", "updated_at": "2015-09-23T08:00:00Z", "update_marker": "encounter_updated", "bundle": ` + bundle + `}
  ]
}`

type recordingSyncer struct {
	patient *emr.Patient
	events  []*encountersync.EncounterEvent
	err     error
}

func (s *recordingSyncer) CreateOrUpdateEncounters(_ context.Context, patient *emr.Patient, events []*encountersync.EncounterEvent, _ encountersync.SystemIdentity) (*encountersync.BatchResult, error) {
	s.patient = patient
	s.events = events
	res := &encountersync.BatchResult{}
	for _, ev := range events {
		res.Results = append(res.Results, encountersync.EventResult{EncounterID: ev.EncounterID, Outcome: encountersync.OutcomeApplied, Attempts: 1})
	}
	return res, s.err
}

func TestDecodeAndConvert(t *testing.T) {
	msg, err := Decode([]byte(message), validator.New())
	require.NoError(t, err)
	require.Len(t, msg.Events, 2)

	events, err := msg.EncounterEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "hid-1", events[0].HealthID)
	assert.True(t, events[0].UpdatedAt.Equal(time.Date(2015, 9, 22, 11, 34, 38, 0, time.UTC)))
	assert.False(t, events[0].IsUpdate())
	require.NotNil(t, events[0].Bundle.Composition())

	assert.True(t, events[1].UpdatedAt.Equal(time.Date(2015, 9, 23, 8, 0, 0, 0, time.UTC)))
	assert.True(t, events[1].IsUpdate())
}

func TestDecodeRejectsInvalidMessages(t *testing.T) {
	v := validator.New()
	for name, data := range map[string]string{
		"not json":        `{`,
		"no health id":    `{"events":[{"encounter_id":"e","bundle":{}}]}`,
		"no events":       `{"health_id":"h","events":[]}`,
		"no encounter id": `{"health_id":"h","events":[{"bundle":{}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(data), v)
			assert.Error(t, err)
		})
	}
}

func TestProcessRegistersUnknownPatient(t *testing.T) {
	store := emr.NewMemoryStore()
	syncer := &recordingSyncer{}
	p := NewProcessor(store, syncer, encountersync.SystemIdentity{SystemUserID: "shr-system"}, nil)

	res, err := p.Process(context.Background(), []byte(message))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(encountersync.OutcomeApplied))

	require.NotNil(t, syncer.patient)
	assert.Equal(t, "hid-1", syncer.patient.HealthID)
	assert.Equal(t, "shr-system", syncer.patient.ChangedBy)

	saved, err := store.GetPatientByHealthID(context.Background(), "hid-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, syncer.patient.UUID, saved.UUID)
}

func TestProcessReusesKnownPatient(t *testing.T) {
	store := emr.NewMemoryStore()
	existing := &emr.Patient{UUID: "pat-1", HealthID: "hid-1"}
	require.NoError(t, store.SavePatient(context.Background(), existing))

	syncer := &recordingSyncer{}
	p := NewProcessor(store, syncer, encountersync.SystemIdentity{}, nil)
	require.NoError(t, p.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte(message)}))
	assert.Equal(t, "pat-1", syncer.patient.UUID)
	assert.Len(t, syncer.events, 2)
}

func TestProcessPropagatesBatchError(t *testing.T) {
	batchErr := &encountersync.BatchSyncError{EncounterID: "shr-2", Cause: errors.New("boom")}
	syncer := &recordingSyncer{err: batchErr}
	p := NewProcessor(emr.NewMemoryStore(), syncer, encountersync.SystemIdentity{}, nil)

	_, err := p.Process(context.Background(), []byte(message))
	var target *encountersync.BatchSyncError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, "shr-2", target.EncounterID)
}

func TestProcessMalformed(t *testing.T) {
	p := NewProcessor(emr.NewMemoryStore(), &recordingSyncer{}, encountersync.SystemIdentity{}, nil)

	_, err := p.Process(context.Background(), []byte(`{"health_id":"h","events":[{"encounter_id":"e","bundle":{"resourceType":"Patient"}}]}`))
	assert.ErrorIs(t, err, ErrMalformed)

	err = p.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte(`{`)})
	assert.ErrorIs(t, err, redpanda.ErrNoRetry)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWork(t *testing.T) {
	p := NewProcessor(emr.NewMemoryStore(), &recordingSyncer{}, encountersync.SystemIdentity{}, nil)

	res := p.Work(context.Background(), &workerpool.Task{ID: "m1", Payload: []byte(message)})
	require.True(t, res.Success)
	batch, ok := res.Data.(*encountersync.BatchResult)
	require.True(t, ok)
	assert.Len(t, batch.Results, 2)

	res = p.Work(context.Background(), &workerpool.Task{ID: "m2", Payload: []byte(`{`)})
	assert.False(t, res.Success)
	assert.True(t, res.Permanent)

	res = p.Work(context.Background(), &workerpool.Task{ID: "m3", Payload: "not bytes"})
	assert.False(t, res.Success)
	assert.True(t, res.Permanent)
}

func TestWorkTransientFailureIsRetryable(t *testing.T) {
	p := NewProcessor(emr.NewMemoryStore(), &recordingSyncer{err: errors.New("connection refused")}, encountersync.SystemIdentity{}, nil)

	res := p.Work(context.Background(), &workerpool.Task{ID: "m1", Payload: []byte(message)})
	assert.False(t, res.Success)
	assert.False(t, res.Permanent)
}
