package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-shrsync/internal/encountersync"
	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
)

func TestEncounterDownloadedWritesOutboxEntry(t *testing.T) {
	var got []*postgres.OutboxEntry
	n := NewOutboxNotifier(func(_ context.Context, e *postgres.OutboxEntry) error {
		e.ID = 42
		got = append(got, e)
		return nil
	}, "", nil)

	at := time.Date(2015, 9, 22, 11, 34, 38, 0, time.UTC)
	err := n.EncounterDownloaded(context.Background(), encountersync.DownloadedEvent{
		EncounterUUID: "enc-uuid",
		EncounterID:   "shr-enc-1",
		HealthID:      "hid-1",
		PatientUUID:   "pat-uuid",
		VisitUUID:     "visit-uuid",
		DownloadedAt:  at,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	e := got[0]
	assert.Equal(t, redpanda.TopicEncounterDownloaded, e.Topic)
	assert.Equal(t, "hid-1", e.Key)
	assert.Equal(t, "enc-uuid", e.AggregateID)
	assert.Equal(t, EventTypeEncounterDownloaded, e.EventType)

	var decoded encountersync.DownloadedEvent
	require.NoError(t, json.Unmarshal(e.Payload, &decoded))
	assert.Equal(t, "shr-enc-1", decoded.EncounterID)
	assert.True(t, decoded.DownloadedAt.Equal(at))
}

func TestEncounterDownloadedWrapsWriteError(t *testing.T) {
	n := NewOutboxNotifier(func(context.Context, *postgres.OutboxEntry) error {
		return postgres.ErrNoTx
	}, "custom.topic", nil)

	err := n.EncounterDownloaded(context.Background(), encountersync.DownloadedEvent{EncounterID: "e"})
	assert.True(t, errors.Is(err, postgres.ErrNoTx))
}

func TestDefaultWriterNeedsTransaction(t *testing.T) {
	n := NewOutboxNotifier(nil, "", nil)
	err := n.EncounterDownloaded(context.Background(), encountersync.DownloadedEvent{EncounterID: "e"})
	assert.ErrorIs(t, err, postgres.ErrNoTx)
}
