// Package notify queues encounter-downloaded notifications on the
// transactional outbox, so a notification is relayed only when the encounter
// it announces has committed.
package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/encountersync"
	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
)

// EventTypeEncounterDownloaded is the outbox event type of download notifications.
const EventTypeEncounterDownloaded = "EncounterDownloaded"

// EntryWriter stores an outbox entry in the transaction carried by ctx.
type EntryWriter func(ctx context.Context, entry *postgres.OutboxEntry) error

// OutboxNotifier implements encountersync.Notifier on top of the outbox.
type OutboxNotifier struct {
	write  EntryWriter
	topic  string
	logger *zap.Logger
}

// NewOutboxNotifier creates a notifier writing to topic. A nil write uses
// postgres.WriteEntry; an empty topic uses the encounter-downloaded topic.
func NewOutboxNotifier(write EntryWriter, topic string, logger *zap.Logger) *OutboxNotifier {
	if write == nil {
		write = postgres.WriteEntry
	}
	if topic == "" {
		topic = redpanda.TopicEncounterDownloaded
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxNotifier{write: write, topic: topic, logger: logger}
}

// EncounterDownloaded implements encountersync.Notifier.
func (n *OutboxNotifier) EncounterDownloaded(ctx context.Context, ev encountersync.DownloadedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal download event: %w", err)
	}

	entry := &postgres.OutboxEntry{
		AggregateID:   ev.EncounterUUID,
		AggregateType: "Encounter",
		EventType:     EventTypeEncounterDownloaded,
		Payload:       payload,
		Topic:         n.topic,
		Key:           ev.HealthID,
	}
	if err := n.write(ctx, entry); err != nil {
		return fmt.Errorf("queue download event for %s: %w", ev.EncounterID, err)
	}

	n.logger.Debug("download event queued",
		zap.String("encounter_id", ev.EncounterID),
		zap.Int64("outbox_id", entry.ID))
	return nil
}
