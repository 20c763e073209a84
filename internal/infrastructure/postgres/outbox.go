// Package postgres provides PostgreSQL infrastructure for the sync bridge:
// transactions carried in context, savepoints, schema migrations and the
// transactional outbox used for download notifications and outbound uploads.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is a message waiting to be relayed to the broker.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes after which an entry goes
	// to DeadLetterTopic.
	MaxRetries      int
	DeadLetterTopic string
	// LockID names the transaction advisory lock held by the active relay.
	LockID int64
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "shr.dead.letter",
		LockID:          0x5348527379,
	}
}

// OutboxPublisher delivers relayed entries. Implemented by the Redpanda
// producer and the RabbitMQ publisher.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEntry inserts entry using the transaction carried by ctx, so the
// message commits or rolls back with the rows it describes.
func WriteEntry(ctx context.Context, entry *OutboxEntry) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return ErrNoTx
	}
	const q = `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id, created_at`
	if err := tx.QueryRow(ctx, q,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		[]byte(entry.Payload), entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload::text,
	topic, COALESCE(message_key, ''), created_at, retry_count, last_error`

func scanEntry(row pgx.CollectableRow) (*OutboxEntry, error) {
	var (
		e       OutboxEntry
		payload string
	)
	err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &payload,
		&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError)
	e.Payload = json.RawMessage(payload)
	return &e, err
}

// Outbox relays committed outbox rows to a publisher. Several relays may
// run; one at a time holds the lock and the others skip their tick.
type Outbox struct {
	pool      *pgxpool.Pool
	cfg       OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	stop context.CancelFunc
	done chan struct{}
}

func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		pool:      pool,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// Start polls every PollInterval until Stop.
func (o *Outbox) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.stop = cancel
	o.done = make(chan struct{})

	go func() {
		defer close(o.done)
		tick := time.NewTicker(o.cfg.PollInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			n, err := o.RelayBatch(ctx)
			if err != nil && ctx.Err() == nil {
				o.logger.Error("outbox relay failed", zap.Error(err))
			}
			// A full batch means there is likely more waiting.
			if n == o.cfg.BatchSize {
				tick.Reset(time.Millisecond)
			} else {
				tick.Reset(o.cfg.PollInterval)
			}
		}
	}()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.cfg.BatchSize),
		zap.Duration("poll_interval", o.cfg.PollInterval))
}

// Stop waits for the batch in progress.
func (o *Outbox) Stop() {
	if o.stop == nil {
		return
	}
	o.stop()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

// RelayBatch publishes up to BatchSize pending entries in id order and
// records each outcome in one transaction. It returns the number of entries
// looked at, or zero when another relay holds the lock.
func (o *Outbox) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	n := 0
	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", o.cfg.LockID).Scan(&locked); err != nil {
			return fmt.Errorf("outbox lock: %w", err)
		}
		if !locked {
			return nil
		}

		rows, _ := tx.Query(ctx, `SELECT `+entryColumns+`
			FROM outbox
			WHERE processed_at IS NULL AND retry_count < $1
			ORDER BY id
			LIMIT $2`, o.cfg.MaxRetries, o.cfg.BatchSize)
		entries, err := pgx.CollectRows(rows, scanEntry)
		if err != nil {
			return fmt.Errorf("load pending entries: %w", err)
		}
		n = len(entries)

		held := map[string]bool{}
		for _, e := range entries {
			if e.Key != "" && held[e.Key] {
				continue
			}
			if err := o.relay(ctx, tx, e); err != nil {
				if e.Key != "" {
					held[e.Key] = true
				}
				o.logger.Warn("outbox publish failed",
					zap.Int64("id", e.ID),
					zap.String("event_type", e.EventType),
					zap.Int("retry_count", e.RetryCount+1),
					zap.Error(err))
			}
		}
		return nil
	})
	span.SetAttributes(attribute.Int("outbox.batch_size", n))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return n, nil
}

// relay publishes e and records the outcome. A publish error is returned
// after the retry has been recorded.
func (o *Outbox) relay(ctx context.Context, tx pgx.Tx, e *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry", trace.WithAttributes(
		attribute.Int64("outbox.id", e.ID),
		attribute.String("outbox.event_type", e.EventType),
		attribute.String("outbox.aggregate_id", e.AggregateID),
	))
	defer span.End()

	pubErr := o.publisher.Publish(ctx, e.Topic, e.Key, e.Payload)
	if pubErr != nil {
		span.RecordError(pubErr)
		_, err := tx.Exec(ctx, `UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
			WHERE id = $1`, e.ID, pubErr.Error())
		return errors.Join(pubErr, err)
	}
	return markProcessed(ctx, tx, e.ID)
}

func markProcessed(ctx context.Context, db Querier, id int64) error {
	if _, err := db.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark outbox entry %d processed: %w", id, err)
	}
	return nil
}

// deadLetter wraps an entry that ran out of retries.
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (e *OutboxEntry) deadLetter() ([]byte, error) {
	return json.Marshal(deadLetter{
		OriginalTopic: e.Topic,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
	})
}

// MoveToDeadLetter publishes entries that ran out of retries to
// DeadLetterTopic and marks them processed. It returns how many moved.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, _ := o.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id`, o.cfg.MaxRetries)
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return 0, fmt.Errorf("load exhausted entries: %w", err)
	}

	var moved int64
	var errs []error
	for _, e := range entries {
		body, err := e.deadLetter()
		if err == nil {
			err = o.publisher.Publish(ctx, o.cfg.DeadLetterTopic, e.Key, body)
		}
		if err == nil {
			err = markProcessed(ctx, o.pool, e.ID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", e.ID, err))
			continue
		}
		moved++
	}
	return moved, errors.Join(errs...)
}

// CleanupProcessed deletes relayed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed_24h"`
	Exhausted     int64      `json:"exhausted"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	var s OutboxStats
	err := o.pool.QueryRow(ctx, `SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '1 day'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.cfg.MaxRetries).
		Scan(&s.Pending, &s.Processed, &s.Exhausted, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return &s, nil
}
