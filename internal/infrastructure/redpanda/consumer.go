package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/observability/metrics"
)

// ConsumerConfig holds consumer group settings.
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	SessionTimeout time.Duration
	Heartbeat      time.Duration
	FetchMaxBytes  int32
	// FromLatest starts a new group at the end of the log instead of the start.
	FromLatest bool
	// MaxAttempts bounds handler calls per record.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number.
	RetryBackoff time.Duration
	// DeadLetterTopic receives records that failed every attempt. Empty drops them.
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the encounter feed.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:         []string{"localhost:9092"},
		GroupID:         "shr-encounter-sync",
		Topics:          []string{TopicEncounterFeed},
		SessionTimeout:  30 * time.Second,
		Heartbeat:       3 * time.Second,
		FetchMaxBytes:   50 << 20,
		MaxAttempts:     3,
		RetryBackoff:    2 * time.Second,
		DeadLetterTopic: TopicDeadLetter,
	}
}

// ErrNoRetry marks handler errors that go to the dead-letter topic without
// further attempts.
var ErrNoRetry = errors.New("not retryable")

// MessageHandler handles one record.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by a handler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func newConsumedMessage(r *kgo.Record) *ConsumedMessage {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// Consumer handles the partitions of each fetch concurrently and the records
// of one partition in order. A record is committed once it was handled or
// dead-lettered, so a crash redelivers at most the records in flight.
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	stop context.CancelFunc
	done chan struct{}

	handled      atomic.Int64
	failures     atomic.Int64
	deadLettered atomic.Int64
	lastCommit   atomic.Int64
}

// NewConsumer creates a consumer. m may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)

	reset := kgo.NewOffset().AtStart()
	if cfg.FromLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.Heartbeat),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		metrics: m,
	}, nil
}

// Start runs the poll loop in the background.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop waits for in-flight records and closes the client.
func (c *Consumer) Stop() error {
	if c.stop != nil {
		c.stop()
		<-c.done
	}
	c.client.Close()
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.failures.Add(1)
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			rewind = map[string]map[int32]kgo.EpochOffset{}
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, r := range p.Records {
					if ctx.Err() != nil {
						return
					}
					if !c.handle(ctx, r) {
						mu.Lock()
						if rewind[r.Topic] == nil {
							rewind[r.Topic] = map[int32]kgo.EpochOffset{}
						}
						rewind[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
						mu.Unlock()
						return
					}
				}
			}()
		})
		wg.Wait()

		// Partitions that stopped on an unhandled record fetch it again next poll.
		if len(rewind) > 0 && ctx.Err() == nil {
			c.client.SetOffsets(rewind)
			c.logger.Warn("rewound partitions after failure", zap.Any("offsets", rewind))
		}
		c.client.AllowRebalance()
		if len(rewind) > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
			}
		}
	}
}

// handle runs the handler with retries and commits the record. It returns
// false when the record could neither be handled nor dead-lettered, or its
// commit failed; the partition then stops for this poll.
func (c *Consumer) handle(ctx context.Context, r *kgo.Record) bool {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, r), r.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", r.Topic),
			attribute.Int64("messaging.kafka.destination.partition", int64(r.Partition)),
			attribute.Int64("messaging.kafka.message.offset", r.Offset),
		))
	defer span.End()

	err := c.attempt(ctx, newConsumedMessage(r))
	switch {
	case err == nil:
		c.handled.Add(1)
		c.metrics.Consumed()
	case ctx.Err() != nil:
		return false
	default:
		span.RecordError(err)
		if !c.deadLetter(ctx, r, err) {
			return false
		}
	}

	if err := c.client.CommitRecords(ctx, r); err != nil {
		span.RecordError(err)
		c.logger.Error("commit failed",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return false
	}
	c.lastCommit.Store(time.Now().UnixNano())
	return true
}

func (c *Consumer) attempt(ctx context.Context, msg *ConsumedMessage) error {
	var err error
	for n := 1; n <= c.cfg.MaxAttempts; n++ {
		if err = c.handler(ctx, msg); err == nil {
			return nil
		}
		c.failures.Add(1)
		c.logger.Warn("message handler failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", n),
			zap.Error(err))
		if errors.Is(err, ErrNoRetry) || n == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.RetryBackoff * time.Duration(n)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// deadLetter forwards r with the failure in its headers. It reports whether
// r may be committed.
func (c *Consumer) deadLetter(ctx context.Context, r *kgo.Record, cause error) bool {
	if c.cfg.DeadLetterTopic == "" {
		c.logger.Error("dropping message after failed attempts",
			zap.String("topic", r.Topic),
			zap.Int64("offset", r.Offset),
			zap.Error(cause))
		return true
	}

	headers := make([]kgo.RecordHeader, 0, len(r.Headers)+3)
	headers = append(headers, r.Headers...)
	headers = append(headers,
		kgo.RecordHeader{Key: "error", Value: []byte(cause.Error())},
		kgo.RecordHeader{Key: "source_topic", Value: []byte(r.Topic)},
		kgo.RecordHeader{Key: "source_offset", Value: fmt.Appendf(nil, "%d/%d", r.Partition, r.Offset)},
	)
	dl := &kgo.Record{Topic: c.cfg.DeadLetterTopic, Key: r.Key, Value: r.Value, Headers: headers}
	if err := c.client.ProduceSync(ctx, dl).FirstErr(); err != nil {
		c.logger.Error("dead-letter failed",
			zap.String("topic", r.Topic),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return false
	}
	c.deadLettered.Add(1)
	c.logger.Warn("message dead-lettered",
		zap.String("topic", r.Topic),
		zap.Int64("offset", r.Offset),
		zap.String("dead_letter_topic", c.cfg.DeadLetterTopic))
	return true
}

// ConsumerStats counts record outcomes since start.
type ConsumerStats struct {
	Handled      int64     `json:"handled"`
	Failures     int64     `json:"failures"`
	DeadLettered int64     `json:"dead_lettered"`
	LastCommit   time.Time `json:"last_commit,omitempty"`
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{
		Handled:      c.handled.Load(),
		Failures:     c.failures.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
	if ns := c.lastCommit.Load(); ns > 0 {
		s.LastCommit = time.Unix(0, ns)
	}
	return s
}
