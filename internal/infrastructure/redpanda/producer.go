// Package redpanda carries encounter feed and notification traffic over
// Kafka-compatible brokers with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/observability/metrics"
)

// ProducerConfig holds producer settings.
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or empty for none.
	Compression string
	// LeaderAckOnly trades durability for latency; the default waits for all
	// in-sync replicas with idempotent writes.
	LeaderAckOnly bool
	Retries       int
	// RetryBackoff is multiplied by the attempt number.
	RetryBackoff time.Duration
	// FlushTimeout bounds Close.
	FlushTimeout time.Duration
}

// DefaultProducerConfig favours durability over batching: notifications and
// uploads are low volume.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Linger:       10 * time.Millisecond,
		Compression:  "lz4",
		Retries:      5,
		RetryBackoff: 200 * time.Millisecond,
		FlushTimeout: 30 * time.Second,
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, bool) {
	switch name {
	case "lz4":
		return kgo.Lz4Compression(), true
	case "snappy":
		return kgo.SnappyCompression(), true
	case "gzip":
		return kgo.GzipCompression(), true
	case "zstd":
		return kgo.ZstdCompression(), true
	}
	return kgo.NoCompression(), false
}

func (cfg ProducerConfig) clientOpts() []kgo.Opt {
	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.Retries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}
	if cfg.LeaderAckOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if codec, ok := compressionCodec(cfg.Compression); ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts
}

// Producer publishes outbox entries. It satisfies postgres.OutboxPublisher.
type Producer struct {
	client       *kgo.Client
	flushTimeout time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *metrics.Metrics

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer. m may be nil.
func NewProducer(cfg ProducerConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultProducerConfig().FlushTimeout
	}
	client, err := kgo.NewClient(cfg.clientOpts()...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{
		client:       client,
		flushTimeout: cfg.FlushTimeout,
		logger:       logger,
		tracer:       otel.Tracer("redpanda-producer"),
		metrics:      m,
	}, nil
}

// Publish sends one record keyed by key and waits for the broker ack.
// The current trace context travels in the record headers.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	res := p.client.ProduceSync(ctx, record)
	if err := res.FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.metrics.Produced()
	span.SetAttributes(
		attribute.Int64("messaging.kafka.destination.partition", int64(record.Partition)),
		attribute.Int64("messaging.kafka.message.offset", record.Offset))
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.flushTimeout)
	defer cancel()

	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}
	return nil
}

// ProducerStats counts publish outcomes since start.
type ProducerStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Stats returns the publish counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}
