// Package main provides the outbox relay service entry point.
// It forwards committed outbox entries to Redpanda or RabbitMQ.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/config"
	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-shrsync/internal/infrastructure/rabbitmq"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-shrsync/internal/observability/logging"
	"github.com/drfirst/go-shrsync/internal/observability/metrics"
	"github.com/drfirst/go-shrsync/internal/observability/tracing"
)

const (
	maintenanceInterval = time.Minute
	processedRetention  = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig("shr-outbox-relay")
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New()
	publisher, closePublisher, err := newPublisher(cfg, m, logger)
	if err != nil {
		logger.Fatal("publisher creation failed", zap.Error(err))
	}
	defer closePublisher()

	outboxCfg := postgres.DefaultOutboxConfig()
	outbox := postgres.NewOutbox(pool, publisher, outboxCfg, logger)
	outbox.Start()
	logger.Info("outbox relay started", zap.String("sink", cfg.OutboxSink))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			server.Shutdown(shutdownCtx)
			cancel()
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			maintain(ctx, outbox, m, logger)
		}
	}
}

// maintain dead-letters exhausted entries, prunes old processed ones and
// refreshes the pending gauge.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	n, err := outbox.MoveToDeadLetter(ctx)
	if err != nil {
		logger.Error("dead-letter sweep incomplete", zap.Error(err))
	}
	if n > 0 {
		logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
	}
	if _, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	}
	stats, err := outbox.GetStats(ctx)
	if err != nil {
		logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	m.SetOutboxPending(stats.Pending)
}

func newPublisher(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (postgres.OutboxPublisher, func(), error) {
	switch cfg.OutboxSink {
	case config.SinkAMQP:
		amqpCfg := rabbitmq.DefaultConfig()
		amqpCfg.URL = cfg.AMQPURL
		if cfg.AMQPExchange != "" {
			amqpCfg.Exchange = cfg.AMQPExchange
		}
		amqpCfg.Queues = []string{redpanda.TopicEncounterDownloaded, redpanda.TopicEncounterOutbound}
		p, err := rabbitmq.NewPublisher(amqpCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	case config.SinkKafka:
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.Brokers()
		p, err := redpanda.NewProducer(producerCfg, m, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to Redpanda", zap.Strings("brokers", producerCfg.Brokers))
		return p, func() { p.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown outbox sink %q", cfg.OutboxSink)
}
