// Package main runs the encounter sync service: the feed consumer and the
// HTTP API share one pipeline.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-shrsync/internal/api"
	"github.com/drfirst/go-shrsync/internal/api/handlers"
	"github.com/drfirst/go-shrsync/internal/app"
	"github.com/drfirst/go-shrsync/internal/config"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-shrsync/internal/observability/logging"
	"github.com/drfirst/go-shrsync/internal/observability/metrics"
	"github.com/drfirst/go-shrsync/internal/observability/tracing"
	"github.com/drfirst/go-shrsync/pkg/workerpool"
)

const serviceName = "shr-sync-service"

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sync service failed", zap.Error(err))
	}
	logger.Info("sync service stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	m := metrics.New()
	svc, err := app.Build(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	poolCfg := workerpool.DefaultConfig()
	if cfg.Workers > 0 {
		poolCfg.Workers = cfg.Workers
	}
	pool, err := workerpool.New(poolCfg, svc.Processor.Work, logger)
	if err != nil {
		return err
	}
	pool.Start()
	defer pool.Stop()

	brokers := cfg.Brokers()
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{cfg.FeedTopic}
	consumerCfg.DeadLetterTopic = cfg.DeadLetterTopic
	consumer, err := redpanda.NewConsumer(consumerCfg, svc.Processor.Handle, m, logger)
	if err != nil {
		return err
	}
	logger.Info("connected to Redpanda",
		zap.Strings("brokers", brokers),
		zap.String("topic", cfg.FeedTopic))

	checks := map[string]handlers.Check{
		"postgres": svc.DB.Ping,
		"kafka": func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, brokers)
		},
	}
	if svc.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return svc.Redis.Ping(ctx).Err()
		}
	}

	router := api.NewRouter(api.RouterConfig{
		ServiceName:  serviceName,
		APIKeys:      cfg.APIKeyList(),
		CORSOrigins:  cfg.CORSOriginList(),
		RateLimitRPM: cfg.RateLimitRPM,
		Metrics:      metrics.Handler(),
	},
		handlers.NewSyncHandler(svc.Processor, pool, svc.EMR, svc.Uploader, logger),
		handlers.NewLedgerHandler(svc.Ledger, logger),
		handlers.NewHealthHandler(checks, svc.Breakers, pool),
		logger,
	)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting sync API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		consumer.Start()
		<-gctx.Done()

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		return consumer.Stop()
	})
	return g.Wait()
}
