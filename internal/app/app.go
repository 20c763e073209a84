// Package app wires the stores, mappers and pipeline shared by the sync binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/config"
	"github.com/drfirst/go-shrsync/internal/emr"
	"github.com/drfirst/go-shrsync/internal/encountersync"
	"github.com/drfirst/go-shrsync/internal/feed"
	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-shrsync/internal/infrastructure/redislock"
	"github.com/drfirst/go-shrsync/internal/ledger"
	"github.com/drfirst/go-shrsync/internal/mapper"
	"github.com/drfirst/go-shrsync/internal/notify"
	"github.com/drfirst/go-shrsync/internal/observability/metrics"
	"github.com/drfirst/go-shrsync/internal/upload"
	"github.com/drfirst/go-shrsync/pkg/circuitbreaker"
)

// Services holds everything built from one configuration.
type Services struct {
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Ledger    *ledger.PostgresStore
	EMR       *emr.PostgresStore
	Breakers  *circuitbreaker.Registry
	Metrics   *metrics.Metrics
	Pipeline  *encountersync.Pipeline
	Processor *feed.Processor
	Uploader  *upload.Uploader
}

// Build connects to the database (and Redis when configured) and assembles
// the pipeline. m may be nil.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")

	s := &Services{
		DB:       db,
		Ledger:   ledger.NewPostgresStore(db, logger),
		EMR:      emr.NewPostgresStore(db, logger),
		Breakers: circuitbreaker.NewRegistry(),
		Metrics:  m,
	}

	conceptBreaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("concept-lookup"), logger,
		circuitbreaker.WithStateListener(func(name string, to circuitbreaker.State) {
			m.SetBreakerState(name, string(to))
		}))
	if err != nil {
		db.Close()
		return nil, err
	}
	s.Breakers.Register(conceptBreaker)
	concepts := emr.NewGuardedConceptLookup(s.EMR, conceptBreaker)

	var locker encountersync.Locker
	if cfg.RedisURL != "" {
		client, err := redislock.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.Redis = client
		lockCfg := redislock.DefaultConfig()
		if ttl := cfg.LockTTLDuration(); ttl > 0 {
			lockCfg.TTL = ttl
		}
		locker = redislock.New(client, lockCfg, logger)
		logger.Info("using redis patient locks")
	}

	props := cfg.MapperProperties()
	registry := mapper.NewRegistry(logger,
		mapper.NewProcedureRequestMapper(s.Ledger, s.EMR, concepts, s.EMR, logger),
		mapper.NewObservationMapper(concepts, logger),
	)
	uow := UnitOfWork(postgres.NewUnitOfWork(db))

	s.Pipeline = encountersync.NewPipeline(encountersync.Deps{
		Ledger:     s.Ledger,
		Encounters: s.EMR,
		Orders:     s.EMR,
		Patients:   s.EMR,
		Mapper:     mapper.NewEncounterMapper(registry, s.EMR, logger),
		Merger:     s.EMR,
		Notifier:   notify.NewOutboxNotifier(nil, "", logger),
		UnitOfWork: uow,
		Locker:     locker,
		Metrics:    m,
	}, encountersync.Config{Props: props}, logger)

	identity := encountersync.SystemIdentity{SystemUserID: cfg.SystemUserID}
	s.Processor = feed.NewProcessor(s.EMR, s.Pipeline, identity, logger)

	s.Uploader = upload.NewUploader(upload.Deps{
		Encounters: s.EMR,
		Ledger:     s.Ledger,
		Outbound: mapper.NewOutboundRegistry(
			mapper.NewTestResultMapper(s.Ledger, s.EMR),
			mapper.ObservationBundler{},
		),
		UnitOfWork: uow,
		Metrics:    m,
	}, upload.Config{Props: props, SystemUserID: cfg.SystemUserID}, logger)

	return s, nil
}

// Close releases the connections.
func (s *Services) Close() {
	if s.Redis != nil {
		s.Redis.Close()
	}
	s.DB.Close()
}

// UnitOfWork adapts a postgres unit of work to the pipeline contract.
func UnitOfWork(u *postgres.UnitOfWork) encountersync.UnitOfWork {
	return encountersync.UnitOfWorkFunc(func(ctx context.Context) (context.Context, encountersync.Transaction, error) {
		txCtx, tx, err := u.Begin(ctx)
		if err != nil {
			return ctx, nil, err
		}
		return txCtx, tx, nil
	})
}
