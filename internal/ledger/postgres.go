package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
)

// PostgresStore keeps mappings in the id_mapping table. Calls join the
// transaction carried by the context when there is one.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPostgresStore creates a ledger store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger, tracer: otel.Tracer("ledger")}
}

const mappingCols = `internal_id, external_id, entity_type, COALESCE(health_id, ''), COALESCE(uri, ''),
	created_at, last_synced_at, server_updated_at`

func scanMapping(row pgx.Row) (*IdMapping, error) {
	m := &IdMapping{}
	err := row.Scan(&m.InternalID, &m.ExternalID, &m.EntityType, &m.HealthID, &m.URI,
		&m.CreatedAt, &m.LastSyncedAt, &m.ServerUpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// FindByExternalID implements Store.
func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string, t EntityType) (*IdMapping, error) {
	ctx, span := s.tracer.Start(ctx, "ledger_find_external",
		trace.WithAttributes(
			attribute.String("external_id", externalID),
			attribute.String("entity_type", string(t)),
		))
	defer span.End()

	query := `SELECT ` + mappingCols + ` FROM id_mapping WHERE external_id = $1 AND entity_type = $2`
	m, err := scanMapping(postgres.Conn(ctx, s.pool).QueryRow(ctx, query, externalID, t))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find mapping by external id: %w", err)
	}
	return m, nil
}

// FindByInternalID implements Store.
func (s *PostgresStore) FindByInternalID(ctx context.Context, internalID string, t EntityType) (*IdMapping, error) {
	ctx, span := s.tracer.Start(ctx, "ledger_find_internal",
		trace.WithAttributes(
			attribute.String("internal_id", internalID),
			attribute.String("entity_type", string(t)),
		))
	defer span.End()

	query := `SELECT ` + mappingCols + ` FROM id_mapping WHERE internal_id = $1 AND entity_type = $2
		ORDER BY last_synced_at DESC LIMIT 1`
	m, err := scanMapping(postgres.Conn(ctx, s.pool).QueryRow(ctx, query, internalID, t))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find mapping by internal id: %w", err)
	}
	return m, nil
}

// SaveOrUpdate implements Store with a single upsert, so concurrent writers
// of the same external id converge on one row.
func (s *PostgresStore) SaveOrUpdate(ctx context.Context, m *IdMapping) error {
	ctx, span := s.tracer.Start(ctx, "ledger_save",
		trace.WithAttributes(
			attribute.String("external_id", m.ExternalID),
			attribute.String("entity_type", string(m.EntityType)),
		))
	defer span.End()

	query := `
		INSERT INTO id_mapping (internal_id, external_id, entity_type, health_id, uri, last_synced_at, server_updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NOW(), $6)
		ON CONFLICT (external_id, entity_type) DO UPDATE
		SET internal_id = EXCLUDED.internal_id,
		    health_id = COALESCE(EXCLUDED.health_id, id_mapping.health_id),
		    uri = COALESCE(EXCLUDED.uri, id_mapping.uri),
		    last_synced_at = NOW(),
		    server_updated_at = EXCLUDED.server_updated_at
		RETURNING created_at, last_synced_at
	`
	err := postgres.Conn(ctx, s.pool).QueryRow(ctx, query,
		m.InternalID, m.ExternalID, m.EntityType, m.HealthID, m.URI, m.ServerUpdatedAt,
	).Scan(&m.CreatedAt, &m.LastSyncedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save mapping %s/%s: %w", m.EntityType, m.ExternalID, err)
	}

	s.logger.Debug("mapping saved",
		zap.String("external_id", m.ExternalID),
		zap.String("entity_type", string(m.EntityType)),
		zap.String("internal_id", m.InternalID))
	return nil
}

// GetStats counts mappings per type.
func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT entity_type, COUNT(*) FROM id_mapping GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByType: make(map[EntityType]int64)}
	for rows.Next() {
		var t EntityType
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.ByType[t] = n
		stats.Total += n
	}
	return stats, rows.Err()
}
