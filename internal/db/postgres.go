package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/server"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

//go:embed postgres_schema.sql
var postgresSchema string

const (
	maxTxRetries = 3
	// serialization_failure and deadlock_detected
	sqlStateSerialization = "40001"
	sqlStateDeadlock      = "40P01"
)

// PostgresStore is the cloud store of the reference sync server
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, connString string, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres not responding: %w", err)
	}

	if _, err := p.Exec(ctx, postgresSchema); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
	}

	return &PostgresStore{pool: p, logger: logger}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const upsertEntitySQL = `
	INSERT INTO sync_entities (tenant_id, collection, id, data, updated_at, is_deleted, synced_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (tenant_id, collection, id) DO UPDATE
	SET data = EXCLUDED.data,
	    updated_at = EXCLUDED.updated_at,
	    is_deleted = EXCLUDED.is_deleted,
	    synced_at = EXCLUDED.synced_at
	WHERE sync_entities.updated_at < EXCLUDED.updated_at
`

// UpsertEntities writes one push in a single transaction, retrying on lock contention
func (s *PostgresStore) UpsertEntities(ctx context.Context, tenantID string, collections map[string][]models.Entity) (server.UpsertResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		res, err := s.upsertOnce(ctx, tenantID, collections)
		if err == nil {
			return res, nil
		}
		if !isRetryable(err) {
			return server.UpsertResult{}, err
		}
		lastErr = err
		metrics.ServerTxRetries.Inc()

		// Attempt 1: 200ms, Attempt 2: 400ms
		backoff := time.Duration(attempt) * 200 * time.Millisecond
		s.logger.Warn("Postgres lock contention detected, retrying push",
			"tenant_id", tenantID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return server.UpsertResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return server.UpsertResult{}, fmt.Errorf("push failed after %d attempts (last error: %w)", maxTxRetries, lastErr)
}

func (s *PostgresStore) upsertOnce(ctx context.Context, tenantID string, collections map[string][]models.Entity) (server.UpsertResult, error) {
	var res server.UpsertResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to start transaction: %w", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer tx.Rollback(ctx)

	// pushes of a tenant are serialized against each other and against pulls
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
		return res, fmt.Errorf("failed to lock tenant: %w", err)
	}

	// taken after the lock so it is later than any page a pull already reported
	var changedAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT GREATEST(clock_timestamp(), COALESCE(MAX(synced_at) + interval '1 microsecond', clock_timestamp()))
		FROM sync_entities WHERE tenant_id = $1`, tenantID).Scan(&changedAt)
	if err != nil {
		return res, fmt.Errorf("failed to assign change time: %w", err)
	}

	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)

	batch := &pgx.Batch{}
	for _, name := range names {
		for _, e := range collections[name] {
			updatedAt, err := e.UpdatedAt()
			if err != nil {
				return res, fmt.Errorf("%s/%s: %w", name, e.ID(), err)
			}
			data, err := json.Marshal(e)
			if err != nil {
				return res, fmt.Errorf("%s/%s: encode: %w", name, e.ID(), err)
			}
			batch.Queue(upsertEntitySQL, tenantID, name, e.ID(), data, updatedAt, e.IsDeleted(), changedAt)
		}
	}

	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return res, fmt.Errorf("upsert failed: %w", err)
			}
			if tag.RowsAffected() == 1 {
				res.Written++
			} else {
				res.Ignored++
			}
		}
		if err := br.Close(); err != nil {
			return res, fmt.Errorf("upsert batch failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit failed: %w", err)
	}
	res.ServerTimestamp = changedAt.UTC()
	return res, nil
}

// rows after since, cut at the change time of the limit-th row so ties stay on one page
const changesSinceSQL = `
	WITH page AS (
		SELECT synced_at FROM sync_entities
		WHERE tenant_id = $1 AND synced_at > $2
		ORDER BY synced_at
		LIMIT $3
	), boundary AS (
		SELECT MAX(synced_at) AS ts, COUNT(*) AS n FROM page
	)
	SELECT e.collection, e.data, e.synced_at
	FROM sync_entities e, boundary b
	WHERE e.tenant_id = $1 AND e.synced_at > $2 AND (b.n < $3 OR e.synced_at <= b.ts)
	ORDER BY e.synced_at, e.collection, e.id
`

func (s *PostgresStore) ChangesSince(ctx context.Context, tenantID string, since time.Time, limit int) (models.PullPage, error) {
	pg := models.PullPage{Collections: make(map[string][]models.Entity)}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return pg, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared(hashtext($1))`, tenantID); err != nil {
		return pg, fmt.Errorf("failed to lock tenant: %w", err)
	}

	rows, err := tx.Query(ctx, changesSinceSQL, tenantID, since, limit)
	if err != nil {
		return pg, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var last time.Time
	for rows.Next() {
		var (
			collection string
			data       []byte
			syncedAt   time.Time
		)
		if err := rows.Scan(&collection, &data, &syncedAt); err != nil {
			return pg, fmt.Errorf("failed to scan change: %w", err)
		}
		e, err := models.DecodeEntity(data)
		if err != nil {
			return pg, err
		}
		pg.Collections[collection] = append(pg.Collections[collection], e)
		last = syncedAt
	}
	if err := rows.Err(); err != nil {
		return pg, fmt.Errorf("failed to iterate changes: %w", err)
	}
	rows.Close()

	if !last.IsZero() {
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sync_entities WHERE tenant_id = $1 AND synced_at > $2)`,
			tenantID, last).Scan(&pg.HasMore)
		if err != nil {
			return pg, fmt.Errorf("failed to check for more changes: %w", err)
		}
	}

	if pg.HasMore {
		pg.ServerTimestamp = last.UTC()
	} else {
		if err := tx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&pg.ServerTimestamp); err != nil {
			return pg, fmt.Errorf("failed to read server clock: %w", err)
		}
		pg.ServerTimestamp = pg.ServerTimestamp.UTC()
	}

	return pg, tx.Commit(ctx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerialization || pgErr.Code == sqlStateDeadlock
	}
	return false
}

var _ server.Store = (*PostgresStore)(nil)
