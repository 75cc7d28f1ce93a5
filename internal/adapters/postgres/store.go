// Package postgres stores readings and sync logs in PostgreSQL.
package postgres

import (
	"context"
	"time"

	"libresync/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS readings (
    timestamp   TIMESTAMPTZ PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL,
    value       DOUBLE PRECISION NOT NULL,
    trend       TEXT NOT NULL,
    is_high     BOOLEAN NOT NULL,
    is_low      BOOLEAN NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sync_logs (
    id                TEXT PRIMARY KEY,
    started_at        TIMESTAMPTZ NOT NULL,
    readings_fetched  INTEGER NOT NULL,
    readings_inserted INTEGER NOT NULL,
    duplicates        INTEGER NOT NULL,
    first_reading_at  TIMESTAMPTZ,
    last_reading_at   TIMESTAMPTZ,
    success           BOOLEAN NOT NULL,
    error_message     TEXT,
    duration_ms       BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS sync_logs_started_at_idx ON sync_logs (started_at DESC);
`

const upsertReadingSQL = `INSERT INTO readings (timestamp, recorded_at, value, trend, is_high, is_low)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (timestamp) DO NOTHING`

const insertSyncLogSQL = `INSERT INTO sync_logs (id, started_at, readings_fetched, readings_inserted, duplicates, first_reading_at, last_reading_at, success, error_message, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10)`

const lastSyncLogSQL = `SELECT id, started_at, readings_fetched, readings_inserted, duplicates, first_reading_at, last_reading_at, success, COALESCE(error_message, ''), duration_ms
FROM sync_logs
ORDER BY started_at DESC
LIMIT 1`

// Store wraps database access helpers.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB creates a Store on an existing connection.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, reading domain.Reading, dedupKey time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, upsertReadingSQL,
		dedupKey,
		reading.Timestamp,
		reading.Value,
		string(reading.Trend),
		reading.IsHigh,
		reading.IsLow,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to upsert reading")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SaveSyncLog(ctx context.Context, log domain.SyncLog) error {
	_, err := s.db.Exec(ctx, insertSyncLogSQL,
		log.ID,
		log.StartedAt,
		log.ReadingsFetched,
		log.ReadingsInserted,
		log.Duplicates,
		log.FirstReadingAt,
		log.LastReadingAt,
		log.Success,
		log.ErrorMessage,
		log.Duration.Milliseconds(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to save sync log")
	}
	return nil
}

// LastSyncLog returns the most recently started sync, or nil when none was recorded.
func (s *Store) LastSyncLog(ctx context.Context) (*domain.SyncLog, error) {
	var log domain.SyncLog
	var durationMs int64
	err := s.db.QueryRow(ctx, lastSyncLogSQL).Scan(
		&log.ID,
		&log.StartedAt,
		&log.ReadingsFetched,
		&log.ReadingsInserted,
		&log.Duplicates,
		&log.FirstReadingAt,
		&log.LastReadingAt,
		&log.Success,
		&log.ErrorMessage,
		&durationMs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find last sync log")
	}
	log.Duration = time.Duration(durationMs) * time.Millisecond
	return &log, nil
}
