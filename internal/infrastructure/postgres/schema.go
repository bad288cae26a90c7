package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS regimens (
		id                  UUID PRIMARY KEY,
		version             INTEGER NOT NULL,
		owner_id            TEXT NOT NULL,
		patient_id          TEXT NOT NULL,
		drug_id             TEXT NOT NULL DEFAULT '',
		medicine_name       VARCHAR(100) NOT NULL,
		medicine_type       TEXT NOT NULL,
		dose                INTEGER NOT NULL CHECK (dose >= 1),
		frequency           TEXT NOT NULL,
		times_per_day       INTEGER NOT NULL DEFAULT 0,
		days_of_week        TEXT[] NOT NULL DEFAULT '{}',
		start_hour          SMALLINT NOT NULL CHECK (start_hour BETWEEN 0 AND 23),
		start_date_time     TIMESTAMPTZ NOT NULL,
		end_date_time       TIMESTAMPTZ NOT NULL,
		scheduled_from      TIMESTAMPTZ,
		intake_instructions TEXT NOT NULL,
		notes               VARCHAR(500) NOT NULL DEFAULT '',
		reminders           JSONB NOT NULL DEFAULT '[]',
		missed_doses        JSONB NOT NULL DEFAULT '[]',
		initial_quantity    INTEGER NOT NULL DEFAULT 0,
		quantity_left       INTEGER NOT NULL DEFAULT 0,
		is_active           BOOLEAN NOT NULL DEFAULT TRUE,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		CHECK (end_date_time >= start_date_time)
	)`,
	`CREATE INDEX IF NOT EXISTS regimens_active_idx ON regimens (created_at) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS regimens_patient_idx ON regimens (patient_id)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		topic          TEXT NOT NULL,
		message_key    TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
}

// Migrate creates the tables used by the regimen services
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	logger.Info("schema migrated", zap.Int("statements", len(schema)))
	return nil
}

// NewPool opens a connection pool and verifies connectivity
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
