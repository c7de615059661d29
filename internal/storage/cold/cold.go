// Package cold is the system of record: every snapshot, metric sample, alert
// lifecycle event, gap marker and health snapshot is appended to Postgres
// with an event timestamp. Writes are batched; failed batches retry with
// backoff and fall back to an on-disk spool so nothing is lost silently.
package cold

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config tunes the connection pool and statement timeouts.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns pool settings sized for one writer goroutine plus
// occasional reads from the monitor.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Open connects, configures the pool and verifies the database answers.
func Open(cfg Config) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Schema is the append-only table set. Retention and compression are managed
// outside this process; the writer only ever inserts.
const Schema = `
CREATE TABLE IF NOT EXISTS orderbook_snapshots (
	id               BIGSERIAL PRIMARY KEY,
	venue            TEXT        NOT NULL,
	instrument       TEXT        NOT NULL,
	venue_timestamp  TIMESTAMPTZ NOT NULL,
	local_timestamp  TIMESTAMPTZ NOT NULL,
	sequence_id      BIGINT      NOT NULL,
	bids             JSONB       NOT NULL,
	asks             JSONB       NOT NULL,
	depth_levels     INT         NOT NULL,
	source           TEXT        NOT NULL,
	best_bid         NUMERIC,
	best_ask         NUMERIC,
	mid              NUMERIC,
	bid_depth        NUMERIC,
	ask_depth        NUMERIC,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_orderbook_snapshots_lookup
	ON orderbook_snapshots (venue, instrument, venue_timestamp DESC);

CREATE TABLE IF NOT EXISTS metric_samples (
	id          BIGSERIAL PRIMARY KEY,
	metric      TEXT        NOT NULL,
	venue       TEXT        NOT NULL,
	instrument  TEXT        NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	value       NUMERIC     NOT NULL,
	zscore      NUMERIC,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_lookup
	ON metric_samples (metric, venue, instrument, ts DESC);

CREATE TABLE IF NOT EXISTS basis_metrics (
	id          BIGSERIAL PRIMARY KEY,
	venue       TEXT        NOT NULL,
	instrument  TEXT        NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	basis_bps   NUMERIC     NOT NULL,
	basis_abs   NUMERIC,
	zscore      NUMERIC,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_basis_metrics_lookup
	ON basis_metrics (venue, instrument, ts DESC);

CREATE TABLE IF NOT EXISTS ticker_snapshots (
	id                BIGSERIAL PRIMARY KEY,
	venue             TEXT        NOT NULL,
	instrument        TEXT        NOT NULL,
	ts                TIMESTAMPTZ NOT NULL,
	last_price        NUMERIC     NOT NULL,
	mark_price        NUMERIC,
	index_price       NUMERIC,
	volume_24h        NUMERIC     NOT NULL,
	volume_usd_24h    NUMERIC     NOT NULL,
	high_24h          NUMERIC     NOT NULL,
	low_24h           NUMERIC     NOT NULL,
	funding_rate      NUMERIC,
	next_funding_time TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ticker_snapshots_lookup
	ON ticker_snapshots (venue, instrument, ts DESC);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id           TEXT PRIMARY KEY,
	alert_type         TEXT        NOT NULL,
	priority           TEXT        NOT NULL,
	severity           TEXT        NOT NULL,
	venue              TEXT        NOT NULL,
	instrument         TEXT        NOT NULL,
	trigger_metric     TEXT        NOT NULL,
	trigger_value      NUMERIC     NOT NULL,
	trigger_threshold  NUMERIC     NOT NULL,
	trigger_comparison TEXT        NOT NULL,
	zscore_value       NUMERIC,
	zscore_threshold   NUMERIC,
	triggered_at       TIMESTAMPTZ NOT NULL,
	acknowledged_at    TIMESTAMPTZ,
	resolved_at        TIMESTAMPTZ,
	duration_seconds   BIGINT      NOT NULL DEFAULT 0,
	peak_value         NUMERIC     NOT NULL,
	peak_at            TIMESTAMPTZ NOT NULL,
	escalated          BOOLEAN     NOT NULL DEFAULT FALSE,
	escalated_at       TIMESTAMPTZ,
	original_priority  TEXT,
	context            JSONB       NOT NULL DEFAULT '{}',
	resolution_type    TEXT,
	resolution_value   NUMERIC,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_alerts_triggered_at ON alerts (triggered_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_instrument ON alerts (instrument, triggered_at DESC);

CREATE TABLE IF NOT EXISTS alert_events (
	id         BIGSERIAL PRIMARY KEY,
	alert_id   TEXT        NOT NULL,
	event      TEXT        NOT NULL,
	priority   TEXT        NOT NULL,
	value      NUMERIC,
	ts         TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_alert_events_alert ON alert_events (alert_id, ts);

CREATE TABLE IF NOT EXISTS data_gaps (
	id               BIGSERIAL PRIMARY KEY,
	venue            TEXT        NOT NULL,
	instrument       TEXT        NOT NULL,
	gap_start        TIMESTAMPTZ NOT NULL,
	gap_end          TIMESTAMPTZ NOT NULL,
	duration_seconds NUMERIC     NOT NULL,
	reason           TEXT        NOT NULL,
	sequence_before  BIGINT,
	sequence_after   BIGINT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_data_gaps_lookup
	ON data_gaps (venue, instrument, gap_start DESC);

CREATE TABLE IF NOT EXISTS health_snapshots (
	id              BIGSERIAL PRIMARY KEY,
	venue           TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	last_message_at TIMESTAMPTZ,
	message_count   BIGINT      NOT NULL,
	lag_ms          BIGINT      NOT NULL,
	reconnect_count BIGINT      NOT NULL,
	gaps_last_hour  INT         NOT NULL,
	healthy         BOOLEAN     NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_health_snapshots_lookup ON health_snapshots (venue, ts DESC);
`

// EnsureSchema creates any missing tables and indexes.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
