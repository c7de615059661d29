package cold

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

const (
	insertBookSQL = `
		INSERT INTO orderbook_snapshots (
			venue, instrument, venue_timestamp, local_timestamp, sequence_id,
			bids, asks, depth_levels, source,
			best_bid, best_ask, mid, bid_depth, ask_depth
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	insertMetricSQL = `
		INSERT INTO metric_samples (metric, venue, instrument, ts, value, zscore)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertBasisSQL = `
		INSERT INTO basis_metrics (venue, instrument, ts, basis_bps, basis_abs, zscore)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertTickerSQL = `
		INSERT INTO ticker_snapshots (
			venue, instrument, ts, last_price, mark_price, index_price,
			volume_24h, volume_usd_24h, high_24h, low_24h,
			funding_rate, next_funding_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	upsertAlertSQL = `
		INSERT INTO alerts (
			alert_id, alert_type, priority, severity, venue, instrument,
			trigger_metric, trigger_value, trigger_threshold, trigger_comparison,
			zscore_value, zscore_threshold,
			triggered_at, acknowledged_at, resolved_at, duration_seconds,
			peak_value, peak_at, escalated, escalated_at, original_priority,
			context, resolution_type, resolution_value
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
		ON CONFLICT (alert_id) DO UPDATE SET
			priority = EXCLUDED.priority,
			acknowledged_at = EXCLUDED.acknowledged_at,
			resolved_at = EXCLUDED.resolved_at,
			duration_seconds = EXCLUDED.duration_seconds,
			peak_value = EXCLUDED.peak_value,
			peak_at = EXCLUDED.peak_at,
			escalated = EXCLUDED.escalated,
			escalated_at = EXCLUDED.escalated_at,
			original_priority = EXCLUDED.original_priority,
			resolution_type = EXCLUDED.resolution_type,
			resolution_value = EXCLUDED.resolution_value,
			updated_at = NOW()`

	insertAlertEventSQL = `
		INSERT INTO alert_events (alert_id, event, priority, value, ts)
		VALUES ($1, $2, $3, $4, $5)`

	insertGapSQL = `
		INSERT INTO data_gaps (
			venue, instrument, gap_start, gap_end, duration_seconds, reason,
			sequence_before, sequence_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	insertHealthSQL = `
		INSERT INTO health_snapshots (
			venue, status, last_message_at, message_count, lag_ms,
			reconnect_count, gaps_last_hour, healthy, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

// Writer appends batches to Postgres. One transaction per batch: a batch
// either lands completely or retries completely.
type Writer struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWriter wraps an open connection pool.
func NewWriter(db *sqlx.DB, timeout time.Duration) *Writer {
	return &Writer{db: db, timeout: timeout}
}

// Flush writes every row in the batch inside a single transaction.
func (w *Writer) Flush(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout*time.Duration(b.Len()/100+1))
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertBooks(ctx, tx, b.Books); err != nil {
		return err
	}
	if err := insertMetrics(ctx, tx, b.Metrics); err != nil {
		return err
	}
	if err := insertBasis(ctx, tx, b.Basis); err != nil {
		return err
	}
	if err := insertTickers(ctx, tx, b.Tickers); err != nil {
		return err
	}
	if err := upsertAlerts(ctx, tx, b.Alerts); err != nil {
		return err
	}
	if err := insertAlertEvents(ctx, tx, b.AlertEvents); err != nil {
		return err
	}
	if err := insertGaps(ctx, tx, b.Gaps); err != nil {
		return err
	}
	if err := insertHealth(ctx, tx, b.Health); err != nil {
		return err
	}
	return tx.Commit()
}

func insertBooks(ctx context.Context, tx *sqlx.Tx, books []*models.OrderBookSnapshot) error {
	if len(books) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertBookSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare book insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range books {
		bids, err := json.Marshal(snap.Bids)
		if err != nil {
			return fmt.Errorf("failed to marshal bids: %w", err)
		}
		asks, err := json.Marshal(snap.Asks)
		if err != nil {
			return fmt.Errorf("failed to marshal asks: %w", err)
		}

		var bestBid, bestAsk, mid decimal.NullDecimal
		if lvl, ok := snap.BestBid(); ok {
			bestBid = decimal.NullDecimal{Decimal: lvl.Price, Valid: true}
		}
		if lvl, ok := snap.BestAsk(); ok {
			bestAsk = decimal.NullDecimal{Decimal: lvl.Price, Valid: true}
		}
		if m, ok := snap.Mid(); ok {
			mid = decimal.NullDecimal{Decimal: m, Valid: true}
		}

		_, err = stmt.ExecContext(ctx,
			snap.Venue, snap.Instrument, snap.VenueTimestamp, snap.LocalTimestamp, snap.SequenceID,
			bids, asks, snap.DepthLevels, string(snap.Source),
			bestBid, bestAsk, mid, sideDepth(snap.Bids), sideDepth(snap.Asks))
		if err != nil {
			return fmt.Errorf("failed to insert book snapshot: %w", err)
		}
	}
	return nil
}

func insertMetrics(ctx context.Context, tx *sqlx.Tx, samples []*models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertMetricSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare metric insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		_, err = stmt.ExecContext(ctx, s.Metric, s.Venue, s.Instrument, s.Timestamp, s.Value, nullDecimal(s.ZScore))
		if err != nil {
			return fmt.Errorf("failed to insert metric sample: %w", err)
		}
	}
	return nil
}

func insertBasis(ctx context.Context, tx *sqlx.Tx, rows []BasisRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertBasisSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare basis insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err = stmt.ExecContext(ctx, r.Venue, r.Instrument, r.At, r.BasisBps, nullDecimal(r.BasisAbs), nullDecimal(r.ZScore))
		if err != nil {
			return fmt.Errorf("failed to insert basis row: %w", err)
		}
	}
	return nil
}

func insertTickers(ctx context.Context, tx *sqlx.Tx, tickers []*models.TickerSnapshot) error {
	if len(tickers) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertTickerSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare ticker insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tickers {
		_, err = stmt.ExecContext(ctx,
			t.Venue, t.Instrument, t.Timestamp, t.LastPrice,
			nullDecimal(t.MarkPrice), nullDecimal(t.IndexPrice),
			t.Volume24h, t.VolumeUSD24h, t.High24h, t.Low24h,
			nullDecimal(t.FundingRate), nullTime(t.NextFundingTime))
		if err != nil {
			return fmt.Errorf("failed to insert ticker snapshot: %w", err)
		}
	}
	return nil
}

func upsertAlerts(ctx context.Context, tx *sqlx.Tx, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertAlertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare alert upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range alerts {
		contextJSON, err := json.Marshal(a.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal alert context: %w", err)
		}
		if a.Context == nil {
			contextJSON = []byte("{}")
		}

		_, err = stmt.ExecContext(ctx,
			a.AlertID, a.AlertType, string(a.Priority), string(a.Severity), a.Venue, a.Instrument,
			a.TriggerMetric, a.TriggerValue, a.TriggerThreshold, string(a.Comparison),
			nullDecimal(a.ZScoreValue), nullDecimal(a.ZScoreThreshold),
			a.TriggeredAt, nullTime(a.AcknowledgedAt), nullTime(a.ResolvedAt), a.DurationSeconds,
			a.PeakValue, a.PeakAt, a.Escalated, nullTime(a.EscalatedAt), nullString(string(a.OriginalPriority)),
			contextJSON, nullString(string(a.ResolutionType)), nullDecimal(a.ResolutionValue))
		if err != nil {
			return fmt.Errorf("failed to upsert alert %s: %w", a.AlertID, err)
		}
	}
	return nil
}

func insertAlertEvents(ctx context.Context, tx *sqlx.Tx, events []AlertEvent) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertAlertEventSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare alert event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		_, err = stmt.ExecContext(ctx, e.AlertID, e.Event, string(e.Priority), nullDecimal(e.Value), e.At)
		if err != nil {
			return fmt.Errorf("failed to insert alert event: %w", err)
		}
	}
	return nil
}

func insertGaps(ctx context.Context, tx *sqlx.Tx, gaps []*models.GapMarker) error {
	if len(gaps) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertGapSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare gap insert: %w", err)
	}
	defer stmt.Close()

	for _, g := range gaps {
		_, err = stmt.ExecContext(ctx,
			g.Venue, g.Instrument, g.GapStart, g.GapEnd, g.Duration, string(g.Reason),
			nullInt64(g.SequenceBefore), nullInt64(g.SequenceAfter))
		if err != nil {
			return fmt.Errorf("failed to insert gap marker: %w", err)
		}
	}
	return nil
}

func insertHealth(ctx context.Context, tx *sqlx.Tx, rows []HealthRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, insertHealthSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare health insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		h := r.Snapshot
		_, err = stmt.ExecContext(ctx,
			h.Venue, string(h.Status), nullTime(h.LastMessageAt), h.MessageCount, h.LagMs,
			h.ReconnectCount, h.GapsLastHour, h.IsHealthy(), r.At)
		if err != nil {
			return fmt.Errorf("failed to insert health snapshot: %w", err)
		}
	}
	return nil
}

func sideDepth(levels []models.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Quantity)
	}
	return total
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
