package cold

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AlertSummary is the read projection used by the health CLI and monitor.
type AlertSummary struct {
	AlertID      string              `db:"alert_id" json:"alert_id"`
	AlertType    string              `db:"alert_type" json:"alert_type"`
	Priority     string              `db:"priority" json:"priority"`
	Venue        string              `db:"venue" json:"venue"`
	Instrument   string              `db:"instrument" json:"instrument"`
	TriggerValue decimal.Decimal     `db:"trigger_value" json:"trigger_value"`
	TriggeredAt  time.Time           `db:"triggered_at" json:"triggered_at"`
	ResolvedAt   sql.NullTime        `db:"resolved_at" json:"resolved_at,omitempty"`
	Resolution   sql.NullString      `db:"resolution_type" json:"resolution_type,omitempty"`
	PeakValue    decimal.NullDecimal `db:"peak_value" json:"peak_value"`
}

// MetricPoint is one historical sample.
type MetricPoint struct {
	Timestamp time.Time           `db:"ts" json:"ts"`
	Value     decimal.Decimal     `db:"value" json:"value"`
	ZScore    decimal.NullDecimal `db:"zscore" json:"zscore,omitempty"`
}

// GapRow is one recorded data gap.
type GapRow struct {
	Venue           string          `db:"venue" json:"venue"`
	Instrument      string          `db:"instrument" json:"instrument"`
	GapStart        time.Time       `db:"gap_start" json:"gap_start"`
	GapEnd          time.Time       `db:"gap_end" json:"gap_end"`
	DurationSeconds decimal.Decimal `db:"duration_seconds" json:"duration_seconds"`
	Reason          string          `db:"reason" json:"reason"`
	SequenceBefore  sql.NullInt64   `db:"sequence_before" json:"sequence_before,omitempty"`
	SequenceAfter   sql.NullInt64   `db:"sequence_after" json:"sequence_after,omitempty"`
}

// RecentAlerts returns the newest alerts by trigger time.
func (w *Writer) RecentAlerts(ctx context.Context, limit int) ([]AlertSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	query := `
		SELECT alert_id, alert_type, priority, venue, instrument,
		       trigger_value, triggered_at, resolved_at, resolution_type, peak_value
		FROM alerts
		ORDER BY triggered_at DESC
		LIMIT $1`

	var out []AlertSummary
	if err := w.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to read recent alerts: %w", err)
	}
	return out, nil
}

// MetricRange returns samples for one metric key inside [from, to].
func (w *Writer) MetricRange(ctx context.Context, metric, venue, instrument string, from, to time.Time) ([]MetricPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	query := `
		SELECT ts, value, zscore
		FROM metric_samples
		WHERE metric = $1 AND venue = $2 AND instrument = $3 AND ts >= $4 AND ts <= $5
		ORDER BY ts ASC`

	var out []MetricPoint
	if err := w.db.SelectContext(ctx, &out, query, metric, venue, instrument, from, to); err != nil {
		return nil, fmt.Errorf("failed to read metric range: %w", err)
	}
	return out, nil
}

// GapsInWindow returns gap markers overlapping [from, to], used to exclude
// gap periods from historical queries.
func (w *Writer) GapsInWindow(ctx context.Context, venue, instrument string, from, to time.Time) ([]GapRow, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	query := `
		SELECT venue, instrument, gap_start, gap_end, duration_seconds, reason,
		       sequence_before, sequence_after
		FROM data_gaps
		WHERE venue = $1 AND instrument = $2 AND gap_end >= $3 AND gap_start <= $4
		ORDER BY gap_start ASC`

	var out []GapRow
	if err := w.db.SelectContext(ctx, &out, query, venue, instrument, from, to); err != nil {
		return nil, fmt.Errorf("failed to read gaps: %w", err)
	}
	return out, nil
}
