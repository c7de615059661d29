package cold

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// AlertEvent is one append-only lifecycle audit row. The alerts table keeps
// the current episode state; alert_events keeps the full history.
type AlertEvent struct {
	AlertID  string           `json:"alert_id"`
	Event    string           `json:"event"`
	Priority models.Priority  `json:"priority"`
	Value    *decimal.Decimal `json:"value,omitempty"`
	At       time.Time        `json:"ts"`
}

// BasisRow is the paired basis projection: the bps and abs legs the metrics
// engine emits for the same (venue, perpetual, timestamp), joined back into
// one row. BasisAbs is nil if the abs leg never arrived.
type BasisRow struct {
	Venue      string           `json:"venue"`
	Instrument string           `json:"instrument"`
	At         time.Time        `json:"ts"`
	BasisBps   decimal.Decimal  `json:"basis_bps"`
	BasisAbs   *decimal.Decimal `json:"basis_abs,omitempty"`
	ZScore     *decimal.Decimal `json:"zscore,omitempty"`
}

// HealthRow stamps a health snapshot with its capture instant; the model
// itself carries no timestamp.
type HealthRow struct {
	Snapshot models.HealthSnapshot `json:"snapshot"`
	At       time.Time             `json:"ts"`
}

// Record is one unit of work for the batcher. Exactly one field is set.
type Record struct {
	Book       *models.OrderBookSnapshot `json:"book,omitempty"`
	Metric     *models.MetricSample      `json:"metric,omitempty"`
	Ticker     *models.TickerSnapshot    `json:"ticker,omitempty"`
	Alert      *models.Alert             `json:"alert,omitempty"`
	AlertEvent *AlertEvent               `json:"alert_event,omitempty"`
	Gap        *models.GapMarker         `json:"gap,omitempty"`
	Health     *models.HealthSnapshot    `json:"health,omitempty"`
}

// Batch groups records by destination table for one flush.
type Batch struct {
	Books       []*models.OrderBookSnapshot
	Metrics     []*models.MetricSample
	Basis       []BasisRow
	Tickers     []*models.TickerSnapshot
	Alerts      []*models.Alert
	AlertEvents []AlertEvent
	Gaps        []*models.GapMarker
	Health      []HealthRow
}

// Len returns the total number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.Books) + len(b.Metrics) + len(b.Basis) + len(b.Tickers) +
		len(b.Alerts) + len(b.AlertEvents) + len(b.Gaps) + len(b.Health)
}

// Empty reports whether the batch holds no rows.
func (b *Batch) Empty() bool {
	return b.Len() == 0
}
