package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric names produced by the metrics engine. The anomaly detector resolves
// alert definitions against these exact strings.
const (
	MetricSpreadBps        = "spread_bps"
	MetricSpreadAbs        = "spread_abs"
	MetricDepth5BpsBid     = "depth_5bps_bid"
	MetricDepth5BpsAsk     = "depth_5bps_ask"
	MetricDepth5BpsTotal   = "depth_5bps_total"
	MetricDepth10BpsBid    = "depth_10bps_bid"
	MetricDepth10BpsAsk    = "depth_10bps_ask"
	MetricDepth10BpsTotal  = "depth_10bps_total"
	MetricDepth25BpsBid    = "depth_25bps_bid"
	MetricDepth25BpsAsk    = "depth_25bps_ask"
	MetricDepth25BpsTotal  = "depth_25bps_total"
	MetricImbalance        = "imbalance"
	MetricTopImbalance     = "top_imbalance"
	MetricBasisBps         = "basis_bps"
	MetricBasisAbs         = "basis_abs"
	MetricMarkDeviationBps = "mark_deviation_bps"
	MetricDivergenceBps    = "divergence_bps"
	MetricCrossVenueSpread = "cross_venue_spread"
)

var knownMetrics = map[string]struct{}{
	MetricSpreadBps:        {},
	MetricSpreadAbs:        {},
	MetricDepth5BpsBid:     {},
	MetricDepth5BpsAsk:     {},
	MetricDepth5BpsTotal:   {},
	MetricDepth10BpsBid:    {},
	MetricDepth10BpsAsk:    {},
	MetricDepth10BpsTotal:  {},
	MetricDepth25BpsBid:    {},
	MetricDepth25BpsAsk:    {},
	MetricDepth25BpsTotal:  {},
	MetricImbalance:        {},
	MetricTopImbalance:     {},
	MetricBasisBps:         {},
	MetricBasisAbs:         {},
	MetricMarkDeviationBps: {},
	MetricDivergenceBps:    {},
	MetricCrossVenueSpread: {},
}

// KnownMetric reports whether name is produced by the metrics engine.
func KnownMetric(name string) bool {
	_, ok := knownMetrics[name]
	return ok
}

// MetricSample is one computed metric value. ZScore is nil while the z-score
// engine is warming up or guarded; nil must never be conflated with zero.
type MetricSample struct {
	Metric     string           `json:"metric"`
	Venue      string           `json:"venue"`
	Instrument string           `json:"instrument"`
	Timestamp  time.Time        `json:"timestamp"`
	Value      decimal.Decimal  `json:"value"`
	ZScore     *decimal.Decimal `json:"zscore,omitempty"`
}

// HasZScore reports whether the statistical gate can be evaluated.
func (m *MetricSample) HasZScore() bool {
	return m.ZScore != nil
}
