package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickerSnapshot carries last price, 24h statistics and the perpetual-only
// mark/index/funding fields. Mark, index and funding are nil for spot
// instruments.
type TickerSnapshot struct {
	Venue           string           `json:"venue"`
	Instrument      string           `json:"instrument"`
	Timestamp       time.Time        `json:"timestamp"`
	LastPrice       decimal.Decimal  `json:"last_price"`
	MarkPrice       *decimal.Decimal `json:"mark_price,omitempty"`
	IndexPrice      *decimal.Decimal `json:"index_price,omitempty"`
	Volume24h       decimal.Decimal  `json:"volume_24h"`
	VolumeUSD24h    decimal.Decimal  `json:"volume_usd_24h"`
	High24h         decimal.Decimal  `json:"high_24h"`
	Low24h          decimal.Decimal  `json:"low_24h"`
	FundingRate     *decimal.Decimal `json:"funding_rate,omitempty"`
	NextFundingTime *time.Time       `json:"next_funding_time,omitempty"`
}

// IsPerpetual reports whether the ticker carries a mark price.
func (t *TickerSnapshot) IsPerpetual() bool {
	return t.MarkPrice != nil
}

// MarkIndexDeviationBps returns (mark − index) / index × 10000, or false when
// either price is missing or the index is zero.
func (t *TickerSnapshot) MarkIndexDeviationBps() (decimal.Decimal, bool) {
	if t.MarkPrice == nil || t.IndexPrice == nil || !t.IndexPrice.IsPositive() {
		return decimal.Decimal{}, false
	}
	return t.MarkPrice.Sub(*t.IndexPrice).Div(*t.IndexPrice).Mul(tenThousand), true
}

// FundingRateAnnualized returns the funding rate scaled to a yearly figure
// assuming three 8-hour settlements per day, or false when funding is absent.
func (t *TickerSnapshot) FundingRateAnnualized() (decimal.Decimal, bool) {
	if t.FundingRate == nil {
		return decimal.Decimal{}, false
	}
	return t.FundingRate.Mul(decimal.NewFromInt(3 * 365)), true
}

// PriceRange24hPct returns (high − low) / low × 100, or zero when the low is
// not positive.
func (t *TickerSnapshot) PriceRange24hPct() decimal.Decimal {
	if !t.Low24h.IsPositive() {
		return decimal.Zero
	}
	return t.High24h.Sub(t.Low24h).Div(t.Low24h).Mul(decimal.NewFromInt(100))
}

var tenThousand = decimal.NewFromInt(10000)
