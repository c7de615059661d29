// Package metrics computes market-quality metrics from normalized snapshots.
// All arithmetic is decimal; a metric that cannot be computed is absent, never
// zero. Calculators are pure; Engine composes them with the rolling z-score
// state and owns the pairing needed for basis and divergence.
package metrics

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

var (
	one         = decimal.NewFromInt(1)
	two         = decimal.NewFromInt(2)
	bpsPerUnit  = decimal.NewFromInt(10000)
	pctPerUnit  = decimal.NewFromInt(100)
	divPlaces   = int32(12)
	scorePlaces = int32(4)
)

// BookCalculator computes spread, banded depth and imbalance for one
// order book snapshot.
type BookCalculator struct {
	bands        []int64
	referenceBps int64
}

// NewBookCalculator creates a calculator over the given depth bands (bps,
// ascending). referenceBps selects the band used for the imbalance metric.
func NewBookCalculator(bands []int64, referenceBps int64) *BookCalculator {
	if len(bands) == 0 {
		bands = []int64{5, 10, 25}
	}
	return &BookCalculator{bands: bands, referenceBps: referenceBps}
}

// DepthBand is liquidity within ±Bps of mid, in quote notional.
type DepthBand struct {
	Bps       int64
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Total     decimal.Decimal
	BidLevels int
	AskLevels int
}

// BookMetrics carries everything computable from a single book. Pointer
// fields are nil when the book cannot support the metric (empty side,
// zero denominator).
type BookMetrics struct {
	Mid          *decimal.Decimal
	SpreadAbs    *decimal.Decimal
	SpreadBps    *decimal.Decimal
	Bands        []DepthBand
	Imbalance    *decimal.Decimal
	TopImbalance *decimal.Decimal
}

// Compute returns the book metrics for one snapshot. Books that fail
// validation are rejected so a crossed book can never price a metric.
func (c *BookCalculator) Compute(book *models.OrderBookSnapshot) (BookMetrics, error) {
	if book == nil {
		return BookMetrics{}, fmt.Errorf("order book snapshot is nil")
	}
	if err := book.Validate(); err != nil {
		return BookMetrics{}, err
	}

	bestBid, haveBid := book.BestBid()
	bestAsk, haveAsk := book.BestAsk()
	if !haveBid || !haveAsk {
		// One-sided book: spread, depth bands and imbalance all need a mid.
		return BookMetrics{}, nil
	}

	mid := bestBid.Price.Add(bestAsk.Price).DivRound(two, divPlaces)
	spreadAbs := bestAsk.Price.Sub(bestBid.Price)
	spreadBps := spreadAbs.DivRound(mid, divPlaces).Mul(bpsPerUnit)

	m := BookMetrics{
		Mid:       &mid,
		SpreadAbs: &spreadAbs,
		SpreadBps: &spreadBps,
		Bands:     make([]DepthBand, 0, len(c.bands)),
	}

	for _, bps := range c.bands {
		band := c.depthBand(book, mid, bps)
		m.Bands = append(m.Bands, band)
		if bps == c.referenceBps {
			if imb, ok := imbalance(band.Bid, band.Ask); ok {
				m.Imbalance = &imb
			}
		}
	}

	if top, ok := imbalance(bestBid.Quantity, bestAsk.Quantity); ok {
		m.TopImbalance = &top
	}
	return m, nil
}

// depthBand sums quote notional within ±bps of mid. Sides are sorted, so the
// scan breaks at the first level outside the band.
func (c *BookCalculator) depthBand(book *models.OrderBookSnapshot, mid decimal.Decimal, bps int64) DepthBand {
	frac := decimal.New(bps, -4)
	bidBound := mid.Mul(one.Sub(frac))
	askBound := mid.Mul(one.Add(frac))

	band := DepthBand{Bps: bps}
	for _, bid := range book.Bids {
		if bid.Price.LessThan(bidBound) {
			break
		}
		band.Bid = band.Bid.Add(bid.Notional())
		band.BidLevels++
	}
	for _, ask := range book.Asks {
		if ask.Price.GreaterThan(askBound) {
			break
		}
		band.Ask = band.Ask.Add(ask.Notional())
		band.AskLevels++
	}
	band.Total = band.Bid.Add(band.Ask)
	return band
}

// imbalance returns (bid − ask) / (bid + ask), or false when the denominator
// is zero.
func imbalance(bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	total := bid.Add(ask)
	if total.IsZero() {
		return decimal.Decimal{}, false
	}
	return bid.Sub(ask).DivRound(total, divPlaces), true
}
