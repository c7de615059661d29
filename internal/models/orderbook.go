// Package models defines the normalized data types shared by every pipeline
// stage. All prices, quantities and derived values are decimals; float
// arithmetic is forbidden anywhere a number can reach an alert.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotSource tells downstream consumers whether a snapshot came from the
// streaming path or from REST polling while the adapter was degraded. REST
// snapshots are excluded from latency measurements.
type SnapshotSource string

const (
	SourceWebsocket SnapshotSource = "websocket"
	SourceRest      SnapshotSource = "rest"
)

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Notional returns price × quantity.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Quantity)
}

// OrderBookSnapshot is the normalized per-venue, per-instrument book. Bids are
// ordered highest first, asks lowest first. SequenceID carries the venue's
// sequence number with venue-global semantics (forward jumps are normal).
type OrderBookSnapshot struct {
	Venue          string          `json:"venue"`
	Instrument     string          `json:"instrument"`
	VenueTimestamp time.Time       `json:"venue_timestamp"`
	LocalTimestamp time.Time       `json:"local_timestamp"`
	SequenceID     int64           `json:"sequence_id"`
	Bids           []PriceLevel    `json:"bids"`
	Asks           []PriceLevel    `json:"asks"`
	DepthLevels    int             `json:"depth_levels"`
	Source         SnapshotSource  `json:"source"`
}

// BestBid returns the highest bid, or false when the bid side is empty.
func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the ask side is empty.
func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Mid returns (best_bid + best_ask) / 2, or false when either side is empty.
func (s *OrderBookSnapshot) Mid() (decimal.Decimal, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(two), true
}

var two = decimal.NewFromInt(2)

// Validate enforces the snapshot invariants: positive prices and quantities,
// strictly monotonic levels on each side, and a non-crossed book. Snapshots
// that fail validation are dropped by the adapter and never published.
func (s *OrderBookSnapshot) Validate() error {
	if s.Venue == "" || s.Instrument == "" {
		return fmt.Errorf("snapshot missing venue or instrument")
	}
	for i, lvl := range s.Bids {
		if !lvl.Price.IsPositive() {
			return fmt.Errorf("bid %d: price %s not positive", i, lvl.Price)
		}
		if !lvl.Quantity.IsPositive() {
			return fmt.Errorf("bid %d: quantity %s not positive", i, lvl.Quantity)
		}
		if i > 0 && lvl.Price.GreaterThanOrEqual(s.Bids[i-1].Price) {
			return fmt.Errorf("bids not strictly descending at level %d", i)
		}
	}
	for i, lvl := range s.Asks {
		if !lvl.Price.IsPositive() {
			return fmt.Errorf("ask %d: price %s not positive", i, lvl.Price)
		}
		if !lvl.Quantity.IsPositive() {
			return fmt.Errorf("ask %d: quantity %s not positive", i, lvl.Quantity)
		}
		if i > 0 && lvl.Price.LessThanOrEqual(s.Asks[i-1].Price) {
			return fmt.Errorf("asks not strictly ascending at level %d", i)
		}
	}
	if bid, ok := s.BestBid(); ok {
		if ask, ok := s.BestAsk(); ok {
			if bid.Price.GreaterThanOrEqual(ask.Price) {
				return fmt.Errorf("crossed book: best bid %s >= best ask %s", bid.Price, ask.Price)
			}
		}
	}
	return nil
}
