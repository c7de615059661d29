package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GapReason classifies why data went missing.
type GapReason string

const (
	GapReasonDisconnect         GapReason = "disconnect"
	GapReasonSequenceRegression GapReason = "sequence_regression"
	GapReasonDuplicate          GapReason = "duplicate"
	GapReasonTimeout            GapReason = "timeout"
	GapReasonMaintenance        GapReason = "maintenance"
)

// GapMarker records a hole in the data for one (venue, instrument). Markers
// are created once and never mutated; downstream queries exclude the covered
// interval instead of interpolating over it.
type GapMarker struct {
	Venue          string          `json:"venue"`
	Instrument     string          `json:"instrument"`
	GapStart       time.Time       `json:"gap_start"`
	GapEnd         time.Time       `json:"gap_end"`
	Duration       decimal.Decimal `json:"duration_seconds"`
	Reason         GapReason       `json:"reason"`
	SequenceBefore *int64          `json:"sequence_before,omitempty"`
	SequenceAfter  *int64          `json:"sequence_after,omitempty"`
}

// NewGapMarker builds a marker spanning [start, end].
func NewGapMarker(venue, instrument string, start, end time.Time, reason GapReason) GapMarker {
	return GapMarker{
		Venue:      venue,
		Instrument: instrument,
		GapStart:   start,
		GapEnd:     end,
		Duration:   decimal.NewFromFloat(end.Sub(start).Seconds()),
		Reason:     reason,
	}
}

// DurationSeconds returns the gap length as a time.Duration.
func (g *GapMarker) DurationSeconds() time.Duration {
	return g.GapEnd.Sub(g.GapStart)
}

// ExceedsThreshold reports whether the gap is long enough to invalidate
// rolling statistics for its (venue, instrument).
func (g *GapMarker) ExceedsThreshold(threshold time.Duration) bool {
	return g.DurationSeconds() >= threshold
}

// SequenceGapSize returns after − before − 1 when both sequence ids are
// recorded, otherwise false.
func (g *GapMarker) SequenceGapSize() (int64, bool) {
	if g.SequenceBefore == nil || g.SequenceAfter == nil {
		return 0, false
	}
	return *g.SequenceAfter - *g.SequenceBefore - 1, true
}
