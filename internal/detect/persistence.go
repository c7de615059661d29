package detect

import (
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Cells tracks when each condition was first seen matching, keyed by
// (alert_type, venue, instrument). Owned by the Detector goroutine.
type Cells struct {
	firstSeen map[models.ConditionKey]time.Time
}

// NewCells returns an empty tracker.
func NewCells() *Cells {
	return &Cells{firstSeen: make(map[models.ConditionKey]time.Time)}
}

// FirstSeen returns when the condition started matching.
func (c *Cells) FirstSeen(key models.ConditionKey) (time.Time, bool) {
	t, ok := c.firstSeen[key]
	return t, ok
}

// Set records the start of a matching streak. An existing cell is kept.
func (c *Cells) Set(key models.ConditionKey, at time.Time) {
	if _, ok := c.firstSeen[key]; !ok {
		c.firstSeen[key] = at
	}
}

// Clear drops the cell for one condition.
func (c *Cells) Clear(key models.ConditionKey) {
	delete(c.firstSeen, key)
}

// ClearInstrument drops every cell for (venue, instrument). Called when a gap
// invalidates the matching streak. Returns how many cells were dropped.
func (c *Cells) ClearInstrument(venue, instrument string) int {
	n := 0
	for key := range c.firstSeen {
		if key.Venue == venue && key.Instrument == instrument {
			delete(c.firstSeen, key)
			n++
		}
	}
	return n
}

// Len returns the number of pending cells.
func (c *Cells) Len() int {
	return len(c.firstSeen)
}
