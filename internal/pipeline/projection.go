package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
	"github.com/omiiii21/crypto-market-microstructure/internal/telemetry"
)

// alertProjection fans detector lifecycle events into the hot projection,
// the cold episode and audit tables, and telemetry. Methods run on the
// detector goroutine and only enqueue. Alerts are copied before handoff:
// the detector keeps mutating its own instance while the batcher marshals.
type alertProjection struct {
	writer  *hot.Writer
	batcher *cold.Batcher
	tel     *telemetry.Registry
	clk     clock.Clock
}

func (ap *alertProjection) AlertFired(a *models.Alert, dedupTTL time.Duration) {
	snap := *a
	ap.writer.WriteAlert(&snap, hot.EventFired)
	ap.writer.WriteDedup(snap.AlertType, snap.Venue, snap.Instrument, dedupTTL)
	ap.batcher.Enqueue(cold.Record{Alert: &snap})
	v := snap.TriggerValue
	ap.batcher.Enqueue(cold.Record{AlertEvent: &cold.AlertEvent{
		AlertID:  snap.AlertID,
		Event:    hot.EventFired,
		Priority: snap.Priority,
		Value:    &v,
		At:       snap.TriggeredAt,
	}})
	ap.tel.RecordAlert(snap.AlertType, string(snap.Priority))
}

// AlertUpdated refreshes the episode row and the hot projection. Peak updates
// arrive at sample rate, so they do not get audit rows.
func (ap *alertProjection) AlertUpdated(a *models.Alert) {
	snap := *a
	ap.writer.WriteAlert(&snap, hot.EventUpdated)
	ap.batcher.Enqueue(cold.Record{Alert: &snap})
}

func (ap *alertProjection) AlertEscalated(a *models.Alert) {
	snap := *a
	ap.writer.WriteAlert(&snap, hot.EventEscalated)
	ap.batcher.Enqueue(cold.Record{Alert: &snap})
	ap.batcher.Enqueue(cold.Record{AlertEvent: &cold.AlertEvent{
		AlertID:  snap.AlertID,
		Event:    hot.EventEscalated,
		Priority: snap.Priority,
		At:       ap.eventTime(snap.EscalatedAt),
	}})
}

func (ap *alertProjection) AlertResolved(a *models.Alert) {
	snap := *a
	ap.writer.DropAlert(&snap)
	ap.batcher.Enqueue(cold.Record{Alert: &snap})
	ap.batcher.Enqueue(cold.Record{AlertEvent: &cold.AlertEvent{
		AlertID:  snap.AlertID,
		Event:    hot.EventResolved,
		Priority: snap.Priority,
		Value:    copyDecimal(snap.ResolutionValue),
		At:       ap.eventTime(snap.ResolvedAt),
	}})
}

func (ap *alertProjection) eventTime(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return ap.clk.Now().UTC()
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
