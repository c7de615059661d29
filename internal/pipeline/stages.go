package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

// pumpBooks forwards one adapter's book stream onto the snapshot bus. The
// send blocks: a full bus stalls the adapter, and the stall shows up as gap
// markers rather than silent loss.
func (p *Pipeline) pumpBooks(wg *sync.WaitGroup, a venue.Adapter) {
	defer wg.Done()
	for book := range a.Books() {
		p.tel.RecordSnapshot(book.Venue, string(book.Source))
		p.snapshotCh <- snapshotItem{book: book}
	}
}

func (p *Pipeline) pumpTickers(wg *sync.WaitGroup, a venue.Adapter) {
	defer wg.Done()
	for t := range a.Tickers() {
		p.tel.RecordSnapshot(t.Venue, string(models.SourceWebsocket))
		p.snapshotCh <- snapshotItem{ticker: t}
	}
}

func (p *Pipeline) pumpGaps(wg *sync.WaitGroup, a venue.Adapter) {
	defer wg.Done()
	for g := range a.Gaps() {
		p.tel.RecordGap(g.Venue, string(g.Reason))
		p.snapshotCh <- snapshotItem{gap: g}
	}
}

// metricsStage consumes the snapshot bus: books and tickers feed the engine
// and their storage projections, gaps reset engine state and fan out on the
// metric bus. Closes the metric bus when the snapshot bus is drained.
func (p *Pipeline) metricsStage() {
	defer close(p.metricCh)
	for item := range p.snapshotCh {
		switch {
		case item.book != nil:
			p.onBook(item.book)
		case item.ticker != nil:
			p.onTicker(item.ticker)
		case item.gap != nil:
			if p.stages.needEngine() {
				p.engine.OnGap(item.gap)
			}
			p.metricCh <- metricItem{gap: item.gap}
		}
	}
}

func (p *Pipeline) onBook(book *models.OrderBookSnapshot) {
	if p.stages.Raw {
		p.writer.WriteBook(book)
		if p.shouldCapture(book.Venue, book.Instrument) {
			p.batcher.Enqueue(cold.Record{Book: book})
		}
	}
	if !p.stages.needEngine() {
		return
	}
	samples, err := p.engine.OnBook(book)
	if err != nil {
		log.Warn().Err(err).
			Str("venue", book.Venue).
			Str("instrument", book.Instrument).
			Msg("book rejected by metrics engine")
		return
	}
	for i := range samples {
		p.metricCh <- metricItem{sample: &samples[i]}
	}
}

func (p *Pipeline) onTicker(t *models.TickerSnapshot) {
	if p.stages.Raw {
		p.batcher.Enqueue(cold.Record{Ticker: t})
	}
	if !p.stages.needEngine() {
		return
	}
	samples := p.engine.OnTicker(t)
	for i := range samples {
		p.metricCh <- metricItem{sample: &samples[i]}
	}
}

// shouldCapture throttles cold book capture to one snapshot per interval per
// (venue, instrument). Called only from the metrics stage goroutine.
func (p *Pipeline) shouldCapture(venueName, instrument string) bool {
	if p.captureEvery <= 0 {
		return true
	}
	key := venueName + "|" + instrument
	now := p.clk.Now()
	if last, ok := p.lastCapture[key]; ok && now.Sub(last) < p.captureEvery {
		return false
	}
	p.lastCapture[key] = now
	return true
}

// detectStage consumes the metric bus and owns the detector: samples, gaps,
// manual commands and the once-a-second tick all run on this goroutine.
func (p *Pipeline) detectStage() {
	tick := time.NewTicker(p.tickEvery)
	defer tick.Stop()
	for {
		select {
		case item, ok := <-p.metricCh:
			if !ok {
				return
			}
			switch {
			case item.sample != nil:
				if p.stages.Metrics {
					p.writer.WriteZScore(item.sample)
					p.batcher.Enqueue(cold.Record{Metric: item.sample})
				}
				if p.stages.Alerts {
					p.detector.HandleSample(item.sample)
				}
			case item.gap != nil:
				if p.stages.Raw {
					p.writer.WriteGap(item.gap)
					p.batcher.Enqueue(cold.Record{Gap: item.gap})
				}
				if p.stages.Alerts {
					p.detector.HandleGap(item.gap)
				}
			}
			if p.stages.Alerts {
				p.tel.SetActiveAlerts(p.detector.ActiveCount())
			}
		case fn := <-p.commands:
			fn()
			p.tel.SetActiveAlerts(p.detector.ActiveCount())
		case <-tick.C:
			if p.stages.Alerts {
				p.detector.Tick()
				p.tel.SetActiveAlerts(p.detector.ActiveCount())
			}
		}
	}
}

// healthLoop projects per-venue health snapshots plus the pipeline's own
// signals once a second.
func (p *Pipeline) healthLoop(ctx context.Context) {
	tick := time.NewTicker(p.healthEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.publishHealth()
		}
	}
}

func (p *Pipeline) publishHealth() {
	for _, a := range p.opts.Adapters {
		h := a.Health()
		if prev := p.reconnects[h.Venue]; h.ReconnectCount > prev {
			p.tel.RecordReconnects(h.Venue, h.ReconnectCount-prev)
			p.reconnects[h.Venue] = h.ReconnectCount
		}
		// Venue rows belong to the raw plane: in a split deployment every
		// process holds its own feed, but only one may report it.
		if p.stages.Raw {
			p.writer.WriteHealth(&h)
			p.batcher.Enqueue(cold.Record{Health: &h})
		}
	}

	// The process reports itself as a synthetic venue so external readers
	// see storage pressure next to the per-venue rows.
	now := p.clk.Now().UTC()
	ph := models.HealthSnapshot{
		Venue:         p.name,
		Status:        models.StatusConnected,
		LastMessageAt: &now,
	}
	if p.writer.Degraded() || p.batcher.SpoolDepth() > 0 {
		ph.Status = models.StatusDegraded
	}
	p.writer.WriteHealth(&ph)

	p.tel.SetWriterDepth(p.writer.Depth())
	p.tel.SetSpoolDepth(p.batcher.SpoolDepth())
}
