package cold

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Flusher lands one batch. Implemented by Writer; tests substitute fakes.
type Flusher interface {
	Flush(ctx context.Context, b *Batch) error
}

// BatcherConfig tunes batching and the retry budget.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	QueueSize     int
}

func (c *BatcherConfig) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 30
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.QueueSize == 0 {
		c.QueueSize = 4096
	}
}

// Batcher accumulates records and flushes them by size or interval. Enqueue
// blocks when the queue is full: cold-store loss is unacceptable, so
// backpressure propagates upstream until the adapter stalls and a gap marker
// tells the truth about it. Failed batches retry with backoff and then go to
// the disk spool; a spool write failure aborts Run.
type Batcher struct {
	cfg     BatcherConfig
	flusher Flusher
	spool   *Spool
	clk     clock.Clock

	in     chan Record
	closed atomic.Bool

	pending      Batch
	pendingBasis map[string]*BasisRow

	// OnFlush observes every successful flush, for telemetry. Set before Run.
	OnFlush func(took time.Duration, rows int)
}

// NewBatcher builds a batcher over flusher with spool as the fallback.
func NewBatcher(cfg BatcherConfig, flusher Flusher, spool *Spool, clk clock.Clock) *Batcher {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.System()
	}
	return &Batcher{
		cfg:          cfg,
		flusher:      flusher,
		spool:        spool,
		clk:          clk,
		in:           make(chan Record, cfg.QueueSize),
		pendingBasis: make(map[string]*BasisRow),
	}
}

// Enqueue hands one record to the batcher, blocking when the queue is full.
// Must not be called after Close.
func (b *Batcher) Enqueue(rec Record) {
	if b.closed.Load() {
		return
	}
	b.in <- rec
}

// Close stops intake. Run flushes what remains and returns.
func (b *Batcher) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.in)
	}
}

// QueueDepth returns the number of queued records.
func (b *Batcher) QueueDepth() int {
	return len(b.in)
}

// SpoolDepth returns the number of rows waiting on disk.
func (b *Batcher) SpoolDepth() int64 {
	if b.spool == nil {
		return 0
	}
	return b.spool.Depth()
}

// Run consumes records until Close, flushing by size and interval. The only
// error it returns is an unrecoverable spool failure; the caller must treat
// that as fatal.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-b.in:
			if !ok {
				return b.flush(ctx)
			}
			b.add(rec)
			if b.pending.Len() >= b.cfg.BatchSize {
				if err := b.flush(ctx); err != nil {
					go b.discard()
					return err
				}
			}
		case <-ticker.C:
			if err := b.flush(ctx); err != nil {
				go b.discard()
				return err
			}
			b.drainSpool(ctx)
		case <-ctx.Done():
			go b.discard()
			return b.flush(context.Background())
		}
	}
}

// discard keeps consuming the intake until Close so that no producer stays
// blocked in Enqueue after Run has stopped flushing.
func (b *Batcher) discard() {
	var dropped int
	for range b.in {
		dropped++
	}
	if dropped > 0 {
		log.Warn().Int("rows", dropped).Msg("cold persistence stopped, dropped queued rows")
	}
}

func (b *Batcher) add(rec Record) {
	switch {
	case rec.Book != nil:
		b.pending.Books = append(b.pending.Books, rec.Book)
	case rec.Metric != nil:
		b.addMetric(rec.Metric)
	case rec.Ticker != nil:
		b.pending.Tickers = append(b.pending.Tickers, rec.Ticker)
	case rec.Alert != nil:
		b.pending.Alerts = append(b.pending.Alerts, rec.Alert)
	case rec.AlertEvent != nil:
		b.pending.AlertEvents = append(b.pending.AlertEvents, *rec.AlertEvent)
	case rec.Gap != nil:
		b.pending.Gaps = append(b.pending.Gaps, rec.Gap)
	case rec.Health != nil:
		b.pending.Health = append(b.pending.Health, HealthRow{Snapshot: *rec.Health, At: b.clk.Now()})
	}
}

// addMetric keeps every sample in metric_samples and additionally joins the
// basis abs/bps legs, which the metrics engine emits back to back for the
// same (venue, instrument, timestamp), into one basis_metrics row.
func (b *Batcher) addMetric(s *models.MetricSample) {
	b.pending.Metrics = append(b.pending.Metrics, s)

	switch s.Metric {
	case models.MetricBasisAbs:
		abs := s.Value
		b.pendingBasis[basisKey(s)] = &BasisRow{
			Venue:      s.Venue,
			Instrument: s.Instrument,
			At:         s.Timestamp,
			BasisAbs:   &abs,
		}
		if len(b.pendingBasis) > 1024 {
			log.Warn().Int("pending", len(b.pendingBasis)).Msg("unpaired basis legs piling up, clearing")
			b.pendingBasis = make(map[string]*BasisRow)
		}
	case models.MetricBasisBps:
		row := BasisRow{
			Venue:      s.Venue,
			Instrument: s.Instrument,
			At:         s.Timestamp,
			BasisBps:   s.Value,
			ZScore:     s.ZScore,
		}
		key := basisKey(s)
		if stash, ok := b.pendingBasis[key]; ok {
			row.BasisAbs = stash.BasisAbs
			delete(b.pendingBasis, key)
		}
		b.pending.Basis = append(b.pending.Basis, row)
	}
}

func basisKey(s *models.MetricSample) string {
	return s.Venue + "|" + s.Instrument + "|" + s.Timestamp.UTC().Format(time.RFC3339Nano)
}

func (b *Batcher) flush(ctx context.Context) error {
	if b.pending.Empty() {
		return nil
	}
	batch := b.pending
	b.pending = Batch{}

	start := time.Now()
	backoff := b.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
		}
		if err = b.flusher.Flush(ctx, &batch); err == nil {
			if b.OnFlush != nil {
				b.OnFlush(time.Since(start), batch.Len())
			}
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
			// Constraint violations never succeed on retry, and spooling
			// them would poison every drain behind them.
			log.Error().Err(err).Int("rows", batch.Len()).Msg("cold store rejected batch on a constraint, dropping")
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Int("rows", batch.Len()).Msg("cold store flush failed")
	}

	log.Error().Err(err).Int("rows", batch.Len()).Msg("cold store retry budget exhausted, spooling batch to disk")
	if b.spool == nil {
		return fmt.Errorf("cold store unavailable and no spool configured: %w", err)
	}
	if serr := b.spool.Append(&batch); serr != nil {
		return fmt.Errorf("cold store unavailable and spool write failed: %w", serr)
	}
	return nil
}

func (b *Batcher) drainSpool(ctx context.Context) {
	if b.spool == nil || b.spool.Depth() == 0 {
		return
	}
	rows, err := b.spool.Drain(ctx, b.flusher.Flush, b.cfg.BatchSize*10)
	if err != nil {
		if errors.Is(err, ErrSpoolCorrupt) {
			moved, qerr := b.spool.Quarantine()
			if qerr != nil {
				log.Error().Err(qerr).Msg("spool quarantine failed, corrupt rows stay in place")
				return
			}
			log.Error().Err(err).Str("moved_to", moved).Msg("spool corrupt, quarantined for operator review")
			return
		}
		log.Warn().Err(err).Msg("spool drain failed, rows stay on disk")
		return
	}
	if rows > 0 {
		log.Info().Int("rows", rows).Int64("remaining", b.spool.Depth()).Msg("recovered spooled rows into cold store")
	}
}
