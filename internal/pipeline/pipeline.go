// Package pipeline wires venue adapters, the metrics engine, the anomaly
// detector and both storage planes into one process. Every stage is a single
// goroutine per input channel, so ordering per (venue, instrument) holds end
// to end. Sends toward the hot-state writer never block; sends toward the
// cold batcher and the detector block, and a stalled consumer surfaces
// upstream as adapter gaps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/detect"
	"github.com/omiiii21/crypto-market-microstructure/internal/metrics"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
	"github.com/omiiii21/crypto-market-microstructure/internal/telemetry"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

// snapshotItem is one unit on the snapshot bus. Exactly one field is set.
type snapshotItem struct {
	book   *models.OrderBookSnapshot
	ticker *models.TickerSnapshot
	gap    *models.GapMarker
}

// metricItem is one unit on the metric bus. Exactly one field is set.
type metricItem struct {
	sample *models.MetricSample
	gap    *models.GapMarker
}

// Stages selects which write planes this process owns. A co-located process
// owns all three; split deployments run one plane per process against the
// same stores, each re-deriving market data from its own feed, so the stores
// stay the only cross-process surface and the append-only tables have exactly
// one writer per plane.
type Stages struct {
	Raw     bool // book/ticker/gap/health capture: hot projection + cold rows
	Metrics bool // z-score projection + cold metric samples
	Alerts  bool // detector, alert projection, notification dispatch
}

// AllStages enables every plane.
func AllStages() Stages { return Stages{Raw: true, Metrics: true, Alerts: true} }

func (s Stages) enabled() bool { return s.Raw || s.Metrics || s.Alerts }

// needEngine reports whether metric samples must be computed at all.
func (s Stages) needEngine() bool { return s.Metrics || s.Alerts }

// Options wires a pipeline. Adapters, the three config documents, HotStore
// and Flusher are required; everything else defaults.
type Options struct {
	Adapters    []venue.Adapter
	Features    *config.FeaturesConfig
	Alerts      *config.AlertsConfig
	Instruments *config.InstrumentsConfig

	HotStore hot.Store
	Flusher  cold.Flusher
	Spool    *cold.Spool // optional disk fallback for failed flushes

	// Stages scopes this process to a subset of write planes. The zero
	// value enables all of them.
	Stages Stages
	// Name identifies this process in its own health row. Defaults to
	// "pipeline".
	Name string

	Telemetry *telemetry.Registry
	Notifier  detect.Notifier // nil gets a router with the console channel
	Clock     clock.Clock
}

// Pipeline runs the full surveillance flow: ingest, metrics, detection,
// projection and persistence.
type Pipeline struct {
	opts   Options
	stages Stages
	name   string
	clk    clock.Clock
	tel    *telemetry.Registry

	snapshotCh chan snapshotItem
	metricCh   chan metricItem
	commands   chan func() // run on the detector goroutine

	engine   *metrics.Engine
	detector *detect.Detector
	writer   *hot.Writer
	batcher  *cold.Batcher

	// lastCapture is owned by the metrics stage goroutine.
	captureEvery time.Duration
	lastCapture  map[string]time.Time

	// reconnects is owned by the health loop goroutine.
	reconnects map[string]int64

	drainDeadline time.Duration
	tickEvery     time.Duration
	healthEvery   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// New assembles a pipeline from options. The detector, engine, hot writer and
// cold batcher are constructed here so their hooks land on one telemetry
// registry.
func New(opts Options) (*Pipeline, error) {
	if len(opts.Adapters) == 0 {
		return nil, errors.New("pipeline: at least one adapter required")
	}
	if opts.Features == nil || opts.Alerts == nil || opts.Instruments == nil {
		return nil, errors.New("pipeline: features, alerts and instruments configs required")
	}
	if opts.HotStore == nil {
		return nil, errors.New("pipeline: hot store required")
	}
	if opts.Flusher == nil {
		return nil, errors.New("pipeline: cold flusher required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewRegistry()
	}
	notifier := opts.Notifier
	if notifier == nil {
		router := detect.NewRouter(routerRoutes(opts.Alerts))
		router.Register(detect.NewConsoleChannel())
		notifier = router
	}
	stages := opts.Stages
	if !stages.enabled() {
		stages = AllStages()
	}
	name := opts.Name
	if name == "" {
		name = "pipeline"
	}

	ch := opts.Features.Channels
	snapshotBuf := ch.SnapshotBuffer
	if snapshotBuf < 1 {
		snapshotBuf = 1024
	}
	metricBuf := ch.MetricBuffer
	if metricBuf < 1 {
		metricBuf = 1024
	}
	persistBuf := ch.PersistBuffer
	if persistBuf < 1 {
		persistBuf = 4096
	}
	drain := opts.Features.Shutdown.DrainDeadline()
	if drain <= 0 {
		drain = 30 * time.Second
	}

	p := &Pipeline{
		opts:          opts,
		stages:        stages,
		name:          name,
		clk:           clk,
		tel:           tel,
		snapshotCh:    make(chan snapshotItem, snapshotBuf),
		metricCh:      make(chan metricItem, metricBuf),
		commands:      make(chan func(), 16),
		engine:        metrics.NewEngine(engineOptions(opts.Features, opts.Instruments), clk),
		writer:        hot.NewWriter(opts.HotStore, snapshotBuf),
		captureEvery:  opts.Features.Capture.StorageInterval(),
		lastCapture:   make(map[string]time.Time),
		reconnects:    make(map[string]int64),
		drainDeadline: drain,
		tickEvery:     time.Second,
		healthEvery:   time.Second,
	}

	p.batcher = cold.NewBatcher(cold.BatcherConfig{
		BatchSize: opts.Features.Capture.BatchSize,
		QueueSize: persistBuf,
	}, opts.Flusher, opts.Spool, clk)

	p.writer.OnDrop(func(string) { tel.RecordDrop("hot_writer") })
	p.batcher.OnFlush = func(took time.Duration, _ int) { tel.ObserveFlush(took) }

	proj := &alertProjection{writer: p.writer, batcher: p.batcher, tel: tel, clk: clk}
	p.detector = detect.New(detectConfig(opts.Alerts, opts.Features), clk, proj, notifier)
	p.detector.OnEvaluation = func(_, result string) { tel.RecordEvaluation(result) }

	return p, nil
}

// Run starts every stage and blocks until ctx is cancelled or Close is
// called, then drains in order: adapters stop first, the buses empty next,
// the storage queues flush last. The drain is bounded by the configured
// deadline; whatever is still queued past it is abandoned with a log. The
// returned error is nil on a clean drain, or the batcher's unrecoverable
// persistence failure.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		cancel()
		return errors.New("pipeline: already running")
	}
	p.started = true
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	// The storage planes run on their own context so a cancelled run context
	// still lets the queues drain.
	storeCtx, stopStores := context.WithCancel(context.Background())
	defer stopStores()

	var storeWG sync.WaitGroup
	storeWG.Add(2)
	go func() {
		defer storeWG.Done()
		p.writer.Run(storeCtx)
	}()
	batchErr := make(chan error, 1)
	go func() {
		defer storeWG.Done()
		err := p.batcher.Run(storeCtx)
		batchErr <- err
		if err != nil {
			cancel()
		}
	}()

	if p.stages.Alerts {
		if err := p.detector.Recover(runCtx, p.opts.HotStore); err != nil {
			log.Warn().Err(err).Msg("active alert recovery failed, starting empty")
		}
	}

	var adapterWG sync.WaitGroup
	for _, a := range p.opts.Adapters {
		adapterWG.Add(1)
		go func(a venue.Adapter) {
			defer adapterWG.Done()
			if err := a.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("venue", a.Venue()).Msg("adapter stopped")
			}
		}(a)
	}

	var pumpWG sync.WaitGroup
	for _, a := range p.opts.Adapters {
		pumpWG.Add(3)
		go p.pumpBooks(&pumpWG, a)
		go p.pumpTickers(&pumpWG, a)
		go p.pumpGaps(&pumpWG, a)
	}
	go func() {
		pumpWG.Wait()
		close(p.snapshotCh)
	}()

	var stageWG sync.WaitGroup
	stageWG.Add(3)
	go func() {
		defer stageWG.Done()
		p.metricsStage()
	}()
	go func() {
		defer stageWG.Done()
		p.detectStage()
	}()
	go func() {
		defer stageWG.Done()
		p.healthLoop(runCtx)
	}()

	log.Info().
		Str("process", p.name).
		Int("adapters", len(p.opts.Adapters)).
		Bool("raw", p.stages.Raw).
		Bool("metrics", p.stages.Metrics).
		Bool("alerts", p.stages.Alerts).
		Msg("pipeline running")
	<-runCtx.Done()
	log.Info().Msg("pipeline shutting down, draining stages")

	forced := time.AfterFunc(p.drainDeadline, func() {
		log.Error().Dur("deadline", p.drainDeadline).Msg("drain deadline exceeded, abandoning queued writes")
		stopStores()
	})
	defer forced.Stop()

	adapterWG.Wait()
	stageWG.Wait()

	p.writer.Close()
	p.batcher.Close()
	storeWG.Wait()

	if err := <-batchErr; err != nil {
		return fmt.Errorf("cold persistence failed: %w", err)
	}
	log.Info().Msg("pipeline drained")
	return nil
}

// Close triggers the same drain as cancelling Run's context. Safe to call
// more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ResolveAlert asks the detector to manually resolve an active alert. The
// detector runs on a single goroutine, so the request is handed over as a
// command; false means this process does not own the alert plane or is not
// accepting commands.
func (p *Pipeline) ResolveAlert(alertID string, value *decimal.Decimal) bool {
	if !p.stages.Alerts {
		return false
	}
	select {
	case p.commands <- func() { p.detector.ResolveManual(alertID, value) }:
		return true
	default:
		return false
	}
}
