// Package okx streams order books, tickers and mark prices from OKX. One
// public WebSocket endpoint serves both perpetual swaps and spot pairs;
// subscriptions are JSON op messages and liveness rides literal
// "ping"/"pong" text frames rather than control frames.
package okx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

const venueName = "okx"

// Options configures the adapter.
type Options struct {
	Venue        config.VenueConfig
	Instruments  *config.InstrumentsConfig
	GapThreshold time.Duration
	// Buffer is the capacity of each output channel.
	Buffer int
	Clock  clock.Clock
}

// Adapter implements venue.Adapter for OKX.
type Adapter struct {
	cfg          config.VenueConfig
	instruments  *config.InstrumentsConfig
	gapThreshold time.Duration
	clk          clock.Clock

	tracker *venue.SequenceTracker
	health  *venue.HealthTracker

	books   chan *models.OrderBookSnapshot
	tickers chan *models.TickerSnapshot
	gaps    chan *models.GapMarker

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds the adapter. It fails when no enabled instrument maps to OKX
// or the public WebSocket endpoint is missing.
func New(opts Options) (*Adapter, error) {
	if opts.Instruments == nil {
		return nil, fmt.Errorf("okx: instruments config required")
	}
	if len(opts.Instruments.EnabledForVenue(venueName)) == 0 {
		return nil, fmt.Errorf("okx: no enabled instruments")
	}
	if opts.Venue.WebSocket.PublicURL == "" {
		return nil, fmt.Errorf("okx: no public websocket url")
	}
	if opts.GapThreshold <= 0 {
		opts.GapThreshold = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Adapter{
		cfg:          opts.Venue,
		instruments:  opts.Instruments,
		gapThreshold: opts.GapThreshold,
		clk:          opts.Clock,
		tracker:      venue.NewSequenceTracker(venueName),
		health:       venue.NewHealthTracker(venueName, opts.Clock),
		books:        make(chan *models.OrderBookSnapshot, opts.Buffer),
		tickers:      make(chan *models.TickerSnapshot, opts.Buffer),
		gaps:         make(chan *models.GapMarker, opts.Buffer),
	}, nil
}

func (a *Adapter) Venue() string { return venueName }

func (a *Adapter) Books() <-chan *models.OrderBookSnapshot { return a.books }

func (a *Adapter) Tickers() <-chan *models.TickerSnapshot { return a.tickers }

func (a *Adapter) Gaps() <-chan *models.GapMarker { return a.gaps }

func (a *Adapter) Health() models.HealthSnapshot { return a.health.Snapshot() }

// Run streams until ctx is cancelled or Close is called, then closes the
// output channels.
func (a *Adapter) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	session, err := a.buildSession(runCtx)
	if err != nil {
		a.closeChannels()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		session.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		a.silenceLoop(runCtx)
	}()

	wg.Wait()
	a.closeChannels()
	return nil
}

// Close stops a running adapter. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) closeChannels() {
	close(a.books)
	close(a.tickers)
	close(a.gaps)
}

// buildSession assembles the single public-endpoint session carrying every
// enabled instrument's channels.
func (a *Adapter) buildSession(ctx context.Context) (*venue.Session, error) {
	instruments, args := a.subscriptionArgs()
	if len(args) == 0 {
		return nil, fmt.Errorf("okx: no channels to subscribe")
	}
	proto := newWSProtocol(a.cfg.WebSocket.PublicURL, a.bookChannel(), instruments, args, newRestClient(a.cfg, a.clk), a.clk)
	return venue.NewSession(venue.SessionConfig{
		Venue:      venueName,
		Name:       venueName + "-public",
		Proto:      proto,
		Connection: a.cfg.Connection,
		Tracker:    a.tracker,
		Health:     a.health,
		Sink:       a.sink(ctx),
	}), nil
}

// subscriptionArgs maps OKX instrument ids to normalized ids and expands
// each instrument into its channel subscriptions.
func (a *Adapter) subscriptionArgs() (map[string]string, []channelArg) {
	instruments := make(map[string]string)
	var args []channelArg
	for _, inst := range a.instruments.EnabledForVenue(venueName) {
		vc := inst.Venues[venueName]
		instruments[vc.Symbol] = inst.ID
		for _, ch := range a.channelsFor(inst, vc) {
			args = append(args, channelArg{Channel: ch, InstID: vc.Symbol})
		}
	}
	return instruments, args
}

// channelsFor returns the channels for one instrument: the configured list
// when present, otherwise the book channel + tickers (+ mark price for
// perpetuals).
func (a *Adapter) channelsFor(inst config.InstrumentConfig, vc config.InstrumentVenueConfig) []string {
	if len(vc.Streams) > 0 {
		return vc.Streams
	}
	channels := []string{a.bookChannel(), channelTickers}
	if inst.Type == "perpetual" {
		channels = append(channels, channelMarkPrice)
	}
	return channels
}

func (a *Adapter) bookChannel() string {
	if a.cfg.Streams.BookChannel != "" {
		return a.cfg.Streams.BookChannel
	}
	return "books"
}

// sink forwards session output onto the adapter channels, blocking while
// downstream is saturated and bailing out on shutdown.
func (a *Adapter) sink(ctx context.Context) venue.Sink {
	return venue.Sink{
		Book: func(b *models.OrderBookSnapshot) {
			select {
			case a.books <- b:
			case <-ctx.Done():
			}
		},
		Ticker: func(t *models.TickerSnapshot) {
			select {
			case a.tickers <- t:
			case <-ctx.Done():
			}
		},
		Gap: func(g *models.GapMarker) {
			select {
			case a.gaps <- g:
			case <-ctx.Done():
			}
		},
	}
}

// silenceLoop reports instruments that stopped updating while the
// connection stayed up. OKX increments seqId globally, so a quiet
// instrument shows no sequence anomaly and only the wall clock catches it.
func (a *Adapter) silenceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, g := range a.tracker.Silent(a.clk.Now().UTC(), a.gapThreshold) {
				a.health.RecordGap(g.GapEnd)
				log.Warn().
					Str("venue", g.Venue).
					Str("instrument", g.Instrument).
					Str("reason", string(g.Reason)).
					Msg("instrument went silent")
				select {
				case a.gaps <- g:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
