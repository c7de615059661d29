// Package binance streams order books, tickers and mark prices from Binance
// USDⓈ-M futures and spot markets. Perpetual and spot instruments ride
// separate WebSocket connections (Binance serves them from different hosts);
// both feed one set of adapter channels and share gap and health tracking.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

const venueName = "binance"

// Options configures the adapter.
type Options struct {
	Venue        config.VenueConfig
	Instruments  *config.InstrumentsConfig
	GapThreshold time.Duration
	// Buffer is the capacity of each output channel.
	Buffer int
	Clock  clock.Clock
}

// Adapter implements venue.Adapter for Binance.
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

// New builds the adapter. It fails when no enabled instrument maps to
// Binance or a required endpoint is missing.
func New(opts Options) (*Adapter, error) {
	if opts.Instruments == nil {
		return nil, fmt.Errorf("binance: instruments config required")
	}
	enabled := opts.Instruments.EnabledForVenue(venueName)
	if len(enabled) == 0 {
		return nil, fmt.Errorf("binance: no enabled instruments")
	}
	for _, inst := range enabled {
		if inst.Type == "perpetual" && opts.Venue.WebSocket.FuturesURL == "" {
			return nil, fmt.Errorf("binance: perpetual instrument %s but no futures websocket url", inst.ID)
		}
		if inst.Type == "spot" && opts.Venue.WebSocket.SpotURL == "" {
			return nil, fmt.Errorf("binance: spot instrument %s but no spot websocket url", inst.ID)
		}
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

	sessions, err := a.buildSessions(runCtx)
	if err != nil {
		a.closeChannels()
		return err
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *venue.Session) {
			defer wg.Done()
			s.Run(runCtx)
		}(s)
	}
	wg.Add(1)
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

// buildSessions groups enabled instruments into the futures and spot
// connections and assembles one combined-stream session per group.
func (a *Adapter) buildSessions(ctx context.Context) ([]*venue.Session, error) {
	type group struct {
		market      market
		base        string
		instruments map[string]string
		streams     map[string]string
		streamNames []string
	}
	groups := map[market]*group{
		marketFutures: {market: marketFutures, base: a.cfg.WebSocket.FuturesURL, instruments: map[string]string{}, streams: map[string]string{}},
		marketSpot:    {market: marketSpot, base: a.cfg.WebSocket.SpotURL, instruments: map[string]string{}, streams: map[string]string{}},
	}

	for _, inst := range a.instruments.EnabledForVenue(venueName) {
		vc := inst.Venues[venueName]
		g := groups[marketSpot]
		if inst.Type == "perpetual" {
			g = groups[marketFutures]
		}
		symbol := strings.ToUpper(vc.Symbol)
		g.instruments[symbol] = inst.ID
		for _, stream := range a.streamsFor(inst, vc) {
			g.streamNames = append(g.streamNames, stream)
			g.streams[stream] = inst.ID
		}
	}

	rest := newRestClient(a.cfg, a.clk)
	sink := a.sink(ctx)

	var sessions []*venue.Session
	for _, g := range []*group{groups[marketFutures], groups[marketSpot]} {
		if len(g.streamNames) == 0 {
			continue
		}
		url := fmt.Sprintf("%s?streams=%s", g.base, strings.Join(g.streamNames, "/"))
		proto := newStreamProtocol(url, g.market, g.instruments, g.streams, rest, a.clk)
		sessions = append(sessions, venue.NewSession(venue.SessionConfig{
			Venue:      venueName,
			Name:       fmt.Sprintf("%s-%s", venueName, g.market),
			Proto:      proto,
			Connection: a.cfg.Connection,
			Tracker:    a.tracker,
			Health:     a.health,
			Sink:       sink,
		}))
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("binance: no streams to subscribe")
	}
	return sessions, nil
}

// streamsFor returns the stream names for one instrument: the configured
// list when present, otherwise depth + ticker (+ mark price for
// perpetuals) built from the venue defaults.
func (a *Adapter) streamsFor(inst config.InstrumentConfig, vc config.InstrumentVenueConfig) []string {
	if len(vc.Streams) > 0 {
		return vc.Streams
	}
	symbol := strings.ToLower(vc.Symbol)
	depth := vc.DepthLevels
	if depth == 0 {
		depth = a.cfg.Streams.DepthLevels
	}
	streams := []string{
		fmt.Sprintf("%s@depth%d@%s", symbol, depth, a.cfg.Streams.UpdateSpeed),
		symbol + "@ticker",
	}
	if inst.Type == "perpetual" {
		streams = append(streams, symbol+"@markPrice")
	}
	return streams
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
// connection stayed up. It runs at adapter level so an instrument streamed
// on either connection is checked exactly once.
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
