package metrics

import (
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// statisticalMetrics are the metrics tracked by rolling z-score windows.
var statisticalMetrics = map[string]struct{}{
	models.MetricSpreadBps:     {},
	models.MetricBasisBps:      {},
	models.MetricDivergenceBps: {},
}

// DivergencePair names one instrument quoted on two venues. Divergence
// samples are labeled "venueA-venueB".
type DivergencePair struct {
	Instrument string
	VenueA     string
	VenueB     string
}

// Options configures an Engine.
type Options struct {
	DepthBands      []int64
	ReferenceBps    int64
	MaxStaleness    time.Duration
	ZScore          ZScoreOptions
	ResetOnGap      bool
	ResetThreshold  time.Duration
	BasisPairs      map[string]string // perpetual id -> spot id
	DivergencePairs []DivergencePair
}

// bookState is the retained pairing view of the latest usable book.
type bookState struct {
	mid     decimal.Decimal
	bestBid models.PriceLevel
	bestAsk models.PriceLevel
	at      time.Time
}

// Engine turns snapshots into metric samples. It retains the latest book per
// (venue, instrument) to pair basis and divergence legs, and owns all z-score
// windows. Not safe for concurrent use; the metrics stage owns it.
type Engine struct {
	opts       Options
	calc       *BookCalculator
	clk        clock.Clock
	books      map[string]bookState
	zstates    map[string]*ZScoreState
	spotToPerp map[string]string
}

// NewEngine creates an engine with empty state.
func NewEngine(opts Options, clk clock.Clock) *Engine {
	spotToPerp := make(map[string]string, len(opts.BasisPairs))
	for perp, spot := range opts.BasisPairs {
		spotToPerp[spot] = perp
	}
	return &Engine{
		opts:       opts,
		calc:       NewBookCalculator(opts.DepthBands, opts.ReferenceBps),
		clk:        clk,
		books:      make(map[string]bookState),
		zstates:    make(map[string]*ZScoreState),
		spotToPerp: spotToPerp,
	}
}

// OnBook computes all metrics for one snapshot plus any paired metrics the
// update completes. A snapshot that fails validation yields an error and no
// samples; the caller drops the message, never the stream.
func (e *Engine) OnBook(book *models.OrderBookSnapshot) ([]models.MetricSample, error) {
	bm, err := e.calc.Compute(book)
	if err != nil {
		return nil, err
	}

	key := stateKey(book.Venue, book.Instrument)
	if bm.Mid == nil {
		// One-sided book: nothing to price and the retained view would be
		// stale, so pairing for this leg stops until liquidity returns.
		delete(e.books, key)
		return nil, nil
	}

	ts := book.VenueTimestamp
	samples := make([]models.MetricSample, 0, 4+3*len(bm.Bands))
	samples = append(samples,
		e.sample(models.MetricSpreadBps, book.Venue, book.Instrument, ts, *bm.SpreadBps),
		e.sample(models.MetricSpreadAbs, book.Venue, book.Instrument, ts, *bm.SpreadAbs),
	)
	for _, band := range bm.Bands {
		samples = append(samples,
			e.sample(depthMetricName(band.Bps, "bid"), book.Venue, book.Instrument, ts, band.Bid),
			e.sample(depthMetricName(band.Bps, "ask"), book.Venue, book.Instrument, ts, band.Ask),
			e.sample(depthMetricName(band.Bps, "total"), book.Venue, book.Instrument, ts, band.Total),
		)
	}
	if bm.Imbalance != nil {
		samples = append(samples, e.sample(models.MetricImbalance, book.Venue, book.Instrument, ts, *bm.Imbalance))
	}
	if bm.TopImbalance != nil {
		samples = append(samples, e.sample(models.MetricTopImbalance, book.Venue, book.Instrument, ts, *bm.TopImbalance))
	}

	bestBid, _ := book.BestBid()
	bestAsk, _ := book.BestAsk()
	e.books[key] = bookState{mid: *bm.Mid, bestBid: bestBid, bestAsk: bestAsk, at: book.LocalTimestamp}

	samples = append(samples, e.basisSamples(book.Venue, book.Instrument, ts)...)
	samples = append(samples, e.divergenceSamples(book.Venue, book.Instrument, ts)...)
	return samples, nil
}

// OnTicker computes the mark/index deviation for perpetual tickers.
func (e *Engine) OnTicker(t *models.TickerSnapshot) []models.MetricSample {
	dev, ok := t.MarkIndexDeviationBps()
	if !ok {
		return nil
	}
	return []models.MetricSample{
		e.sample(models.MetricMarkDeviationBps, t.Venue, t.Instrument, t.Timestamp, dev),
	}
}

// OnGap resets the z-score windows and the retained pairing view for the
// gapped (venue, instrument) when the gap is long enough to make rolling
// history unrepresentative.
func (e *Engine) OnGap(gap *models.GapMarker) {
	delete(e.books, stateKey(gap.Venue, gap.Instrument))
	if !e.opts.ResetOnGap || !gap.ExceedsThreshold(e.opts.ResetThreshold) {
		return
	}
	prefix := stateKey(gap.Venue, gap.Instrument) + ":"
	reset := 0
	for key, state := range e.zstates {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			state.Reset(string(gap.Reason))
			reset++
		}
	}
	if reset > 0 {
		log.Warn().
			Str("venue", gap.Venue).
			Str("instrument", gap.Instrument).
			Str("reason", string(gap.Reason)).
			Str("duration", gap.Duration.String()).
			Int("windows", reset).
			Msg("gap reset z-score windows")
	}
}

// Statuses returns the warmup projection of every z-score window. Call from
// the owning goroutine only.
func (e *Engine) Statuses() []ZScoreStatus {
	out := make([]ZScoreStatus, 0, len(e.zstates))
	for _, z := range e.zstates {
		out = append(out, z.Status())
	}
	return out
}

func (e *Engine) basisSamples(venue, instrument string, ts time.Time) []models.MetricSample {
	perp, spot := instrument, ""
	if s, ok := e.opts.BasisPairs[instrument]; ok {
		spot = s
	} else if p, ok := e.spotToPerp[instrument]; ok {
		perp, spot = p, instrument
	} else {
		return nil
	}

	perpState, ok := e.freshBook(venue, perp)
	if !ok {
		return nil
	}
	spotState, ok := e.freshBook(venue, spot)
	if !ok || !spotState.mid.IsPositive() {
		return nil
	}

	basisAbs := perpState.mid.Sub(spotState.mid)
	basisBps := basisAbs.DivRound(spotState.mid, divPlaces).Mul(bpsPerUnit)
	return []models.MetricSample{
		e.sample(models.MetricBasisAbs, venue, perp, ts, basisAbs),
		e.sample(models.MetricBasisBps, venue, perp, ts, basisBps),
	}
}

func (e *Engine) divergenceSamples(venue, instrument string, ts time.Time) []models.MetricSample {
	var out []models.MetricSample
	for _, pair := range e.opts.DivergencePairs {
		if pair.Instrument != instrument || (venue != pair.VenueA && venue != pair.VenueB) {
			continue
		}
		a, ok := e.freshBook(pair.VenueA, instrument)
		if !ok {
			continue
		}
		b, ok := e.freshBook(pair.VenueB, instrument)
		if !ok || !b.mid.IsPositive() {
			continue
		}

		label := pair.VenueA + "-" + pair.VenueB
		bps := a.mid.Sub(b.mid).DivRound(b.mid, divPlaces).Mul(bpsPerUnit)
		out = append(out, e.sample(models.MetricDivergenceBps, label, instrument, ts, bps))

		// A positive cross-venue spread means the highest bid anywhere sits
		// above the lowest ask anywhere.
		crossSpread := decimal.Max(a.bestBid.Price, b.bestBid.Price).
			Sub(decimal.Min(a.bestAsk.Price, b.bestAsk.Price))
		out = append(out, e.sample(models.MetricCrossVenueSpread, label, instrument, ts, crossSpread))
	}
	return out
}

func (e *Engine) freshBook(venue, instrument string) (bookState, bool) {
	state, ok := e.books[stateKey(venue, instrument)]
	if !ok {
		return bookState{}, false
	}
	if e.clk.Now().Sub(state.at) > e.opts.MaxStaleness {
		return bookState{}, false
	}
	return state, true
}

func (e *Engine) sample(metric, venue, instrument string, ts time.Time, value decimal.Decimal) models.MetricSample {
	s := models.MetricSample{
		Metric:     metric,
		Venue:      venue,
		Instrument: instrument,
		Timestamp:  ts,
		Value:      value,
	}
	if _, tracked := statisticalMetrics[metric]; tracked {
		s.ZScore = e.ensureZState(venue, instrument, metric).Add(value)
	}
	return s
}

func (e *Engine) ensureZState(venue, instrument, metric string) *ZScoreState {
	key := stateKey(venue, instrument) + ":" + metric
	state, ok := e.zstates[key]
	if !ok {
		state = NewZScoreState(venue, instrument, metric, e.opts.ZScore, e.clk)
		e.zstates[key] = state
	}
	return state
}

func stateKey(venue, instrument string) string {
	return venue + ":" + instrument
}

func depthMetricName(bps int64, side string) string {
	return "depth_" + strconv.FormatInt(bps, 10) + "bps_" + side
}
