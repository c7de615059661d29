package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

type market string

const (
	marketFutures market = "futures"
	marketSpot    market = "spot"
)

// streamProtocol handles one Binance combined-stream connection. Binance
// multiplexes every subscription into a single socket whose streams are
// named in the dial URL; each frame arrives wrapped in an envelope carrying
// the stream name. Handle runs on a single session goroutine, so the joiner
// state needs no locking.
type streamProtocol struct {
	url    string
	market market
	clk    clock.Clock
	rest   *restClient

	// Venue symbol (upper case) to normalized instrument id.
	instruments map[string]string
	// Stream name to normalized instrument id. Spot partial depth frames
	// carry no symbol, so they are routed by the envelope's stream name.
	streams map[string]string

	join *tickerJoiner
}

func newStreamProtocol(url string, m market, instruments, streams map[string]string, rest *restClient, clk clock.Clock) *streamProtocol {
	return &streamProtocol{
		url:         url,
		market:      m,
		clk:         clk,
		rest:        rest,
		instruments: instruments,
		streams:     streams,
		join:        newTickerJoiner(instruments),
	}
}

func (p *streamProtocol) DialURL() string { return p.url }

// Subscribe is a no-op: combined streams subscribe through the URL query,
// the socket is live as soon as the handshake completes.
func (p *streamProtocol) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	return nil
}

// Keepalive uses WebSocket control frames; Binance sends pong frames in
// reply to pings.
func (p *streamProtocol) Keepalive() venue.Keepalive {
	return venue.Keepalive{Kind: venue.KeepaliveFrames}
}

func (p *streamProtocol) Handle(frame []byte) ([]venue.Event, error) {
	payload := frame
	stream := ""
	var env combinedEnvelope
	if err := json.Unmarshal(frame, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
		stream = env.Stream
	}

	var head eventHead
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch head.Event {
	case "depthUpdate":
		return p.handleDepth(payload)
	case "24hrTicker":
		return p.handleTicker24(payload)
	case "markPriceUpdate":
		return p.handleMarkPrice(payload)
	case "":
		return p.handlePartialDepth(stream, payload)
	default:
		return nil, nil
	}
}

// Poll fetches REST depth and ticker snapshots for every instrument on this
// connection. Used while the session is degraded.
func (p *streamProtocol) Poll(ctx context.Context) ([]venue.Event, error) {
	if p.rest == nil {
		return nil, fmt.Errorf("binance: no rest endpoint configured")
	}
	var (
		events  []venue.Event
		lastErr error
	)
	for symbol, instrument := range p.instruments {
		book, err := p.rest.book(ctx, p.market, symbol, instrument)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("venue", venueName).Str("symbol", symbol).Msg("rest depth fetch failed")
			continue
		}
		events = append(events, venue.Event{Book: book})

		t24, mark, err := p.rest.ticker(ctx, p.market, symbol)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("venue", venueName).Str("symbol", symbol).Msg("rest ticker fetch failed")
			continue
		}
		if mark != nil {
			p.join.setMarkPrice(mark)
		}
		t, err := p.join.onTicker24(t24)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("venue", venueName).Str("symbol", symbol).Msg("rest ticker parse failed")
			continue
		}
		if t != nil {
			events = append(events, venue.Event{Ticker: t})
		}
	}
	if len(events) == 0 {
		return nil, lastErr
	}
	return events, nil
}

func (p *streamProtocol) handleDepth(payload []byte) ([]venue.Event, error) {
	var ev depthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode depth update: %w", err)
	}
	instrument, ok := p.instruments[strings.ToUpper(ev.Symbol)]
	if !ok {
		log.Warn().Str("venue", venueName).Str("symbol", ev.Symbol).Msg("depth update for unknown symbol")
		return nil, nil
	}
	book, err := newBook(instrument, ev.FinalUpdateID, msTime(ev.EventTime), p.clk.Now().UTC(), ev.Bids, ev.Asks, models.SourceWebsocket)
	if err != nil {
		return nil, err
	}
	return []venue.Event{{Book: book}}, nil
}

// handlePartialDepth parses the spot partial depth format, which has no
// event type, no symbol and no venue timestamp.
func (p *streamProtocol) handlePartialDepth(stream string, payload []byte) ([]venue.Event, error) {
	var ev partialDepthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode partial depth: %w", err)
	}
	if ev.LastUpdateID == 0 && ev.Bids == nil && ev.Asks == nil {
		// Not a depth message; likely a subscription ack.
		return nil, nil
	}
	instrument, ok := p.streams[stream]
	if !ok {
		log.Warn().Str("venue", venueName).Str("stream", stream).Msg("depth message on unmapped stream")
		return nil, nil
	}
	now := p.clk.Now().UTC()
	book, err := newBook(instrument, ev.LastUpdateID, now, now, ev.Bids, ev.Asks, models.SourceWebsocket)
	if err != nil {
		return nil, err
	}
	return []venue.Event{{Book: book}}, nil
}

func (p *streamProtocol) handleTicker24(payload []byte) ([]venue.Event, error) {
	var ev ticker24Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode 24hr ticker: %w", err)
	}
	t, err := p.join.onTicker24(&ev)
	if err != nil || t == nil {
		return nil, err
	}
	return []venue.Event{{Ticker: t}}, nil
}

func (p *streamProtocol) handleMarkPrice(payload []byte) ([]venue.Event, error) {
	var ev markPriceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode mark price: %w", err)
	}
	t, err := p.join.onMarkPrice(&ev)
	if err != nil || t == nil {
		return nil, err
	}
	return []venue.Event{{Ticker: t}}, nil
}

// tickerJoiner combines the 24hr ticker stream with the mark price stream
// into one TickerSnapshot per emission. A snapshot goes out whenever either
// side updates and the 24hr leg is cached; the mark leg is optional (spot
// has none).
type tickerJoiner struct {
	instruments map[string]string
	ticker24    map[string]*ticker24Event
	markPrice   map[string]*markPriceEvent
}

func newTickerJoiner(instruments map[string]string) *tickerJoiner {
	return &tickerJoiner{
		instruments: instruments,
		ticker24:    make(map[string]*ticker24Event),
		markPrice:   make(map[string]*markPriceEvent),
	}
}

func (j *tickerJoiner) onTicker24(ev *ticker24Event) (*models.TickerSnapshot, error) {
	symbol := strings.ToUpper(ev.Symbol)
	j.ticker24[symbol] = ev
	return j.emit(symbol)
}

func (j *tickerJoiner) onMarkPrice(ev *markPriceEvent) (*models.TickerSnapshot, error) {
	symbol := strings.ToUpper(ev.Symbol)
	j.markPrice[symbol] = ev
	return j.emit(symbol)
}

// setMarkPrice caches the mark leg without emitting. REST polling fetches
// both legs together, so only the 24hr leg triggers the emit.
func (j *tickerJoiner) setMarkPrice(ev *markPriceEvent) {
	j.markPrice[strings.ToUpper(ev.Symbol)] = ev
}

func (j *tickerJoiner) emit(symbol string) (*models.TickerSnapshot, error) {
	instrument, ok := j.instruments[symbol]
	if !ok {
		return nil, nil
	}
	t24, ok := j.ticker24[symbol]
	if !ok {
		// Mark price arrived first; wait for the 24hr leg.
		return nil, nil
	}

	last, err := decimal.NewFromString(t24.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("parse last price %q: %w", t24.LastPrice, err)
	}
	volume, err := decimal.NewFromString(t24.Volume)
	if err != nil {
		return nil, fmt.Errorf("parse volume %q: %w", t24.Volume, err)
	}
	quoteVol, err := decimal.NewFromString(t24.QuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("parse quote volume %q: %w", t24.QuoteVolume, err)
	}
	high, err := decimal.NewFromString(t24.High)
	if err != nil {
		return nil, fmt.Errorf("parse high %q: %w", t24.High, err)
	}
	low, err := decimal.NewFromString(t24.Low)
	if err != nil {
		return nil, fmt.Errorf("parse low %q: %w", t24.Low, err)
	}

	t := &models.TickerSnapshot{
		Venue:        venueName,
		Instrument:   instrument,
		Timestamp:    msTime(t24.EventTime),
		LastPrice:    last,
		Volume24h:    volume,
		VolumeUSD24h: quoteVol,
		High24h:      high,
		Low24h:       low,
	}

	if mp, ok := j.markPrice[symbol]; ok {
		mark, err := decimal.NewFromString(mp.MarkPrice)
		if err != nil {
			return nil, fmt.Errorf("parse mark price %q: %w", mp.MarkPrice, err)
		}
		index, err := decimal.NewFromString(mp.IndexPrice)
		if err != nil {
			return nil, fmt.Errorf("parse index price %q: %w", mp.IndexPrice, err)
		}
		funding, err := decimal.NewFromString(mp.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("parse funding rate %q: %w", mp.FundingRate, err)
		}
		t.MarkPrice = &mark
		t.IndexPrice = &index
		t.FundingRate = &funding
		if mp.NextFundingTime > 0 {
			next := msTime(mp.NextFundingTime)
			t.NextFundingTime = &next
		}
	}
	return t, nil
}

// newBook parses raw price levels into a normalized snapshot. Zero-quantity
// levels are deletions on diff streams and are skipped. Binance sends both
// sides pre-sorted, but the order is enforced here anyway.
func newBook(instrument string, seq int64, venueTS, localTS time.Time, rawBids, rawAsks [][]string, source models.SnapshotSource) (*models.OrderBookSnapshot, error) {
	bids, err := parseLevels(rawBids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(rawAsks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	depth := len(bids)
	if len(asks) > depth {
		depth = len(asks)
	}
	return &models.OrderBookSnapshot{
		Venue:          venueName,
		Instrument:     instrument,
		VenueTimestamp: venueTS,
		LocalTimestamp: localTS,
		SequenceID:     seq,
		Bids:           bids,
		Asks:           asks,
		DepthLevels:    depth,
		Source:         source,
	}, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level needs price and quantity, got %d fields", len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", pair[1], err)
		}
		if qty.IsZero() {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Binance wire formats.

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHead struct {
	Event string `json:"e"`
}

type depthEvent struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// partialDepthEvent is the spot @depth<N>@<speed> payload. It carries no
// event type, symbol or timestamp.
type partialDepthEvent struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type ticker24Event struct {
	Event       string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	High        string `json:"h"`
	Low         string `json:"l"`
}

type markPriceEvent struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}
