package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

const (
	channelTickers   = "tickers"
	channelMarkPrice = "mark-price"

	subscribeTimeout = 5 * time.Second
)

// wsProtocol handles the OKX public WebSocket. Every frame is a JSON
// envelope: data pushes carry arg+data, control replies carry an event
// field. Handle runs on a single session goroutine, so the joiner state
// needs no locking.
type wsProtocol struct {
	url         string
	bookChannel string
	clk         clock.Clock
	rest        *restClient

	// OKX instrument id to normalized instrument id.
	instruments map[string]string
	args        []channelArg

	join *tickerJoiner
}

func newWSProtocol(url, bookChannel string, instruments map[string]string, args []channelArg, rest *restClient, clk clock.Clock) *wsProtocol {
	return &wsProtocol{
		url:         url,
		bookChannel: bookChannel,
		clk:         clk,
		rest:        rest,
		instruments: instruments,
		args:        args,
		join:        newTickerJoiner(instruments),
	}
}

func (p *wsProtocol) DialURL() string { return p.url }

// Subscribe sends the full channel list in one op message. OKX answers with
// one event:"subscribe" confirmation per channel; Handle skips those.
func (p *wsProtocol) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	payload, err := json.Marshal(subscribeRequest{Op: "subscribe", Args: p.args})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	deadline := time.Now().Add(subscribeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

// Keepalive uses literal text frames. The "pong" reply is not valid JSON,
// so it must be swallowed before the frame decoder ever sees it.
func (p *wsProtocol) Keepalive() venue.Keepalive {
	return venue.Keepalive{
		Kind:        venue.KeepaliveText,
		PingPayload: []byte("ping"),
		IsPong: func(frame []byte) bool {
			return bytes.Equal(bytes.TrimSpace(frame), []byte("pong"))
		},
	}
}

func (p *wsProtocol) Handle(frame []byte) ([]venue.Event, error) {
	var msg wsMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	if msg.Event != "" {
		switch msg.Event {
		case "subscribe":
			log.Debug().Str("venue", venueName).Str("channel", msg.Arg.Channel).Str("inst_id", msg.Arg.InstID).Msg("subscription confirmed")
		case "error":
			log.Warn().Str("venue", venueName).Str("code", msg.Code).Str("msg", msg.Msg).Msg("venue rejected request")
		}
		return nil, nil
	}
	if len(msg.Data) == 0 {
		return nil, nil
	}

	switch msg.Arg.Channel {
	case p.bookChannel:
		return p.handleBooks(msg.Arg.InstID, msg.Data)
	case channelTickers:
		return p.handleTickers(msg.Arg.InstID, msg.Data)
	case channelMarkPrice:
		return p.handleMarkPrices(msg.Arg.InstID, msg.Data)
	default:
		return nil, nil
	}
}

// Poll fetches REST book and ticker snapshots for every instrument. Used
// while the session is degraded.
func (p *wsProtocol) Poll(ctx context.Context) ([]venue.Event, error) {
	if p.rest == nil {
		return nil, fmt.Errorf("okx: no rest endpoint configured")
	}
	var (
		events  []venue.Event
		lastErr error
	)
	for instID, instrument := range p.instruments {
		book, err := p.rest.book(ctx, instID, instrument)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("venue", venueName).Str("inst_id", instID).Msg("rest book fetch failed")
			continue
		}
		events = append(events, venue.Event{Book: book})

		td, md, err := p.rest.ticker(ctx, instID)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("venue", venueName).Str("inst_id", instID).Msg("rest ticker fetch failed")
			continue
		}
		if md != nil {
			p.join.setMarkPrice(instID, md)
		}
		t, err := p.join.onTicker(instID, td)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("venue", venueName).Str("inst_id", instID).Msg("rest ticker parse failed")
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

// handleBooks covers both the initial action:"snapshot" push and the
// action:"update" diffs that follow; each data element is a full set of
// levels either way.
func (p *wsProtocol) handleBooks(instID string, raw json.RawMessage) ([]venue.Event, error) {
	instrument, ok := p.instruments[instID]
	if !ok {
		log.Warn().Str("venue", venueName).Str("inst_id", instID).Msg("book update for unknown instrument")
		return nil, nil
	}
	var updates []bookData
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode book update: %w", err)
	}
	events := make([]venue.Event, 0, len(updates))
	for _, u := range updates {
		venueTS, err := msStringTime(u.TS)
		if err != nil {
			return nil, fmt.Errorf("book timestamp: %w", err)
		}
		book, err := newBook(instrument, u.SeqID, venueTS, p.clk.Now().UTC(), u.Bids, u.Asks, models.SourceWebsocket)
		if err != nil {
			return nil, err
		}
		events = append(events, venue.Event{Book: book})
	}
	return events, nil
}

func (p *wsProtocol) handleTickers(instID string, raw json.RawMessage) ([]venue.Event, error) {
	var updates []tickerData
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	var events []venue.Event
	for i := range updates {
		id := updates[i].InstID
		if id == "" {
			id = instID
		}
		t, err := p.join.onTicker(id, &updates[i])
		if err != nil {
			return nil, err
		}
		if t != nil {
			events = append(events, venue.Event{Ticker: t})
		}
	}
	return events, nil
}

func (p *wsProtocol) handleMarkPrices(instID string, raw json.RawMessage) ([]venue.Event, error) {
	var updates []markPriceData
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode mark price: %w", err)
	}
	var events []venue.Event
	for i := range updates {
		id := updates[i].InstID
		if id == "" {
			id = instID
		}
		t, err := p.join.onMarkPrice(id, &updates[i])
		if err != nil {
			return nil, err
		}
		if t != nil {
			events = append(events, venue.Event{Ticker: t})
		}
	}
	return events, nil
}

// tickerJoiner combines the tickers channel with the mark-price channel
// into one TickerSnapshot per emission. A snapshot goes out whenever either
// side updates and the ticker leg is cached; the mark leg is optional (spot
// has none).
type tickerJoiner struct {
	instruments map[string]string
	tickers     map[string]*tickerData
	markPrices  map[string]*markPriceData
}

func newTickerJoiner(instruments map[string]string) *tickerJoiner {
	return &tickerJoiner{
		instruments: instruments,
		tickers:     make(map[string]*tickerData),
		markPrices:  make(map[string]*markPriceData),
	}
}

func (j *tickerJoiner) onTicker(instID string, td *tickerData) (*models.TickerSnapshot, error) {
	j.tickers[instID] = td
	return j.emit(instID)
}

func (j *tickerJoiner) onMarkPrice(instID string, md *markPriceData) (*models.TickerSnapshot, error) {
	j.markPrices[instID] = md
	return j.emit(instID)
}

// setMarkPrice caches the mark leg without emitting. REST polling fetches
// both legs together, so only the ticker leg triggers the emit.
func (j *tickerJoiner) setMarkPrice(instID string, md *markPriceData) {
	j.markPrices[instID] = md
}

func (j *tickerJoiner) emit(instID string) (*models.TickerSnapshot, error) {
	instrument, ok := j.instruments[instID]
	if !ok {
		return nil, nil
	}
	td, ok := j.tickers[instID]
	if !ok {
		// Mark price arrived first; wait for the ticker leg.
		return nil, nil
	}

	ts, err := msStringTime(td.TS)
	if err != nil {
		return nil, fmt.Errorf("ticker timestamp: %w", err)
	}
	last, err := decimal.NewFromString(td.Last)
	if err != nil {
		return nil, fmt.Errorf("parse last price %q: %w", td.Last, err)
	}
	volume, err := decimal.NewFromString(td.Vol24h)
	if err != nil {
		return nil, fmt.Errorf("parse volume %q: %w", td.Vol24h, err)
	}
	quoteVol, err := decimal.NewFromString(td.VolCcy24h)
	if err != nil {
		return nil, fmt.Errorf("parse quote volume %q: %w", td.VolCcy24h, err)
	}
	high, err := decimal.NewFromString(td.High24h)
	if err != nil {
		return nil, fmt.Errorf("parse high %q: %w", td.High24h, err)
	}
	low, err := decimal.NewFromString(td.Low24h)
	if err != nil {
		return nil, fmt.Errorf("parse low %q: %w", td.Low24h, err)
	}

	t := &models.TickerSnapshot{
		Venue:        venueName,
		Instrument:   instrument,
		Timestamp:    ts,
		LastPrice:    last,
		Volume24h:    volume,
		VolumeUSD24h: quoteVol,
		High24h:      high,
		Low24h:       low,
	}

	if md, ok := j.markPrices[instID]; ok {
		mark, err := decimal.NewFromString(md.MarkPx)
		if err != nil {
			return nil, fmt.Errorf("parse mark price %q: %w", md.MarkPx, err)
		}
		index, err := decimal.NewFromString(md.IdxPx)
		if err != nil {
			return nil, fmt.Errorf("parse index price %q: %w", md.IdxPx, err)
		}
		funding, err := decimal.NewFromString(md.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("parse funding rate %q: %w", md.FundingRate, err)
		}
		t.MarkPrice = &mark
		t.IndexPrice = &index
		t.FundingRate = &funding
		if md.NextFundingTime != "" {
			next, err := msStringTime(md.NextFundingTime)
			if err != nil {
				return nil, fmt.Errorf("next funding time: %w", err)
			}
			t.NextFundingTime = &next
		}
	}
	return t, nil
}

// newBook parses raw price levels into a normalized snapshot. OKX levels
// carry four fields (price, quantity, a deprecated slot, order count); only
// the first two matter. Zero-quantity levels are deletions and are skipped.
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
	for _, fields := range raw {
		if len(fields) < 2 {
			return nil, fmt.Errorf("level needs price and quantity, got %d fields", len(fields))
		}
		price, err := decimal.NewFromString(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", fields[0], err)
		}
		qty, err := decimal.NewFromString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", fields[1], err)
		}
		if qty.IsZero() {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// msStringTime parses OKX timestamps, which arrive as millisecond strings.
func msStringTime(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// OKX wire formats.

type subscribeRequest struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// wsMessage is the envelope on every public-channel frame: data pushes
// carry arg+data, control replies carry event (plus code and msg on
// errors).
type wsMessage struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    channelArg      `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type bookData struct {
	Asks  [][]string `json:"asks"`
	Bids  [][]string `json:"bids"`
	TS    string     `json:"ts"`
	SeqID int64      `json:"seqId"`
}

type tickerData struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	TS        string `json:"ts"`
}

type markPriceData struct {
	InstID          string `json:"instId"`
	MarkPx          string `json:"markPx"`
	IdxPx           string `json:"idxPx"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	TS              string `json:"ts"`
}
