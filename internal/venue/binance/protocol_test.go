package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

var protoNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func futuresProto() *streamProtocol {
	return newStreamProtocol(
		"wss://fstream.test/stream?streams=btcusdt@depth20@100ms",
		marketFutures,
		map[string]string{"BTCUSDT": "BTC-USDT-PERP"},
		map[string]string{"btcusdt@depth20@100ms": "BTC-USDT-PERP"},
		nil,
		clock.NewManual(protoNow),
	)
}

func spotProto() *streamProtocol {
	return newStreamProtocol(
		"wss://stream.test/stream?streams=btcusdt@depth20@100ms",
		marketSpot,
		map[string]string{"BTCUSDT": "BTC-USDT-SPOT"},
		map[string]string{"btcusdt@depth20@100ms": "BTC-USDT-SPOT"},
		nil,
		clock.NewManual(protoNow),
	)
}

func TestHandle_FuturesDepthUpdate(t *testing.T) {
	p := futuresProto()
	frame := []byte(`{"stream":"btcusdt@depth20@100ms","data":{
		"e":"depthUpdate","E":1760000000000,"s":"BTCUSDT","U":157,"u":160,
		"b":[["50000.00","1.5"],["49999.50","2.0"],["49998.00","0.000"]],
		"a":[["50000.50","0.75"],["50001.00","1.1"]]}}`)

	events, err := p.Handle(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)

	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, "binance", book.Venue)
	assert.Equal(t, "BTC-USDT-PERP", book.Instrument)
	assert.Equal(t, int64(160), book.SequenceID)
	assert.True(t, book.VenueTimestamp.Equal(time.UnixMilli(1760000000000).UTC()))
	assert.True(t, book.LocalTimestamp.Equal(protoNow))
	assert.Equal(t, models.SourceWebsocket, book.Source)

	// The zero-quantity level is a deletion and must not survive.
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 2)
	assert.Equal(t, "50000", book.Bids[0].Price.String())
	assert.Equal(t, "1.5", book.Bids[0].Quantity.String())
	assert.Equal(t, "50000.5", book.Asks[0].Price.String())
	assert.Equal(t, 2, book.DepthLevels)
	require.NoError(t, book.Validate())
}

func TestHandle_ReordersLevels(t *testing.T) {
	p := futuresProto()
	frame := []byte(`{"e":"depthUpdate","E":1760000000000,"s":"BTCUSDT","u":161,
		"b":[["49999.50","2.0"],["50000.00","1.5"]],
		"a":[["50001.00","1.1"],["50000.50","0.75"]]}`)

	events, err := p.Handle(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)

	book := events[0].Book
	assert.Equal(t, "50000", book.Bids[0].Price.String())
	assert.Equal(t, "50000.5", book.Asks[0].Price.String())
	require.NoError(t, book.Validate())
}

func TestHandle_SpotPartialDepth(t *testing.T) {
	p := spotProto()
	frame := []byte(`{"stream":"btcusdt@depth20@100ms","data":{
		"lastUpdateId":160,
		"bids":[["50000.00","1.5"]],
		"asks":[["50000.50","0.75"]]}}`)

	events, err := p.Handle(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)

	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, "BTC-USDT-SPOT", book.Instrument)
	assert.Equal(t, int64(160), book.SequenceID)
	// The format carries no server timestamp; receipt time stands in.
	assert.True(t, book.VenueTimestamp.Equal(protoNow))
	assert.True(t, book.LocalTimestamp.Equal(protoNow))
}

func TestHandle_PartialDepthOnUnmappedStream(t *testing.T) {
	p := spotProto()
	frame := []byte(`{"stream":"ethusdt@depth20@100ms","data":{
		"lastUpdateId":7,"bids":[["3000","1"]],"asks":[["3001","1"]]}}`)

	events, err := p.Handle(frame)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandle_TickerJoin(t *testing.T) {
	p := futuresProto()

	ticker24 := []byte(`{"e":"24hrTicker","E":1760000001000,"s":"BTCUSDT",
		"c":"50000.25","v":"1000.5","q":"50025000","h":"51000.00","l":"49000.00"}`)
	events, err := p.Handle(ticker24)
	require.NoError(t, err)
	require.Len(t, events, 1)

	tk := events[0].Ticker
	require.NotNil(t, tk)
	assert.Equal(t, "BTC-USDT-PERP", tk.Instrument)
	assert.True(t, tk.Timestamp.Equal(time.UnixMilli(1760000001000).UTC()))
	assert.Equal(t, "50000.25", tk.LastPrice.String())
	assert.Equal(t, "50025000", tk.VolumeUSD24h.String())
	assert.Nil(t, tk.MarkPrice, "no mark price leg cached yet")

	markPrice := []byte(`{"e":"markPriceUpdate","E":1760000002000,"s":"BTCUSDT",
		"p":"50001.50","i":"49999.00","r":"0.0001","T":1760028800000}`)
	events, err = p.Handle(markPrice)
	require.NoError(t, err)
	require.Len(t, events, 1)

	tk = events[0].Ticker
	require.NotNil(t, tk.MarkPrice)
	require.NotNil(t, tk.IndexPrice)
	require.NotNil(t, tk.FundingRate)
	require.NotNil(t, tk.NextFundingTime)
	assert.Equal(t, "50001.5", tk.MarkPrice.String())
	assert.Equal(t, "49999", tk.IndexPrice.String())
	assert.Equal(t, "0.0001", tk.FundingRate.String())
	assert.True(t, tk.NextFundingTime.Equal(time.UnixMilli(1760028800000).UTC()))
	assert.True(t, tk.IsPerpetual())
}

func TestHandle_MarkPriceBeforeTickerIsSilent(t *testing.T) {
	p := futuresProto()
	markPrice := []byte(`{"e":"markPriceUpdate","E":1760000002000,"s":"BTCUSDT",
		"p":"50001.50","i":"49999.00","r":"0.0001"}`)

	events, err := p.Handle(markPrice)
	require.NoError(t, err)
	assert.Empty(t, events, "mark price without the 24hr leg emits nothing")
}

func TestHandle_IgnoresUnrelatedMessages(t *testing.T) {
	p := futuresProto()

	for _, frame := range []string{
		`{"result":null,"id":1}`,
		`{"e":"aggTrade","E":1,"s":"BTCUSDT"}`,
		`{"e":"24hrTicker","E":1,"s":"ETHUSDT","c":"1","v":"1","q":"1","h":"1","l":"1"}`,
	} {
		events, err := p.Handle([]byte(frame))
		require.NoError(t, err, frame)
		assert.Empty(t, events, frame)
	}
}

func TestHandle_MalformedFrames(t *testing.T) {
	p := futuresProto()

	_, err := p.Handle([]byte(`not json`))
	assert.Error(t, err)

	_, err = p.Handle([]byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","u":1,
		"b":[["not-a-price","1.5"]],"a":[]}`))
	assert.Error(t, err)

	_, err = p.Handle([]byte(`{"e":"depthUpdate","E":1,"s":"BTCUSDT","u":1,
		"b":[["50000.00"]],"a":[]}`))
	assert.Error(t, err, "level with a single field")
}

func TestKeepalive_UsesControlFrames(t *testing.T) {
	p := futuresProto()
	ka := p.Keepalive()
	assert.Equal(t, venue.KeepaliveFrames, ka.Kind)
	assert.Nil(t, ka.IsPong)
}
