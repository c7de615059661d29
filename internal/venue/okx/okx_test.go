package okx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/config"
)

func testVenueConfig() config.VenueConfig {
	return config.VenueConfig{
		Enabled:   true,
		WebSocket: config.EndpointConfig{PublicURL: "wss://ws.test/ws/v5/public"},
		Rest:      config.EndpointConfig{PublicURL: "https://rest.test"},
		Connection: config.ConnectionConfig{
			RateLimitPerSecond:    10,
			ReconnectDelaySeconds: 1,
			MaxReconnectAttempts:  3,
			PingIntervalSeconds:   30,
			PingTimeoutSeconds:    10,
		},
		Streams: config.StreamConfig{DepthLevels: 20, BookChannel: "books"},
	}
}

func testInstruments() *config.InstrumentsConfig {
	return &config.InstrumentsConfig{
		Instruments: []config.InstrumentConfig{
			{
				ID: "BTC-USDT-PERP", Type: "perpetual", Enabled: true,
				Venues: map[string]config.InstrumentVenueConfig{
					"okx": {Symbol: "BTC-USDT-SWAP", InstType: "SWAP"},
				},
			},
			{
				ID: "BTC-USDT-SPOT", Type: "spot", Enabled: true,
				Venues: map[string]config.InstrumentVenueConfig{
					"okx": {Symbol: "BTC-USDT", InstType: "SPOT"},
				},
			},
		},
	}
}

func TestNew_RequiresOKXInstruments(t *testing.T) {
	_, err := New(Options{Venue: testVenueConfig(), Instruments: &config.InstrumentsConfig{}})
	assert.Error(t, err)
}

func TestNew_RequiresPublicEndpoint(t *testing.T) {
	cfg := testVenueConfig()
	cfg.WebSocket.PublicURL = ""

	_, err := New(Options{Venue: cfg, Instruments: testInstruments()})
	assert.Error(t, err)
}

func TestSubscriptionArgs_CoverAllInstruments(t *testing.T) {
	a, err := New(Options{Venue: testVenueConfig(), Instruments: testInstruments()})
	require.NoError(t, err)

	instruments, args := a.subscriptionArgs()

	assert.Equal(t, map[string]string{
		"BTC-USDT-SWAP": "BTC-USDT-PERP",
		"BTC-USDT":      "BTC-USDT-SPOT",
	}, instruments)

	// Perpetual: books + tickers + mark-price. Spot: books + tickers.
	assert.ElementsMatch(t, []channelArg{
		{Channel: "books", InstID: "BTC-USDT-SWAP"},
		{Channel: "tickers", InstID: "BTC-USDT-SWAP"},
		{Channel: "mark-price", InstID: "BTC-USDT-SWAP"},
		{Channel: "books", InstID: "BTC-USDT"},
		{Channel: "tickers", InstID: "BTC-USDT"},
	}, args)
}

func TestChannelsFor_ExplicitListWins(t *testing.T) {
	insts := testInstruments()
	vc := insts.Instruments[0].Venues["okx"]
	vc.Streams = []string{"books5"}
	insts.Instruments[0].Venues["okx"] = vc

	a, err := New(Options{Venue: testVenueConfig(), Instruments: insts})
	require.NoError(t, err)

	perp, _ := a.instruments.Lookup("BTC-USDT-PERP")
	assert.Equal(t, []string{"books5"}, a.channelsFor(perp, perp.Venues["okx"]))
}

func TestBookChannel_ConfigOverridesDefault(t *testing.T) {
	cfg := testVenueConfig()
	cfg.Streams.BookChannel = "books5"
	a, err := New(Options{Venue: cfg, Instruments: testInstruments()})
	require.NoError(t, err)
	assert.Equal(t, "books5", a.bookChannel())

	cfg.Streams.BookChannel = ""
	a, err = New(Options{Venue: cfg, Instruments: testInstruments()})
	require.NoError(t, err)
	assert.Equal(t, "books", a.bookChannel())
}

func TestBuildSession_SingleConnection(t *testing.T) {
	a, err := New(Options{Venue: testVenueConfig(), Instruments: testInstruments()})
	require.NoError(t, err)

	session, err := a.buildSession(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, session, "one public connection serves every instrument")
}

func TestAdapter_CloseStopsRun(t *testing.T) {
	a, err := New(Options{Venue: testVenueConfig(), Instruments: testInstruments(), GapThreshold: time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	// Allow Run to install its cancel func before closing.
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.cancel != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	// Contract: channels complete after Run returns.
	_, open := <-a.Books()
	assert.False(t, open)
	_, open2 := <-a.Gaps()
	assert.False(t, open2)
}
