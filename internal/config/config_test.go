package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const venuesYAML = `
venues:
  binance:
    enabled: true
    websocket:
      futures_url: wss://fstream.binance.com
      spot_url: wss://stream.binance.com:9443
    rest:
      futures_url: https://fapi.binance.com
      spot_url: https://api.binance.com
  okx:
    enabled: true
    websocket:
      public_url: wss://ws.okx.com:8443/ws/v5/public
    rest:
      public_url: https://www.okx.com
    connection:
      ping_interval_seconds: 25
      ping_timeout_seconds: 10
`

const instrumentsYAML = `
instruments:
  - id: BTC-USDT-PERP
    type: perpetual
    base: BTC
    quote: USDT
    enabled: true
    venues:
      binance:
        symbol: btcusdt
        inst_type: futures
      okx:
        symbol: BTC-USDT-SWAP
        inst_type: SWAP
  - id: BTC-USDT-SPOT
    type: spot
    base: BTC
    quote: USDT
    enabled: true
    venues:
      binance:
        symbol: btcusdt
        inst_type: spot
basis_pairs:
  - perpetual: BTC-USDT-PERP
    spot: BTC-USDT-SPOT
divergence_pairs:
  - instrument: BTC-USDT-PERP
    venues: [binance, okx]
`

const alertsYAML = `
settings:
  throttle_seconds: 60
  dedup_window_seconds: 300
  auto_resolve: true
priorities:
  P1:
    channels: [console, slack]
  P2:
    channels: [console, slack]
    escalation_seconds: 300
    escalates_to: P1
  P3:
    channels: [console]
definitions:
  - type: wide_spread
    name: Wide spread
    metric: spread_bps
    comparison: gt
    priority: P2
    severity: warning
    requires_zscore: true
    persistence_seconds: 0
    enabled: true
  - type: thin_book
    name: Thin book
    metric: depth_10bps_total
    comparison: lt
    priority: P2
    severity: warning
    persistence_seconds: 120
    enabled: true
thresholds:
  wide_spread:
    "*":
      value: "10"
      zscore_threshold: "3"
    BTC-USDT-PERP:
      value: "5"
      zscore_threshold: "3"
  thin_book:
    "*":
      value: "100000"
`

const featuresYAML = `
zscore:
  window_size: 300
  min_samples: 30
  min_std: "0.0001"
gaps:
  gap_threshold_seconds: 5
capture:
  storage_interval_seconds: 1
  batch_size: 30
channels:
  snapshot_buffer: 1024
  metric_buffer: 1024
  persist_buffer: 4096
monitor:
  listen_addr: ":8090"
`

func writeConfigDir(t *testing.T, overrides map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	docs := map[string]string{
		"venues.yaml":      venuesYAML,
		"instruments.yaml": instrumentsYAML,
		"alerts.yaml":      alertsYAML,
		"features.yaml":    featuresYAML,
	}
	for name, body := range overrides {
		docs[name] = body
	}
	for name, body := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfigDir(t, nil))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"binance", "okx"}, cfg.Venues.Enabled())

	bn := cfg.Venues.Venues["binance"]
	assert.Equal(t, 10, bn.Connection.RateLimitPerSecond)
	assert.Equal(t, 30, bn.Connection.PingIntervalSeconds)
	assert.Equal(t, 20, bn.Streams.DepthLevels)

	spot, ok := cfg.Instruments.SpotForPerpetual("BTC-USDT-PERP")
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT-SPOT", spot)

	sym, ok := cfg.Instruments.NativeSymbol("okx", "BTC-USDT-PERP")
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT-SWAP", sym)

	id, ok := cfg.Instruments.InstrumentForSymbol("okx", "BTC-USDT-SWAP")
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT-PERP", id)

	def, ok := cfg.Alerts.Definition("wide_spread")
	require.True(t, ok)
	assert.Equal(t, 60, def.ThrottleSeconds, "definition inherits the global throttle")
	assert.Equal(t, 300, def.EscalationSeconds, "definition inherits P2 escalation")
	assert.Equal(t, "P1", def.EscalatesTo)

	assert.Equal(t, 300, cfg.Features.ZScore.WindowSize)
	assert.Equal(t, "0.0001", cfg.Features.ZScore.MinStd.String())
	assert.Equal(t, 4096, cfg.Features.Channels.PersistBuffer)
}

func TestThresholdFor_WildcardFallback(t *testing.T) {
	cfg, err := Load(writeConfigDir(t, nil))
	require.NoError(t, err)

	exact, ok := cfg.Alerts.ThresholdFor("wide_spread", "BTC-USDT-PERP")
	require.True(t, ok)
	assert.Equal(t, "5", exact.Value.String())

	wildcard, ok := cfg.Alerts.ThresholdFor("wide_spread", "ETH-USDT-PERP")
	require.True(t, ok)
	assert.Equal(t, "10", wildcard.Value.String())

	_, ok = cfg.Alerts.ThresholdFor("no_such_alert", "BTC-USDT-PERP")
	assert.False(t, ok)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		body     string
		wantFile string
		wantMsg  string
	}{
		{
			name:     "threshold_for_unknown_alert_type",
			file:     "alerts.yaml",
			body:     alertsYAML + "\n  phantom_alert:\n    \"*\":\n      value: \"1\"\n",
			wantFile: "alerts.yaml",
			wantMsg:  "unknown alert type",
		},
		{
			name: "unknown_comparison",
			file: "alerts.yaml",
			body: `
definitions:
  - type: odd_alert
    metric: spread_bps
    comparison: ge
    enabled: true
`,
			wantFile: "alerts.yaml",
			wantMsg:  "unknown comparison",
		},
		{
			name: "unknown_metric",
			file: "alerts.yaml",
			body: `
definitions:
  - type: odd_alert
    metric: twap_bps
    comparison: gt
    enabled: true
`,
			wantFile: "alerts.yaml",
			wantMsg:  "unknown metric",
		},
		{
			name: "basis_pair_unknown_instrument",
			file: "instruments.yaml",
			body: `
instruments:
  - id: BTC-USDT-PERP
    type: perpetual
    enabled: true
    venues:
      binance:
        symbol: btcusdt
basis_pairs:
  - perpetual: BTC-USDT-PERP
    spot: DOGE-USDT-SPOT
`,
			wantFile: "instruments.yaml",
			wantMsg:  "unknown instrument",
		},
		{
			name: "channel_capacity_below_one",
			file: "features.yaml",
			body: `
channels:
  snapshot_buffer: -1
  metric_buffer: 1024
  persist_buffer: 4096
`,
			wantFile: "features.yaml",
			wantMsg:  "capacities",
		},
		{
			name: "non_decimal_threshold",
			file: "alerts.yaml",
			body: `
definitions:
  - type: wide_spread
    metric: spread_bps
    comparison: gt
    enabled: true
thresholds:
  wide_spread:
    "*":
      value: "ten"
`,
			wantFile: "alerts.yaml",
			wantMsg:  "invalid decimal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfigDir(t, map[string]string{tt.file: tt.body})
			_, err := Load(dir)
			require.Error(t, err)

			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "error should be a ConfigError, got %T: %v", err, err)
			assert.Equal(t, tt.wantFile, cerr.File)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("DATABASE_URL", "postgres://db:5432/mq")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfigDir(t, nil))
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	assert.Equal(t, "postgres://db:5432/mq", cfg.DatabaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "venues.yaml", cerr.File)
}
