package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
)

func zopts() ZScoreOptions {
	return ZScoreOptions{
		WindowSize:        5,
		MinSamples:        3,
		MinStd:            decimal.New(1, -4),
		WarmupLogInterval: 10 * time.Second,
	}
}

func TestZScoreState_WarmupThenScore(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	z := NewZScoreState("binance", "BTC-USDT-PERP", "spread_bps", zopts(), clk)

	assert.Nil(t, z.Add(decimal.NewFromInt(2)), "first sample is warmup")
	assert.Nil(t, z.Add(decimal.NewFromInt(4)), "second sample is warmup")

	// Window [2 4 6]: mean 4, sample stdev 2 → z(6) = 1.
	got := z.Add(decimal.NewFromInt(6))
	require.NotNil(t, got)
	assert.True(t, got.Equal(decimal.NewFromInt(1)), "z = %s", got)

	// Window [2 4 6 8]: mean 5, sample stdev sqrt(20/3) → z(8) ≈ 1.1619.
	got = z.Add(decimal.NewFromInt(8))
	require.NotNil(t, got)
	assert.True(t, got.Equal(decimal.RequireFromString("1.1619")), "z = %s", got)

	status := z.Status()
	assert.True(t, status.WarmedUp)
	assert.Equal(t, 4, status.SampleCount)
	assert.Equal(t, 100, status.ProgressPct)
}

func TestZScoreState_FlatMarketGuard(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	z := NewZScoreState("binance", "BTC-USDT-PERP", "spread_bps", zopts(), clk)

	five := decimal.NewFromInt(5)
	for i := 0; i < 5; i++ {
		assert.Nil(t, z.Add(five), "identical samples never score")
	}
	assert.False(t, z.Status().WarmedUp, "guard holds off the warmed-up flag")
}

func TestZScoreState_ResetRestartsWarmup(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	z := NewZScoreState("binance", "BTC-USDT-PERP", "spread_bps", zopts(), clk)

	z.Add(decimal.NewFromInt(2))
	z.Add(decimal.NewFromInt(4))
	require.NotNil(t, z.Add(decimal.NewFromInt(6)))

	z.Reset("sequence_regression")

	status := z.Status()
	assert.Equal(t, 0, status.SampleCount)
	assert.False(t, status.WarmedUp)

	// The first min_samples − 1 calls after reset are absent again.
	assert.Nil(t, z.Add(decimal.NewFromInt(2)))
	assert.Nil(t, z.Add(decimal.NewFromInt(4)))
	require.NotNil(t, z.Add(decimal.NewFromInt(6)))
}

func TestZScoreState_WindowEviction(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	z := NewZScoreState("binance", "BTC-USDT-PERP", "spread_bps", zopts(), clk)

	// Fill past the window of 5; the oldest values must stop influencing
	// the mean. Window after 7 adds of value i: [3 4 5 6 7], mean 5.
	var got *decimal.Decimal
	for i := 1; i <= 7; i++ {
		got = z.Add(decimal.NewFromInt(int64(i)))
	}
	require.NotNil(t, got)

	// Sample stdev of [3 4 5 6 7] is sqrt(2.5) ≈ 1.581138830084;
	// z(7) = 2 / 1.581138830084 ≈ 1.2649.
	assert.True(t, got.Equal(decimal.RequireFromString("1.2649")), "z = %s", got)
	assert.Equal(t, 5, z.Status().SampleCount)
}

func TestSqrtDecimal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "perfect_square", in: "4", want: "2"},
		{name: "small_variance", in: "0.000001", want: "0.001"},
		{name: "zero", in: "0", want: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sqrtDecimal(decimal.RequireFromString(tt.in))
			assert.True(t, got.Round(10).Equal(decimal.RequireFromString(tt.want)), "sqrt(%s) = %s", tt.in, got)
		})
	}
}
