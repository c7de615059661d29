package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGapMarker_Duration(t *testing.T) {
	start := time.Unix(1_700_000_000, 0).UTC()
	end := start.Add(7500 * time.Millisecond)

	g := NewGapMarker("binance", "BTC-USDT-PERP", start, end, GapReasonDisconnect)

	assert.Equal(t, "7.5", g.Duration.String())
	assert.Equal(t, 7500*time.Millisecond, g.DurationSeconds())
	assert.True(t, g.ExceedsThreshold(5*time.Second))
	assert.True(t, g.ExceedsThreshold(7500*time.Millisecond))
	assert.False(t, g.ExceedsThreshold(8*time.Second))
}

func TestGapMarker_SequenceGapSize(t *testing.T) {
	g := NewGapMarker("okx", "ETH-USDT", time.Now(), time.Now(), GapReasonSequenceRegression)

	_, ok := g.SequenceGapSize()
	assert.False(t, ok, "size is unknown without both sequence bounds")

	before, after := int64(100), int64(104)
	g.SequenceBefore = &before
	g.SequenceAfter = &after

	size, ok := g.SequenceGapSize()
	require.True(t, ok)
	assert.Equal(t, int64(3), size)
}

func TestHealthSnapshot_Status(t *testing.T) {
	tests := []struct {
		name        string
		snap        HealthSnapshot
		wantHealthy bool
		wantUsable  bool
	}{
		{
			name:        "connected_low_lag",
			snap:        HealthSnapshot{Status: StatusConnected, LagMs: 120, GapsLastHour: 0},
			wantHealthy: true,
			wantUsable:  true,
		},
		{
			name:        "connected_high_lag",
			snap:        HealthSnapshot{Status: StatusConnected, LagMs: 1500},
			wantHealthy: false,
			wantUsable:  true,
		},
		{
			name:        "connected_too_many_gaps",
			snap:        HealthSnapshot{Status: StatusConnected, LagMs: 10, GapsLastHour: 5},
			wantHealthy: false,
			wantUsable:  true,
		},
		{
			name:        "degraded_is_usable",
			snap:        HealthSnapshot{Status: StatusDegraded, LagMs: 10},
			wantHealthy: false,
			wantUsable:  true,
		},
		{
			name:        "reconnecting_is_not_usable",
			snap:        HealthSnapshot{Status: StatusReconnecting},
			wantHealthy: false,
			wantUsable:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantHealthy, tt.snap.IsHealthy())
			assert.Equal(t, tt.wantUsable, tt.snap.IsUsable())
		})
	}
}
