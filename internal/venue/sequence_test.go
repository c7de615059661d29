package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

func TestSequenceTracker_ForwardJumpIsNotAGap(t *testing.T) {
	tr := NewSequenceTracker("binance")
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	require.Nil(t, tr.Observe("BTC-USDT-PERP", 100, at))
	// Venue sequence ids are global; big jumps happen whenever other
	// instruments trade.
	assert.Nil(t, tr.Observe("BTC-USDT-PERP", 150000, at.Add(time.Second)))
	assert.Nil(t, tr.Observe("BTC-USDT-PERP", 150001, at.Add(2*time.Second)))
}

func TestSequenceTracker_RegressionAndDuplicate(t *testing.T) {
	tr := NewSequenceTracker("binance")
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	require.Nil(t, tr.Observe("BTC-USDT-PERP", 100, at))

	gap := tr.Observe("BTC-USDT-PERP", 90, at.Add(time.Second))
	require.NotNil(t, gap)
	assert.Equal(t, models.GapReasonSequenceRegression, gap.Reason)
	assert.Equal(t, "binance", gap.Venue)
	assert.Equal(t, "BTC-USDT-PERP", gap.Instrument)
	// Detection instant, not a span.
	assert.True(t, gap.GapStart.Equal(gap.GapEnd))
	require.NotNil(t, gap.SequenceBefore)
	require.NotNil(t, gap.SequenceAfter)
	assert.Equal(t, int64(100), *gap.SequenceBefore)
	assert.Equal(t, int64(90), *gap.SequenceAfter)

	// The regressed id became the new baseline, so repeating it is a
	// duplicate.
	gap = tr.Observe("BTC-USDT-PERP", 90, at.Add(2*time.Second))
	require.NotNil(t, gap)
	assert.Equal(t, models.GapReasonDuplicate, gap.Reason)
	assert.Equal(t, int64(90), *gap.SequenceBefore)
	assert.Equal(t, int64(90), *gap.SequenceAfter)
}

func TestSequenceTracker_InstrumentsAreIndependent(t *testing.T) {
	tr := NewSequenceTracker("okx")
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	require.Nil(t, tr.Observe("BTC-USDT-PERP", 500, at))
	assert.Nil(t, tr.Observe("ETH-USDT-PERP", 10, at), "first id per instrument is never a gap")
}

func TestSequenceTracker_OutageMarkerOnResume(t *testing.T) {
	tr := NewSequenceTracker("binance")
	last := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	require.Nil(t, tr.Observe("BTC-USDT-PERP", 100, last))
	tr.MarkOutage()

	resumed := last.Add(42 * time.Second)
	gap := tr.Observe("BTC-USDT-PERP", 7, resumed)
	require.NotNil(t, gap)
	assert.Equal(t, models.GapReasonDisconnect, gap.Reason)
	assert.True(t, gap.GapStart.Equal(last))
	assert.True(t, gap.GapEnd.Equal(resumed))

	// Sequence state was reset across the outage, so the lower id after
	// reconnect must not also count as a regression.
	assert.Nil(t, tr.Observe("BTC-USDT-PERP", 8, resumed.Add(time.Second)))
}

func TestSequenceTracker_OutageSkipsInstrumentsNeverSeen(t *testing.T) {
	tr := NewSequenceTracker("binance")
	tr.MarkOutage()
	assert.Nil(t, tr.Observe("BTC-USDT-PERP", 1, time.Now()))
}

func TestSequenceTracker_TouchResumesOutage(t *testing.T) {
	tr := NewSequenceTracker("okx")
	last := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	require.Nil(t, tr.Touch("BTC-USDT-SPOT", last))
	tr.MarkOutage()

	gap := tr.Touch("BTC-USDT-SPOT", last.Add(10*time.Second))
	require.NotNil(t, gap)
	assert.Equal(t, models.GapReasonDisconnect, gap.Reason)

	assert.Nil(t, tr.Touch("BTC-USDT-SPOT", last.Add(11*time.Second)))
}

func TestSequenceTracker_SilenceReportedOncePerEpisode(t *testing.T) {
	tr := NewSequenceTracker("binance")
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	require.Nil(t, tr.Observe("BTC-USDT-PERP", 100, at))

	// Below threshold: nothing yet.
	assert.Empty(t, tr.Silent(at.Add(4*time.Second), 5*time.Second))

	gaps := tr.Silent(at.Add(6*time.Second), 5*time.Second)
	require.Len(t, gaps, 1)
	assert.Equal(t, "BTC-USDT-PERP", gaps[0].Instrument)
	assert.Equal(t, models.GapReasonTimeout, gaps[0].Reason)
	assert.True(t, gaps[0].GapStart.Equal(at))
	assert.True(t, gaps[0].GapEnd.Equal(at.Add(6*time.Second)))

	// Same episode is not reported twice.
	assert.Empty(t, tr.Silent(at.Add(8*time.Second), 5*time.Second))

	// Fresh data re-arms detection.
	require.Nil(t, tr.Observe("BTC-USDT-PERP", 102, at.Add(9*time.Second)))
	gaps = tr.Silent(at.Add(20*time.Second), 5*time.Second)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].GapStart.Equal(at.Add(9*time.Second)))
}

func TestSequenceTracker_SilenceSkipsOutage(t *testing.T) {
	tr := NewSequenceTracker("binance")
	at := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	require.Nil(t, tr.Observe("BTC-USDT-PERP", 100, at))
	tr.MarkOutage()

	// The disconnect marker will cover the hole; a timeout report on top
	// would double count it.
	assert.Empty(t, tr.Silent(at.Add(time.Minute), 5*time.Second))
}
