package cold

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// captureFlusher records flushed batches, failing the first failTimes calls.
type captureFlusher struct {
	mu        sync.Mutex
	batches   []Batch
	calls     int
	failTimes int
	flushed   chan struct{}
}

func newCaptureFlusher(failTimes int) *captureFlusher {
	return &captureFlusher{failTimes: failTimes, flushed: make(chan struct{}, 16)}
}

func (f *captureFlusher) Flush(_ context.Context, b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failTimes > 0 {
		f.failTimes--
		return assert.AnError
	}
	f.batches = append(f.batches, *b)
	select {
	case f.flushed <- struct{}{}:
	default:
	}
	return nil
}

func (f *captureFlusher) snapshot() (int, []Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]Batch(nil), f.batches...)
}

func (f *captureFlusher) await(t *testing.T) {
	t.Helper()
	select {
	case <-f.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}

func startBatcher(t *testing.T, b *Batcher) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	return done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("batcher did not stop")
		return nil
	}
}

func TestBatcher_FlushesWhenBatchSizeReached(t *testing.T) {
	flusher := newCaptureFlusher(0)
	b := NewBatcher(BatcherConfig{BatchSize: 3, FlushInterval: time.Hour}, flusher, nil, nil)
	done := startBatcher(t, b)

	for i := 0; i < 3; i++ {
		b.Enqueue(Record{Book: bookFixture()})
	}
	flusher.await(t)

	b.Close()
	require.NoError(t, waitRun(t, done))

	_, batches := flusher.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Books, 3)
}

func TestBatcher_CloseFlushesRemainder(t *testing.T) {
	flusher := newCaptureFlusher(0)
	b := NewBatcher(BatcherConfig{BatchSize: 30, FlushInterval: time.Hour}, flusher, nil, nil)
	done := startBatcher(t, b)

	b.Enqueue(Record{Metric: metricFixture(models.MetricSpreadBps, "3", nil)})
	b.Enqueue(Record{Gap: &models.GapMarker{Venue: "okx", Instrument: "BTC-USDT-PERP", Reason: models.GapReasonTimeout}})
	b.Close()
	require.NoError(t, waitRun(t, done))

	_, batches := flusher.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Metrics, 1)
	assert.Len(t, batches[0].Gaps, 1)

	// Enqueue after Close must not panic or block.
	b.Enqueue(Record{Metric: metricFixture(models.MetricSpreadBps, "4", nil)})
}

func TestBatcher_PairsBasisLegs(t *testing.T) {
	flusher := newCaptureFlusher(0)
	b := NewBatcher(BatcherConfig{BatchSize: 30, FlushInterval: time.Hour}, flusher, nil, nil)
	done := startBatcher(t, b)

	at := time.Unix(1_700_000_000, 500_000_000).UTC()
	abs := metricFixture(models.MetricBasisAbs, "62.5", nil)
	abs.Timestamp = at
	z := "1.8"
	bps := metricFixture(models.MetricBasisBps, "12.5", &z)
	bps.Timestamp = at

	b.Enqueue(Record{Metric: abs})
	b.Enqueue(Record{Metric: bps})
	b.Close()
	require.NoError(t, waitRun(t, done))

	_, batches := flusher.snapshot()
	require.Len(t, batches, 1)

	// Both legs stay in metric_samples.
	assert.Len(t, batches[0].Metrics, 2)

	// And they join into one basis row carrying the z-score of the bps leg.
	require.Len(t, batches[0].Basis, 1)
	row := batches[0].Basis[0]
	assert.True(t, row.BasisBps.Equal(dec("12.5")))
	require.NotNil(t, row.BasisAbs)
	assert.True(t, row.BasisAbs.Equal(dec("62.5")))
	require.NotNil(t, row.ZScore)
	assert.True(t, row.ZScore.Equal(dec("1.8")))
	assert.True(t, row.At.Equal(at))
}

func TestBatcher_UnpairedBpsLegStillLands(t *testing.T) {
	flusher := newCaptureFlusher(0)
	b := NewBatcher(BatcherConfig{BatchSize: 30, FlushInterval: time.Hour}, flusher, nil, nil)
	done := startBatcher(t, b)

	b.Enqueue(Record{Metric: metricFixture(models.MetricBasisBps, "9.1", nil)})
	b.Close()
	require.NoError(t, waitRun(t, done))

	_, batches := flusher.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Basis, 1)
	assert.Nil(t, batches[0].Basis[0].BasisAbs)
}

func TestBatcher_StampsHealthRowsWithClock(t *testing.T) {
	at := time.Unix(1_700_000_123, 0).UTC()
	clk := clock.NewManual(at)
	flusher := newCaptureFlusher(0)
	b := NewBatcher(BatcherConfig{BatchSize: 30, FlushInterval: time.Hour}, flusher, nil, clk)
	done := startBatcher(t, b)

	b.Enqueue(Record{Health: &models.HealthSnapshot{Venue: "binance", Status: models.StatusConnected}})
	b.Close()
	require.NoError(t, waitRun(t, done))

	_, batches := flusher.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Health, 1)
	assert.True(t, batches[0].Health[0].At.Equal(at))
}

func TestBatcher_SpoolsAfterRetryBudgetThenRecovers(t *testing.T) {
	dir := t.TempDir()
	spool, err := NewSpool(dir)
	require.NoError(t, err)

	// Flusher that never succeeds: retry budget exhausts and rows hit disk.
	failing := newCaptureFlusher(1000)
	b := NewBatcher(BatcherConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}, failing, spool, nil)
	done := startBatcher(t, b)

	b.Enqueue(Record{Metric: metricFixture(models.MetricSpreadBps, "1", nil)})
	b.Enqueue(Record{Metric: metricFixture(models.MetricSpreadBps, "2", nil)})
	b.Close()
	require.NoError(t, waitRun(t, done))

	calls, batches := failing.snapshot()
	assert.Equal(t, 2, calls) // first attempt + one retry
	assert.Empty(t, batches)
	require.Equal(t, int64(2), spool.Depth())

	// Database comes back: the interval tick re-drives spooled rows.
	healthy := newCaptureFlusher(0)
	b2 := NewBatcher(BatcherConfig{BatchSize: 2, FlushInterval: 10 * time.Millisecond}, healthy, spool, nil)
	done2 := startBatcher(t, b2)

	require.Eventually(t, func() bool { return spool.Depth() == 0 }, 2*time.Second, 5*time.Millisecond)

	b2.Close()
	require.NoError(t, waitRun(t, done2))

	_, recovered := healthy.snapshot()
	require.NotEmpty(t, recovered)
	total := 0
	for _, batch := range recovered {
		total += len(batch.Metrics)
	}
	assert.Equal(t, 2, total)
}

// constraintFlusher rejects every batch the way the writer surfaces an
// integrity violation.
type constraintFlusher struct {
	mu    sync.Mutex
	calls int
}

func (f *constraintFlusher) Flush(context.Context, *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return fmt.Errorf("failed to insert book snapshot: %w", &pq.Error{Code: "23505", Message: "duplicate key value"})
}

func TestBatcher_ConstraintRejectionDropsWithoutRetry(t *testing.T) {
	spool, err := NewSpool(t.TempDir())
	require.NoError(t, err)

	rejecting := &constraintFlusher{}
	b := NewBatcher(BatcherConfig{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryBackoff:  time.Millisecond,
	}, rejecting, spool, nil)
	done := startBatcher(t, b)

	b.Enqueue(Record{Metric: metricFixture(models.MetricSpreadBps, "1", nil)})
	b.Close()
	require.NoError(t, waitRun(t, done))

	rejecting.mu.Lock()
	calls := rejecting.calls
	rejecting.mu.Unlock()
	assert.Equal(t, 1, calls, "a rejected batch must not burn retries")
	assert.Zero(t, spool.Depth(), "rejected rows must not reach the spool")
}

func TestBatcher_SpoolMissingIsFatal(t *testing.T) {
	failing := newCaptureFlusher(1000)
	b := NewBatcher(BatcherConfig{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}, failing, nil, nil)
	done := startBatcher(t, b)

	b.Enqueue(Record{Metric: metricFixture(models.MetricSpreadBps, "1", nil)})

	err := waitRun(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no spool configured")

	b.Close()
}
