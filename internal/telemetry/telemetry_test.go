package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metricValue gathers one family and returns the sample matching the given
// labels, failing the test when the family exists but no sample matches.
func metricValue(t *testing.T, r *Registry, name string, labels map[string]string) float64 {
	t.Helper()
	fams, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				return m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				return m.GetGauge().GetValue()
			}
		}
		t.Fatalf("family %s has no sample with labels %v", name, labels)
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestRegistry_RecordsLabeledCounters(t *testing.T) {
	r := NewRegistry()

	r.RecordSnapshot("binance", "websocket")
	r.RecordSnapshot("binance", "websocket")
	r.RecordSnapshot("okx", "rest")
	r.RecordDrop("hot_writer")
	r.RecordGap("binance", "sequence_regression")
	r.RecordAlert("spread_wide", "P2")
	r.RecordEvaluation("fired")
	r.RecordEvaluation("below_threshold")
	r.SetActiveAlerts(3)

	assert.Equal(t, 2.0, metricValue(t, r, "surveyor_snapshots_total",
		map[string]string{"venue": "binance", "source": "websocket"}))
	assert.Equal(t, 1.0, metricValue(t, r, "surveyor_snapshots_total",
		map[string]string{"venue": "okx", "source": "rest"}))
	assert.Equal(t, 1.0, metricValue(t, r, "surveyor_messages_dropped_total",
		map[string]string{"stage": "hot_writer"}))
	assert.Equal(t, 1.0, metricValue(t, r, "surveyor_gaps_total",
		map[string]string{"venue": "binance", "reason": "sequence_regression"}))
	assert.Equal(t, 1.0, metricValue(t, r, "surveyor_alerts_total",
		map[string]string{"type": "spread_wide", "priority": "P2"}))
	assert.Equal(t, 1.0, metricValue(t, r, "surveyor_evaluations_total",
		map[string]string{"result": "fired"}))
	assert.Equal(t, 3.0, metricValue(t, r, "surveyor_active_alerts", nil))
}

func TestRegistry_ReconnectsAddDeltas(t *testing.T) {
	r := NewRegistry()

	r.RecordReconnects("okx", 2)
	r.RecordReconnects("okx", 1)
	r.RecordReconnects("okx", 0)
	r.RecordReconnects("okx", -5)

	assert.Equal(t, 3.0, metricValue(t, r, "surveyor_ws_reconnects_total",
		map[string]string{"venue": "okx"}))
}

func TestRegistry_Totals(t *testing.T) {
	r := NewRegistry()

	r.RecordSnapshot("binance", "websocket")
	r.RecordSnapshot("okx", "websocket")
	r.RecordSnapshot("okx", "rest")
	r.SetSpoolDepth(7)
	r.SetWriterDepth(12)
	r.ObserveFlush(15 * time.Millisecond)

	totals, err := r.Totals()
	require.NoError(t, err)

	assert.Equal(t, 3.0, totals["surveyor_snapshots_total"])
	assert.Equal(t, 7.0, totals["surveyor_spool_depth"])
	assert.Equal(t, 12.0, totals["surveyor_hot_writer_depth"])

	// Histograms are not summable the same way and stay out of the map.
	_, ok := totals["surveyor_batch_flush_seconds"]
	assert.False(t, ok)
}

func TestRegistry_HandlerServesTextFormat(t *testing.T) {
	r := NewRegistry()
	r.RecordSnapshot("binance", "websocket")
	r.ObserveFlush(2 * time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "surveyor_snapshots_total")
	assert.Contains(t, string(body), "surveyor_batch_flush_seconds_bucket")
}

func TestRegistry_InstancesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.RecordDrop("hot_writer")
	a.RecordDrop("hot_writer")

	assert.Equal(t, 2.0, metricValue(t, a, "surveyor_messages_dropped_total",
		map[string]string{"stage": "hot_writer"}))

	fams, err := b.Gatherer().Gather()
	require.NoError(t, err)
	for _, fam := range fams {
		if fam.GetName() == "surveyor_messages_dropped_total" {
			t.Fatalf("fresh registry should not carry samples from another instance")
		}
	}
}
