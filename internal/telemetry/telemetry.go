// Package telemetry owns the Prometheus instrumentation for the surveyor
// pipeline. Every collector registers on a dedicated registry rather than the
// process-global default, so tests and embedded uses can build as many
// instances as they need without register collisions.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all surveyor metrics.
type Registry struct {
	reg *prometheus.Registry

	// Ingest metrics
	Snapshots *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Gaps      *prometheus.CounterVec

	// Detection metrics
	Alerts       *prometheus.CounterVec
	ActiveAlerts prometheus.Gauge
	Evaluations  *prometheus.CounterVec

	// Persistence metrics
	FlushSeconds prometheus.Histogram
	SpoolDepth   prometheus.Gauge
	WriterDepth  prometheus.Gauge

	// Connection metrics
	Reconnects *prometheus.CounterVec
}

// NewRegistry creates a registry with all surveyor metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_snapshots_total",
				Help: "Normalized snapshots ingested, by venue and transport source",
			},
			[]string{"venue", "source"},
		),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_messages_dropped_total",
				Help: "Messages dropped by lossy pipeline stages under backpressure",
			},
			[]string{"stage"},
		),
		Gaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_gaps_total",
				Help: "Data continuity gaps detected, by venue and reason",
			},
			[]string{"venue", "reason"},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_alerts_total",
				Help: "Alerts fired, by alert type and priority",
			},
			[]string{"type", "priority"},
		),
		ActiveAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "surveyor_active_alerts",
				Help: "Alerts currently in the active state",
			},
		),
		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_evaluations_total",
				Help: "Threshold evaluations, by outcome",
			},
			[]string{"result"},
		),
		FlushSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "surveyor_batch_flush_seconds",
				Help:    "Duration of cold-store batch flushes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),
		SpoolDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "surveyor_spool_depth",
				Help: "Rows waiting in the on-disk spool for cold-store replay",
			},
		),
		WriterDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "surveyor_hot_writer_depth",
				Help: "Operations queued toward the hot-state writer",
			},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveyor_ws_reconnects_total",
				Help: "WebSocket reconnect attempts, by venue",
			},
			[]string{"venue"},
		),
	}

	r.reg.MustRegister(
		r.Snapshots,
		r.Dropped,
		r.Gaps,
		r.Alerts,
		r.ActiveAlerts,
		r.Evaluations,
		r.FlushSeconds,
		r.SpoolDepth,
		r.WriterDepth,
		r.Reconnects,
	)
	return r
}

// RecordSnapshot counts one ingested snapshot.
func (r *Registry) RecordSnapshot(venue, source string) {
	r.Snapshots.WithLabelValues(venue, source).Inc()
}

// RecordDrop counts one message dropped by a lossy stage.
func (r *Registry) RecordDrop(stage string) {
	r.Dropped.WithLabelValues(stage).Inc()
}

// RecordGap counts one gap marker.
func (r *Registry) RecordGap(venue, reason string) {
	r.Gaps.WithLabelValues(venue, reason).Inc()
}

// RecordAlert counts one fired alert.
func (r *Registry) RecordAlert(alertType, priority string) {
	r.Alerts.WithLabelValues(alertType, priority).Inc()
}

// SetActiveAlerts publishes the current active alert count.
func (r *Registry) SetActiveAlerts(n int) {
	r.ActiveAlerts.Set(float64(n))
}

// RecordEvaluation counts one threshold evaluation outcome.
func (r *Registry) RecordEvaluation(result string) {
	r.Evaluations.WithLabelValues(result).Inc()
}

// ObserveFlush records the duration of one cold-store flush.
func (r *Registry) ObserveFlush(took time.Duration) {
	r.FlushSeconds.Observe(took.Seconds())
}

// SetSpoolDepth publishes the on-disk spool backlog.
func (r *Registry) SetSpoolDepth(n int64) {
	r.SpoolDepth.Set(float64(n))
}

// SetWriterDepth publishes the hot-writer queue depth.
func (r *Registry) SetWriterDepth(n int) {
	r.WriterDepth.Set(float64(n))
}

// RecordReconnects adds a reconnect count delta for a venue. Health snapshots
// report cumulative totals, so callers feed the difference since last read.
func (r *Registry) RecordReconnects(venue string, n int64) {
	if n <= 0 {
		return
	}
	r.Reconnects.WithLabelValues(venue).Add(float64(n))
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Totals sums every counter and gauge family across its label combinations,
// keyed by metric name. The health endpoint embeds these in its JSON summary.
func (r *Registry) Totals() (map[string]float64, error) {
	fams, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	totals := make(map[string]float64, len(fams))
	for _, fam := range fams {
		switch fam.GetType() {
		case dto.MetricType_COUNTER:
			var sum float64
			for _, m := range fam.GetMetric() {
				sum += m.GetCounter().GetValue()
			}
			totals[fam.GetName()] = sum
		case dto.MetricType_GAUGE:
			var sum float64
			for _, m := range fam.GetMetric() {
				sum += m.GetGauge().GetValue()
			}
			totals[fam.GetName()] = sum
		}
	}
	return totals, nil
}
