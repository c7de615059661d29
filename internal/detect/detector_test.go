package detect

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// recordingSink captures lifecycle events in order.
type recordingSink struct {
	fired     []*models.Alert
	updated   []*models.Alert
	escalated []*models.Alert
	resolved  []*models.Alert
	dedupTTLs []time.Duration
}

func (s *recordingSink) AlertFired(a *models.Alert, ttl time.Duration) {
	s.fired = append(s.fired, a)
	s.dedupTTLs = append(s.dedupTTLs, ttl)
}
func (s *recordingSink) AlertUpdated(a *models.Alert)   { s.updated = append(s.updated, a) }
func (s *recordingSink) AlertEscalated(a *models.Alert) { s.escalated = append(s.escalated, a) }
func (s *recordingSink) AlertResolved(a *models.Alert)  { s.resolved = append(s.resolved, a) }

// recordingNotifier counts dispatches per event kind.
type recordingNotifier struct {
	notified    int
	escalations int
	resolutions int
}

func (n *recordingNotifier) Notify(*models.Alert)           { n.notified++ }
func (n *recordingNotifier) NotifyEscalation(*models.Alert) { n.escalations++ }
func (n *recordingNotifier) NotifyResolution(*models.Alert) { n.resolutions++ }

type fixture struct {
	det    *Detector
	clk    *clock.Manual
	sink   *recordingSink
	notify *recordingNotifier
	skips  map[string]int
}

func newFixture(t *testing.T, defs ...models.AlertDefinition) *fixture {
	t.Helper()
	thresholds := map[string]models.Threshold{
		"spread_warning": {Value: dec("3.0"), ZScoreThreshold: decPtr("2.0"), Enabled: true},
		"basis_warning":  {Value: dec("10.0"), Enabled: true},
	}
	f := &fixture{
		clk:    clock.NewManual(time.Unix(1_700_000_000, 0).UTC()),
		sink:   &recordingSink{},
		notify: &recordingNotifier{},
		skips:  make(map[string]int),
	}
	cfg := Config{
		Definitions: defs,
		Thresholds: func(alertType, instrument string) (models.Threshold, bool) {
			th, ok := thresholds[alertType]
			return th, ok
		},
		AutoResolve:   true,
		DedupTTLFloor: 60 * time.Second,
		GapReset:      5 * time.Second,
	}
	f.det = New(cfg, f.clk, f.sink, f.notify)
	f.det.OnEvaluation = func(alertType, result string) { f.skips[result]++ }
	return f
}

func spreadSample(value string, z *decimal.Decimal) *models.MetricSample {
	return &models.MetricSample{
		Metric:     models.MetricSpreadBps,
		Venue:      "binance",
		Instrument: "BTC-USDT-PERP",
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
		Value:      dec(value),
		ZScore:     z,
	}
}

func basisSample(value string) *models.MetricSample {
	return &models.MetricSample{
		Metric:     models.MetricBasisBps,
		Venue:      "binance",
		Instrument: "BTC-USDT-PERP",
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
		Value:      dec(value),
	}
}

func basisDef() models.AlertDefinition {
	return models.AlertDefinition{
		AlertType:          "basis_warning",
		Metric:             models.MetricBasisBps,
		DefaultPriority:    models.PriorityP2,
		DefaultSeverity:    models.SeverityWarning,
		Comparison:         models.CompareAbsGT,
		PersistenceSeconds: 120,
		ThrottleSeconds:    60,
		Enabled:            true,
	}
}

func TestDetector_WarmupSuppression(t *testing.T) {
	f := newFixture(t, *spreadDef())

	// Ten matching samples without a z-score: the statistical gate holds
	// every one of them back.
	for i := 0; i < 10; i++ {
		f.det.HandleSample(spreadSample("5.0", nil))
	}

	assert.Empty(t, f.sink.fired)
	assert.Zero(t, f.notify.notified)
	assert.Equal(t, 10, f.skips[string(SkipZScoreWarmup)])
}

func TestDetector_FiresOnDualCondition(t *testing.T) {
	f := newFixture(t, *spreadDef())

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))

	require.Len(t, f.sink.fired, 1)
	alert := f.sink.fired[0]
	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, "spread_warning", alert.AlertType)
	assert.Equal(t, models.PriorityP2, alert.Priority)
	assert.True(t, alert.TriggerValue.Equal(dec("5.0")))
	assert.True(t, alert.TriggerThreshold.Equal(dec("3.0")))
	require.NotNil(t, alert.ZScoreValue)
	assert.True(t, alert.ZScoreValue.Equal(dec("6.0")))
	assert.Equal(t, 1, f.notify.notified)
	assert.Equal(t, 1, f.det.ActiveCount())
}

func TestDetector_ThresholdPriorityOverride(t *testing.T) {
	def := *spreadDef()
	f := newFixture(t, def)
	// Rebuild with an override threshold.
	override := models.Threshold{
		Value:            dec("3.0"),
		ZScoreThreshold:  decPtr("2.0"),
		PriorityOverride: models.PriorityP1,
		Enabled:          true,
	}
	f.det = New(Config{
		Definitions:   []models.AlertDefinition{def},
		Thresholds:    func(string, string) (models.Threshold, bool) { return override, true },
		AutoResolve:   true,
		DedupTTLFloor: 60 * time.Second,
		GapReset:      5 * time.Second,
	}, f.clk, f.sink, f.notify)

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))

	require.Len(t, f.sink.fired, 1)
	assert.Equal(t, models.PriorityP1, f.sink.fired[0].Priority)
}

func TestDetector_PersistenceHoldsUntilMet(t *testing.T) {
	f := newFixture(t, basisDef())

	// First match opens the cell, the rest are held while the streak is
	// younger than 120 s.
	f.det.HandleSample(basisSample("15.0"))
	for i := 0; i < 119; i++ {
		f.clk.Advance(time.Second)
		f.det.HandleSample(basisSample("15.0"))
	}
	assert.Empty(t, f.sink.fired)
	assert.Equal(t, 1, f.skips[string(SkipPersistenceStarting)])
	assert.Equal(t, 119, f.skips[string(SkipPersistenceNotMet)])

	// At 120 s the next matching evaluation fires.
	f.clk.Advance(time.Second)
	f.det.HandleSample(basisSample("15.0"))
	require.Len(t, f.sink.fired, 1)
}

func TestDetector_PersistenceRestartsWhenConditionBreaks(t *testing.T) {
	f := newFixture(t, basisDef())

	f.det.HandleSample(basisSample("15.0"))
	f.clk.Advance(100 * time.Second)
	// The condition clears: the cell must go with it.
	f.det.HandleSample(basisSample("5.0"))
	f.clk.Advance(30 * time.Second)
	// Matching again starts a fresh streak, so no fire despite 130 s since
	// the first match.
	f.det.HandleSample(basisSample("15.0"))

	assert.Empty(t, f.sink.fired)
	assert.Equal(t, 2, f.skips[string(SkipPersistenceStarting)])
}

func TestDetector_AutoResolution(t *testing.T) {
	f := newFixture(t, *spreadDef())

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	require.Len(t, f.sink.fired, 1)

	// The spread worsens while active: peak follows it.
	f.clk.Advance(20 * time.Second)
	f.det.HandleSample(spreadSample("8.5", decPtr("7.0")))

	f.clk.Advance(25 * time.Second)
	f.det.HandleSample(spreadSample("2.0", decPtr("0.1")))

	require.Len(t, f.sink.resolved, 1)
	alert := f.sink.resolved[0]
	assert.Equal(t, models.ResolutionAuto, alert.ResolutionType)
	assert.Equal(t, int64(45), alert.DurationSeconds)
	assert.True(t, alert.PeakValue.Equal(dec("8.5")), "peak = %s", alert.PeakValue)
	require.NotNil(t, alert.ResolutionValue)
	assert.True(t, alert.ResolutionValue.Equal(dec("2.0")))
	assert.Equal(t, 1, f.notify.resolutions)
	assert.Zero(t, f.det.ActiveCount())
}

func TestDetector_DedupKeepsOneActiveAlert(t *testing.T) {
	f := newFixture(t, *spreadDef())

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	f.det.HandleSample(spreadSample("6.0", decPtr("6.5")))
	f.det.HandleSample(spreadSample("4.0", decPtr("5.0")))

	assert.Len(t, f.sink.fired, 1, "re-triggers update the active alert")
	assert.Equal(t, 1, f.det.ActiveCount())
	// 6.0 moved the peak; 4.0 did not.
	require.Len(t, f.sink.updated, 1)
	assert.True(t, f.sink.updated[0].PeakValue.Equal(dec("6.0")))
}

func TestDetector_ThrottleSuppressesRefire(t *testing.T) {
	f := newFixture(t, *spreadDef())

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	f.clk.Advance(10 * time.Second)
	f.det.HandleSample(spreadSample("2.0", decPtr("0.1"))) // auto-resolve
	require.Len(t, f.sink.resolved, 1)

	// 10 s later the condition returns; the resolved episode is 20 s old,
	// well inside the 60 s throttle.
	f.clk.Advance(10 * time.Second)
	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	assert.Len(t, f.sink.fired, 1)
	assert.Equal(t, 1, f.skips[string(SkipThrottled)])

	// Past the throttle the same condition mints a new episode with a new id.
	f.clk.Advance(60 * time.Second)
	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	require.Len(t, f.sink.fired, 2)
	assert.NotEqual(t, f.sink.fired[0].AlertID, f.sink.fired[1].AlertID)
}

func TestDetector_EscalationAfterDeadline(t *testing.T) {
	def := *spreadDef()
	def.EscalationSeconds = 300
	def.EscalatesTo = models.PriorityP1
	f := newFixture(t, def)

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	require.Len(t, f.sink.fired, 1)
	alertID := f.sink.fired[0].AlertID

	// One tick per second up to 299 s: still P2.
	for i := 0; i < 299; i++ {
		f.clk.Advance(time.Second)
		f.det.Tick()
	}
	assert.Empty(t, f.sink.escalated)

	f.clk.Advance(2 * time.Second)
	f.det.Tick()

	require.Len(t, f.sink.escalated, 1)
	alert := f.sink.escalated[0]
	assert.Equal(t, alertID, alert.AlertID, "escalation keeps the episode id")
	assert.Equal(t, models.PriorityP1, alert.Priority)
	assert.Equal(t, models.PriorityP2, alert.OriginalPriority)
	assert.True(t, alert.Escalated)
	require.NotNil(t, alert.EscalatedAt)
	assert.Equal(t, 1, f.notify.escalations)

	// Further ticks do not escalate again.
	f.clk.Advance(time.Second)
	f.det.Tick()
	assert.Len(t, f.sink.escalated, 1)
}

func TestDetector_TimeoutResolution(t *testing.T) {
	def := *spreadDef()
	f := newFixture(t, def)
	f.det = New(Config{
		Definitions: []models.AlertDefinition{def},
		Thresholds: func(string, string) (models.Threshold, bool) {
			return models.Threshold{Value: dec("3.0"), ZScoreThreshold: decPtr("2.0"), Enabled: true}, true
		},
		AutoResolve:   true,
		AlertTimeout:  10 * time.Minute,
		DedupTTLFloor: 60 * time.Second,
		GapReset:      5 * time.Second,
	}, f.clk, f.sink, f.notify)

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	f.clk.Advance(10 * time.Minute)
	f.det.Tick()

	require.Len(t, f.sink.resolved, 1)
	assert.Equal(t, models.ResolutionTimeout, f.sink.resolved[0].ResolutionType)
	assert.Nil(t, f.sink.resolved[0].ResolutionValue)
}

func TestDetector_ManualResolution(t *testing.T) {
	f := newFixture(t, *spreadDef())

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	require.Len(t, f.sink.fired, 1)

	value := dec("4.2")
	assert.True(t, f.det.ResolveManual(f.sink.fired[0].AlertID, &value))
	assert.False(t, f.det.ResolveManual("no-such-id", nil))

	require.Len(t, f.sink.resolved, 1)
	assert.Equal(t, models.ResolutionManual, f.sink.resolved[0].ResolutionType)
}

func TestDetector_GapClearsPersistenceCells(t *testing.T) {
	f := newFixture(t, basisDef())

	f.det.HandleSample(basisSample("15.0"))
	f.clk.Advance(100 * time.Second)

	gap := models.NewGapMarker("binance", "BTC-USDT-PERP",
		f.clk.Now().Add(-10*time.Second), f.clk.Now(), models.GapReasonDisconnect)
	f.det.HandleGap(&gap)

	// The streak restarts after the gap.
	f.det.HandleSample(basisSample("15.0"))
	f.clk.Advance(30 * time.Second)
	f.det.HandleSample(basisSample("15.0"))

	assert.Empty(t, f.sink.fired)
	assert.Equal(t, 2, f.skips[string(SkipPersistenceStarting)])
}

func TestDetector_ShortGapKeepsCells(t *testing.T) {
	f := newFixture(t, basisDef())

	f.det.HandleSample(basisSample("15.0"))

	gap := models.NewGapMarker("binance", "BTC-USDT-PERP",
		f.clk.Now(), f.clk.Now().Add(2*time.Second), models.GapReasonDuplicate)
	f.det.HandleGap(&gap)

	f.clk.Advance(120 * time.Second)
	f.det.HandleSample(basisSample("15.0"))
	assert.Len(t, f.sink.fired, 1, "2 s gap must not break the streak")
}

func TestDetector_MissingThresholdSkipsQuietly(t *testing.T) {
	def := *spreadDef()
	f := newFixture(t, def)
	f.det = New(Config{
		Definitions:   []models.AlertDefinition{def},
		Thresholds:    func(string, string) (models.Threshold, bool) { return models.Threshold{}, false },
		AutoResolve:   true,
		DedupTTLFloor: 60 * time.Second,
		GapReset:      5 * time.Second,
	}, f.clk, f.sink, f.notify)

	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	assert.Empty(t, f.sink.fired)
}

func TestDetector_RecoverRestoresActiveAlerts(t *testing.T) {
	f := newFixture(t, *spreadDef())

	active := &models.Alert{
		AlertID:     "recovered-1",
		AlertType:   "spread_warning",
		Priority:    models.PriorityP2,
		Venue:       "binance",
		Instrument:  "BTC-USDT-PERP",
		TriggeredAt: f.clk.Now().Add(-time.Minute),
		PeakValue:   dec("5.0"),
		Comparison:  models.CompareGT,
	}
	err := f.det.Recover(context.Background(), stubLoader{alerts: []*models.Alert{active}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.det.ActiveCount())

	// The recovered episode dedups a matching sample instead of re-firing.
	f.det.HandleSample(spreadSample("5.0", decPtr("6.0")))
	assert.Empty(t, f.sink.fired)
}

type stubLoader struct {
	alerts []*models.Alert
}

func (s stubLoader) LoadActiveAlerts(context.Context) ([]*models.Alert, error) {
	return s.alerts, nil
}

func TestDetector_ReplayDeterminism(t *testing.T) {
	// The same sample stream against a fresh detector with the same config
	// yields the same alert timeline.
	run := func() []string {
		f := newFixture(t, *spreadDef(), basisDef())
		stream := []*models.MetricSample{
			spreadSample("5.0", decPtr("6.0")),
			basisSample("15.0"),
			spreadSample("6.0", decPtr("7.0")),
			spreadSample("2.0", decPtr("0.1")),
			spreadSample("5.0", decPtr("6.0")),
		}
		for _, s := range stream {
			f.det.HandleSample(s)
			f.clk.Advance(time.Second)
		}
		var timeline []string
		for _, a := range f.sink.fired {
			timeline = append(timeline, "fired:"+a.AlertType)
		}
		for _, a := range f.sink.resolved {
			timeline = append(timeline, "resolved:"+a.AlertType+":"+string(a.ResolutionType))
		}
		return timeline
	}

	assert.Equal(t, run(), run())
}
