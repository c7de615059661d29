package detect

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Sink receives alert lifecycle events for projection into storage. All
// methods are called from the detector goroutine and must not block beyond a
// buffered enqueue.
type Sink interface {
	AlertFired(a *models.Alert, dedupTTL time.Duration)
	AlertUpdated(a *models.Alert)
	AlertEscalated(a *models.Alert)
	AlertResolved(a *models.Alert)
}

// Notifier sends alerts to humans. Implemented by the dispatcher Router.
type Notifier interface {
	Notify(a *models.Alert)
	NotifyEscalation(a *models.Alert)
	NotifyResolution(a *models.Alert)
}

// StateLoader recovers active alerts after a restart.
type StateLoader interface {
	LoadActiveAlerts(ctx context.Context) ([]*models.Alert, error)
}

// ThresholdLookup resolves the trigger level for (alertType, instrument),
// with whatever fallback policy the configuration defines.
type ThresholdLookup func(alertType, instrument string) (models.Threshold, bool)

// Config carries the frozen detection rules.
type Config struct {
	Definitions   []models.AlertDefinition
	Thresholds    ThresholdLookup
	AutoResolve   bool
	AlertTimeout  time.Duration // zero disables timeout resolution
	DedupTTLFloor time.Duration // minimum hot-store dedup marker TTL
	GapReset      time.Duration // gaps at least this long clear persistence cells
}

// throttleMark remembers the last resolved episode per condition key.
type throttleMark struct {
	triggeredAt time.Time
	expiresAt   time.Time
}

// Detector owns alert state: active alerts, persistence cells and throttle
// marks. One goroutine feeds it samples, gaps and ticks; nothing here locks.
type Detector struct {
	cfg    Config
	clk    clock.Clock
	sink   Sink
	notify Notifier

	defsByMetric map[string][]*models.AlertDefinition
	active       map[models.ConditionKey]*models.Alert
	cells        *Cells
	lastResolved map[models.ConditionKey]throttleMark

	// OnEvaluation observes every evaluation outcome, for telemetry.
	OnEvaluation func(alertType, result string)
}

// New builds a detector from frozen configuration.
func New(cfg Config, clk clock.Clock, sink Sink, notify Notifier) *Detector {
	byMetric := make(map[string][]*models.AlertDefinition)
	for i := range cfg.Definitions {
		def := &cfg.Definitions[i]
		if !def.Enabled {
			continue
		}
		byMetric[def.Metric] = append(byMetric[def.Metric], def)
	}
	return &Detector{
		cfg:          cfg,
		clk:          clk,
		sink:         sink,
		notify:       notify,
		defsByMetric: byMetric,
		active:       make(map[models.ConditionKey]*models.Alert),
		cells:        NewCells(),
		lastResolved: make(map[models.ConditionKey]throttleMark),
	}
}

// Recover reloads active alerts from the hot store. Losing that state at
// most re-warms persistence; it never fires a spurious alert.
func (d *Detector) Recover(ctx context.Context, loader StateLoader) error {
	alerts, err := loader.LoadActiveAlerts(ctx)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		if !a.IsActive() {
			continue
		}
		d.active[a.Key()] = a
	}
	if len(d.active) > 0 {
		log.Info().Int("count", len(d.active)).Msg("recovered active alerts from hot store")
	}
	return nil
}

// HandleSample evaluates one metric sample against every definition watching
// its metric.
func (d *Detector) HandleSample(s *models.MetricSample) {
	now := d.clk.Now()
	for _, def := range d.defsByMetric[s.Metric] {
		d.evaluateOne(s, def, now)
	}
}

func (d *Detector) evaluateOne(s *models.MetricSample, def *models.AlertDefinition, now time.Time) {
	th, ok := d.cfg.Thresholds(def.AlertType, s.Instrument)
	if !ok || !th.Enabled {
		// No threshold for this instrument: the definition does not apply.
		return
	}
	key := models.ConditionKey{AlertType: def.AlertType, Venue: s.Venue, Instrument: s.Instrument}

	firstSeen, haveCell := d.cells.FirstSeen(key)
	ev := Evaluate(s, def, th, firstSeen, haveCell, now)

	switch ev.Cell {
	case CellSet:
		d.cells.Set(key, now)
	case CellClear:
		d.cells.Clear(key)
	}

	if ev.Err != nil {
		log.Error().Err(ev.Err).
			Str("alert_type", def.AlertType).
			Str("venue", s.Venue).
			Str("instrument", s.Instrument).
			Str("metric", s.Metric).
			Msg("evaluation failed")
	}

	if !ev.Triggered {
		d.observe(def.AlertType, skipResult(ev.Skip))
		if ev.Skip == SkipNone && d.cfg.AutoResolve {
			if alert, exists := d.active[key]; exists {
				value := s.Value
				d.resolve(alert, models.ResolutionAuto, &value, now)
			}
		}
		return
	}

	// Dedup: one active alert per condition key. A re-trigger only moves
	// the peak.
	if alert, exists := d.active[key]; exists {
		if alert.UpdatePeak(s.Value, now) {
			d.sink.AlertUpdated(alert)
		}
		d.observe(def.AlertType, "active")
		return
	}

	// Throttle: a recently resolved episode suppresses a new fire.
	if mark, exists := d.lastResolved[key]; exists {
		throttle := time.Duration(def.ThrottleSeconds) * time.Second
		if now.Sub(mark.triggeredAt) < throttle {
			d.observe(def.AlertType, string(SkipThrottled))
			return
		}
	}

	d.fire(s, def, th, key, now)
}

func (d *Detector) fire(s *models.MetricSample, def *models.AlertDefinition, th models.Threshold, key models.ConditionKey, now time.Time) {
	priority := def.DefaultPriority
	if th.PriorityOverride != "" {
		priority = th.PriorityOverride
	}

	alert := &models.Alert{
		AlertID:          uuid.NewString(),
		AlertType:        def.AlertType,
		Priority:         priority,
		Severity:         def.DefaultSeverity,
		Venue:            s.Venue,
		Instrument:       s.Instrument,
		TriggerMetric:    s.Metric,
		TriggerValue:     s.Value,
		TriggerThreshold: th.Value,
		Comparison:       def.Comparison,
		ZScoreValue:      s.ZScore,
		ZScoreThreshold:  th.ZScoreThreshold,
		TriggeredAt:      now,
		PeakValue:        s.Value,
		PeakAt:           now,
	}

	d.active[key] = alert
	d.sink.AlertFired(alert, d.dedupTTL(def))
	d.notify.Notify(alert)
	d.observe(def.AlertType, "triggered")

	log.Warn().
		Str("alert_id", alert.AlertID).
		Str("alert_type", alert.AlertType).
		Str("priority", string(alert.Priority)).
		Str("venue", alert.Venue).
		Str("instrument", alert.Instrument).
		Str("value", alert.TriggerValue.String()).
		Str("threshold", alert.TriggerThreshold.String()).
		Msg("alert fired")
}

// HandleGap clears persistence cells for the gapped (venue, instrument) when
// the gap is long enough to break the matching streak.
func (d *Detector) HandleGap(g *models.GapMarker) {
	if !g.ExceedsThreshold(d.cfg.GapReset) {
		return
	}
	if n := d.cells.ClearInstrument(g.Venue, g.Instrument); n > 0 {
		log.Info().
			Str("venue", g.Venue).
			Str("instrument", g.Instrument).
			Str("reason", string(g.Reason)).
			Int("cells", n).
			Msg("gap cleared persistence cells")
	}
}

// Tick runs the time-driven transitions: escalation, timeout resolution and
// throttle-mark expiry. Call at least once per second.
func (d *Detector) Tick() {
	now := d.clk.Now()

	for _, alert := range d.active {
		if d.cfg.AlertTimeout > 0 && now.Sub(alert.TriggeredAt) >= d.cfg.AlertTimeout {
			d.resolve(alert, models.ResolutionTimeout, nil, now)
			continue
		}
		d.maybeEscalate(alert, now)
	}

	for key, mark := range d.lastResolved {
		if now.After(mark.expiresAt) {
			delete(d.lastResolved, key)
		}
	}
}

func (d *Detector) maybeEscalate(alert *models.Alert, now time.Time) {
	if alert.Escalated {
		return
	}
	def, ok := d.definition(alert.AlertType)
	if !ok || !def.HasEscalation() {
		return
	}
	if now.Sub(alert.TriggeredAt) < time.Duration(def.EscalationSeconds)*time.Second {
		return
	}

	target := def.EscalatesTo
	if target == "" {
		target = models.PriorityP1
	}
	alert.Escalate(target, now)
	d.sink.AlertEscalated(alert)
	d.notify.NotifyEscalation(alert)

	log.Warn().
		Str("alert_id", alert.AlertID).
		Str("alert_type", alert.AlertType).
		Str("from", string(alert.OriginalPriority)).
		Str("to", string(alert.Priority)).
		Msg("alert escalated")
}

// ResolveManual closes an active alert by id, recording the operator action.
func (d *Detector) ResolveManual(alertID string, value *decimal.Decimal) bool {
	for _, alert := range d.active {
		if alert.AlertID == alertID {
			d.resolve(alert, models.ResolutionManual, value, d.clk.Now())
			return true
		}
	}
	return false
}

func (d *Detector) resolve(alert *models.Alert, rt models.ResolutionType, value *decimal.Decimal, now time.Time) {
	alert.Resolve(now, rt, value)
	key := alert.Key()
	delete(d.active, key)

	def, _ := d.definition(alert.AlertType)
	d.lastResolved[key] = throttleMark{
		triggeredAt: alert.TriggeredAt,
		expiresAt:   now.Add(d.dedupTTL(def)),
	}

	d.sink.AlertResolved(alert)
	d.notify.NotifyResolution(alert)
	d.observe(alert.AlertType, "resolved")

	log.Info().
		Str("alert_id", alert.AlertID).
		Str("alert_type", alert.AlertType).
		Str("resolution", string(rt)).
		Int64("duration_seconds", alert.DurationSeconds).
		Str("peak", alert.PeakValue.String()).
		Msg("alert resolved")
}

// ActiveAlerts returns a snapshot of the active set. Call from the owning
// goroutine only.
func (d *Detector) ActiveAlerts() []*models.Alert {
	out := make([]*models.Alert, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, a)
	}
	return out
}

// ActiveCount returns the size of the active set.
func (d *Detector) ActiveCount() int {
	return len(d.active)
}

// dedupTTL is the lifetime of the hot-store dedup marker and the throttle
// mark: max(throttle, escalation), floored by the configured dedup window.
func (d *Detector) dedupTTL(def *models.AlertDefinition) time.Duration {
	ttl := d.cfg.DedupTTLFloor
	if def == nil {
		return ttl
	}
	if t := time.Duration(def.ThrottleSeconds) * time.Second; t > ttl {
		ttl = t
	}
	if e := time.Duration(def.EscalationSeconds) * time.Second; e > ttl {
		ttl = e
	}
	return ttl
}

func (d *Detector) definition(alertType string) (*models.AlertDefinition, bool) {
	for i := range d.cfg.Definitions {
		if d.cfg.Definitions[i].AlertType == alertType {
			return &d.cfg.Definitions[i], true
		}
	}
	return nil, false
}

func (d *Detector) observe(alertType, result string) {
	if d.OnEvaluation != nil {
		d.OnEvaluation(alertType, result)
	}
}

func skipResult(s SkipReason) string {
	if s == SkipNone {
		return "no_trigger"
	}
	return string(s)
}
