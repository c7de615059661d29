package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Priority stratifies alerts for routing and escalation.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// IsActionable reports whether the priority pages someone.
func (p Priority) IsActionable() bool {
	return p == PriorityP1 || p == PriorityP2
}

// Severity describes alert impact independent of routing priority.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Comparison selects the predicate applied to a metric value. All four
// comparisons are strict; equality never triggers.
type Comparison string

const (
	CompareGT    Comparison = "gt"
	CompareLT    Comparison = "lt"
	CompareAbsGT Comparison = "abs_gt"
	CompareAbsLT Comparison = "abs_lt"
)

// Evaluate applies the comparison to value against threshold.
func (c Comparison) Evaluate(value, threshold decimal.Decimal) (bool, error) {
	switch c {
	case CompareGT:
		return value.GreaterThan(threshold), nil
	case CompareLT:
		return value.LessThan(threshold), nil
	case CompareAbsGT:
		return value.Abs().GreaterThan(threshold), nil
	case CompareAbsLT:
		return value.Abs().LessThan(threshold), nil
	default:
		return false, fmt.Errorf("unknown comparison %q", c)
	}
}

// Valid reports whether c is one of the four known comparisons.
func (c Comparison) Valid() bool {
	switch c {
	case CompareGT, CompareLT, CompareAbsGT, CompareAbsLT:
		return true
	}
	return false
}

// ResolutionType records how an alert left the active state.
type ResolutionType string

const (
	ResolutionAuto    ResolutionType = "auto"
	ResolutionTimeout ResolutionType = "timeout"
	ResolutionManual  ResolutionType = "manual"
)

// AlertDefinition is the immutable description of one alert type.
type AlertDefinition struct {
	AlertType          string
	Name               string
	Metric             string
	DefaultPriority    Priority
	DefaultSeverity    Severity
	Comparison         Comparison
	RequiresZScore     bool
	PersistenceSeconds int
	ThrottleSeconds    int
	EscalationSeconds  int
	EscalatesTo        Priority
	Enabled            bool
}

// HasPersistence reports whether the condition must hold for a minimum
// duration before firing.
func (d *AlertDefinition) HasPersistence() bool {
	return d.PersistenceSeconds > 0
}

// HasEscalation reports whether an active alert is re-prioritized after a
// fixed age.
func (d *AlertDefinition) HasEscalation() bool {
	return d.EscalationSeconds > 0
}

// Threshold is a per-instrument (or wildcard) trigger level for one alert
// type. ZScoreThreshold is nil when the definition does not gate on z-score.
type Threshold struct {
	Value            decimal.Decimal
	ZScoreThreshold  *decimal.Decimal
	PriorityOverride Priority
	Enabled          bool
}

// ConditionKey identifies one monitored condition episode.
type ConditionKey struct {
	AlertType  string
	Venue      string
	Instrument string
}

func (k ConditionKey) String() string {
	return k.AlertType + ":" + k.Venue + ":" + k.Instrument
}

// Alert is one full condition episode from trigger to resolution. AlertID is
// stable for the episode; a re-trigger after resolution mints a new id.
type Alert struct {
	AlertID          string            `json:"alert_id"`
	AlertType        string            `json:"alert_type"`
	Priority         Priority          `json:"priority"`
	Severity         Severity          `json:"severity"`
	Venue            string            `json:"venue"`
	Instrument       string            `json:"instrument"`
	TriggerMetric    string            `json:"trigger_metric"`
	TriggerValue     decimal.Decimal   `json:"trigger_value"`
	TriggerThreshold decimal.Decimal   `json:"trigger_threshold"`
	Comparison       Comparison        `json:"comparison"`
	ZScoreValue      *decimal.Decimal  `json:"zscore_value,omitempty"`
	ZScoreThreshold  *decimal.Decimal  `json:"zscore_threshold,omitempty"`
	TriggeredAt      time.Time         `json:"triggered_at"`
	AcknowledgedAt   *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	DurationSeconds  int64             `json:"duration_seconds"`
	PeakValue        decimal.Decimal   `json:"peak_value"`
	PeakAt           time.Time         `json:"peak_at"`
	Escalated        bool              `json:"escalated"`
	EscalatedAt      *time.Time        `json:"escalated_at,omitempty"`
	OriginalPriority Priority          `json:"original_priority,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	ResolutionType   ResolutionType    `json:"resolution_type,omitempty"`
	ResolutionValue  *decimal.Decimal  `json:"resolution_value,omitempty"`
}

// Key returns the condition key this alert belongs to.
func (a *Alert) Key() ConditionKey {
	return ConditionKey{AlertType: a.AlertType, Venue: a.Venue, Instrument: a.Instrument}
}

// IsActive reports whether the alert has not been resolved.
func (a *Alert) IsActive() bool {
	return a.ResolvedAt == nil
}

// Resolve closes the alert at the given instant.
func (a *Alert) Resolve(at time.Time, rt ResolutionType, value *decimal.Decimal) {
	resolved := at
	a.ResolvedAt = &resolved
	a.DurationSeconds = int64(at.Sub(a.TriggeredAt).Seconds())
	a.ResolutionType = rt
	a.ResolutionValue = value
}

// Escalate raises the alert to the target priority, keeping the original.
func (a *Alert) Escalate(to Priority, at time.Time) {
	a.OriginalPriority = a.Priority
	a.Priority = to
	a.Escalated = true
	escalated := at
	a.EscalatedAt = &escalated
}

// UpdatePeak records value as the new peak when it is worse than the current
// one under the alert's comparison: higher for gt, lower for lt, larger
// magnitude for abs_gt, smaller magnitude for abs_lt.
func (a *Alert) UpdatePeak(value decimal.Decimal, at time.Time) bool {
	worse := false
	switch a.Comparison {
	case CompareGT:
		worse = value.GreaterThan(a.PeakValue)
	case CompareLT:
		worse = value.LessThan(a.PeakValue)
	case CompareAbsGT:
		worse = value.Abs().GreaterThan(a.PeakValue.Abs())
	case CompareAbsLT:
		worse = value.Abs().LessThan(a.PeakValue.Abs())
	}
	if !worse {
		return false
	}
	a.PeakValue = value
	a.PeakAt = at
	return true
}
