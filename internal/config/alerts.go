package config

import (
	"fmt"
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// AlertsConfig holds detection settings, priority routing, alert definitions
// and per-instrument thresholds.
type AlertsConfig struct {
	Settings    AlertSettings                         `yaml:"settings"`
	Priorities  map[string]PriorityConfig             `yaml:"priorities"`
	Definitions []AlertDefinitionConfig               `yaml:"definitions"`
	Thresholds  map[string]map[string]ThresholdConfig `yaml:"thresholds"`
}

// AlertSettings carries the global detection knobs.
type AlertSettings struct {
	ThrottleSeconds     int  `yaml:"throttle_seconds"`
	DedupWindowSeconds  int  `yaml:"dedup_window_seconds"`
	AutoResolve         bool `yaml:"auto_resolve"`
	AlertTimeoutSeconds int  `yaml:"alert_timeout_seconds"`
}

// PriorityConfig routes one priority to notification channels and configures
// its escalation.
type PriorityConfig struct {
	Channels          []string `yaml:"channels"`
	EscalationSeconds int      `yaml:"escalation_seconds"`
	EscalatesTo       string   `yaml:"escalates_to"`
}

// AlertDefinitionConfig defines one alert type.
type AlertDefinitionConfig struct {
	Type               string `yaml:"type"`
	Name               string `yaml:"name"`
	Metric             string `yaml:"metric"`
	Comparison         string `yaml:"comparison"`
	Priority           string `yaml:"priority"`
	Severity           string `yaml:"severity"`
	RequiresZScore     bool   `yaml:"requires_zscore"`
	PersistenceSeconds int    `yaml:"persistence_seconds"`
	ThrottleSeconds    int    `yaml:"throttle_seconds"`
	EscalationSeconds  int    `yaml:"escalation_seconds"`
	EscalatesTo        string `yaml:"escalates_to"`
	Enabled            bool   `yaml:"enabled"`
}

// ThresholdConfig is one instrument's trigger level for one alert type.
// Values stay decimal strings in YAML so they never pass through a float.
type ThresholdConfig struct {
	Value           Decimal  `yaml:"value"`
	ZScoreThreshold *Decimal `yaml:"zscore_threshold"`
	Priority        string   `yaml:"priority"`
	Enabled         *bool    `yaml:"enabled"`
}

// LoadAlertsConfig loads the alerts document from path.
func LoadAlertsConfig(path string) (*AlertsConfig, error) {
	var cfg AlertsConfig
	if err := loadYAML(path, "alerts", &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AlertsConfig) applyDefaults() {
	if c.Settings.ThrottleSeconds == 0 {
		c.Settings.ThrottleSeconds = 60
	}
	if c.Settings.DedupWindowSeconds == 0 {
		c.Settings.DedupWindowSeconds = 300
	}
	for i, def := range c.Definitions {
		if def.ThrottleSeconds == 0 {
			def.ThrottleSeconds = c.Settings.ThrottleSeconds
		}
		if def.Priority == "" {
			def.Priority = string(models.PriorityP3)
		}
		if def.Severity == "" {
			def.Severity = string(models.SeverityWarning)
		}
		if def.EscalationSeconds == 0 {
			if p, ok := c.Priorities[def.Priority]; ok {
				def.EscalationSeconds = p.EscalationSeconds
				if def.EscalatesTo == "" {
					def.EscalatesTo = p.EscalatesTo
				}
			}
		}
		if def.EscalationSeconds > 0 && def.EscalatesTo == "" {
			def.EscalatesTo = string(models.PriorityP1)
		}
		c.Definitions[i] = def
	}
}

// Validate rejects unknown comparisons, metrics, priorities, and thresholds
// that name an alert type with no definition.
func (c *AlertsConfig) Validate() error {
	types := make(map[string]struct{}, len(c.Definitions))
	for _, def := range c.Definitions {
		if def.Type == "" {
			return fmt.Errorf("alert definition with empty type")
		}
		if _, dup := types[def.Type]; dup {
			return fmt.Errorf("duplicate alert type %q", def.Type)
		}
		types[def.Type] = struct{}{}

		if !models.Comparison(def.Comparison).Valid() {
			return fmt.Errorf("alert %q: unknown comparison %q", def.Type, def.Comparison)
		}
		if !models.KnownMetric(def.Metric) {
			return fmt.Errorf("alert %q: unknown metric %q", def.Type, def.Metric)
		}
		if !validPriority(def.Priority) {
			return fmt.Errorf("alert %q: unknown priority %q", def.Type, def.Priority)
		}
		if def.EscalatesTo != "" && !validPriority(def.EscalatesTo) {
			return fmt.Errorf("alert %q: unknown escalation target %q", def.Type, def.EscalatesTo)
		}
		if def.PersistenceSeconds < 0 || def.ThrottleSeconds < 0 || def.EscalationSeconds < 0 {
			return fmt.Errorf("alert %q: negative timing value", def.Type)
		}
	}
	for name := range c.Priorities {
		if !validPriority(name) {
			return fmt.Errorf("unknown priority %q", name)
		}
	}
	for alertType, byInstrument := range c.Thresholds {
		if _, ok := types[alertType]; !ok {
			return fmt.Errorf("thresholds reference unknown alert type %q", alertType)
		}
		for instrument, th := range byInstrument {
			if th.Priority != "" && !validPriority(th.Priority) {
				return fmt.Errorf("threshold %s/%s: unknown priority %q", alertType, instrument, th.Priority)
			}
		}
	}
	return nil
}

func validPriority(p string) bool {
	switch models.Priority(p) {
	case models.PriorityP1, models.PriorityP2, models.PriorityP3:
		return true
	}
	return false
}

// ThresholdFor resolves the threshold for (alertType, instrument): the exact
// instrument entry wins, the "*" wildcard is the fallback.
func (c *AlertsConfig) ThresholdFor(alertType, instrument string) (ThresholdConfig, bool) {
	byInstrument, ok := c.Thresholds[alertType]
	if !ok {
		return ThresholdConfig{}, false
	}
	if th, ok := byInstrument[instrument]; ok {
		return th, true
	}
	th, ok := byInstrument["*"]
	return th, ok
}

// Definition returns the definition for an alert type.
func (c *AlertsConfig) Definition(alertType string) (AlertDefinitionConfig, bool) {
	for _, def := range c.Definitions {
		if def.Type == alertType {
			return def, true
		}
	}
	return AlertDefinitionConfig{}, false
}

// AlertTimeout returns the optional hard lifetime for active alerts, zero
// when disabled.
func (s AlertSettings) AlertTimeout() time.Duration {
	return time.Duration(s.AlertTimeoutSeconds) * time.Second
}

// DedupWindow returns the floor for hot-store dedup marker TTLs.
func (s AlertSettings) DedupWindow() time.Duration {
	return time.Duration(s.DedupWindowSeconds) * time.Second
}
