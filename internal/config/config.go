// Package config loads the four YAML documents that drive the pipeline
// (venues, instruments, alerts, features) plus the environment overrides.
// Documents are loaded once at startup and never reloaded; validation
// failures refuse startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ConfigError reports which document failed to load or validate.
type ConfigError struct {
	File string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.File, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Decimal wraps decimal.Decimal so exact numeric strings in YAML
// ("0.0001", "10") decode without passing through a float.
type Decimal struct {
	decimal.Decimal
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	dec, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", value.Value, err)
	}
	d.Decimal = dec
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config aggregates the four documents and the environment overrides.
type Config struct {
	Venues      *VenuesConfig
	Instruments *InstrumentsConfig
	Alerts      *AlertsConfig
	Features    *FeaturesConfig

	RedisURL    string
	DatabaseURL string
	LogLevel    string
}

// Load reads venues.yaml, instruments.yaml, alerts.yaml and features.yaml
// from dir, applies environment overrides, and validates the result.
func Load(dir string) (*Config, error) {
	venues, err := LoadVenuesConfig(filepath.Join(dir, "venues.yaml"))
	if err != nil {
		return nil, err
	}
	instruments, err := LoadInstrumentsConfig(filepath.Join(dir, "instruments.yaml"))
	if err != nil {
		return nil, err
	}
	alerts, err := LoadAlertsConfig(filepath.Join(dir, "alerts.yaml"))
	if err != nil {
		return nil, err
	}
	features, err := LoadFeaturesConfig(filepath.Join(dir, "features.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Venues:      venues,
		Instruments: instruments,
		Alerts:      alerts,
		Features:    features,
		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL: envOr("DATABASE_URL", "postgres://localhost:5432/surveyor?sslmode=disable"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs per-document validation plus the cross-document checks
// (basis pairs and divergence pairs must name known instruments and venues).
func (c *Config) Validate() error {
	if err := c.Venues.Validate(); err != nil {
		return &ConfigError{File: "venues.yaml", Err: err}
	}
	if err := c.Instruments.Validate(); err != nil {
		return &ConfigError{File: "instruments.yaml", Err: err}
	}
	if err := c.Alerts.Validate(); err != nil {
		return &ConfigError{File: "alerts.yaml", Err: err}
	}
	if err := c.Features.Validate(); err != nil {
		return &ConfigError{File: "features.yaml", Err: err}
	}

	for venue := range c.Instruments.venueReferences() {
		if _, ok := c.Venues.Venues[venue]; !ok {
			return &ConfigError{
				File: "instruments.yaml",
				Err:  fmt.Errorf("instrument references unknown venue %q", venue),
			}
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadYAML(path, what string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{File: filepath.Base(path), Err: fmt.Errorf("failed to read %s config: %w", what, err)}
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return &ConfigError{File: filepath.Base(path), Err: fmt.Errorf("failed to parse %s YAML: %w", what, err)}
	}
	return nil
}
