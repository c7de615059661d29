package config

import (
	"fmt"
	"time"
)

// VenuesConfig maps venue name to its endpoints and connection settings.
type VenuesConfig struct {
	Venues map[string]VenueConfig `yaml:"venues"`
}

// VenueConfig holds one venue's endpoints and tuning.
type VenueConfig struct {
	Enabled    bool             `yaml:"enabled"`
	WebSocket  EndpointConfig   `yaml:"websocket"`
	Rest       EndpointConfig   `yaml:"rest"`
	Connection ConnectionConfig `yaml:"connection"`
	Streams    StreamConfig     `yaml:"streams"`
}

// EndpointConfig carries the futures/spot/public base URLs for one transport.
type EndpointConfig struct {
	FuturesURL string `yaml:"futures_url"`
	SpotURL    string `yaml:"spot_url"`
	PublicURL  string `yaml:"public_url"`
}

// ConnectionConfig tunes the WebSocket session and the REST fallback.
type ConnectionConfig struct {
	RateLimitPerSecond    int `yaml:"rate_limit_per_second"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
	MaxReconnectAttempts  int `yaml:"max_reconnect_attempts"`
	PingIntervalSeconds   int `yaml:"ping_interval_seconds"`
	PingTimeoutSeconds    int `yaml:"ping_timeout_seconds"`
}

// StreamConfig tunes the order book subscription.
type StreamConfig struct {
	DepthLevels int    `yaml:"depth_levels"`
	UpdateSpeed string `yaml:"update_speed"`
	BookChannel string `yaml:"book_channel"`
}

// ReconnectDelay returns the base reconnect delay.
func (c ConnectionConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// PingInterval returns the keep-alive send interval.
func (c ConnectionConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// PingTimeout returns how long to wait for a keep-alive reply.
func (c ConnectionConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSeconds) * time.Second
}

// LoadVenuesConfig loads the venues document from path.
func LoadVenuesConfig(path string) (*VenuesConfig, error) {
	var cfg VenuesConfig
	if err := loadYAML(path, "venues", &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *VenuesConfig) applyDefaults() {
	for name, v := range c.Venues {
		if v.Connection.RateLimitPerSecond == 0 {
			v.Connection.RateLimitPerSecond = 10
		}
		if v.Connection.ReconnectDelaySeconds == 0 {
			v.Connection.ReconnectDelaySeconds = 5
		}
		if v.Connection.MaxReconnectAttempts == 0 {
			v.Connection.MaxReconnectAttempts = 10
		}
		if v.Connection.PingIntervalSeconds == 0 {
			v.Connection.PingIntervalSeconds = 30
		}
		if v.Connection.PingTimeoutSeconds == 0 {
			v.Connection.PingTimeoutSeconds = 10
		}
		if v.Streams.DepthLevels == 0 {
			v.Streams.DepthLevels = 20
		}
		if v.Streams.UpdateSpeed == "" {
			v.Streams.UpdateSpeed = "100ms"
		}
		c.Venues[name] = v
	}
}

// Validate checks every enabled venue has usable endpoints.
func (c *VenuesConfig) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("no venues configured")
	}
	for name, v := range c.Venues {
		if !v.Enabled {
			continue
		}
		if v.WebSocket.FuturesURL == "" && v.WebSocket.SpotURL == "" && v.WebSocket.PublicURL == "" {
			return fmt.Errorf("venue %q: no websocket endpoint configured", name)
		}
		if v.Connection.RateLimitPerSecond < 1 {
			return fmt.Errorf("venue %q: rate_limit_per_second must be >= 1", name)
		}
		if v.Connection.PingTimeoutSeconds >= v.Connection.PingIntervalSeconds {
			return fmt.Errorf("venue %q: ping_timeout_seconds must be below ping_interval_seconds", name)
		}
	}
	return nil
}

// Enabled returns the names of all enabled venues in map order.
func (c *VenuesConfig) Enabled() []string {
	var names []string
	for name, v := range c.Venues {
		if v.Enabled {
			names = append(names, name)
		}
	}
	return names
}
