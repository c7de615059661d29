package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var defaultMinStd = decimal.New(1, -4)

// FeaturesConfig tunes the statistical engine, gap handling, capture cadence
// and the pipeline plumbing.
type FeaturesConfig struct {
	ZScore   ZScoreConfig   `yaml:"zscore"`
	Gaps     GapConfig      `yaml:"gaps"`
	Capture  CaptureConfig  `yaml:"capture"`
	Basis    BasisConfig    `yaml:"basis"`
	Channels ChannelConfig  `yaml:"channels"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	HotStore HotStoreConfig `yaml:"hot_store"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

// ZScoreConfig tunes the rolling z-score engine.
type ZScoreConfig struct {
	WindowSize                 int     `yaml:"window_size"`
	MinSamples                 int     `yaml:"min_samples"`
	MinStd                     Decimal `yaml:"min_std"`
	WarmupLogIntervalSeconds   int     `yaml:"warmup_log_interval_seconds"`
	ResetOnGap                 bool    `yaml:"reset_on_gap"`
	ResetOnGapThresholdSeconds int     `yaml:"reset_on_gap_threshold_seconds"`
}

// GapConfig tunes gap detection.
type GapConfig struct {
	GapThresholdSeconds int  `yaml:"gap_threshold_seconds"`
	MarkGaps            bool `yaml:"mark_gaps"`
	TrackSequenceIDs    bool `yaml:"track_sequence_ids"`
}

// CaptureConfig tunes cold-store capture cadence and batching.
type CaptureConfig struct {
	StorageIntervalSeconds int `yaml:"storage_interval_seconds"`
	BatchSize              int `yaml:"batch_size"`
	DepthLevels            int `yaml:"depth_levels"`
}

// BasisConfig bounds how stale either leg of a paired metric may be.
type BasisConfig struct {
	MaxStalenessSeconds int `yaml:"max_staleness_seconds"`
}

// ChannelConfig sizes the pipeline channels.
type ChannelConfig struct {
	SnapshotBuffer int `yaml:"snapshot_buffer"`
	MetricBuffer   int `yaml:"metric_buffer"`
	PersistBuffer  int `yaml:"persist_buffer"`
}

// ShutdownConfig bounds graceful drain.
type ShutdownConfig struct {
	DrainDeadlineSeconds int `yaml:"drain_deadline_seconds"`
}

// HotStoreConfig carries hot-store TTLs.
type HotStoreConfig struct {
	StateTTLSeconds  int `yaml:"state_ttl_seconds"`
	ZScoreTTLSeconds int `yaml:"zscore_ttl_seconds"`
	DedupTTLSeconds  int `yaml:"dedup_ttl_seconds"`
}

// MonitorConfig configures the HTTP monitor server.
type MonitorConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoadFeaturesConfig loads the features document from path.
func LoadFeaturesConfig(path string) (*FeaturesConfig, error) {
	var cfg FeaturesConfig
	if err := loadYAML(path, "features", &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *FeaturesConfig) applyDefaults() {
	if c.ZScore.WindowSize == 0 {
		c.ZScore.WindowSize = 300
	}
	if c.ZScore.MinSamples == 0 {
		c.ZScore.MinSamples = 30
	}
	if c.ZScore.MinStd.IsZero() {
		c.ZScore.MinStd = Decimal{defaultMinStd}
	}
	if c.ZScore.WarmupLogIntervalSeconds == 0 {
		c.ZScore.WarmupLogIntervalSeconds = 10
	}
	if c.ZScore.ResetOnGapThresholdSeconds == 0 {
		c.ZScore.ResetOnGapThresholdSeconds = 5
	}
	if c.Gaps.GapThresholdSeconds == 0 {
		c.Gaps.GapThresholdSeconds = 5
	}
	if c.Capture.StorageIntervalSeconds == 0 {
		c.Capture.StorageIntervalSeconds = 1
	}
	if c.Capture.BatchSize == 0 {
		c.Capture.BatchSize = 30
	}
	if c.Capture.DepthLevels == 0 {
		c.Capture.DepthLevels = 20
	}
	if c.Basis.MaxStalenessSeconds == 0 {
		c.Basis.MaxStalenessSeconds = 5
	}
	if c.Channels.SnapshotBuffer == 0 {
		c.Channels.SnapshotBuffer = 1024
	}
	if c.Channels.MetricBuffer == 0 {
		c.Channels.MetricBuffer = 1024
	}
	if c.Channels.PersistBuffer == 0 {
		c.Channels.PersistBuffer = 4096
	}
	if c.Shutdown.DrainDeadlineSeconds == 0 {
		c.Shutdown.DrainDeadlineSeconds = 30
	}
	if c.HotStore.StateTTLSeconds == 0 {
		c.HotStore.StateTTLSeconds = 60
	}
	if c.HotStore.ZScoreTTLSeconds == 0 {
		c.HotStore.ZScoreTTLSeconds = 600
	}
	if c.HotStore.DedupTTLSeconds == 0 {
		c.HotStore.DedupTTLSeconds = 60
	}
	if c.Monitor.ListenAddr == "" {
		c.Monitor.ListenAddr = ":8090"
	}
}

// Validate bounds the statistical settings and refuses unusable channel
// capacities.
func (c *FeaturesConfig) Validate() error {
	if c.ZScore.WindowSize < 30 || c.ZScore.WindowSize > 3600 {
		return fmt.Errorf("zscore window_size %d outside [30, 3600]", c.ZScore.WindowSize)
	}
	if c.ZScore.MinSamples < 10 || c.ZScore.MinSamples > 300 {
		return fmt.Errorf("zscore min_samples %d outside [10, 300]", c.ZScore.MinSamples)
	}
	if c.ZScore.MinSamples > c.ZScore.WindowSize {
		return fmt.Errorf("zscore min_samples %d exceeds window_size %d", c.ZScore.MinSamples, c.ZScore.WindowSize)
	}
	if !c.ZScore.MinStd.IsPositive() {
		return fmt.Errorf("zscore min_std must be positive")
	}
	if c.Gaps.GapThresholdSeconds < 1 {
		return fmt.Errorf("gap_threshold_seconds must be >= 1")
	}
	if c.Capture.BatchSize < 1 {
		return fmt.Errorf("capture batch_size must be >= 1")
	}
	if c.Channels.SnapshotBuffer < 1 || c.Channels.MetricBuffer < 1 || c.Channels.PersistBuffer < 1 {
		return fmt.Errorf("channel capacities must be >= 1")
	}
	return nil
}

// GapThreshold returns the silence duration that opens a timeout gap.
func (c GapConfig) GapThreshold() time.Duration {
	return time.Duration(c.GapThresholdSeconds) * time.Second
}

// ResetThreshold returns the minimum gap duration that resets z-score state.
func (c ZScoreConfig) ResetThreshold() time.Duration {
	return time.Duration(c.ResetOnGapThresholdSeconds) * time.Second
}

// WarmupLogInterval returns how often warmup progress may be logged.
func (c ZScoreConfig) WarmupLogInterval() time.Duration {
	return time.Duration(c.WarmupLogIntervalSeconds) * time.Second
}

// StorageInterval returns the cold-store capture cadence.
func (c CaptureConfig) StorageInterval() time.Duration {
	return time.Duration(c.StorageIntervalSeconds) * time.Second
}

// MaxStaleness returns the paired-metric staleness bound.
func (c BasisConfig) MaxStaleness() time.Duration {
	return time.Duration(c.MaxStalenessSeconds) * time.Second
}

// DrainDeadline returns the shutdown hard deadline.
func (c ShutdownConfig) DrainDeadline() time.Duration {
	return time.Duration(c.DrainDeadlineSeconds) * time.Second
}

// StateTTL returns the TTL for book and health projections.
func (c HotStoreConfig) StateTTL() time.Duration {
	return time.Duration(c.StateTTLSeconds) * time.Second
}

// ZScoreTTL returns the TTL for z-score buffers.
func (c HotStoreConfig) ZScoreTTL() time.Duration {
	return time.Duration(c.ZScoreTTLSeconds) * time.Second
}

// DedupTTL returns the floor TTL for alert dedup markers.
func (c HotStoreConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}
