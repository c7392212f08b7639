package configs

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/RyanBlaney/hls-collector/pkg/stream/hls"
)

// Config represents the application configuration
type Config struct {
	// Application settings
	Verbose      bool   `mapstructure:"verbose"`
	LogLevel     string `mapstructure:"log_level"`
	OutputFormat string `mapstructure:"output_format"`
	ConfigDir    string `mapstructure:"config_dir"`
	DataDir      string `mapstructure:"data_dir"`

	// Stream transport configuration
	Stream StreamConfig `mapstructure:"stream"`

	// HLS engine configuration
	HLS *hls.Config `mapstructure:"hls"`
}

// StreamConfig contains HTTP transport settings shared by playlist and
// fragment fetches
type StreamConfig struct {
	ConnectionTimeout time.Duration     `mapstructure:"connection_timeout"`
	UserAgent         string            `mapstructure:"user_agent"`
	MaxRedirects      int               `mapstructure:"max_redirects"`
	Headers           map[string]string `mapstructure:"headers"`
}

// LoadConfig loads configuration from viper
func LoadConfig() (*Config, error) {
	config := &Config{}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	if config.HLS == nil {
		config.HLS = hls.DefaultConfig()
	} else {
		fillEngineDefaults(config.HLS)
	}

	return config, nil
}

// fillEngineDefaults backfills engine sub-sections a partial config file
// left out
func fillEngineDefaults(cfg *hls.Config) {
	defaults := hls.DefaultConfig()
	if cfg.ABR == nil {
		cfg.ABR = defaults.ABR
	}
	if cfg.Fetch == nil {
		cfg.Fetch = defaults.Fetch
	}
	if cfg.Refresh == nil {
		cfg.Refresh = defaults.Refresh
	}
	if cfg.Sync == nil {
		cfg.Sync = defaults.Sync
	}
	if cfg.DRM == nil {
		cfg.DRM = defaults.DRM
	}
	if cfg.Trickplay == nil {
		cfg.Trickplay = defaults.Trickplay
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(config *Config) error {
	if config.Stream.ConnectionTimeout <= 0 {
		return fmt.Errorf("stream connection timeout must be positive")
	}

	if config.Stream.MaxRedirects < 0 {
		return fmt.Errorf("max redirects cannot be negative")
	}

	abr := config.HLS.ABR
	if abr.MinBitrate < 0 {
		return fmt.Errorf("minimum bitrate cannot be negative")
	}
	if abr.MaxBitrate > 0 && abr.MaxBitrate < abr.MinBitrate {
		return fmt.Errorf("maximum bitrate cannot be below minimum bitrate")
	}

	fetch := config.HLS.Fetch
	if fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	if fetch.FragmentFailureThreshold <= 0 {
		return fmt.Errorf("fragment failure threshold must be positive")
	}
	if fetch.CacheFragments <= 0 {
		return fmt.Errorf("fragment cache size must be positive")
	}

	refresh := config.HLS.Refresh
	if refresh.MinDelay <= 0 || refresh.MaxDelay < refresh.MinDelay {
		return fmt.Errorf("refresh delay bounds are inconsistent")
	}

	if config.HLS.Sync.MaxSequenceLag <= 0 {
		return fmt.Errorf("maximum sequence lag must be positive")
	}

	if config.HLS.Trickplay.FramesPerSecond <= 0 {
		return fmt.Errorf("trickplay frame rate must be positive")
	}

	return nil
}
