package configs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/RyanBlaney/hls-collector/pkg/stream/hls"
)

// SetDefaults sets default configuration values for all components
func SetDefaults(v *viper.Viper) {
	// Application defaults
	if !v.IsSet("verbose") {
		v.Set("verbose", false)
	}
	if !v.IsSet("log_level") {
		v.Set("log_level", "info")
	}
	if !v.IsSet("output_format") {
		v.Set("output_format", "json")
	}

	// Stream transport defaults
	if !v.IsSet("stream.connection_timeout") {
		v.Set("stream.connection_timeout", 10*time.Second)
	}
	if !v.IsSet("stream.user_agent") {
		v.Set("stream.user_agent", "hls-collector/1.0")
	}
	if !v.IsSet("stream.max_redirects") {
		v.Set("stream.max_redirects", 3)
	}
	if !v.IsSet("stream.headers") {
		v.Set("stream.headers", map[string]string{})
	}

	setEngineDefaults(v)
}

// setEngineDefaults sets HLS engine configuration defaults
func setEngineDefaults(v *viper.Viper) {
	// Profile selection defaults
	if !v.IsSet("hls.abr.min_bitrate") {
		v.Set("hls.abr.min_bitrate", 0)
	}
	if !v.IsSet("hls.abr.max_bitrate") {
		v.Set("hls.abr.max_bitrate", 0)
	}
	if !v.IsSet("hls.abr.default_bandwidth") {
		v.Set("hls.abr.default_bandwidth", 2_500_000)
	}
	if !v.IsSet("hls.abr.preferred_languages") {
		v.Set("hls.abr.preferred_languages", []string{"en"})
	}
	if !v.IsSet("hls.abr.disabled_codecs") {
		v.Set("hls.abr.disabled_codecs", []string{})
	}
	if !v.IsSet("hls.abr.rampdown_limit") {
		v.Set("hls.abr.rampdown_limit", 0)
	}

	// Fetch loop defaults
	if !v.IsSet("hls.fetch.timeout_seconds") {
		v.Set("hls.fetch.timeout_seconds", 10)
	}
	if !v.IsSet("hls.fetch.playlist_retry_limit") {
		v.Set("hls.fetch.playlist_retry_limit", 3)
	}
	if !v.IsSet("hls.fetch.fragment_failure_threshold") {
		v.Set("hls.fetch.fragment_failure_threshold", 5)
	}
	if !v.IsSet("hls.fetch.cache_fragments") {
		v.Set("hls.fetch.cache_fragments", 3)
	}
	if !v.IsSet("hls.fetch.preserve_query_params") {
		v.Set("hls.fetch.preserve_query_params", false)
	}
	if !v.IsSet("hls.fetch.retry_backoff") {
		v.Set("hls.fetch.retry_backoff", time.Second)
	}

	// Live refresh defaults
	if !v.IsSet("hls.refresh.min_delay") {
		v.Set("hls.refresh.min_delay", 500*time.Millisecond)
	}
	if !v.IsSet("hls.refresh.max_delay") {
		v.Set("hls.refresh.max_delay", 6*time.Second)
	}

	// Track synchronization defaults
	if !v.IsSet("hls.sync.max_sequence_lag") {
		v.Set("hls.sync.max_sequence_lag", 50)
	}
	if !v.IsSet("hls.sync.discontinuity_wait_iterations") {
		v.Set("hls.sync.discontinuity_wait_iterations", 10)
	}
	if !v.IsSet("hls.sync.discontinuity_wait_interval") {
		v.Set("hls.sync.discontinuity_wait_interval", 500*time.Millisecond)
	}

	// DRM key lifecycle defaults
	if !v.IsSet("hls.drm.max_defer_seconds") {
		v.Set("hls.drm.max_defer_seconds", 30)
	}
	if !v.IsSet("hls.drm.shared_defer_seconds") {
		v.Set("hls.drm.shared_defer_seconds", 2)
	}
	if !v.IsSet("hls.drm.key_acquire_timeout") {
		v.Set("hls.drm.key_acquire_timeout", 12*time.Second)
	}

	// Trickplay defaults
	if !v.IsSet("hls.trickplay.frames_per_second") {
		v.Set("hls.trickplay.frames_per_second", 8.0)
	}
}

// GetDefaultConfig returns a Config struct with all default values set
func GetDefaultConfig() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Verbose:      false,
		LogLevel:     "info",
		OutputFormat: "json",
		ConfigDir:    filepath.Join(home, ".config", "hls-collector"),
		DataDir:      filepath.Join(home, ".local", "share", "hls-collector"),
		Stream:       GetDefaultStreamConfig(),
		HLS:          hls.DefaultConfig(),
	}
}

// GetDefaultStreamConfig returns default stream transport settings
func GetDefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ConnectionTimeout: 10 * time.Second,
		UserAgent:         "hls-collector/1.0",
		MaxRedirects:      3,
		Headers:           make(map[string]string),
	}
}

// DefaultStreamHeaders returns common default headers for playlist
// requests
func DefaultStreamHeaders() map[string]string {
	return map[string]string{
		"Accept":        "application/vnd.apple.mpegurl, application/x-mpegurl, */*",
		"Cache-Control": "no-cache",
	}
}
