package hls

import (
	"time"
)

// Config holds configuration for the HLS collector engine
type Config struct {
	ABR       *ABRConfig       `json:"abr" mapstructure:"abr"`
	Fetch     *FetchConfig     `json:"fetch" mapstructure:"fetch"`
	Refresh   *RefreshConfig   `json:"refresh" mapstructure:"refresh"`
	Sync      *SyncConfig      `json:"sync" mapstructure:"sync"`
	DRM       *DRMConfig       `json:"drm" mapstructure:"drm"`
	Trickplay *TrickplayConfig `json:"trickplay" mapstructure:"trickplay"`
}

// ABRConfig holds profile selection constraints
type ABRConfig struct {
	MinBitrate         int64    `json:"min_bitrate" mapstructure:"min_bitrate"`
	MaxBitrate         int64    `json:"max_bitrate" mapstructure:"max_bitrate"`
	MaxDisplayWidth    int      `json:"max_display_width" mapstructure:"max_display_width"`
	MaxDisplayHeight   int      `json:"max_display_height" mapstructure:"max_display_height"`
	DisabledCodecs     []string `json:"disabled_codecs" mapstructure:"disabled_codecs"`
	PreferredLanguages []string `json:"preferred_languages" mapstructure:"preferred_languages"`
	PreferredRendition string   `json:"preferred_rendition" mapstructure:"preferred_rendition"`
	PreferredCodecs    []string `json:"preferred_codecs" mapstructure:"preferred_codecs"`
	// RampdownLimit bounds consecutive rampdown attempts. Zero means one
	// attempt per available profile.
	RampdownLimit int `json:"rampdown_limit" mapstructure:"rampdown_limit"`
	// DefaultBandwidth seeds selection before any measurement exists
	DefaultBandwidth int64 `json:"default_bandwidth" mapstructure:"default_bandwidth"`
}

// FetchConfig holds transport and failure-policy settings
type FetchConfig struct {
	TimeoutSeconds           int  `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	PlaylistRetryLimit       int  `json:"playlist_retry_limit" mapstructure:"playlist_retry_limit"`
	FragmentFailureThreshold int  `json:"fragment_failure_threshold" mapstructure:"fragment_failure_threshold"`
	CacheFragments           int  `json:"cache_fragments" mapstructure:"cache_fragments"`
	PreserveQueryParams      bool `json:"preserve_query_params" mapstructure:"preserve_query_params"`
	// RetryBackoff is the unit of the linear backoff between playlist
	// retry attempts
	RetryBackoff time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
}

// RefreshConfig bounds the live playlist refresh schedule
type RefreshConfig struct {
	MinDelay time.Duration `json:"min_delay" mapstructure:"min_delay"`
	MaxDelay time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// SyncConfig holds cross-track alignment tolerances. These are tuned
// values, not algorithmic requirements, which is why they live in
// configuration.
type SyncConfig struct {
	// MaxSequenceLag bounds sequence-number alignment, beyond it the
	// tune fails with a tracks-synchronization error
	MaxSequenceLag int64 `json:"max_sequence_lag" mapstructure:"max_sequence_lag"`
	// DiscontinuityWaitIterations bounds how long one track waits for
	// the other track's playlist refresh to surface a matching
	// discontinuity entry
	DiscontinuityWaitIterations int           `json:"discontinuity_wait_iterations" mapstructure:"discontinuity_wait_iterations"`
	DiscontinuityWaitInterval   time.Duration `json:"discontinuity_wait_interval" mapstructure:"discontinuity_wait_interval"`
}

// DRMConfig holds key-lifecycle settings
type DRMConfig struct {
	// MaxDeferSeconds is the randomized window for deferred key
	// acquisition when a metadata entry has no matching key tag yet
	MaxDeferSeconds int `json:"max_defer_seconds" mapstructure:"max_defer_seconds"`
	// SharedDeferSeconds is the collapsed window applied once more than
	// two deferred acquisitions are pending
	SharedDeferSeconds int           `json:"shared_defer_seconds" mapstructure:"shared_defer_seconds"`
	KeyAcquireTimeout  time.Duration `json:"key_acquire_timeout" mapstructure:"key_acquire_timeout"`
}

// TrickplayConfig holds non-1x playback settings
type TrickplayConfig struct {
	FramesPerSecond float64 `json:"frames_per_second" mapstructure:"frames_per_second"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		ABR: &ABRConfig{
			MinBitrate:       0,
			MaxBitrate:       0, // unbounded
			MaxDisplayWidth:  0,
			MaxDisplayHeight: 0,
			DisabledCodecs:   []string{},
			PreferredLanguages: []string{
				"en",
			},
			PreferredCodecs:  []string{},
			RampdownLimit:    0,
			DefaultBandwidth: 2_500_000,
		},
		Fetch: &FetchConfig{
			TimeoutSeconds:           10,
			PlaylistRetryLimit:       3,
			FragmentFailureThreshold: 5,
			CacheFragments:           3,
			PreserveQueryParams:      false,
			RetryBackoff:             time.Second,
		},
		Refresh: &RefreshConfig{
			MinDelay: 500 * time.Millisecond,
			MaxDelay: 6 * time.Second,
		},
		Sync: &SyncConfig{
			MaxSequenceLag:              50,
			DiscontinuityWaitIterations: 10,
			DiscontinuityWaitInterval:   500 * time.Millisecond,
		},
		DRM: &DRMConfig{
			MaxDeferSeconds:    30,
			SharedDeferSeconds: 2,
			KeyAcquireTimeout:  12 * time.Second,
		},
		Trickplay: &TrickplayConfig{
			FramesPerSecond: 8,
		},
	}
}
