package hls

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// Validator performs structural checks on playlist URLs, parsed
// manifests, and indices before a tune commits to them
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator with the given configuration
func NewValidator(cfg *Config) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Validator{cfg: cfg}
}

// ValidateURL checks that a URL is plausibly an HLS playlist
func (v *Validator) ValidateURL(streamURL string) error {
	parsed, err := url.Parse(streamURL)
	if err != nil {
		return common.NewStreamError(common.StreamTypeHLS, streamURL,
			common.ErrCodeInvalidFormat, "invalid URL format", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return common.NewStreamError(common.StreamTypeHLS, streamURL,
			common.ErrCodeUnsupported, "unsupported URL scheme", nil)
	}

	if DetectFromURL(streamURL) != common.StreamTypeHLS {
		return common.NewStreamError(common.StreamTypeHLS, streamURL,
			common.ErrCodeInvalidFormat, "URL does not appear to be HLS", nil)
	}
	return nil
}

// ValidateManifest checks a parsed main manifest for structural
// problems that would make profile selection meaningless
func (v *Validator) ValidateManifest(m *MainManifest) error {
	if len(m.Profiles) == 0 && len(m.IframeProfiles) == 0 {
		return common.NewStreamError(common.StreamTypeHLS, m.URL,
			common.ErrCodeInvalidFormat, "manifest declares no variants", nil)
	}

	for i := range m.Profiles {
		p := &m.Profiles[i]
		if p.URI == "" {
			return common.NewStreamError(common.StreamTypeHLS, m.URL,
				common.ErrCodeInvalidFormat, fmt.Sprintf("variant %d missing URI", i), nil)
		}
		if p.Bandwidth <= 0 {
			return common.NewStreamError(common.StreamTypeHLS, m.URL,
				common.ErrCodeInvalidFormat, fmt.Sprintf("variant %d has invalid bandwidth", i), nil)
		}
	}

	if len(m.Profiles) > 1 {
		return v.validateBandwidthProgression(m)
	}
	return nil
}

// validateBandwidthProgression checks that the variant ladder makes
// sense: no duplicates, and each step is meaningful
func (v *Validator) validateBandwidthProgression(m *MainManifest) error {
	bandwidths := make([]int64, 0, len(m.Profiles))
	seen := make(map[int64]bool, len(m.Profiles))
	for i := range m.Profiles {
		bw := m.Profiles[i].Bandwidth
		if seen[bw] {
			return common.NewStreamError(common.StreamTypeHLS, m.URL,
				common.ErrCodeInvalidFormat, fmt.Sprintf("duplicate variant bandwidth: %d", bw), nil)
		}
		seen[bw] = true
		bandwidths = append(bandwidths, bw)
	}

	sort.Slice(bandwidths, func(a, b int) bool { return bandwidths[a] < bandwidths[b] })
	for i := 1; i < len(bandwidths); i++ {
		ratio := float64(bandwidths[i]) / float64(bandwidths[i-1])
		if ratio < 1.1 || ratio > 10.0 {
			return common.NewStreamError(common.StreamTypeHLS, m.URL,
				common.ErrCodeInvalidFormat, "unreasonable bandwidth progression in variants", nil)
		}
	}
	return nil
}

// ValidateIndex checks a built media-playlist index
func (v *Validator) ValidateIndex(ix *PlaylistIndex) error {
	if len(ix.Fragments) == 0 {
		return common.NewStreamError(common.StreamTypeHLS, ix.URL,
			common.ErrCodeInvalidFormat, "playlist has no fragments", nil)
	}
	if ix.TargetDuration <= 0 {
		return common.NewStreamError(common.StreamTypeHLS, ix.URL,
			common.ErrCodeInvalidFormat, "media playlist missing target duration", nil)
	}

	prevCompletion := 0.0
	for i := range ix.Fragments {
		f := &ix.Fragments[i]
		if f.Duration < 0 {
			return common.NewStreamError(common.StreamTypeHLS, ix.URL,
				common.ErrCodeInvalidFormat, fmt.Sprintf("fragment %d has negative duration", i), nil)
		}
		if f.CompletionTime <= prevCompletion {
			return common.NewStreamError(common.StreamTypeHLS, ix.URL,
				common.ErrCodeInvalidFormat, fmt.Sprintf("fragment %d breaks completion-time ordering", i), nil)
		}
		prevCompletion = f.CompletionTime

		uri := ix.FragmentURI(i)
		if strings.TrimSpace(uri) == "" {
			return common.NewStreamError(common.StreamTypeHLS, ix.URL,
				common.ErrCodeInvalidFormat, fmt.Sprintf("fragment %d missing URI", i), nil)
		}
	}
	return nil
}
