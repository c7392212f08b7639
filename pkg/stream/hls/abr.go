package hls

import (
	"sort"
	"sync"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	"golang.org/x/text/language"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// Audio scoring weights. Language preference dominates every other
// criterion by construction.
const (
	scoreLanguageWeight  = 100000
	scoreRenditionMatch  = 1000
	scoreCodecWeight     = 100
	scoreDefaultTrack    = 10
	scoreAutoSelectTrack = 5
)

// implicitCodecQuality ranks audio codec families when no explicit
// preference is configured
var implicitCodecQuality = map[string]int{
	"aac": 1,
	"ac3": 2,
	"ec3": 3,
}

// ProfileSelector owns ABR decisions for one tuned stream. The profile
// table is read-mostly after Configure; the selector's own cursor and
// rampdown counter are guarded by a mutex because the video fetch loop
// and the stream context both touch them.
type ProfileSelector struct {
	mu       sync.Mutex
	cfg      *ABRConfig
	manifest *MainManifest
	logger   logging.Logger

	// byBandwidth holds indices into manifest.Profiles for enabled
	// video profiles, sorted ascending by bandwidth
	byBandwidth []int
	currentPos  int
	rampdowns   int
	bandwidth   int64

	langMatcher language.Matcher
	langTags    []language.Tag
}

// NewProfileSelector builds a selector over a parsed main manifest
func NewProfileSelector(cfg *ABRConfig, manifest *MainManifest, logger logging.Logger) *ProfileSelector {
	if cfg == nil {
		cfg = DefaultConfig().ABR
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	s := &ProfileSelector{
		cfg:      cfg,
		manifest: manifest,
		logger: logger.WithFields(logging.Fields{
			"component": "abr",
		}),
		currentPos: -1,
		bandwidth:  cfg.DefaultBandwidth,
	}

	for _, pref := range cfg.PreferredLanguages {
		if tag, err := language.Parse(pref); err == nil {
			s.langTags = append(s.langTags, tag)
		}
	}
	if len(s.langTags) > 0 {
		s.langMatcher = language.NewMatcher(s.langTags)
	}

	s.configure()
	return s
}

// configure applies codec filtering to the profile table and builds the
// bandwidth-sorted cursor list. Runs once, single-threaded, before any
// fetch loop starts.
func (s *ProfileSelector) configure() {
	disabled := make(map[string]bool, len(s.cfg.DisabledCodecs))
	for _, c := range s.cfg.DisabledCodecs {
		disabled[common.NormalizeCodecName(c)] = true
	}

	for i := range s.manifest.Profiles {
		p := &s.manifest.Profiles[i]
		p.Enabled = true
		if ac := p.AudioCodec(); ac != "" && disabled[ac] {
			p.Enabled = false
		}
		if vc := p.VideoCodec(); vc != "" && disabled[vc] {
			p.Enabled = false
		}
		if p.Enabled {
			s.byBandwidth = append(s.byBandwidth, i)
		}
	}
	sort.Slice(s.byBandwidth, func(a, b int) bool {
		return s.manifest.Profiles[s.byBandwidth[a]].Bandwidth < s.manifest.Profiles[s.byBandwidth[b]].Bandwidth
	})

	s.logger.Debug("Profile table configured", logging.Fields{
		"total_profiles":   len(s.manifest.Profiles),
		"enabled_profiles": len(s.byBandwidth),
		"iframe_profiles":  len(s.manifest.IframeProfiles),
	})
}

// UpdateBandwidth records the latest measured network bandwidth
func (s *ProfileSelector) UpdateBandwidth(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bps > 0 {
		s.bandwidth = bps
	}
}

// filterState names the relaxable constraints in their relaxation order
type filterState struct {
	bitrateRange  bool
	resolutionCap bool
	audioGroup    bool
}

// SelectInitialVideo picks the starting video profile. Constraints
// relax one at a time, bitrate range first, then resolution cap, then
// audio-group match, so selection never fails outright while any
// enabled profile exists.
func (s *ProfileSelector) SelectInitialVideo(audioGroup string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byBandwidth) == 0 {
		return nil, common.NewStreamError(common.StreamTypeHLS, s.manifest.URL,
			common.ErrCodeABRExhausted, "no enabled profiles in manifest", nil)
	}

	filters := filterState{bitrateRange: true, resolutionCap: true, audioGroup: audioGroup != ""}
	relaxations := []func(*filterState){
		func(f *filterState) { f.bitrateRange = false },
		func(f *filterState) { f.resolutionCap = false },
		func(f *filterState) { f.audioGroup = false },
	}

	for attempt := 0; ; attempt++ {
		candidates := s.candidatesLocked(filters, audioGroup)
		if len(candidates) > 0 {
			pos := s.pickByBandwidthLocked(candidates)
			s.currentPos = pos
			p := &s.manifest.Profiles[s.byBandwidth[pos]]
			s.logger.Debug("Initial video profile selected", logging.Fields{
				"bandwidth":  p.Bandwidth,
				"resolution": logging.Fields{"width": p.Width, "height": p.Height},
				"relaxed":    attempt,
			})
			return p, nil
		}
		if attempt >= len(relaxations) {
			break
		}
		relaxations[attempt](&filters)
		s.logger.Warn("Profile filter yielded no candidates, relaxing", logging.Fields{
			"relaxation_step": attempt,
		})
	}

	// Unreachable while byBandwidth is non-empty: with every filter
	// relaxed all enabled profiles are candidates
	return nil, common.NewStreamError(common.StreamTypeHLS, s.manifest.URL,
		common.ErrCodeABRExhausted, "no profile satisfies constraints after relaxation", nil)
}

// candidatesLocked returns positions in byBandwidth passing the active
// filters
func (s *ProfileSelector) candidatesLocked(f filterState, audioGroup string) []int {
	var out []int
	for pos, idx := range s.byBandwidth {
		p := &s.manifest.Profiles[idx]
		if f.bitrateRange {
			if s.cfg.MinBitrate > 0 && p.Bandwidth < s.cfg.MinBitrate {
				continue
			}
			if s.cfg.MaxBitrate > 0 && p.Bandwidth > s.cfg.MaxBitrate {
				continue
			}
		}
		if f.resolutionCap {
			if s.cfg.MaxDisplayWidth > 0 && p.Width > s.cfg.MaxDisplayWidth {
				continue
			}
			if s.cfg.MaxDisplayHeight > 0 && p.Height > s.cfg.MaxDisplayHeight {
				continue
			}
		}
		if f.audioGroup && p.AudioGroup != audioGroup {
			continue
		}
		out = append(out, pos)
	}
	return out
}

// pickByBandwidthLocked chooses the highest-bandwidth candidate within
// the measured bandwidth, or the lowest candidate when nothing fits
func (s *ProfileSelector) pickByBandwidthLocked(candidates []int) int {
	best := candidates[0]
	for _, pos := range candidates {
		p := &s.manifest.Profiles[s.byBandwidth[pos]]
		if p.Bandwidth <= s.bandwidth {
			best = pos
		}
	}
	return best
}

// Current returns the selected video profile, nil before selection
func (s *ProfileSelector) Current() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentPos < 0 || s.currentPos >= len(s.byBandwidth) {
		return nil
	}
	return &s.manifest.Profiles[s.byBandwidth[s.currentPos]]
}

// RampDown steps to the next lower-bandwidth profile after a fetch
// failure. Returns false once the rampdown budget is exhausted or no
// lower profile exists; the caller surfaces the failure instead of
// retrying locally.
func (s *ProfileSelector) RampDown() (*Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.cfg.RampdownLimit
	if limit <= 0 {
		limit = len(s.byBandwidth)
	}
	if s.rampdowns >= limit || s.currentPos <= 0 {
		s.logger.Warn("Rampdown budget exhausted", logging.Fields{
			"rampdowns": s.rampdowns,
			"limit":     limit,
		})
		return nil, false
	}

	s.rampdowns++
	s.currentPos--
	p := &s.manifest.Profiles[s.byBandwidth[s.currentPos]]
	s.logger.Debug("Ramped down to lower profile", logging.Fields{
		"bandwidth": p.Bandwidth,
		"rampdowns": s.rampdowns,
	})
	return p, true
}

// ResetRampdown clears the consecutive-failure budget after a
// successful fetch
func (s *ProfileSelector) ResetRampdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rampdowns = 0
}

// IframeProfile returns the iframe variant closest below the measured
// bandwidth for trickplay, or nil when the manifest has none
func (s *ProfileSelector) IframeProfile() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Profile
	for i := range s.manifest.IframeProfiles {
		p := &s.manifest.IframeProfiles[i]
		if !p.Enabled {
			continue
		}
		if best == nil || (p.Bandwidth <= s.bandwidth && p.Bandwidth > best.Bandwidth) {
			best = p
		}
	}
	return best
}

// SelectAudioTrack scores each audio rendition and returns the best
// one. Language preference dominates, then rendition name match, then
// codec preference, implicit codec quality, and the default/autoselect
// bonuses.
func (s *ProfileSelector) SelectAudioTrack(renditions []MediaRendition) (*MediaRendition, int) {
	var best *MediaRendition
	bestScore := -1

	for i := range renditions {
		r := &renditions[i]
		score := s.scoreAudioTrack(r)
		s.logger.Debug("Scored audio rendition", logging.Fields{
			"name":     r.Name,
			"language": r.Language,
			"score":    score,
		})
		if score > bestScore {
			best = r
			bestScore = score
		}
	}
	return best, bestScore
}

func (s *ProfileSelector) scoreAudioTrack(r *MediaRendition) int {
	score := 0

	if s.langMatcher != nil && r.Language != "" {
		if tag, err := language.Parse(r.Language); err == nil {
			if _, idx, conf := s.langMatcher.Match(tag); conf > language.No {
				score += (len(s.langTags) - idx) * scoreLanguageWeight
			}
		}
	}

	if s.cfg.PreferredRendition != "" && r.Name == s.cfg.PreferredRendition {
		score += scoreRenditionMatch
	}

	codec := s.renditionCodec(r)
	for i, pref := range s.cfg.PreferredCodecs {
		if common.NormalizeCodecName(pref) == codec {
			score += (len(s.cfg.PreferredCodecs) - i) * scoreCodecWeight
			break
		}
	}
	score += implicitCodecQuality[codec]

	if r.Default {
		score += scoreDefaultTrack
	}
	if r.AutoSelect {
		score += scoreAutoSelectTrack
	}
	return score
}

// renditionCodec infers a rendition's codec family from the variants
// referencing its group, since EXT-X-MEDIA carries no CODECS attribute
func (s *ProfileSelector) renditionCodec(r *MediaRendition) string {
	for i := range s.manifest.Profiles {
		p := &s.manifest.Profiles[i]
		if p.AudioGroup == r.GroupID {
			if c := p.AudioCodec(); c != "" {
				return c
			}
		}
	}
	return ""
}
