package hls

import (
	"context"
	"sync"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// Track is one elementary track of a tuned stream. It is created at
// Init and destroyed at Stop; its own fetch loop mutates it while the
// synchronizer reads it, both under the track lock. DRM session state
// has its own lock inside KeyTracker so slow key acquisition cannot
// stall a playlist refresh on another track.
type Track struct {
	Type common.TrackType

	mu      sync.Mutex
	enabled bool
	// URL is the track playlist's effective URL after redirects, the
	// base for fragment URI resolution
	url      string
	playlist string
	index    *PlaylistIndex
	// indexed is closed and replaced every time IndexPlaylist
	// completes, the playlist-indexed signal other loops wait on
	indexed chan struct{}

	// playTarget and playlistPosition are playlist-relative seconds
	playTarget        float64
	playlistPosition  float64
	nextMediaSequence int64
	culledSeconds     float64
	lastRefresh       time.Time

	// fragmentIdx is the next fragment index to serve
	fragmentIdx int
	// servedKeyTagIdx is the key-tag index of the last fragment served,
	// a change forces the decrypt context to be rebuilt
	servedKeyTagIdx int
	servedInitIdx   int

	keys   *KeyTracker
	cache  *fragmentCache
	cfg    *Config
	logger logging.Logger
}

// NewTrack creates a track in the disabled state. Enablement happens
// once its playlist URL is known from the main manifest.
func NewTrack(trackType common.TrackType, cfg *Config, sessions common.DecryptSessionManager, logger logging.Logger) *Track {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	trackLogger := logger.WithFields(logging.Fields{
		"component": "track",
		"track":     string(trackType),
	})
	return &Track{
		Type:            trackType,
		indexed:         make(chan struct{}),
		servedKeyTagIdx: -1,
		servedInitIdx:   -1,
		keys:            NewKeyTracker(cfg.DRM, sessions, trackLogger),
		cache:           newFragmentCache(cfg.Fetch.CacheFragments),
		cfg:             cfg,
		logger:          trackLogger,
	}
}

// Enable binds the track to its playlist URL
func (t *Track) Enable(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	t.url = url
}

// Disable turns the track off, used for graceful degradation of
// optional tracks
func (t *Track) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// Enabled reports whether the track participates in the tune
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// URL returns the track's playlist URL
func (t *Track) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// SetURL repoints the track's playlist, used on ABR profile switches
func (t *Track) SetURL(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.url = url
}

// SetPlaylist stores a freshly downloaded playlist document. The text
// is retained as one immutable string; the following IndexPlaylist call
// builds offsets into it.
func (t *Track) SetPlaylist(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playlist = text
}

// IndexPlaylist rebuilds the fragment, discontinuity, and DRM metadata
// indices from the stored playlist text. The previous index is
// discarded wholesale, never patched, because a live playlist can
// reorder, cull, or re-describe segments between refreshes. On refresh
// the culled-seconds accumulator advances by the head delta between old
// and new index.
func (t *Track) IndexPlaylist(isRefresh bool) (duration, culledSeconds float64, err error) {
	t.mu.Lock()
	text := t.playlist
	url := t.url
	var prev *PlaylistIndex
	if isRefresh {
		prev = t.index
	}
	t.mu.Unlock()

	ix, culled, err := buildIndex(text, url, prev, t.keys, t.logger, time.Now())
	if err != nil {
		return 0, 0, err
	}

	if ix.TotalDuration <= 0 && !t.Type.IsOptional() {
		return 0, 0, common.NewStreamError(common.StreamTypeHLS, url,
			common.ErrCodeContent, "playlist indexed to zero duration", nil)
	}

	t.mu.Lock()
	t.index = ix
	t.culledSeconds += culled
	t.lastRefresh = ix.IndexedAt
	close(t.indexed)
	t.indexed = make(chan struct{})
	t.mu.Unlock()

	t.logger.Debug("Playlist indexed", logging.Fields{
		"fragments":       len(ix.Fragments),
		"duration":        ix.TotalDuration,
		"culled":          culled,
		"type":            string(ix.Type),
		"first_seq":       ix.FirstMediaSequence,
		"discontinuities": len(ix.Discontinuities),
	})

	return ix.TotalDuration, culled, nil
}

// Index returns the current playlist index, nil before the first
// successful IndexPlaylist
func (t *Track) Index() *PlaylistIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index
}

// WaitForIndex blocks until the next IndexPlaylist completes, the
// context ends, or the cache aborts
func (t *Track) WaitForIndex(ctx context.Context) error {
	t.mu.Lock()
	ch := t.indexed
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-t.cache.abort:
		return errCacheAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlayTarget returns the track's current play target in playlist-
// relative seconds
func (t *Track) PlayTarget() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playTarget
}

// SetPlayTarget repositions the track, used at tune time and by the
// synchronizer
func (t *Track) SetPlayTarget(target float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playTarget = target
}

// AdvancePlayTarget moves the play target forward by delta seconds
func (t *Track) AdvancePlayTarget(delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playTarget += delta
}

// CulledSeconds returns the accumulated culled duration
func (t *Track) CulledSeconds() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.culledSeconds
}

// NextMediaSequence returns the sequence number the fetch loop will
// serve next
func (t *Track) NextMediaSequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextMediaSequence
}

// Abort wakes anything blocked on this track's cache, index signal, or
// key acquisition
func (t *Track) Abort() {
	t.cache.Abort()
	t.keys.Abort()
}
