package hls

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// FetchState models the per-track fetch loop explicitly instead of a
// pile of boolean flags
type FetchState int

const (
	StateIdle FetchState = iota
	StateResolveURI
	StateFetching
	StateDecrypting
	StateInjecting
	StateRefreshingPlaylist
	StateStopped
)

func (s FetchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolveURI:
		return "resolve_uri"
	case StateFetching:
		return "fetching"
	case StateDecrypting:
		return "decrypting"
	case StateInjecting:
		return "injecting"
	case StateRefreshingPlaylist:
		return "refreshing_playlist"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// webvttStub is injected in place of a subtitle fragment that 404s, so
// a missing caption segment never stalls the pipeline
const webvttStub = "WEBVTT\n\n"

// TrackFetcher runs the long-running fetch loop for one track:
// playlist refresh scheduling, fragment URI resolution, fetch, decrypt,
// and hand-off into the bounded fragment cache. A companion inject loop
// drains the cache into the media processor.
type TrackFetcher struct {
	track     *Track
	fetcher   common.Fetcher
	processor common.MediaProcessor
	// selector is non-nil only for the video track
	selector *ProfileSelector
	sync     *Synchronizer
	// peer is the track used for discontinuity pairing, nil when the
	// stream has a single track
	peer *Track

	cfg    *Config
	logger logging.Logger

	// downloadsEnabled is the stream-wide cancellation flag, checked at
	// every suspension point
	downloadsEnabled *atomic.Bool

	// rateMu guards the playback rate and the variant hand-off between
	// SetRate and the fetch loop
	rateMu            sync.Mutex
	rate              float64
	pendingVariantURL string
	normalVariantURL  string

	state               FetchState
	session             common.DecryptSession
	consecutiveFailures int
	decryptFailures     int
}

// NewTrackFetcher wires a fetch loop for one enabled track
func NewTrackFetcher(track *Track, fetcher common.Fetcher, processor common.MediaProcessor,
	selector *ProfileSelector, syncer *Synchronizer, cfg *Config,
	downloadsEnabled *atomic.Bool, logger logging.Logger) *TrackFetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &TrackFetcher{
		track:     track,
		fetcher:   fetcher,
		processor: processor,
		selector:  selector,
		sync:      syncer,
		cfg:       cfg,
		logger: logger.WithFields(logging.Fields{
			"component": "fetcher",
			"track":     string(track.Type),
		}),
		downloadsEnabled: downloadsEnabled,
		rate:             1.0,
	}
}

// SetPeer sets the track consulted for discontinuity pairing
func (f *TrackFetcher) SetPeer(peer *Track) {
	f.peer = peer
}

// SetRate switches between normal playback and trickplay. Non-1x rates
// repoint the video track at the iframe variant playlist; 1.0 restores
// the normal variant. The switch takes effect at the fetch loop's next
// iteration.
func (f *TrackFetcher) SetRate(rate float64) {
	if rate == 0 {
		rate = 1.0
	}
	f.rateMu.Lock()
	defer f.rateMu.Unlock()
	if rate == f.rate {
		return
	}
	prev := f.rate
	f.rate = rate
	if f.selector == nil {
		return
	}

	if rate != 1.0 {
		profile := f.selector.IframeProfile()
		if profile == nil {
			f.logger.Warn("No iframe variant for trickplay, staying on current playlist", logging.Fields{
				"rate": rate,
			})
			return
		}
		newURL, err := resolveURL(f.selector.manifest.URL, profile.URI, f.cfg.Fetch.PreserveQueryParams)
		if err != nil {
			f.logger.Warn("Failed to resolve iframe variant URI", logging.Fields{
				"uri":   profile.URI,
				"error": err.Error(),
			})
			return
		}
		if prev == 1.0 {
			f.normalVariantURL = f.track.URL()
		}
		f.pendingVariantURL = newURL
		return
	}

	if f.normalVariantURL != "" {
		f.pendingVariantURL = f.normalVariantURL
		f.normalVariantURL = ""
	}
}

func (f *TrackFetcher) currentRate() float64 {
	f.rateMu.Lock()
	defer f.rateMu.Unlock()
	return f.rate
}

// applyPendingVariant repoints the track at a variant playlist queued
// by a rate change. The new document is fetched and indexed before any
// fragment URI is resolved against the new base URL.
func (f *TrackFetcher) applyPendingVariant(ctx context.Context) error {
	f.rateMu.Lock()
	pending := f.pendingVariantURL
	f.pendingVariantURL = ""
	f.rateMu.Unlock()
	if pending == "" || pending == f.track.URL() {
		return nil
	}

	f.logger.Debug("Switching variant playlist", logging.Fields{
		"url": pending,
	})
	f.track.SetURL(pending)
	f.track.mu.Lock()
	f.track.servedInitIdx = -1
	f.track.mu.Unlock()
	return f.FetchPlaylist(ctx, true)
}

// State returns the loop's current state
func (f *TrackFetcher) State() FetchState {
	return f.state
}

// FetchPlaylist downloads and indexes the track playlist. Timeouts are
// retried up to the configured bound with linear backoff before the
// manifest is declared unreachable.
func (f *TrackFetcher) FetchPlaylist(ctx context.Context, isRefresh bool) error {
	f.state = StateRefreshingPlaylist

	limit := f.cfg.Fetch.PlaylistRetryLimit
	var lastErr error
	for retry := 0; ; retry++ {
		// Timeouts get twice the retry budget before the network is
		// declared down; hard transport failures give up sooner
		budget := limit
		if common.IsErrorCode(lastErr, common.ErrCodeTimeout) {
			budget = 2 * limit
		}
		if retry > budget {
			break
		}
		if !f.downloadsActive(ctx) {
			return ctx.Err()
		}
		if retry > 0 {
			f.logger.Warn("Retrying playlist download", logging.Fields{
				"attempt": retry,
				"url":     f.track.URL(),
			})
			backoff := f.cfg.Fetch.RetryBackoff
			if backoff <= 0 {
				backoff = time.Second
			}
			if err := f.pause(ctx, time.Duration(retry)*backoff); err != nil {
				return err
			}
		}

		result, err := f.fetcher.Fetch(ctx, f.track.URL(), nil)
		if err != nil {
			lastErr = err
			continue
		}
		if result.StatusCode != http.StatusOK {
			lastErr = common.NewStreamError(common.StreamTypeHLS, f.track.URL(),
				common.ErrCodeConnection, "playlist fetch returned non-OK status", nil)
			continue
		}

		if result.EffectiveURL != "" {
			f.track.SetURL(result.EffectiveURL)
		}
		f.track.SetPlaylist(string(result.Body))
		if _, _, err := f.track.IndexPlaylist(isRefresh); err != nil {
			// A malformed document is fatal for this attempt; the
			// refresh scheduler decides whether a retry follows
			return err
		}
		f.state = StateIdle
		return nil
	}

	return common.NewStreamError(common.StreamTypeHLS, f.track.URL(),
		common.ErrCodeConnection, "track manifest unreachable after retries", lastErr)
}

// RunFetchLoop drives the track until the context ends, downloads are
// disabled, or the track completes. VOD tracks end at the last indexed
// fragment; live tracks interleave refreshes on the buffer-aware
// schedule.
func (f *TrackFetcher) RunFetchLoop(ctx context.Context) error {
	defer func() {
		f.state = StateStopped
	}()

	for f.downloadsActive(ctx) {
		if err := f.applyPendingVariant(ctx); err != nil {
			return err
		}

		served, err := f.serveNextFragment(ctx)
		if err != nil {
			return err
		}

		f.track.keys.AcquireDue(ctx, time.Now())

		if served {
			continue
		}

		// Nothing left to serve at the current index
		ix := f.track.Index()
		if ix == nil || !ix.IsLive() {
			f.logger.Debug("Track complete, end of list reached")
			return nil
		}

		delay := f.refreshDelay(ix)
		if err := f.pause(ctx, delay); err != nil {
			return err
		}
		if !f.downloadsActive(ctx) {
			return ctx.Err()
		}
		if err := f.FetchPlaylist(ctx, true); err != nil {
			// A corrupt document on a live refresh keeps the previous
			// index serving; the next scheduled refresh gets a fresh copy
			if common.IsErrorCode(err, common.ErrCodeParse) {
				f.logger.Warn("Discarding malformed playlist refresh", logging.Fields{
					"url":   f.track.URL(),
					"error": err.Error(),
				})
				continue
			}
			return err
		}
	}
	return ctx.Err()
}

// RunInjectLoop drains the fragment cache into the media processor.
// Fragments leave in strictly increasing play-target order because the
// fetch loop is the only producer. A discard from the processor is not
// an error and does not affect play-target advancement.
func (f *TrackFetcher) RunInjectLoop(ctx context.Context) error {
	for {
		frag, err := f.track.cache.Get(ctx)
		if err != nil {
			if err == errCacheAborted {
				return nil
			}
			return err
		}
		if frag == nil {
			return nil
		}

		status, err := f.processor.Accept(ctx, frag)
		if err != nil {
			return common.NewStreamError(common.StreamTypeHLS, frag.URL,
				common.ErrCodeContent, "media processor rejected fragment", err)
		}
		if status == common.InjectDiscarded {
			f.logger.Debug("Fragment discarded by media processor", logging.Fields{
				"position": frag.Position,
			})
		}
	}
}

// serveNextFragment resolves, fetches, decrypts, and enqueues one
// fragment. Returns false with nil error when the playlist has no
// fragment covering the play target yet.
func (f *TrackFetcher) serveNextFragment(ctx context.Context) (bool, error) {
	f.state = StateResolveURI

	ix := f.track.Index()
	if ix == nil {
		return false, nil
	}

	var fragIdx int
	if f.currentRate() != 1.0 {
		fragIdx = f.resolveTrickplay(ix)
	} else {
		fragIdx = f.resolveNormal(ix)
	}
	if fragIdx < 0 {
		return false, nil
	}
	entry := &ix.Fragments[fragIdx]

	// Discontinuity crossings rendezvous with the peer track before the
	// fragment is fetched
	if entry.Discontinuous && f.peer != nil && f.sync != nil {
		if disc := discEntryFor(ix, fragIdx); disc != nil {
			if _, ok := f.sync.PairDiscontinuity(ctx, disc, f.peer, ix.TargetDuration); !ok {
				f.logger.Warn("Crossing unpaired discontinuity", logging.Fields{
					"position": disc.Position,
				})
			}
		}
	}

	initOK, err := f.maybeServeInitFragment(ctx, ix, entry)
	if err != nil {
		return false, err
	}
	if !initOK {
		// failure absorbed; resolve again against the refreshed index
		return true, nil
	}

	f.state = StateFetching
	data, ok, err := f.fetchFragment(ctx, ix, entry)
	if err != nil {
		return false, err
	}
	if !ok {
		// failure already accounted, skip or rampdown happened
		return true, nil
	}

	if entry.KeyTagIndex >= 0 && ix.KeyTags[entry.KeyTagIndex].IsEncrypted() {
		f.state = StateDecrypting
		data, err = f.decryptFragment(ctx, ix, fragIdx, entry, data)
		if err != nil {
			return false, err
		}
		if data == nil {
			return true, nil
		}
	}

	f.state = StateInjecting
	frag := &common.Fragment{
		Track:         f.track.Type,
		URL:           ix.FragmentURI(fragIdx),
		Data:          data,
		Position:      f.track.PlayTarget(),
		Duration:      entry.Duration,
		Discontinuous: entry.Discontinuous,
	}
	if err := f.track.cache.Put(ctx, frag); err != nil {
		if err == errCacheAborted {
			return false, nil
		}
		return false, err
	}

	f.advancePast(ix, fragIdx, entry)
	f.consecutiveFailures = 0
	f.decryptFailures = 0
	if f.selector != nil {
		f.selector.ResetRampdown()
	}
	f.state = StateIdle
	return true, nil
}

// resolveNormal walks the playlist from the current position using
// duration accumulation to find the fragment whose window covers the
// play target
func (f *TrackFetcher) resolveNormal(ix *PlaylistIndex) int {
	f.track.mu.Lock()
	relTarget := f.track.playTarget - f.track.culledSeconds
	f.track.mu.Unlock()
	if relTarget < 0 {
		relTarget = 0
	}
	return ix.FragmentAtPosition(relTarget)
}

// resolveTrickplay binary-searches the index by completion time in the
// direction of the rate, fast-forwarding the play target by
// rate/trickFPS each step and collapsing repeated hits on the same
// entry
func (f *TrackFetcher) resolveTrickplay(ix *PlaylistIndex) int {
	delta := f.currentRate() / f.cfg.Trickplay.FramesPerSecond

	f.track.mu.Lock()
	defer f.track.mu.Unlock()

	lastServed := f.track.fragmentIdx - 1
	for {
		relTarget := f.track.playTarget - f.track.culledSeconds
		if relTarget < 0 || relTarget >= ix.TotalDuration {
			return -1
		}
		idx := sort.Search(len(ix.Fragments), func(i int) bool {
			return ix.Fragments[i].CompletionTime > relTarget
		})
		if idx >= len(ix.Fragments) {
			return -1
		}
		if idx != lastServed {
			return idx
		}
		// same entry as last time, keep stepping
		f.track.playTarget += delta
	}
}

// maybeServeInitFragment fetches and enqueues the reusable init
// fragment when the fragment's map reference changed since the last
// fragment served. ok=false with nil error means the failure was
// absorbed and the caller must resolve afresh.
func (f *TrackFetcher) maybeServeInitFragment(ctx context.Context, ix *PlaylistIndex, entry *FragmentIndexEntry) (bool, error) {
	f.track.mu.Lock()
	needInit := entry.InitFragmentIndex >= 0 && entry.InitFragmentIndex != f.track.servedInitIdx
	f.track.mu.Unlock()
	if !needInit {
		return true, nil
	}

	ref := &ix.InitFragments[entry.InitFragmentIndex]
	uri, err := resolveURL(f.track.URL(), ref.URI, f.cfg.Fetch.PreserveQueryParams)
	if err != nil {
		return false, common.NewStreamError(common.StreamTypeHLS, ref.URI,
			common.ErrCodeParse, "failed to resolve init fragment URI", err)
	}

	result, err := f.fetcher.Fetch(ctx, uri, ref.ByteRange)
	if err != nil || !isSuccessStatus(result.StatusCode) {
		return false, f.handleFetchFailure(ctx, uri, result, err)
	}

	frag := &common.Fragment{
		Track:    f.track.Type,
		URL:      uri,
		Data:     result.Body,
		Position: f.track.PlayTarget(),
		IsInit:   true,
	}
	if err := f.track.cache.Put(ctx, frag); err != nil && err != errCacheAborted {
		return false, err
	}

	f.track.mu.Lock()
	f.track.servedInitIdx = entry.InitFragmentIndex
	f.track.mu.Unlock()
	f.logger.Debug("Init fragment served", logging.Fields{
		"uri": uri,
	})
	return true, nil
}

// fetchFragment downloads one media fragment. ok=false with nil error
// means the failure was absorbed locally (skip or rampdown) and the
// loop should continue.
func (f *TrackFetcher) fetchFragment(ctx context.Context, ix *PlaylistIndex, entry *FragmentIndexEntry) ([]byte, bool, error) {
	uri, err := resolveURL(f.track.URL(), ix.Text[entry.URIStart:entry.URIEnd], f.cfg.Fetch.PreserveQueryParams)
	if err != nil {
		return nil, false, common.NewStreamError(common.StreamTypeHLS, f.track.URL(),
			common.ErrCodeParse, "failed to resolve fragment URI", err)
	}

	result, err := f.fetcher.Fetch(ctx, uri, entry.ByteRange)
	if err == nil && isSuccessStatus(result.StatusCode) {
		if f.selector != nil {
			f.recordThroughput(result)
		}
		return result.Body, true, nil
	}

	// Subtitle 404s get an empty cue document instead of a failure, some
	// packagers simply do not produce caption segments for every window
	if f.track.Type == common.TrackTypeSubtitle && result != nil && result.StatusCode == http.StatusNotFound {
		f.logger.Debug("Subtitle fragment missing, substituting empty document", logging.Fields{
			"uri": uri,
		})
		return []byte(webvttStub), true, nil
	}

	if ferr := f.handleFetchFailure(ctx, uri, result, err); ferr != nil {
		return nil, false, ferr
	}
	return nil, false, nil
}

// isSuccessStatus accepts any 2xx answer; byte-ranged requests come
// back as 206 Partial Content rather than 200
func isSuccessStatus(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

// handleFetchFailure applies the retry policy: rampdown for video, skip
// for audio and subtitles, and a terminal error past the consecutive
// failure threshold
func (f *TrackFetcher) handleFetchFailure(ctx context.Context, uri string, result *common.FetchResult, err error) error {
	f.consecutiveFailures++
	status := 0
	if result != nil {
		status = result.StatusCode
	}
	f.logger.Warn("Fragment fetch failed", logging.Fields{
		"uri":                  uri,
		"status":               status,
		"consecutive_failures": f.consecutiveFailures,
	})

	if f.consecutiveFailures >= f.cfg.Fetch.FragmentFailureThreshold {
		return common.NewStreamError(common.StreamTypeHLS, uri,
			common.ErrCodeFragmentDownload, "consecutive fragment failures exceeded threshold", err)
	}

	if f.selector != nil {
		if profile, ok := f.selector.RampDown(); ok {
			newURL, rerr := resolveURL(f.selector.manifest.URL, profile.URI, f.cfg.Fetch.PreserveQueryParams)
			if rerr == nil {
				f.track.SetURL(newURL)
				f.track.mu.Lock()
				f.track.servedInitIdx = -1
				f.track.mu.Unlock()
				// The lower variant's own document must be indexed
				// before fragment URIs are resolved against the new base
				return f.FetchPlaylist(ctx, true)
			}
		}
		return common.NewStreamError(common.StreamTypeHLS, uri,
			common.ErrCodeFragmentDownload, "rampdown exhausted", err)
	}

	// non-video tracks skip the failed fragment
	ix := f.track.Index()
	if ix != nil {
		if idx := f.resolveNormal(ix); idx >= 0 {
			f.advancePast(ix, idx, &ix.Fragments[idx])
		}
	}
	return nil
}

// decryptFragment rebuilds the decrypt context when the key-tag index
// changed since the previous fragment served, then decrypts. A key
// acquisition timeout does not count toward the consecutive failure
// threshold; a decrypt-operation failure does.
func (f *TrackFetcher) decryptFragment(ctx context.Context, ix *PlaylistIndex, fragIdx int, entry *FragmentIndexEntry, data []byte) ([]byte, error) {
	f.track.mu.Lock()
	contextChanged := entry.KeyTagIndex != f.track.servedKeyTagIdx
	f.track.mu.Unlock()

	if contextChanged || f.session == nil {
		rec := ix.KeyTags[entry.KeyTagIndex]
		if len(rec.IV) == 0 {
			rec.IV = sequenceIV(entry.MediaSequence)
		}
		session, err := f.track.keys.ResolveContext(ctx, &rec)
		if err != nil {
			if common.IsErrorCode(err, common.ErrCodeKeyTimeout) {
				return nil, err
			}
			f.decryptFailures++
			if f.decryptFailures >= f.cfg.Fetch.FragmentFailureThreshold {
				return nil, err
			}
			f.logger.Warn("Decrypt context rebuild failed, skipping fragment", logging.Fields{
				"failures": f.decryptFailures,
			})
			f.advancePast(ix, fragIdx, entry)
			return nil, nil
		}
		f.session = session
		f.track.mu.Lock()
		f.track.servedKeyTagIdx = entry.KeyTagIndex
		f.track.mu.Unlock()
	}

	out, err := f.session.Decrypt(ctx, data)
	if err != nil {
		f.decryptFailures++
		if f.decryptFailures >= f.cfg.Fetch.FragmentFailureThreshold {
			return nil, common.NewStreamError(common.StreamTypeHLS, f.track.URL(),
				common.ErrCodeDecrypt, "consecutive decrypt failures exceeded threshold", err)
		}
		f.logger.Warn("Fragment decrypt failed, skipping", logging.Fields{
			"failures": f.decryptFailures,
		})
		f.advancePast(ix, fragIdx, entry)
		return nil, nil
	}
	return out, nil
}

// advancePast moves the track cursor beyond a served (or skipped)
// fragment
func (f *TrackFetcher) advancePast(ix *PlaylistIndex, fragIdx int, entry *FragmentIndexEntry) {
	rate := f.currentRate()
	f.track.mu.Lock()
	defer f.track.mu.Unlock()
	if rate == 1.0 {
		f.track.playTarget = f.track.culledSeconds + entry.CompletionTime
	}
	f.track.playlistPosition = entry.CompletionTime
	f.track.fragmentIdx = fragIdx + 1
	f.track.nextMediaSequence = entry.MediaSequence + 1
}

// refreshDelay derives the next playlist refresh delay from the buffer
// ahead of the play position. The schedule tightens as the buffer
// drains and is clamped to the configured bounds.
func (f *TrackFetcher) refreshDelay(ix *PlaylistIndex) time.Duration {
	f.track.mu.Lock()
	buffer := ix.TotalDuration - f.track.playlistPosition
	f.track.mu.Unlock()

	target := ix.TargetDuration
	if target <= 0 {
		target = 2
	}

	var delay time.Duration
	switch {
	case buffer > 2*target:
		delay = time.Duration(1.5 * target * float64(time.Second))
	case buffer > target:
		delay = time.Duration(0.5 * target * float64(time.Second))
	default:
		delay = time.Duration(buffer / 3 * float64(time.Second))
	}

	if delay < f.cfg.Refresh.MinDelay {
		delay = f.cfg.Refresh.MinDelay
	}
	if delay > f.cfg.Refresh.MaxDelay {
		delay = f.cfg.Refresh.MaxDelay
	}
	return delay
}

// pause sleeps cooperatively, waking early on cancellation or abort
func (f *TrackFetcher) pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-f.track.cache.abort:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// downloadsActive reports whether the loop may keep going
func (f *TrackFetcher) downloadsActive(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if f.downloadsEnabled != nil && !f.downloadsEnabled.Load() {
		return false
	}
	return !f.track.cache.Aborted()
}

// recordThroughput feeds the ABR selector a bandwidth sample from a
// completed fragment download
func (f *TrackFetcher) recordThroughput(result *common.FetchResult) {
	if result.Elapsed <= 0 {
		return
	}
	bps := int64(float64(len(result.Body)*8) / result.Elapsed.Seconds())
	f.selector.UpdateBandwidth(bps)
}

// discEntryFor finds the discontinuity index entry for a fragment
func discEntryFor(ix *PlaylistIndex, fragIdx int) *DiscontinuityIndexEntry {
	for i := range ix.Discontinuities {
		if ix.Discontinuities[i].FragmentIndex == fragIdx {
			return &ix.Discontinuities[i]
		}
	}
	return nil
}

// sequenceIV derives the AES-128 IV from a media sequence number when
// the key tag carries none, per the playlist format's default rule
func sequenceIV(seq int64) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], uint64(seq))
	return iv
}

// resolveURL resolves a fragment or variant URI against the playlist's
// effective base URL, optionally carrying the base's query parameters
// onto the child
func resolveURL(base, ref string, preserveQuery bool) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	resolved := baseURL.ResolveReference(refURL)
	if preserveQuery && baseURL.RawQuery != "" {
		q := resolved.Query()
		for k, vs := range baseURL.Query() {
			if q.Get(k) == "" {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
		}
		resolved.RawQuery = q.Encode()
	}
	return resolved.String(), nil
}
