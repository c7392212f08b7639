package hls

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// Stream is the tuned-stream context: it owns the track table, the
// profile selector, and the per-track loop pairs. Collaborators come in
// at construction so tests can substitute doubles.
type Stream struct {
	cfg       *Config
	fetcher   common.Fetcher
	processor common.MediaProcessor
	sessions  common.DecryptSessionManager
	logger    logging.Logger

	url      string
	manifest *MainManifest
	selector *ProfileSelector
	syncer   *Synchronizer

	mu       sync.Mutex
	tracks   map[common.TrackType]*Track
	fetchers map[common.TrackType]*TrackFetcher
	started  bool
	tuneErr  error

	downloadsEnabled atomic.Bool
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	done             chan struct{}
}

// NewStream creates an untuned stream context
func NewStream(cfg *Config, fetcher common.Fetcher, processor common.MediaProcessor,
	sessions common.DecryptSessionManager, logger logging.Logger) *Stream {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if fetcher == nil {
		fetcher = common.NewHTTPFetcher(time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second)
	}
	s := &Stream{
		cfg:       cfg,
		fetcher:   fetcher,
		processor: processor,
		sessions:  sessions,
		logger: logger.WithFields(logging.Fields{
			"component": "stream",
		}),
		tracks:   make(map[common.TrackType]*Track),
		fetchers: make(map[common.TrackType]*TrackFetcher),
		done:     make(chan struct{}),
	}
	s.downloadsEnabled.Store(true)
	s.syncer = NewSynchronizer(cfg.Sync, logger)
	return s
}

// Init tunes the stream: downloads and parses the main manifest,
// selects the starting profiles, creates the track table, and brings
// every enabled track to its first indexed playlist, time-aligned.
func (s *Stream) Init(ctx context.Context, url string) error {
	s.url = url
	s.logger.Debug("Tuning stream", logging.Fields{
		"url": url,
	})

	result, err := s.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return err
	}
	if result.StatusCode != http.StatusOK {
		return common.NewStreamError(common.StreamTypeHLS, url,
			common.ErrCodeConnection, "main manifest fetch returned non-OK status", nil)
	}
	if result.EffectiveURL != "" {
		s.url = result.EffectiveURL
	}
	text := string(result.Body)

	if !IsMainManifest(text) {
		// A bare media playlist tunes as a single video track
		return s.initSingleTrack(ctx, text)
	}

	manifest, err := ParseMainManifest(text, s.url, s.logger)
	if err != nil {
		return err
	}
	if err := NewValidator(s.cfg).ValidateManifest(manifest); err != nil {
		return err
	}
	s.manifest = manifest
	s.selector = NewProfileSelector(s.cfg.ABR, manifest, s.logger)

	audioRendition, _ := s.selector.SelectAudioTrack(manifest.AudioRenditions())
	audioGroup := ""
	if audioRendition != nil {
		audioGroup = audioRendition.GroupID
	}

	videoProfile, err := s.selector.SelectInitialVideo(audioGroup)
	if err != nil {
		return err
	}

	if err := s.createTrack(ctx, common.TrackTypeVideo, videoProfile.URI); err != nil {
		return err
	}
	if audioRendition != nil && audioRendition.URI != "" {
		if err := s.createTrack(ctx, common.TrackTypeAudio, audioRendition.URI); err != nil {
			return err
		}
	}
	s.createOptionalTracks(ctx, manifest, audioRendition)

	if err := s.alignTracks(); err != nil {
		return err
	}
	s.applyStartOffset()

	s.logger.Debug("Stream tuned", logging.Fields{
		"tracks":    len(s.tracks),
		"bandwidth": videoProfile.Bandwidth,
	})
	return nil
}

// initSingleTrack handles a URL pointing straight at a media playlist
func (s *Stream) initSingleTrack(ctx context.Context, text string) error {
	track := NewTrack(common.TrackTypeVideo, s.cfg, s.sessions, s.logger)
	track.Enable(s.url)
	track.SetPlaylist(text)
	if _, _, err := track.IndexPlaylist(false); err != nil {
		return err
	}
	s.tracks[common.TrackTypeVideo] = track
	s.fetchers[common.TrackTypeVideo] = NewTrackFetcher(track, s.fetcher, s.processor,
		nil, s.syncer, s.cfg, &s.downloadsEnabled, s.logger)
	s.applyStartOffset()
	return nil
}

// createTrack builds and enables one mandatory track and fetches its
// first playlist
func (s *Stream) createTrack(ctx context.Context, trackType common.TrackType, uri string) error {
	resolved, err := resolveURL(s.url, uri, s.cfg.Fetch.PreserveQueryParams)
	if err != nil {
		return common.NewStreamError(common.StreamTypeHLS, uri,
			common.ErrCodeParse, "failed to resolve track playlist URI", err)
	}

	track := NewTrack(trackType, s.cfg, s.sessions, s.logger)
	track.Enable(resolved)

	var selector *ProfileSelector
	if trackType == common.TrackTypeVideo {
		selector = s.selector
	}
	fetcher := NewTrackFetcher(track, s.fetcher, s.processor, selector, s.syncer,
		s.cfg, &s.downloadsEnabled, s.logger)

	if err := fetcher.FetchPlaylist(ctx, false); err != nil {
		if trackType.IsOptional() {
			s.logger.Warn("Optional track failed to tune, disabling", logging.Fields{
				"track": string(trackType),
				"error": err.Error(),
			})
			track.Disable()
		} else {
			return err
		}
	}

	s.tracks[trackType] = track
	s.fetchers[trackType] = fetcher
	return nil
}

// createOptionalTracks adds subtitle and auxiliary-audio tracks when
// the manifest declares them. Their failure never fails the tune.
func (s *Stream) createOptionalTracks(ctx context.Context, manifest *MainManifest, chosenAudio *MediaRendition) {
	if sub := s.pickSubtitleRendition(manifest); sub != nil && sub.URI != "" {
		if err := s.createTrack(ctx, common.TrackTypeSubtitle, sub.URI); err != nil {
			s.logger.Warn("Subtitle track creation failed", logging.Fields{
				"error": err.Error(),
			})
		}
	}

	for i := range manifest.Renditions {
		r := &manifest.Renditions[i]
		if r.Type != "AUDIO" || r.URI == "" {
			continue
		}
		if chosenAudio != nil && r.Name == chosenAudio.Name && r.GroupID == chosenAudio.GroupID {
			continue
		}
		if strings.Contains(r.Characteristics, "describes-video") {
			if err := s.createTrack(ctx, common.TrackTypeAuxAudio, r.URI); err != nil {
				s.logger.Warn("Auxiliary audio track creation failed", logging.Fields{
					"error": err.Error(),
				})
			}
			break
		}
	}
}

func (s *Stream) pickSubtitleRendition(manifest *MainManifest) *MediaRendition {
	subs := manifest.SubtitleRenditions()
	if len(subs) == 0 {
		return nil
	}
	for i := range subs {
		for _, lang := range s.cfg.ABR.PreferredLanguages {
			if strings.EqualFold(subs[i].Language, lang) {
				return &subs[i]
			}
		}
	}
	for i := range subs {
		if subs[i].Default {
			return &subs[i]
		}
	}
	return &subs[0]
}

// alignTracks runs tune-time synchronization across the track table
func (s *Stream) alignTracks() error {
	video := s.enabledTrack(common.TrackTypeVideo)
	audio := s.enabledTrack(common.TrackTypeAudio)

	if video != nil && audio != nil {
		if err := s.syncer.SyncAtTune(video, audio); err != nil {
			return err
		}
	}

	anchor := audio
	if anchor == nil {
		anchor = video
	}
	if anchor != nil {
		if sub := s.enabledTrack(common.TrackTypeSubtitle); sub != nil && sub.Index() != nil {
			s.syncer.SyncAuxiliary(sub, anchor)
		}
		if aux := s.enabledTrack(common.TrackTypeAuxAudio); aux != nil && aux.Index() != nil {
			s.syncer.SyncAuxiliary(aux, anchor)
		}
	}
	return nil
}

// applyStartOffset honors EXT-X-START on the primary track: a positive
// offset is from the playlist head, a negative one from the live edge
func (s *Stream) applyStartOffset() {
	primary := s.enabledTrack(common.TrackTypeVideo)
	if primary == nil {
		primary = s.enabledTrack(common.TrackTypeAudio)
	}
	if primary == nil {
		return
	}
	ix := primary.Index()
	if ix == nil || !ix.HasStartOffset {
		return
	}

	offset := ix.StartOffset
	if offset < 0 {
		offset = ix.TotalDuration + offset
		if offset < 0 {
			offset = 0
		}
	}
	for _, track := range s.tracks {
		if track.Enabled() {
			track.SetPlayTarget(offset)
		}
	}
	s.logger.Debug("Applied start offset", logging.Fields{
		"offset": offset,
	})
}

// Start launches the fetch and inject loop pair for every enabled
// track. Terminal errors from mandatory tracks stop the stream;
// optional tracks degrade to disabled.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return common.NewStreamError(common.StreamTypeHLS, s.url,
			common.ErrCodeContent, "stream already started", nil)
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for trackType, track := range s.tracks {
		if !track.Enabled() {
			continue
		}
		fetcher := s.fetchers[trackType]
		if peer := s.peerOf(trackType); peer != nil {
			fetcher.SetPeer(peer)
		}

		s.wg.Add(2)
		go func(t *Track, f *TrackFetcher) {
			defer s.wg.Done()
			if err := f.RunFetchLoop(runCtx); err != nil && runCtx.Err() == nil {
				s.onLoopError(t, err)
			}
			t.cache.Abort()
		}(track, fetcher)
		go func(t *Track, f *TrackFetcher) {
			defer s.wg.Done()
			if err := f.RunInjectLoop(runCtx); err != nil && runCtx.Err() == nil {
				s.onLoopError(t, err)
			}
		}(track, fetcher)
	}

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	return nil
}

// peerOf returns the track used for discontinuity pairing
func (s *Stream) peerOf(trackType common.TrackType) *Track {
	switch trackType {
	case common.TrackTypeVideo:
		return s.enabledTrack(common.TrackTypeAudio)
	case common.TrackTypeAudio:
		return s.enabledTrack(common.TrackTypeVideo)
	}
	return nil
}

// onLoopError applies the degradation policy for a failed track loop
func (s *Stream) onLoopError(track *Track, err error) {
	if track.Type.IsOptional() {
		s.logger.Warn("Optional track failed, disabling", logging.Fields{
			"track": string(track.Type),
			"error": err.Error(),
		})
		track.Disable()
		track.Abort()
		return
	}

	s.logger.Error(err, "Mandatory track failed, stopping stream", logging.Fields{
		"track": string(track.Type),
	})
	s.mu.Lock()
	if s.tuneErr == nil {
		s.tuneErr = err
	}
	s.mu.Unlock()
	s.shutdown()
}

// Done is closed once every track loop has unwound
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, nil after a clean stop or completion
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuneErr
}

// Track returns the track of the given type, nil when absent
func (s *Stream) Track(trackType common.TrackType) *Track {
	return s.tracks[trackType]
}

// Manifest returns the parsed main manifest, nil for single-playlist
// streams
func (s *Stream) Manifest() *MainManifest {
	return s.manifest
}

// Selector returns the ABR selector, nil for single-playlist streams
func (s *Stream) Selector() *ProfileSelector {
	return s.selector
}

// SetRate switches every enabled track between normal playback and
// trickplay
func (s *Stream) SetRate(rate float64) {
	for _, fetcher := range s.fetchers {
		fetcher.SetRate(rate)
	}
}

// Stop disables downloads, wakes everything blocked at a suspension
// point, and waits for the loops to unwind
func (s *Stream) Stop() {
	s.shutdown()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.wg.Wait()
	}
}

func (s *Stream) shutdown() {
	s.downloadsEnabled.Store(false)
	for _, track := range s.tracks {
		track.Abort()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Stream) enabledTrack(trackType common.TrackType) *Track {
	track := s.tracks[trackType]
	if track == nil || !track.Enabled() {
		return nil
	}
	return track
}
