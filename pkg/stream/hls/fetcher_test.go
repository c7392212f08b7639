package hls

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// collectingProcessor records every fragment handed off by the inject
// loop
type collectingProcessor struct {
	mu        sync.Mutex
	fragments []*common.Fragment
	discard   bool
}

func (p *collectingProcessor) Accept(_ context.Context, frag *common.Fragment) (common.InjectStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fragments = append(p.fragments, frag)
	if p.discard {
		return common.InjectDiscarded, nil
	}
	return common.InjectAccepted, nil
}

func (p *collectingProcessor) collected() []*common.Fragment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*common.Fragment, len(p.fragments))
	copy(out, p.fragments)
	return out
}

func newVODServer(t *testing.T, playlist string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Write([]byte(playlist))
		case strings.HasSuffix(r.URL.Path, ".ts"), strings.HasSuffix(r.URL.Path, ".m4s"),
			strings.HasSuffix(r.URL.Path, ".mp4"):
			w.Write([]byte("media:" + r.URL.Path))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// runTrack drives one track's fetch and inject loops to completion the
// way the stream context does
func runTrack(t *testing.T, f *TrackFetcher) error {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.RunInjectLoop(context.Background())
	}()
	err := f.RunFetchLoop(context.Background())
	f.track.Abort()
	wg.Wait()
	return err
}

func TestFetchPlaylistIndexesTrack(t *testing.T) {
	server := newVODServer(t, TestVODPlaylist)

	track := NewTrack(common.TrackTypeVideo, nil, nil, nil)
	track.Enable(server.URL + "/media/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), &collectingProcessor{},
		nil, nil, nil, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	ix := track.Index()
	require.NotNil(t, ix)
	assert.Len(t, ix.Fragments, 3)
	assert.Equal(t, StateIdle, f.State())
}

func TestFetchPlaylistNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Fetch.PlaylistRetryLimit = 0

	track := NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	track.Enable(server.URL + "/media/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), &collectingProcessor{},
		nil, nil, cfg, nil, nil)

	err := f.FetchPlaylist(context.Background(), false)
	require.Error(t, err)
	assert.True(t, common.IsErrorCode(err, common.ErrCodeConnection))
}

func TestVODTrackRunsToCompletion(t *testing.T) {
	server := newVODServer(t, TestVODPlaylist)

	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeVideo, nil, nil, nil)
	track.Enable(server.URL + "/media/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		nil, nil, nil, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	require.NoError(t, runTrack(t, f))

	frags := proc.collected()
	require.Len(t, frags, 3)
	assert.Equal(t, "media:/media/segment0.ts", string(frags[0].Data))
	assert.Equal(t, "media:/media/segment2.ts", string(frags[2].Data))

	// play targets strictly increase across injected fragments
	for i := 1; i < len(frags); i++ {
		assert.Less(t, frags[i-1].Position, frags[i].Position)
	}
	assert.InDelta(t, 12.0, track.PlayTarget(), 0.001)
	assert.Equal(t, int64(3), track.NextMediaSequence())
	assert.Equal(t, StateStopped, f.State())
}

func TestInitFragmentServedOnce(t *testing.T) {
	server := newVODServer(t, TestMapPlaylist)

	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeVideo, nil, nil, nil)
	track.Enable(server.URL + "/media/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		nil, nil, nil, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	require.NoError(t, runTrack(t, f))

	frags := proc.collected()
	require.Len(t, frags, 3)
	assert.True(t, frags[0].IsInit)
	assert.Equal(t, "media:/media/init.mp4", string(frags[0].Data))
	assert.False(t, frags[1].IsInit)
	assert.False(t, frags[2].IsInit)
}

func TestSubtitle404GetsEmptyDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Write([]byte(`#EXTM3U
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
missing0.webvtt
#EXT-X-ENDLIST`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeSubtitle, nil, nil, nil)
	track.Enable(server.URL + "/subs/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		nil, nil, nil, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	require.NoError(t, runTrack(t, f))

	frags := proc.collected()
	require.Len(t, frags, 1)
	assert.Equal(t, webvttStub, string(frags[0].Data))
}

func TestEncryptedTrackDecryptsThroughSessions(t *testing.T) {
	server := newVODServer(t, TestEncryptedPlaylist)

	mgr := &mockSessionManager{}
	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeVideo, nil, mgr, nil)
	track.Enable(server.URL + "/media/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		nil, nil, nil, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	require.NoError(t, runTrack(t, f))

	frags := proc.collected()
	require.Len(t, frags, 4)
	// one decrypt context covers both encrypted fragments
	require.Len(t, mgr.resolved, 1)
	assert.Equal(t, "AES-128", mgr.resolved[0].Method)
	assert.Equal(t, "https://keys.example.com/key1", mgr.resolved[0].KeyURI)
	require.Len(t, mgr.resolved[0].IV, 16)
}

func TestVideoFailureRampsDown(t *testing.T) {
	const hiPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.0,
hi0.ts
#EXTINF:4.0,
hi1.ts
#EXTINF:4.0,
hi2.ts
#EXT-X-ENDLIST`
	const loPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.0,
lo0.ts
#EXTINF:4.0,
lo1.ts
#EXTINF:4.0,
lo2.ts
#EXT-X-ENDLIST`

	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path)
		mu.Unlock()
		switch {
		case r.URL.Path == "/hi/prog.m3u8":
			w.Write([]byte(hiPlaylist))
		case r.URL.Path == "/lo/prog.m3u8":
			w.Write([]byte(loPlaylist))
		case strings.HasPrefix(r.URL.Path, "/hi/"):
			w.WriteHeader(http.StatusInternalServerError)
		case strings.HasPrefix(r.URL.Path, "/lo/"):
			w.Write([]byte("media:" + r.URL.Path))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	manifestText := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.42e00a,mp4a.40.2",AUDIO="aac"
lo/prog.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS="avc1.42e00a,mp4a.40.2",AUDIO="aac"
hi/prog.m3u8`

	cfg := DefaultConfig()
	cfg.Fetch.FragmentFailureThreshold = 10

	m, err := ParseMainManifest(manifestText, server.URL+"/master.m3u8", nil)
	require.NoError(t, err)
	selector := NewProfileSelector(cfg.ABR, m, nil)
	selector.UpdateBandwidth(10_000_000)
	p, err := selector.SelectInitialVideo("aac")
	require.NoError(t, err)
	require.Equal(t, "hi/prog.m3u8", p.URI)

	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	track.Enable(server.URL + "/hi/prog.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		selector, nil, cfg, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	require.NoError(t, runTrack(t, f))

	// the rampdown repointed the track AND indexed the lower variant's
	// own document, so the served fragments are the lower variant's
	assert.True(t, strings.HasSuffix(track.URL(), "/lo/prog.m3u8"))
	mu.Lock()
	assert.Contains(t, requests, "/lo/prog.m3u8")
	mu.Unlock()

	frags := proc.collected()
	require.Len(t, frags, 3)
	assert.Equal(t, "media:/lo/lo0.ts", string(frags[0].Data))
	assert.Equal(t, "media:/lo/lo1.ts", string(frags[1].Data))
	assert.Equal(t, "media:/lo/lo2.ts", string(frags[2].Data))
}

func TestRampdownExhaustedFailsTrack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetch.FragmentFailureThreshold = 10

	manifestText := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.42e00a,mp4a.40.2",AUDIO="aac"
only.m3u8`
	m, err := ParseMainManifest(manifestText, "https://cdn.example.com/master.m3u8", nil)
	require.NoError(t, err)
	selector := NewProfileSelector(cfg.ABR, m, nil)
	selector.UpdateBandwidth(10_000_000)
	_, err = selector.SelectInitialVideo("aac")
	require.NoError(t, err)

	track := NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	track.Enable("https://cdn.example.com/only.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(time.Second), &collectingProcessor{},
		selector, nil, cfg, nil, nil)

	// no lower profile exists, the failure is terminal
	err = f.handleFetchFailure(context.Background(), "https://cdn.example.com/frag.ts",
		&common.FetchResult{StatusCode: http.StatusInternalServerError}, nil)
	require.Error(t, err)
	assert.True(t, common.IsErrorCode(err, common.ErrCodeFragmentDownload))
}

func TestAudioFailureSkipsFragment(t *testing.T) {
	track := NewTrack(common.TrackTypeAudio, nil, nil, nil)
	track.Enable("https://cdn.example.com/audio/playlist.m3u8")
	track.SetPlaylist(TestVODPlaylist)
	_, _, err := track.IndexPlaylist(false)
	require.NoError(t, err)

	f := NewTrackFetcher(track, common.NewHTTPFetcher(time.Second), &collectingProcessor{},
		nil, nil, nil, nil, nil)

	require.NoError(t, f.handleFetchFailure(context.Background(), "https://cdn.example.com/audio/segment0.ts",
		&common.FetchResult{StatusCode: http.StatusInternalServerError}, nil))
	assert.InDelta(t, 4.0, track.PlayTarget(), 0.001, "failed fragment is skipped")
}

func TestConsecutiveFailureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetch.FragmentFailureThreshold = 2

	track := NewTrack(common.TrackTypeAudio, cfg, nil, nil)
	track.Enable("https://cdn.example.com/audio/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(time.Second), &collectingProcessor{},
		nil, nil, cfg, nil, nil)

	require.NoError(t, f.handleFetchFailure(context.Background(), "u",
		&common.FetchResult{StatusCode: http.StatusInternalServerError}, nil))
	err := f.handleFetchFailure(context.Background(), "u",
		&common.FetchResult{StatusCode: http.StatusInternalServerError}, nil)
	require.Error(t, err)
	assert.True(t, common.IsErrorCode(err, common.ErrCodeFragmentDownload))
}

func TestResolveTrickplaySteps(t *testing.T) {
	track := NewTrack(common.TrackTypeVideo, nil, nil, nil)
	track.Enable("https://cdn.example.com/media/playlist.m3u8")
	track.SetPlaylist(TestVODPlaylist)
	_, _, err := track.IndexPlaylist(false)
	require.NoError(t, err)
	ix := track.Index()

	f := NewTrackFetcher(track, common.NewHTTPFetcher(time.Second), &collectingProcessor{},
		nil, nil, nil, nil, nil)
	f.SetRate(2.0)

	// first resolution serves the fragment under the play target
	idx := f.resolveTrickplay(ix)
	assert.Equal(t, 0, idx)
	f.advancePast(ix, idx, &ix.Fragments[idx])

	// repeated hits on the served fragment collapse by stepping the
	// play target forward rate/fps at a time
	idx = f.resolveTrickplay(ix)
	assert.Equal(t, 1, idx)
	assert.GreaterOrEqual(t, track.PlayTarget(), 4.0)

	f.advancePast(ix, idx, &ix.Fragments[idx])
	idx = f.resolveTrickplay(ix)
	assert.Equal(t, 2, idx)

	// stepping off the end stops trickplay
	f.advancePast(ix, idx, &ix.Fragments[idx])
	idx = f.resolveTrickplay(ix)
	assert.Equal(t, -1, idx)
}

func TestResolveTrickplayRewind(t *testing.T) {
	track := NewTrack(common.TrackTypeVideo, nil, nil, nil)
	track.Enable("https://cdn.example.com/media/playlist.m3u8")
	track.SetPlaylist(TestVODPlaylist)
	_, _, err := track.IndexPlaylist(false)
	require.NoError(t, err)
	ix := track.Index()

	f := NewTrackFetcher(track, common.NewHTTPFetcher(time.Second), &collectingProcessor{},
		nil, nil, nil, nil, nil)
	f.SetRate(-2.0)
	track.SetPlayTarget(9.0)

	idx := f.resolveTrickplay(ix)
	assert.Equal(t, 2, idx)
	f.advancePast(ix, idx, &ix.Fragments[idx])

	track.SetPlayTarget(9.0)
	idx = f.resolveTrickplay(ix)
	assert.Equal(t, 1, idx)

	// rewinding past the playlist head terminates
	track.SetPlayTarget(-0.5)
	idx = f.resolveTrickplay(ix)
	assert.Equal(t, -1, idx)
}

func TestRefreshDelayTiers(t *testing.T) {
	cfg := DefaultConfig()
	track := NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	f := NewTrackFetcher(track, common.NewHTTPFetcher(time.Second), &collectingProcessor{},
		nil, nil, cfg, nil, nil)

	ix := &PlaylistIndex{TargetDuration: 4.0, TotalDuration: 16.0}

	set := func(pos float64) {
		track.mu.Lock()
		track.playlistPosition = pos
		track.mu.Unlock()
	}

	// deep buffer relaxes the schedule
	set(4.0) // buffer 12 > 2*target
	assert.Equal(t, 6*time.Second, f.refreshDelay(ix))

	set(10.0) // buffer 6 > target
	assert.Equal(t, 2*time.Second, f.refreshDelay(ix))

	// a drained buffer clamps to the floor
	set(15.5)
	assert.Equal(t, cfg.Refresh.MinDelay, f.refreshDelay(ix))
}

func TestSequenceIV(t *testing.T) {
	iv := sequenceIV(0x0102)
	require.Len(t, iv, 16)
	assert.Equal(t, byte(0x01), iv[14])
	assert.Equal(t, byte(0x02), iv[15])
	for _, b := range iv[:14] {
		assert.Zero(t, b)
	}
}

func TestResolveURL(t *testing.T) {
	got, err := resolveURL("https://cdn.example.com/media/playlist.m3u8", "segment0.ts", false)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/segment0.ts", got)

	got, err = resolveURL("https://cdn.example.com/media/playlist.m3u8",
		"https://other.example.com/seg.ts", false)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/seg.ts", got)

	got, err = resolveURL("https://cdn.example.com/media/playlist.m3u8?token=abc", "segment0.ts", true)
	require.NoError(t, err)
	assert.Contains(t, got, "token=abc")
}

func TestDownloadsDisabledStopsLoop(t *testing.T) {
	server := newVODServer(t, TestVODPlaylist)

	var enabled atomic.Bool // stays false, downloads never start
	track := NewTrack(common.TrackTypeVideo, nil, nil, nil)
	track.Enable(server.URL + "/media/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), &collectingProcessor{},
		nil, nil, nil, &enabled, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	err := f.RunFetchLoop(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, StateStopped, f.State())
}

func TestByteRangedFragmentsServe(t *testing.T) {
	const media = "0123456789"
	const playlist = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.0,
#EXT-X-BYTERANGE:5@0
media.ts
#EXTINF:4.0,
#EXT-X-BYTERANGE:5
media.ts
#EXT-X-ENDLIST`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Write([]byte(playlist))
			return
		}
		var off, end int
		if n, _ := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &off, &end); n != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, end, len(media)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(media[off : end+1]))
	}))
	t.Cleanup(server.Close)

	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeVideo, nil, nil, nil)
	track.Enable(server.URL + "/media/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		nil, nil, nil, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	require.NoError(t, runTrack(t, f))

	// 206 Partial Content answers are successful fragment downloads
	frags := proc.collected()
	require.Len(t, frags, 2)
	assert.Equal(t, "01234", string(frags[0].Data))
	assert.Equal(t, "56789", string(frags[1].Data))
}

func TestLiveRefreshSurvivesMalformedPlaylist(t *testing.T) {
	const livePlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts`
	const finalPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXTINF:4.0,
seg2.ts
#EXTINF:4.0,
seg3.ts
#EXT-X-ENDLIST`

	var refreshes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			switch refreshes.Add(1) {
			case 1:
				w.Write([]byte(livePlaylist))
			case 2:
				w.Write([]byte("not a playlist"))
			default:
				w.Write([]byte(finalPlaylist))
			}
			return
		}
		w.Write([]byte("media:" + r.URL.Path))
	}))
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.Refresh.MinDelay = 10 * time.Millisecond
	cfg.Refresh.MaxDelay = 20 * time.Millisecond

	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	track.Enable(server.URL + "/live/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		nil, nil, cfg, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	// the corrupt second refresh keeps the first index serving until
	// the third refresh delivers a good document
	require.NoError(t, runTrack(t, f))

	frags := proc.collected()
	require.Len(t, frags, 4)
	assert.Equal(t, "media:/live/seg0.ts", string(frags[0].Data))
	assert.Equal(t, "media:/live/seg3.ts", string(frags[3].Data))
	assert.GreaterOrEqual(t, refreshes.Load(), int32(3))
}

func TestTrickplaySwitchesToIframeVariant(t *testing.T) {
	const progPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.0,
prog0.ts
#EXTINF:4.0,
prog1.ts
#EXTINF:4.0,
prog2.ts
#EXT-X-ENDLIST`
	const iframePlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.0,
if0.ts
#EXTINF:4.0,
if1.ts
#EXTINF:4.0,
if2.ts
#EXT-X-ENDLIST`

	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path)
		mu.Unlock()
		switch {
		case r.URL.Path == "/prog/playlist.m3u8":
			w.Write([]byte(progPlaylist))
		case r.URL.Path == "/iframe/playlist.m3u8":
			w.Write([]byte(iframePlaylist))
		default:
			w.Write([]byte("media:" + r.URL.Path))
		}
	}))
	t.Cleanup(server.Close)

	manifestText := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=2560000,CODECS="avc1.42e00a,mp4a.40.2",AUDIO="aac"
prog/playlist.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=180000,CODECS="avc1.42e00a",URI="iframe/playlist.m3u8"`

	cfg := DefaultConfig()
	m, err := ParseMainManifest(manifestText, server.URL+"/master.m3u8", nil)
	require.NoError(t, err)
	selector := NewProfileSelector(cfg.ABR, m, nil)
	selector.UpdateBandwidth(3_000_000)
	_, err = selector.SelectInitialVideo("aac")
	require.NoError(t, err)

	proc := &collectingProcessor{}
	track := NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	track.Enable(server.URL + "/prog/playlist.m3u8")
	f := NewTrackFetcher(track, common.NewHTTPFetcher(5*time.Second), proc,
		selector, nil, cfg, nil, nil)

	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	f.SetRate(2.0)
	require.NoError(t, runTrack(t, f))

	// a non-1x rate repoints the track at the iframe variant before any
	// fragment is fetched
	assert.True(t, strings.HasSuffix(track.URL(), "/iframe/playlist.m3u8"))
	mu.Lock()
	assert.Contains(t, requests, "/iframe/playlist.m3u8")
	mu.Unlock()

	frags := proc.collected()
	require.NotEmpty(t, frags)
	for _, frag := range frags {
		assert.True(t, strings.HasPrefix(string(frag.Data), "media:/iframe/"),
			"trickplay fragments come from the iframe playlist")
	}

	// returning to 1x queues the normal variant for the next iteration
	f.SetRate(1.0)
	require.NoError(t, f.applyPendingVariant(context.Background()))
	assert.True(t, strings.HasSuffix(track.URL(), "/prog/playlist.m3u8"))
}

// scriptedFetcher fails with the queued errors before answering with
// the canned result
type scriptedFetcher struct {
	mu     sync.Mutex
	errs   []error
	result *common.FetchResult
	calls  int
}

func (s *scriptedFetcher) Fetch(_ context.Context, _ string, _ *common.ByteRange) (*common.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return s.result, nil
}

func TestPlaylistRetryTimeoutTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetch.PlaylistRetryLimit = 1
	cfg.Fetch.RetryBackoff = time.Millisecond

	timeoutErr := common.NewStreamError(common.StreamTypeHLS, "https://cdn.example.com/p.m3u8",
		common.ErrCodeTimeout, "fetch timed out", nil)
	connErr := common.NewStreamError(common.StreamTypeHLS, "https://cdn.example.com/p.m3u8",
		common.ErrCodeConnection, "connection refused", nil)
	good := &common.FetchResult{Body: []byte(TestVODPlaylist), StatusCode: http.StatusOK}

	// timeouts get double the retry budget before the manifest is
	// declared unreachable
	sf := &scriptedFetcher{errs: []error{timeoutErr, timeoutErr}, result: good}
	track := NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	track.Enable("https://cdn.example.com/media/playlist.m3u8")
	f := NewTrackFetcher(track, sf, &collectingProcessor{}, nil, nil, cfg, nil, nil)
	require.NoError(t, f.FetchPlaylist(context.Background(), false))
	assert.Equal(t, 3, sf.calls)

	// the same failure count on a hard transport error exhausts the
	// normal budget
	sf = &scriptedFetcher{errs: []error{connErr, connErr}, result: good}
	track = NewTrack(common.TrackTypeVideo, cfg, nil, nil)
	track.Enable("https://cdn.example.com/media/playlist.m3u8")
	f = NewTrackFetcher(track, sf, &collectingProcessor{}, nil, nil, cfg, nil, nil)
	err := f.FetchPlaylist(context.Background(), false)
	require.Error(t, err)
	assert.True(t, common.IsErrorCode(err, common.ErrCodeConnection))
	assert.Equal(t, 2, sf.calls)
}
