package hls

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// DetectFromURL matches the URL with common HLS patterns
func DetectFromURL(streamURL string) common.StreamType {
	u, err := url.Parse(streamURL)
	if err != nil {
		return common.StreamTypeUnsupported
	}

	path := strings.ToLower(u.Path)

	if strings.HasSuffix(path, ".m3u8") ||
		strings.Contains(path, "/playlist.m3u8") ||
		strings.Contains(path, "/index.m3u8") ||
		strings.Contains(u.RawQuery, "m3u8") {
		return common.StreamTypeHLS
	}
	return common.StreamTypeUnsupported
}

// DetectFromHeaders matches the HTTP headers with common HLS patterns
func DetectFromHeaders(ctx context.Context, client *http.Client, streamURL string) common.StreamType {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, streamURL, nil)
	if err != nil {
		return common.StreamTypeUnsupported
	}
	req.Header.Set("Accept", "*/*")

	resp, err := client.Do(req)
	if err != nil {
		return common.StreamTypeUnsupported
	}
	defer resp.Body.Close()

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	if strings.Contains(contentType, "application/vnd.apple.mpegurl") ||
		strings.Contains(contentType, "application/x-mpegurl") ||
		strings.Contains(contentType, "vnd.apple.mpegurl") {
		return common.StreamTypeHLS
	}
	return common.StreamTypeUnsupported
}

// ProbeResult summarizes one playlist URL without tuning it
type ProbeResult struct {
	Metadata *common.StreamMetadata `json:"metadata"`
	// Manifest is set when the URL points at a master playlist
	Manifest *MainManifest `json:"manifest,omitempty"`
	// Index is set when the URL points straight at a media playlist
	Index *PlaylistIndex `json:"index,omitempty"`
	Live  bool           `json:"live"`
}

// Probe fetches a playlist URL and classifies it as a master manifest
// or a media playlist, returning enough structure to describe the
// stream without starting any fetch loop
func Probe(ctx context.Context, fetcher common.Fetcher, streamURL string) (*ProbeResult, error) {
	if fetcher == nil {
		fetcher = common.NewHTTPFetcher(10 * time.Second)
	}

	result, err := fetcher.Fetch(ctx, streamURL, nil)
	if err != nil {
		return nil, err
	}
	if result.StatusCode != http.StatusOK {
		return nil, common.NewStreamError(common.StreamTypeHLS, streamURL,
			common.ErrCodeConnection, "playlist fetch returned non-OK status", nil)
	}
	effective := streamURL
	if result.EffectiveURL != "" {
		effective = result.EffectiveURL
	}
	text := string(result.Body)

	probe := &ProbeResult{
		Metadata: &common.StreamMetadata{
			URL:  effective,
			Type: common.StreamTypeHLS,
		},
	}

	if IsMainManifest(text) {
		manifest, err := ParseMainManifest(text, effective, nil)
		if err != nil {
			return nil, err
		}
		probe.Manifest = manifest
		if best := highestBandwidthProfile(manifest); best != nil {
			probe.Metadata.Bitrate = int(best.Bandwidth / 1000)
		}
		return probe, nil
	}

	ix, _, err := buildIndex(text, effective, nil, nil, nil, time.Now())
	if err != nil {
		return nil, err
	}
	probe.Index = ix
	probe.Live = ix.IsLive()
	return probe, nil
}

func highestBandwidthProfile(m *MainManifest) *Profile {
	var best *Profile
	for i := range m.Profiles {
		p := &m.Profiles[i]
		if best == nil || p.Bandwidth > best.Bandwidth {
			best = p
		}
	}
	return best
}
