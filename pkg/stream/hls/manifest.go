package hls

import (
	"strconv"
	"strings"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// Profile is one stream variant from the main manifest. Immutable once
// parsed except for Enabled, which models filtering without re-parsing
// and is only mutated during the single-threaded Init/ABR configuration
// phase.
type Profile struct {
	IsIframe   bool   `json:"is_iframe"`
	Bandwidth  int64  `json:"bandwidth"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Codecs     string `json:"codecs"`
	AudioGroup string `json:"audio_group"`
	URI        string `json:"uri"`
	Enabled    bool   `json:"enabled"`
}

// VideoCodec returns the normalized video codec family from the CODECS
// attribute, empty for audio-only variants
func (p *Profile) VideoCodec() string {
	for _, c := range strings.Split(p.Codecs, ",") {
		n := common.NormalizeCodecName(c)
		if n == "avc" || n == "hevc" {
			return n
		}
	}
	return ""
}

// AudioCodec returns the normalized audio codec family from the CODECS
// attribute
func (p *Profile) AudioCodec() string {
	for _, c := range strings.Split(p.Codecs, ",") {
		n := common.NormalizeCodecName(c)
		switch n {
		case "aac", "ac3", "ec3":
			return n
		}
	}
	return ""
}

// MediaRendition is one EXT-X-MEDIA declaration
type MediaRendition struct {
	Type            string `json:"type"`
	GroupID         string `json:"group_id"`
	Name            string `json:"name"`
	Language        string `json:"language"`
	Default         bool   `json:"default"`
	AutoSelect      bool   `json:"autoselect"`
	Forced          bool   `json:"forced"`
	Characteristics string `json:"characteristics"`
	Channels        string `json:"channels"`
	URI             string `json:"uri"`
}

// MainManifest is the parsed product of the master playlist
type MainManifest struct {
	URL            string           `json:"url"`
	Profiles       []Profile        `json:"profiles"`
	IframeProfiles []Profile        `json:"iframe_profiles"`
	Renditions     []MediaRendition `json:"renditions"`
}

// AudioRenditions returns the manifest's audio declarations
func (m *MainManifest) AudioRenditions() []MediaRendition {
	return m.renditionsOfType("AUDIO")
}

// SubtitleRenditions returns the manifest's subtitle declarations
func (m *MainManifest) SubtitleRenditions() []MediaRendition {
	return m.renditionsOfType("SUBTITLES")
}

func (m *MainManifest) renditionsOfType(mediaType string) []MediaRendition {
	var out []MediaRendition
	for _, r := range m.Renditions {
		if r.Type == mediaType {
			out = append(out, r)
		}
	}
	return out
}

// IsMainManifest reports whether a playlist document declares stream
// variants rather than media fragments
func IsMainManifest(text string) bool {
	return strings.Contains(text, tagStreamInf) || strings.Contains(text, tagIFrameStreamInf)
}

// ParseMainManifest parses the master playlist into profile and
// rendition tables. Unrecognized tags are ignored, never fatal.
func ParseMainManifest(text, url string, logger logging.Logger) (*MainManifest, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if !strings.HasPrefix(text, tagHeader) {
		return nil, common.NewStreamError(common.StreamTypeHLS, url,
			common.ErrCodeParse, "main manifest missing #EXTM3U header", nil)
	}

	m := &MainManifest{URL: url}

	scanner := lineScanner{text: text}
	var pendingProfile *Profile
	for {
		line, _, _, ok := scanner.next()
		if !ok {
			break
		}
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "#") {
			if pendingProfile != nil {
				pendingProfile.URI = line
				m.Profiles = append(m.Profiles, *pendingProfile)
				pendingProfile = nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, tagStreamInf):
			p := &Profile{Enabled: true}
			if err := ParseAttrList(line[len(tagStreamInf):], profileAttrFunc(p)); err != nil {
				logger.Warn("Malformed EXT-X-STREAM-INF payload", logging.Fields{
					"error": err.Error(),
					"url":   url,
				})
			}
			pendingProfile = p

		case strings.HasPrefix(line, tagIFrameStreamInf):
			p := &Profile{IsIframe: true, Enabled: true}
			var uri string
			err := ParseAttrList(line[len(tagIFrameStreamInf):], func(name, value string) {
				if name == "URI" {
					uri = value
					return
				}
				profileAttrFunc(p)(name, value)
			})
			if err != nil {
				logger.Warn("Malformed EXT-X-I-FRAME-STREAM-INF payload", logging.Fields{
					"error": err.Error(),
					"url":   url,
				})
			}
			if uri != "" {
				p.URI = uri
				m.IframeProfiles = append(m.IframeProfiles, *p)
			}

		case strings.HasPrefix(line, tagMedia):
			var r MediaRendition
			err := ParseAttrList(line[len(tagMedia):], func(name, value string) {
				switch name {
				case "TYPE":
					r.Type = value
				case "GROUP-ID":
					r.GroupID = value
				case "NAME":
					r.Name = value
				case "LANGUAGE":
					r.Language = value
				case "DEFAULT":
					r.Default = strings.EqualFold(value, "YES")
				case "AUTOSELECT":
					r.AutoSelect = strings.EqualFold(value, "YES")
				case "FORCED":
					r.Forced = strings.EqualFold(value, "YES")
				case "CHARACTERISTICS":
					r.Characteristics = value
				case "CHANNELS":
					r.Channels = value
				case "URI":
					r.URI = value
				}
			})
			if err != nil {
				logger.Warn("Malformed EXT-X-MEDIA payload", logging.Fields{
					"error": err.Error(),
					"url":   url,
				})
			}
			m.Renditions = append(m.Renditions, r)
		}
	}

	if len(m.Profiles) == 0 && len(m.IframeProfiles) == 0 {
		return nil, common.NewStreamError(common.StreamTypeHLS, url,
			common.ErrCodeParse, "main manifest declares no stream variants", nil)
	}

	return m, nil
}

func profileAttrFunc(p *Profile) AttrFunc {
	return func(name, value string) {
		switch name {
		case "BANDWIDTH":
			if bw, err := strconv.ParseInt(value, 10, 64); err == nil {
				p.Bandwidth = bw
			}
		case "RESOLUTION":
			p.Width, p.Height = parseResolution(value)
		case "CODECS":
			p.Codecs = value
		case "AUDIO":
			p.AudioGroup = value
		}
	}
}
