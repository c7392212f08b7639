package hls

import (
	"strings"
	"time"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// PlaylistType classifies a media playlist's refresh behavior
type PlaylistType string

const (
	// PlaylistTypeLive is the default when no EXT-X-PLAYLIST-TYPE tag is
	// present and no end-of-list marker has been seen
	PlaylistTypeLive  PlaylistType = "live"
	PlaylistTypeEvent PlaylistType = "event"
	PlaylistTypeVOD   PlaylistType = "vod"
)

// Recognized playlist tags
const (
	tagHeader          = "#EXTM3U"
	tagExtInf          = "#EXTINF:"
	tagByteRange       = "#EXT-X-BYTERANGE:"
	tagTargetDuration  = "#EXT-X-TARGETDURATION:"
	tagMediaSequence   = "#EXT-X-MEDIA-SEQUENCE:"
	tagPlaylistType    = "#EXT-X-PLAYLIST-TYPE:"
	tagProgramDateTime = "#EXT-X-PROGRAM-DATE-TIME:"
	tagKey             = "#EXT-X-KEY:"
	tagMap             = "#EXT-X-MAP:"
	tagDiscontinuity   = "#EXT-X-DISCONTINUITY"
	tagEndList         = "#EXT-X-ENDLIST"
	tagStart           = "#EXT-X-START:"
	tagFaxsCM          = "#EXT-X-FAXS-CM:"
	tagDeferredKey     = "#EXT-X-X1-LIN-CK:"
	tagStreamInf       = "#EXT-X-STREAM-INF:"
	tagIFrameStreamInf = "#EXT-X-I-FRAME-STREAM-INF:"
	tagMedia           = "#EXT-X-MEDIA:"
	tagVersion         = "#EXT-X-VERSION:"
)

// FragmentIndexEntry describes one media fragment. Tag and URI fields
// are half-open offsets into the owning index's Text, never sub-slices
// of an earlier refresh's buffer.
type FragmentIndexEntry struct {
	// CompletionTime is seconds from playlist start to the end of this
	// fragment. Entries are strictly increasing in completion time.
	CompletionTime float64
	Duration       float64
	TagStart       int
	TagEnd         int
	URIStart       int
	URIEnd         int
	MediaSequence  int64
	Discontinuous  bool
	ProgramDateTime time.Time
	ByteRange       *common.ByteRange
	// KeyTagIndex references the key tag in effect, -1 for clear content
	KeyTagIndex int
	// DrmMetadataIndex references the DRM metadata entry backing the key
	// tag, -1 when none applies
	DrmMetadataIndex int
	// InitFragmentIndex references the EXT-X-MAP in effect, -1 when the
	// container needs no init fragment
	InitFragmentIndex int
}

// DiscontinuityIndexEntry marks one declared timeline break. Consumed
// only by cross-track alignment.
type DiscontinuityIndexEntry struct {
	FragmentIndex   int
	Position        float64
	Duration        float64
	ProgramDateTime time.Time
}

// KeyTagRecord retains one EXT-X-KEY occurrence so late trickplay access
// can re-resolve which key applies to an arbitrary fragment without
// re-parsing the document.
type KeyTagRecord struct {
	TagStart     int
	TagEnd       int
	Method       string
	URI          string
	IV           []byte
	MetadataHash string
}

// IsEncrypted reports whether fragments under this key tag need decrypt
func (k *KeyTagRecord) IsEncrypted() bool {
	return k.Method != "" && !strings.EqualFold(k.Method, "NONE")
}

// InitFragmentRef is one EXT-X-MAP occurrence
type InitFragmentRef struct {
	URI       string
	ByteRange *common.ByteRange
}

// PlaylistIndex is the complete product of one IndexPlaylist call. It is
// a value: every refresh discards the previous index and builds a new
// one, because live playlists can reorder, cull, or re-describe
// segments between refreshes.
type PlaylistIndex struct {
	// Text is the immutable document this index describes
	Text string
	URL  string

	Fragments       []FragmentIndexEntry
	Discontinuities []DiscontinuityIndexEntry
	KeyTags         []KeyTagRecord
	InitFragments   []InitFragmentRef
	// MetadataHashes lists DRM metadata hashes in document order, the
	// target of FragmentIndexEntry.DrmMetadataIndex
	MetadataHashes []string

	Type               PlaylistType
	TargetDuration     float64
	FirstMediaSequence int64
	TotalDuration      float64
	HasEndList         bool
	// FirstPDT is the wall-clock time of the first fragment,
	// extrapolated back to playlist start when the first PDT tag appears
	// mid-playlist
	FirstPDT time.Time
	// StartOffset is the EXT-X-START TIME-OFFSET value, negative values
	// are relative to the live edge
	StartOffset    float64
	HasStartOffset bool
	IndexedAt      time.Time
}

// FragmentTag returns the raw tag block for fragment i
func (ix *PlaylistIndex) FragmentTag(i int) string {
	f := &ix.Fragments[i]
	return ix.Text[f.TagStart:f.TagEnd]
}

// FragmentURI returns the raw URI line for fragment i
func (ix *PlaylistIndex) FragmentURI(i int) string {
	f := &ix.Fragments[i]
	return ix.Text[f.URIStart:f.URIEnd]
}

// KeyTag returns the raw tag text of key record i
func (ix *PlaylistIndex) KeyTag(i int) string {
	k := &ix.KeyTags[i]
	return ix.Text[k.TagStart:k.TagEnd]
}

// LastMediaSequence returns the sequence number of the final fragment,
// or FirstMediaSequence-1 for an empty index
func (ix *PlaylistIndex) LastMediaSequence() int64 {
	if len(ix.Fragments) == 0 {
		return ix.FirstMediaSequence - 1
	}
	return ix.Fragments[len(ix.Fragments)-1].MediaSequence
}

// FragmentBySequence returns the index of the fragment carrying the
// given media sequence number, or -1
func (ix *PlaylistIndex) FragmentBySequence(seq int64) int {
	if len(ix.Fragments) == 0 {
		return -1
	}
	i := int(seq - ix.FirstMediaSequence)
	if i < 0 || i >= len(ix.Fragments) {
		return -1
	}
	return i
}

// FragmentAtPosition returns the index of the fragment whose window
// covers the given playlist-relative position, or -1 when position lies
// beyond the indexed duration
func (ix *PlaylistIndex) FragmentAtPosition(pos float64) int {
	for i := range ix.Fragments {
		if ix.Fragments[i].CompletionTime > pos {
			return i
		}
	}
	return -1
}

// IsLive reports whether periodic refresh still applies
func (ix *PlaylistIndex) IsLive() bool {
	return ix.Type != PlaylistTypeVOD && !ix.HasEndList
}

// lineScanner walks a document line by line while tracking byte offsets
// into the original text, so index entries can reference the buffer by
// half-open ranges.
type lineScanner struct {
	text string
	pos  int
}

// next returns the trimmed line together with its [start,end) offsets in
// the untrimmed text. ok is false at end of document.
func (s *lineScanner) next() (line string, start, end int, ok bool) {
	if s.pos >= len(s.text) {
		return "", 0, 0, false
	}
	start = s.pos
	nl := strings.IndexByte(s.text[s.pos:], '\n')
	if nl < 0 {
		end = len(s.text)
		s.pos = end
	} else {
		end = s.pos + nl
		s.pos = end + 1
	}
	line = strings.TrimRight(s.text[start:end], "\r")
	end = start + len(line)
	return line, start, end, true
}
