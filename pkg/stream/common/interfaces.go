package common

import (
	"context"
	"time"
)

// StreamType represents the type of a media stream
type StreamType string

const (
	StreamTypeHLS         StreamType = "hls"
	StreamTypeUnsupported StreamType = "unsupported"
)

// TrackType identifies one elementary track within a stream
type TrackType string

const (
	TrackTypeVideo    TrackType = "video"
	TrackTypeAudio    TrackType = "audio"
	TrackTypeSubtitle TrackType = "subtitle"
	TrackTypeAuxAudio TrackType = "aux_audio"
)

// IsOptional reports whether a track of this type may fail without
// failing the whole tune.
func (t TrackType) IsOptional() bool {
	return t == TrackTypeSubtitle || t == TrackTypeAuxAudio
}

// ByteRange describes a sub-range fetch of a resource. Length of zero
// means "to the end of the resource".
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// FetchResult is the outcome of a single transport fetch
type FetchResult struct {
	Body         []byte        `json:"-"`
	StatusCode   int           `json:"status_code"`
	EffectiveURL string        `json:"effective_url"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Fetcher is the byte-transport collaborator. Implementations classify
// timeouts by returning a StreamError with ErrCodeTimeout; every other
// transport failure maps to ErrCodeConnection. A non-2xx status is not
// an error at this layer, callers decide retry policy from StatusCode.
type Fetcher interface {
	Fetch(ctx context.Context, uri string, byteRange *ByteRange) (*FetchResult, error)
}

// DrmInfo carries everything the decrypt collaborator needs to resolve
// a session for one key context.
type DrmInfo struct {
	Method       string `json:"method"`
	KeyURI       string `json:"key_uri"`
	IV           []byte `json:"-"`
	Metadata     []byte `json:"-"`
	MetadataHash string `json:"metadata_hash"`
}

// DecryptSession decrypts fragments for a single resolved key context
type DecryptSession interface {
	Decrypt(ctx context.Context, fragment []byte) ([]byte, error)
	Release()
}

// DecryptSessionManager is the DRM collaborator. ResolveSession may
// block while a key is acquired; AbortWaiters wakes every blocked
// resolution during stop without waiting for acquisition to finish.
type DecryptSessionManager interface {
	ResolveSession(ctx context.Context, info DrmInfo) (DecryptSession, error)
	AbortWaiters()
}

// InjectStatus is the media processor's verdict on a handed-off fragment
type InjectStatus int

const (
	InjectAccepted InjectStatus = iota
	InjectDiscarded
)

// Fragment is one unit of media handed to the media processor
type Fragment struct {
	Track         TrackType `json:"track"`
	URL           string    `json:"url"`
	Data          []byte    `json:"-"`
	Position      float64   `json:"position"`
	Duration      float64   `json:"duration"`
	Discontinuous bool      `json:"discontinuous"`
	IsInit        bool      `json:"is_init"`
}

// MediaProcessor is the injection collaborator. A discarded fragment is
// not an error, the consumer already holds equivalent content.
type MediaProcessor interface {
	Accept(ctx context.Context, frag *Fragment) (InjectStatus, error)
}

// StreamMetadata contains metadata and info about the stream
type StreamMetadata struct {
	URL     string     `json:"url"`
	Type    StreamType `json:"type"`
	Bitrate int        `json:"bitrate,omitempty"`
}
