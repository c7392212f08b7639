package hls

// Canned playlist documents used across the package tests
var (
	// TestMainManifest declares three video variants sharing one audio
	// group plus an audio rendition with its own playlist
	TestMainManifest = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en/playlist.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="Français",LANGUAGE="fr",DEFAULT=NO,AUTOSELECT=YES,URI="audio/fr/playlist.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="subs/en/playlist.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1280000,CODECS="avc1.42e00a,mp4a.40.2",RESOLUTION=852x480,AUDIO="aac"
480p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,CODECS="avc1.42e00a,mp4a.40.2",RESOLUTION=1280x720,AUDIO="aac"
720p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS="avc1.42e00a,mp4a.40.2",RESOLUTION=1920x1080,AUDIO="aac"
1080p.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=180000,CODECS="avc1.42e00a",RESOLUTION=852x480,URI="iframe/480p.m3u8"`

	// TestVODPlaylist is the three-fragment VOD document
	TestVODPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.0,
segment0.ts
#EXTINF:4.0,
segment1.ts
#EXTINF:4.0,
segment2.ts
#EXT-X-ENDLIST`

	// TestLivePlaylist and TestLivePlaylistCulled model one live refresh
	// where the first two 4.0s fragments were culled
	TestLivePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:4.0,
segment100.ts
#EXTINF:4.0,
segment101.ts
#EXTINF:4.0,
segment102.ts
#EXTINF:4.0,
segment103.ts`

	TestLivePlaylistCulled = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:102
#EXTINF:4.0,
segment102.ts
#EXTINF:4.0,
segment103.ts
#EXTINF:4.0,
segment104.ts
#EXTINF:4.0,
segment105.ts`

	// TestEncryptedPlaylist mixes clear and encrypted fragments with a
	// DRM metadata blob and a key rotation
	TestEncryptedPlaylist = `#EXTM3U
#EXT-X-VERSION:5
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-FAXS-CM:bWV0YWRhdGEtYmxvYi1vbmU=
#EXTINF:6.0,
clear0.ts
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/key1",IV=0x00000000000000000000000000000001
#EXTINF:6.0,
enc1.ts
#EXTINF:6.0,
enc2.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:6.0,
clear3.ts
#EXT-X-ENDLIST`

	// TestDeferredKeyPlaylist stores metadata with no matching key tag,
	// which schedules deferred acquisition
	TestDeferredKeyPlaylist = `#EXTM3U
#EXT-X-VERSION:5
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-X1-LIN-CK:30
#EXT-X-FAXS-CM:ZGVmZXJyZWQtbWV0YWRhdGE=
#EXTINF:6.0,
segment0.ts
#EXTINF:6.0,
segment1.ts
#EXT-X-ENDLIST`

	// TestDiscontinuityPlaylist carries a mid-stream break with
	// program-date-time on both sides
	TestDiscontinuityPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:00.000Z
#EXTINF:6.0,
segment0.ts
#EXTINF:6.0,
segment1.ts
#EXT-X-DISCONTINUITY
#EXTINF:6.0,
ad0.ts
#EXTINF:6.0,
segment2.ts
#EXT-X-ENDLIST`

	// TestMapPlaylist uses a fragmented container with an init segment
	TestMapPlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.0,
segment0.m4s
#EXTINF:4.0,
segment1.m4s
#EXT-X-ENDLIST`
)
