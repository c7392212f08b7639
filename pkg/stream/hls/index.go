package hls

import (
	"strconv"
	"strings"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// pdtLayouts covers the timestamp shapes seen in the wild for
// EXT-X-PROGRAM-DATE-TIME
var pdtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
}

func parsePDT(value string) (time.Time, bool) {
	for _, layout := range pdtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// buildIndex scans a media playlist document and produces a complete
// PlaylistIndex. The previous index is consulted only for the culling
// computation; its contents are never merged into the new one.
func buildIndex(text, url string, prev *PlaylistIndex, kt *KeyTracker, logger logging.Logger, now time.Time) (*PlaylistIndex, float64, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if !strings.HasPrefix(text, tagHeader) {
		return nil, 0, common.NewStreamError(common.StreamTypeHLS, url,
			common.ErrCodeParse, "playlist missing #EXTM3U header", nil)
	}

	ix := &PlaylistIndex{
		Text:               text,
		URL:                url,
		Type:               PlaylistTypeLive,
		FirstMediaSequence: 0,
		IndexedAt:          now,
	}

	if kt != nil {
		kt.BeginScan(now)
	}

	var (
		scanner = lineScanner{text: text}

		pendingDuration  float64
		pendingPDT       time.Time
		pendingDisc      bool
		pendingTagStart  = -1
		pendingRange     *common.ByteRange
		lastRangeEnd     int64
		currentKeyIdx    = -1
		currentMetaIdx   = -1
		currentInitIdx   = -1
		haveMediaSeq     bool
		nextSeq          int64
		lastPDT          time.Time
		durationSincePDT float64
		position         float64
	)

	for {
		line, start, end, ok := scanner.next()
		if !ok {
			break
		}
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "#") {
			// URI line closes out the fragment accumulated since the
			// previous one
			entry := FragmentIndexEntry{
				Duration:          pendingDuration,
				URIStart:          start,
				URIEnd:            end,
				MediaSequence:     nextSeq,
				Discontinuous:     pendingDisc,
				ByteRange:         pendingRange,
				KeyTagIndex:       currentKeyIdx,
				DrmMetadataIndex:  currentMetaIdx,
				InitFragmentIndex: currentInitIdx,
			}
			if pendingTagStart >= 0 {
				entry.TagStart = pendingTagStart
				entry.TagEnd = start
			} else {
				entry.TagStart = start
				entry.TagEnd = start
			}

			if !pendingPDT.IsZero() {
				entry.ProgramDateTime = pendingPDT
				lastPDT = pendingPDT
				durationSincePDT = 0
				if ix.FirstPDT.IsZero() {
					// First PDT tag may appear mid-playlist;
					// extrapolate it back to the playlist start
					ix.FirstPDT = pendingPDT.Add(-time.Duration(position * float64(time.Second)))
				}
			} else if !lastPDT.IsZero() {
				entry.ProgramDateTime = lastPDT.Add(time.Duration(durationSincePDT * float64(time.Second)))
			}

			if pendingDisc {
				ix.Discontinuities = append(ix.Discontinuities, DiscontinuityIndexEntry{
					FragmentIndex:   len(ix.Fragments),
					Position:        position,
					Duration:        pendingDuration,
					ProgramDateTime: entry.ProgramDateTime,
				})
			}

			position += pendingDuration
			durationSincePDT += pendingDuration
			entry.CompletionTime = position
			ix.Fragments = append(ix.Fragments, entry)

			nextSeq++
			pendingDuration = 0
			pendingPDT = time.Time{}
			pendingDisc = false
			pendingTagStart = -1
			pendingRange = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, tagExtInf):
			payload := line[len(tagExtInf):]
			if comma := strings.IndexByte(payload, ','); comma >= 0 {
				payload = payload[:comma]
			}
			d, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
			if err != nil {
				logger.Warn("Malformed EXTINF duration", logging.Fields{
					"line": line,
					"url":  url,
				})
				d = 0
			}
			pendingDuration = d
			if pendingTagStart < 0 {
				pendingTagStart = start
			}

		case strings.HasPrefix(line, tagByteRange):
			length, offset, err := parseByteRange(line[len(tagByteRange):], lastRangeEnd)
			if err != nil {
				logger.Warn("Malformed EXT-X-BYTERANGE", logging.Fields{
					"line": line,
					"url":  url,
				})
				break
			}
			pendingRange = &common.ByteRange{Offset: offset, Length: length}
			lastRangeEnd = offset + length
			if pendingTagStart < 0 {
				pendingTagStart = start
			}

		case strings.HasPrefix(line, tagTargetDuration):
			if d, err := strconv.ParseFloat(strings.TrimSpace(line[len(tagTargetDuration):]), 64); err == nil {
				ix.TargetDuration = d
			}

		case strings.HasPrefix(line, tagMediaSequence):
			if seq, err := strconv.ParseInt(strings.TrimSpace(line[len(tagMediaSequence):]), 10, 64); err == nil {
				ix.FirstMediaSequence = seq
				nextSeq = seq
				haveMediaSeq = true
			}

		case strings.HasPrefix(line, tagPlaylistType):
			switch strings.TrimSpace(line[len(tagPlaylistType):]) {
			case "VOD":
				ix.Type = PlaylistTypeVOD
			case "EVENT":
				ix.Type = PlaylistTypeEvent
			}

		case strings.HasPrefix(line, tagProgramDateTime):
			if t, ok := parsePDT(strings.TrimSpace(line[len(tagProgramDateTime):])); ok {
				pendingPDT = t
			} else {
				logger.Warn("Malformed EXT-X-PROGRAM-DATE-TIME", logging.Fields{
					"line": line,
					"url":  url,
				})
			}
			if pendingTagStart < 0 {
				pendingTagStart = start
			}

		case strings.HasPrefix(line, tagKey):
			rec := KeyTagRecord{TagStart: start, TagEnd: end}
			err := ParseAttrList(line[len(tagKey):], func(name, value string) {
				switch name {
				case "METHOD":
					rec.Method = value
				case "URI":
					rec.URI = value
				case "IV":
					if iv, err := parseHexValue(value); err == nil {
						rec.IV = iv
					}
				}
			})
			if err != nil {
				logger.Warn("Malformed EXT-X-KEY payload", logging.Fields{
					"error": err.Error(),
					"url":   url,
				})
			}
			if kt != nil && rec.IsEncrypted() {
				kt.NoteKeyTag(&rec, line)
			}
			ix.KeyTags = append(ix.KeyTags, rec)
			currentKeyIdx = len(ix.KeyTags) - 1
			if rec.MetadataHash != "" {
				currentMetaIdx = metadataIndexFor(ix, rec.MetadataHash)
			} else {
				currentMetaIdx = -1
			}
			if pendingTagStart < 0 {
				pendingTagStart = start
			}

		case strings.HasPrefix(line, tagFaxsCM):
			if kt != nil {
				hash, err := kt.StoreMetadata(strings.TrimSpace(line[len(tagFaxsCM):]))
				if err != nil {
					logger.Warn("Malformed DRM metadata payload", logging.Fields{
						"error": err.Error(),
						"url":   url,
					})
					break
				}
				metadataIndexFor(ix, hash)
			}

		case strings.HasPrefix(line, tagDeferredKey):
			if secs, err := strconv.ParseFloat(strings.TrimSpace(line[len(tagDeferredKey):]), 64); err == nil && kt != nil {
				kt.SetDeferredInterval(time.Duration(secs * float64(time.Second)))
			}

		case strings.HasPrefix(line, tagMap):
			ref := InitFragmentRef{}
			err := ParseAttrList(line[len(tagMap):], func(name, value string) {
				switch name {
				case "URI":
					ref.URI = value
				case "BYTERANGE":
					if length, offset, err := parseByteRange(value, 0); err == nil {
						ref.ByteRange = &common.ByteRange{Offset: offset, Length: length}
					}
				}
			})
			if err != nil {
				logger.Warn("Malformed EXT-X-MAP payload", logging.Fields{
					"error": err.Error(),
					"url":   url,
				})
			}
			if ref.URI != "" {
				ix.InitFragments = append(ix.InitFragments, ref)
				currentInitIdx = len(ix.InitFragments) - 1
			}

		case line == tagDiscontinuity || strings.HasPrefix(line, tagDiscontinuity+":"):
			pendingDisc = true
			if pendingTagStart < 0 {
				pendingTagStart = start
			}

		case strings.HasPrefix(line, tagEndList):
			ix.HasEndList = true
			ix.Type = PlaylistTypeVOD

		case strings.HasPrefix(line, tagStart):
			if err := ParseAttrList(line[len(tagStart):], func(name, value string) {
				if name == "TIME-OFFSET" {
					if off, err := strconv.ParseFloat(value, 64); err == nil {
						ix.StartOffset = off
						ix.HasStartOffset = true
					}
				}
			}); err != nil {
				logger.Warn("Malformed EXT-X-START payload", logging.Fields{
					"error": err.Error(),
					"url":   url,
				})
			}

		case strings.HasPrefix(line, tagHeader), strings.HasPrefix(line, tagVersion):
			// header tags carry no index state

		default:
			logger.Debug("Ignoring unrecognized playlist tag", logging.Fields{
				"tag": line,
				"url": url,
			})
		}
	}

	ix.TotalDuration = position

	if !haveMediaSeq && len(ix.Fragments) > 0 {
		// Some packagers omit EXT-X-MEDIA-SEQUENCE entirely; treat the
		// first fragment as sequence zero
		logger.Debug("Playlist missing EXT-X-MEDIA-SEQUENCE, assuming 0", logging.Fields{
			"url": url,
		})
	}

	if kt != nil {
		kt.EndScan(ix.IsLive())
	}

	culled := 0.0
	if prev != nil {
		culled = computeCulled(prev, ix, logger)
	}

	return ix, culled, nil
}

// metadataIndexFor returns the document-order index of a metadata hash,
// appending it when first seen
func metadataIndexFor(ix *PlaylistIndex, hash string) int {
	for i, h := range ix.MetadataHashes {
		if h == hash {
			return i
		}
	}
	ix.MetadataHashes = append(ix.MetadataHashes, hash)
	return len(ix.MetadataHashes) - 1
}

// computeCulled derives the seconds culled from the playlist head
// between two consecutive refreshes. PDT deltas are preferred when both
// indexes carry wall-clock time because they stay accurate under
// segment-duration drift and may legitimately go negative; the
// sequence-number fallback is clamped at zero.
func computeCulled(prev, next *PlaylistIndex, logger logging.Logger) float64 {
	if !prev.FirstPDT.IsZero() && !next.FirstPDT.IsZero() {
		return next.FirstPDT.Sub(prev.FirstPDT).Seconds()
	}

	if next.FirstMediaSequence < prev.FirstMediaSequence {
		logger.Warn("Media sequence moved backwards across refresh", logging.Fields{
			"prev_seq": prev.FirstMediaSequence,
			"next_seq": next.FirstMediaSequence,
			"url":      next.URL,
		})
		return 0
	}

	culled := 0.0
	for i := range prev.Fragments {
		if prev.Fragments[i].MediaSequence >= next.FirstMediaSequence {
			break
		}
		culled += prev.Fragments[i].Duration
	}
	return culled
}
