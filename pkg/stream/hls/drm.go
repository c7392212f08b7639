package hls

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// KeyLifecycleState tracks one metadata entry through the key lifecycle
type KeyLifecycleState int

const (
	KeyStateNoKey KeyLifecycleState = iota
	KeyStateTagSeen
	KeyStateMetadataStored
	KeyStateImmediateRequest
	KeyStateDeferredRequest
	KeyStateAcquired
)

func (s KeyLifecycleState) String() string {
	switch s {
	case KeyStateNoKey:
		return "no_key"
	case KeyStateTagSeen:
		return "key_tag_seen"
	case KeyStateMetadataStored:
		return "metadata_stored"
	case KeyStateImmediateRequest:
		return "immediate_request"
	case KeyStateDeferredRequest:
		return "deferred_request"
	case KeyStateAcquired:
		return "key_acquired"
	}
	return "unknown"
}

// DrmMetadataEntry is one deduplicated content-metadata record. Distinct
// playlist occurrences may alias to the same hash on multi-key streams,
// deduplication is by hash, never by playlist position.
type DrmMetadataEntry struct {
	Blob             []byte
	Hash             string
	DeferredInterval time.Duration
	// Deadline is the computed acquisition time for deferred entries
	Deadline time.Time
	State    KeyLifecycleState

	session  common.DecryptSession
	seenScan uint64
	keyedScan uint64
}

// KeyTracker owns the DRM key lifecycle for one track. All playlist-scan
// callbacks run under the indexer's track lock; session resolution takes
// the tracker's own lock so a slow key acquisition cannot stall an
// unrelated playlist refresh.
type KeyTracker struct {
	mu       sync.Mutex
	cfg      *DRMConfig
	sessions common.DecryptSessionManager
	logger   logging.Logger
	rng      *rand.Rand

	entries map[string]*DrmMetadataEntry

	scanSeq          uint64
	scanStart        time.Time
	deferredInterval time.Duration
	lastHash         string
}

// NewKeyTracker creates a tracker bound to a decrypt-session manager
func NewKeyTracker(cfg *DRMConfig, sessions common.DecryptSessionManager, logger logging.Logger) *KeyTracker {
	if cfg == nil {
		cfg = DefaultConfig().DRM
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &KeyTracker{
		cfg:      cfg,
		sessions: sessions,
		logger: logger.WithFields(logging.Fields{
			"component": "key_tracker",
		}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(map[string]*DrmMetadataEntry),
	}
}

// HashMetadata computes the content hash used to deduplicate metadata
func HashMetadata(blob []byte) string {
	sum := sha1.Sum(blob)
	return hex.EncodeToString(sum[:])
}

// BeginScan marks the start of one playlist indexing pass
func (kt *KeyTracker) BeginScan(now time.Time) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	kt.scanSeq++
	kt.scanStart = now
	kt.lastHash = ""
}

// StoreMetadata records one metadata blob encountered during the scan.
// The blob arrives base64-encoded from the tag payload. Re-seeing a
// known hash is a no-op beyond marking the entry live for this scan.
func (kt *KeyTracker) StoreMetadata(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}

	kt.mu.Lock()
	defer kt.mu.Unlock()

	hash := HashMetadata(blob)
	entry, ok := kt.entries[hash]
	if !ok {
		entry = &DrmMetadataEntry{
			Blob:             blob,
			Hash:             hash,
			DeferredInterval: kt.deferredInterval,
			State:            KeyStateMetadataStored,
		}
		kt.entries[hash] = entry
		kt.logger.Debug("Stored new DRM metadata", logging.Fields{
			"hash":       hash,
			"blob_bytes": len(blob),
		})
	}
	entry.seenScan = kt.scanSeq
	kt.lastHash = hash
	return hash, nil
}

// SetDeferredInterval records the stream-declared deferred key interval
func (kt *KeyTracker) SetDeferredInterval(d time.Duration) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	kt.deferredInterval = d
}

// NoteKeyTag binds a key tag to the metadata it covers and returns the
// metadata hash the tag resolves to. A key tag inherits the most recent
// metadata entry in document order; a tag with no preceding metadata
// hashes its own content instead so clear AES-128 streams still get a
// stable key identity.
func (kt *KeyTracker) NoteKeyTag(rec *KeyTagRecord, tagText string) string {
	kt.mu.Lock()
	defer kt.mu.Unlock()

	hash := kt.lastHash
	if hash == "" {
		hash = HashMetadata([]byte(tagText))
		if _, ok := kt.entries[hash]; !ok {
			kt.entries[hash] = &DrmMetadataEntry{
				Blob:  []byte(tagText),
				Hash:  hash,
				State: KeyStateTagSeen,
			}
		}
		kt.entries[hash].seenScan = kt.scanSeq
	}

	entry := kt.entries[hash]
	entry.keyedScan = kt.scanSeq
	if entry.State == KeyStateMetadataStored || entry.State == KeyStateTagSeen {
		entry.State = KeyStateImmediateRequest
	}
	rec.MetadataHash = hash
	return hash
}

// EndScan completes one indexing pass: schedules deferred acquisition
// for metadata with no matching key tag and evicts entries that
// disappeared from a live playlist. Eviction happens only here, never
// mid-scan, to avoid racing a concurrent consumer on the same index.
// live reports whether the just-indexed playlist still refreshes.
func (kt *KeyTracker) EndScan(live bool) {
	kt.mu.Lock()
	defer kt.mu.Unlock()

	var pending []*DrmMetadataEntry
	for hash, entry := range kt.entries {
		if live && entry.seenScan != kt.scanSeq {
			if entry.session != nil {
				entry.session.Release()
			}
			delete(kt.entries, hash)
			kt.logger.Debug("Evicted stale DRM metadata", logging.Fields{
				"hash": hash,
			})
			continue
		}
		if entry.State == KeyStateMetadataStored && entry.keyedScan != kt.scanSeq {
			pending = append(pending, entry)
		}
	}

	if len(pending) == 0 {
		return
	}

	// Randomize acquisition deadlines so many keys appearing in one
	// refresh do not stampede the license server. Past two pending
	// entries the individual windows collapse to a short shared delay.
	window := time.Duration(kt.cfg.MaxDeferSeconds) * time.Second
	if len(pending) > 2 {
		window = time.Duration(kt.cfg.SharedDeferSeconds) * time.Second
	}
	for _, entry := range pending {
		w := window
		if entry.DeferredInterval > 0 && entry.DeferredInterval < w {
			w = entry.DeferredInterval
		}
		// The deadline lands strictly inside (start, start+w); a window
		// at or under a millisecond degenerates to its midpoint
		offset := w / 2
		if span := int64(w - time.Millisecond); span > 0 {
			offset = time.Duration(kt.rng.Int63n(span)) + time.Millisecond
		}
		entry.Deadline = kt.scanStart.Add(offset)
		entry.State = KeyStateDeferredRequest
		kt.logger.Debug("Deferred key acquisition scheduled", logging.Fields{
			"hash":     entry.Hash,
			"deadline": entry.Deadline,
		})
	}
}

// Entry returns the metadata entry for a hash, or nil
func (kt *KeyTracker) Entry(hash string) *DrmMetadataEntry {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.entries[hash]
}

// AcquireDue resolves sessions for deferred entries whose deadline has
// passed. Called opportunistically from the fetch loop between
// fragments.
func (kt *KeyTracker) AcquireDue(ctx context.Context, now time.Time) {
	kt.mu.Lock()
	var due []*DrmMetadataEntry
	for _, entry := range kt.entries {
		if entry.State == KeyStateDeferredRequest && now.After(entry.Deadline) {
			due = append(due, entry)
		}
	}
	kt.mu.Unlock()

	for _, entry := range due {
		if _, err := kt.resolve(ctx, entry, nil); err != nil {
			kt.logger.Warn("Deferred key acquisition failed", logging.Fields{
				"hash":  entry.Hash,
				"error": err.Error(),
			})
		}
	}
}

// ResolveContext returns a decrypt session for the key tag in effect.
// The fetch loop calls this whenever a fragment's key-tag index differs
// from the previous fragment served, forcing the decrypt context to be
// rebuilt before the next decrypt call.
func (kt *KeyTracker) ResolveContext(ctx context.Context, rec *KeyTagRecord) (common.DecryptSession, error) {
	kt.mu.Lock()
	entry := kt.entries[rec.MetadataHash]
	kt.mu.Unlock()
	if entry == nil {
		return nil, common.NewStreamError(common.StreamTypeHLS, rec.URI,
			common.ErrCodeDecrypt, "no DRM metadata for key tag", nil)
	}
	return kt.resolve(ctx, entry, rec)
}

func (kt *KeyTracker) resolve(ctx context.Context, entry *DrmMetadataEntry, rec *KeyTagRecord) (common.DecryptSession, error) {
	kt.mu.Lock()
	if entry.State == KeyStateAcquired && entry.session != nil {
		session := entry.session
		kt.mu.Unlock()
		return session, nil
	}
	kt.mu.Unlock()

	if kt.sessions == nil {
		return nil, common.NewStreamError(common.StreamTypeHLS, "",
			common.ErrCodeDecrypt, "no decrypt session manager configured", nil)
	}

	info := common.DrmInfo{
		Metadata:     entry.Blob,
		MetadataHash: entry.Hash,
	}
	if rec != nil {
		info.Method = rec.Method
		info.KeyURI = rec.URI
		info.IV = rec.IV
	}

	resolveCtx, cancel := context.WithTimeout(ctx, kt.cfg.KeyAcquireTimeout)
	defer cancel()

	session, err := kt.sessions.ResolveSession(resolveCtx, info)
	if err != nil {
		code := common.ErrCodeDecrypt
		if resolveCtx.Err() == context.DeadlineExceeded {
			code = common.ErrCodeKeyTimeout
		}
		return nil, common.NewStreamError(common.StreamTypeHLS, info.KeyURI,
			code, "key acquisition failed", err)
	}

	kt.mu.Lock()
	entry.session = session
	entry.State = KeyStateAcquired
	kt.mu.Unlock()

	kt.logger.Debug("Decrypt session resolved", logging.Fields{
		"hash": entry.Hash,
	})
	return session, nil
}

// Abort wakes every blocked key acquisition and releases held sessions
func (kt *KeyTracker) Abort() {
	if kt.sessions != nil {
		kt.sessions.AbortWaiters()
	}
	kt.mu.Lock()
	defer kt.mu.Unlock()
	for _, entry := range kt.entries {
		if entry.session != nil {
			entry.session.Release()
			entry.session = nil
		}
		if entry.State == KeyStateAcquired {
			entry.State = KeyStateMetadataStored
		}
	}
}
