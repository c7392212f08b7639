package hls

import (
	"context"
	"math"

	"github.com/RyanBlaney/latency-benchmark-common/logging"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// Synchronizer aligns independently indexed tracks at tune time and
// again whenever a track crosses a discontinuity boundary. It only ever
// advances a lagging track's play target; media that was already
// injected is never pulled back.
type Synchronizer struct {
	cfg    *SyncConfig
	logger logging.Logger
}

// NewSynchronizer creates a synchronizer with the given tolerances
func NewSynchronizer(cfg *SyncConfig, logger logging.Logger) *Synchronizer {
	if cfg == nil {
		cfg = DefaultConfig().Sync
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Synchronizer{
		cfg: cfg,
		logger: logger.WithFields(logging.Fields{
			"component": "synchronizer",
		}),
	}
}

// SyncAtTune aligns the audio and video tracks once both have a first
// index. Wall-clock alignment is preferred when both playlists carry
// program-date-time; otherwise sequence numbers decide. Corrections up
// to half a fragment duration are noise and skipped.
func (s *Synchronizer) SyncAtTune(video, audio *Track) error {
	vix := video.Index()
	aix := audio.Index()
	if vix == nil || aix == nil {
		return common.NewStreamError(common.StreamTypeHLS, "",
			common.ErrCodeTracksSync, "tracks not indexed before synchronization", nil)
	}

	if !vix.FirstPDT.IsZero() && !aix.FirstPDT.IsZero() {
		return s.syncByPDT(video, audio, vix, aix)
	}
	return s.syncBySequence(video, audio, vix, aix)
}

// syncByPDT advances whichever track's playlist starts earlier in wall
// clock. Large corrections are applied without sequence validation; the
// original treats PDT/sequence disagreement as a data-quality signal,
// not a hard error, so it is logged and trusted.
func (s *Synchronizer) syncByPDT(video, audio *Track, vix, aix *PlaylistIndex) error {
	diff := aix.FirstPDT.Sub(vix.FirstPDT).Seconds()

	lagging, laggingIx := video, vix
	correction := diff
	if diff < 0 {
		lagging, laggingIx = audio, aix
		correction = -diff
	}

	fragDur := fragmentDurationOf(laggingIx)
	if correction <= fragDur/2 {
		s.logger.Debug("Tracks within half a fragment, no correction", logging.Fields{
			"pdt_diff": diff,
		})
		return nil
	}

	if lagging.PlayTarget()+correction > laggingIx.TotalDuration {
		return common.NewStreamError(common.StreamTypeHLS, laggingIx.URL,
			common.ErrCodeTracksSync, "wall-clock correction exceeds track duration", nil)
	}

	s.logger.Warn("Applying wall-clock correction without sequence validation", logging.Fields{
		"track":      string(lagging.Type),
		"correction": correction,
	})
	lagging.AdvancePlayTarget(correction)
	return nil
}

// syncBySequence steps the lagging track forward one fragment duration
// per unit of sequence delta, bounded by the configured maximum lag
func (s *Synchronizer) syncBySequence(video, audio *Track, vix, aix *PlaylistIndex) error {
	diff := aix.FirstMediaSequence - vix.FirstMediaSequence

	lagging, laggingIx := video, vix
	units := diff
	if diff < 0 {
		lagging, laggingIx = audio, aix
		units = -diff
	}
	if units == 0 {
		return nil
	}

	if units > s.cfg.MaxSequenceLag {
		return common.NewStreamError(common.StreamTypeHLS, laggingIx.URL,
			common.ErrCodeTracksSync, "sequence lag exceeds configured maximum", nil)
	}

	fragDur := fragmentDurationOf(laggingIx)
	correction := float64(units) * fragDur
	s.logger.Debug("Sequence-number alignment", logging.Fields{
		"track":      string(lagging.Type),
		"seq_delta":  units,
		"correction": correction,
	})
	lagging.AdvancePlayTarget(correction)
	return nil
}

// SyncAuxiliary catches a subtitle or auxiliary-audio track up to the
// audio track. The auxiliary track only ever moves forward; audio is
// never adjusted toward it.
func (s *Synchronizer) SyncAuxiliary(aux, audio *Track) {
	target := audio.PlayTarget()
	if target > aux.PlayTarget() {
		aux.SetPlayTarget(target)
		s.logger.Debug("Auxiliary track advanced to audio position", logging.Fields{
			"track":  string(aux.Type),
			"target": target,
		})
	}
}

// PairDiscontinuity locates the other track's discontinuity matching
// the candidate at position pos. A positional match within three target
// durations pairs, as does a wall-clock match within one target
// duration. When no match exists yet the call blocks for a bounded
// number of refresh waits, because a live discontinuity can surface in
// one track's playlist slightly before the other's.
func (s *Synchronizer) PairDiscontinuity(ctx context.Context, disc *DiscontinuityIndexEntry, other *Track, targetDuration float64) (*DiscontinuityIndexEntry, bool) {
	for iter := 0; ; iter++ {
		if match := s.findMatch(disc, other.Index(), targetDuration); match != nil {
			return match, true
		}
		if iter >= s.cfg.DiscontinuityWaitIterations {
			s.logger.Warn("No matching discontinuity after bounded wait", logging.Fields{
				"position": disc.Position,
				"track":    string(other.Type),
				"waited":   iter,
			})
			return nil, false
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscontinuityWaitInterval)
		err := other.WaitForIndex(waitCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return nil, false
		}
		if err == errCacheAborted {
			return nil, false
		}
	}
}

func (s *Synchronizer) findMatch(disc *DiscontinuityIndexEntry, ix *PlaylistIndex, targetDuration float64) *DiscontinuityIndexEntry {
	if ix == nil {
		return nil
	}
	posTolerance := 3 * targetDuration
	for i := range ix.Discontinuities {
		cand := &ix.Discontinuities[i]
		if !disc.ProgramDateTime.IsZero() && !cand.ProgramDateTime.IsZero() {
			if math.Abs(cand.ProgramDateTime.Sub(disc.ProgramDateTime).Seconds()) <= targetDuration {
				return cand
			}
			continue
		}
		if math.Abs(cand.Position-disc.Position) <= posTolerance {
			return cand
		}
	}
	return nil
}

// fragmentDurationOf derives a representative fragment duration for
// alignment stepping
func fragmentDurationOf(ix *PlaylistIndex) float64 {
	if len(ix.Fragments) > 0 && ix.Fragments[0].Duration > 0 {
		return ix.Fragments[0].Duration
	}
	if ix.TargetDuration > 0 {
		return ix.TargetDuration
	}
	return 2.0
}
