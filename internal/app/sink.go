package app

import (
	"context"
	"sync"

	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
)

// TrackReport accumulates per-track collection counters
type TrackReport struct {
	Fragments       int     `json:"fragments"`
	InitFragments   int     `json:"init_fragments,omitempty"`
	Bytes           int64   `json:"bytes"`
	MediaSeconds    float64 `json:"media_seconds"`
	Discontinuities int     `json:"discontinuities,omitempty"`
	LastPosition    float64 `json:"last_position"`
}

// fragmentSink is the media processor used on collection runs. It
// counts what each track hands off without retaining payloads.
type fragmentSink struct {
	mu     sync.Mutex
	tracks map[common.TrackType]*TrackReport
}

func newFragmentSink() *fragmentSink {
	return &fragmentSink{
		tracks: make(map[common.TrackType]*TrackReport),
	}
}

// Accept implements common.MediaProcessor
func (s *fragmentSink) Accept(ctx context.Context, frag *common.Fragment) (common.InjectStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := s.tracks[frag.Track]
	if report == nil {
		report = &TrackReport{}
		s.tracks[frag.Track] = report
	}

	report.Bytes += int64(len(frag.Data))
	if frag.IsInit {
		report.InitFragments++
		return common.InjectAccepted, nil
	}

	report.Fragments++
	report.MediaSeconds += frag.Duration
	report.LastPosition = frag.Position
	if frag.Discontinuous {
		report.Discontinuities++
	}
	return common.InjectAccepted, nil
}

// Report snapshots the counters keyed by track name
func (s *fragmentSink) Report() map[string]*TrackReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*TrackReport, len(s.tracks))
	for trackType, report := range s.tracks {
		copied := *report
		out[string(trackType)] = &copied
	}
	return out
}
