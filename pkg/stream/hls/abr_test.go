package hls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest(t *testing.T) *MainManifest {
	t.Helper()
	m, err := ParseMainManifest(TestMainManifest, "https://cdn.example.com/master.m3u8", nil)
	require.NoError(t, err)
	return m
}

func TestSelectInitialVideoWithinBandwidth(t *testing.T) {
	cfg := DefaultConfig().ABR
	s := NewProfileSelector(cfg, testManifest(t), nil)
	s.UpdateBandwidth(3_000_000)

	p, err := s.SelectInitialVideo("aac")
	require.NoError(t, err)
	assert.Equal(t, int64(2560000), p.Bandwidth, "highest profile at or below measured bandwidth")
	assert.Same(t, p, s.Current())
}

func TestSelectInitialVideoLowBandwidthFallsToLowest(t *testing.T) {
	s := NewProfileSelector(DefaultConfig().ABR, testManifest(t), nil)
	s.UpdateBandwidth(100_000)

	p, err := s.SelectInitialVideo("aac")
	require.NoError(t, err)
	assert.Equal(t, int64(1280000), p.Bandwidth)
}

func TestSelectInitialVideoRespectsBitrateRange(t *testing.T) {
	cfg := DefaultConfig().ABR
	cfg.MaxBitrate = 2_000_000
	s := NewProfileSelector(cfg, testManifest(t), nil)
	s.UpdateBandwidth(10_000_000)

	p, err := s.SelectInitialVideo("aac")
	require.NoError(t, err)
	assert.Equal(t, int64(1280000), p.Bandwidth)
}

func TestSelectInitialVideoRespectsResolutionCap(t *testing.T) {
	cfg := DefaultConfig().ABR
	cfg.MaxDisplayHeight = 720
	s := NewProfileSelector(cfg, testManifest(t), nil)
	s.UpdateBandwidth(10_000_000)

	p, err := s.SelectInitialVideo("aac")
	require.NoError(t, err)
	assert.Equal(t, 720, p.Height)
}

func TestSelectInitialVideoRelaxesImpossibleConstraints(t *testing.T) {
	// a bitrate range nothing satisfies must relax instead of failing
	cfg := DefaultConfig().ABR
	cfg.MinBitrate = 50_000_000
	cfg.MaxBitrate = 60_000_000
	s := NewProfileSelector(cfg, testManifest(t), nil)

	p, err := s.SelectInitialVideo("aac")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestSelectInitialVideoRelaxesAudioGroup(t *testing.T) {
	s := NewProfileSelector(DefaultConfig().ABR, testManifest(t), nil)

	p, err := s.SelectInitialVideo("no-such-group")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestSelectInitialVideoAllCodecsDisabled(t *testing.T) {
	cfg := DefaultConfig().ABR
	cfg.DisabledCodecs = []string{"avc1"}
	s := NewProfileSelector(cfg, testManifest(t), nil)

	_, err := s.SelectInitialVideo("aac")
	assert.Error(t, err)
}

func TestRampDownTerminates(t *testing.T) {
	s := NewProfileSelector(DefaultConfig().ABR, testManifest(t), nil)
	s.UpdateBandwidth(10_000_000)

	p, err := s.SelectInitialVideo("aac")
	require.NoError(t, err)
	assert.Equal(t, int64(5000000), p.Bandwidth)

	steps := 0
	for {
		lower, ok := s.RampDown()
		if !ok {
			break
		}
		assert.Less(t, lower.Bandwidth, p.Bandwidth)
		p = lower
		steps++
		require.LessOrEqual(t, steps, 3, "rampdown must terminate")
	}
	assert.Equal(t, 2, steps)
	assert.Equal(t, int64(1280000), s.Current().Bandwidth)
}

func TestRampDownLimitResetsOnSuccess(t *testing.T) {
	cfg := DefaultConfig().ABR
	cfg.RampdownLimit = 1
	s := NewProfileSelector(cfg, testManifest(t), nil)
	s.UpdateBandwidth(10_000_000)
	_, err := s.SelectInitialVideo("aac")
	require.NoError(t, err)

	_, ok := s.RampDown()
	require.True(t, ok)
	_, ok = s.RampDown()
	assert.False(t, ok, "budget of one is spent")

	s.ResetRampdown()
	_, ok = s.RampDown()
	assert.True(t, ok, "a successful fetch restores the budget")
}

func TestIframeProfile(t *testing.T) {
	s := NewProfileSelector(DefaultConfig().ABR, testManifest(t), nil)
	p := s.IframeProfile()
	require.NotNil(t, p)
	assert.True(t, p.IsIframe)
	assert.Equal(t, "iframe/480p.m3u8", p.URI)
}

func TestSelectAudioTrackLanguageDominates(t *testing.T) {
	cfg := DefaultConfig().ABR
	cfg.PreferredLanguages = []string{"fr"}
	m := testManifest(t)
	s := NewProfileSelector(cfg, m, nil)

	best, score := s.SelectAudioTrack(m.AudioRenditions())
	require.NotNil(t, best)
	assert.Equal(t, "fr", best.Language,
		"language match must beat the English rendition's default bonus")
	assert.GreaterOrEqual(t, score, scoreLanguageWeight)
}

func TestSelectAudioTrackTieBreakers(t *testing.T) {
	m := testManifest(t)
	s := NewProfileSelector(DefaultConfig().ABR, m, nil)

	best, _ := s.SelectAudioTrack(m.AudioRenditions())
	require.NotNil(t, best)
	assert.Equal(t, "en", best.Language)
	assert.True(t, best.Default)
}

func TestSelectAudioTrackPreferredRendition(t *testing.T) {
	cfg := DefaultConfig().ABR
	cfg.PreferredLanguages = nil
	cfg.PreferredRendition = "Français"
	m := testManifest(t)
	s := NewProfileSelector(cfg, m, nil)

	best, _ := s.SelectAudioTrack(m.AudioRenditions())
	require.NotNil(t, best)
	assert.Equal(t, "Français", best.Name)
}

func TestSelectAudioTrackEmpty(t *testing.T) {
	s := NewProfileSelector(DefaultConfig().ABR, testManifest(t), nil)
	best, _ := s.SelectAudioTrack(nil)
	assert.Nil(t, best)
}
