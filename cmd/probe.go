package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/output"
	"github.com/spf13/cobra"

	"github.com/RyanBlaney/hls-collector/configs"
	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
	"github.com/RyanBlaney/hls-collector/pkg/stream/hls"
)

var (
	probeTimeout  time.Duration
	probeValidate bool
)

var probeCmd = &cobra.Command{
	Use:   "probe [url]",
	Short: "Classify and inspect one playlist URL without tuning it",
	Long: `Fetch a playlist URL once and classify it as a master manifest or a
media playlist. For master manifests the variant ladder and renditions
are reported; for media playlists the fragment window, playlist type,
and DRM posture.

Examples:
  # Probe a master manifest
  hls-collector probe https://cdn.example.com/live/master.m3u8

  # Probe and structurally validate a media playlist
  hls-collector probe --validate https://cdn.example.com/live/video/playlist.m3u8`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second,
		"probe timeout")
	probeCmd.Flags().BoolVar(&probeValidate, "validate", false,
		"run structural validation on the probed playlist")
}

func runProbe(cmd *cobra.Command, args []string) error {
	url := args[0]

	config, err := configs.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	validator := hls.NewValidator(config.HLS)
	if err := validator.ValidateURL(url); err != nil {
		return fmt.Errorf("URL rejected: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	fetcher := common.NewHTTPFetcher(config.Stream.ConnectionTimeout,
		common.WithUserAgent(config.Stream.UserAgent))

	probe, err := hls.Probe(ctx, fetcher, url)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	if probeValidate {
		if probe.Manifest != nil {
			if err := validator.ValidateManifest(probe.Manifest); err != nil {
				return fmt.Errorf("manifest validation failed: %w", err)
			}
		}
		if probe.Index != nil {
			if err := validator.ValidateIndex(probe.Index); err != nil {
				return fmt.Errorf("playlist validation failed: %w", err)
			}
		}
	}

	outputData := map[string]any{
		"probe":     probeSummary(probe),
		"validated": probeValidate,
		"timestamp": time.Now(),
	}

	var formatter output.Formatter
	switch config.OutputFormat {
	case "yaml":
		formatter = &output.YAMLFormatter{}
	case "table":
		formatter = &output.TableFormatter{}
	default:
		formatter = &output.JSONFormatter{}
	}

	formatted, err := formatter.Format(outputData, true)
	if err != nil {
		return fmt.Errorf("failed to format probe result: %w", err)
	}

	_, err = os.Stdout.Write(formatted)
	return err
}

// probeSummary flattens a probe result for output, leaving the raw
// playlist text behind
func probeSummary(probe *hls.ProbeResult) map[string]any {
	summary := map[string]any{
		"url":  probe.Metadata.URL,
		"type": probe.Metadata.Type,
		"live": probe.Live,
	}

	if probe.Manifest != nil {
		variants := make([]map[string]any, 0, len(probe.Manifest.Profiles))
		for i := range probe.Manifest.Profiles {
			p := &probe.Manifest.Profiles[i]
			variants = append(variants, map[string]any{
				"bandwidth":  p.Bandwidth,
				"resolution": fmt.Sprintf("%dx%d", p.Width, p.Height),
				"codecs":     p.Codecs,
				"uri":        p.URI,
			})
		}
		summary["kind"] = "master"
		summary["variants"] = variants
		summary["iframe_variants"] = len(probe.Manifest.IframeProfiles)
		summary["renditions"] = len(probe.Manifest.Renditions)
		summary["top_bitrate_kbps"] = probe.Metadata.Bitrate
		return summary
	}

	if probe.Index != nil {
		summary["kind"] = "media"
		summary["playlist_type"] = probe.Index.Type
		summary["fragments"] = len(probe.Index.Fragments)
		summary["target_duration"] = probe.Index.TargetDuration
		summary["total_duration"] = probe.Index.TotalDuration
		summary["first_sequence"] = probe.Index.FirstMediaSequence
		summary["discontinuities"] = len(probe.Index.Discontinuities)
		summary["encrypted"] = len(probe.Index.KeyTags) > 0
		summary["drm_metadata_entries"] = len(probe.Index.MetadataHashes)
	}
	return summary
}
