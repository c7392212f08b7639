package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RyanBlaney/hls-collector/internal/app"
)

var (
	collectEndpointsFile string
	collectOutputFile    string
	collectTimeout       time.Duration
	collectDuration      time.Duration
	collectRate          float64
	collectQuiet         bool
)

var collectCmd = &cobra.Command{
	Use:   "collect [url]",
	Short: "Tune one or more HLS streams and collect their fragments",
	Long: `Tune an HLS stream, run its track fetch loops for the configured
duration, and report what each track handed off.

With a URL argument a single stream is collected. Without one, an
endpoints configuration file supplies the set of streams.

Examples:
  # Collect a single live stream for one minute
  hls-collector collect --duration 1m https://cdn.example.com/live/master.m3u8

  # Collect every enabled endpoint from a configuration file
  hls-collector collect --endpoints endpoints.yaml --duration 30s

  # Run a VOD stream to completion at double rate
  hls-collector collect --duration 0 --rate 2.0 https://cdn.example.com/vod/master.m3u8`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringVar(&collectEndpointsFile, "endpoints", "",
		"stream endpoints configuration file (yaml or json)")
	collectCmd.Flags().StringVar(&collectOutputFile, "output-file", "",
		"write results to file instead of stdout")
	collectCmd.Flags().DurationVar(&collectTimeout, "timeout", 30*time.Second,
		"tune timeout per stream")
	collectCmd.Flags().DurationVar(&collectDuration, "duration", 30*time.Second,
		"collection duration per stream (0 runs VOD streams to completion)")
	collectCmd.Flags().Float64Var(&collectRate, "rate", 1.0,
		"playback rate (non-1x rates use the I-frame trickplay path)")
	collectCmd.Flags().BoolVarP(&collectQuiet, "quiet", "q", false,
		"suppress stdout results")
}

func runCollect(cmd *cobra.Command, args []string) error {
	url := ""
	if len(args) == 1 {
		url = args[0]
	}
	if url == "" && collectEndpointsFile == "" {
		return fmt.Errorf("either a stream URL or --endpoints is required")
	}

	appCtx := &app.Context{
		URL:           url,
		ConfigFile:    configFile,
		EndpointsFile: collectEndpointsFile,
		OutputFile:    collectOutputFile,
		OutputFormat:  viper.GetString("output_format"),
		Timeout:       collectTimeout,
		Duration:      collectDuration,
		Rate:          collectRate,
		Verbose:       viper.GetBool("verbose"),
		Quiet:         collectQuiet,
	}

	collector, err := app.NewCollectorApp(appCtx)
	if err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return collector.Run(ctx)
}
