package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	"github.com/RyanBlaney/latency-benchmark-common/output"
	"github.com/tunein/go-logging/v7/pkg/logger"
	"github.com/tunein/go-logging/v7/pkg/logger/logtypes"
	"github.com/tunein/go-logging/v7/pkg/rootcollector"
	"github.com/tunein/go-logging/v7/pkg/rootlogger"

	"github.com/RyanBlaney/hls-collector/configs"
	"github.com/RyanBlaney/hls-collector/pkg/stream/common"
	"github.com/RyanBlaney/hls-collector/pkg/stream/hls"
)

// Context holds the application context and configuration
type Context struct {
	// CLI arguments
	URL           string // Single stream URL (optional when an endpoints file is given)
	ConfigFile    string // Application configuration file (optional)
	EndpointsFile string // Stream endpoints configuration file
	OutputFile    string
	OutputFormat  string
	Timeout       time.Duration
	Duration      time.Duration
	Rate          float64
	Verbose       bool
	Quiet         bool

	// Runtime context
	Logger logging.Logger
	Config *configs.Config
}

// CollectorApp handles the collection application lifecycle
type CollectorApp struct {
	ctx    *Context
	config *configs.Config
	logger logging.Logger
}

// NewCollectorApp creates a new collector application
func NewCollectorApp(ctx *Context) (*CollectorApp, error) {
	logger := setupLogging(ctx)
	ctx.Logger = logger

	config, err := loadAndMergeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	ctx.Config = config

	logger.Debug("Collector application initialized", logging.Fields{
		"config_file":    ctx.ConfigFile,
		"endpoints_file": ctx.EndpointsFile,
		"output_format":  ctx.OutputFormat,
		"duration":       ctx.Duration.Seconds(),
	})

	return &CollectorApp{
		ctx:    ctx,
		config: config,
		logger: logger,
	}, nil
}

// setupLogging configures logging based on context
func setupLogging(ctx *Context) logging.Logger {
	return logging.NewDefaultLogger()
}

// StreamReport is the outcome of collecting one endpoint
type StreamReport struct {
	Name         string                  `json:"name"`
	URL          string                  `json:"url"`
	Live         bool                    `json:"live"`
	Variants     int                     `json:"variants,omitempty"`
	TuneTimeMs   int64                   `json:"tune_time_ms"`
	CollectedMs  int64                   `json:"collected_ms"`
	Tracks       map[string]*TrackReport `json:"tracks,omitempty"`
	ErrorMessage string                  `json:"error,omitempty"`
}

// CollectionSummary aggregates a whole collection run
type CollectionSummary struct {
	StartTime         time.Time                `json:"start_time"`
	EndTime           time.Time                `json:"end_time"`
	TotalDuration     float64                  `json:"total_duration_seconds"`
	SuccessfulStreams int                      `json:"successful_streams"`
	FailedStreams     int                      `json:"failed_streams"`
	Streams           map[string]*StreamReport `json:"streams"`
}

// Run executes the collection
func (app *CollectorApp) Run(ctx context.Context) error {
	endpoints, err := app.resolveEndpoints()
	if err != nil {
		return err
	}

	app.logger.Debug("Starting collection run", logging.Fields{
		"streams": len(endpoints),
	})

	summary := &CollectionSummary{
		StartTime: time.Now(),
		Streams:   make(map[string]*StreamReport),
	}

	for key, endpoint := range endpoints {
		report := app.collectStream(ctx, key, endpoint)
		summary.Streams[key] = report
		if report.ErrorMessage == "" {
			summary.SuccessfulStreams++
		} else {
			summary.FailedStreams++
		}
	}

	summary.EndTime = time.Now()
	summary.TotalDuration = summary.EndTime.Sub(summary.StartTime).Seconds()

	if err := app.outputResults(summary); err != nil {
		return fmt.Errorf("failed to output results: %w", err)
	}

	if summary.FailedStreams > 0 && summary.SuccessfulStreams == 0 {
		return fmt.Errorf("all stream collections failed")
	}
	return nil
}

// resolveEndpoints builds the endpoint set for this run from either the
// single-URL flag or the endpoints configuration file
func (app *CollectorApp) resolveEndpoints() (map[string]*StreamEndpoint, error) {
	if app.ctx.URL != "" {
		return map[string]*StreamEndpoint{
			"stream": {Name: "stream", URL: app.ctx.URL},
		}, nil
	}

	if app.ctx.EndpointsFile == "" {
		return nil, fmt.Errorf("either a stream URL or an endpoints configuration file is required")
	}

	endpointsConfig, err := loadEndpointsConfigFromFile(app.ctx.EndpointsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints configuration: %w", err)
	}
	if err := endpointsConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoints configuration: %w", err)
	}

	enabled := endpointsConfig.EnabledStreams()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("endpoints configuration has no enabled streams")
	}
	return enabled, nil
}

// collectStream tunes one endpoint, runs it for the configured
// duration, and reports what the tracks handed off
func (app *CollectorApp) collectStream(ctx context.Context, key string, endpoint *StreamEndpoint) *StreamReport {
	report := &StreamReport{
		Name: endpoint.Name,
		URL:  endpoint.URL,
	}
	if report.Name == "" {
		report.Name = key
	}

	opts := []common.HTTPFetcherOption{
		common.WithUserAgent(app.config.Stream.UserAgent),
	}
	for name, value := range app.config.Stream.Headers {
		opts = append(opts, common.WithHeader(name, value))
	}
	for name, value := range endpoint.Headers {
		opts = append(opts, common.WithHeader(name, value))
	}
	fetcher := common.NewHTTPFetcher(app.config.Stream.ConnectionTimeout, opts...)

	sink := newFragmentSink()
	stream := hls.NewStream(app.config.HLS, fetcher, sink, nil, app.logger)

	tuneTimeout := app.ctx.Timeout
	if tuneTimeout <= 0 {
		tuneTimeout = 30 * time.Second
	}
	tuneCtx, cancelTune := context.WithTimeout(ctx, tuneTimeout)
	defer cancelTune()

	tuneStart := time.Now()
	if err := stream.Init(tuneCtx, endpoint.URL); err != nil {
		report.ErrorMessage = err.Error()
		app.logger.Error(err, "Stream tune failed", logging.Fields{
			"stream": report.Name,
			"url":    endpoint.URL,
		})
		return report
	}
	report.TuneTimeMs = time.Since(tuneStart).Milliseconds()

	if manifest := stream.Manifest(); manifest != nil {
		report.Variants = len(manifest.Profiles)
	}
	if video := stream.Track(common.TrackTypeVideo); video != nil && video.Index() != nil {
		report.Live = video.Index().IsLive()
	}

	collectStart := time.Now()
	if err := stream.Start(ctx); err != nil {
		report.ErrorMessage = err.Error()
		return report
	}
	if app.ctx.Rate != 0 && app.ctx.Rate != 1.0 {
		stream.SetRate(app.ctx.Rate)
	}

	if app.ctx.Duration > 0 {
		select {
		case <-stream.Done():
		case <-time.After(app.ctx.Duration):
			stream.Stop()
		case <-ctx.Done():
			stream.Stop()
		}
	} else {
		select {
		case <-stream.Done():
		case <-ctx.Done():
			stream.Stop()
		}
	}
	<-stream.Done()

	report.CollectedMs = time.Since(collectStart).Milliseconds()
	report.Tracks = sink.Report()
	if err := stream.Err(); err != nil {
		report.ErrorMessage = err.Error()
	}

	app.logger.Debug("Stream collection finished", logging.Fields{
		"stream":       report.Name,
		"live":         report.Live,
		"collected_ms": report.CollectedMs,
		"error":        report.ErrorMessage,
	})
	return report
}

// outputResults handles all result output
func (app *CollectorApp) outputResults(summary *CollectionSummary) error {
	outputData := map[string]any{
		"collection_summary": summary,
		"timestamp":          time.Now(),
		"configuration": map[string]any{
			"duration": app.ctx.Duration.Seconds(),
			"timeout":  app.ctx.Timeout.Seconds(),
			"rate":     app.ctx.Rate,
		},
	}

	var formatter output.Formatter
	switch app.ctx.OutputFormat {
	case "json":
		formatter = &output.JSONFormatter{}
	case "yaml":
		formatter = &output.YAMLFormatter{}
	case "csv":
		formatter = &output.CSVFormatter{}
	case "table":
		formatter = &output.TableFormatter{}
	default:
		formatter = &output.JSONFormatter{}
	}

	formattedData, err := formatter.Format(outputData, true)
	if err != nil {
		return fmt.Errorf("failed to format output data: %w", err)
	}

	app.collectStreamMetrics(summary)

	if app.ctx.OutputFile != "" {
		return app.writeToFile(formattedData)
	}
	if app.ctx.Quiet {
		return nil
	}

	_, err = os.Stdout.Write(formattedData)
	return err
}

// collectStreamMetrics sends collection metrics to rootcollector
func (app *CollectorApp) collectStreamMetrics(summary *CollectionSummary) {
	if summary == nil || len(summary.Streams) == 0 {
		return
	}

	err := rootlogger.Configure(logger.LogOptions{
		Out:          "/tmp/hls-collector.log",
		ReopenSignal: syscall.SIGHUP,
		Level:        logtypes.InfoLevel,
	})
	if err != nil {
		logging.Error(err, "Failed configuring log writer")
	}

	for name, report := range summary.Streams {
		baseTags := []string{
			"stream:" + name,
			"live:" + strconv.FormatBool(report.Live),
		}
		if report.ErrorMessage != "" {
			baseTags = append(baseTags, "status:failed")
		} else {
			baseTags = append(baseTags, "status:ok")
		}

		if report.TuneTimeMs > 0 {
			rootcollector.Metric("streaming.hls.tune.milliseconds", report.TuneTimeMs, baseTags)
		}
		if report.CollectedMs > 0 {
			rootcollector.Metric("streaming.hls.collection.milliseconds", report.CollectedMs, baseTags)
		}

		for trackName, track := range report.Tracks {
			tags := append(baseTags, "track:"+trackName)
			rootcollector.Metric("streaming.hls.fragments.count", int64(track.Fragments), tags)
			rootcollector.Metric("streaming.hls.bytes.total", track.Bytes, tags)
			rootcollector.Metric("streaming.hls.media.milliseconds", int64(track.MediaSeconds*1000), tags)
		}
	}
}

// writeToFile writes data to the specified output file
func (app *CollectorApp) writeToFile(data []byte) error {
	dir := filepath.Dir(app.ctx.OutputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := os.WriteFile(app.ctx.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}

	app.logger.Debug("Results written to file", logging.Fields{
		"output_file": app.ctx.OutputFile,
		"size_bytes":  len(data),
	})
	return nil
}
