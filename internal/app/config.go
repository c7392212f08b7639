package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RyanBlaney/hls-collector/configs"
)

// EndpointsConfig describes the set of streams one collection run covers
type EndpointsConfig struct {
	Version     string                     `yaml:"version" json:"version"`
	Environment string                     `yaml:"environment" json:"environment"`
	UpdatedAt   time.Time                  `yaml:"updated_at" json:"updated_at"`
	Description string                     `yaml:"description" json:"description"`
	Streams     map[string]*StreamEndpoint `yaml:"streams" json:"streams"`
}

// StreamEndpoint contains one stream endpoint configuration
type StreamEndpoint struct {
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Enabled *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled flag as true
func (e *StreamEndpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Validate checks the endpoints configuration for structural problems
func (c *EndpointsConfig) Validate() error {
	if len(c.Streams) == 0 {
		return fmt.Errorf("endpoints configuration declares no streams")
	}
	for key, endpoint := range c.Streams {
		if endpoint == nil || endpoint.URL == "" {
			return fmt.Errorf("stream %q is missing a URL", key)
		}
	}
	return nil
}

// EnabledStreams returns the endpoints a run should actually collect,
// keyed by their configuration name
func (c *EndpointsConfig) EnabledStreams() map[string]*StreamEndpoint {
	enabled := make(map[string]*StreamEndpoint)
	for key, endpoint := range c.Streams {
		if endpoint != nil && endpoint.IsEnabled() {
			enabled[key] = endpoint
		}
	}
	return enabled
}

// loadEndpointsConfigFromFile loads the stream endpoints configuration
// from a YAML or JSON file
func loadEndpointsConfigFromFile(filePath string) (*EndpointsConfig, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("endpoints configuration file does not exist: %s", filePath)
	}

	ext := filepath.Ext(filePath)
	switch ext {
	case ".yaml", ".yml":
		return loadEndpointsConfigFromYAML(filePath)
	case ".json":
		return loadEndpointsConfigFromJSON(filePath)
	default:
		// Try YAML first, then JSON
		if cfg, err := loadEndpointsConfigFromYAML(filePath); err == nil {
			return cfg, nil
		}
		return loadEndpointsConfigFromJSON(filePath)
	}
}

// loadEndpointsConfigFromYAML loads endpoints config from a YAML file
func loadEndpointsConfigFromYAML(filePath string) (*EndpointsConfig, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open YAML endpoints config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read YAML endpoints config file: %w", err)
	}

	var config EndpointsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML endpoints config: %w", err)
	}

	return &config, nil
}

// loadEndpointsConfigFromJSON loads endpoints config from a JSON file
func loadEndpointsConfigFromJSON(filePath string) (*EndpointsConfig, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON endpoints config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON endpoints config file: %w", err)
	}

	var config EndpointsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse JSON endpoints config: %w", err)
	}

	return &config, nil
}

// GenerateExampleEndpointsConfig writes an example endpoints
// configuration file
func GenerateExampleEndpointsConfig(outputFile string) error {
	exampleConfig := &EndpointsConfig{
		Version:     "1.0",
		Environment: "example",
		UpdatedAt:   time.Now(),
		Description: "Example stream endpoints configuration",
		Streams: map[string]*StreamEndpoint{
			"news_live": {
				Name: "News Live",
				URL:  "https://cdn.example.com/news/master.m3u8",
			},
			"sports_live": {
				Name: "Sports Live",
				URL:  "https://cdn.example.com/sports/master.m3u8",
				Headers: map[string]string{
					"X-Edge": "primary",
				},
			},
		},
	}

	data, err := yaml.Marshal(exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal example endpoints config: %w", err)
	}

	dir := filepath.Dir(outputFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write endpoints config file: %w", err)
	}

	fmt.Printf("Example endpoints configuration written to: %s\n", outputFile)
	return nil
}

// ValidateEndpointsConfig validates an endpoints configuration file
func ValidateEndpointsConfig(configFile string) error {
	config, err := loadEndpointsConfigFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load endpoints config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("endpoints configuration validation failed: %w", err)
	}

	fmt.Printf("Endpoints configuration is valid: %s\n", configFile)
	fmt.Printf("   - %d enabled streams found\n", len(config.EnabledStreams()))
	fmt.Printf("   - Environment: %s\n", config.Environment)
	fmt.Printf("   - Version: %s\n", config.Version)

	return nil
}

// loadAndMergeConfig loads the application configuration and applies
// CLI overrides from the context
func loadAndMergeConfig(ctx *Context) (*configs.Config, error) {
	config, err := configs.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load base configuration: %w", err)
	}

	if ctx.Verbose {
		config.Verbose = true
	}
	if ctx.OutputFormat != "" {
		config.OutputFormat = ctx.OutputFormat
	}
	if ctx.Timeout > 0 {
		config.Stream.ConnectionTimeout = ctx.Timeout
	}

	if err := configs.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}
