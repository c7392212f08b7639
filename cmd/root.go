package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/RyanBlaney/hls-collector/configs"
)

var (
	configFile   string
	verbose      bool
	logLevel     string
	outputFormat string
	configDir    string
	dataDir      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hls-collector",
	Short: "HLS playlist collector and stream state machine",
	Long: `A collector for HTTP Live Streaming playlists. It tunes a master
manifest or media playlist, tracks the live playlist window across
refreshes, selects variants against bandwidth and display constraints,
keeps audio, video, and subtitle tracks time-aligned, and hands the
fetched fragments to a pluggable media processor.

Key features:
- Master manifest parsing and variant selection
- Live playlist refresh with culling and discontinuity tracking
- Cross-track synchronization by program date or media sequence
- DRM key lifecycle with deferred acquisition windows
- Trickplay rate control for I-frame playlists`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeConfig(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "",
		"config directory (default is $HOME/.config/hls-collector)")

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default is $HOME/.config/hls-collector/hls-collector.yaml)")

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"data directory (default is $HOME/.local/share/hls-collector)")

	// Output and logging flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json",
		"output format (json, table, csv, yaml)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("output_format", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("config_dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if configFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(configFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory and /etc
		viper.AddConfigPath(home)
		viper.AddConfigPath(filepath.Join(home, ".config", "hls-collector"))
		viper.AddConfigPath("/etc/hls-collector")
		viper.AddConfigPath("./configs")
		viper.SetConfigName("hls-collector")
		viper.SetConfigType("yaml")
	}

	// Environment variable support
	viper.SetEnvPrefix("HLS_COLLECTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// Set default values
	configs.SetDefaults(viper.GetViper())

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

// initializeConfig initializes configuration after flags are parsed
func initializeConfig(cmd *cobra.Command) error {
	// Bind all flags to viper
	return bindFlags(cmd, viper.GetViper())
}

// bindFlags binds each cobra flag to its associated viper configuration
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var lastErr error

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		// Environment variable name
		envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				lastErr = err
			}
		}

		// Bind the flag to viper
		if err := v.BindPFlag(f.Name, f); err != nil {
			lastErr = err
		}

		// Bind to environment variable
		if err := v.BindEnv(f.Name, "HLS_COLLECTOR_"+envVarSuffix); err != nil {
			lastErr = err
		}
	})

	return lastErr
}

// GetConfig returns the current viper instance
func GetConfig() *viper.Viper {
	return viper.GetViper()
}
