package cmd

import (
	"github.com/spf13/cobra"

	"github.com/RyanBlaney/hls-collector/internal/app"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage stream endpoints configuration files",
}

var endpointsInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write an example endpoints configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.GenerateExampleEndpointsConfig(args[0])
	},
}

var endpointsValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate an endpoints configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.ValidateEndpointsConfig(args[0])
	},
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
	endpointsCmd.AddCommand(endpointsInitCmd)
	endpointsCmd.AddCommand(endpointsValidateCmd)
}
