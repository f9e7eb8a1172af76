package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	envName    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "huntsman-drp",
	Short:         "Huntsman data reduction pipeline",
	Long:          "huntsman-drp ingests raw exposures, builds and archives master calibs and monitors calexp quality.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: config/<env>.yaml)")
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "Environment name (default: $ENV or local)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newCalibCmd())
	rootCmd.AddCommand(newExposuresCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newVersionCmd())
}
