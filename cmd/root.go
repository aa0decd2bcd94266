// Package cmd wires the cobra CLI: one binary serving the API, running
// workers, or issuing admin operations.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/7and1/youtube-subtitle-api/internal/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "subtitle-api",
		Short: "YouTube subtitle extraction service",
		Long: `subtitle-api extracts subtitle tracks from YouTube videos and serves
them through a three-tier cache. The same binary runs the HTTP API
(serve), the extraction workers (worker), and admin operations (admin).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults to environment variables)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newAdminCmd())
	return root
}

// loadConfig reads configuration for a subcommand run.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
