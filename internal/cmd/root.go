// Package cmd implements the ebus command line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/veldtlabs/ebus/internal/config"
	"github.com/veldtlabs/ebus/internal/runtime"
)

var (
	flagData     string
	flagConfig   string
	flagFsync    string
	flagLogLevel string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ebus",
		Short:         "ebus is an embedded partitioned event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagData, "data", "", "data directory (overrides config)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a JSON or YAML config file")
	root.PersistentFlags().StringVar(&flagFsync, "fsync", "", "fsync mode: always, interval or never")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newTopicsCmd())
	root.AddCommand(newPublishCmd())
	root.AddCommand(newTailCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newDLQCmd())
	root.AddCommand(newStatsCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfg = config.FromEnv(cfg)
	if flagData != "" {
		cfg.DataDir = flagData
	}
	if flagFsync != "" {
		cfg.Fsync = flagFsync
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	// CLI invocations are one-shot; no background sweeps or servers
	cfg.RetentionIntervalMs = 0
	cfg.MetricsAddr = ""
	return cfg, nil
}

func openRuntime() (*runtime.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return runtime.Open(runtime.Options{Config: cfg})
}
