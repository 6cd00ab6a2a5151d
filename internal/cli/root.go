// Package cli implements the widgethost command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/mcphost"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	Config   string
	LogLevel string
}

var rf rootFlags

// Execute runs the widgethost command line.
func Execute() error {
	rootCmd := &cobra.Command{
		Use:          "widgethost",
		Short:        "Host widgets against remote MCP servers",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.Config, "config", envOr("WIDGETHOST_CONFIG", "widgethost.yaml"),
		"host configuration file (defaults to WIDGETHOST_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rf.LogLevel, "log-level", "", "override logging.level of the configuration")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(serversCmd())
	rootCmd.AddCommand(callCmd())

	return rootCmd.Execute()
}

// loadConfig reads the configuration named by --config and builds the host logger from it.
func loadConfig() (mcphost.Config, *slog.Logger, error) {
	if rf.Config == "" {
		return mcphost.Config{}, nil, fmt.Errorf("missing --config (or set WIDGETHOST_CONFIG)")
	}
	cfg, err := mcphost.LoadConfig(rf.Config)
	if err != nil {
		return mcphost.Config{}, nil, err
	}
	if rf.LogLevel != "" {
		cfg.Logging.Level = rf.LogLevel
		if err := cfg.Validate(); err != nil {
			return mcphost.Config{}, nil, err
		}
	}
	logger := cfg.Logging.Logger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
