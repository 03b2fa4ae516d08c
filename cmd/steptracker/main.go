// Package main is the steptracker service and admin CLI.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/txn2/steptracker/internal/server"
	"github.com/txn2/steptracker/pkg/platform"
)

const defaultConfigPath = "steptracker.yaml"

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "steptracker",
		Short:         "Step counting service with shake rejection and persistence",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", envOr("STEPTRACKER_CONFIG", defaultConfigPath), "path to YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config is parsed")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newCacheCmd(opts))
	root.AddCommand(newAPIKeyCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func (o *rootOptions) loadConfig() (*platform.Config, error) {
	var envFiles []string
	if o.envFile != "" {
		envFiles = append(envFiles, o.envFile)
	}
	cfg, err := platform.LoadConfig(o.configPath, envFiles...)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging config section.
func newLogger(w io.Writer, cfg platform.LoggingConfig) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "steptracker %s\n", server.Version)
			return nil
		},
	}
}
