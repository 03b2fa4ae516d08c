package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/txn2/steptracker/internal/server"
	"github.com/txn2/steptracker/pkg/platform"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and step tracker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			slog.SetDefault(newLogger(os.Stderr, cfg.Logging))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "override server.address")
	return cmd
}

func serve(ctx context.Context, cfg *platform.Config) error {
	p, err := platform.New(platform.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	slog.Info("steptracker started",
		"name", cfg.Server.Name,
		"version", server.Version,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Driver,
		"sensors", cfg.Sensors.Driver)

	serveErr := server.Serve(ctx, p.Handler(), server.Options{
		Address:         cfg.Server.Address,
		TLS:             cfg.Server.TLS.Enabled,
		CertFile:        cfg.Server.TLS.CertFile,
		KeyFile:         cfg.Server.TLS.KeyFile,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		slog.Error("platform stop failed", "error", err)
		if serveErr == nil {
			return fmt.Errorf("stopping platform: %w", err)
		}
	}
	return serveErr
}
