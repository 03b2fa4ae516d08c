// Package server runs the HTTP listener with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Version is set at build time.
var Version = "dev"

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 15 * time.Second

// Options configures Serve.
type Options struct {
	Address         string
	CertFile        string
	KeyFile         string
	TLS             bool
	ShutdownTimeout time.Duration
}

// Serve listens on opts.Address and serves h until ctx is canceled.
func Serve(ctx context.Context, h http.Handler, opts Options) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.Address, err)
	}
	return ServeListener(ctx, ln, h, opts)
}

// ServeListener serves h on ln until ctx is canceled, then drains in-flight
// requests for at most opts.ShutdownTimeout.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler, opts Options) error {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "address", ln.Addr().String(), "tls", opts.TLS)
		if opts.TLS {
			errCh <- srv.ServeTLS(ln, opts.CertFile, opts.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	slog.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
