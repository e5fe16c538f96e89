package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// HTTP server timeouts
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 15 * time.Second
)

type serveOptions struct {
	addr       string
	schemaFile string
	metrics    bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demonstration API behind the security pipeline",
		Long: `Starts an HTTP server whose routes pass through the security pipeline:
request id, security headers, CORS, rate limiting, authentication and
authorization, CSRF, webhook verification and input validation.

The server stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, appOptions{SchemaFile: opts.schemaFile, Metrics: opts.metrics})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, opts.addr, opts.metrics)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&opts.schemaFile, "schemas", "", "YAML file with additional validation schemas")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", true, "Enable OpenTelemetry instrumentation and the /metrics endpoint")
	return cmd
}

// serve runs the HTTP server until ctx is done, then shuts down the server
// and the app.
func (a *app) serve(ctx context.Context, addr string, metrics bool) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.newRouter(metrics),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	a.logger.Info("Starting server", "addr", addr, "config", a.cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if cerr := a.shutdown(shutdownCtx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
