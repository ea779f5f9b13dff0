// Package main provides the relay gateway binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/groupcast/relay/internal/log"
	"github.com/groupcast/relay/internal/server"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Relay gateway - WebSocket group message relay",
		Long: `The relay gateway accepts long-lived WebSocket connections, tracks
per-group presence, and fans data updates out to group members.

Configuration comes from the environment (GW_HOST, GW_PORT, GW_WS_PATH,
LOG_LEVEL, GW_ALLOWED_ORIGINS, ...); every setting has a working default.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(cfg.LogLevel)
	gateway := server.NewGateway(cfg, logger)
	if err := gateway.Start(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	httpServer := server.NewHTTPServer(cfg.Addr(), gateway.Routes())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	logger.Info("gateway.listening", "addr", cfg.Addr(), "wsPath", cfg.WSPath)

	select {
	case err := <-serveErr:
		// Listener failed before any shutdown signal; still tear the hub down.
		_ = gateway.Shutdown(cfg.ShutdownTimeout)
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("gateway.shutting_down")
	if err := server.ShutdownHTTPServer(httpServer, cfg.ShutdownTimeout); err != nil {
		logger.Warn("gateway.http_shutdown_error", "error", err)
	}
	if err := gateway.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("gateway.hub_shutdown_error", "error", err)
	}

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("gateway.stopped")
	return nil
}
