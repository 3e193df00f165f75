package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/pkgforge/internal/config"
	"git.home.luguber.info/inful/pkgforge/internal/daemon"
	"git.home.luguber.info/inful/pkgforge/internal/version"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides server.addr)"`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if s.Addr != "" {
		cfg.Server.Addr = s.Addr
	}
	return RunServe(cfg)
}

// RunServe starts the service and blocks until SIGINT or SIGTERM.
func RunServe(cfg *config.Config) error {
	if cfg.Auth.AdminKey == "" {
		slog.Warn("No admin key configured; administrative endpoints are disabled")
	}
	slog.Info("Starting pkgforge", slog.String("version", version.Version), slog.String("data_dir", cfg.Storage.DataDir))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping pkgforge...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	return nil
}
