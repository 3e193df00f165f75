// Package commands implements the pkgforge command line.
package commands

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/pkgforge/internal/config"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
)

// Global context passed to subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" env:"PKGFORGE_CONFIG" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve  ServeCmd  `cmd:"" help:"Run the build service"`
	Keygen KeygenCmd `cmd:"" help:"Generate a client Ed25519 key pair"`
	Sign   SignCmd   `cmd:"" help:"Print a signed Authorization header for one request"`
	Purge  PurgeCmd  `cmd:"" help:"Delete expired artifacts and journal entries once and exit"`
}

// AfterApply runs after flag parsing; it installs a text logger until a
// command loads the configured logging settings.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	slog.SetDefault(newLogger(config.LoggingConfig{Format: config.LogFormatText}, c.Verbose))
	return nil
}

// loadConfig loads the configuration and applies its logging section.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to load configuration").
			WithContext("path", c.Config).
			Build()
	}
	slog.SetDefault(newLogger(cfg.Logging, c.Verbose))
	return cfg, nil
}

func newLogger(lc config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case config.LogLevelDebug:
		level = slog.LevelDebug
	case config.LogLevelWarn:
		level = slog.LevelWarn
	case config.LogLevelError:
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
