package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/pkgforge/cmd/pkgforge/commands"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/version"
)

func main() {
	cli := &commands.CLI{}
	parser := kong.Parse(cli,
		kong.Name("pkgforge"),
		kong.Description("Multi-tenant build service that turns uploaded web projects into native packages."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)

	err := parser.Run(&commands.Global{Logger: slog.Default()}, cli)
	if err != nil {
		adapter := errors.NewCLIErrorAdapter(cli.Verbose, slog.Default())
		os.Exit(adapter.Report(os.Stderr, err))
	}
}
