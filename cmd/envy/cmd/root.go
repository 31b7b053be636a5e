package cmd

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/wharflab/envy/internal/version"
)

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "envy",
		Usage:   "Per-project toolchain and package manager",
		Version: version.Version(),
		Description: `envy materializes a project's declared packages into a content-addressed
cache and exposes their executables on PATH.

Examples:
  envy ensure
  envy ensure --cache-root ~/.cache/envy
  envy export ./dist --depot-prefix https://example.com/depot/
  envy import ./dist/local.foo-linux-amd64-blake3-abc123.tar.zst
  envy gc`,
		Commands: []*cli.Command{
			ensureCommand(),
			exportCommand(),
			importCommand(),
			gcCommand(),
			versionCommand(),
		},
	}
}

// Execute runs the CLI application.
func Execute() error {
	return NewApp().Run(context.Background(), os.Args)
}
