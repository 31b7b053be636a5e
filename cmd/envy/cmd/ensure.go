package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v3"
)

func ensureCommand() *cli.Command {
	return &cli.Command{
		Name:  "ensure",
		Usage: "Materialize every package the manifest declares and link its products onto PATH",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			traceWriter, closeTrace, err := openTrace(cmd)
			if err != nil {
				return err
			}
			defer closeTrace()

			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			e, err := newEngine(ctx, wd, cmd.String("cache-root"), traceWriter)
			if err != nil {
				return err
			}

			result := e.run(ctx)
			if !result.Ok() {
				for key, failErr := range result.Failed {
					fmt.Fprintf(os.Stderr, "envy: %s: %v\n", key, failErr)
				}
				return fmt.Errorf("ensure: %d package(s) failed", len(result.Failed))
			}

			return linkProducts(e)
		},
	}
}

// linkProducts symlinks every root package's declared PRODUCTS into the
// manifest's bin directory (the "bin" directive, defaulting to
// "<cache root>/bin"), exposing them on PATH.
func linkProducts(e *engine) error {
	binDir, ok := e.Manifest.Directive("bin")
	if !ok {
		binDir = filepath.Join(e.Config.CacheRoot, "bin")
	} else if !filepath.IsAbs(binDir) {
		binDir = filepath.Join(filepath.Dir(e.Manifest.Path), binDir)
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("ensure: creating bin dir %s: %w", binDir, err)
	}

	for _, root := range e.Graph.Roots {
		if root.Spec == nil || len(root.Spec.Products) == 0 {
			continue
		}
		outcome, ok := e.Driver.OutcomeFor(root)
		if !ok {
			continue // e.g. user-managed spec with no cache entry to link from
		}

		names := make([]string, 0, len(root.Spec.Products))
		for name := range root.Spec.Products {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			target := filepath.Join(outcome.PkgPath, root.Spec.Products[name])
			link := filepath.Join(binDir, name)
			_ = os.Remove(link)
			if err := os.Symlink(target, link); err != nil {
				return fmt.Errorf("ensure: linking product %q for %s: %w", name, root.Identity, err)
			}
		}
	}
	return nil
}
