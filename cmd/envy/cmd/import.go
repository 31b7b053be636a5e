package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/wharflab/envy/internal/archive"
	"github.com/wharflab/envy/internal/depot"
	"github.com/wharflab/envy/internal/resolve"
)

func importCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Import every *.tar.zst archive found in this directory",
		},
	)
	return &cli.Command{
		Name:      "import",
		Usage:     "Restore archives produced by export into the cache",
		ArgsUsage: "[file...]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			files := cmd.Args().Slice()
			if dir := cmd.String("dir"); dir != "" {
				found, err := archivesInDir(dir)
				if err != nil {
					return err
				}
				files = append(files, found...)
			}
			if len(files) == 0 {
				return fmt.Errorf("import: no archives given (pass files or --dir)")
			}

			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			e, err := newEngine(ctx, wd, cmd.String("cache-root"), nil)
			if err != nil {
				return err
			}

			expected := expectedFilenames(e)
			for _, file := range files {
				if err := importArchive(ctx, e, expected, file); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func archivesInDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("import: reading %s: %w", dir, err)
	}
	var files []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".tar.zst") {
			continue
		}
		files = append(files, filepath.Join(dir, ent.Name()))
	}
	return files, nil
}

// expectedFilenames maps every archive filename this manifest's resolved
// graph could have produced via export back to its node, so import can
// recognize an archive without trusting its name alone.
func expectedFilenames(e *engine) map[string]*resolve.Node {
	out := make(map[string]*resolve.Node, len(e.Graph.Nodes))
	for _, n := range e.Graph.Nodes {
		out[depot.Filename(n.Identity, e.Platform, n.VariantHash)] = n
	}
	return out
}

// importArchive restores a single exported archive into the cache,
// skipping (with a log line, not an error) any archive whose filename
// doesn't match a node in the current manifest's resolved graph — a stale
// archive from a prior revision or an unrelated project.
func importArchive(ctx context.Context, e *engine, expected map[string]*resolve.Node, file string) error {
	name := filepath.Base(file)
	node, ok := expected[name]
	if !ok {
		e.Logger.Warn("import: archive matches no instance in the current manifest, skipping", "file", name)
		return nil
	}

	outcome, err := e.Store.EnsurePackage(node.Identity, e.Platform.String(), node.VariantHash)
	if err != nil {
		return fmt.Errorf("import: %s: %w", node.Identity, err)
	}
	if outcome.FastPath {
		e.Logger.Info("import: already cached, skipping", "identity", node.Identity.String())
		return nil
	}
	lock := outcome.Lock

	exportable := node.Spec != nil && node.Spec.Exportable
	dstDir := outcome.FetchPath
	if exportable {
		dstDir = outcome.InstallPath
	}
	if err := archive.ExtractFile(ctx, file, dstDir, 1); err != nil {
		lock.Release()
		return fmt.Errorf("import: extracting %s: %w", name, err)
	}

	if !exportable {
		// Fetch-only archive: fetch/ is seeded but pkg/ has not been built.
		// Release without marking complete so a later ensure run builds it,
		// reusing these fetch contents instead of re-downloading.
		return lock.Release()
	}
	return lock.MarkComplete()
}
