package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/wharflab/envy/internal/archive"
	"github.com/wharflab/envy/internal/depot"
	"github.com/wharflab/envy/internal/identity"
	"github.com/wharflab/envy/internal/resolve"
)

func exportCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:  "depot-prefix",
			Usage: "Print each archive's depot manifest line as <prefix><filename>",
		},
	)
	return &cli.Command{
		Name:      "export",
		Usage:     "Ensure the manifest's packages, then write their cache entries as portable archives",
		ArgsUsage: "<outdir> [identity...]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) < 1 {
				return fmt.Errorf("export: missing <outdir>")
			}
			outDir, selectors := args[0], args[1:]

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
				return fmt.Errorf("export: %d package(s) failed to materialize", len(result.Failed))
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("export: creating %s: %w", outDir, err)
			}

			nodes, err := selectNodes(e.Graph, selectors)
			if err != nil {
				return err
			}

			prefix := cmd.String("depot-prefix")
			for _, node := range nodes {
				filename, err := exportNode(ctx, e, node, outDir)
				if err != nil {
					return err
				}
				if prefix != "" {
					fmt.Println(prefix + filename)
				}
			}
			return nil
		},
	}
}

// selectNodes resolves identity selectors against a graph, matching a
// node by its exact canonical identity string or, failing that, by a
// unique "namespace.name" suffix match so callers can omit the
// revision. It defaults to every node when no selectors are given.
func selectNodes(g *resolve.Graph, selectors []string) ([]*resolve.Node, error) {
	if len(selectors) == 0 {
		nodes := make([]*resolve.Node, 0, len(g.Nodes))
		for _, n := range g.Nodes {
			nodes = append(nodes, n)
		}
		return nodes, nil
	}

	out := make([]*resolve.Node, 0, len(selectors))
	for _, sel := range selectors {
		n := findNode(g, sel)
		if n == nil {
			return nil, fmt.Errorf("export: no package matches %q", sel)
		}
		out = append(out, n)
	}
	return out, nil
}

func findNode(g *resolve.Graph, selector string) *resolve.Node {
	if id, err := identity.Parse(selector); err == nil {
		if n := g.NodeByIdentity(id); n != nil {
			return n
		}
	}
	candidates := make([]identity.Identity, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		candidates = append(candidates, n.Identity)
	}
	matches := resolve.MatchIdentity(selector, candidates)
	if len(matches) != 1 {
		return nil // no match, or ambiguous
	}
	return g.NodeByIdentity(matches[0])
}

// exportNode writes node's cache entry as a tar.zst archive into outDir,
// returning just the filename (the basename depot manifest lines need).
func exportNode(ctx context.Context, e *engine, node *resolve.Node, outDir string) (string, error) {
	outcome, ok := e.Driver.OutcomeFor(node)
	if !ok {
		return "", fmt.Errorf("export: %s: no cache entry (user-managed spec?)", node.Identity)
	}

	var srcDir, topLevel string
	if node.Spec != nil && node.Spec.Exportable {
		srcDir, topLevel = outcome.PkgPath, "pkg"
	} else {
		srcDir, topLevel = outcome.FetchPath, "fetch"
	}

	filename := depot.Filename(node.Identity, e.Platform, node.VariantHash)
	dstPath := filepath.Join(outDir, filename)

	stagingRoot, err := os.MkdirTemp("", "envy-export-*")
	if err != nil {
		return "", fmt.Errorf("export: %s: %w", node.Identity, err)
	}
	defer os.RemoveAll(stagingRoot)

	stagedSrc := filepath.Join(stagingRoot, topLevel)
	if err := copyTreeHardlink(srcDir, stagedSrc); err != nil {
		return "", fmt.Errorf("export: %s: staging %s: %w", node.Identity, topLevel, err)
	}

	if err := archive.CreateTarZst(ctx, stagingRoot, dstPath); err != nil {
		return "", fmt.Errorf("export: %s: %w", node.Identity, err)
	}
	return filename, nil
}

// copyTreeHardlink mirrors src into dst, hardlinking each file when the
// two paths share a device and falling back to a full copy otherwise —
// export's staging directory is usually on the same filesystem as the
// cache, so this is normally just a directory-tree's worth of link(2)
// calls rather than a byte-for-byte copy.
func copyTreeHardlink(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Link(path, target); err == nil {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
