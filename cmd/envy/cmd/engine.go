// Package cmd assembles the envy CLI: manifest discovery, engine bootstrap
// shared by every subcommand, and the urfave/cli/v3 command tree itself.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wharflab/envy/internal/bundle"
	"github.com/wharflab/envy/internal/cachestore"
	"github.com/wharflab/envy/internal/config"
	"github.com/wharflab/envy/internal/depot"
	"github.com/wharflab/envy/internal/identity"
	envymanifest "github.com/wharflab/envy/internal/manifest"
	"github.com/wharflab/envy/internal/resolve"
	"github.com/wharflab/envy/internal/scheduler"
	"github.com/wharflab/envy/internal/specfile"
	"github.com/wharflab/envy/internal/trace"
	"github.com/wharflab/envy/internal/workspace"

	"github.com/urfave/cli/v3"
)

// commonFlags are the cache-root/trace flags every engine-bootstrapping
// subcommand (ensure, export, import, gc) shares.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "cache-root",
			Usage:   "Override the cache root directory",
			Sources: cli.EnvVars("ENVY_CACHE_ROOT"),
		},
		&cli.StringFlag{
			Name:  "trace",
			Usage: `Emit structured JSONL trace events: "-" for stdout, or a file path`,
		},
	}
}

// openTrace resolves the --trace flag into a writer and a closer; closer
// is a no-op when tracing is off or writing to stdout.
func openTrace(cmd *cli.Command) (io.Writer, func() error, error) {
	path := cmd.String("trace")
	switch path {
	case "":
		return nil, func() error { return nil }, nil
	case "-":
		return os.Stdout, func() error { return nil }, nil
	default:
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("cmd: opening trace file %s: %w", path, err)
		}
		return f, f.Close, nil
	}
}

// engine bundles everything a subcommand needs after manifest discovery
// and resolution: the resolved graph, the cache store, and a ready-to-run
// workspace driver wired to a fresh Tracker-backed scheduler.
type engine struct {
	Config   *config.Config
	Manifest *envymanifest.Manifest
	Graph    *resolve.Graph
	Store    *cachestore.Store
	Platform identity.Platform
	Driver   *workspace.Driver
	Trace    *trace.Sink
	Logger   *slog.Logger
}

// discoverManifest walks from startDir upward looking for envy.yaml,
// honoring the "root" directive the same way spec.md §6 describes: a
// manifest with root != "false" is the topmost; a sub-manifest keeps the
// search going.
func discoverManifest(startDir string) (*envymanifest.Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cmd: resolving %s: %w", startDir, err)
	}

	var found *envymanifest.Manifest
	for {
		candidate := filepath.Join(dir, "envy.yaml")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			m, err := envymanifest.Load(candidate)
			if err != nil {
				return nil, err
			}
			found = m
			if m.IsRoot() {
				return m, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if found != nil {
		return found, nil // highest non-root ancestor found
	}
	return nil, fmt.Errorf("cmd: no envy.yaml found from %s upward", startDir)
}

// expandCachePath applies "~" and "$VAR"/"${VAR}" expansion to a manifest
// "cache"/"cache-posix"/"cache-win" directive value.
func expandCachePath(raw string) string {
	raw = os.ExpandEnv(raw)
	if raw == "~" || strings.HasPrefix(raw, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			raw = filepath.Join(home, strings.TrimPrefix(raw, "~"))
		}
	}
	return raw
}

// manifestCacheOverride returns the manifest's declared cache root, if
// any, preferring the OS-specific directive over the generic one.
func manifestCacheOverride(m *envymanifest.Manifest) (string, bool) {
	osKey := "cache-posix"
	if os.PathSeparator == '\\' {
		osKey = "cache-win"
	}
	if v, ok := m.Directive(osKey); ok {
		return expandCachePath(v), true
	}
	if v, ok := m.Directive("cache"); ok {
		return expandCachePath(v), true
	}
	return "", false
}

// newEngine discovers the manifest, resolves it into a graph, and builds
// a workspace driver ready to run it. flagCacheRoot, if non-empty, is the
// CLI's --cache-root flag and outranks both the manifest's cache
// directive and config discovery.
func newEngine(ctx context.Context, startDir, flagCacheRoot string, traceWriter io.Writer) (*engine, error) {
	man, err := discoverManifest(startDir)
	if err != nil {
		return nil, err
	}

	flags := map[string]any{}
	if flagCacheRoot != "" {
		flags["cache-root"] = flagCacheRoot
	} else if override, ok := manifestCacheOverride(man); ok {
		flags["cache-root"] = override
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	bundles := map[string]*bundle.Manifest{}
	for alias, decl := range man.Bundles {
		path := decl.Source
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(man.Path), path)
		}
		b, err := bundle.Load(path)
		if err != nil {
			return nil, fmt.Errorf("cmd: loading bundle %q: %w", alias, err)
		}
		bundles[alias] = b
	}

	resolver, err := resolve.New(specfile.FileSource{}, bundles, 0)
	if err != nil {
		return nil, err
	}
	graph, err := resolver.Build(man.Packages)
	if err != nil {
		return nil, err
	}
	resolve.AssignVariantHashes(graph)

	store := cachestore.New(cfg.CacheRoot)
	platform := identity.Current()

	sink := trace.NewSink(traceWriter)

	depotClient := depot.New(logger)
	var depotURLs []string
	for _, v := range man.DirectiveValues("package-depot") {
		depotURLs = append(depotURLs, v)
	}
	depotClient.LoadManifests(ctx, depotURLs)

	driver := workspace.New(store, graph, bundles, platform, sink, filepath.Dir(man.Path), depotClient)

	return &engine{
		Config:   cfg,
		Manifest: man,
		Graph:    graph,
		Store:    store,
		Platform: platform,
		Driver:   driver,
		Trace:    sink,
		Logger:   logger,
	}, nil
}

// run fans the engine's whole graph out across a Tracker-backed
// scheduler and returns its result.
func (e *engine) run(ctx context.Context) *scheduler.Result {
	sched := scheduler.New(e.Driver, e.Graph, e.Config.EffectiveWorkers(), e.Trace)
	return sched.Run(ctx)
}
