// Package workspace drives fetch/stage/build/install for one resolved
// instance: directory allocation over internal/cachestore, declarative
// FETCH/STAGE defaults, and process execution for envy.run (implementing
// internal/sandbox.Runner) and dependency-scoped path resolution
// (implementing internal/sandbox.HostAPI).
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/armon/circbuf"
	"github.com/mattn/go-shellwords"

	"github.com/wharflab/envy/internal/archive"
	"github.com/wharflab/envy/internal/bundle"
	"github.com/wharflab/envy/internal/cachestore"
	"github.com/wharflab/envy/internal/depot"
	"github.com/wharflab/envy/internal/identity"
	"github.com/wharflab/envy/internal/resolve"
	"github.com/wharflab/envy/internal/sandbox"
	specpkg "github.com/wharflab/envy/internal/spec"
	"github.com/wharflab/envy/internal/trace"
)

// tailLimit bounds how much of a process's stdout/stderr envy.run keeps in
// memory when capture=true; unbounded output still streams to the TUI (or
// is discarded when quiet=true), only the captured copy is size-limited.
const tailLimit = 4 << 20 // 4 MiB

// Driver owns one run's cache entries, bundle manifests and graph, and
// drives every node's phases to completion.
type Driver struct {
	Store       *cachestore.Store
	Graph       *resolve.Graph
	Bundles     map[string]*bundle.Manifest // alias -> manifest
	Platform    identity.Platform
	Trace       *trace.Sink
	ManifestDir string // cwd for user-managed CHECK/INSTALL hooks
	Depot       *depot.Client // nil if the manifest declares no package-depot

	mu           sync.Mutex
	outcomes     map[string]*cachestore.Outcome // node.Key -> outcome
	programmatic map[string]map[string]string   // node.Key -> product -> value, from envy.info
}

// New builds a Driver ready to run nodes from graph. depotClient may be nil
// if the manifest declares no "@envy package-depot" directive.
func New(store *cachestore.Store, graph *resolve.Graph, bundles map[string]*bundle.Manifest, platform identity.Platform, sink *trace.Sink, manifestDir string, depotClient *depot.Client) *Driver {
	return &Driver{
		Store:       store,
		Graph:       graph,
		Bundles:     bundles,
		Platform:    platform,
		Trace:       sink,
		ManifestDir: manifestDir,
		Depot:       depotClient,
		outcomes:    map[string]*cachestore.Outcome{},
	}
}

func (d *Driver) setOutcome(n *resolve.Node, o *cachestore.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[n.Key] = o
}

func (d *Driver) outcomeFor(n *resolve.Node) (*cachestore.Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.outcomes[n.Key]
	return o, ok
}

// OutcomeFor exposes a completed node's cache outcome to external
// collaborators (the CLI's product-linking and export/import commands)
// once RunNode has returned successfully for it.
func (d *Driver) OutcomeFor(n *resolve.Node) (*cachestore.Outcome, bool) {
	return d.outcomeFor(n)
}

// PhaseGate lets an external scheduler hold up a node's phase transitions
// until cross-node needed_by ordering is satisfied: "an edge U -> V
// annotated needed_by = P means V's phase P starts strictly after U's
// phase P completes". RunNode calls AwaitPhase immediately before running
// each phase and MarkPhase immediately after it completes; a nil gate
// (direct single-node use, e.g. in tests) skips both.
type PhaseGate interface {
	AwaitPhase(ctx context.Context, node *resolve.Node, phase specpkg.Phase) error
	MarkPhase(node *resolve.Node, phase specpkg.Phase)
}

// RunNode executes every phase a node needs, from its current state
// through Complete, committing (or discarding, for user-managed specs)
// its cache entry on success.
func (d *Driver) RunNode(ctx context.Context, node *resolve.Node, gate PhaseGate) error {
	if node.Spec.UserManaged() {
		return d.runUserManaged(ctx, node, gate)
	}
	return d.runCacheManaged(ctx, node, gate)
}

func (d *Driver) runCacheManaged(ctx context.Context, node *resolve.Node, gate PhaseGate) error {
	outcome, err := d.Store.EnsurePackage(node.Identity, d.Platform.String(), node.VariantHash)
	if err != nil {
		return fmt.Errorf("workspace: %s: %w", node.Identity, err)
	}
	d.setOutcome(node, outcome)
	if outcome.FastPath {
		markAllPhases(gate, node)
		return nil
	}
	lock := outcome.Lock
	defer lock.Release()

	if d.tryDepot(ctx, node, outcome) {
		markAllPhases(gate, node)
		return lock.MarkComplete()
	}

	for _, step := range []struct {
		phase specpkg.Phase
		run   func() error
	}{
		{specpkg.PhaseFetch, func() error { return d.runFetch(ctx, node, outcome) }},
		{specpkg.PhaseStage, func() error { return d.runStage(ctx, node, outcome) }},
		{specpkg.PhaseBuild, func() error { return d.runBuild(ctx, node, outcome) }},
		{specpkg.PhaseInstall, func() error { return d.runInstall(ctx, node, outcome) }},
	} {
		if err := awaitPhase(ctx, gate, node, step.phase); err != nil {
			return err
		}
		if err := step.run(); err != nil {
			return err
		}
		markPhase(gate, node, step.phase)
	}
	return lock.MarkComplete()
}

func awaitPhase(ctx context.Context, gate PhaseGate, node *resolve.Node, phase specpkg.Phase) error {
	if gate == nil {
		return nil
	}
	return gate.AwaitPhase(ctx, node, phase)
}

func markPhase(gate PhaseGate, node *resolve.Node, phase specpkg.Phase) {
	if gate == nil {
		return
	}
	gate.MarkPhase(node, phase)
}

func markAllPhases(gate PhaseGate, node *resolve.Node) {
	if gate == nil {
		return
	}
	for _, phase := range []specpkg.Phase{specpkg.PhaseFetch, specpkg.PhaseStage, specpkg.PhaseBuild, specpkg.PhaseInstall} {
		gate.MarkPhase(node, phase)
	}
}

// tryDepot consults the depot fast path for an uncached node: on a manifest
// hit, the archive is unpacked directly into work/install and fetch/stage/
// build/the INSTALL hook are skipped entirely. Any failure — no hit, network
// error, corrupt archive — falls back transparently to a source build; only
// the attempt is logged, never surfaced as the node's error.
func (d *Driver) tryDepot(ctx context.Context, node *resolve.Node, outcome *cachestore.Outcome) bool {
	if d.Depot == nil {
		return false
	}
	url, ok := d.Depot.Lookup(node.Identity, d.Platform, node.VariantHash)
	if !ok {
		return false
	}
	if err := d.Depot.Fetch(ctx, url, outcome.InstallPath); err != nil {
		d.Depot.Logger.Warn("depot fetch failed, falling back to source build",
			"identity", node.Identity.String(), "url", url, "error", err)
		return false
	}
	return true
}

func (d *Driver) runUserManaged(ctx context.Context, node *resolve.Node, gate PhaseGate) error {
	if err := awaitPhase(ctx, gate, node, specpkg.PhaseCheck); err != nil {
		return err
	}
	ok, err := d.runCheck(ctx, node, d.ManifestDir)
	if err != nil {
		return err
	}
	markPhase(gate, node, specpkg.PhaseCheck)
	if ok {
		markAllPhases(gate, node)
		return nil
	}

	outcome, err := d.Store.EnsurePackage(node.Identity, d.Platform.String(), node.VariantHash)
	if err != nil {
		return fmt.Errorf("workspace: %s: %w", node.Identity, err)
	}
	d.setOutcome(node, outcome)
	if outcome.FastPath {
		markAllPhases(gate, node)
		return nil
	}
	lock := outcome.Lock
	defer lock.Release()

	ok, err = d.runCheck(ctx, node, d.ManifestDir)
	if err != nil {
		return err
	}
	if ok {
		markAllPhases(gate, node)
		return lock.Discard()
	}

	for _, step := range []struct {
		phase specpkg.Phase
		run   func() error
	}{
		{specpkg.PhaseFetch, func() error { return d.runFetch(ctx, node, outcome) }},
		{specpkg.PhaseStage, func() error { return d.runStage(ctx, node, outcome) }},
		{specpkg.PhaseBuild, func() error { return d.runBuild(ctx, node, outcome) }},
		{specpkg.PhaseInstall, func() error {
			return d.runHook(ctx, node, specpkg.PhaseInstall, node.Spec.Install, d.ManifestDir, nil)
		}},
	} {
		if err := awaitPhase(ctx, gate, node, step.phase); err != nil {
			return err
		}
		if err := step.run(); err != nil {
			return err
		}
		markPhase(gate, node, step.phase)
	}
	return lock.Discard()
}

func (d *Driver) runCheck(ctx context.Context, node *resolve.Node, dir string) (bool, error) {
	hook := node.Spec.Check
	if hook == nil {
		return false, nil
	}
	checker := &sandbox.Checker{Node: node, Phase: specpkg.PhaseCheck, Host: d, Trace: d.Trace}
	h := &sandbox.Hook{Checker: checker, Runner: d, Platform: d.Platform.String(), DefaultCheck: false}
	err := h.Execute(ctx, hook.Script, dir, nil)
	return err == nil, nil
}

func (d *Driver) runFetch(ctx context.Context, node *resolve.Node, outcome *cachestore.Outcome) error {
	hook := node.Spec.Fetch
	if hook == nil {
		return nil
	}
	if hook.Declarative && hook.DeclarativeFetch != nil {
		return d.declarativeFetch(ctx, outcome, hook.DeclarativeFetch)
	}
	if hook.Script == "" {
		return nil
	}
	tmp, err := os.MkdirTemp(outcome.EntryPath, "fetch-tmp-")
	if err != nil {
		return fmt.Errorf("workspace: allocating fetch scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	checker := &sandbox.Checker{Node: node, Phase: specpkg.PhaseFetch, Host: d, Trace: d.Trace}
	h := &sandbox.Hook{
		Checker: checker, Runner: d, Platform: d.Platform.String(), DefaultCheck: true,
		FetchDir: outcome.FetchPath, FetchTmpDir: tmp,
	}
	return h.Execute(ctx, hook.Script, tmp, map[string]string{
		"ENVY_FETCH_TMP_DIR": tmp,
		"ENVY_FETCH_DIR":     outcome.FetchPath,
	})
}

func (d *Driver) declarativeFetch(ctx context.Context, outcome *cachestore.Outcome, src *specpkg.FetchSource) error {
	name := filepath.Base(src.URL)
	dst := filepath.Join(outcome.FetchPath, name)

	if src.SHA256 != "" && fetchMatchesDigest(dst, src.SHA256) {
		return nil // import already seeded fetch/ with this exact content
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fmt.Errorf("workspace: building fetch request for %s: %w", src.URL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("workspace: fetching %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("workspace: fetching %s: status %s", src.URL, resp.Status)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("workspace: creating %s: %w", dst, err)
	}
	hasher := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, hasher), resp.Body)
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("workspace: writing %s: %w", dst, err)
	}
	if closeErr != nil {
		return fmt.Errorf("workspace: closing %s: %w", dst, closeErr)
	}

	if src.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if sum != src.SHA256 {
			return fmt.Errorf("workspace: %s: sha256 mismatch: expected %s, got %s", src.URL, src.SHA256, sum)
		}
	}
	return nil
}

// fetchMatchesDigest reports whether path already holds content matching
// sha256Hex, letting a pre-seeded fetch/ (from import of a fetch-only
// archive) satisfy a declarative fetch without hitting the network.
func fetchMatchesDigest(path, sha256Hex string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false
	}
	return hex.EncodeToString(hasher.Sum(nil)) == sha256Hex
}

func (d *Driver) runStage(ctx context.Context, node *resolve.Node, outcome *cachestore.Outcome) error {
	hook := node.Spec.Stage
	if hook == nil {
		return archive.ExtractAll(ctx, outcome.FetchPath, outcome.StagePath, 0)
	}
	if hook.Declarative {
		return archive.ExtractAll(ctx, outcome.FetchPath, outcome.StagePath, hook.StageStrip)
	}
	if hook.Script == "" {
		return nil
	}
	checker := &sandbox.Checker{Node: node, Phase: specpkg.PhaseStage, Host: d, Trace: d.Trace}
	h := &sandbox.Hook{
		Checker: checker, Runner: d, Platform: d.Platform.String(), DefaultCheck: true,
		FetchDir: outcome.FetchPath, StageDir: outcome.StagePath, StageStrip: hook.StageStrip,
	}
	return h.Execute(ctx, hook.Script, outcome.StagePath, map[string]string{
		"ENVY_FETCH_DIR": outcome.FetchPath,
		"ENVY_STAGE_DIR": outcome.StagePath,
	})
}

func (d *Driver) runBuild(ctx context.Context, node *resolve.Node, outcome *cachestore.Outcome) error {
	hook := node.Spec.Build
	if hook == nil || hook.Script == "" {
		return nil
	}
	checker := &sandbox.Checker{Node: node, Phase: specpkg.PhaseBuild, Host: d, Trace: d.Trace}
	h := &sandbox.Hook{Checker: checker, Runner: d, Platform: d.Platform.String(), DefaultCheck: true}
	return h.Execute(ctx, hook.Script, outcome.StagePath, map[string]string{
		"ENVY_STAGE_DIR": outcome.StagePath,
	})
}

func (d *Driver) runInstall(ctx context.Context, node *resolve.Node, outcome *cachestore.Outcome) error {
	hook := node.Spec.Install
	if hook == nil || hook.Script == "" {
		// No INSTALL hook on a cache-managed spec: stage output is the
		// package (see DESIGN.md open-question decisions).
		return copyTree(outcome.StagePath, outcome.InstallPath)
	}
	return d.runHook(ctx, node, specpkg.PhaseInstall, hook, outcome.InstallPath, map[string]string{
		"ENVY_STAGE_DIR":   outcome.StagePath,
		"ENVY_INSTALL_DIR": outcome.InstallPath,
	})
}

func (d *Driver) runHook(ctx context.Context, node *resolve.Node, phase specpkg.Phase, hook *specpkg.Hook, dir string, env map[string]string) error {
	if hook == nil || hook.Script == "" {
		return nil
	}
	checker := &sandbox.Checker{Node: node, Phase: phase, Host: d, Trace: d.Trace}
	h := &sandbox.Hook{Checker: checker, Runner: d, Platform: d.Platform.String(), DefaultCheck: true}
	err := h.Execute(ctx, hook.Script, dir, env)
	d.recordProducts(node, h.Products())
	return err
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

// Run implements sandbox.Runner: envy.run(cmd, {cwd, env, capture, quiet,
// check, shell}). Stdout/stderr are drained concurrently into bounded
// circular buffers so a chatty child process can't deadlock on a full
// pipe while the other stream is still being read.
func (d *Driver) Run(ctx context.Context, cmdline string, opts sandbox.RunOptions) (sandbox.RunResult, error) {
	argv, shellName, err := tokenize(cmdline, opts.Shell)
	if err != nil {
		return sandbox.RunResult{}, fmt.Errorf("envy.run: %w", err)
	}

	cmd := exec.CommandContext(ctx, shellName, argv...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, _ := circbuf.NewBuffer(tailLimit)
	stderr, _ := circbuf.NewBuffer(tailLimit)

	if opts.Capture {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	} else if !opts.Quiet {
		cmd.Stdout = io.MultiWriter(os.Stdout, stdout)
		cmd.Stderr = io.MultiWriter(os.Stderr, stderr)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if asExitError(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return sandbox.RunResult{}, fmt.Errorf("envy.run: %w", runErr)
		}
	}

	return sandbox.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// tokenize prepares cmdline for exec.Command according to the requested
// shell. "sh" is special: rather than spawning /bin/sh, the command line
// is POSIX word-split via mattn/go-shellwords and executed directly —
// cheaper, and sufficient for the common case of a plain word-and-flag
// command with no redirection or globbing. "bash"/"cmd"/"powershell" hand
// the raw line to the named interpreter's -c/-Command flag, which is
// needed for anything using real shell syntax.
func tokenize(cmdline, shell string) ([]string, string, error) {
	if shell == "" {
		shell = defaultShell()
	}
	switch shell {
	case "sh":
		words, err := shellwords.Parse(cmdline)
		if err != nil {
			return nil, "", fmt.Errorf("tokenizing %q: %w", cmdline, err)
		}
		if len(words) == 0 {
			return nil, "", fmt.Errorf("empty command")
		}
		return words[1:], words[0], nil
	case "bash":
		return []string{"-c", cmdline}, "bash", nil
	case "cmd":
		return []string{"/C", cmdline}, "cmd", nil
	case "powershell":
		return []string{"-Command", cmdline}, "powershell", nil
	default:
		return nil, "", fmt.Errorf("unknown shell %q", shell)
	}
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "powershell"
	}
	return "sh"
}
