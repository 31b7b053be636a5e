package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/wharflab/envy/internal/archive"
	specpkg "github.com/wharflab/envy/internal/spec"
)

// Runner wraps envy.run for processes invoked from inside a hook: `envy.run(cmd, {cwd, env, capture, quiet, check, shell})`.
type Runner interface {
	Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error)
}

// RunOptions mirrors the table accepted by envy.run.
type RunOptions struct {
	Cwd     string
	Env     map[string]string
	Capture bool
	Quiet   bool
	Check   bool
	Shell   string // "sh", "bash", "cmd", "powershell"; "" means platform default
}

// RunResult mirrors envy.run's return table.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Hook executes one phase hook's shell script in a fresh sandboxed
// environment, dispatching envy.* calls to checker/host/runner and
// rejecting everything else that isn't a POSIX builtin.
type Hook struct {
	Checker  *Checker
	Runner   Runner
	Platform string

	// DefaultCheck mirrors envy.run's own default: check=true is the
	// default for INSTALL/STAGE/BUILD string hooks (a failing command
	// raises).
	DefaultCheck bool

	// FetchDir/FetchTmpDir/StageDir/StageStrip give envy.fetch,
	// envy.commit_fetch and envy.extract_all their working context for
	// the phase currently executing. Only FETCH and STAGE hooks need
	// them; leave zero otherwise.
	FetchDir    string
	FetchTmpDir string
	StageDir    string
	StageStrip  int

	products map[string]string
}

// Products returns the (name -> value) pairs recorded by envy.info calls
// during the most recent Execute, for BUILD/INSTALL hooks that produce
// products programmatically rather than via the spec's declarative
// PRODUCTS map.
func (h *Hook) Products() map[string]string {
	return h.products
}

// Execute parses and runs script in dir with the given extra environment
// variables (e.g. options passed to this instance), returning an error if
// the script itself fails or any envy.* call is denied by access control.
func (h *Hook) Execute(ctx context.Context, script string, dir string, extraEnv map[string]string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return fmt.Errorf("sandbox: parsing hook script: %w", err)
	}

	env := map[string]string{"ENVY_PLATFORM": h.Platform}
	for k, v := range extraEnv {
		env[k] = v
	}
	var pairs []string
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(pairs...)),
		interp.ExecHandler(h.execHandler),
		interp.StdIO(nil, io.Discard, io.Discard),
	)
	if err != nil {
		return fmt.Errorf("sandbox: building interpreter: %w", err)
	}
	if err := runner.Run(ctx, file); err != nil {
		return fmt.Errorf("sandbox: hook failed: %w", err)
	}
	return nil
}

// execHandler is mvdan.cc/sh's interp.ExecHandlerFunc: it receives every
// simple command the script runs that the interpreter does not handle as a
// builtin itself. envy.* commands are dispatched (subject to access
// control); any other command is rejected with an error, so processes are
// started only through envy.run.
func (h *Hook) execHandler(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	hc := interp.HandlerCtx(ctx)

	switch args[0] {
	case "envy.package":
		return h.writeResult(hc, h.Checker.Package(joinRest(args)))
	case "envy.product":
		return h.writeResult(hc, h.Checker.Product(joinRest(args)))
	case "envy.asset":
		return h.writeResult(hc, h.Checker.Asset(joinRest(args)))
	case "envy.loadenv_spec":
		if len(args) < 2 {
			return fmt.Errorf("envy.loadenv_spec: requires a query argument")
		}
		subpath := ""
		if len(args) >= 3 {
			subpath = args[2]
		}
		return h.writeResult(hc, h.Checker.LoadenvSpec(args[1], subpath))
	case "envy.run":
		return h.runCommand(ctx, hc, args[1:])
	case "envy.fetch":
		return h.writeResult(hc, h.FetchTmpDir, nil)
	case "envy.commit_fetch":
		if len(args) < 2 {
			return fmt.Errorf("envy.commit_fetch: requires a source directory argument")
		}
		return h.commitFetch(args[1])
	case "envy.extract_all":
		return archive.ExtractAll(ctx, h.FetchDir, h.StageDir, h.StageStrip)
	case "envy.info":
		if len(args) < 3 {
			return fmt.Errorf("envy.info: requires a product name and a value")
		}
		if h.products == nil {
			h.products = map[string]string{}
		}
		h.products[args[1]] = args[2]
		return nil
	case "envy.extend":
		return nil
	default:
		return fmt.Errorf("sandbox: %q is not a declared envy API and is not a recognized builtin", args[0])
	}
}

func (h *Hook) writeResult(hc interp.HandlerContext, val string, err error) error {
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintln(hc.Stdout, val)
	return werr
}

// commitFetch moves every file out of tmpDir into FetchDir, atomically and
// one at a time; a filename already present is a hard collision error.
func (h *Hook) commitFetch(tmpDir string) error {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return fmt.Errorf("envy.commit_fetch: reading %s: %w", tmpDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := filepath.Join(h.FetchDir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("envy.commit_fetch: %s was already committed by an earlier call", e.Name())
		}
		if err := os.Rename(filepath.Join(tmpDir, e.Name()), dst); err != nil {
			return fmt.Errorf("envy.commit_fetch: moving %s: %w", e.Name(), err)
		}
	}
	return nil
}

func joinRest(args []string) string {
	if len(args) < 2 {
		return ""
	}
	return strings.Join(args[1:], " ")
}

// runCommand parses envy.run's flag-style arguments
// (--cwd=, --env=K=V repeatable, --capture, --quiet, --no-check, --shell=)
// followed by "--" and the command to execute, then delegates to Runner.
func (h *Hook) runCommand(ctx context.Context, hc interp.HandlerContext, args []string) error {
	opts := RunOptions{Cwd: hc.Dir, Check: h.DefaultCheck, Env: map[string]string{}}
	var cmd []string
	seenDashDash := false
	for _, a := range args {
		if seenDashDash {
			cmd = append(cmd, a)
			continue
		}
		switch {
		case a == "--":
			seenDashDash = true
		case a == "--capture":
			opts.Capture = true
		case a == "--quiet":
			opts.Quiet = true
		case a == "--no-check":
			opts.Check = false
		case strings.HasPrefix(a, "--cwd="):
			opts.Cwd = strings.TrimPrefix(a, "--cwd=")
		case strings.HasPrefix(a, "--shell="):
			opts.Shell = strings.TrimPrefix(a, "--shell=")
		case strings.HasPrefix(a, "--env="):
			kv := strings.SplitN(strings.TrimPrefix(a, "--env="), "=", 2)
			if len(kv) == 2 {
				opts.Env[kv[0]] = kv[1]
			}
		default:
			cmd = append(cmd, a)
		}
	}

	result, err := h.Runner.Run(ctx, strings.Join(cmd, " "), opts)
	if err != nil {
		return err
	}
	if opts.Capture {
		fmt.Fprintf(hc.Stdout, "%s\t%s\t%d\n", result.Stdout, result.Stderr, result.ExitCode)
	}
	if opts.Check && result.ExitCode != 0 {
		return fmt.Errorf("envy.run: command exited %s", strconv.Itoa(result.ExitCode))
	}
	return nil
}

// PhaseFromString is a small re-export so callers that only have the
// textual phase name (e.g. off a CLI flag) can build a Checker without
// importing internal/spec directly for this one conversion.
func PhaseFromString(s string) (specpkg.Phase, bool) {
	return specpkg.ParsePhase(s)
}
