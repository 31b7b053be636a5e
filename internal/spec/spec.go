// Package spec defines the parsed form of a spec file and its dependency
// declarations.
package spec

import "github.com/wharflab/envy/internal/identity"

// Phase names a point in the per-instance state machine.
type Phase int

const (
	PhaseFetch Phase = iota
	PhaseStage
	PhaseBuild
	PhaseInstall
	PhaseCheck
)

var phaseNames = [...]string{"fetch", "stage", "build", "install", "check"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// ParsePhase parses a needed_by value. Defaults are applied by the caller
// (spec deps default to "install", bundle deps to "check").
func ParsePhase(s string) (Phase, bool) {
	for i, n := range phaseNames {
		if n == s {
			return Phase(i), true
		}
	}
	return 0, false
}

// Rank returns each phase's position in the total order
// check < fetch < stage < build < install, used to compare "needed_by
// satisfied by current phase" style gates. Check ranks first: it is the
// checkpoint run before a user-managed node's own Fetching even starts,
// so a bundle dependency left at its default needed_by ("check") must
// already be satisfied by the time any later phase runs.
func (p Phase) Rank() int {
	switch p {
	case PhaseCheck:
		return 0
	case PhaseFetch:
		return 1
	case PhaseStage:
		return 2
	case PhaseBuild:
		return 3
	case PhaseInstall:
		return 4
	default:
		return 5
	}
}

// DependencyKind distinguishes the five dependency entry shapes a spec's
// DEPENDENCIES list can declare.
type DependencyKind int

const (
	KindStrongSpec DependencyKind = iota
	KindStrongProduct
	KindWeakProduct
	KindBundle
	KindSpecFromBundle
)

// Dependency is one entry of a spec's DEPENDENCIES list.
type Dependency struct {
	Kind DependencyKind

	// Spec identifies the dependency's spec, when applicable (strong spec,
	// strong product, spec-from-bundle).
	Spec string

	// Product names the product this edge asks for (strong/weak product).
	Product string

	// Source is the filesystem path (or bundle alias) the dependency is
	// loaded from.
	Source string

	// Bundle is set for bundle dependencies and spec-from-bundle
	// dependencies: the bundle's identity or a declared alias.
	Bundle string

	// Options are the canonicalizable options passed to the dependency's
	// spec, if any.
	Options map[string]any

	// Weak holds the fallback declaration for a weak product dependency:
	// the spec+source to instantiate if no existing instance provides the
	// product.
	Weak *WeakFallback

	// NeededBy is the earliest phase of the *dependent* at which this
	// dependency's corresponding phase must be complete. Zero value means
	// "not set"; ResolvedNeededBy applies the context-sensitive default.
	NeededBy    Phase
	neededBySet bool
}

// SetNeededBy records an explicit needed_by value (vs. the zero value
// meaning "apply default").
func (d *Dependency) SetNeededBy(p Phase) {
	d.NeededBy = p
	d.neededBySet = true
}

// ResolvedNeededBy returns the effective needed_by phase: the explicit
// value if set, otherwise the context default (spec dependency -> install,
// bundle dependency -> check).
func (d Dependency) ResolvedNeededBy() Phase {
	if d.neededBySet {
		return d.NeededBy
	}
	if d.Kind == KindBundle {
		return PhaseCheck
	}
	return PhaseInstall
}

// WeakFallback is the fallback spec+source a weak product dependency
// instantiates when no candidate in the instance pool provides the
// product.
type WeakFallback struct {
	Spec   string
	Source string
}

// Hook is one phase's hook script, or the sentinel meaning "declarative".
type Hook struct {
	// Script is the shell script text executed through internal/sandbox.
	// An empty Script on a non-declarative Hook makes the phase do nothing;
	// only a nil Hook lets a phase fall back to its default (STAGE extracts
	// fetch/ archives, INSTALL copies the stage output).
	Script string

	// Declarative marks a hook that should run the built-in default
	// behavior instead of executing Script.
	Declarative bool

	// DeclarativeFetch carries the URL/SHA-256 for a declarative FETCH.
	DeclarativeFetch *FetchSource

	// StageStrip is the "strip = N" leading path component count for a
	// declarative STAGE.
	StageStrip int
}

// FetchSource is a single declaratively-fetched source.
type FetchSource struct {
	URL    string
	SHA256 string // optional; empty means unchecked
}

// Spec is the parsed, validated form of a spec file.
type Spec struct {
	Identity     identity.Identity
	Dependencies []Dependency

	// Products maps a declared product name to its relative path inside
	// pkg/, for declarative products. A product may also be resolved
	// programmatically by the BUILD/INSTALL hook; those aren't listed
	// here.
	Products map[string]string

	Exportable bool

	Check   *Hook
	Fetch   *Hook
	Stage   *Hook
	Build   *Hook
	Install *Hook
	Validate *Hook

	// SourcePath is the file the spec was loaded from, retained for error
	// messages and re-hashing.
	SourcePath string
}

// UserManaged reports whether the spec declares a CHECK hook, which makes
// it user-managed: side effects land on the host, never persisted in the
// cache.
func (s *Spec) UserManaged() bool {
	return s.Check != nil
}

// HookFor returns the hook for a given phase, or nil if none is declared.
func (s *Spec) HookFor(p Phase) *Hook {
	switch p {
	case PhaseFetch:
		return s.Fetch
	case PhaseStage:
		return s.Stage
	case PhaseBuild:
		return s.Build
	case PhaseInstall:
		return s.Install
	case PhaseCheck:
		return s.Check
	default:
		return nil
	}
}
