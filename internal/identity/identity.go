// Package identity parses and canonicalizes envy identities and the
// platform/arch pair used to name cache entries.
package identity

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/containerd/platforms"
)

// Identity is the parsed form of "namespace.name@revision".
type Identity struct {
	Namespace string
	Name      string
	Revision  string // may be empty; revisions are opaque, no ordering
}

// Local is the namespace reserved for project-private specs.
const Local = "local"

// Parse splits a raw identity string into its three parts. The grammar is
// "namespace.name" or "namespace.name@revision"; namespace and name must be
// non-empty.
func Parse(raw string) (Identity, error) {
	namePart := raw
	revision := ""
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		namePart = raw[:idx]
		revision = raw[idx+1:]
	}
	dot := strings.IndexByte(namePart, '.')
	if dot <= 0 || dot == len(namePart)-1 {
		return Identity{}, fmt.Errorf("identity: %q is not of the form namespace.name[@revision]", raw)
	}
	return Identity{
		Namespace: namePart[:dot],
		Name:      namePart[dot+1:],
		Revision:  revision,
	}, nil
}

// MustParse is Parse but panics on error; used for literals in tests and
// statically-known builtin identities.
func MustParse(raw string) Identity {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the canonical textual form.
func (id Identity) String() string {
	if id.Revision == "" {
		return id.Namespace + "." + id.Name
	}
	return id.Namespace + "." + id.Name + "@" + id.Revision
}

// IsLocal reports whether this identity belongs to the project-private
// namespace (as opposed to a remote/shared namespace).
func (id Identity) IsLocal() bool {
	return id.Namespace == Local
}

// IsRemote is the negation of IsLocal, spelled out for readability at call
// sites that check the resolver's security constraint against it.
func (id Identity) IsRemote() bool {
	return !id.IsLocal()
}

// Canonical returns the byte sequence that hashing and equality use: the
// identity's String form. Kept as a named function so callers that build
// hash input don't need to know String() doubles as the canonical form.
func (id Identity) Canonical() string {
	return id.String()
}

// Platform is the canonicalized <os>-<arch> pair used in cache directory
// names, e.g. "linux-amd64".
type Platform struct {
	OS   string
	Arch string
}

// Current returns the running process's platform, normalized through
// containerd/platforms the same way an OCI reference would be, then
// re-rendered with a hyphen (cache paths can't contain '/').
func Current() Platform {
	return FromOCI(runtime.GOOS, runtime.GOARCH)
}

// FromOCI canonicalizes a raw (os, arch) pair the way container tooling
// does (e.g. "x86_64" -> "amd64"), using containerd/platforms' normalizer.
func FromOCI(osName, arch string) Platform {
	spec := platforms.Normalize(platforms.Platform{OS: osName, Architecture: arch})
	return Platform{OS: spec.OS, Arch: spec.Architecture}
}

// String renders "<os>-<arch>", the directory-name-safe form used in
// cache entry paths.
func (p Platform) String() string {
	return p.OS + "-" + p.Arch
}

// Matches reports whether a dependency's declared platform constraint
// (empty means "any") is satisfied by this platform.
func (p Platform) Matches(constraint string) bool {
	if constraint == "" {
		return true
	}
	want := platforms.Normalize(platforms.MustParse(strings.ReplaceAll(constraint, "-", "/")))
	return want.OS == p.OS && want.Architecture == p.Arch
}
