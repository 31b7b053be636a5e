// Package sandbox implements the per-phase hook execution environment and
// its dependency-scoped access control. Hooks are shell
// scripts run through mvdan.cc/sh/v3's interp.Runner (see sandbox.go); this
// file implements the envy.* access-control rules independently of the
// shell plumbing so they can be unit-tested against a graph directly.
package sandbox

import (
	"fmt"
	"strings"

	"github.com/wharflab/envy/internal/resolve"
	specpkg "github.com/wharflab/envy/internal/spec"
	"github.com/wharflab/envy/internal/trace"
)

// HostAPI is everything the sandbox delegates to once an access check
// passes: resolving a cache-managed dependency's pkg path, a product's
// value, a bundle asset's path, and running processes. Implemented by
// internal/workspace, which has the cache store and scheduler state the
// sandbox package itself doesn't need to know about.
type HostAPI interface {
	// PkgPath returns the on-disk pkg/ directory for a resolved, already
	// cache-complete node.
	PkgPath(n *resolve.Node) (string, error)
	// ProductValue returns a product's value: either the declarative
	// "pkg/<product-path>" join, or the provider's programmatic return
	// value if the product was produced that way.
	ProductValue(n *resolve.Node, product string) (string, error)
	// AssetPath returns a bundle member's on-disk path once staged.
	AssetPath(bundleAlias string, member string) (string, error)
}

// AccessError is raised when a sandbox call violates the dependency-scoped
// access rules: the message text always reads "has no strong dependency
// on 'X'" so callers can grep for it.
type AccessError struct {
	Caller string
	Target string
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s has no strong dependency on '%s': %s", "sandbox", e.Caller, e.Target, e.Reason)
}

// Checker enforces the access rules against one caller node's resolved
// edges, for calls made during a specific phase.
type Checker struct {
	Node  *resolve.Node
	Phase specpkg.Phase
	Host  HostAPI
	Trace *trace.Sink
}

// Package implements envy.package(identity_query): succeeds iff the caller
// has a resolved strong spec-dep on identity_query AND that dep's
// needed_by <= current phase AND the target is cache-managed.
func (c *Checker) Package(query string) (string, error) {
	target, dep, err := c.findStrongTarget(query)
	if err != nil {
		c.emit(trace.EventCtxPackageAccess, query, false)
		return "", err
	}
	if !c.satisfied(dep) {
		c.emit(trace.EventCtxPackageAccess, query, false)
		return "", &AccessError{Caller: c.Node.Identity.String(), Target: target.Identity.String(),
			Reason: fmt.Sprintf("needed_by %q but accessed during %q", dep.ResolvedNeededBy(), c.Phase)}
	}
	if target.Spec != nil && target.Spec.UserManaged() {
		c.emit(trace.EventCtxPackageAccess, query, false)
		return "", &AccessError{Caller: c.Node.Identity.String(), Target: target.Identity.String(),
			Reason: "is user-managed and has no pkg path"}
	}
	path, err := c.Host.PkgPath(target)
	if err != nil {
		c.emit(trace.EventCtxPackageAccess, query, false)
		return "", err
	}
	c.emit(trace.EventCtxPackageAccess, query, true)
	return path, nil
}

// Product implements envy.product(name): succeeds iff the caller declared
// a (weak or strong) product dep with that name, needed_by is satisfied,
// and exactly one provider is bound.
func (c *Checker) Product(name string) (string, error) {
	var matches []*resolve.Edge
	for _, e := range c.Node.Edges {
		if e.Dep.Product == name {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		c.emit(trace.EventCtxProductAccess, name, false)
		return "", &AccessError{Caller: c.Node.Identity.String(), Target: name, Reason: "no declared product dependency"}
	}
	if len(matches) > 1 {
		c.emit(trace.EventCtxProductAccess, name, false)
		return "", &AccessError{Caller: c.Node.Identity.String(), Target: name, Reason: "multiple product dependencies with this name"}
	}
	edge := matches[0]
	if !c.satisfied(edge.Dep) {
		c.emit(trace.EventCtxProductAccess, name, false)
		return "", &AccessError{Caller: c.Node.Identity.String(), Target: name,
			Reason: fmt.Sprintf("needed_by %q but accessed during %q", edge.Dep.ResolvedNeededBy(), c.Phase)}
	}
	if edge.Target == nil {
		c.emit(trace.EventCtxProductAccess, name, false)
		return "", &AccessError{Caller: c.Node.Identity.String(), Target: name, Reason: "no provider bound"}
	}
	val, err := c.Host.ProductValue(edge.Target, name)
	if err != nil {
		c.emit(trace.EventCtxProductAccess, name, false)
		return "", err
	}
	c.emit(trace.EventCtxProductAccess, name, true)
	return val, nil
}

// Asset implements envy.asset(identity): same contract as Package, but
// against bundle dependencies rather than strong spec dependencies.
func (c *Checker) Asset(query string) (string, error) {
	for _, e := range c.Node.Edges {
		if e.Dep.Kind != specpkg.KindBundle && e.Dep.Kind != specpkg.KindSpecFromBundle {
			continue
		}
		if !matchesBundleQuery(e.Dep.Bundle, query) {
			continue
		}
		if !c.satisfied(e.Dep) {
			c.emit(trace.EventCtxAssetAccess, query, false)
			return "", &AccessError{Caller: c.Node.Identity.String(), Target: query,
				Reason: fmt.Sprintf("needed_by %q but accessed during %q", e.Dep.ResolvedNeededBy(), c.Phase)}
		}
		path, err := c.Host.AssetPath(e.Dep.Bundle, query)
		if err != nil {
			c.emit(trace.EventCtxAssetAccess, query, false)
			return "", err
		}
		c.emit(trace.EventCtxAssetAccess, query, true)
		return path, nil
	}
	c.emit(trace.EventCtxAssetAccess, query, false)
	return "", &AccessError{Caller: c.Node.Identity.String(), Target: query, Reason: "no declared bundle dependency"}
}

// LoadenvSpec implements envy.loadenv_spec(query, subpath): traced with
// the *unresolved* query string even on success.
func (c *Checker) LoadenvSpec(query, subpath string) (string, error) {
	path, err := c.Asset(query)
	// Always trace with the raw query, not the resolved identity.
	allowed := err == nil
	c.emit(trace.EventCtxLoadenvSpecAccess, query, allowed)
	if err != nil {
		return "", err
	}
	if subpath != "" {
		path = path + "/" + subpath
	}
	return path, nil
}

func (c *Checker) findStrongTarget(query string) (*resolve.Node, specpkg.Dependency, error) {
	var candidates []*resolve.Node
	byNode := map[*resolve.Node]specpkg.Dependency{}
	for _, e := range c.Node.Edges {
		if e.Weak || e.Target == nil {
			continue
		}
		if e.Dep.Kind != specpkg.KindStrongSpec && e.Dep.Kind != specpkg.KindStrongProduct {
			continue
		}
		if matchesIdentityQuery(query, e.Target.Identity.String()) {
			candidates = append(candidates, e.Target)
			byNode[e.Target] = e.Dep
		}
	}
	switch len(candidates) {
	case 0:
		return nil, specpkg.Dependency{}, &AccessError{Caller: c.Node.Identity.String(), Target: query, Reason: "not a declared strong dependency"}
	case 1:
		return candidates[0], byNode[candidates[0]], nil
	default:
		return nil, specpkg.Dependency{}, &AccessError{Caller: c.Node.Identity.String(), Target: query, Reason: "ambiguous: matches multiple declared dependencies"}
	}
}

func (c *Checker) satisfied(dep specpkg.Dependency) bool {
	return dep.ResolvedNeededBy().Rank() <= c.Phase.Rank()
}

func (c *Checker) emit(event, target string, allowed bool) {
	if c.Trace == nil {
		return
	}
	c.Trace.Emit(trace.Event{
		Event:   event,
		Spec:    c.Node.Identity.String(),
		Target:  target,
		Phase:   c.Phase.String(),
		Allowed: trace.Allowed(allowed),
	})
}

// matchesIdentityQuery mirrors resolve.MatchIdentity's fuzzy rule for a
// single string candidate: a query matches if it equals the candidate
// outright, equals the candidate with its "@revision" suffix dropped, or
// is a '.'/'/' suffix of either form.
func matchesIdentityQuery(query, candidate string) bool {
	if query == candidate {
		return true
	}
	bare := candidate
	if idx := strings.IndexByte(candidate, '@'); idx >= 0 {
		bare = candidate[:idx]
	}
	if query == bare {
		return true
	}
	for _, form := range []string{candidate, bare} {
		if strings.HasSuffix(form, "."+query) || strings.HasSuffix(form, "/"+query) {
			return true
		}
	}
	return false
}

func matchesBundleQuery(alias, query string) bool {
	return alias == query || matchesIdentityQuery(query, alias)
}
