// Package resolve builds the dependency DAG from a root manifest: identity
// canonicalization, strong-dependency recursion, the weak/ref-only product
// fixpoint, cycle detection, and the local/remote security constraint.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wharflab/envy/internal/bundle"
	"github.com/wharflab/envy/internal/hashvariant"
	"github.com/wharflab/envy/internal/identity"
	"github.com/wharflab/envy/internal/manifest"
	specpkg "github.com/wharflab/envy/internal/spec"
)

// SpecSource loads a spec file from disk. Implemented by internal/specfile
// in production; tests supply an in-memory fake.
type SpecSource interface {
	LoadSpec(path string, expected identity.Identity, sha256Hex string) (*specpkg.Spec, error)
}

// ResolutionError enumerates the resolver's failure kinds: cycles,
// unresolved weak deps, ambiguous matches, security violations.
type ResolutionError struct {
	Kind    string // "schema", "cycle", "unresolved", "ambiguous", "security"
	Message string
	Details []string
}

func (e *ResolutionError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("resolve: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("resolve: %s: %s (%s)", e.Kind, e.Message, strings.Join(e.Details, ", "))
}

// Node is one instance in the resolved DAG.
type Node struct {
	Key      string // canonical memoization key: identity | canonical-options
	Identity identity.Identity
	Options  map[string]any
	Spec     *specpkg.Spec

	// Weak is not populated by the resolver; AssignVariantHashes derives
	// the (product, provider) hash inputs from the node's weak Edges.
	Weak             []hashvariant.Pair
	UsedFallback     bool
	FallbackIdentity *identity.Identity

	Edges []*Edge

	VariantHash string // filled in by AssignVariantHashes after resolution
}

// Edge is one dependency relationship from a dependent node to a provider
// node, annotated with the needed_by phase that gates scheduling.
type Edge struct {
	Dep      specpkg.Dependency
	NeededBy specpkg.Phase
	Target   *Node
	Weak     bool // weak or ref-only product edge: contributes to variant hash
}

// Graph is the resolver's output: the DAG roots and a canonical-key index
// of every node reached.
type Graph struct {
	Roots []*Node
	Nodes map[string]*Node
}

// NodeByIdentity finds a resolved node by its identity, regardless of the
// canonical-options key it was memoized under. Returns nil if no node in
// the graph carries that identity.
func (g *Graph) NodeByIdentity(id identity.Identity) *Node {
	for _, n := range g.Nodes {
		if n.Identity == id {
			return n
		}
	}
	return nil
}

// Resolver builds Graphs from manifest input.
type Resolver struct {
	Source  SpecSource
	Bundles map[string]*bundle.Manifest // alias/identity -> loaded bundle

	nodes     map[string]*Node
	memo      *lru.Cache[string, *Node]
	onStack   map[string]bool
	stackPath []string

	pendingWeak []*Edge // weak/ref-only edges collected during strong-dep recursion
	boundBy     map[*Edge][]identity.Identity // every distinct provider an edge was ever matched to, for divergence detection
}

// New creates a Resolver. memoCapacity sizes an LRU that the Resolver
// allocates but does not consult: Build memoizes through its per-call nodes
// map only, so nothing carries over between Build calls.
func New(source SpecSource, bundles map[string]*bundle.Manifest, memoCapacity int) (*Resolver, error) {
	if memoCapacity <= 0 {
		memoCapacity = 1024
	}
	cache, err := lru.New[string, *Node](memoCapacity)
	if err != nil {
		return nil, fmt.Errorf("resolve: creating memoization cache: %w", err)
	}
	return &Resolver{Source: source, Bundles: bundles, memo: cache}, nil
}

// Build resolves a manifest's PACKAGES entries into a Graph.
func (r *Resolver) Build(entries []manifest.PackageEntry) (*Graph, error) {
	r.nodes = map[string]*Node{}
	r.onStack = map[string]bool{}
	r.pendingWeak = nil
	r.boundBy = map[*Edge][]identity.Identity{}

	var roots []*Node
	for _, e := range entries {
		id, err := identity.Parse(e.Spec)
		if err != nil {
			return nil, &ResolutionError{Kind: "schema", Message: err.Error()}
		}
		node, err := r.instantiate(id, e.Source, e.Options)
		if err != nil {
			return nil, err
		}
		roots = append(roots, node)
	}

	if err := r.runFixpoint(); err != nil {
		return nil, err
	}

	if err := r.checkSecurity(); err != nil {
		return nil, err
	}

	if err := r.detectFetchOnlyCycles(); err != nil {
		return nil, err
	}

	return &Graph{Roots: roots, Nodes: r.nodes}, nil
}

// instantiate loads (or reuses, by canonical key) the node for identity id
// with the given options, recursing eagerly into its strong dependencies
// and deferring weak/ref-only edges for the fixpoint pass.
func (r *Resolver) instantiate(id identity.Identity, source string, options map[string]any) (*Node, error) {
	canon, err := hashvariant.CanonicalOptions(options)
	if err != nil {
		return nil, &ResolutionError{Kind: "schema", Message: fmt.Sprintf("%s: %v", id, err)}
	}
	key := id.Canonical() + "|" + canon

	if r.onStack[key] {
		cyclePath := append(append([]string{}, r.stackPath...), id.String())
		return nil, &ResolutionError{Kind: "cycle", Message: strings.Join(cyclePath, " -> ")}
	}
	if existing, ok := r.nodes[key]; ok {
		return existing, nil
	}

	s, err := r.Source.LoadSpec(source, id, "")
	if err != nil {
		return nil, fmt.Errorf("resolve: loading %s: %w", id, err)
	}

	node := &Node{Key: key, Identity: id, Options: options, Spec: s}
	r.nodes[key] = node
	r.onStack[key] = true
	r.stackPath = append(r.stackPath, id.String())
	defer func() {
		r.onStack[key] = false
		r.stackPath = r.stackPath[:len(r.stackPath)-1]
	}()

	for i := range s.Dependencies {
		dep := s.Dependencies[i]
		switch dep.Kind {
		case specpkg.KindStrongSpec, specpkg.KindStrongProduct:
			depID, err := identity.Parse(dep.Spec)
			if err != nil {
				return nil, &ResolutionError{Kind: "schema", Message: err.Error()}
			}
			target, err := r.instantiate(depID, dep.Source, dep.Options)
			if err != nil {
				return nil, err
			}
			node.Edges = append(node.Edges, &Edge{Dep: dep, NeededBy: dep.ResolvedNeededBy(), Target: target})
		case specpkg.KindWeakProduct:
			edge := &Edge{Dep: dep, NeededBy: dep.ResolvedNeededBy(), Weak: true}
			node.Edges = append(node.Edges, edge)
			r.pendingWeak = append(r.pendingWeak, edge)
		case specpkg.KindBundle, specpkg.KindSpecFromBundle:
			target, err := r.instantiateFromBundle(dep)
			if err != nil {
				return nil, err
			}
			node.Edges = append(node.Edges, &Edge{Dep: dep, NeededBy: dep.ResolvedNeededBy(), Target: target})
		}
	}

	return node, nil
}

func (r *Resolver) instantiateFromBundle(dep specpkg.Dependency) (*Node, error) {
	if dep.Kind == specpkg.KindBundle {
		return nil, nil // bundle-only deps grant asset/loadenv_spec access, no spec node
	}
	b, ok := r.Bundles[dep.Bundle]
	if !ok {
		return nil, &ResolutionError{Kind: "schema", Message: fmt.Sprintf("unknown bundle alias %q", dep.Bundle)}
	}
	depID, err := identity.Parse(dep.Spec)
	if err != nil {
		return nil, &ResolutionError{Kind: "schema", Message: err.Error()}
	}
	path, ok := b.MemberPath(depID)
	if !ok {
		return nil, &ResolutionError{Kind: "schema", Message: fmt.Sprintf("bundle %s has no member %s", b.Bundle, depID)}
	}
	return r.instantiate(depID, path, dep.Options)
}

// candidatePool returns, for the current node set, every (product,
// providerNode) pair a weak edge could bind to: each node's declared
// PRODUCTS keys. Node identities are not added to the pool.
func (r *Resolver) candidatePool() map[string][]*Node {
	pool := map[string][]*Node{}
	for _, n := range r.nodes {
		if n.Spec == nil {
			continue
		}
		for product := range n.Spec.Products {
			pool[product] = append(pool[product], n)
		}
	}
	return pool
}

// runFixpoint resolves every weak/ref-only edge collected during strong
// recursion: repeat until a full pass makes no progress; instantiate
// declared fallbacks on zero-candidate misses; flag divergent bindings
// (see DESIGN.md) and remaining unresolved edges as errors.
func (r *Resolver) runFixpoint() error {
	pending := r.pendingWeak
	for {
		pool := r.candidatePool()
		progressed := false
		var next []*Edge

		for _, edge := range pending {
			product := edge.Dep.Product
			candidates := pool[product]

			switch len(candidates) {
			case 1:
				if err := r.bind(edge, candidates[0]); err != nil {
					return err
				}
				progressed = true
			case 0:
				if edge.Dep.Weak != nil {
					id, err := identity.Parse(edge.Dep.Weak.Spec)
					if err != nil {
						return &ResolutionError{Kind: "schema", Message: err.Error()}
					}
					fb, err := r.instantiate(id, edge.Dep.Weak.Source, nil)
					if err != nil {
						return err
					}
					if !providesProduct(fb, product, r.nodes) {
						return &ResolutionError{Kind: "unresolved", Message: fmt.Sprintf(
							"weak dependency fallback %s does not provide product %q (transitively)", id, product)}
					}
					if err := r.bind(edge, fb); err != nil {
						return err
					}
					fallbackID := fb.Identity
					fb.UsedFallback = true
					fb.FallbackIdentity = &fallbackID
					progressed = true
				} else {
					next = append(next, edge) // defer; pool may grow later
				}
			default:
				ids := make([]string, len(candidates))
				for i, c := range candidates {
					ids[i] = c.Identity.String()
				}
				sort.Strings(ids)
				return &ResolutionError{Kind: "ambiguous", Message: fmt.Sprintf("product %q matched multiple candidates", product), Details: ids}
			}
		}

		pending = next
		if !progressed {
			break
		}
	}

	if len(pending) > 0 {
		var details []string
		for _, e := range pending {
			details = append(details, e.Dep.Product)
		}
		return &ResolutionError{Kind: "unresolved", Message: fmt.Sprintf("%d weak dependencies could not be resolved", len(pending)), Details: details}
	}
	return nil
}

// bind records a weak edge's provider and checks for divergence: if a
// previous pass ever bound this edge to a different provider, reject as
// ambiguous rather than silently taking the latest binding.
func (r *Resolver) bind(edge *Edge, provider *Node) error {
	seen := r.boundBy[edge]
	for _, id := range seen {
		if id != provider.Identity {
			return &ResolutionError{Kind: "ambiguous", Message: fmt.Sprintf(
				"weak dependency on product %q resolved to different providers depending on fixpoint iteration order",
				edge.Dep.Product), Details: []string{id.String(), provider.Identity.String()}}
		}
	}
	r.boundBy[edge] = append(seen, provider.Identity)
	edge.Target = provider
	return nil
}

// providesProduct reports whether node, or any strong-dependency closure
// reachable from it, declares the given product.
func providesProduct(node *Node, product string, all map[string]*Node) bool {
	visited := map[string]bool{}
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		if n == nil || visited[n.Key] {
			return false
		}
		visited[n.Key] = true
		if n.Spec != nil {
			if _, ok := n.Spec.Products[product]; ok {
				return true
			}
		}
		for _, e := range n.Edges {
			if e.Weak {
				continue // only strong edges count as "transitive provision"
			}
			if walk(e.Target) {
				return true
			}
		}
		return false
	}
	return walk(node)
}

// checkSecurity enforces the local/remote boundary: any edge whose source
// identity is remote and whose target is local fails resolution.
func (r *Resolver) checkSecurity() error {
	for _, n := range r.nodes {
		if n.Identity.IsRemote() {
			for _, e := range n.Edges {
				if e.Target != nil && e.Target.Identity.IsLocal() {
					return &ResolutionError{Kind: "security", Message: fmt.Sprintf(
						"%s (remote) depends on %s (local)", n.Identity, e.Target.Identity)}
				}
			}
		}
	}
	return nil
}

// detectFetchOnlyCycles separately checks the fetch-only subgraph (nodes
// reached only via needed_by in {fetch, stage} edges) for cycles.
// Strong-edge cycles are already caught during instantiate's
// recursion-stack check.
func (r *Resolver) detectFetchOnlyCycles() error {
	visiting := map[string]bool{}
	done := map[string]bool{}
	var path []string

	var visit func(n *Node) error
	visit = func(n *Node) error {
		if done[n.Key] {
			return nil
		}
		if visiting[n.Key] {
			cyclePath := append(append([]string{}, path...), n.Identity.String())
			return &ResolutionError{Kind: "cycle", Message: "fetch-only: " + strings.Join(cyclePath, " -> ")}
		}
		visiting[n.Key] = true
		path = append(path, n.Identity.String())
		for _, e := range n.Edges {
			if e.Target == nil {
				continue
			}
			if e.NeededBy == specpkg.PhaseFetch || e.NeededBy == specpkg.PhaseStage {
				if err := visit(e.Target); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		visiting[n.Key] = false
		done[n.Key] = true
		return nil
	}

	for _, n := range r.nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// MatchIdentity implements fuzzy suffix matching: a query matches a
// candidate's identity if it equals the candidate's full form
// (namespace.name[@revision]), its bare form with the revision dropped
// (namespace.name), name[@revision], or bare name, or is a '.'/'/' suffix
// of any of those. Ambiguity (multiple matches) is reported by the caller.
func MatchIdentity(query string, candidates []identity.Identity) []identity.Identity {
	var matches []identity.Identity
	for _, c := range candidates {
		if identityMatches(query, c) {
			matches = append(matches, c)
		}
	}
	return matches
}

func identityMatches(query string, c identity.Identity) bool {
	full := c.String()
	bare := c.Namespace + "." + c.Name
	nameRev := c.Name
	if c.Revision != "" {
		nameRev += "@" + c.Revision
	}
	if query == full || query == bare || query == nameRev || query == c.Name {
		return true
	}
	for _, form := range []string{full, bare} {
		if strings.HasSuffix(form, "."+query) || strings.HasSuffix(form, "/"+query) {
			return true
		}
	}
	return false
}
