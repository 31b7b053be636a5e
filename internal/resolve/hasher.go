package resolve

import "github.com/wharflab/envy/internal/hashvariant"

// AssignVariantHashes computes the BLAKE3 variant hash for
// every node in the graph. Must run after the weak/ref-only fixpoint has
// bound every edge, so each node's hash input is complete. Because strong
// deps don't contribute hash input directly (they're reached transitively
// through their own hash), nodes may be visited in any order.
func AssignVariantHashes(g *Graph) {
	for _, n := range g.Nodes {
		var pairs []hashvariant.Pair
		for _, e := range n.Edges {
			if e.Weak && e.Target != nil {
				pairs = append(pairs, hashvariant.Pair{Product: e.Dep.Product, Provider: e.Target.Identity})
			}
		}
		n.VariantHash = hashvariant.Hash(hashvariant.Input{
			Identity: n.Identity,
			Weak:     pairs,
			Fallback: n.FallbackIdentity,
		})
	}
}
