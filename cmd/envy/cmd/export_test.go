package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wharflab/envy/internal/identity"
	"github.com/wharflab/envy/internal/resolve"
)

func graphWith(ids ...string) *resolve.Graph {
	g := &resolve.Graph{Nodes: map[string]*resolve.Node{}}
	for _, raw := range ids {
		id := identity.MustParse(raw)
		n := &resolve.Node{Key: raw, Identity: id}
		g.Nodes[raw] = n
		g.Roots = append(g.Roots, n)
	}
	return g
}

func TestFindNode_ExactIdentity(t *testing.T) {
	g := graphWith("local.foo@1", "local.bar@1")
	n := findNode(g, "local.foo@1")
	require.NotNil(t, n)
	require.Equal(t, "local.foo@1", n.Identity.String())
}

func TestFindNode_SuffixMatchWithoutRevision(t *testing.T) {
	g := graphWith("local.foo@1")
	n := findNode(g, "local.foo")
	require.NotNil(t, n)
}

func TestFindNode_AmbiguousSuffixReturnsNil(t *testing.T) {
	g := graphWith("local.foo@1", "upstream.foo@2")
	// "foo" is the bare name of both local.foo@1 and upstream.foo@2, so both
	// nodes match and the ambiguous path returns nil.
	n := findNode(g, "foo")
	require.Nil(t, n)
}

func TestFindNode_AmbiguousSuffixAcrossNamespacesReturnsNil(t *testing.T) {
	g := &resolve.Graph{Nodes: map[string]*resolve.Node{}}
	a := &resolve.Node{Key: "a", Identity: identity.MustParse("alpha.foo@1")}
	b := &resolve.Node{Key: "b", Identity: identity.MustParse("beta.foo@1")}
	g.Nodes["a"] = a
	g.Nodes["b"] = b
	n := findNode(g, "foo@1")
	require.Nil(t, n)
}

func TestFindNode_NoMatch(t *testing.T) {
	g := graphWith("local.foo@1")
	require.Nil(t, findNode(g, "local.bar@1"))
}

func TestSelectNodes_EmptySelectorsReturnsEveryNode(t *testing.T) {
	g := graphWith("local.foo@1", "local.bar@1")
	nodes, err := selectNodes(g, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestSelectNodes_UnknownSelectorErrors(t *testing.T) {
	g := graphWith("local.foo@1")
	_, err := selectNodes(g, []string{"local.nope@1"})
	require.Error(t, err)
}

func TestSelectNodes_ExactSelectors(t *testing.T) {
	g := graphWith("local.foo@1", "local.bar@1")
	nodes, err := selectNodes(g, []string{"local.bar@1"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "local.bar@1", nodes[0].Identity.String())
}
