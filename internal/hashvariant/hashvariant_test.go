package hashvariant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wharflab/envy/internal/identity"
)

func TestHash_DeterministicAndLength(t *testing.T) {
	in := Input{Identity: identity.MustParse("local.foo@1")}
	a := Hash(in)
	b := Hash(in)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestHash_WeakPairOrderDoesNotMatter(t *testing.T) {
	id := identity.MustParse("local.foo@1")
	p1 := Pair{Product: "cc", Provider: identity.MustParse("upstream.gcc@1")}
	p2 := Pair{Product: "ld", Provider: identity.MustParse("upstream.binutils@1")}

	a := Hash(Input{Identity: id, Weak: []Pair{p1, p2}})
	b := Hash(Input{Identity: id, Weak: []Pair{p2, p1}})
	require.Equal(t, a, b)
}

func TestHash_DifferentInputsProduceDifferentHashes(t *testing.T) {
	a := Hash(Input{Identity: identity.MustParse("local.foo@1")})
	b := Hash(Input{Identity: identity.MustParse("local.bar@1")})
	require.NotEqual(t, a, b)
}

func TestHash_FallbackAffectsHash(t *testing.T) {
	id := identity.MustParse("local.foo@1")
	fallback := identity.MustParse("local.fallback@1")
	a := Hash(Input{Identity: id})
	b := Hash(Input{Identity: id, Fallback: &fallback})
	require.NotEqual(t, a, b)
}

func TestCanonicalOptions_SortsKeysRecursively(t *testing.T) {
	v := map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": "hi"},
	}
	got, err := CanonicalOptions(v)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"y":"hi","z":true},"b":1}`, got)
}

func TestCanonicalOptions_List(t *testing.T) {
	got, err := CanonicalOptions([]any{1, "two", false, nil})
	require.NoError(t, err)
	require.Equal(t, `[1,"two",false,null]`, got)
}

func TestCanonicalOptions_RejectsFunctions(t *testing.T) {
	_, err := CanonicalOptions(map[string]any{"f": func() {}})
	require.Error(t, err)
}

func TestCanonicalOptions_EscapesQuotesInStrings(t *testing.T) {
	got, err := CanonicalOptions(`say "hi"`)
	require.NoError(t, err)
	require.Equal(t, `"say \"hi\""`, got)
}
