package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagsFromCacheRoot_Empty(t *testing.T) {
	require.Nil(t, flagsFromCacheRoot(""))
}

func TestFlagsFromCacheRoot_SetsKey(t *testing.T) {
	flags := flagsFromCacheRoot("/tmp/cache")
	require.Equal(t, map[string]any{"cache-root": "/tmp/cache"}, flags)
}
