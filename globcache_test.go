package satip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileGlobCachedReturnsSameInstance(t *testing.T) {
	g1, err := compileGlobCached("DVBS2-*")
	require.NoError(t, err)
	require.NotNil(t, g1)

	g2, err := compileGlobCached("DVBS2-*")
	require.NoError(t, err)
	require.Same(t, g1, g2)
}

func TestCompileGlobCachedInvalidPattern(t *testing.T) {
	_, err := compileGlobCached("[")
	require.Error(t, err)
}

func TestCompileGlobCachedMatches(t *testing.T) {
	g, err := compileGlobCached("S19.2E*")
	require.NoError(t, err)
	require.True(t, g.Match("S19.2E-Astra"))
	require.False(t, g.Match("T-DVBT"))
}
