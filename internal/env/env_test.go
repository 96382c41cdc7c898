package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLaterWins(t *testing.T) {
	got := Merge(Vars{"A": "1", "B": "1"}, nil, Vars{"B": "2"})
	assert.Equal(t, Vars{"A": "1", "B": "2"}, got)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.env"), []byte("HOSTCTL_SYSROOT=/a\n# comment\nX=\"quoted value\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.env"), []byte("HOSTCTL_SYSROOT=/b\n"), 0o644))

	vars, err := LoadEnvFiles(dir, []string{"a.env", "", "b.env"})
	require.NoError(t, err)
	assert.Equal(t, "/b", vars["HOSTCTL_SYSROOT"])
	assert.Equal(t, "quoted value", vars["X"])

	_, err = LoadEnvFiles(dir, []string{"missing.env"})
	require.Error(t, err)
}

func TestLoadOptionalEnvFile(t *testing.T) {
	vars, err := LoadOptionalEnvFile(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Empty(t, vars)
}
