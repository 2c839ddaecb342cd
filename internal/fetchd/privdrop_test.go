package fetchd

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCacheRootCreatesMissingDir(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "debuginfo", "lib")
	require.NoError(t, EnsureCacheRoot(dir, me.Username))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureCacheRootIdempotentWhenAlreadyOwned(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "debuginfo", "lib")
	require.NoError(t, EnsureCacheRoot(dir, me.Username))
	require.NoError(t, EnsureCacheRoot(dir, me.Username))
}
