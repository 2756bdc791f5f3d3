package vfs_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rescache/vfs"
	"github.com/meigma/rescache/vfs/local"
)

func TestNamespaceLongestPrefix(t *testing.T) {
	t.Parallel()

	ns := vfs.NewNamespace()
	short := local.New()
	long := local.New()
	require.NoError(t, ns.Mount("cache:/", short))
	require.NoError(t, ns.Mount("cache:/nb/", long))

	d, err := ns.Resolve("cache:/nb/res/file.ydr")
	require.NoError(t, err)
	assert.Same(t, long, d)

	d, err = ns.Resolve("cache:/res/file.ydr")
	require.NoError(t, err)
	assert.Same(t, short, d)

	_, err = ns.Resolve("other:/x")
	assert.ErrorIs(t, err, vfs.ErrNoDevice)
}

func TestNamespaceUnmount(t *testing.T) {
	t.Parallel()

	ns := vfs.NewNamespace()
	require.NoError(t, ns.Mount("cache:/", local.New()))
	ns.Unmount("cache:/")
	ns.Unmount("missing:/")

	_, err := ns.Resolve("cache:/res/a")
	assert.ErrorIs(t, err, vfs.ErrNoDevice)
}

func TestNamespaceMountValidation(t *testing.T) {
	t.Parallel()

	ns := vfs.NewNamespace()
	assert.Error(t, ns.Mount("", local.New()))
	assert.Error(t, ns.Mount("cache:/", nil))
}

func TestReader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.bin")
	content := bytes.Repeat([]byte("abc"), 4096)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	d := local.New()
	h, err := d.Open(path, true)
	require.NoError(t, err)
	defer d.Close(h)

	got, err := io.ReadAll(vfs.NewReader(d, h))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
