package local

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rescache/vfs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDeviceReadSeekLength(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "a.txt", "hello world")
	d := New()

	h, err := d.Open(path, true)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := d.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	pos, err := d.Seek(h, 6, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	n, err = d.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	size, err := d.Length(h)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	require.NoError(t, d.Close(h))
	assert.ErrorIs(t, d.Close(h), vfs.ErrInvalidHandle)
	_, err = d.Read(h, buf)
	assert.ErrorIs(t, err, vfs.ErrInvalidHandle)
}

func TestDeviceReadBulk(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "bulk.bin", "0123456789")
	d := New()

	h, base, err := d.OpenBulk(path)
	require.NoError(t, err)
	assert.Zero(t, base)
	defer d.CloseBulk(h)

	buf := make([]byte, 4)
	n, err := d.ReadBulk(h, 3, buf)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf[:n]))

	n, err = d.ReadBulk(h, 8, buf)
	require.NoError(t, err)
	assert.Equal(t, "89", string(buf[:n]))

	n, err = d.ReadBulk(h, 10, buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func TestDeviceOpenMissing(t *testing.T) {
	t.Parallel()

	d := New()
	h, err := d.Open(filepath.Join(t.TempDir(), "missing"), true)
	assert.Error(t, err)
	assert.Equal(t, vfs.InvalidHandle, h)
}

func TestDeviceAttributesAndLengthOf(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "f.txt", "abc")
	d := New()

	attrs, err := d.Attributes(dir)
	require.NoError(t, err)
	assert.Equal(t, vfs.AttrDirectory, attrs)

	attrs, err = d.Attributes(path)
	require.NoError(t, err)
	assert.Zero(t, attrs)

	size, err := d.LengthOf(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	attrs, err = d.Attributes(filepath.Join(dir, "nope"))
	assert.Error(t, err)
	assert.Equal(t, vfs.InvalidAttributes, attrs)

	assert.ErrorIs(t, d.ExtensionControl(1, nil), vfs.ErrUnsupported)
}

func TestDeviceFind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "a")
	writeFile(t, dir, "b.txt", "bb")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	d := New()
	h, first, err := d.FindFirst(dir)
	require.NoError(t, err)

	names := map[string]vfs.FindData{first.Name: first}
	for {
		fd, err := d.FindNext(h)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[fd.Name] = fd
	}
	require.NoError(t, d.FindClose(h))

	require.Len(t, names, 3)
	assert.Equal(t, int64(2), names["b.txt"].Size)
	assert.Equal(t, vfs.AttrDirectory, names["sub"].Attributes)
	assert.ErrorIs(t, d.FindClose(h), vfs.ErrInvalidHandle)
}
