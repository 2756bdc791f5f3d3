package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vehiclesDoc = `resource: vehicles
base_url: https://origin.example/files/vehicles/
entries:
  - name: stream/car.ydr
    hash: sha256:0000000000000000000000000000000000000000000000000000000000000001
    size: 40960
    ext:
      rscVersion: "165"
      rscPagesVirtual: "16"
  - name: stream/car.ytd
    hash: sha256:0000000000000000000000000000000000000000000000000000000000000002
    url: https://mirror.example/car.ytd
    size: 10
`

func TestSetLookup(t *testing.T) {
	t.Parallel()

	s := NewSet()
	s.Put("maps", Entry{Basename: "a.ymap", ReferenceHash: "h1", ResourceName: "ignored"})

	e, err := s.Lookup("maps", "a.ymap")
	require.NoError(t, err)
	assert.Equal(t, "maps", e.ResourceName)
	assert.Equal(t, "h1", e.ReferenceHash)

	_, err = s.Lookup("missing", "a.ymap")
	assert.ErrorIs(t, err, ErrResourceNotFound)

	_, err = s.Lookup("maps", "b.ymap")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	assert.Equal(t, []string{"maps"}, s.Resources())
	s.Remove("maps")
	assert.Empty(t, s.Resources())
}

func TestSetLookupReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewSet()
	s.Put("r", Entry{Basename: "f", ExtData: map[string]string{"k": "v"}})

	e, err := s.Lookup("r", "f")
	require.NoError(t, err)
	e.ExtData["k"] = "mutated"

	again, err := s.Lookup("r", "f")
	require.NoError(t, err)
	assert.Equal(t, "v", again.ExtData["k"])
}

func TestDecode(t *testing.T) {
	t.Parallel()

	resource, entries, err := Decode(strings.NewReader(vehiclesDoc))
	require.NoError(t, err)
	assert.Equal(t, "vehicles", resource)
	require.Len(t, entries, 2)

	assert.Equal(t, "stream/car.ydr", entries[0].Basename)
	assert.Equal(t, "https://origin.example/files/vehicles/stream/car.ydr", entries[0].RemoteURL)
	assert.Equal(t, int64(40960), entries[0].Size)
	assert.Equal(t, "165", entries[0].ExtData["rscVersion"])
	assert.Equal(t, "https://mirror.example/car.ytd", entries[1].RemoteURL)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing resource", doc: "entries: []\n"},
		{name: "slash in resource", doc: "resource: a/b\nentries: []\n"},
		{name: "missing hash", doc: "resource: r\nbase_url: http://x\nentries:\n  - name: f\n"},
		{name: "missing url", doc: "resource: r\nentries:\n  - name: f\n    hash: h\n"},
		{name: "duplicate", doc: "resource: r\nbase_url: http://x\nentries:\n  - name: f\n    hash: h\n  - name: f\n    hash: h\n"},
		{name: "unknown field", doc: "resource: r\nbogus: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Decode(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vehicles.yaml"), []byte(vehiclesDoc), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	s := NewSet()
	require.NoError(t, s.LoadDir(dir))
	assert.Equal(t, []string{"vehicles"}, s.Resources())

	_, err := s.Lookup("vehicles", "stream/car.ytd")
	assert.NoError(t, err)
}

func TestWatcherReloadsAndRemoves(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "vehicles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(vehiclesDoc), 0o600))

	s := NewSet()
	w, err := NewWatcher(s, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	_, err = s.Lookup("vehicles", "stream/car.ydr")
	require.NoError(t, err)

	second := "resource: weapons\nbase_url: http://x\nentries:\n  - name: gun.ydr\n    hash: h\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weapons.yml"), []byte(second), 0o600))
	require.Eventually(t, func() bool {
		_, err := s.Lookup("weapons", "gun.ydr")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := s.Lookup("vehicles", "stream/car.ydr")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsResourceDeclaredByAnotherFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := "resource: vehicles\nbase_url: http://x\nentries:\n  - name: bike.ydr\n    hash: h1\n"
	second := "resource: vehicles\nbase_url: http://x\nentries:\n  - name: boat.ydr\n    hash: h2\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(first), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(second), 0o600))

	s := NewSet()
	w, err := NewWatcher(s, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	// b.yaml loads last and wins.
	_, err = s.Lookup("vehicles", "boat.ydr")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "b.yaml")))
	require.Eventually(t, func() bool {
		_, err := s.Lookup("vehicles", "bike.ydr")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "a.yaml still declares vehicles")

	_, err = s.Lookup("vehicles", "boat.ydr")
	require.ErrorIs(t, err, ErrEntryNotFound)
}
