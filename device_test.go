package rescache

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rescache/cache"
	"github.com/meigma/rescache/internal/testutil"
	"github.com/meigma/rescache/manifest"
	"github.com/meigma/rescache/transport"
	"github.com/meigma/rescache/vfs"
)

var (
	crateContent = []byte("crate model bytes")
	crateHash    = digest.FromBytes(crateContent).Encoded()
	townContent  = []byte("town placement")
	townHash     = digest.FromBytes(townContent).String()
)

const (
	cratePath = "cache:/base/props/crate.ydr"
	townPath  = "cache:/base/maps/town.ymap"
)

type fixture struct {
	set    *manifest.Set
	bridge *testutil.MockBridge
	tr     *testutil.MockTransport
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	set := manifest.NewSet()
	set.Put("base",
		manifest.Entry{
			Basename:      "props/crate.ydr",
			ReferenceHash: crateHash,
			RemoteURL:     "https://origin.test/base/props/crate.ydr",
			Size:          int64(len(crateContent)),
			ExtData: map[string]string{
				ExtVersion:       "3",
				ExtPagesVirtual:  "16",
				ExtPagesPhysical: "4",
			},
		},
		manifest.Entry{
			Basename:      "maps/town.ymap",
			ReferenceHash: townHash,
			RemoteURL:     "https://origin.test/base/maps/town.ymap",
			Size:          int64(len(townContent)),
		},
	)
	return &fixture{
		set:    set,
		bridge: testutil.NewMockBridge(),
		tr:     testutil.NewMockTransport(),
		dir:    t.TempDir(),
	}
}

func (f *fixture) device(t *testing.T, opts ...Option) *Device {
	t.Helper()
	all := append([]Option{WithStagingDir(f.dir)}, opts...)
	d, err := New(f.set, f.bridge, f.tr, all...)
	require.NoError(t, err)
	return d
}

func nextRequest(t *testing.T, tr *testutil.MockTransport) *testutil.MockRequest {
	t.Helper()
	select {
	case r := <-tr.Dispatched():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no request dispatched")
		return nil
	}
}

// requireSlotInvariant checks that the parent handle exists exactly when the
// slot is fetched and the request exists exactly when it is fetching.
func requireSlotInvariant(t *testing.T, d *Device, h vfs.Handle) status {
	t.Helper()
	s, err := d.handles.get(h)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, s.status == statusFetched, s.parentDev != nil, "parent set iff fetched (status %s)", s.status)
	assert.Equal(t, s.status == statusFetching, s.request != nil, "request set iff fetching (status %s)", s.status)
	return s.status
}

func readAll(t *testing.T, d *Device, h vfs.Handle) []byte {
	t.Helper()
	data, err := io.ReadAll(vfs.NewReader(d, h))
	require.NoError(t, err)
	return data
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name    string
		build   func() (*Device, error)
		wantErr string
	}{
		{
			name:    "nil provider",
			build:   func() (*Device, error) { return New(nil, f.bridge, f.tr, WithStagingDir(f.dir)) },
			wantErr: "manifest provider is nil",
		},
		{
			name:    "nil bridge",
			build:   func() (*Device, error) { return New(f.set, nil, f.tr, WithStagingDir(f.dir)) },
			wantErr: "cache bridge is nil",
		},
		{
			name:    "nil transport",
			build:   func() (*Device, error) { return New(f.set, f.bridge, nil, WithStagingDir(f.dir)) },
			wantErr: "transport is nil",
		},
		{
			name:    "missing staging dir",
			build:   func() (*Device, error) { return New(f.set, f.bridge, f.tr) },
			wantErr: "staging dir is required",
		},
		{
			name: "zero handles",
			build: func() (*Device, error) {
				return New(f.set, f.bridge, f.tr, WithStagingDir(f.dir), WithHandles(0))
			},
			wantErr: "handle capacity must be >= 1",
		},
		{
			name: "empty prefix",
			build: func() (*Device, error) {
				return New(f.set, f.bridge, f.tr, WithStagingDir(f.dir), WithPathPrefix(""))
			},
			wantErr: "path prefix is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, d)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	d := newFixture(t).device(t)
	assert.True(t, d.Blocking())
	assert.Equal(t, DefaultPathPrefix, d.Prefix())
	assert.Equal(t, DefaultHandles, d.handles.capacity())
	assert.Equal(t, DefaultTokenHeader, d.tokenHeader)
	assert.Zero(t, d.HandlesInUse())
	assert.Nil(t, d.LastError())
}

func TestOpen_UnknownPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	for _, p := range []string{
		"cache:/unknownresource/file.txt",
		"cache:/base/missing.ydr",
		"cache:/base",
		"other:/base/props/crate.ydr",
	} {
		h, err := d.Open(p, true)
		assert.Equal(t, vfs.InvalidHandle, h, p)
		require.ErrorIs(t, err, ErrNotFound, p)

		h, ptr, err := d.OpenBulk(p)
		assert.Equal(t, vfs.InvalidHandle, h, p)
		assert.Zero(t, ptr)
		require.ErrorIs(t, err, ErrNotFound, p)
	}

	assert.Zero(t, d.HandlesInUse())
	assert.Zero(t, f.bridge.Lookups())
	assert.Empty(t, f.tr.Requests())
}

func TestOpen_RejectsWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	h, err := d.Open(cratePath, false)
	assert.Equal(t, vfs.InvalidHandle, h)
	require.ErrorIs(t, err, ErrReadOnly)
	assert.Zero(t, d.HandlesInUse())
}

func TestOpen_CacheHit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	local := filepath.Join(t.TempDir(), "cached")
	require.NoError(t, os.WriteFile(local, crateContent, 0o600))
	f.bridge.Put(crateHash, cache.Entry{
		LocalPath: local,
		MetaData:  map[string]string{MetaFilename: "props/crate.ydr"},
		Size:      int64(len(crateContent)),
	})
	d := f.device(t, WithBlocking(false))

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	assert.Equal(t, statusFetched, requireSlotInvariant(t, d, h))

	assert.Equal(t, crateContent, readAll(t, d, h))
	assert.Empty(t, f.tr.Requests(), "cache hits never reach the transport")
	assert.Empty(t, f.bridge.Registrations())

	require.NoError(t, d.Close(h))
	assert.Zero(t, d.HandlesInUse())
}

func TestOpen_CacheHitUnopenable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.bridge.Put(crateHash, cache.Entry{LocalPath: filepath.Join(t.TempDir(), "gone")})
	d := f.device(t, WithBlocking(false))

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	assert.Equal(t, statusNotFetched, requireSlotInvariant(t, d, h))
}

func TestRead_NonBlocking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false))

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	assert.Equal(t, statusNotFetched, requireSlotInvariant(t, d, h))

	buf := make([]byte, 64)
	n, err := d.Read(h, buf)
	assert.Zero(t, n)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, statusFetching, requireSlotInvariant(t, d, h))

	req := nextRequest(t, f.tr)

	n, err = d.Read(h, buf)
	assert.Zero(t, n)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Len(t, f.tr.Requests(), 1, "a fetching slot never re-dispatches")

	require.NoError(t, req.Complete(crateContent))
	assert.Equal(t, statusFetched, requireSlotInvariant(t, d, h))

	n, err = d.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, crateContent, buf[:n])
	require.NoError(t, d.Close(h))
}

func TestRead_NonBlockingFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false))

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	_, err = d.Read(h, make([]byte, 8))
	require.ErrorIs(t, err, ErrNotReady)

	cause := errors.New("connection reset")
	require.NoError(t, nextRequest(t, f.tr).Fail(cause))
	assert.Equal(t, statusError, requireSlotInvariant(t, d, h))

	n, err := d.Read(h, make([]byte, 8))
	assert.Equal(t, ReadFailed, n)
	require.ErrorIs(t, err, ErrFetchFailed)
	require.ErrorIs(t, err, cause)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, cratePath, fe.Path)
	assert.Equal(t, crateHash, fe.Hash)
	assert.Same(t, fe, d.LastError())

	n, err = d.ReadBulk(h, 0, make([]byte, 8))
	assert.Equal(t, ReadFailed, n)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Len(t, f.tr.Requests(), 1, "failed slots are not retried")

	_, err = d.Seek(h, 0, io.SeekStart)
	require.ErrorIs(t, err, ErrNotFetched)
	require.NoError(t, d.Close(h))
}

func TestRead_Blocking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := d.Read(h, buf)
		if n < 0 {
			n = 0
		}
		done <- result{data: buf[:n], err: err}
	}()

	req := nextRequest(t, f.tr)
	select {
	case <-done:
		t.Fatal("blocking read returned before the download settled")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, req.Complete(crateContent))
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, crateContent, r.data)
	case <-time.After(5 * time.Second):
		t.Fatal("blocking read never returned")
	}
	assert.Equal(t, statusFetched, requireSlotInvariant(t, d, h))
}

func TestRead_BlockingFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		n, err := d.Read(h, make([]byte, 8))
		if n != ReadFailed {
			err = errors.New("unexpected read size " + strconv.Itoa(n))
		}
		done <- err
	}()

	require.NoError(t, nextRequest(t, f.tr).Fail(errors.New("503 Service Unavailable")))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrFetchFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocking read never returned")
	}
}

func TestRead_ManyWaitersOneFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	h, _, err := d.OpenBulk(cratePath)
	require.NoError(t, err)

	const waiters = 8
	var wg sync.WaitGroup
	results := make(chan []byte, waiters)
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 5)
			n, err := d.ReadBulk(h, uint64(i%3), buf)
			if err != nil {
				n = 0
			}
			results <- buf[:n]
		}()
	}

	req := nextRequest(t, f.tr)
	require.NoError(t, req.Complete(crateContent))
	wg.Wait()
	close(results)

	count := 0
	for data := range results {
		assert.Len(t, data, 5)
		count++
	}
	assert.Equal(t, waiters, count)
	assert.Len(t, f.tr.Requests(), 1)
	require.Error(t, req.Complete(crateContent), "completion runs once")
}

func TestClose_WakesBlockedReader(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Read(h, make([]byte, 8))
		done <- err
	}()
	req := nextRequest(t, f.tr)

	require.NoError(t, d.Close(h))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInvalidHandle)
	case <-time.After(5 * time.Second):
		t.Fatal("reader stayed blocked after close")
	}

	// The late completion still lands in the cache but touches no slot.
	require.NoError(t, req.Complete(crateContent))
	assert.Len(t, f.bridge.Registrations(), 1)
	assert.Zero(t, d.HandlesInUse())
}

func TestComplete_AfterSlotReused(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	container := testutil.NewContainerDevice(0)
	d := f.device(t, WithBlocking(false), WithLocalDevice(container), WithHandles(1))

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	_, err = d.Read(h, make([]byte, 8))
	require.ErrorIs(t, err, ErrNotReady)
	stale := nextRequest(t, f.tr)
	require.NoError(t, d.Close(h))

	reused, err := d.Open(townPath, true)
	require.NoError(t, err)
	require.Equal(t, h, reused, "single-slot table hands out the same index")

	require.NoError(t, stale.Complete(crateContent))
	assert.Equal(t, statusNotFetched, requireSlotInvariant(t, d, reused))
	assert.Zero(t, container.OpenHandles(), "orphaned parent handle is closed")

	_, err = d.Read(reused, make([]byte, 8))
	require.ErrorIs(t, err, ErrNotReady)
	require.NoError(t, nextRequest(t, f.tr).Complete(townContent))
	assert.Equal(t, townContent, readAll(t, d, reused))
	assert.Equal(t, 1, container.OpenHandles())
	require.NoError(t, d.Close(reused))
	assert.Zero(t, container.OpenHandles())
}

func TestReadBulk_Offset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	container := testutil.NewContainerDevice(4096)
	d := f.device(t, WithLocalDevice(container))

	h, ptr, err := d.OpenBulk(cratePath)
	require.NoError(t, err)
	assert.Zero(t, ptr)

	go func() {
		r := <-f.tr.Dispatched()
		_ = r.Complete(crateContent)
	}()

	buf := make([]byte, 5)
	n, err := d.ReadBulk(h, 6, buf)
	require.NoError(t, err)
	assert.Equal(t, crateContent[6:11], buf[:n])

	n, err = d.ReadBulkSized(h, 0, make([]byte, 64), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, d.CloseBulk(h))
	assert.Zero(t, container.OpenHandles())
}

func TestReadBulkSized_Sentinels(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	h, _, err := d.OpenBulk(cratePath)
	require.NoError(t, err)

	// A sentinel on an unfetched handle starts the download without waiting.
	n, err := d.ReadBulkSized(h, 0, nil, SizeLowerPriority)
	require.NoError(t, err)
	assert.Zero(t, n)
	req := nextRequest(t, f.tr)
	assert.Equal(t, []transport.Priority{transport.PriorityBackground}, req.Priorities())

	n, err = d.ReadBulkSized(h, 0, nil, SizeRaisePriority)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []transport.Priority{transport.PriorityBackground, transport.PriorityUrgent}, req.Priorities())

	require.NoError(t, req.Complete(crateContent))

	for _, size := range []uint32{SizeLowerPriority, SizeRaisePriority} {
		n, err = d.ReadBulkSized(h, 0, nil, size)
		require.NoError(t, err)
		assert.Equal(t, ProbeReady, n)
	}
	assert.Len(t, req.Priorities(), 2, "no priority change once settled")
	assert.Len(t, f.tr.Requests(), 1)
}

func TestReadBulkSized_SentinelOnCacheHit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	local := filepath.Join(t.TempDir(), "cached")
	require.NoError(t, os.WriteFile(local, crateContent, 0o600))
	f.bridge.Put(crateHash, cache.Entry{LocalPath: local})
	d := f.device(t)

	h, _, err := d.OpenBulk(cratePath)
	require.NoError(t, err)
	n, err := d.ReadBulkSized(h, 0, nil, SizeLowerPriority)
	require.NoError(t, err)
	assert.Equal(t, ProbeReady, n)
	assert.Empty(t, f.tr.Requests())
}

func TestReadBulkSized_SentinelOnFailedFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t)

	h, _, err := d.OpenBulk(cratePath)
	require.NoError(t, err)
	_, err = d.ReadBulkSized(h, 0, nil, SizeRaisePriority)
	require.NoError(t, err)
	req := nextRequest(t, f.tr)
	require.NoError(t, req.Fail(errors.New("boom")))

	n, err := d.ReadBulkSized(h, 0, nil, SizeRaisePriority)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, req.Priorities(), 1)
}

// gatedTransport blocks inside FetchToFile until release is closed.
type gatedTransport struct {
	*testutil.MockTransport
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTransport) FetchToFile(url, dest string, opts transport.Options, done transport.Completion) transport.Request {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.MockTransport.FetchToFile(url, dest, opts, done)
}

func TestReadBulkSized_SentinelDuringDispatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gated := &gatedTransport{
		MockTransport: f.tr,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	d, err := New(f.set, f.bridge, gated, WithStagingDir(f.dir), WithBlocking(false))
	require.NoError(t, err)

	h, _, err := d.OpenBulk(cratePath)
	require.NoError(t, err)

	readDone := make(chan error, 1)
	go func() {
		_, err := d.ReadBulk(h, 0, make([]byte, 1))
		readDone <- err
	}()
	<-gated.entered

	s, err := d.handles.get(h)
	require.NoError(t, err)
	s.mu.Lock()
	assert.Equal(t, statusFetching, s.status)
	assert.Nil(t, s.request)
	s.mu.Unlock()

	n, err := d.ReadBulkSized(h, 0, nil, SizeRaisePriority)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(gated.release)
	require.ErrorIs(t, <-readDone, ErrNotReady)

	req := nextRequest(t, f.tr)
	assert.Equal(t, []transport.Priority{transport.PriorityUrgent}, req.Priorities())
	assert.Equal(t, statusFetching, requireSlotInvariant(t, d, h))

	require.NoError(t, req.Complete(crateContent))
	n, err = d.ReadBulkSized(h, 0, nil, SizeRaisePriority)
	require.NoError(t, err)
	assert.Equal(t, ProbeReady, n)
	assert.Len(t, req.Priorities(), 1)
}

func TestFetch_RequestOptions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var (
		mu     sync.Mutex
		events []ProgressEvent
	)
	d := f.device(t,
		WithBlocking(false),
		WithState(MapState{StateConnectionToken: "tok-123"}),
		WithTokenHeader("X-Session-Token"),
		WithProgress(func(e ProgressEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}),
	)

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	_, err = d.Read(h, make([]byte, 1))
	require.ErrorIs(t, err, ErrNotReady)

	req := nextRequest(t, f.tr)
	assert.Equal(t, "https://origin.test/base/props/crate.ydr", req.URL)
	assert.Equal(t, filepath.Join(f.dir, "ydr_"+crateHash), req.Dest)
	assert.Equal(t, 128, req.Opts.Weight)
	assert.Equal(t, "tok-123", req.Opts.Header.Get("X-Session-Token"))

	require.NoError(t, req.Complete(crateContent))

	regs := f.bridge.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, req.Dest, regs[0].Path)
	assert.Equal(t, map[string]string{
		MetaFilename: "props/crate.ydr",
		MetaResource: "base",
		MetaFrom:     "https://origin.test/base/props/crate.ydr",
	}, regs[0].Meta)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, ProgressEvent{
		Path:       cratePath,
		BytesDone:  int64(len(crateContent)),
		BytesTotal: int64(len(crateContent)),
	}, last)

	done, total, err := d.Progress(h)
	require.NoError(t, err)
	assert.Equal(t, int64(len(crateContent)), done)
	assert.Equal(t, int64(len(crateContent)), total)
}

func TestFetch_NoTokenHeaderWithoutState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false))

	h, err := d.Open(townPath, true)
	require.NoError(t, err)
	_, _ = d.Read(h, make([]byte, 1))

	req := nextRequest(t, f.tr)
	assert.Nil(t, req.Opts.Header)
	assert.Equal(t, 255, req.Opts.Weight)
	assert.Equal(t, filepath.Join(f.dir, "ymap_sha256_"+digest.Digest(townHash).Encoded()), req.Dest)
}

func TestFetch_EmptyFileFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false))

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	_, _ = d.Read(h, make([]byte, 1))
	req := nextRequest(t, f.tr)
	require.NoError(t, req.Complete(nil))

	n, err := d.Read(h, make([]byte, 1))
	assert.Equal(t, ReadFailed, n)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Reason, "file was empty")
	assert.Empty(t, f.bridge.Registrations())

	_, statErr := os.Stat(req.Dest)
	assert.True(t, os.IsNotExist(statErr), "failed downloads are removed")
}

func TestFetch_FailureDiagnostics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	started := time.Now().Add(-1500 * time.Millisecond).UnixMilli()
	d := f.device(t,
		WithBlocking(false),
		WithState(MapState{
			StateLoadCaller:    "streaming.LoadAllNow",
			StateLoadStartedAt: strconv.FormatInt(started, 10),
		}),
	)

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	_, _ = d.Read(h, make([]byte, 1))
	require.NoError(t, nextRequest(t, f.tr).Fail(errors.New("timeout")))

	fe := d.LastError()
	require.NotNil(t, fe)
	assert.Contains(t, fe.Reason, "streaming.LoadAllNow")
	assert.Contains(t, fe.Reason, "which has taken")
	assert.Contains(t, fe.Error(), "timeout")
	assert.Contains(t, fe.Error(), "https://origin.test/base/props/crate.ydr")
}

func TestFetch_VerifyDigest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false), WithVerifyDigest(true))

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	_, _ = d.Read(h, make([]byte, 1))
	require.NoError(t, nextRequest(t, f.tr).Complete([]byte("tampered")))

	n, err := d.Read(h, make([]byte, 1))
	assert.Equal(t, ReadFailed, n)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Contains(t, err.Error(), "digest mismatch")

	h2, err := d.Open(townPath, true)
	require.NoError(t, err)
	_, _ = d.Read(h2, make([]byte, 1))
	require.NoError(t, nextRequest(t, f.tr).Complete(townContent))
	assert.Equal(t, townContent, readAll(t, d, h2))
}

func TestFetch_UnusableHash(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.set.Put("evil", manifest.Entry{
		Basename:      "x.ydr",
		ReferenceHash: "../../etc/passwd",
		RemoteURL:     "https://origin.test/x.ydr",
	})
	d := f.device(t, WithBlocking(false))

	h, err := d.Open("cache:/evil/x.ydr", true)
	require.NoError(t, err)
	n, err := d.Read(h, make([]byte, 1))
	assert.Equal(t, ReadFailed, n)
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Empty(t, f.tr.Requests())
}

func TestFetch_DuplicateDownloadsAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false))

	h1, err := d.Open(cratePath, true)
	require.NoError(t, err)
	h2, err := d.Open(cratePath, true)
	require.NoError(t, err)

	_, _ = d.Read(h1, make([]byte, 1))
	_, _ = d.Read(h2, make([]byte, 1))
	r1 := nextRequest(t, f.tr)
	r2 := nextRequest(t, f.tr)
	require.NoError(t, r1.Complete(crateContent))
	require.NoError(t, r2.Complete(crateContent))

	assert.Equal(t, 2, d.downloads.Count(crateHash))
	assert.Equal(t, crateContent, readAll(t, d, h1))
	assert.Equal(t, crateContent, readAll(t, d, h2))
}

func TestFetch_FailedDuplicateKeepsSiblingFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false))

	h1, err := d.Open(cratePath, true)
	require.NoError(t, err)
	h2, err := d.Open(cratePath, true)
	require.NoError(t, err)

	_, _ = d.Read(h1, make([]byte, 1))
	_, _ = d.Read(h2, make([]byte, 1))
	r1 := nextRequest(t, f.tr)
	r2 := nextRequest(t, f.tr)
	require.Equal(t, r1.Dest, r2.Dest)

	require.NoError(t, r1.Complete(crateContent))
	require.NoError(t, r2.Fail(errors.New("connection reset")))

	regs := f.bridge.Registrations()
	require.Len(t, regs, 1)
	_, err = os.Stat(regs[0].Path)
	require.NoError(t, err, "registered file survives a failed sibling download")

	assert.Equal(t, crateContent, readAll(t, d, h1))
	n, err := d.Read(h2, make([]byte, 1))
	assert.Equal(t, ReadFailed, n)
	require.ErrorIs(t, err, ErrFetchFailed)
}

func TestOpen_UnkeyableHashWarnsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.set.Put("legacy", manifest.Entry{
		Basename:      "props/crate.ydr",
		ReferenceHash: "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		RemoteURL:     "https://origin.test/legacy/props/crate.ydr",
	})
	var logs bytes.Buffer
	d := f.device(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	for range 3 {
		h, err := d.Open("cache:/legacy/props/crate.ydr", true)
		require.NoError(t, err)
		require.NoError(t, d.Close(h))
	}
	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	require.NoError(t, d.Close(h))

	assert.Equal(t, 1, strings.Count(logs.String(), "manifest hash is not a cache key"))
}

func TestExtensionControl(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.set.Put("broken", manifest.Entry{
		Basename:      "bad.ydr",
		ReferenceHash: "abc",
		ExtData:       map[string]string{ExtPagesVirtual: "lots"},
	})
	d := f.device(t)

	req := &PageFlagsRequest{Name: cratePath}
	require.NoError(t, d.ExtensionControl(ControlPageFlags, req))
	assert.Equal(t, 3, req.Version)
	assert.Equal(t, PageFlags{Virtual: 16, Physical: 4}, req.Flags)

	req = &PageFlagsRequest{Name: townPath, Version: 9, Flags: PageFlags{Virtual: 1, Physical: 1}}
	require.NoError(t, d.ExtensionControl(ControlPageFlags, req))
	assert.Zero(t, req.Version)
	assert.Zero(t, req.Flags)

	err := d.ExtensionControl(ControlPageFlags, &PageFlagsRequest{Name: "cache:/broken/bad.ydr"})
	require.ErrorIs(t, err, ErrInvalidExtData)

	err = d.ExtensionControl(ControlPageFlags, &PageFlagsRequest{Name: "cache:/nope/a.ydr"})
	require.ErrorIs(t, err, ErrNotFound)

	err = d.ExtensionControl(0x1234, &PageFlagsRequest{Name: cratePath})
	require.ErrorIs(t, err, ErrUnsupported)

	err = d.ExtensionControl(ControlPageFlags, "cache:/base/props/crate.ydr")
	require.ErrorIs(t, err, ErrUnsupported)

	assert.Empty(t, f.tr.Requests())
	assert.Zero(t, d.HandlesInUse())
}

func TestHandleExhaustion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithHandles(2))

	h1, err := d.Open(cratePath, true)
	require.NoError(t, err)
	_, err = d.Open(townPath, true)
	require.NoError(t, err)

	h, err := d.Open(cratePath, true)
	assert.Equal(t, vfs.InvalidHandle, h)
	require.ErrorIs(t, err, ErrHandlesExhausted)
	assert.NotErrorIs(t, err, ErrFetchFailed)
	assert.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Close(h1))
	h, err = d.Open(cratePath, true)
	require.NoError(t, err)
	assert.Equal(t, h1, h)
}

func TestLengthSeekAttributes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.device(t, WithBlocking(false))

	size, err := d.LengthOf(cratePath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(crateContent)), size)

	size, err = d.LengthOf("cache:/base/none")
	assert.Equal(t, int64(-1), size)
	require.ErrorIs(t, err, ErrNotFound)

	attrs, err := d.Attributes(cratePath)
	require.NoError(t, err)
	assert.Zero(t, attrs)
	attrs, err = d.Attributes("cache:/base/none")
	assert.Equal(t, vfs.InvalidAttributes, attrs)
	require.ErrorIs(t, err, ErrNotFound)

	h, err := d.Open(cratePath, true)
	require.NoError(t, err)
	size, err = d.Length(h)
	require.NoError(t, err)
	assert.Equal(t, int64(len(crateContent)), size, "manifest size before fetch")

	_, err = d.Seek(h, 2, io.SeekStart)
	require.ErrorIs(t, err, ErrNotFetched)

	_, _ = d.Read(h, make([]byte, 1))
	require.NoError(t, nextRequest(t, f.tr).Complete([]byte("longer than the manifest says")))

	size, err = d.Length(h)
	require.NoError(t, err)
	assert.Equal(t, int64(29), size, "local size once fetched")

	pos, err := d.Seek(h, 7, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
	buf := make([]byte, 4)
	n, err := d.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "than", string(buf[:n]))

	require.NoError(t, d.Close(h))
	_, err = d.Length(h)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.ErrorIs(t, d.Close(h), ErrInvalidHandle)
	_, err = d.Read(h, buf)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = d.Read(vfs.Handle(99999), buf)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestFindUnsupported(t *testing.T) {
	t.Parallel()

	d := newFixture(t).device(t)

	h, _, err := d.FindFirst("cache:/base/")
	assert.Equal(t, vfs.InvalidHandle, h)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = d.FindNext(0)
	require.ErrorIs(t, err, ErrUnsupported)
	require.ErrorIs(t, d.FindClose(0), ErrUnsupported)
}
