package rescache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/meigma/rescache/cache"
	"github.com/meigma/rescache/manifest"
	"github.com/meigma/rescache/transport"
	"github.com/meigma/rescache/vfs"
	"github.com/meigma/rescache/vfs/local"
)

// Device is a read-only vfs.Device that fetches files on first read.
//
// Open resolves the path and, when the content is already cached, opens the
// cached copy right away. Otherwise the first read dispatches a download to
// the transport. A blocking device waits for it to settle; a non-blocking
// device returns ErrNotReady until it has.
//
// Device is safe for concurrent use.
type Device struct {
	provider  manifest.Provider
	bridge    cache.Bridge
	transport transport.Transport
	local     vfs.Device

	blocking    bool
	prefix      string
	stagingDir  string
	capacity    int
	tokenHeader string
	verify      bool

	logger    *slog.Logger
	progress  ProgressFunc
	state     State
	downloads *DownloadLog
	metrics   Metrics

	handles *handleTable
	lastErr atomic.Pointer[FetchError]
	unkeyed sync.Map // hashes already reported as unusable cache keys
}

var _ vfs.Device = (*Device)(nil)

// New creates a device over the given collaborators.
func New(provider manifest.Provider, bridge cache.Bridge, tr transport.Transport, opts ...Option) (*Device, error) {
	if provider == nil {
		return nil, errors.New("manifest provider is nil")
	}
	if bridge == nil {
		return nil, errors.New("cache bridge is nil")
	}
	if tr == nil {
		return nil, errors.New("transport is nil")
	}
	d := &Device{
		provider:    provider,
		bridge:      bridge,
		transport:   tr,
		blocking:    true,
		prefix:      DefaultPathPrefix,
		capacity:    DefaultHandles,
		tokenHeader: DefaultTokenHeader,
		logger:      slog.New(slog.DiscardHandler),
		state:       emptyState{},
		metrics:     nopMetrics{},
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.stagingDir == "" {
		return nil, errors.New("staging dir is required")
	}
	if d.local == nil {
		d.local = local.New()
	}
	if d.downloads == nil {
		d.downloads = NewDownloadLog()
	}
	d.handles = newHandleTable(d.capacity)
	return d, nil
}

// Prefix returns the path prefix the device strips from logical paths.
func (d *Device) Prefix() string {
	return d.prefix
}

// Blocking reports whether reads wait for pending downloads.
func (d *Device) Blocking() bool {
	return d.blocking
}

// HandlesInUse returns the number of open handles.
func (d *Device) HandlesInUse() int {
	return d.handles.active()
}

// LastError returns the most recent download failure, or nil.
func (d *Device) LastError() *FetchError {
	return d.lastErr.Load()
}

// Open opens name for sequential reads. Write access is rejected.
func (d *Device) Open(name string, readOnly bool) (vfs.Handle, error) {
	if !readOnly {
		return vfs.InvalidHandle, fmt.Errorf("open %s: %w", name, ErrReadOnly)
	}
	h, _, err := d.open(name, false)
	return h, err
}

// OpenBulk opens name for offset-addressed reads. The returned pointer is
// always 0: the offset of the file inside its backing stream is applied by
// ReadBulk.
func (d *Device) OpenBulk(name string) (vfs.Handle, uint64, error) {
	return d.open(name, true)
}

func (d *Device) open(name string, bulk bool) (vfs.Handle, uint64, error) {
	entry, err := d.resolve(name)
	if err != nil {
		return vfs.InvalidHandle, 0, err
	}

	h, s, err := d.handles.allocate()
	if err != nil {
		d.logger.Error("no free handle",
			slog.String("path", name),
			slog.Int("capacity", d.handles.capacity()))
		return vfs.InvalidHandle, 0, fmt.Errorf("open %s: %w", name, err)
	}

	d.checkKey(name, entry.ReferenceHash)
	hit, ce := d.openCached(entry, bulk)

	s.mu.Lock()
	s.entry = entry
	s.path = name
	s.bulk = bulk
	if hit.parentDev != nil {
		s.status = statusFetched
		s.parentDev = hit.parentDev
		s.parent = hit.parent
		s.bulkBase = hit.bulkBase
		s.meta = ce.MetaData
	} else {
		s.status = statusNotFetched
	}
	s.mu.Unlock()

	if hit.parentDev == nil && d.downloads.Seen(entry.ReferenceHash) {
		d.logger.Warn("content was downloaded before but is missing from the cache",
			slog.String("path", name),
			slog.String("hash", entry.ReferenceHash))
	}
	d.metrics.ObserveOpen(hit.parentDev != nil)
	d.metrics.SetHandlesInUse(d.handles.active())
	return h, 0, nil
}

// checkKey warns once per hash that the cache cannot key it, so its content
// is downloaded on every open.
func (d *Device) checkKey(name, hash string) {
	if _, err := cache.Key(hash); err == nil {
		return
	}
	if _, seen := d.unkeyed.LoadOrStore(hash, struct{}{}); seen {
		return
	}
	d.logger.Warn("manifest hash is not a cache key, content will not be cached",
		slog.String("path", name),
		slog.String("hash", hash))
}

// openCached opens the cached copy of entry, if any.
func (d *Device) openCached(entry manifest.Entry, bulk bool) (view, cache.Entry) {
	ce, ok := d.bridge.Lookup(entry.ReferenceHash)
	if !ok {
		return view{}, cache.Entry{}
	}
	v, err := d.openLocal(ce.LocalPath, bulk)
	if err != nil {
		d.logger.Debug("cached file did not open",
			slog.String("path", ce.LocalPath),
			slog.Any("error", err))
		return view{}, cache.Entry{}
	}
	return v, ce
}

// openLocal opens a host file through the local device.
func (d *Device) openLocal(p string, bulk bool) (view, error) {
	if bulk {
		h, base, err := d.local.OpenBulk(p)
		if err != nil {
			return view{}, err
		}
		return view{parentDev: d.local, parent: h, bulkBase: base, bulk: true}, nil
	}
	h, err := d.local.Open(p, true)
	if err != nil {
		return view{}, err
	}
	return view{parentDev: d.local, parent: h}, nil
}

// closeLocal closes a parent handle opened by openLocal.
func closeLocal(v view) error {
	if v.parentDev == nil {
		return nil
	}
	if v.bulk {
		return v.parentDev.CloseBulk(v.parent)
	}
	return v.parentDev.Close(v.parent)
}

// Read reads from the current position of h, fetching the content first.
func (d *Device) Read(h vfs.Handle, p []byte) (int, error) {
	s, err := d.handles.get(h)
	if err != nil {
		return 0, err
	}
	v, err := d.ensureFetched(s, d.blocking)
	if err != nil {
		return 0, err
	}
	if n, err := unreadable(v); err != nil {
		return n, err
	}
	return v.parentDev.Read(v.parent, p)
}

// unreadable maps unsettled and failed states onto read results. It returns
// a nil error only for fetched content.
func unreadable(v view) (int, error) {
	switch v.status {
	case statusFetched:
		return 0, nil
	case statusError:
		if v.err == nil {
			return ReadFailed, ErrFetchFailed
		}
		return ReadFailed, v.err
	default:
		return 0, ErrNotReady
	}
}

// Seek moves the position of h. The content must be fetched.
func (d *Device) Seek(h vfs.Handle, offset int64, whence int) (int64, error) {
	v, err := d.fetchedView(h)
	if err != nil {
		return -1, err
	}
	return v.parentDev.Seek(v.parent, offset, whence)
}

// Close releases h and its parent handle.
func (d *Device) Close(h vfs.Handle) error {
	return d.release(h)
}

// CloseBulk releases a handle returned by OpenBulk.
func (d *Device) CloseBulk(h vfs.Handle) error {
	return d.release(h)
}

func (d *Device) release(h vfs.Handle) error {
	held, err := d.handles.release(h)
	if err != nil {
		return err
	}
	d.metrics.SetHandlesInUse(d.handles.active())
	if held.status != statusFetched {
		return nil
	}
	return closeLocal(held)
}

// Length returns the size of the file behind h: the local size once
// fetched, the manifest size before.
func (d *Device) Length(h vfs.Handle) (int64, error) {
	s, err := d.handles.get(h)
	if err != nil {
		return -1, err
	}
	s.mu.Lock()
	v := s.snapshot()
	s.mu.Unlock()
	switch v.status {
	case statusEmpty:
		return -1, ErrInvalidHandle
	case statusFetched:
		return v.parentDev.Length(v.parent)
	default:
		return v.entry.Size, nil
	}
}

// LengthOf returns the manifest size of name without fetching it.
func (d *Device) LengthOf(name string) (int64, error) {
	entry, err := d.resolve(name)
	if err != nil {
		return -1, err
	}
	return entry.Size, nil
}

// Attributes returns 0 for resolvable paths.
func (d *Device) Attributes(name string) (vfs.Attributes, error) {
	if _, err := d.resolve(name); err != nil {
		return vfs.InvalidAttributes, err
	}
	return 0, nil
}

// FindFirst is not supported: the device only serves single files.
func (d *Device) FindFirst(dir string) (vfs.Handle, vfs.FindData, error) {
	return vfs.InvalidHandle, vfs.FindData{}, fmt.Errorf("find %s: %w", dir, ErrUnsupported)
}

// FindNext is not supported.
func (d *Device) FindNext(vfs.Handle) (vfs.FindData, error) {
	return vfs.FindData{}, ErrUnsupported
}

// FindClose is not supported.
func (d *Device) FindClose(vfs.Handle) error {
	return ErrUnsupported
}

// Progress returns the last known download progress of h.
func (d *Device) Progress(h vfs.Handle) (done, total int64, err error) {
	s, err := d.handles.get(h)
	if err != nil {
		return 0, 0, err
	}
	return s.progress.Load(), s.total.Load(), nil
}

// fetchedView returns the slot view for h, requiring fetched content.
func (d *Device) fetchedView(h vfs.Handle) (view, error) {
	s, err := d.handles.get(h)
	if err != nil {
		return view{}, err
	}
	s.mu.Lock()
	v := s.snapshot()
	s.mu.Unlock()
	switch v.status {
	case statusEmpty:
		return view{}, ErrInvalidHandle
	case statusFetched:
		return v, nil
	default:
		return view{}, ErrNotFetched
	}
}
