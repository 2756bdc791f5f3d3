package manifest

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a Set in sync with the manifest files of a directory.
type Watcher struct {
	set    *Set
	dir    string
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	mu     sync.Mutex
	owners map[string]string // file path -> resource name
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithWatchLogger sets the logger for reload events.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads dir into set and starts watching it. Call Run to process
// events and Close to release the watch.
func NewWatcher(set *Set, dir string, opts ...WatchOption) (*Watcher, error) {
	w := &Watcher{
		set:    set,
		dir:    dir,
		logger: slog.New(slog.DiscardHandler),
		owners: make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.fsw = fsw

	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	for _, path := range matches {
		if !isManifestFile(path) {
			continue
		}
		if err := w.reload(path); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run processes filesystem events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("manifest watch error", slog.Any("error", err))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !isManifestFile(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.drop(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		if err := w.reload(ev.Name); err != nil {
			w.logger.Warn("manifest reload failed",
				slog.String("file", ev.Name),
				slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload(path string) error {
	resource, entries, err := LoadFile(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	previous, had := w.owners[path]
	w.owners[path] = resource
	heir := ""
	if had && previous != resource {
		heir = w.ownerOf(previous)
	}
	w.mu.Unlock()

	w.set.Put(resource, entries...)
	w.logger.Info("manifest loaded",
		slog.String("file", path),
		slog.String("resource", resource),
		slog.Int("entries", len(entries)))
	if had && previous != resource {
		w.release(previous, heir)
	}
	return nil
}

func (w *Watcher) drop(path string) {
	w.mu.Lock()
	resource, ok := w.owners[path]
	delete(w.owners, path)
	heir := w.ownerOf(resource)
	w.mu.Unlock()
	if !ok {
		return
	}
	w.logger.Info("manifest removed",
		slog.String("file", path),
		slog.String("resource", resource))
	w.release(resource, heir)
}

// release handles a resource losing one of its files. When heir, another
// file declaring the resource, exists its entries are restored; otherwise
// the resource is removed.
func (w *Watcher) release(resource, heir string) {
	if heir == "" {
		w.set.Remove(resource)
		return
	}
	if err := w.reload(heir); err != nil {
		w.logger.Warn("manifest reload failed",
			slog.String("file", heir),
			slog.Any("error", err))
	}
}

// ownerOf returns the first file, by name, that declares resource. It must
// be called with w.mu held.
func (w *Watcher) ownerOf(resource string) string {
	owner := ""
	for p, r := range w.owners {
		if r == resource && (owner == "" || p < owner) {
			owner = p
		}
	}
	return owner
}
