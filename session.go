package rescache

import (
	"fmt"

	"github.com/meigma/rescache/cache"
	"github.com/meigma/rescache/manifest"
	"github.com/meigma/rescache/transport"
	"github.com/meigma/rescache/vfs"
)

// Session owns the pair of devices serving one set of manifests: a blocking
// device mounted at DefaultPathPrefix and a non-blocking one mounted at
// NonBlockingPathPrefix. Both share the session's download log.
type Session struct {
	downloads   *DownloadLog
	blocking    *Device
	nonBlocking *Device
}

// NewSession builds both devices. opts apply to both; the blocking mode,
// path prefix, and download log are set by the session.
func NewSession(provider manifest.Provider, bridge cache.Bridge, tr transport.Transport, opts ...Option) (*Session, error) {
	downloads := NewDownloadLog()

	build := func(blocking bool, prefix string) (*Device, error) {
		all := make([]Option, 0, len(opts)+3)
		all = append(all, opts...)
		all = append(all,
			WithBlocking(blocking),
			WithPathPrefix(prefix),
			WithDownloadLog(downloads),
		)
		return New(provider, bridge, tr, all...)
	}

	blocking, err := build(true, DefaultPathPrefix)
	if err != nil {
		return nil, fmt.Errorf("blocking device: %w", err)
	}
	nonBlocking, err := build(false, NonBlockingPathPrefix)
	if err != nil {
		return nil, fmt.Errorf("non-blocking device: %w", err)
	}
	return &Session{
		downloads:   downloads,
		blocking:    blocking,
		nonBlocking: nonBlocking,
	}, nil
}

// Blocking returns the device whose reads wait for downloads.
func (s *Session) Blocking() *Device {
	return s.blocking
}

// NonBlocking returns the device whose reads return ErrNotReady while
// downloads are pending.
func (s *Session) NonBlocking() *Device {
	return s.nonBlocking
}

// Downloads returns the session's download log.
func (s *Session) Downloads() *DownloadLog {
	return s.downloads
}

// Mount attaches both devices to ns at their prefixes.
func (s *Session) Mount(ns *vfs.Namespace) error {
	if err := ns.Mount(s.blocking.Prefix(), s.blocking); err != nil {
		return err
	}
	return ns.Mount(s.nonBlocking.Prefix(), s.nonBlocking)
}

// Unmount detaches both devices from ns.
func (s *Session) Unmount(ns *vfs.Namespace) {
	ns.Unmount(s.blocking.Prefix())
	ns.Unmount(s.nonBlocking.Prefix())
}
