package rescache

import (
	"errors"
	"log/slog"

	"github.com/meigma/rescache/vfs"
)

// Option configures a Device.
type Option func(*Device) error

// Defaults for New.
const (
	DefaultPathPrefix     = "cache:/"
	NonBlockingPathPrefix = "cache_nb:/"
	DefaultHandles        = 1024
	DefaultTokenHeader    = "X-Connection-Token"
)

// WithBlocking makes reads wait for pending downloads instead of returning
// ErrNotReady (default: true).
func WithBlocking(blocking bool) Option {
	return func(d *Device) error {
		d.blocking = blocking
		return nil
	}
}

// WithPathPrefix sets the prefix stripped from logical paths
// (default: "cache:/").
func WithPathPrefix(prefix string) Option {
	return func(d *Device) error {
		if prefix == "" {
			return errors.New("path prefix is empty")
		}
		d.prefix = prefix
		return nil
	}
}

// WithStagingDir sets the host directory downloads are written to.
// Required.
func WithStagingDir(dir string) Option {
	return func(d *Device) error {
		d.stagingDir = dir
		return nil
	}
}

// WithHandles sets the handle table capacity (default: 1024).
func WithHandles(n int) Option {
	return func(d *Device) error {
		if n < 1 {
			return errors.New("handle capacity must be >= 1")
		}
		d.capacity = n
		return nil
	}
}

// WithLocalDevice sets the device used to open cached and downloaded files
// (default: a vfs/local device).
func WithLocalDevice(dev vfs.Device) Option {
	return func(d *Device) error {
		if dev == nil {
			return errors.New("local device is nil")
		}
		d.local = dev
		return nil
	}
}

// WithLogger sets the logger for fetch and diagnostic messages.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) error {
		if logger != nil {
			d.logger = logger
		}
		return nil
	}
}

// WithProgress sets a callback for download progress.
func WithProgress(fn ProgressFunc) Option {
	return func(d *Device) error {
		d.progress = fn
		return nil
	}
}

// WithState sets the store read for the connection token and load
// diagnostics.
func WithState(state State) Option {
	return func(d *Device) error {
		if state != nil {
			d.state = state
		}
		return nil
	}
}

// WithDownloadLog shares a download log between devices. Without it each
// device keeps its own.
func WithDownloadLog(log *DownloadLog) Option {
	return func(d *Device) error {
		if log != nil {
			d.downloads = log
		}
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Device) error {
		if m != nil {
			d.metrics = m
		}
		return nil
	}
}

// WithTokenHeader sets the request header carrying the connection token
// (default: "X-Connection-Token").
func WithTokenHeader(name string) Option {
	return func(d *Device) error {
		if name == "" {
			return errors.New("token header is empty")
		}
		d.tokenHeader = name
		return nil
	}
}

// WithVerifyDigest checks downloaded content against the entry hash when
// the hash is a valid digest. A mismatch fails the fetch.
func WithVerifyDigest(enabled bool) Option {
	return func(d *Device) error {
		d.verify = enabled
		return nil
	}
}
