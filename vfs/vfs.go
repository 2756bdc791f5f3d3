// Package vfs defines the file-device contract shared by every backing kind
// (local files, the resource cache device, test fakes) and a small namespace
// that routes paths to devices by prefix.
package vfs

import (
	"errors"
	"io"
)

// Handle identifies an open file or enumeration on a Device.
type Handle int

// InvalidHandle is returned by Open-family calls that fail.
const InvalidHandle Handle = -1

// Attributes is a bit set describing a path.
type Attributes uint32

const (
	// AttrDirectory marks a directory.
	AttrDirectory Attributes = 0x10

	// InvalidAttributes is returned for paths that cannot be resolved.
	InvalidAttributes Attributes = ^Attributes(0)
)

// ControlCode selects a device-specific ExtensionControl operation.
type ControlCode uint32

// FindData describes one directory entry produced by FindFirst/FindNext.
type FindData struct {
	Name       string
	Size       int64
	Attributes Attributes
}

// Sentinel errors shared by devices.
var (
	// ErrInvalidHandle is returned when a handle is unknown or closed.
	ErrInvalidHandle = errors.New("vfs: invalid handle")

	// ErrUnsupported is returned for operations a device does not implement.
	ErrUnsupported = errors.New("vfs: unsupported operation")

	// ErrNoDevice is returned when no device is mounted for a path.
	ErrNoDevice = errors.New("vfs: no device for path")
)

// Device is a synchronous file device.
//
// Read and ReadBulk follow io.Reader conventions with one addition: a device
// that materializes files lazily may return (0, err) where err reports that
// the content is not ready yet. Callers that care check for that error with
// errors.Is against the device's own sentinel.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open opens name for sequential access.
	Open(name string, readOnly bool) (Handle, error)

	// OpenBulk opens name for offset-addressed reads. The returned pointer is
	// the offset at which the file begins inside its backing stream.
	OpenBulk(name string) (Handle, uint64, error)

	// Read reads from the current position of h.
	Read(h Handle, p []byte) (int, error)

	// ReadBulk reads len(p) bytes at ptr of the backing stream of h.
	ReadBulk(h Handle, ptr uint64, p []byte) (int, error)

	// Seek moves the position of h, following io.Seeker semantics.
	Seek(h Handle, offset int64, whence int) (int64, error)

	// Close releases a handle returned by Open.
	Close(h Handle) error

	// CloseBulk releases a handle returned by OpenBulk.
	CloseBulk(h Handle) error

	// Length returns the size of the file behind h.
	Length(h Handle) (int64, error)

	// LengthOf returns the size of name without opening it.
	LengthOf(name string) (int64, error)

	// Attributes returns the attributes of name.
	Attributes(name string) (Attributes, error)

	// ExtensionControl runs a device-specific control operation.
	ExtensionControl(code ControlCode, data any) error

	// FindFirst starts enumerating dir and returns its first entry.
	FindFirst(dir string) (Handle, FindData, error)

	// FindNext returns the next entry, or io.EOF when exhausted.
	FindNext(h Handle) (FindData, error)

	// FindClose ends an enumeration.
	FindClose(h Handle) error
}

// Reader adapts an open handle to io.Reader.
type Reader struct {
	Device Device
	Handle Handle
}

// NewReader returns an io.Reader reading sequentially from h on d.
func NewReader(d Device, h Handle) *Reader {
	return &Reader{Device: d, Handle: h}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.Device.Read(r.Handle, p)
	if n < 0 {
		n = 0
	}
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	return n, err
}
