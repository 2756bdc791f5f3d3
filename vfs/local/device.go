// Package local provides a vfs.Device backed by the host filesystem.
package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/meigma/rescache/vfs"
)

// Device implements vfs.Device over os.File. Names are host paths.
// Device is safe for concurrent use; concurrent Read calls on the same
// handle share one file position, as with os.File.
type Device struct {
	mu    sync.Mutex
	next  vfs.Handle
	files map[vfs.Handle]*os.File
	finds map[vfs.Handle]*findState
}

type findState struct {
	entries []vfs.FindData
	pos     int
}

var _ vfs.Device = (*Device)(nil)

// New returns an empty local device.
func New() *Device {
	return &Device{
		files: make(map[vfs.Handle]*os.File),
		finds: make(map[vfs.Handle]*findState),
	}
}

// Open opens name read-only, or read-write (creating it) when readOnly is false.
func (d *Device) Open(name string, readOnly bool) (vfs.Handle, error) {
	var (
		f   *os.File
		err error
	)
	if readOnly {
		f, err = os.Open(name) //nolint:gosec // device opens caller-supplied paths by contract
	} else {
		f, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec // device opens caller-supplied paths by contract
	}
	if err != nil {
		return vfs.InvalidHandle, err
	}
	return d.register(f), nil
}

// OpenBulk opens name for ReadBulk. Host files are freestanding, so the base
// pointer is always 0.
func (d *Device) OpenBulk(name string) (vfs.Handle, uint64, error) {
	h, err := d.Open(name, true)
	if err != nil {
		return vfs.InvalidHandle, 0, err
	}
	return h, 0, nil
}

// Read reads from the file position of h.
func (d *Device) Read(h vfs.Handle, p []byte) (int, error) {
	f, err := d.file(h)
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

// ReadBulk reads at ptr. A short read at the end of the file returns the
// bytes read with a nil error; io.EOF is only returned when nothing was read.
func (d *Device) ReadBulk(h vfs.Handle, ptr uint64, p []byte) (int, error) {
	f, err := d.file(h)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, int64(ptr)) //nolint:gosec // offsets beyond MaxInt64 fail in ReadAt
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// Seek implements io.Seeker semantics on h.
func (d *Device) Seek(h vfs.Handle, offset int64, whence int) (int64, error) {
	f, err := d.file(h)
	if err != nil {
		return 0, err
	}
	return f.Seek(offset, whence)
}

// Close closes h.
func (d *Device) Close(h vfs.Handle) error {
	d.mu.Lock()
	f, ok := d.files[h]
	delete(d.files, h)
	d.mu.Unlock()
	if !ok {
		return vfs.ErrInvalidHandle
	}
	return f.Close()
}

// CloseBulk closes a handle returned by OpenBulk.
func (d *Device) CloseBulk(h vfs.Handle) error {
	return d.Close(h)
}

// Length returns the current size of the file behind h.
func (d *Device) Length(h vfs.Handle) (int64, error) {
	f, err := d.file(h)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// LengthOf returns the size of name.
func (d *Device) LengthOf(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return -1, err
	}
	return info.Size(), nil
}

// Attributes reports whether name is a directory.
func (d *Device) Attributes(name string) (vfs.Attributes, error) {
	info, err := os.Stat(name)
	if err != nil {
		return vfs.InvalidAttributes, err
	}
	if info.IsDir() {
		return vfs.AttrDirectory, nil
	}
	return 0, nil
}

// ExtensionControl is not supported by host files.
func (d *Device) ExtensionControl(code vfs.ControlCode, _ any) error {
	return fmt.Errorf("control %#x: %w", uint32(code), vfs.ErrUnsupported)
}

// FindFirst snapshots dir and returns its first entry.
func (d *Device) FindFirst(dir string) (vfs.Handle, vfs.FindData, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return vfs.InvalidHandle, vfs.FindData{}, err
	}
	if len(dirEntries) == 0 {
		return vfs.InvalidHandle, vfs.FindData{}, io.EOF
	}
	state := &findState{entries: make([]vfs.FindData, 0, len(dirEntries))}
	for _, de := range dirEntries {
		fd := vfs.FindData{Name: de.Name()}
		if de.IsDir() {
			fd.Attributes = vfs.AttrDirectory
		} else if info, infoErr := de.Info(); infoErr == nil {
			fd.Size = info.Size()
		}
		state.entries = append(state.entries, fd)
	}

	d.mu.Lock()
	h := d.allocate()
	state.pos = 1
	d.finds[h] = state
	d.mu.Unlock()
	return h, state.entries[0], nil
}

// FindNext returns the next entry of an enumeration, or io.EOF.
func (d *Device) FindNext(h vfs.Handle) (vfs.FindData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.finds[h]
	if !ok {
		return vfs.FindData{}, vfs.ErrInvalidHandle
	}
	if state.pos >= len(state.entries) {
		return vfs.FindData{}, io.EOF
	}
	fd := state.entries[state.pos]
	state.pos++
	return fd, nil
}

// FindClose ends an enumeration.
func (d *Device) FindClose(h vfs.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.finds[h]; !ok {
		return vfs.ErrInvalidHandle
	}
	delete(d.finds, h)
	return nil
}

func (d *Device) register(f *os.File) vfs.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.allocate()
	d.files[h] = f
	return h
}

// allocate must be called with d.mu held.
func (d *Device) allocate() vfs.Handle {
	h := d.next
	d.next++
	return h
}

func (d *Device) file(h vfs.Handle) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[h]
	if !ok {
		return nil, vfs.ErrInvalidHandle
	}
	return f, nil
}
