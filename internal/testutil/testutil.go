// Package testutil provides in-memory collaborators for device tests.
package testutil

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/rescache/cache"
	"github.com/meigma/rescache/transport"
	"github.com/meigma/rescache/vfs"
)

// MockBridge implements cache.Bridge over a map.
type MockBridge struct {
	mu        sync.Mutex
	entries   map[string]cache.Entry
	lookups   int
	registers []Registration

	// RegisterErr, if set, is returned by Register.
	RegisterErr error
}

// Registration records one Register call.
type Registration struct {
	Path string
	Meta map[string]string
}

var _ cache.Bridge = (*MockBridge)(nil)

// NewMockBridge returns an empty bridge.
func NewMockBridge() *MockBridge {
	return &MockBridge{entries: make(map[string]cache.Entry)}
}

// Put makes hash a cache hit.
func (b *MockBridge) Put(hash string, e cache.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[hash] = e
}

// Lookup implements cache.Bridge.
func (b *MockBridge) Lookup(hash string) (cache.Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups++
	e, ok := b.entries[hash]
	return e, ok
}

// Register implements cache.Bridge. It records the call only; the content
// is not indexed.
func (b *MockBridge) Register(localPath string, meta map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.RegisterErr != nil {
		return b.RegisterErr
	}
	b.registers = append(b.registers, Registration{Path: localPath, Meta: maps.Clone(meta)})
	return nil
}

// Registrations returns the Register calls so far.
func (b *MockBridge) Registrations() []Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Registration(nil), b.registers...)
}

// Lookups returns the number of Lookup calls so far.
func (b *MockBridge) Lookups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookups
}

// MockTransport records fetches and lets tests settle them by hand.
type MockTransport struct {
	mu         sync.Mutex
	requests   []*MockRequest
	dispatched chan *MockRequest
}

var _ transport.Transport = (*MockTransport)(nil)

// NewMockTransport returns a transport with no requests.
func NewMockTransport() *MockTransport {
	return &MockTransport{dispatched: make(chan *MockRequest, 256)}
}

// FetchToFile implements transport.Transport. Nothing is downloaded until
// the test calls Complete or Fail on the returned request.
func (m *MockTransport) FetchToFile(url, destPath string, opts transport.Options, done transport.Completion) transport.Request {
	m.mu.Lock()
	r := &MockRequest{
		URL:  url,
		Dest: destPath,
		Opts: opts,
		id:   fmt.Sprintf("mock-%d", len(m.requests)),
		done: done,
	}
	m.requests = append(m.requests, r)
	m.mu.Unlock()
	m.dispatched <- r
	return r
}

// Requests returns every request so far.
func (m *MockTransport) Requests() []*MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockRequest(nil), m.requests...)
}

// Dispatched delivers requests as they are made.
func (m *MockTransport) Dispatched() <-chan *MockRequest {
	return m.dispatched
}

// MockRequest is a request made through MockTransport.
type MockRequest struct {
	URL  string
	Dest string
	Opts transport.Options

	id         string
	mu         sync.Mutex
	priorities []transport.Priority
	done       transport.Completion
	settled    bool
}

// ID implements transport.Request.
func (r *MockRequest) ID() string { return r.id }

// SetPriority implements transport.Request.
func (r *MockRequest) SetPriority(p transport.Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priorities = append(r.priorities, p)
}

// Priorities returns the priorities set so far, in order.
func (r *MockRequest) Priorities() []transport.Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Priority(nil), r.priorities...)
}

// Complete writes content to Dest, reports progress, and runs the completion.
func (r *MockRequest) Complete(content []byte) error {
	if err := r.claim(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.Dest), 0o700); err != nil {
		r.done(transport.Result{Err: err})
		return err
	}
	if err := os.WriteFile(r.Dest, content, 0o600); err != nil {
		r.done(transport.Result{Err: err})
		return err
	}
	if r.Opts.Progress != nil {
		r.Opts.Progress(int64(len(content)), int64(len(content)))
	}
	r.done(transport.Result{Size: int64(len(content))})
	return nil
}

// Fail runs the completion with err.
func (r *MockRequest) Fail(err error) error {
	if err := r.claim(); err != nil {
		return err
	}
	r.done(transport.Result{Err: err})
	return nil
}

func (r *MockRequest) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return errors.New("request already settled")
	}
	r.settled = true
	return nil
}

// ContainerDevice is a vfs.Device over host files that places every file
// behind Base bytes of padding in its bulk stream, as if it lived inside a
// larger container. OpenBulk reports Base as the file's pointer.
type ContainerDevice struct {
	Base uint64

	mu    sync.Mutex
	next  vfs.Handle
	files map[vfs.Handle]*containerFile
}

type containerFile struct {
	data []byte
	pos  int64
	bulk bool
}

var _ vfs.Device = (*ContainerDevice)(nil)

// NewContainerDevice returns a device with the given bulk base.
func NewContainerDevice(base uint64) *ContainerDevice {
	return &ContainerDevice{Base: base, files: make(map[vfs.Handle]*containerFile)}
}

// Open implements vfs.Device.
func (d *ContainerDevice) Open(name string, _ bool) (vfs.Handle, error) {
	return d.open(name, false)
}

// OpenBulk implements vfs.Device.
func (d *ContainerDevice) OpenBulk(name string) (vfs.Handle, uint64, error) {
	h, err := d.open(name, true)
	if err != nil {
		return vfs.InvalidHandle, 0, err
	}
	return h, d.Base, nil
}

func (d *ContainerDevice) open(name string, bulk bool) (vfs.Handle, error) {
	data, err := os.ReadFile(name) //nolint:gosec // test helper
	if err != nil {
		return vfs.InvalidHandle, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.next
	d.next++
	d.files[h] = &containerFile{data: data, bulk: bulk}
	return h, nil
}

// Read implements vfs.Device.
func (d *ContainerDevice) Read(h vfs.Handle, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[h]
	if !ok {
		return 0, vfs.ErrInvalidHandle
	}
	if f.pos >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

// ReadBulk implements vfs.Device. ptr addresses the padded stream.
func (d *ContainerDevice) ReadBulk(h vfs.Handle, ptr uint64, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[h]
	if !ok {
		return 0, vfs.ErrInvalidHandle
	}
	if ptr < d.Base {
		return 0, fmt.Errorf("read at %d inside container padding", ptr)
	}
	off := ptr - d.Base
	if off >= uint64(len(f.data)) {
		return 0, io.EOF
	}
	return copy(p, f.data[off:]), nil
}

// Seek implements vfs.Device.
func (d *ContainerDevice) Seek(h vfs.Handle, offset int64, whence int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[h]
	if !ok {
		return 0, vfs.ErrInvalidHandle
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.pos
	case io.SeekEnd:
		offset += int64(len(f.data))
	default:
		return 0, errors.New("invalid whence")
	}
	if offset < 0 {
		return 0, errors.New("negative position")
	}
	f.pos = offset
	return offset, nil
}

// Close implements vfs.Device.
func (d *ContainerDevice) Close(h vfs.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[h]; !ok {
		return vfs.ErrInvalidHandle
	}
	delete(d.files, h)
	return nil
}

// CloseBulk implements vfs.Device.
func (d *ContainerDevice) CloseBulk(h vfs.Handle) error {
	return d.Close(h)
}

// Length implements vfs.Device.
func (d *ContainerDevice) Length(h vfs.Handle) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[h]
	if !ok {
		return 0, vfs.ErrInvalidHandle
	}
	return int64(len(f.data)), nil
}

// LengthOf implements vfs.Device.
func (d *ContainerDevice) LengthOf(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return -1, err
	}
	return info.Size(), nil
}

// Attributes implements vfs.Device.
func (d *ContainerDevice) Attributes(string) (vfs.Attributes, error) {
	return 0, nil
}

// ExtensionControl implements vfs.Device.
func (d *ContainerDevice) ExtensionControl(vfs.ControlCode, any) error {
	return vfs.ErrUnsupported
}

// FindFirst implements vfs.Device.
func (d *ContainerDevice) FindFirst(string) (vfs.Handle, vfs.FindData, error) {
	return vfs.InvalidHandle, vfs.FindData{}, vfs.ErrUnsupported
}

// FindNext implements vfs.Device.
func (d *ContainerDevice) FindNext(vfs.Handle) (vfs.FindData, error) {
	return vfs.FindData{}, vfs.ErrUnsupported
}

// FindClose implements vfs.Device.
func (d *ContainerDevice) FindClose(vfs.Handle) error {
	return vfs.ErrUnsupported
}

// OpenHandles returns the number of open handles.
func (d *ContainerDevice) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}
