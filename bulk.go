package rescache

import (
	"log/slog"

	"github.com/meigma/rescache/transport"
	"github.com/meigma/rescache/vfs"
)

// Reserved read sizes for ReadBulkSized. They never perform I/O.
const (
	// SizeRaisePriority marks the in-flight download as urgent.
	SizeRaisePriority uint32 = 0xFFFFFFFE

	// SizeLowerPriority moves the in-flight download back to the background.
	SizeLowerPriority uint32 = 0xFFFFFFFD

	// ProbeReady is returned by sentinel reads when the content is fetched.
	ProbeReady = 2048
)

// ReadBulk reads len(p) bytes at ptr of the file behind h, fetching the
// content first. ptr is relative to the start of the file.
func (d *Device) ReadBulk(h vfs.Handle, ptr uint64, p []byte) (int, error) {
	s, err := d.handles.get(h)
	if err != nil {
		return 0, err
	}
	return d.readBulk(s, ptr, p)
}

// ReadBulkSized is ReadBulk with an explicit size, which may be one of the
// reserved sizes SizeRaisePriority and SizeLowerPriority. Those adjust the
// priority of the in-flight download and return ProbeReady if the content
// is fetched, 0 otherwise. A sentinel on a handle whose download has not
// started yet starts it, but never waits for it.
func (d *Device) ReadBulkSized(h vfs.Handle, ptr uint64, p []byte, size uint32) (int, error) {
	s, err := d.handles.get(h)
	if err != nil {
		return 0, err
	}
	switch size {
	case SizeRaisePriority:
		return d.probe(s, transport.PriorityUrgent)
	case SizeLowerPriority:
		return d.probe(s, transport.PriorityBackground)
	}
	if uint64(size) < uint64(len(p)) {
		p = p[:size]
	}
	return d.readBulk(s, ptr, p)
}

func (d *Device) readBulk(s *slot, ptr uint64, p []byte) (int, error) {
	v, err := d.ensureFetched(s, d.blocking)
	if err != nil {
		return 0, err
	}
	if n, err := unreadable(v); err != nil {
		return n, err
	}
	return v.parentDev.ReadBulk(v.parent, ptr+v.bulkBase, p)
}

// probe handles a sentinel read.
func (d *Device) probe(s *slot, p transport.Priority) (int, error) {
	if _, err := d.ensureFetched(s, false); err != nil {
		return 0, err
	}

	s.mu.Lock()
	st := s.status
	if st == statusFetching {
		if s.request != nil {
			s.request.SetPriority(p)
		} else {
			s.pendingPriority = p
			s.hasPending = true
		}
	}
	path := s.entry.Basename
	s.mu.Unlock()

	switch st {
	case statusEmpty:
		return 0, ErrInvalidHandle
	case statusFetching:
		d.metrics.ObservePriorityChange(p)
		d.logger.Debug("download priority changed",
			slog.String("path", path),
			slog.String("priority", p.String()))
	case statusFetched:
		return ProbeReady, nil
	}
	return 0, nil
}
