package rescache

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/meigma/rescache/manifest"
	"github.com/meigma/rescache/transport"
	"github.com/meigma/rescache/vfs"
)

// status is the lifecycle state of a handle slot.
type status int32

const (
	statusEmpty status = iota
	statusNotFetched
	statusFetching
	statusFetched
	statusError
)

func (s status) String() string {
	switch s {
	case statusEmpty:
		return "empty"
	case statusNotFetched:
		return "not-fetched"
	case statusFetching:
		return "fetching"
	case statusFetched:
		return "fetched"
	case statusError:
		return "error"
	default:
		return "unknown"
	}
}

// slot holds all per-open-file state. Fields other than gen, progress and
// total are guarded by mu.
type slot struct {
	mu sync.Mutex

	status status
	entry  manifest.Entry
	path   string // logical path, including the device prefix
	bulk   bool

	// valid only while status == statusFetched
	parentDev vfs.Device
	parent    vfs.Handle
	bulkBase  uint64
	meta      map[string]string

	// non-nil only while status == statusFetching, except between
	// beginFetch and the transport returning the request. A priority change
	// in that window is kept in pendingPriority and applied by dispatch.
	request         transport.Request
	resolved        chan struct{}
	pendingPriority transport.Priority
	hasPending      bool

	err error // *FetchError once status == statusError

	// gen changes on every release so late completions can tell the slot
	// was handed to another owner.
	gen      atomic.Uint64
	progress atomic.Int64
	total    atomic.Int64
}

// view is a copy of the slot fields needed outside the lock.
type view struct {
	status    status
	parentDev vfs.Device
	parent    vfs.Handle
	bulkBase  uint64
	bulk      bool
	entry     manifest.Entry
	request   transport.Request
	resolved  chan struct{}
	err       error
}

// snapshot must be called with s.mu held.
func (s *slot) snapshot() view {
	return view{
		status:    s.status,
		parentDev: s.parentDev,
		parent:    s.parent,
		bulkBase:  s.bulkBase,
		bulk:      s.bulk,
		entry:     s.entry,
		request:   s.request,
		resolved:  s.resolved,
		err:       s.err,
	}
}

// reset returns the slot to statusEmpty. It must be called with s.mu held.
// A pending resolution channel is closed so blocked readers wake up; the
// generation bump makes the in-flight completion skip it.
func (s *slot) reset() {
	if s.status == statusFetching && s.resolved != nil {
		close(s.resolved)
	}
	s.status = statusEmpty
	s.entry = manifest.Entry{}
	s.path = ""
	s.bulk = false
	s.parentDev = nil
	s.parent = vfs.InvalidHandle
	s.bulkBase = 0
	s.meta = nil
	s.request = nil
	s.resolved = nil
	s.hasPending = false
	s.err = nil
	s.progress.Store(0)
	s.total.Store(0)
	s.gen.Add(1)
}

// handleTable is a fixed-capacity arena of slots. A bitmap tracks which
// slots are allocated; the slot index is the externally visible handle.
type handleTable struct {
	mu    sync.Mutex
	slots []slot
	used  []uint64
	inUse int
}

func newHandleTable(capacity int) *handleTable {
	t := &handleTable{
		slots: make([]slot, capacity),
		used:  make([]uint64, (capacity+63)/64),
	}
	for i := range t.slots {
		t.slots[i].parent = vfs.InvalidHandle
	}
	return t
}

// allocate reserves the first free slot. The slot is provisionally marked
// statusError so it cannot be handed out twice while the caller fills it in.
func (t *handleTable) allocate() (vfs.Handle, *slot, error) {
	t.mu.Lock()
	idx := -1
	for w, word := range t.used {
		if word == ^uint64(0) {
			continue
		}
		i := w*64 + bits.TrailingZeros64(^word)
		if i >= len(t.slots) {
			break
		}
		t.used[w] |= 1 << (i % 64)
		idx = i
		break
	}
	if idx < 0 {
		t.mu.Unlock()
		return vfs.InvalidHandle, nil, ErrHandlesExhausted
	}
	t.inUse++
	t.mu.Unlock()

	s := &t.slots[idx]
	s.mu.Lock()
	s.status = statusError
	s.mu.Unlock()
	return vfs.Handle(idx), s, nil
}

// get returns the slot for h. The slot may be released concurrently;
// callers re-check status under s.mu.
func (t *handleTable) get(h vfs.Handle) (*slot, error) {
	if h < 0 || int(h) >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	return &t.slots[h], nil
}

// release resets the slot for h and returns what it held, so the caller
// can close the parent handle outside the lock.
func (t *handleTable) release(h vfs.Handle) (view, error) {
	s, err := t.get(h)
	if err != nil {
		return view{}, err
	}
	s.mu.Lock()
	if s.status == statusEmpty {
		s.mu.Unlock()
		return view{}, ErrInvalidHandle
	}
	held := s.snapshot()
	s.reset()
	s.mu.Unlock()

	t.mu.Lock()
	t.used[int(h)/64] &^= 1 << (int(h) % 64)
	t.inUse--
	t.mu.Unlock()
	return held, nil
}

// active returns the number of allocated slots.
func (t *handleTable) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUse
}

func (t *handleTable) capacity() int {
	return len(t.slots)
}
