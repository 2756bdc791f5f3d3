package rescache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rescache/vfs"
)

func TestHandleTable_AllocateRelease(t *testing.T) {
	t.Parallel()

	table := newHandleTable(70)
	seen := make(map[vfs.Handle]bool)
	for i := range 70 {
		h, s, err := table.allocate()
		require.NoError(t, err)
		assert.Equal(t, vfs.Handle(i), h, "lowest free slot first")
		assert.False(t, seen[h])
		seen[h] = true

		s.mu.Lock()
		assert.Equal(t, statusError, s.status, "reserved slots are provisionally errored")
		s.status = statusNotFetched
		s.mu.Unlock()
	}
	assert.Equal(t, 70, table.active())

	h, s, err := table.allocate()
	require.ErrorIs(t, err, ErrHandlesExhausted)
	assert.Equal(t, vfs.InvalidHandle, h)
	assert.Nil(t, s)

	slot65, err := table.get(65)
	require.NoError(t, err)
	gen := slot65.gen.Load()

	_, err = table.release(65)
	require.NoError(t, err)
	assert.Equal(t, gen+1, slot65.gen.Load())
	_, err = table.release(65)
	require.ErrorIs(t, err, ErrInvalidHandle)

	h, _, err = table.allocate()
	require.NoError(t, err)
	assert.Equal(t, vfs.Handle(65), h)
}

func TestHandleTable_OutOfRange(t *testing.T) {
	t.Parallel()

	table := newHandleTable(4)
	for _, h := range []vfs.Handle{-1, 4, 1 << 20} {
		_, err := table.get(h)
		require.ErrorIs(t, err, ErrInvalidHandle)
		_, err = table.release(h)
		require.ErrorIs(t, err, ErrInvalidHandle)
	}
}

func TestHandleTable_ReleaseReturnsHeldState(t *testing.T) {
	t.Parallel()

	table := newHandleTable(1)
	h, s, err := table.allocate()
	require.NoError(t, err)

	s.mu.Lock()
	s.status = statusFetching
	s.resolved = make(chan struct{})
	ch := s.resolved
	s.mu.Unlock()

	held, err := table.release(h)
	require.NoError(t, err)
	assert.Equal(t, statusFetching, held.status)

	select {
	case <-ch:
	default:
		t.Fatal("release must wake readers waiting on the slot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, statusEmpty, s.status)
	assert.Nil(t, s.resolved)
	assert.Equal(t, vfs.InvalidHandle, s.parent)
}

func TestHandleTable_Concurrent(t *testing.T) {
	t.Parallel()

	const capacity = 128
	table := newHandleTable(capacity)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = make(map[vfs.Handle]int)
	)
	for range capacity {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, _, err := table.allocate()
			if err != nil {
				return
			}
			mu.Lock()
			got[h]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, got, capacity)
	for h, n := range got {
		assert.Equal(t, 1, n, "handle %d handed out twice", h)
	}

	for h := range got {
		_, err := table.release(h)
		require.NoError(t, err)
	}
	assert.Zero(t, table.active())
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "empty", statusEmpty.String())
	assert.Equal(t, "not-fetched", statusNotFetched.String())
	assert.Equal(t, "fetching", statusFetching.String())
	assert.Equal(t, "fetched", statusFetched.String())
	assert.Equal(t, "error", statusError.String())
	assert.Equal(t, "unknown", status(99).String())
}
