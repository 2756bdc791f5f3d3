package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Namespace routes paths to devices by mount prefix.
// The longest matching prefix wins. Namespace is safe for concurrent use.
type Namespace struct {
	mu     sync.RWMutex
	mounts map[string]Device
	order  []string // prefixes, longest first
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{mounts: make(map[string]Device)}
}

// Mount attaches d at prefix, replacing any device already there.
func (n *Namespace) Mount(prefix string, d Device) error {
	if prefix == "" {
		return fmt.Errorf("mount: empty prefix")
	}
	if d == nil {
		return fmt.Errorf("mount %s: nil device", prefix)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.mounts[prefix]; !ok {
		n.order = append(n.order, prefix)
		sort.SliceStable(n.order, func(i, j int) bool {
			return len(n.order[i]) > len(n.order[j])
		})
	}
	n.mounts[prefix] = d
	return nil
}

// Unmount detaches the device at prefix. Unknown prefixes are a no-op.
func (n *Namespace) Unmount(prefix string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.mounts[prefix]; !ok {
		return
	}
	delete(n.mounts, prefix)
	for i, p := range n.order {
		if p == prefix {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Resolve returns the device mounted for path.
func (n *Namespace) Resolve(path string) (Device, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, prefix := range n.order {
		if strings.HasPrefix(path, prefix) {
			return n.mounts[prefix], nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNoDevice)
}
