// Package manifest describes the per-resource entry lists that map a
// resource-relative path to its content hash, origin URL, size, and
// format-specific metadata.
package manifest

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Sentinel errors returned by providers.
var (
	// ErrResourceNotFound is returned when a resource is unknown.
	ErrResourceNotFound = errors.New("manifest: resource not found")

	// ErrEntryNotFound is returned when a resource has no entry for a path.
	ErrEntryNotFound = errors.New("manifest: entry not found")
)

// Entry is one resolved manifest record.
type Entry struct {
	// Basename is the resource-relative item name.
	Basename string

	// ResourceName is the owning resource.
	ResourceName string

	// ReferenceHash is the content hash and cache key.
	ReferenceHash string

	// RemoteURL is where the content is downloaded from.
	RemoteURL string

	// Size is the expected content size in bytes.
	Size int64

	// ExtData holds format-specific fields such as page-table flags.
	ExtData map[string]string
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	e.ExtData = maps.Clone(e.ExtData)
	return e
}

// Provider resolves entries.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Lookup returns the entry for name in resource. It returns an error
	// wrapping ErrResourceNotFound or ErrEntryNotFound on failure.
	Lookup(resource, name string) (Entry, error)
}

// Set is an in-memory Provider. The zero value is not usable; call NewSet.
type Set struct {
	mu        sync.RWMutex
	resources map[string]map[string]Entry
}

var _ Provider = (*Set)(nil)

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{resources: make(map[string]map[string]Entry)}
}

// Put replaces the entry list of resource. Entries keep their own Basename;
// ResourceName is forced to resource.
func (s *Set) Put(resource string, entries ...Entry) {
	list := make(map[string]Entry, len(entries))
	for _, e := range entries {
		e = e.Clone()
		e.ResourceName = resource
		list[e.Basename] = e
	}
	s.mu.Lock()
	s.resources[resource] = list
	s.mu.Unlock()
}

// Remove drops resource. Unknown resources are a no-op.
func (s *Set) Remove(resource string) {
	s.mu.Lock()
	delete(s.resources, resource)
	s.mu.Unlock()
}

// Resources returns the known resource names, sorted.
func (s *Set) Resources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.resources))
}

// Lookup implements Provider.
func (s *Set) Lookup(resource, name string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.resources[resource]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", resource, ErrResourceNotFound)
	}
	e, ok := list[name]
	if !ok {
		return Entry{}, fmt.Errorf("%s/%s: %w", resource, name, ErrEntryNotFound)
	}
	return e.Clone(), nil
}
