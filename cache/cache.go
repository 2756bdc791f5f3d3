// Package cache defines the content-addressed store the resource cache device
// consults before downloading, and registers files with after a download.
//
// Keys are content hashes, so a given key always maps to identical bytes.
// Size limits and eviction belong to the implementation.
package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ErrInvalidKey is returned when a hash string is not a usable cache key.
var ErrInvalidKey = errors.New("cache: invalid key")

// Entry describes cached content.
type Entry struct {
	// LocalPath is where the content lives on the host filesystem.
	LocalPath string

	// MetaData is what was supplied at registration (filename, resource, origin).
	MetaData map[string]string

	// Size is the content size in bytes.
	Size int64
}

// Bridge is a content-addressed store keyed by content hash.
// Implementations must be safe for concurrent use.
type Bridge interface {
	// Lookup returns the entry for hash, or false when it is not cached.
	Lookup(hash string) (Entry, bool)

	// Register records the file at localPath, keyed by the hash of its
	// content, together with meta.
	Register(localPath string, meta map[string]string) error
}

// Key normalizes a manifest hash into a digest. It accepts full digests
// ("sha256:<hex>") and bare 64-character hex strings, which are read as SHA-256.
func Key(hash string) (digest.Digest, error) {
	if hash == "" {
		return "", fmt.Errorf("empty hash: %w", ErrInvalidKey)
	}
	if strings.Contains(hash, ":") {
		d, err := digest.Parse(hash)
		if err != nil {
			return "", fmt.Errorf("%s: %w: %w", hash, ErrInvalidKey, err)
		}
		return d, nil
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(hash))
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w: %w", hash, ErrInvalidKey, err)
	}
	return d, nil
}
