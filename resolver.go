package rescache

import (
	"fmt"
	"strings"

	"github.com/meigma/rescache/manifest"
)

// SplitPath strips prefix from p and splits the rest into a resource name
// and a resource-relative item at the first '/'.
func SplitPath(prefix, p string) (resource, item string, err error) {
	rel, ok := strings.CutPrefix(p, prefix)
	if !ok {
		return "", "", fmt.Errorf("%s: missing prefix %q: %w", p, prefix, ErrNotFound)
	}
	resource, item, ok = strings.Cut(rel, "/")
	if !ok || resource == "" || item == "" {
		return "", "", fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return resource, item, nil
}

// resolve maps a logical path to its manifest entry.
func (d *Device) resolve(p string) (manifest.Entry, error) {
	resource, item, err := SplitPath(d.prefix, p)
	if err != nil {
		return manifest.Entry{}, err
	}
	entry, err := d.provider.Lookup(resource, item)
	if err != nil {
		return manifest.Entry{}, fmt.Errorf("%s: %w: %w", p, ErrNotFound, err)
	}
	return entry, nil
}
