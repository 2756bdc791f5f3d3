package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of one resource's entry list.
//
//	resource: vehicles
//	base_url: https://origin.example/files/vehicles
//	entries:
//	  - name: stream/car.ydr
//	    hash: sha256:9f86d0...
//	    size: 40960
//	    ext:
//	      rscVersion: "165"
type Document struct {
	Resource string          `yaml:"resource"`
	BaseURL  string          `yaml:"base_url,omitempty"`
	Entries  []DocumentEntry `yaml:"entries"`
}

// DocumentEntry is one entry of a Document.
type DocumentEntry struct {
	Name string            `yaml:"name"`
	Hash string            `yaml:"hash"`
	URL  string            `yaml:"url,omitempty"`
	Size int64             `yaml:"size"`
	Ext  map[string]string `yaml:"ext,omitempty"`
}

// Decode parses a Document and returns its resource name and entries.
func Decode(r io.Reader) (string, []Entry, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return "", nil, fmt.Errorf("decode manifest: %w", err)
	}
	return doc.entries()
}

func (doc *Document) entries() (string, []Entry, error) {
	if doc.Resource == "" {
		return "", nil, errors.New("manifest: resource name is empty")
	}
	if strings.Contains(doc.Resource, "/") {
		return "", nil, fmt.Errorf("manifest: resource name %q contains '/'", doc.Resource)
	}

	entries := make([]Entry, 0, len(doc.Entries))
	seen := make(map[string]struct{}, len(doc.Entries))
	for i, de := range doc.Entries {
		if de.Name == "" {
			return "", nil, fmt.Errorf("manifest %s: entry %d has no name", doc.Resource, i)
		}
		if de.Hash == "" {
			return "", nil, fmt.Errorf("manifest %s: entry %s has no hash", doc.Resource, de.Name)
		}
		if _, dup := seen[de.Name]; dup {
			return "", nil, fmt.Errorf("manifest %s: duplicate entry %s", doc.Resource, de.Name)
		}
		seen[de.Name] = struct{}{}

		url := de.URL
		if url == "" {
			if doc.BaseURL == "" {
				return "", nil, fmt.Errorf("manifest %s: entry %s has no url and no base_url is set", doc.Resource, de.Name)
			}
			url = strings.TrimSuffix(doc.BaseURL, "/") + "/" + de.Name
		}
		entries = append(entries, Entry{
			Basename:      de.Name,
			ResourceName:  doc.Resource,
			ReferenceHash: de.Hash,
			RemoteURL:     url,
			Size:          de.Size,
			ExtData:       de.Ext,
		})
	}
	return doc.Resource, entries, nil
}

// LoadFile reads a Document from path.
func LoadFile(path string) (string, []Entry, error) {
	f, err := os.Open(path) //nolint:gosec // manifest paths come from configuration
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	resource, entries, err := Decode(f)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", path, err)
	}
	return resource, entries, nil
}

// LoadDir loads every *.yaml and *.yml file in dir into s.
func (s *Set) LoadDir(dir string) error {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, de := range dirEntries {
		if de.IsDir() || !isManifestFile(de.Name()) {
			continue
		}
		resource, entries, err := LoadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return err
		}
		s.Put(resource, entries...)
	}
	return nil
}

func isManifestFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
