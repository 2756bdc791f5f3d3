// Package disk provides a cache.Bridge backed by files on the local disk
// and a badger index mapping content digests to those files.
package disk

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/rescache/cache"
)

const (
	defaultDirPerm = 0o700
	indexDirName   = "index"
)

var entryPrefix = []byte("e/")

// Cache implements cache.Bridge. Registered files stay where the caller put
// them; the cache only indexes them and removes them when pruning.
// The cache is safe for concurrent use.
type Cache struct {
	dir       string           // root directory, also the default staging area
	dirPerm   os.FileMode      // permissions for created directories
	maxBytes  int64            // maximum indexed bytes (0 = unlimited)
	algorithm digest.Algorithm // digest used to key registered files
	inMemory  bool             // keep the index in memory (tests)
	logger    *slog.Logger
	now       func() time.Time

	db      *badger.DB
	bytes   atomic.Int64 // total size of indexed files
	pruneMu sync.Mutex   // serializes prune operations
}

var _ cache.Bridge = (*Cache)(nil)

// record is the index value stored per digest.
type record struct {
	Path  string            `cbor:"1,keyasint"`
	Meta  map[string]string `cbor:"2,keyasint,omitempty"`
	Size  int64             `cbor:"3,keyasint"`
	Added int64             `cbor:"4,keyasint"` // unix nanoseconds
}

// Option configures a disk cache.
type Option func(*Cache)

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum cache size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithAlgorithm sets the digest algorithm used to key registered files.
// Defaults to SHA-256.
func WithAlgorithm(alg digest.Algorithm) Option {
	return func(c *Cache) {
		c.algorithm = alg
	}
}

// WithInMemoryIndex keeps the index in memory instead of dir/index.
func WithInMemoryIndex(enabled bool) Option {
	return func(c *Cache) {
		c.inMemory = enabled
	}
}

// WithLogger sets the logger used for index maintenance messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New opens a disk cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:       dir,
		dirPerm:   defaultDirPerm,
		algorithm: digest.SHA256,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if !c.algorithm.Available() {
		return nil, fmt.Errorf("digest algorithm %q is not available", c.algorithm)
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}

	bopts := badger.DefaultOptions(filepath.Join(dir, indexDirName)).WithLogger(nil)
	if c.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	c.db = db

	records, err := c.records()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var total int64
	for _, r := range records {
		total += r.rec.Size
	}
	c.bytes.Store(total)
	return c, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Close closes the index.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the entry for hash. Records whose file disappeared or
// changed size are dropped and reported as a miss.
func (c *Cache) Lookup(hash string) (cache.Entry, bool) {
	key, err := cache.Key(hash)
	if err != nil {
		return cache.Entry{}, false
	}
	rec, ok, err := c.get(key)
	if err != nil || !ok {
		return cache.Entry{}, false
	}

	info, statErr := os.Stat(rec.Path)
	if statErr != nil || info.Size() != rec.Size {
		c.logger.Debug("dropping stale cache record",
			slog.String("digest", key.String()),
			slog.String("path", rec.Path))
		if delErr := c.deleteRecord(key, rec); delErr != nil {
			c.logger.Warn("drop stale cache record", slog.Any("error", delErr))
		}
		return cache.Entry{}, false
	}

	return cache.Entry{
		LocalPath: rec.Path,
		MetaData:  maps.Clone(rec.Meta),
		Size:      rec.Size,
	}, true
}

// Register digests the file at localPath and indexes it with meta.
// Files larger than the configured limit are not indexed.
func (c *Cache) Register(localPath string, meta map[string]string) error {
	f, err := os.Open(localPath) //nolint:gosec // paths are staging files chosen by the device
	if err != nil {
		return err
	}
	key, err := c.algorithm.FromReader(f)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("digest %s: %w", localPath, err)
	}
	if closeErr != nil {
		return closeErr
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	size := info.Size()

	previous, hadPrevious, err := c.get(key)
	if err != nil {
		return err
	}
	if hadPrevious {
		if err := c.deleteRecord(key, previous); err != nil {
			return err
		}
	}

	if ok, err := c.ensureCapacity(size); err != nil {
		return err
	} else if !ok {
		c.logger.Debug("file exceeds cache limit, not indexed",
			slog.String("path", localPath),
			slog.Int64("size", size))
		return nil
	}

	rec := record{
		Path:  localPath,
		Meta:  maps.Clone(meta),
		Size:  size,
		Added: c.now().UnixNano(),
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(key), data)
	}); err != nil {
		return err
	}
	c.bytes.Add(size)
	return nil
}

// Delete removes the record and file for hash. Missing entries are a no-op.
func (c *Cache) Delete(hash string) error {
	key, err := cache.Key(hash)
	if err != nil {
		return err
	}
	rec, ok, err := c.get(key)
	if err != nil || !ok {
		return err
	}
	if err := removeFile(rec.Path); err != nil {
		return err
	}
	return c.deleteRecord(key, rec)
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the total size of indexed files.
func (c *Cache) SizeBytes() int64 {
	return c.bytes.Load()
}

func (c *Cache) get(key digest.Digest) (record, bool, error) {
	var rec record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

func (c *Cache) deleteRecord(key digest.Digest, rec record) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(key))
	})
	if err != nil {
		return err
	}
	c.bytes.Add(-rec.Size)
	return nil
}

func (c *Cache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}

func recordKey(d digest.Digest) []byte {
	return append(append([]byte{}, entryPrefix...), d.String()...)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
