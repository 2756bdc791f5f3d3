package disk

import (
	"bytes"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
)

type indexedRecord struct {
	key digest.Digest
	rec record
}

// records returns every index record.
func (c *Cache) records() ([]indexedRecord, error) {
	var out []indexedRecord
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			item := it.Item()
			key := digest.Digest(bytes.TrimPrefix(item.KeyCopy(nil), entryPrefix))
			var rec record
			if err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, indexedRecord{key: key, rec: rec})
		}
		return nil
	})
	return out, err
}

// Prune removes the oldest entries, files included, until the indexed size
// is at or below targetBytes. It returns the number of bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	entries, err := c.records()
	if err != nil {
		return 0, err
	}
	var remaining int64
	for _, e := range entries {
		remaining += e.rec.Size
	}
	c.bytes.Store(remaining)
	if remaining <= targetBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rec.Added == entries[j].rec.Added {
			return entries[i].rec.Path < entries[j].rec.Path
		}
		return entries[i].rec.Added < entries[j].rec.Added
	})

	var freed int64
	for _, e := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := removeFile(e.rec.Path); err != nil {
			return freed, err
		}
		if err := c.deleteRecord(e.key, e.rec); err != nil {
			return freed, err
		}
		remaining -= e.rec.Size
		freed += e.rec.Size
	}
	return freed, nil
}
