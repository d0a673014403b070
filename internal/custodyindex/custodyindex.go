// Package custodyindex implements a BoltDB-backed existence and
// garbage-collection cache over custody records. It is derived state only
// — the SQLite custody table in internal/store is the single source of
// truth (spec.md §4.6) — so this index can always be rebuilt by replaying
// store.LoadCustodyRecords and is safe to delete and recreate on startup
// if it is found corrupt.
package custodyindex

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/quantarax/courier/internal/model"
)

var bucketHeld = []byte("held")

// Index answers "do we currently hold custody of (bundle, owner)?" without
// a SQLite round trip, and tracks each entry's acquisition time for GC.
type Index struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the BoltDB file at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("custodyindex: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketHeld)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("custodyindex: create bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database file.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func entryKey(bundleID model.BundleID, ownerNode string) []byte {
	return []byte(bundleID.String() + "/" + ownerNode)
}

// Mark records that ownerNode holds custody of bundleID as of acquiredAt.
func (idx *Index) Mark(bundleID model.BundleID, ownerNode string, acquiredAt time.Time) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(acquiredAt.Unix()))
		return tx.Bucket(bucketHeld).Put(entryKey(bundleID, ownerNode), buf)
	})
}

// Holds reports whether the index believes ownerNode currently holds
// custody of bundleID.
func (idx *Index) Holds(bundleID model.BundleID, ownerNode string) bool {
	var found bool
	_ = idx.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketHeld).Get(entryKey(bundleID, ownerNode)) != nil
		return nil
	})
	return found
}

// Unmark removes an entry, called once the corresponding CustodyRecord is
// released or fails.
func (idx *Index) Unmark(bundleID model.BundleID, ownerNode string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeld).Delete(entryKey(bundleID, ownerNode))
	})
}

// GC drops entries older than maxAge, returning the number removed. Stale
// entries occur when a record was released without a matching Unmark call
// (e.g. a crash) — the store remains authoritative, so this only trims the
// cache.
func (idx *Index) GC(now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge).Unix()
	removed := 0
	err := idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeld)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			if int64(binary.BigEndian.Uint64(v)) < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Rebuild clears the index and repopulates it from records, the durable
// set of custody records as loaded from the store. This is how the index
// recovers from corruption or is built fresh on first startup.
func Rebuild(path string, records []*model.CustodyRecord) (*Index, error) {
	idx, err := Open(path)
	if err != nil {
		return nil, err
	}
	err = idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketHeld); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketHeld)
		if err != nil {
			return err
		}
		for _, rec := range records {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(rec.AcquiredAt.Unix()))
			if err := b.Put(entryKey(rec.BundleID, rec.OwnerNode), buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("custodyindex: rebuild: %w", err)
	}
	return idx, nil
}
