// Package badger keeps a persistent local copy of objects read from a remote
// storage.Store, so reopening a remote dataset does not refetch chunks that
// were already viewed.
package badger

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage"
)

const (
	// DefaultSyncWrites is false since the cache can always be refilled from
	// the backing store.
	DefaultSyncWrites = false
)

// DiskCache is a read-through storage.Store decorator backed by BadgerDB.
type DiskCache struct {
	storage.Store
	path string
	db   *badger.DB
}

// NewDiskCache opens or creates a Badger database at path in front of s.
func NewDiskCache(s storage.Store, path string) (*DiskCache, error) {
	opts := badger.DefaultOptions(path).WithSyncWrites(DefaultSyncWrites).WithLogger(nil)
	return open(s, path, opts)
}

// NewMemoryCache returns a DiskCache that keeps everything in memory.  It is used
// for testing.
func NewMemoryCache(s storage.Store) (*DiskCache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(s, "memory", opts)
}

func open(s storage.Store, path string, opts badger.Options) (*DiskCache, error) {
	timedLog := dvid.NewTimeLog()
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("unable to open badger chunk cache @ %q: %v", path, err)
	}
	timedLog.Infof("Opened badger chunk cache @ %q", path)
	return &DiskCache{Store: s, path: path, db: db}, nil
}

func (d *DiskCache) get(key []byte) ([]byte, bool) {
	var val []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false
	}
	if err != nil {
		dvid.Errorf("badger chunk cache get %q: %v\n", key, err)
		return nil, false
	}
	return val, true
}

func (d *DiskCache) put(key, val []byte) {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		dvid.Errorf("badger chunk cache put %q (%d bytes): %v\n", key, len(val), err)
	}
}

func (d *DiskCache) fetch(key []byte, read func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	if val, found := d.get(key); found {
		return io.NopCloser(bytes.NewReader(val)), nil
	}
	r, err := read()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	d.put(key, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *DiskCache) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return d.fetch([]byte(key), func() (io.ReadCloser, error) {
		return d.Store.NewReader(ctx, key)
	})
}

func (d *DiskCache) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return d.Store.NewRangeReader(ctx, key, offset, length)
	}
	cacheKey := []byte(fmt.Sprintf("%s@%d+%d", key, offset, length))
	return d.fetch(cacheKey, func() (io.ReadCloser, error) {
		return d.Store.NewRangeReader(ctx, key, offset, length)
	})
}

// Close closes the Badger database and then the wrapped store.
func (d *DiskCache) Close() error {
	if err := d.db.Close(); err != nil {
		dvid.Errorf("Error closing badger chunk cache @ %q: %v\n", d.path, err)
	}
	return d.Store.Close()
}

func (d *DiskCache) String() string {
	return fmt.Sprintf("%s [diskcache %s]", d.Store, d.path)
}
