package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/coocood/freecache"

	"github.com/janelia-flyem/tilestream/dvid"
)

// CachedStore is a read-through in-memory cache in front of a slower Store.
// Whole-object reads and bounded range reads are cached; objects larger than
// freecache's entry limit (1/1024 of the cache size) are simply passed through.
type CachedStore struct {
	Store
	cache *freecache.Cache
}

// NewCachedStore wraps a store with a freecache of numBytes total size.
func NewCachedStore(s Store, numBytes int) *CachedStore {
	dvid.Infof("Using %d byte read-through cache for %s\n", numBytes, s)
	return &CachedStore{
		Store: s,
		cache: freecache.NewCache(numBytes),
	}
}

func (c *CachedStore) fetch(cacheKey []byte, read func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	if val, err := c.cache.Get(cacheKey); err == nil {
		return io.NopCloser(bytes.NewReader(val)), nil
	} else if err != freecache.ErrNotFound {
		dvid.Errorf("freecache get of %q: %v\n", cacheKey, err)
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
	if err := c.cache.Set(cacheKey, data, 0); err != nil && err != freecache.ErrLargeEntry {
		dvid.Debugf("unable to cache %q: %v\n", cacheKey, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *CachedStore) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return c.fetch([]byte(key), func() (io.ReadCloser, error) {
		return c.Store.NewReader(ctx, key)
	})
}

func (c *CachedStore) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return c.Store.NewRangeReader(ctx, key, offset, length)
	}
	cacheKey := []byte(fmt.Sprintf("%s@%d+%d", key, offset, length))
	return c.fetch(cacheKey, func() (io.ReadCloser, error) {
		return c.Store.NewRangeReader(ctx, key, offset, length)
	})
}

// HitRate returns the ratio of cache hits to lookups.
func (c *CachedStore) HitRate() float64 {
	return c.cache.HitRate()
}

// EntryCount returns the number of cached objects.
func (c *CachedStore) EntryCount() int64 {
	return c.cache.EntryCount()
}

func (c *CachedStore) Close() error {
	c.cache.Clear()
	return c.Store.Close()
}

func (c *CachedStore) String() string {
	return fmt.Sprintf("%s [memcache]", c.Store)
}
