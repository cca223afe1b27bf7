package badger

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/tilestream/storage"
	"github.com/janelia-flyem/tilestream/storage/blobstore"
)

type countingStore struct {
	storage.Store
	reads int32
}

func (c *countingStore) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	atomic.AddInt32(&c.reads, 1)
	return c.Store.NewReader(ctx, key)
}

func (c *countingStore) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	atomic.AddInt32(&c.reads, 1)
	return c.Store.NewRangeReader(ctx, key, offset, length)
}

func TestDiskCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	if err := bucket.WriteAll(ctx, "scale/0-64_0-64_0-64", []byte("chunk bytes here"), nil); err != nil {
		t.Fatalf("can't write to memblob: %v", err)
	}
	backing := &countingStore{Store: blobstore.New("mem", bucket)}
	dc, err := NewMemoryCache(backing)
	if err != nil {
		t.Fatalf("can't open in-memory badger: %v", err)
	}
	defer dc.Close()

	for i := 0; i < 3; i++ {
		data, err := storage.ReadAll(ctx, dc, "scale/0-64_0-64_0-64")
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(data) != "chunk bytes here" {
			t.Fatalf("read %d: got %q", i, data)
		}
	}
	if n := atomic.LoadInt32(&backing.reads); n != 1 {
		t.Errorf("expected 1 read of backing store, got %d", n)
	}

	for i := 0; i < 2; i++ {
		data, err := storage.RangeRead(ctx, dc, "scale/0-64_0-64_0-64", 6, 5)
		if err != nil {
			t.Fatalf("range read %d: %v", i, err)
		}
		if string(data) != "bytes" {
			t.Fatalf("range read %d: got %q", i, data)
		}
	}
	if n := atomic.LoadInt32(&backing.reads); n != 2 {
		t.Errorf("expected 2 reads of backing store after range reads, got %d", n)
	}
}

func TestDiskCacheMissing(t *testing.T) {
	backing := blobstore.New("mem", memblob.OpenBucket(nil))
	dc, err := NewMemoryCache(backing)
	if err != nil {
		t.Fatalf("can't open in-memory badger: %v", err)
	}
	defer dc.Close()
	if _, err := storage.ReadAll(context.Background(), dc, "nothing"); !storage.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}
