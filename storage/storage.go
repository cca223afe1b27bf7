/*
	Package storage provides the byte-stream contract that block sources read from.

	A Store maps relative object keys, e.g. "4_4_4/0-64_0-64_0-64" or
	"1/3/block_8_xy_13.ktx", to streams of bytes.  Implementations live in
	sub-packages (blobstore, swift) and register themselves as engines so a
	viewer configuration can select them by name.  Decorators in this package
	and in storage/badger add read-through caching without the block sources
	knowing about it.
*/
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when a key does not exist in a Store.
var ErrNotFound = errors.New("key not found in store")

// Store is a read-only view of a backing store holding dataset objects.
type Store interface {
	// NewReader returns a sequential stream over the whole object.
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)

	// NewRangeReader returns a stream over length bytes starting at offset.
	// A negative length reads to the end of the object.
	NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Close releases any resources held by the store.
	Close() error

	fmt.Stringer
}

// ReadAll reads the full object for a key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	r, err := s.NewReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("reading %q from %s: %w", key, s, err)
	}
	return buf.Bytes(), nil
}

// RangeRead reads size bytes starting at offset from the object for a key.
func RangeRead(ctx context.Context, s Store, key string, offset, size uint64) ([]byte, error) {
	r, err := s.NewRangeReader(ctx, key, int64(offset), int64(size))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("range read of %q (offset %d, size %d) from %s: %w", key, offset, size, s, err)
	}
	return buf.Bytes(), nil
}

// IsNotFound returns true if the error signals a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// prefixed is a Store whose keys are all relative to a base prefix.
type prefixed struct {
	Store
	prefix string
}

// WithPrefix returns a Store that prepends prefix + "/" to every key.  An empty
// prefix returns the store unchanged.
func WithPrefix(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return &prefixed{Store: s, prefix: prefix}
}

func (p *prefixed) key(k string) string {
	return p.prefix + "/" + k
}

func (p *prefixed) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return p.Store.NewReader(ctx, p.key(key))
}

func (p *prefixed) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return p.Store.NewRangeReader(ctx, p.key(key), offset, length)
}

func (p *prefixed) String() string {
	return fmt.Sprintf("%s [prefix %s]", p.Store, p.prefix)
}
