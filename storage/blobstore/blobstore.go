/*
	Package blobstore implements the storage.Store contract on top of gocloud.dev
	buckets so the same block sources can read local directories (file://),
	Google Cloud Storage (gs://), S3 (s3://) or in-memory buckets (mem://).

	Configuration parameters:

	  - url: bucket URL, e.g. "gs://neuroglancer-janelia-flyem-hemibrain/emdata/raw/jpeg"
	  - prefix: optional key prefix within the bucket
*/
package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/blang/semver"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage"
)

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		dvid.Errorf("Unable to make semver in blobstore: %v\n", err)
	}
	e := Engine{"blob", "gocloud.dev bucket (file, gs, s3, mem)", ver}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore opens a bucket.  The passed config must contain a "url" setting.
func (e Engine) NewStore(ctx context.Context, config dvid.StoreConfig) (storage.Store, error) {
	url, prefix, err := parseConfig(config)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return storage.WithPrefix(s, prefix), nil
}

func parseConfig(config dvid.StoreConfig) (url, prefix string, err error) {
	var found bool
	url, found, err = config.GetString("url")
	if err != nil {
		return
	}
	if !found || url == "" {
		err = fmt.Errorf("%q must be specified for blob store configuration", "url")
		return
	}
	prefix, _, err = config.GetString("prefix")
	return
}

// Store reads objects from a gocloud.dev bucket.
type Store struct {
	url    string
	bucket *blob.Bucket
}

// Open opens the bucket at the given URL.
func Open(ctx context.Context, url string) (*Store, error) {
	dvid.Infof("Trying to open blob store @ %q ...\n", url)
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket @ %q: %w", url, err)
	}
	return &Store{url: url, bucket: bucket}, nil
}

// New wraps an already opened bucket, e.g. one returned by memblob.OpenBucket.
func New(name string, bucket *blob.Bucket) *Store {
	return &Store{url: name, bucket: bucket}
}

func translateErr(key string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%q: %w", key, storage.ErrNotFound)
	}
	return err
}

func (s *Store) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, translateErr(key, err)
	}
	return r, nil
}

func (s *Store) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	timedLog := dvid.NewTimeLog()
	r, err := s.bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, translateErr(key, err)
	}
	timedLog.Debugf("Opened range reader of object %q, offset %d, size %d", key, offset, length)
	return r, nil
}

func (s *Store) Close() error {
	if err := s.bucket.Close(); err != nil {
		dvid.Errorf("Error on trying to close blob store (%s): %v\n", s.url, err)
		return err
	}
	return nil
}

func (s *Store) String() string {
	return fmt.Sprintf("blob store @ %s", s.url)
}
