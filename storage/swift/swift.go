/*
Package swift adds Openstack Swift object stores as a backing store for block
sources.  Mandatory configuration parameters are:

  - user: The Swift user.
  - key: The Swift key / password.
  - auth: The authorization URL.
  - container: The name of the container holding the dataset.

Optional parameters are:

  - project: The project (v3 authorization only).
  - domain: The project domain (v3 authorization only).
  - prefix: Key prefix of the dataset within the container.
*/
package swift

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/blang/semver"
	"github.com/ncw/swift"

	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage"
)

const (
	// initialDelay is the first wait before retrying a failed open.
	initialDelay = 50 * time.Millisecond

	// maximumDelay caps the exponential retry backoff.
	maximumDelay = 2 * time.Second
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		dvid.Errorf("Unable to make semver in swift: %v\n", err)
	}
	storage.RegisterEngine(Engine{"swift", "Openstack Swift object store", ver})
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

func (e Engine) NewStore(ctx context.Context, config dvid.StoreConfig) (storage.Store, error) {
	s, err := NewStore(config)
	if err != nil {
		return nil, err
	}
	prefix, _, err := config.GetString("prefix")
	if err != nil {
		return nil, err
	}
	return storage.WithPrefix(s, prefix), nil
}

// Store reads dataset objects from a Swift container.
type Store struct {
	conn      *swift.Connection
	container string
}

// NewStore authenticates with Swift and checks the container exists.
func NewStore(config dvid.StoreConfig) (*Store, error) {
	s := &Store{conn: &swift.Connection{}}

	var err error
	configString := func(param string, required bool) (string, error) {
		value, ok, e := config.GetString(param)
		if !ok {
			if required {
				return "", fmt.Errorf(`configuration parameter "%s" missing`, param)
			}
			return "", nil
		}
		if e != nil {
			return "", fmt.Errorf(`error retrieving configuration parameter "%s": %v`, param, e)
		}
		return value, nil
	}
	if s.conn.UserName, err = configString("user", true); err != nil {
		return nil, err
	}
	if s.conn.ApiKey, err = configString("key", true); err != nil {
		return nil, err
	}
	if s.conn.AuthUrl, err = configString("auth", true); err != nil {
		return nil, err
	}
	if s.conn.Tenant, err = configString("project", false); err != nil {
		return nil, err
	}
	if s.conn.Tenant != "" {
		s.conn.AuthVersion = 3
	}
	if s.conn.TenantDomain, err = configString("domain", false); err != nil {
		return nil, err
	}
	if s.container, err = configString("container", true); err != nil {
		return nil, err
	}

	if err := s.conn.Authenticate(); err != nil {
		return nil, fmt.Errorf("unable to authenticate with Swift: %v", err)
	}
	dvid.Infof("Authenticated to Openstack Swift with user %q, container %q via %s\n", s.conn.UserName, s.container, s.conn.AuthUrl)

	if _, _, err = s.conn.Container(s.container); err != nil {
		return nil, fmt.Errorf("unable to access Swift container %q: %v", s.container, err)
	}
	return s, nil
}

// rangeHeader returns the HTTP Range header for a byte range.
func rangeHeader(offset, length int64) swift.Headers {
	if offset == 0 && length < 0 {
		return nil
	}
	if length < 0 {
		return swift.Headers{"Range": fmt.Sprintf("bytes=%d-", offset)}
	}
	return swift.Headers{"Range": fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)}
}

// open opens an object, retrying with increasing delays on transient errors.
func (s *Store) open(ctx context.Context, key string, h swift.Headers) (io.ReadCloser, error) {
	delay := initialDelay
	for {
		f, _, err := s.conn.ObjectOpen(s.container, key, false, h)
		if err == nil {
			return f, nil
		}
		if err == swift.ObjectNotFound {
			return nil, fmt.Errorf("%q: %w", key, storage.ErrNotFound)
		}
		if delay > maximumDelay {
			return nil, fmt.Errorf("maximum object open retries exceeded for %q: %v", key, err)
		}
		dvid.Debugf("retrying swift open of %q after %s: %v\n", key, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Store) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.open(ctx, key, nil)
}

func (s *Store) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return s.open(ctx, key, rangeHeader(offset, length))
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) String() string {
	return fmt.Sprintf("swift container %q @ %s", s.container, s.conn.AuthUrl)
}
