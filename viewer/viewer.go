/*
	Package viewer assembles a block source, a chooser, a tile cache and a
	display updater from a TOML configuration so a render loop only has to feed
	cameras in and draw the displayed tiles.

	A typical configuration:

	  [logging]
	  logfile = "lodview.log"
	  max_log_size = 500 # MB
	  max_log_age = 30   # days

	  [store]
	  engine = "blob"
	  url = "gs://neuroglancer-janelia-flyem-hemibrain/emdata/clahe_yz/jpeg"
	  memcache = 268435456 # bytes
	  diskcache = "cache"   # badger directory, relative to this file

	  [source]
	  type = "ngprecomputed"

	  [cache]
	  workers = 4

	  [chooser]
	  type = "octree"
*/
package viewer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/chooser"
	"github.com/janelia-flyem/tilestream/display"
	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/ngprecomputed"
	"github.com/janelia-flyem/tilestream/octree"
	"github.com/janelia-flyem/tilestream/storage"
	"github.com/janelia-flyem/tilestream/storage/badger"
	"github.com/janelia-flyem/tilestream/tilecache"

	// engines selectable via [store].engine
	_ "github.com/janelia-flyem/tilestream/storage/blobstore"
	_ "github.com/janelia-flyem/tilestream/storage/swift"
)

// Source types
const (
	OctreeSource        = "octree"
	NGPrecomputedSource = "ngprecomputed"
)

// prefetcher is implemented by sources that can warm their metadata caches for
// a set of keys before the tile cache loads them.
type prefetcher interface {
	Prefetch(ctx context.Context, keys []block.Key, concurrency int) error
}

// Viewer is an assembled streaming pipeline.
type Viewer struct {
	Store   storage.Store
	Source  block.Source
	Chooser *chooser.Chooser
	Cache   *tilecache.Cache
	Updater *display.Updater

	workers     int
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once

	// at most one prefetch runs; a new desired set cancels the last one.
	prefetchMu     sync.Mutex
	prefetchCancel context.CancelFunc
	prefetchDone   chan struct{}
}

// Open builds a viewer from a configuration.  Every desired set the updater
// chooses is handed to the tile cache along with the camera focus.
func Open(ctx context.Context, cfg *Config) (*Viewer, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	src, err := openSource(ctx, store, cfg.Source)
	if err != nil {
		store.Close()
		return nil, err
	}
	ch, err := chooser.New(cfg.Chooser)
	if err != nil {
		if c, ok := src.(io.Closer); ok {
			c.Close()
		}
		store.Close()
		return nil, err
	}
	v := newViewer(store, src, ch, cfg.Cache)
	dvid.Infof("Viewer ready: %s, chooser %s\n", src, ch)
	return v, nil
}

func newViewer(store storage.Store, src block.Source, ch *chooser.Chooser, cacheCfg tilecache.Config) *Viewer {
	v := &Viewer{
		Store:   store,
		Source:  src,
		Chooser: ch,
		Cache:   tilecache.New(src, ch, cacheCfg),
		Updater: display.NewUpdater(src, ch),
		workers: cacheCfg.Workers,
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.unsubscribe = v.Updater.Subscribe(v.desiredChanged)
	return v
}

func (v *Viewer) desiredChanged(change display.Change) {
	if p, ok := v.Source.(prefetcher); ok && len(change.Desired) > 0 {
		v.startPrefetch(p, change.Desired)
	}
	if err := v.Cache.SetFocus(change.Camera.Focus); err != nil {
		return
	}
	if err := v.Cache.UpdateDesiredTiles(change.Desired); err != nil {
		dvid.Errorf("Unable to update desired tiles: %v\n", err)
	}
}

// startPrefetch cancels the running prefetch and queues one for keys behind it.
func (v *Viewer) startPrefetch(p prefetcher, keys []block.Key) {
	v.prefetchMu.Lock()
	defer v.prefetchMu.Unlock()
	if v.ctx.Err() != nil {
		return
	}
	if v.prefetchCancel != nil {
		v.prefetchCancel()
	}
	ctx, cancel := context.WithCancel(v.ctx)
	prev := v.prefetchDone
	done := make(chan struct{})
	v.prefetchCancel, v.prefetchDone = cancel, done
	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		if err := p.Prefetch(ctx, keys, v.workers); err != nil && ctx.Err() == nil {
			dvid.Errorf("Prefetch of %d blocks failed: %v\n", len(keys), err)
		}
	}()
}

// waitPrefetch returns once the last started prefetch, and so every earlier
// one, has returned.
func (v *Viewer) waitPrefetch() {
	v.prefetchMu.Lock()
	done := v.prefetchDone
	v.prefetchMu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops the cache and prefetching, then releases the source and store.
func (v *Viewer) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.unsubscribe()
		v.cancel()
		v.waitPrefetch()
		v.Cache.Close()
		if c, ok := v.Source.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				dvid.Errorf("Unable to close source %s: %v\n", v.Source, cerr)
			}
		}
		err = v.Store.Close()
	})
	return err
}

// openStore opens the configured engine and layers the optional badger disk
// cache and freecache memory cache in front of it, memory first.
func openStore(ctx context.Context, cfg *Config) (storage.Store, error) {
	sc, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	memcache, _, err := sc.GetInt("memcache")
	if err != nil {
		return nil, err
	}
	diskcache, _, err := sc.GetString("diskcache")
	if err != nil {
		return nil, err
	}
	delete(sc.Config, "memcache")

	store, err := storage.Open(ctx, sc)
	if err != nil {
		return nil, err
	}
	if diskcache != "" {
		dc, err := badger.NewDiskCache(store, diskcache)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("can't open disk cache at %q: %v", diskcache, err)
		}
		store = dc
	}
	if memcache > 0 {
		store = storage.NewCachedStore(store, memcache)
	}
	return store, nil
}

func openSource(ctx context.Context, store storage.Store, sc SourceConfig) (block.Source, error) {
	if sc.Ref != "" {
		store = storage.WithPrefix(store, sc.Ref)
	}
	switch sc.Type {
	case OctreeSource, "":
		var opts octree.Options
		if sc.Origin != nil {
			if len(sc.Origin) != 3 {
				return nil, fmt.Errorf("source origin must have 3 coordinates, got %v", sc.Origin)
			}
			origin := dvid.Vector3d{sc.Origin[0], sc.Origin[1], sc.Origin[2]}
			opts.Origin = &origin
		}
		return octree.Open(ctx, store, opts)
	case NGPrecomputedSource:
		return ngprecomputed.Open(ctx, store, ngprecomputed.Options{
			MaxShards:     sc.MaxShards,
			MaxMinishards: sc.MaxMinishards,
		})
	default:
		return nil, fmt.Errorf("unknown source type %q, must be %q or %q", sc.Type, OctreeSource, NGPrecomputedSource)
	}
}
