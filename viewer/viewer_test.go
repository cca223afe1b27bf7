package viewer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/chooser"
	"github.com/janelia-flyem/tilestream/display"
	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/octree"
	"github.com/janelia-flyem/tilestream/storage/blobstore"
	"github.com/janelia-flyem/tilestream/tilecache"
)

const testCorners = "[(0, 0, 0), (1000, 1000, 1000)]"

// writeOctree writes a one level octree whose root is a 2x2x2 byte block.
func writeOctree(t *testing.T, dir, ref string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("can't create %s: %v", dir, err)
	}
	bucket, err := blob.OpenBucket(context.Background(), "file://"+dir)
	if err != nil {
		t.Fatalf("can't open bucket at %s: %v", dir, err)
	}
	defer bucket.Close()
	hdr := &octree.Header{
		GLType:               0x1401,
		GLTypeSize:           1,
		GLFormat:             0x1903, // GL_RED
		GLInternalFormat:     0x8229,
		GLBaseInternalFormat: 0x1903,
		PixelWidth:           2,
		PixelHeight:          2,
		PixelDepth:           2,
		NumberOfFaces:        1,
		Metadata: map[string]string{
			"multiscale_total_levels": "1",
			"corner_xyzs":             testCorners,
		},
	}
	var buf bytes.Buffer
	if err := hdr.Write(&buf, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("can't encode root block: %v", err)
	}
	key := ref + "/" + octree.BlockPath("")
	if err := bucket.WriteAll(context.Background(), key, buf.Bytes(), nil); err != nil {
		t.Fatalf("can't write root block: %v", err)
	}
}

func writeConfig(t *testing.T, dir, text string) string {
	filename := filepath.Join(dir, "lodview.toml")
	if err := os.WriteFile(filename, []byte(text), 0644); err != nil {
		t.Fatalf("can't write config: %v", err)
	}
	return filename
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	filename := writeConfig(t, dir, `
[logging]
logfile = "logs/lodview.log"
max_log_size = 10
max_log_age = 2

[store]
engine = "blob"
url = "file://data"
memcache = 1048576
diskcache = "cache"

[source]
type = "octree"
ref = "brain"
origin = [1.0, 2.0, 3.0]

[cache]
workers = 3
retain_until_obsolete = true

[chooser]
type = "many"
max_blocks = 12
`)
	cfg, err := Load(filename)
	if err != nil {
		t.Fatalf("can't load config: %v", err)
	}
	if cfg.Logging.Logfile != filepath.Join(dir, "logs/lodview.log") {
		t.Errorf("logfile not made absolute: %s", cfg.Logging.Logfile)
	}
	if cfg.Logging.MaxSize != 10 || cfg.Logging.MaxAge != 2 {
		t.Errorf("bad log settings: %+v", cfg.Logging)
	}
	if cfg.Store["diskcache"] != filepath.Join(dir, "cache") {
		t.Errorf("diskcache not made absolute: %v", cfg.Store["diskcache"])
	}
	if cfg.Store["url"] != "file://"+filepath.Join(dir, "data") {
		t.Errorf("file url not made absolute: %v", cfg.Store["url"])
	}
	if cfg.Source.Type != "octree" || cfg.Source.Ref != "brain" || len(cfg.Source.Origin) != 3 {
		t.Errorf("bad source config: %+v", cfg.Source)
	}
	if cfg.Cache.Workers != 3 || !cfg.Cache.RetainUntilObsolete {
		t.Errorf("bad cache config: %+v", cfg.Cache)
	}
	if cfg.Chooser.Type != "many" || cfg.Chooser.MaxBlocks != 12 {
		t.Errorf("bad chooser config: %+v", cfg.Chooser)
	}
	sc, err := cfg.StoreConfig()
	if err != nil {
		t.Fatalf("bad store config: %v", err)
	}
	if sc.Engine != "blob" {
		t.Errorf("expected blob engine, got %q", sc.Engine)
	}
	if memcache, _, _ := sc.GetInt("memcache"); memcache != 1048576 {
		t.Errorf("expected memcache setting, got %d", memcache)
	}

	if _, err := Load(""); err == nil {
		t.Errorf("expected error for missing config filename")
	}
	bad := writeConfig(t, t.TempDir(), "[store\nengine=")
	if _, err := Load(bad); err == nil {
		t.Errorf("expected error for malformed TOML")
	}
}

func TestOpenAndStream(t *testing.T) {
	dir := t.TempDir()
	writeOctree(t, filepath.Join(dir, "data"), "brain")
	filename := writeConfig(t, dir, `
[store]
engine = "blob"
url = "file://data"
memcache = 1048576
diskcache = "cache"

[source]
type = "octree"
ref = "brain"

[cache]
workers = 2
`)
	cfg, err := Load(filename)
	if err != nil {
		t.Fatalf("can't load config: %v", err)
	}
	v, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("can't open viewer: %v", err)
	}
	defer v.Close()

	if v.Source.MaximumResolution() != 0 {
		t.Errorf("expected single level octree, got max resolution %d", v.Source.MaximumResolution())
	}
	if !strings.Contains(v.Store.String(), "cache") {
		t.Errorf("expected cached store, got %s", v.Store)
	}
	if !v.Updater.Observe(display.Camera{Focus: dvid.Vector3d{500, 500, 500}, Zoom: 1000}) {
		t.Fatalf("expected camera to choose blocks")
	}
	deadline := time.Now().Add(5 * time.Second)
	for !v.Cache.CanDisplay() {
		if time.Now().After(deadline) {
			t.Fatalf("root block never displayed, stats %+v", v.Cache.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	tiles := v.Cache.GetDisplayedTiles()
	if len(tiles) != 1 {
		t.Fatalf("expected 1 displayed tile, got %d", len(tiles))
	}
	if tiles[0].Key.ID().Kind != block.OctreeKind || tiles[0].Key.Resolution() != 0 {
		t.Errorf("expected octree root tile, got %s", tiles[0].Key)
	}
	if !bytes.Equal(tiles[0].Volume.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("bad tile data %v", tiles[0].Volume.Data)
	}
	if _, err := os.Stat(filepath.Join(dir, "cache")); err != nil {
		t.Errorf("expected badger disk cache directory: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	writeOctree(t, dir, "brain")
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown engine", Config{Store: map[string]interface{}{"engine": "bogus"}}},
		{"missing url", Config{Store: map[string]interface{}{"engine": "blob"}}},
		{"unknown source", Config{
			Store:  map[string]interface{}{"url": "file://" + dir},
			Source: SourceConfig{Type: "hdf5", Ref: "brain"},
		}},
		{"missing dataset", Config{
			Store:  map[string]interface{}{"url": "file://" + dir},
			Source: SourceConfig{Type: "octree", Ref: "nothing"},
		}},
		{"bad origin", Config{
			Store:  map[string]interface{}{"url": "file://" + dir},
			Source: SourceConfig{Type: "octree", Ref: "brain", Origin: []float64{1, 2}},
		}},
	}
	for _, tc := range tests {
		cfg := tc.cfg
		if v, err := Open(context.Background(), &cfg); err == nil {
			v.Close()
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

// prefetchSource loads one voxel blocks and has a prefetch that runs until it
// is cancelled.
type prefetchSource struct {
	*octree.Source

	mu         sync.Mutex
	calls      int
	running    int
	maxRunning int
	cancelled  int
}

func (s *prefetchSource) LoadBlock(ctx context.Context, k block.Key) (*block.Volume, error) {
	return &block.Volume{Size: dvid.Point3d{1, 1, 1}, BytesPerVoxel: 1, Channels: 1, Data: []byte{1}}, nil
}

func (s *prefetchSource) Prefetch(ctx context.Context, keys []block.Key, concurrency int) error {
	s.mu.Lock()
	s.calls++
	s.running++
	if s.running > s.maxRunning {
		s.maxRunning = s.running
	}
	s.mu.Unlock()
	<-ctx.Done()
	s.mu.Lock()
	s.running--
	s.cancelled++
	s.mu.Unlock()
	return ctx.Err()
}

func (s *prefetchSource) counts() (calls, running, maxRunning, cancelled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.running, s.maxRunning, s.cancelled
}

func TestPrefetchReplaced(t *testing.T) {
	oct, err := octree.New(nil, dvid.Vector3d{0, 0, 0}, dvid.Vector3d{1000, 1000, 1000}, 3)
	if err != nil {
		t.Fatalf("can't create octree: %v", err)
	}
	src := &prefetchSource{Source: oct}
	ch, err := chooser.New(chooser.Config{})
	if err != nil {
		t.Fatalf("can't create chooser: %v", err)
	}
	v := newViewer(blobstore.New("mem", memblob.OpenBucket(nil)), src, ch, tilecache.Config{Workers: 2})
	defer v.Close()

	cams := []display.Camera{
		{Focus: dvid.Vector3d{500, 500, 500}, Zoom: 1000},
		{Focus: dvid.Vector3d{375, 375, 375}, Zoom: 100},
		{Focus: dvid.Vector3d{875, 875, 875}, Zoom: 100},
	}
	for i, cam := range cams {
		if !v.Updater.Observe(cam) {
			t.Fatalf("camera %d didn't change desired blocks", i)
		}
		deadline := time.Now().Add(5 * time.Second)
		for {
			if calls, _, _, _ := src.counts(); calls == i+1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("prefetch for camera %d never started", i)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}
	_, running, maxRunning, cancelled := src.counts()
	if running != 1 || maxRunning != 1 {
		t.Errorf("expected one prefetch at a time, got %d running, max %d", running, maxRunning)
	}
	if cancelled != 2 {
		t.Errorf("expected 2 replaced prefetches cancelled, got %d", cancelled)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, running, _, cancelled := src.counts(); running != 0 || cancelled != 3 {
		t.Errorf("expected close to stop the last prefetch, got %d running, %d cancelled", running, cancelled)
	}
}
