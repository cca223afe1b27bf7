package octree

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage/blobstore"
)

const sampleCorners = `[
	(0, 0, 0), (1000, 0, 0), (0, 1000, 0), (1000, 1000, 0),
	(0, 0, 1000), (1000, 0, 1000), (0, 1000, 1000), (1000, 1000, 1000)
]`

func writeBlock(t *testing.T, bucket *blob.Bucket, steps string, meta map[string]string, img []byte, size uint32) {
	hdr := &Header{
		GLType:               0x1401, // GL_UNSIGNED_BYTE
		GLTypeSize:           1,
		GLFormat:             glRed,
		GLInternalFormat:     0x8229,
		GLBaseInternalFormat: glRed,
		PixelWidth:           size,
		PixelHeight:          size,
		PixelDepth:           size,
		NumberOfFaces:        1,
		Metadata:             meta,
	}
	var buf bytes.Buffer
	if err := hdr.Write(&buf, img); err != nil {
		t.Fatalf("can't encode KTX block: %v", err)
	}
	if err := bucket.WriteAll(context.Background(), BlockPath(steps), buf.Bytes(), nil); err != nil {
		t.Fatalf("can't write KTX block: %v", err)
	}
}

func testSource(t *testing.T) (*Source, *blob.Bucket) {
	bucket := memblob.OpenBucket(nil)
	meta := map[string]string{
		"multiscale_total_levels": "3",
		"corner_xyzs":             sampleCorners,
	}
	writeBlock(t, bucket, "", meta, make([]byte, 8), 2)
	src, err := Open(context.Background(), blobstore.New("mem", bucket), Options{})
	if err != nil {
		t.Fatalf("can't open octree: %v", err)
	}
	return src, bucket
}

func TestKTXRoundTrip(t *testing.T) {
	hdr := &Header{
		GLTypeSize:  2,
		GLFormat:    glRG,
		PixelWidth:  4,
		PixelHeight: 3,
		PixelDepth:  2,
		Metadata:    map[string]string{"a": "1", "longer key": "odd length value"},
	}
	img := make([]byte, 4*3*2*2*2)
	for i := range img {
		img[i] = byte(i)
	}
	var buf bytes.Buffer
	if err := hdr.Write(&buf, img); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := bytes.NewReader(buf.Bytes())
	got, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got.PixelWidth != 4 || got.PixelHeight != 3 || got.PixelDepth != 2 || got.Channels() != 2 {
		t.Errorf("bad header: %+v", got)
	}
	if got.Metadata["a"] != "1" || got.Metadata["longer key"] != "odd length value" {
		t.Errorf("bad metadata: %v", got.Metadata)
	}
	gotImg, err := got.ReadImage(r)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if !bytes.Equal(gotImg, img) {
		t.Errorf("image bytes differ")
	}

	if _, err := ReadHeader(bytes.NewReader([]byte("not a ktx file at all"))); err == nil {
		t.Errorf("expected error on bad identifier")
	}
}

func TestParseCorners(t *testing.T) {
	origin, outer, err := ParseCorners(`[(68097.320000000007, 13754.192000000001, 27557.100000000002), (79094.79800000001, 13754.192000000001, 27557.100000000002), (79094.79800000001, 21962.162, 42164.300000000003)]`)
	if err != nil {
		t.Fatalf("ParseCorners: %v", err)
	}
	if origin[0] != 68097.320000000007 || origin[2] != 27557.100000000002 {
		t.Errorf("bad origin %s", origin)
	}
	if outer[1] != 21962.162 || outer[2] != 42164.300000000003 {
		t.Errorf("bad outer corner %s", outer)
	}
	if _, _, err := ParseCorners("(1,2,3)"); err == nil {
		t.Errorf("expected error for malformed corners")
	}
}

func TestBlockPath(t *testing.T) {
	tests := map[string]string{
		"":    "block_8_xy_.ktx",
		"3":   "3/block_8_xy_3.ktx",
		"351": "3/5/1/block_8_xy_351.ktx",
	}
	for steps, expected := range tests {
		if got := BlockPath(steps); got != expected {
			t.Errorf("steps %q: expected %q, got %q", steps, expected, got)
		}
	}
}

func TestBlockKeyAt(t *testing.T) {
	src, _ := testSource(t)
	if src.MaximumResolution() != 2 {
		t.Fatalf("expected maximum resolution 2, got %d", src.MaximumResolution())
	}

	k := src.BlockKeyAt(dvid.Vector3d{500, 500, 500}, 1)
	if k == nil || k.ID().Path != "1" {
		t.Fatalf("expected lower octant at midpoint, got %v", k)
	}
	k = src.BlockKeyAt(dvid.Vector3d{750, 250, 900}, 2)
	// level 1: x high (+1), z high (+4) -> 6; level 2 within [500,1000]x[0,500]x[500,1000]:
	// x 750 not > 750, y 250 not > 250, z 900 > 750 -> 5
	if k == nil || k.ID().Path != "65" {
		t.Fatalf("expected path 65, got %v", k)
	}
	if c := k.Centroid(); c != (dvid.Vector3d{625, 125, 875}) {
		t.Errorf("bad centroid %s", c)
	}
	if e := k.Extent(); e != (dvid.Vector3d{250, 250, 250}) {
		t.Errorf("bad extent %s", e)
	}

	if k := src.BlockKeyAt(dvid.Vector3d{-5, -5, -5}, 1); k != nil {
		t.Errorf("expected nil outside volume, got %s", k)
	}
	if k := src.BlockKeyAt(dvid.Vector3d{500, 1000.5, 500}, 0); k != nil {
		t.Errorf("expected nil outside volume, got %s", k)
	}
	if k := src.BlockKeyAt(dvid.Vector3d{math.NaN(), 500, 500}, 1); k != nil {
		t.Errorf("expected nil for NaN focus, got %s", k)
	}
	if k := src.BlockKeyAt(dvid.Vector3d{500, math.Inf(1), 500}, 0); k != nil {
		t.Errorf("expected nil for infinite focus, got %s", k)
	}
	if k := src.BlockKeyAt(dvid.Vector3d{500, 500, 500}, 3); k != nil {
		t.Errorf("expected nil for resolution finer than maximum, got %s", k)
	}
	if k := src.BlockKeyAt(dvid.Vector3d{500, 500, 500}, -1); k != nil {
		t.Errorf("expected nil for negative resolution, got %s", k)
	}
}

func TestRoundTripAndDeterminism(t *testing.T) {
	src, _ := testSource(t)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		focus := dvid.Vector3d{rng.Float64() * 1000, rng.Float64() * 1000, rng.Float64() * 1000}
		for r := block.Resolution(0); r <= src.MaximumResolution(); r++ {
			k := src.BlockKeyAt(focus, r)
			if k == nil {
				t.Fatalf("no key for %s at %s", focus, r)
			}
			if k2 := src.BlockKeyAt(focus, r); k2.ID() != k.ID() {
				t.Fatalf("non-deterministic key for %s: %s vs %s", focus, k, k2)
			}
			if k.Resolution() != r {
				t.Fatalf("key %s has resolution %d, expected %d", k, k.Resolution(), r)
			}
			centroid := src.BlockCentroid(k)
			if centroid != k.Centroid() {
				t.Fatalf("BlockCentroid %s differs from cached centroid %s", centroid, k.Centroid())
			}
			box := block.Bounds(k)
			if !box.Contains(focus) {
				t.Fatalf("block %s box %s doesn't contain focus %s", k, box, focus)
			}
			if !box.Contains(centroid) {
				t.Fatalf("block %s box %s doesn't contain centroid %s", k, box, centroid)
			}
		}
	}
}

func TestKeyForPath(t *testing.T) {
	src, _ := testSource(t)
	k, err := src.KeyForPath("65")
	if err != nil {
		t.Fatalf("KeyForPath: %v", err)
	}
	if k.ID() != src.BlockKeyAt(dvid.Vector3d{750, 250, 900}, 2).ID() {
		t.Errorf("KeyForPath and BlockKeyAt disagree")
	}
	if _, err := src.KeyForPath("9"); err == nil {
		t.Errorf("expected error for step 9")
	}
	if _, err := src.KeyForPath("111"); err == nil {
		t.Errorf("expected error for path deeper than maximum resolution")
	}
}

func TestLoadBlock(t *testing.T) {
	src, bucket := testSource(t)
	ctx := context.Background()

	raw := make([]byte, 4*4*4)
	for i := range raw {
		raw[i] = byte(i * 3)
	}
	writeBlock(t, bucket, "1", nil, raw, 4)
	writeBlock(t, bucket, "2", map[string]string{"supercompression": "snappy"}, snappy.Encode(nil, raw), 4)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	writeBlock(t, bucket, "3", map[string]string{"supercompression": "zstd"}, enc.EncodeAll(raw, nil), 4)
	writeBlock(t, bucket, "4", nil, raw[:10], 4)

	for _, path := range []string{"1", "2", "3"} {
		k, _ := src.KeyForPath(path)
		vol, err := src.LoadBlock(ctx, k)
		if err != nil {
			t.Fatalf("load %s: %v", path, err)
		}
		if vol.Size != (dvid.Point3d{4, 4, 4}) || !bytes.Equal(vol.Data, raw) {
			t.Errorf("load %s: bad volume %s, %d bytes", path, vol.Size, len(vol.Data))
		}
	}

	k, _ := src.KeyForPath("4")
	if _, err := src.LoadBlock(ctx, k); block.ErrorKindOf(err) != block.KindDecode {
		t.Errorf("expected decode error for short block, got %v", err)
	}
	k, _ = src.KeyForPath("8")
	if _, err := src.LoadBlock(ctx, k); block.ErrorKindOf(err) != block.KindMissing {
		t.Errorf("expected missing error, got %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	k, _ = src.KeyForPath("3")
	if _, err := src.LoadBlock(ctx, k); block.ErrorKindOf(err) != block.KindDecode {
		t.Errorf("expected decode error for zstd block after close, got %v", err)
	}
}
