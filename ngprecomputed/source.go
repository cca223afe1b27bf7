/*
	Package ngprecomputed implements a block.Source over a neuroglancer precomputed
	image pyramid, either unsharded (one object per chunk) or sharded with the
	neuroglancer_uint64_sharded_v1 format.

	The info file lists scales finest first.  They are exposed as resolutions in
	the reverse order so resolution 0 is the coarsest scale.  World coordinates are
	in micrometers: (voxel_offset + voxel) * resolution / 1000.
*/
package ngprecomputed

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage"
)

const (
	DefaultMaxShards     = 64
	DefaultMaxMinishards = 1024
)

// Options bound the shard metadata kept in memory.
type Options struct {
	MaxShards     int // shard indices kept in an LRU cache
	MaxMinishards int // decoded minishard maps kept in an LRU cache
}

// Source is a neuroglancer precomputed block source.
type Source struct {
	store  storage.Store
	vol    *ngVolume
	bounds dvid.Box
	shards *shardCache
}

// Open reads and validates the "info" file of a precomputed volume.
func Open(ctx context.Context, store storage.Store, opts Options) (*Source, error) {
	timedLog := dvid.NewTimeLog()
	data, err := storage.ReadAll(ctx, store, "info")
	if err != nil {
		return nil, fmt.Errorf("can't read neuroglancer info from %s: %w", store, err)
	}
	vol, err := parseInfo(data)
	if err != nil {
		return nil, err
	}
	if opts.MaxShards <= 0 {
		opts.MaxShards = DefaultMaxShards
	}
	if opts.MaxMinishards <= 0 {
		opts.MaxMinishards = DefaultMaxMinishards
	}
	s := &Source{
		store:  store,
		vol:    vol,
		shards: newShardCache(opts.MaxShards, opts.MaxMinishards),
	}
	s.bounds = s.scaleBounds(&vol.Scales[0])
	timedLog.Infof("Loaded %s %s volume with %d scales, bounds %s from %s",
		vol.DataType, vol.VolumeType, len(vol.Scales), s.bounds, store)
	return s, nil
}

func umPerVoxel(scale *ngScale) dvid.Vector3d {
	return dvid.Vector3d{scale.Resolution[0] / 1000, scale.Resolution[1] / 1000, scale.Resolution[2] / 1000}
}

func (s *Source) scaleBounds(scale *ngScale) dvid.Box {
	um := umPerVoxel(scale)
	return dvid.Box{
		Min: scale.VoxelOffset.Vector3d().Mult(um),
		Max: scale.VoxelOffset.Add(scale.Size).Vector3d().Mult(um),
	}
}

// scale returns the scale for a resolution or nil if out of range.
func (s *Source) scale(r block.Resolution) *ngScale {
	n := len(s.vol.Scales)
	if r < 0 || int(r) >= n {
		return nil
	}
	return &s.vol.Scales[n-1-int(r)]
}

func (s *Source) MaximumResolution() block.Resolution {
	return block.Resolution(len(s.vol.Scales) - 1)
}

func (s *Source) Bounds() dvid.Box {
	return s.bounds
}

// BlockSize is the nominal chunk size of a scale.  Chunks on the upper boundary
// may be smaller.
func (s *Source) BlockSize(r block.Resolution) dvid.Vector3d {
	scale := s.scale(r)
	if scale == nil {
		return dvid.Vector3d{}
	}
	return scale.chunkSize.Vector3d().Mult(umPerVoxel(scale))
}

// BlockKeyAt divides the focus voxel coordinate by the chunk size.  Points on
// the outer boundary belong to the last chunk.
func (s *Source) BlockKeyAt(focus dvid.Vector3d, r block.Resolution) block.Key {
	scale := s.scale(r)
	if scale == nil || !s.bounds.Contains(focus) {
		return nil
	}
	um := umPerVoxel(scale)
	var coord dvid.ChunkPoint3d
	for dim := 0; dim < 3; dim++ {
		v := focus[dim]/um[dim] - float64(scale.VoxelOffset[dim])
		c := int32(math.Floor(v / float64(scale.chunkSize[dim])))
		if c < 0 {
			c = 0
		}
		if c >= scale.gridSize[dim] {
			c = scale.gridSize[dim] - 1
		}
		coord[dim] = c
	}
	return s.newKey(r, scale, coord)
}

// chunkVoxels returns the voxel box of a chunk, clipped to the scale size.
func chunkVoxels(scale *ngScale, coord dvid.ChunkPoint3d) (minV, maxV dvid.Point3d) {
	minV = coord.MinPoint(scale.chunkSize).Add(scale.VoxelOffset)
	end := scale.VoxelOffset.Add(scale.Size)
	for dim := 0; dim < 3; dim++ {
		maxV[dim] = minV[dim] + scale.chunkSize[dim]
		if maxV[dim] > end[dim] {
			maxV[dim] = end[dim]
		}
	}
	return
}

func (s *Source) newKey(r block.Resolution, scale *ngScale, coord dvid.ChunkPoint3d) *Key {
	minV, maxV := chunkVoxels(scale, coord)
	um := umPerVoxel(scale)
	lo := minV.Vector3d().Mult(um)
	hi := maxV.Vector3d().Mult(um)
	// Coarser scales can round their size down, so boundary chunks reach out to
	// the volume bounds to keep every focus inside its chunk.
	for dim := 0; dim < 3; dim++ {
		if coord[dim] == 0 && s.bounds.Min[dim] < lo[dim] {
			lo[dim] = s.bounds.Min[dim]
		}
		if coord[dim] == scale.gridSize[dim]-1 && s.bounds.Max[dim] > hi[dim] {
			hi[dim] = s.bounds.Max[dim]
		}
	}
	return &Key{
		res:      r,
		coord:    coord,
		centroid: lo.Add(hi).MultScalar(0.5),
		extent:   hi.Subtract(lo),
	}
}

// BlockCentroid reconstructs the chunk center from its scale and grid coordinate.
func (s *Source) BlockCentroid(k block.Key) dvid.Vector3d {
	id := k.ID()
	scale := s.scale(id.Resolution)
	if scale == nil {
		return dvid.Vector3d{}
	}
	return s.newKey(id.Resolution, scale, id.Coord).Centroid()
}

// chunkName is the object name of a chunk in an unsharded scale.
func chunkName(scale *ngScale, coord dvid.ChunkPoint3d) string {
	minV, maxV := chunkVoxels(scale, coord)
	return fmt.Sprintf("%s/%d-%d_%d-%d_%d-%d", scale.Key,
		minV[0], maxV[0], minV[1], maxV[1], minV[2], maxV[2])
}

// LoadBlock reads and decodes a chunk.
func (s *Source) LoadBlock(ctx context.Context, k block.Key) (*block.Volume, error) {
	id := k.ID()
	if id.Kind != block.GridKind {
		return nil, block.DecodeError(k, fmt.Errorf("precomputed source can't load %s key", id.Kind))
	}
	scale := s.scale(id.Resolution)
	if scale == nil {
		return nil, block.MissingError(k, fmt.Errorf("no scale for %s", id.Resolution))
	}
	for dim := 0; dim < 3; dim++ {
		if id.Coord[dim] < 0 || id.Coord[dim] >= scale.gridSize[dim] {
			return nil, block.MissingError(k, fmt.Errorf("chunk %s outside grid %s", id.Coord, scale.gridSize))
		}
	}
	timedLog := dvid.NewTimeLog()
	var data []byte
	var err error
	if scale.Sharding != nil {
		data, err = s.readShardedChunk(ctx, scale, id.Coord)
	} else {
		data, err = storage.ReadAll(ctx, s.store, chunkName(scale, id.Coord))
	}
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, block.MissingError(k, err)
		}
		return nil, block.IOError(k, err)
	}
	minV, maxV := chunkVoxels(scale, id.Coord)
	vol := &block.Volume{
		Size:          maxV.Sub(minV),
		BytesPerVoxel: s.vol.bytesPerVoxel(),
		Channels:      s.vol.NumChannels,
	}
	if vol.Data, err = decodeChunk(scale.Encoding, data, vol.Size); err != nil {
		return nil, block.DecodeError(k, err)
	}
	if err := vol.Validate(); err != nil {
		return nil, block.DecodeError(k, err)
	}
	timedLog.Debugf("Loaded %s from scale %q, %d bytes", id, scale.Key, len(data))
	return vol, nil
}

// decodeChunk returns the voxel bytes in x-fastest order.  Raw chunks may be
// stored gzip-compressed.
func decodeChunk(encoding string, data []byte, size dvid.Point3d) ([]byte, error) {
	switch encoding {
	case "raw":
		if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
			return gzipUncompress(data)
		}
		return data, nil
	case "jpeg":
		return jpegUncompress(data, size)
	default:
		return nil, fmt.Errorf("unsupported chunk encoding %q", encoding)
	}
}

// jpegUncompress decodes a grayscale JPEG holding a chunk as an image of width x
// and height y*z.
func jpegUncompress(data []byte, size dvid.Point3d) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("expected grayscale JPEG chunk, got %T", img)
	}
	width, height := int(size[0]), int(size[1]*size[2])
	b := gray.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("JPEG chunk is %dx%d, expected %dx%d", b.Dx(), b.Dy(), width, height)
	}
	if gray.Stride == width {
		return gray.Pix[:width*height], nil
	}
	out := make([]byte, 0, width*height)
	for y := 0; y < height; y++ {
		out = append(out, gray.Pix[y*gray.Stride:y*gray.Stride+width]...)
	}
	return out, nil
}

// Prefetch loads the shard indices and minishard maps needed by the keys so
// later chunk reads need a single range request.  Unsharded scales need no
// metadata and are skipped.
func (s *Source) Prefetch(ctx context.Context, keys []block.Key, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	seen := make(map[string]struct{})
	for _, k := range keys {
		id := k.ID()
		scale := s.scale(id.Resolution)
		if id.Kind != block.GridKind || scale == nil || scale.Sharding == nil {
			continue
		}
		shardFile, minishard, _ := shardLocation(scale, id.Coord)
		loc := fmt.Sprintf("%s#%d", shardFile, minishard)
		if _, found := seen[loc]; found {
			continue
		}
		seen[loc] = struct{}{}
		g.Go(func() error {
			_, err := s.minishardMap(ctx, scale, shardFile, minishard)
			return err
		})
	}
	return g.Wait()
}

func (s *Source) String() string {
	return fmt.Sprintf("neuroglancer precomputed %s volume, %d scales @ %s", s.vol.VolumeType, len(s.vol.Scales), s.store)
}
