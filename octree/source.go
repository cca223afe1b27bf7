/*
	Package octree implements a block.Source over a KTX octree: a directory tree
	where every octree node is a KTX file holding one downsampled block of the
	volume.  The root node's key/value metadata describes the whole volume:

		multiscale_total_levels  number of octree levels, root included
		corner_xyzs              the eight world-space corners of the volume

	A node is addressed by the octree steps taken from the root, each step in
	1..8 where the x half adds 1, the y half adds 2 and the z half adds 4.
	Node "3" then "5" lives at "3/5/block_8_xy_35.ktx".
*/
package octree

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/tilestream/block"
	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/storage"
)

const (
	// BlockSuffix is inserted between "block" and the step digits of a node name.
	BlockSuffix = "_8_xy_"

	// MaxLevels bounds the octree depth we accept from metadata.
	MaxLevels = 20
)

// Options adjust how an octree is opened.
type Options struct {
	// Origin, if set, overrides the volume origin from the root metadata.
	Origin *dvid.Vector3d
}

// Source is a KTX octree block source.
type Source struct {
	store   storage.Store
	origin  dvid.Vector3d
	outer   dvid.Vector3d
	maxRes  block.Resolution
	rootHdr *Header
	zstdDec *zstd.Decoder
}

// New returns an octree source for a volume with the given corners and number of
// levels, reading blocks from store.
func New(store storage.Store, origin, outerCorner dvid.Vector3d, levels int) (*Source, error) {
	if levels < 1 || levels > MaxLevels {
		return nil, fmt.Errorf("octree must have between 1 and %d levels, got %d", MaxLevels, levels)
	}
	for dim := 0; dim < 3; dim++ {
		if outerCorner[dim] <= origin[dim] {
			return nil, fmt.Errorf("octree outer corner %s must exceed origin %s", outerCorner, origin)
		}
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Source{
		store:   store,
		origin:  origin,
		outer:   outerCorner,
		maxRes:  block.Resolution(levels - 1),
		zstdDec: dec,
	}, nil
}

// Open reads the root block header from the store and returns a source for the
// octree it describes.
func Open(ctx context.Context, store storage.Store, opts Options) (*Source, error) {
	timedLog := dvid.NewTimeLog()
	rootName := BlockPath("")
	r, err := store.NewReader(ctx, rootName)
	if err != nil {
		return nil, fmt.Errorf("can't read octree root %q from %s: %w", rootName, store, err)
	}
	defer r.Close()
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("bad octree root %q: %w", rootName, err)
	}
	levelStr, found := hdr.Metadata["multiscale_total_levels"]
	if !found {
		return nil, fmt.Errorf("octree root %q has no multiscale_total_levels metadata", rootName)
	}
	levels, err := strconv.Atoi(strings.TrimSpace(levelStr))
	if err != nil {
		return nil, fmt.Errorf("bad multiscale_total_levels %q: %v", levelStr, err)
	}
	origin, outer, err := ParseCorners(hdr.Metadata["corner_xyzs"])
	if err != nil {
		return nil, err
	}
	if opts.Origin != nil {
		origin = *opts.Origin
	}
	src, err := New(store, origin, outer, levels)
	if err != nil {
		return nil, err
	}
	src.rootHdr = hdr
	timedLog.Infof("Opened %d level octree %s-%s from %s", levels, origin, outer, store)
	return src, nil
}

var (
	numberPattern = `[-+]?[0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?`
	tuplePattern  = `\(\s*(` + numberPattern + `)\s*,\s*(` + numberPattern + `)\s*,\s*(` + numberPattern + `)\s*\)`
	cornersRegexp = regexp.MustCompile(`(?s)^\[\s*` + tuplePattern + `.*` + tuplePattern + `\s*\]$`)
)

// ParseCorners extracts the first and last corners from a corner_xyzs value like
// "[(68097.32, 13754.19, 27557.1), ..., (79094.79, 21962.16, 42164.3)]".
func ParseCorners(s string) (origin, outer dvid.Vector3d, err error) {
	m := cornersRegexp.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		err = fmt.Errorf("can't extract octree corners from %q", s)
		return
	}
	for dim := 0; dim < 3; dim++ {
		if origin[dim], err = strconv.ParseFloat(m[1+dim], 64); err != nil {
			return
		}
		if outer[dim], err = strconv.ParseFloat(m[4+dim], 64); err != nil {
			return
		}
	}
	return
}

// BlockPath returns the object name of the octree node with the given steps.
func BlockPath(steps string) string {
	var b strings.Builder
	for _, step := range steps {
		b.WriteRune(step)
		b.WriteByte('/')
	}
	b.WriteString("block" + BlockSuffix + steps + ".ktx")
	return b.String()
}

func (s *Source) MaximumResolution() block.Resolution {
	return s.maxRes
}

func (s *Source) Bounds() dvid.Box {
	return dvid.Box{Min: s.origin, Max: s.outer}
}

// BlockSize halves the volume extent once per level.
func (s *Source) BlockSize(r block.Resolution) dvid.Vector3d {
	return s.Bounds().Size().DivideScalar(math.Pow(2, float64(r)))
}

// BlockKeyAt descends the octree from the root, picking the octant that holds the
// focus at each level.  Points on a midplane fall into the lower octant.
func (s *Source) BlockKeyAt(focus dvid.Vector3d, r block.Resolution) block.Key {
	if r < 0 || r > s.maxRes {
		return nil
	}
	if !s.Bounds().Contains(focus) {
		return nil
	}
	steps := make([]byte, 0, int(r))
	subOrigin := s.origin
	subExtent := s.Bounds().Size()
	for len(steps) < int(r) {
		subExtent = subExtent.MultScalar(0.5)
		step := byte(1)
		if focus[0] > subOrigin[0]+subExtent[0] {
			step += 1
			subOrigin[0] += subExtent[0]
		}
		if focus[1] > subOrigin[1]+subExtent[1] {
			step += 2
			subOrigin[1] += subExtent[1]
		}
		if focus[2] > subOrigin[2]+subExtent[2] {
			step += 4
			subOrigin[2] += subExtent[2]
		}
		steps = append(steps, '0'+step)
	}
	return newKey(string(steps), subOrigin.Add(subExtent.MultScalar(0.5)), subExtent)
}

// blockOrigin walks the key's steps from the root to its low corner.
func (s *Source) blockOrigin(path string) dvid.Vector3d {
	o := s.origin
	extent := s.Bounds().Size()
	for i := 0; i < len(path); i++ {
		extent = extent.MultScalar(0.5)
		step := path[i] - '0' - 1
		if step&1 != 0 {
			o[0] += extent[0]
		}
		if step&2 != 0 {
			o[1] += extent[1]
		}
		if step&4 != 0 {
			o[2] += extent[2]
		}
	}
	return o
}

// BlockCentroid reconstructs the center of a block from its octree path.
func (s *Source) BlockCentroid(k block.Key) dvid.Vector3d {
	path := k.ID().Path
	extent := s.BlockSize(block.Resolution(len(path)))
	return s.blockOrigin(path).Add(extent.MultScalar(0.5))
}

// KeyForPath returns the key for a step string like "351", or an error if the
// steps are invalid for this octree.
func (s *Source) KeyForPath(path string) (block.Key, error) {
	if len(path) > int(s.maxRes) {
		return nil, fmt.Errorf("octree path %q is deeper than maximum %s", path, s.maxRes)
	}
	for i := 0; i < len(path); i++ {
		if path[i] < '1' || path[i] > '8' {
			return nil, fmt.Errorf("bad octree step %q in path %q", path[i], path)
		}
	}
	extent := s.BlockSize(block.Resolution(len(path)))
	return newKey(path, s.blockOrigin(path).Add(extent.MultScalar(0.5)), extent), nil
}

// LoadBlock reads the node's KTX file and returns its first mipmap level.
func (s *Source) LoadBlock(ctx context.Context, k block.Key) (*block.Volume, error) {
	id := k.ID()
	if id.Kind != block.OctreeKind {
		return nil, block.DecodeError(k, fmt.Errorf("octree source can't load %s key", id.Kind))
	}
	name := BlockPath(id.Path)
	timedLog := dvid.NewTimeLog()
	data, err := storage.ReadAll(ctx, s.store, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, block.MissingError(k, err)
		}
		return nil, block.IOError(k, err)
	}
	r := bytes.NewReader(data)
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, block.DecodeError(k, err)
	}
	img, err := hdr.ReadImage(r)
	if err != nil {
		return nil, block.DecodeError(k, err)
	}
	switch hdr.Metadata["supercompression"] {
	case "", "none":
	case "snappy":
		if img, err = snappy.Decode(nil, img); err != nil {
			return nil, block.DecodeError(k, fmt.Errorf("snappy: %v", err))
		}
	case "zstd":
		if img, err = s.zstdDec.DecodeAll(img, nil); err != nil {
			return nil, block.DecodeError(k, fmt.Errorf("zstd: %v", err))
		}
	default:
		return nil, block.DecodeError(k, fmt.Errorf("unknown supercompression %q", hdr.Metadata["supercompression"]))
	}
	depth := hdr.PixelDepth
	if depth == 0 {
		depth = 1
	}
	vol := &block.Volume{
		Size:          dvid.Point3d{int32(hdr.PixelWidth), int32(hdr.PixelHeight), int32(depth)},
		BytesPerVoxel: int(hdr.GLTypeSize),
		Channels:      hdr.Channels(),
		Data:          img,
	}
	if err := vol.Validate(); err != nil {
		return nil, block.DecodeError(k, err)
	}
	timedLog.Debugf("Loaded octree block %q, %d bytes", name, len(img))
	return vol, nil
}

// RootMetadata returns the key/value metadata of the root block, if the source
// was opened from a store.
func (s *Source) RootMetadata() map[string]string {
	if s.rootHdr == nil {
		return nil
	}
	return s.rootHdr.Metadata
}

// Close releases the block decoder.  Blocks can't be loaded after Close.
func (s *Source) Close() error {
	s.zstdDec.Close()
	return nil
}

func (s *Source) String() string {
	return fmt.Sprintf("KTX octree %s-%s, %d levels @ %s", s.origin, s.outer, s.maxRes+1, s.store)
}
