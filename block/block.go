/*
	Package block defines the identifiers and payloads shared by every
	multi-resolution volume source: block keys, the Source contract, decoded
	voxel volumes, tiles and the load error taxonomy.

	Resolution 0 is the coarsest level of a source (the octree root or the most
	downsampled pyramid scale).  Deeper resolutions are finer.
*/
package block

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/tilestream/dvid"
)

// Resolution is a level in a multi-resolution pyramid or octree.  0 is the
// coarsest level and larger values are finer.
type Resolution int

func (r Resolution) String() string {
	return fmt.Sprintf("level %d", int(r))
}

// Kind distinguishes the key layouts of different sources.
type Kind uint8

const (
	OctreeKind Kind = iota + 1
	GridKind
)

func (k Kind) String() string {
	switch k {
	case OctreeKind:
		return "octree"
	case GridKind:
		return "grid"
	default:
		return fmt.Sprintf("kind %d", uint8(k))
	}
}

// ID is the identity of a block.  Two keys are equal iff their IDs are equal,
// so IDs are used as map keys throughout the cache.  Only the fields relevant
// to the Kind are set: octree keys use Path, grid keys use Coord.
type ID struct {
	Kind       Kind
	Resolution Resolution
	Path       string
	Coord      dvid.ChunkPoint3d
}

func (id ID) String() string {
	switch id.Kind {
	case OctreeKind:
		if id.Path == "" {
			return "octree root"
		}
		return fmt.Sprintf("octree %s", id.Path)
	default:
		return fmt.Sprintf("%s chunk %s", id.Resolution, id.Coord)
	}
}

// Key identifies one spatial chunk at one resolution.  Keys are immutable and
// carry their world-space geometry, which is derived from the ID and is not
// part of the key's identity.
type Key interface {
	ID() ID
	Resolution() Resolution

	// Centroid is the world-space center of the chunk.
	Centroid() dvid.Vector3d

	// Extent is the world-space size of the chunk.
	Extent() dvid.Vector3d

	fmt.Stringer
}

// Bounds returns the world-space box covered by a key.
func Bounds(k Key) dvid.Box {
	half := k.Extent().MultScalar(0.5)
	c := k.Centroid()
	return dvid.Box{Min: c.Subtract(half), Max: c.Add(half)}
}

// Source maps a multi-resolution volume to block keys and loads block payloads
// from a backing store.  Implementations are read-only after construction and
// safe for concurrent use.
type Source interface {
	// MaximumResolution returns the finest resolution available.
	MaximumResolution() Resolution

	// Bounds returns the world-space box of the whole volume.
	Bounds() dvid.Box

	// BlockSize returns the nominal world-space size of a block at a resolution.
	BlockSize(r Resolution) dvid.Vector3d

	// BlockKeyAt returns the key of the block containing the focus point at the
	// given resolution, or nil if the point is outside the volume or the
	// resolution is not available.
	BlockKeyAt(focus dvid.Vector3d, r Resolution) Key

	// BlockCentroid reconstructs the world-space center of a block.
	BlockCentroid(k Key) dvid.Vector3d

	// LoadBlock reads and decodes a block.  It blocks on I/O and must not be
	// called from the render loop.  Failures are returned as *LoadError.
	LoadBlock(ctx context.Context, k Key) (*Volume, error)

	fmt.Stringer
}
