package block

import (
	"fmt"

	"github.com/DmitriyVTitov/size"

	"github.com/janelia-flyem/tilestream/dvid"
)

// Volume is a decoded block of voxels in x-fastest order.
type Volume struct {
	Size          dvid.Point3d // voxels along x, y, z
	BytesPerVoxel int
	Channels      int
	Data          []byte
}

// NumVoxels returns the number of voxels in the volume.
func (v *Volume) NumVoxels() int64 {
	return v.Size.Prod()
}

// Validate checks the buffer length against the size and voxel format.
func (v *Volume) Validate() error {
	channels := v.Channels
	if channels == 0 {
		channels = 1
	}
	expected := v.NumVoxels() * int64(v.BytesPerVoxel) * int64(channels)
	if int64(len(v.Data)) != expected {
		return fmt.Errorf("volume %s with %d bytes/voxel, %d channels needs %d bytes, got %d",
			v.Size, v.BytesPerVoxel, channels, expected, len(v.Data))
	}
	return nil
}

// State is the lifecycle state of a block in the tile cache.
type State uint8

const (
	Unqueued State = iota
	Queued
	Loading
	Resident
	Failed
	Cancelled
	Obsolete
)

var stateNames = [...]string{"unqueued", "queued", "loading", "resident", "failed", "cancelled", "obsolete"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state %d", uint8(s))
}

// Tile is a loaded block payload.  Tiles are owned by the tile cache until they
// are popped from its obsolete outbox; renderers only borrow them.
type Tile struct {
	Key    Key
	Volume *Volume

	// GPU holds renderer-specific resources attached to the tile, e.g. a texture
	// handle.  The cache never touches it.
	GPU interface{}
}

// NewTile returns a tile for a loaded volume.
func NewTile(k Key, v *Volume) *Tile {
	return &Tile{Key: k, Volume: v}
}

// MemSize returns the approximate number of bytes held by the tile's volume.
func (t *Tile) MemSize() int {
	if t == nil || t.Volume == nil {
		return 0
	}
	return size.Of(t.Volume)
}

func (t *Tile) String() string {
	if t.Volume == nil {
		return fmt.Sprintf("tile %s (empty)", t.Key)
	}
	return fmt.Sprintf("tile %s %s", t.Key, t.Volume.Size)
}
